package fallback

import (
	"context"
	"testing"

	"wa-notifier/internal/logging"
)

func TestLogTriggerAccepts(t *testing.T) {
	var trig Trigger = NewLogTrigger(logging.Discard())
	if err := trig.TriggerEmailFallback(context.Background(), Request{QueueItemID: "q1"}); err != nil {
		t.Fatalf("log trigger: %v", err)
	}
}

func TestAMQPTriggerRequiresURL(t *testing.T) {
	if _, err := NewAMQPTrigger("", "email_fallback", logging.Discard()); err == nil {
		t.Fatal("expected error for empty url")
	}
}
