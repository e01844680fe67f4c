package window

import (
	"testing"
	"time"

	"wa-notifier/internal/apperr"
	"wa-notifier/internal/repo"
)

func TestStateBoundary(t *testing.T) {
	last := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	cases := []struct {
		elapsed time.Duration
		want    State
	}{
		{0, Open},
		{time.Hour, Open},
		{Duration - time.Nanosecond, Open},
		{Duration, Expired},
		{25 * time.Hour, Expired},
	}
	for _, tc := range cases {
		if got := StateAt(&last, last.Add(tc.elapsed)); got != tc.want {
			t.Fatalf("elapsed %v: got %s, want %s", tc.elapsed, got, tc.want)
		}
	}
	if got := StateAt(nil, last); got != NoInboundYet {
		t.Fatalf("nil last inbound: got %s", got)
	}
}

func TestRequireFreeform(t *testing.T) {
	now := time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)
	tr := &Tracker{Now: func() time.Time { return now }}

	stale := now.Add(-25 * time.Hour)
	err := tr.RequireFreeform(&repo.Conversation{LastInboundAt: &stale})
	if !apperr.IsCompliance(err) {
		t.Fatalf("expected compliance error, got %v", err)
	}

	fresh := now.Add(-time.Hour)
	if err := tr.RequireFreeform(&repo.Conversation{LastInboundAt: &fresh}); err != nil {
		t.Fatalf("expected open window, got %v", err)
	}

	if err := tr.RequireFreeform(&repo.Conversation{}); !apperr.IsCompliance(err) {
		t.Fatalf("expected compliance error without inbound, got %v", err)
	}
}

func TestExpiresAt(t *testing.T) {
	last := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	tr := NewTracker()
	got := tr.ExpiresAt(&repo.Conversation{LastInboundAt: &last})
	if got == nil || !got.Equal(last.Add(24*time.Hour)) {
		t.Fatalf("unexpected expiry %v", got)
	}
}
