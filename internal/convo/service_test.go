package convo

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"wa-notifier/internal/apperr"
	"wa-notifier/internal/logging"
	"wa-notifier/internal/optout"
	"wa-notifier/internal/queue"
	"wa-notifier/internal/repo"
	"wa-notifier/internal/window"
	"wa-notifier/migrations"
)

var now = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *repo.SQLiteRepository, *optout.Registry) {
	t.Helper()
	ctx := context.Background()
	r, err := repo.NewSQLite(ctx, filepath.Join(t.TempDir(), "convo.db"), logging.Discard())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(r.Close)
	if err := r.RunMigrations(ctx, migrations.Files); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	tracker := &window.Tracker{Now: func() time.Time { return now }}
	optouts := optout.New(r, logging.Discard(), nil)
	dispatcher := queue.NewDispatcher(queue.Config{Enabled: true}, queue.Dependencies{Repository: r}, logging.Discard())
	dispatcher.SetClock(tracker.Now)
	return NewService(r, tracker, optouts, dispatcher, logging.Discard()), r, optouts
}

func seedConversation(t *testing.T, r *repo.SQLiteRepository, optouts *optout.Registry, lastInbound time.Time) *repo.Conversation {
	t.Helper()
	ctx := context.Background()
	conv, err := r.FindOrCreateConversation(ctx, "tenant-1", "447700900123", nil, now)
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	if err := r.TouchLastInbound(ctx, conv.ID, lastInbound); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if err := optouts.RemoveOptOut(ctx, conv.GuestPhone); err != nil {
		t.Fatalf("opt in: %v", err)
	}
	return conv
}

func TestReplyOutsideWindowRequiresTemplate(t *testing.T) {
	svc, r, optouts := newTestService(t)
	conv := seedConversation(t, r, optouts, now.Add(-25*time.Hour))

	_, err := svc.Reply(context.Background(), conv.ID, "Your room is ready")
	if !apperr.IsCompliance(err) {
		t.Fatalf("expected compliance error, got %v", err)
	}
	if apperr.Message(err) != window.ErrTemplateRequired {
		t.Fatalf("unexpected message %q", apperr.Message(err))
	}
	count, _ := r.CountMessages(context.Background(), conv.ID)
	if count != 0 {
		t.Fatalf("blocked reply must not be stored, got %d messages", count)
	}
}

func TestReplyInsideWindowIsQueued(t *testing.T) {
	svc, r, optouts := newTestService(t)
	conv := seedConversation(t, r, optouts, now.Add(-time.Hour))

	res, err := svc.Reply(context.Background(), conv.ID, "  Your room is ready  ")
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if res.Status != repo.StatusQueued {
		t.Fatalf("expected queued metadata, got %s", res.Status)
	}
	item := res.QueueItem
	if item.Priority != queue.ReplyPriority || item.TriggerType != ReplyTrigger || item.ShouldFallbackToEmail {
		t.Fatalf("unexpected queue item %+v", item)
	}
	if item.ChatMessageID == nil || *item.ChatMessageID != res.ChatMessageID {
		t.Fatalf("queue item not linked to message: %+v", item)
	}
	msg, err := r.GetChatMessage(context.Background(), res.ChatMessageID)
	if err != nil || msg.Content != "Your room is ready" || msg.Direction != repo.DirectionOutbound {
		t.Fatalf("unexpected message %+v %v", msg, err)
	}
}

func TestReplyRejectsOptedOutAndOversizedText(t *testing.T) {
	svc, r, optouts := newTestService(t)
	conv := seedConversation(t, r, optouts, now.Add(-time.Hour))
	ctx := context.Background()

	if _, err := svc.Reply(ctx, conv.ID, strings.Repeat("a", 4097)); !apperr.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := svc.Reply(ctx, conv.ID, "   "); !apperr.IsValidation(err) {
		t.Fatalf("expected validation error for blank text, got %v", err)
	}
	if err := optouts.AddOptOut(ctx, conv.GuestPhone, "STOP"); err != nil {
		t.Fatalf("opt out: %v", err)
	}
	if _, err := svc.Reply(ctx, conv.ID, "hello"); !apperr.IsCompliance(err) {
		t.Fatalf("expected compliance error, got %v", err)
	}
	if _, err := svc.Reply(ctx, "missing", "hello"); !apperr.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

type failingEnqueuer struct {
	got queue.EnqueueRequest
}

func (f *failingEnqueuer) Enqueue(_ context.Context, req queue.EnqueueRequest) (*repo.QueueItem, error) {
	f.got = req
	return nil, errors.New("database is locked")
}

func TestReplyMarkedFailedWhenEnqueueFails(t *testing.T) {
	_, r, optouts := newTestService(t)
	conv := seedConversation(t, r, optouts, now.Add(-time.Hour))
	enqueuer := &failingEnqueuer{}
	tracker := &window.Tracker{Now: func() time.Time { return now }}
	svc := NewService(r, tracker, optouts, enqueuer, logging.Discard())

	if _, err := svc.Reply(context.Background(), conv.ID, "Your room is ready"); err == nil {
		t.Fatal("expected enqueue error")
	}
	if enqueuer.got.MessageMetadataID == nil {
		t.Fatal("expected enqueue to carry the metadata id")
	}
	meta, err := r.GetMessageMetadata(context.Background(), *enqueuer.got.MessageMetadataID)
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if meta.Status != repo.StatusFailed || meta.FailedAt == nil || !meta.FailedAt.Equal(now) {
		t.Fatalf("expected failed metadata, got %+v", meta)
	}
	if meta.FailureReason == nil || !strings.Contains(*meta.FailureReason, "database is locked") {
		t.Fatalf("unexpected failure reason %v", meta.FailureReason)
	}
}

func TestDescribeReportsWindow(t *testing.T) {
	svc, r, optouts := newTestService(t)
	last := now.Add(-2 * time.Hour)
	conv := seedConversation(t, r, optouts, last)

	view, err := svc.Describe(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if view.WindowState != window.Open {
		t.Fatalf("expected open window, got %s", view.WindowState)
	}
	if view.WindowExpiresAt == nil || !view.WindowExpiresAt.Equal(last.Add(24*time.Hour)) {
		t.Fatalf("unexpected expiry %v", view.WindowExpiresAt)
	}
}
