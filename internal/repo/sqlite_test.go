package repo

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"wa-notifier/internal/apperr"
	"wa-notifier/internal/logging"
	"wa-notifier/migrations"
)

func newTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	ctx := context.Background()
	r, err := NewSQLite(ctx, filepath.Join(t.TempDir(), "test.db"), logging.Discard())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(r.Close)
	if err := r.RunMigrations(ctx, migrations.Files); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return r
}

func strPtr(s string) *string { return &s }

func TestSQLiteMigrationsAreIdempotent(t *testing.T) {
	r := newTestRepo(t)
	if err := r.RunMigrations(context.Background(), migrations.Files); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestCreateMessageRejectsDuplicateProviderID(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	conv, err := r.FindOrCreateConversation(ctx, "tenant-1", "447700900001", nil, now)
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}

	msg := NewMessage{
		ConversationID:    conv.ID,
		Direction:         DirectionInbound,
		MessageType:       MessageTypeText,
		Status:            StatusDelivered,
		Content:           "hello",
		ProviderMessageID: strPtr("wamid.1"),
		CreatedAt:         now,
	}
	if _, _, err := r.CreateMessage(ctx, msg); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, _, err = r.CreateMessage(ctx, msg)
	if !apperr.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}

	count, err := r.CountMessages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 message, got %d", count)
	}

	exists, err := r.MessageMetadataExists(ctx, "wamid.1")
	if err != nil || !exists {
		t.Fatalf("expected metadata to exist, got %v %v", exists, err)
	}
}

func TestFindOrCreateConversationKeepsName(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	now := time.Now()

	first, err := r.FindOrCreateConversation(ctx, "t", "4915112345678", strPtr("Ana"), now)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := r.FindOrCreateConversation(ctx, "t", "4915112345678", strPtr("Someone"), now)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same conversation, got %s and %s", first.ID, second.ID)
	}
	if second.GuestName == nil || *second.GuestName != "Ana" {
		t.Fatalf("expected name to be kept, got %v", second.GuestName)
	}
}

func TestTouchLastInboundNeverMovesBackwards(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	late := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	early := late.Add(-time.Hour)

	conv, _ := r.FindOrCreateConversation(ctx, "t", "4915112345678", nil, early)
	if err := r.TouchLastInbound(ctx, conv.ID, late); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if err := r.TouchLastInbound(ctx, conv.ID, early); err != nil {
		t.Fatalf("touch: %v", err)
	}
	got, err := r.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LastInboundAt == nil || !got.LastInboundAt.Equal(late) {
		t.Fatalf("expected %v, got %v", late, got.LastInboundAt)
	}
}

func TestQueueDueOrderingAndClaim(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	low, _ := r.InsertQueueItem(ctx, NewQueueItem{TriggerType: "a", Priority: 5, MaxRetries: 3, NextRetryAt: base})
	high, _ := r.InsertQueueItem(ctx, NewQueueItem{TriggerType: "b", Priority: 1, MaxRetries: 3, NextRetryAt: base.Add(time.Second)})
	_, _ = r.InsertQueueItem(ctx, NewQueueItem{TriggerType: "c", Priority: 1, MaxRetries: 3, NextRetryAt: base.Add(time.Hour)})

	due, err := r.ListDueQueueItems(ctx, base.Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("expected 2 due items, got %d", len(due))
	}
	if due[0].ID != high.ID || due[1].ID != low.ID {
		t.Fatalf("unexpected order: %s, %s", due[0].TriggerType, due[1].TriggerType)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := r.ClaimQueueItem(ctx, high.ID, high.Version, base)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one claim to win, got %d", wins)
	}

	item, err := r.GetQueueItem(ctx, high.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if item.Status != QueueProcessing || item.Version != high.Version+1 {
		t.Fatalf("unexpected claimed state %s v%d", item.Status, item.Version)
	}
}

func TestQueueLifecycleAndStats(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	item, _ := r.InsertQueueItem(ctx, NewQueueItem{TriggerType: "x", Priority: 5, MaxRetries: 3, FallbackToEmail: true, NextRetryAt: now})
	if ok, _ := r.ClaimQueueItem(ctx, item.ID, item.Version, now); !ok {
		t.Fatal("expected claim")
	}
	next := now.Add(time.Minute)
	if moved, err := r.RescheduleQueueItem(ctx, item.ID, 1, next, "boom", now); err != nil || !moved {
		t.Fatalf("reschedule: %v %v", moved, err)
	}
	got, _ := r.GetQueueItem(ctx, item.ID)
	if got.Status != QueuePending || got.RetryCount != 1 || !got.NextRetryAt.Equal(next) {
		t.Fatalf("unexpected rescheduled item %+v", got)
	}
	if got.LastError == nil || *got.LastError != "boom" {
		t.Fatalf("expected last error, got %v", got.LastError)
	}
	if won, _ := r.MarkEmailFallbackSent(ctx, item.ID, now); won {
		t.Fatal("pending item must not take the fallback guard")
	}
	if moved, _ := r.FailQueueItem(ctx, item.ID, 2, "boom", now); moved {
		t.Fatal("pending item must not move to failed")
	}

	if ok, _ := r.ClaimQueueItem(ctx, item.ID, got.Version, next); !ok {
		t.Fatal("expected second claim")
	}
	if moved, err := r.FailQueueItem(ctx, item.ID, 2, "boom", next); err != nil || !moved {
		t.Fatalf("fail: %v %v", moved, err)
	}
	won, _ := r.MarkEmailFallbackSent(ctx, item.ID, now)
	again, _ := r.MarkEmailFallbackSent(ctx, item.ID, now)
	if !won || again {
		t.Fatalf("expected fallback guard to be won once, got %v %v", won, again)
	}

	other, _ := r.InsertQueueItem(ctx, NewQueueItem{TriggerType: "x", Priority: 5, MaxRetries: 3, FallbackToEmail: true, NextRetryAt: now})
	if ok, _ := r.CancelQueueItem(ctx, other.ID, now); !ok {
		t.Fatal("expected cancel")
	}
	if ok, _ := r.CancelQueueItem(ctx, other.ID, now); ok {
		t.Fatal("cancelled item must not cancel twice")
	}
	if won, _ := r.MarkEmailFallbackSent(ctx, other.ID, now); won {
		t.Fatal("cancelled item must not take the fallback guard")
	}

	stats, err := r.QueueStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Counts[QueueCancelled] != 1 || stats.Counts[QueueFailed] != 1 || stats.OldestPendingAt != nil {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.AverageRetryCount != 1 {
		t.Fatalf("expected average retry 1, got %v", stats.AverageRetryCount)
	}
}

func TestGetQueueItemNotFound(t *testing.T) {
	r := newTestRepo(t)
	_, err := r.GetQueueItem(context.Background(), "missing")
	if !apperr.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTemplateCandidatesIncludeGlobal(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	prop := "prop-1"

	for _, tpl := range []Template{
		{PropertyID: &prop, TemplateType: "checkin", LanguageCode: "fr", Name: "p_fr", Body: "x", IsEnabled: true, ApprovalStatus: ApprovalApproved},
		{TemplateType: "checkin", LanguageCode: "en", Name: "g_en", Body: "x", IsEnabled: true, ApprovalStatus: ApprovalApproved},
		{TemplateType: "checkin", LanguageCode: "de", Name: "g_de", Body: "x", IsEnabled: true, ApprovalStatus: ApprovalApproved},
	} {
		if _, err := r.UpsertTemplate(ctx, tpl); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	got, err := r.ListTemplateCandidates(ctx, "checkin", &prop, []string{"fr", "en"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}

	// upsert on the same key replaces
	updated, err := r.UpsertTemplate(ctx, Template{TemplateType: "checkin", LanguageCode: "en", Name: "g_en2", Body: "y", IsEnabled: false})
	if err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	if updated.Name != "g_en2" || updated.IsEnabled || updated.PropertyID != nil {
		t.Fatalf("unexpected template %+v", updated)
	}
}

func TestOptInKeepsOptOutHistory(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	out := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	in := out.Add(24 * time.Hour)

	if err := r.UpsertOptOut(ctx, "4915112345678", out, strPtr("STOP")); err != nil {
		t.Fatalf("opt out: %v", err)
	}
	if err := r.UpsertOptIn(ctx, "4915112345678", in); err != nil {
		t.Fatalf("opt in: %v", err)
	}
	rec, err := r.GetOptOut(ctx, "4915112345678")
	if err != nil || rec == nil {
		t.Fatalf("get: %v %v", rec, err)
	}
	if rec.OptedOutAt == nil || !rec.OptedOutAt.Equal(out) {
		t.Fatalf("expected opted_out_at kept, got %v", rec.OptedOutAt)
	}
	if rec.OptedInAt == nil || !rec.OptedInAt.Equal(in) {
		t.Fatalf("expected opted_in_at, got %v", rec.OptedInAt)
	}

	missing, err := r.GetOptOut(ctx, "000")
	if err != nil || missing != nil {
		t.Fatalf("expected nil record, got %v %v", missing, err)
	}
}

func TestBookingRoundTripAndLookup(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	b := Booking{
		ID:           "bk-1",
		TenantID:     "t",
		GuestName:    "Ana",
		GuestPhone:   "4915112345678",
		LanguageCode: "de",
		Data:         map[string]string{"room": "12"},
	}
	if err := r.UpsertBooking(ctx, b); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := r.FindBookingByPhone(ctx, "t", "4915112345678")
	if err != nil || got == nil {
		t.Fatalf("find: %v %v", got, err)
	}
	if got.Data["room"] != "12" {
		t.Fatalf("unexpected data %v", got.Data)
	}
	if _, err := r.GetBooking(ctx, "nope"); !apperr.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}
