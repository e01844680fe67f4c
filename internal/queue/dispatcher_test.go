package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"wa-notifier/internal/apperr"
	"wa-notifier/internal/credentials"
	"wa-notifier/internal/fallback"
	"wa-notifier/internal/logging"
	"wa-notifier/internal/optout"
	"wa-notifier/internal/repo"
	"wa-notifier/internal/retry"
	"wa-notifier/internal/templates"
	"wa-notifier/internal/wa"
	"wa-notifier/internal/window"
	"wa-notifier/migrations"
)

type sentCall struct {
	to      string
	payload wa.Payload
	creds   credentials.Credentials
}

type fakeSender struct {
	mu     sync.Mutex
	calls  []sentCall
	err    error
	during func()
}

func (f *fakeSender) Send(_ context.Context, creds credentials.Credentials, to string, payload wa.Payload) (*wa.SendResult, error) {
	if f.during != nil {
		f.during()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sentCall{to: to, payload: payload, creds: creds})
	if f.err != nil {
		return nil, f.err
	}
	return &wa.SendResult{MessageID: fmt.Sprintf("wamid.out.%d", len(f.calls)), WaID: to}, nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type staticCredentials map[string]*credentials.Credentials

func (s staticCredentials) GetDecryptedCredentials(_ context.Context, tenantID string) (*credentials.Credentials, error) {
	return s[tenantID], nil
}

type recordingFallback struct {
	mu    sync.Mutex
	calls []fallback.Request
	err   error
}

func (f *recordingFallback) TriggerEmailFallback(_ context.Context, req fallback.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	return f.err
}

type harness struct {
	repo     *repo.SQLiteRepository
	sender   *fakeSender
	fallback *recordingFallback
	optouts  *optout.Registry
	now      time.Time
	d        *Dispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	r, err := repo.NewSQLite(ctx, filepath.Join(t.TempDir(), "queue.db"), logging.Discard())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(r.Close)
	if err := r.RunMigrations(ctx, migrations.Files); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	h := &harness{
		repo:     r,
		sender:   &fakeSender{},
		fallback: &recordingFallback{},
		now:      time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	h.optouts = optout.New(r, logging.Discard(), nil)

	h.d = h.newDispatcher()
	return h
}

func (h *harness) newDispatcher() *Dispatcher {
	clock := func() time.Time { return h.now }
	d := NewDispatcher(Config{Enabled: true, BatchSize: 50, MaxRetries: 3}, Dependencies{
		Repository:  h.repo,
		Credentials: staticCredentials{"tenant-1": {PhoneNumberID: "1055", AccessToken: "token"}},
		Sender:      h.sender,
		Templates:   templates.NewResolver(h.repo, logging.Discard()),
		OptOuts:     h.optouts,
		Window:      &window.Tracker{Now: clock},
		Fallback:    h.fallback,
		Policy:      retry.NewPolicy(),
	}, logging.Discard())
	d.SetClock(clock)
	return d
}

func (h *harness) advance(d time.Duration) { h.now = h.now.Add(d) }

func (h *harness) seedBooking(t *testing.T, id, guestPhone string) {
	t.Helper()
	ctx := context.Background()
	email := "guest@example.com"
	if err := h.repo.UpsertBooking(ctx, repo.Booking{
		ID:           id,
		TenantID:     "tenant-1",
		GuestName:    "Ana Silva",
		GuestPhone:   guestPhone,
		GuestEmail:   &email,
		LanguageCode: "en",
		Data:         map[string]string{"property_name": "Villa Sol"},
		CreatedAt:    h.now,
	}); err != nil {
		t.Fatalf("seed booking: %v", err)
	}
	if err := h.optouts.RemoveOptOut(ctx, guestPhone); err != nil {
		t.Fatalf("opt in: %v", err)
	}
}

func (h *harness) seedTemplate(t *testing.T) {
	t.Helper()
	if _, err := h.repo.UpsertTemplate(context.Background(), repo.Template{
		TemplateType:   "booking_confirmation",
		LanguageCode:   "en",
		Name:           "booking_confirmation_v2",
		Body:           "Hi {{guest_name}}, welcome to {{property_name}}",
		IsEnabled:      true,
		ApprovalStatus: repo.ApprovalApproved,
	}); err != nil {
		t.Fatalf("seed template: %v", err)
	}
}

func (h *harness) enqueueBooking(t *testing.T, bookingID string, priority int) *repo.QueueItem {
	t.Helper()
	item, err := h.d.Enqueue(context.Background(), EnqueueRequest{
		BookingID:   &bookingID,
		TriggerType: "booking_confirmation",
		Priority:    priority,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return item
}

func (h *harness) item(t *testing.T, id string) *repo.QueueItem {
	t.Helper()
	item, err := h.repo.GetQueueItem(context.Background(), id)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	return item
}

func (h *harness) run(t *testing.T) CycleResult {
	t.Helper()
	res, err := h.d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	return res
}

func TestTemplateSendHappyPath(t *testing.T) {
	h := newHarness(t)
	h.seedTemplate(t)
	h.seedBooking(t, "bk-1", "+44 7700 900123")
	item := h.enqueueBooking(t, "bk-1", 0)

	if item.Status != repo.QueuePending || item.Priority != DefaultPriority || !item.ShouldFallbackToEmail {
		t.Fatalf("unexpected enqueued item %+v", item)
	}

	res := h.run(t)
	if res.Completed != 1 {
		t.Fatalf("expected one completed item, got %+v", res)
	}
	if got := h.item(t, item.ID); got.Status != repo.QueueCompleted || got.CompletedAt == nil {
		t.Fatalf("expected completed item, got %+v", got)
	}

	if h.sender.count() != 1 {
		t.Fatalf("expected one send, got %d", h.sender.count())
	}
	call := h.sender.calls[0]
	if call.to != "447700900123" || call.creds.PhoneNumberID != "1055" {
		t.Fatalf("unexpected call %+v", call)
	}
	payload, ok := call.payload.(wa.TemplatePayload)
	if !ok {
		t.Fatalf("expected template payload, got %T", call.payload)
	}
	if payload.Name != "booking_confirmation_v2" || payload.Language != "en" {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if !reflect.DeepEqual(payload.BodyParams, []string{"Ana Silva", "Villa Sol"}) {
		t.Fatalf("unexpected params %v", payload.BodyParams)
	}

	meta, err := h.repo.GetMetadataByProviderID(context.Background(), "wamid.out.1")
	if err != nil || meta == nil {
		t.Fatalf("expected recorded metadata, got %v %v", meta, err)
	}
	if meta.Status != repo.StatusSent || meta.Direction != repo.DirectionOutbound || meta.MessageType != repo.MessageTypeTemplate {
		t.Fatalf("unexpected metadata %+v", meta)
	}
	msg, err := h.repo.GetChatMessage(context.Background(), meta.ChatMessageID)
	if err != nil {
		t.Fatalf("chat message: %v", err)
	}
	if msg.Content != "Hi Ana Silva, welcome to Villa Sol" {
		t.Fatalf("unexpected content %q", msg.Content)
	}
}

func TestExhaustedRetriesTriggerFallbackOnce(t *testing.T) {
	h := newHarness(t)
	h.seedTemplate(t)
	h.seedBooking(t, "bk-1", "447700900123")
	h.sender.err = apperr.Transient(errors.New("503"), "provider unavailable")
	item := h.enqueueBooking(t, "bk-1", 0)

	if res := h.run(t); res.Retried != 1 {
		t.Fatalf("first attempt: %+v", res)
	}
	got := h.item(t, item.ID)
	if got.Status != repo.QueuePending || got.RetryCount != 1 || !got.NextRetryAt.Equal(h.now.Add(60*time.Second)) {
		t.Fatalf("after first failure: %+v", got)
	}
	if got.LastError == nil || *got.LastError == "" {
		t.Fatal("expected last_error to be stored")
	}

	// Not due yet.
	if res := h.run(t); res.Due != 0 {
		t.Fatalf("expected nothing due, got %+v", res)
	}

	h.advance(60 * time.Second)
	h.run(t)
	got = h.item(t, item.ID)
	if got.Status != repo.QueuePending || got.RetryCount != 2 || !got.NextRetryAt.Equal(h.now.Add(300*time.Second)) {
		t.Fatalf("after second failure: %+v", got)
	}

	h.advance(300 * time.Second)
	if res := h.run(t); res.Failed != 1 {
		t.Fatalf("third attempt: %+v", res)
	}
	got = h.item(t, item.ID)
	if got.Status != repo.QueueFailed || got.RetryCount != 3 || !got.EmailFallbackSent {
		t.Fatalf("after third failure: %+v", got)
	}

	h.advance(24 * time.Hour)
	h.run(t)

	if h.sender.count() != 3 {
		t.Fatalf("expected 3 sends, got %d", h.sender.count())
	}
	if len(h.fallback.calls) != 1 {
		t.Fatalf("expected exactly one fallback, got %d", len(h.fallback.calls))
	}
	req := h.fallback.calls[0]
	if req.QueueItemID != item.ID || req.GuestEmail == nil || *req.GuestEmail != "guest@example.com" {
		t.Fatalf("unexpected fallback request %+v", req)
	}
}

func TestFallbackFlagReleasedWhenTriggerFails(t *testing.T) {
	h := newHarness(t)
	h.seedTemplate(t)
	h.seedBooking(t, "bk-1", "447700900123")
	h.sender.err = apperr.ProviderRejected("invalid parameter")
	h.fallback.err = errors.New("broker down")
	item := h.enqueueBooking(t, "bk-1", 0)

	h.run(t)
	got := h.item(t, item.ID)
	if got.Status != repo.QueueFailed || got.RetryCount != 1 {
		t.Fatalf("rejection should fail at once: %+v", got)
	}
	if got.EmailFallbackSent {
		t.Fatal("fallback flag must be released after a failed trigger")
	}
	if len(h.fallback.calls) != 1 {
		t.Fatalf("expected one trigger attempt, got %d", len(h.fallback.calls))
	}
}

func TestOptedOutRecipientIsNeverSent(t *testing.T) {
	h := newHarness(t)
	h.seedTemplate(t)
	h.seedBooking(t, "bk-1", "447700900123")
	if err := h.optouts.AddOptOut(context.Background(), "447700900123", "STOP"); err != nil {
		t.Fatalf("opt out: %v", err)
	}
	item := h.enqueueBooking(t, "bk-1", 0)

	h.run(t)
	if h.sender.count() != 0 {
		t.Fatal("opted-out phone must not be sent to")
	}
	got := h.item(t, item.ID)
	if got.Status != repo.QueueFailed || got.LastError == nil {
		t.Fatalf("expected failed item, got %+v", got)
	}
	if len(h.fallback.calls) != 1 {
		t.Fatalf("expected fallback for blocked send, got %d", len(h.fallback.calls))
	}
}

func TestMissingTemplateAndCredentialsAreTerminal(t *testing.T) {
	h := newHarness(t)
	h.seedBooking(t, "bk-1", "447700900123")
	noTemplate := h.enqueueBooking(t, "bk-1", 0)

	h.run(t)
	if got := h.item(t, noTemplate.ID); got.Status != repo.QueueFailed {
		t.Fatalf("missing template should be terminal: %+v", got)
	}

	h.seedTemplate(t)
	ctx := context.Background()
	email := "x@example.com"
	if err := h.repo.UpsertBooking(ctx, repo.Booking{
		ID: "bk-2", TenantID: "tenant-2", GuestName: "Bo", GuestPhone: "447700900999",
		GuestEmail: &email, LanguageCode: "en", CreatedAt: h.now,
	}); err != nil {
		t.Fatalf("booking: %v", err)
	}
	_ = h.optouts.RemoveOptOut(ctx, "447700900999")
	noCreds := h.enqueueBooking(t, "bk-2", 0)

	h.run(t)
	got := h.item(t, noCreds.ID)
	if got.Status != repo.QueueFailed || got.RetryCount != 1 {
		t.Fatalf("missing credentials should be terminal: %+v", got)
	}
	if h.sender.count() != 0 {
		t.Fatal("no send expected")
	}
}

func TestDispatchOrderIsPriorityThenFIFO(t *testing.T) {
	h := newHarness(t)
	h.seedTemplate(t)
	h.seedBooking(t, "bk-a", "447700900001")
	h.seedBooking(t, "bk-b", "447700900002")
	h.seedBooking(t, "bk-c", "447700900003")

	h.enqueueBooking(t, "bk-a", 5)
	h.advance(time.Second)
	h.enqueueBooking(t, "bk-b", 1)
	h.advance(time.Second)
	h.enqueueBooking(t, "bk-c", 5)

	h.run(t)
	var order []string
	for _, c := range h.sender.calls {
		order = append(order, c.to)
	}
	want := []string{"447700900002", "447700900001", "447700900003"}
	if !reflect.DeepEqual(order, want) {
		t.Fatalf("got order %v, want %v", order, want)
	}
}

func TestConcurrentDispatchersSendOnce(t *testing.T) {
	h := newHarness(t)
	h.seedTemplate(t)
	h.seedBooking(t, "bk-1", "447700900123")
	h.enqueueBooking(t, "bk-1", 0)

	other := h.newDispatcher()
	var wg sync.WaitGroup
	for _, d := range []*Dispatcher{h.d, other} {
		wg.Add(1)
		go func(d *Dispatcher) {
			defer wg.Done()
			_, _ = d.RunOnce(context.Background())
		}(d)
	}
	wg.Wait()

	if h.sender.count() != 1 {
		t.Fatalf("expected exactly one send, got %d", h.sender.count())
	}
}

func TestTextSendIsGatedByWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_ = h.optouts.RemoveOptOut(ctx, "447700900123")

	conv, err := h.repo.FindOrCreateConversation(ctx, "tenant-1", "447700900123", nil, h.now)
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	if err := h.repo.TouchLastInbound(ctx, conv.ID, h.now.Add(-time.Hour)); err != nil {
		t.Fatalf("touch: %v", err)
	}

	enqueueText := func(body string) *repo.QueueItem {
		msg, meta, err := h.repo.CreateMessage(ctx, repo.NewMessage{
			ConversationID: conv.ID,
			Direction:      repo.DirectionOutbound,
			MessageType:    repo.MessageTypeText,
			Status:         repo.StatusQueued,
			Content:        body,
			CreatedAt:      h.now,
		})
		if err != nil {
			t.Fatalf("create message: %v", err)
		}
		noFallback := false
		item, err := h.d.Enqueue(ctx, EnqueueRequest{ChatMessageID: &msg.ID, TriggerType: "reply", Priority: ReplyPriority, FallbackToEmail: &noFallback})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		if item.MessageMetadataID == nil || *item.MessageMetadataID != meta.ID {
			t.Fatalf("expected metadata link to be filled in, got %v", item.MessageMetadataID)
		}
		return item
	}

	open := enqueueText("see you soon")
	h.run(t)
	if got := h.item(t, open.ID); got.Status != repo.QueueCompleted {
		t.Fatalf("open window send should complete: %+v", got)
	}
	meta, _ := h.repo.GetMessageMetadata(ctx, *open.MessageMetadataID)
	if meta.Status != repo.StatusSent || meta.ProviderMessageID == nil {
		t.Fatalf("expected sent metadata, got %+v", meta)
	}
	if _, ok := h.sender.calls[0].payload.(wa.TextPayload); !ok {
		t.Fatalf("expected text payload, got %T", h.sender.calls[0].payload)
	}

	expired := enqueueText("too late")
	h.advance(24 * time.Hour)
	h.run(t)
	got := h.item(t, expired.ID)
	if got.Status != repo.QueueFailed || got.LastError == nil || *got.LastError != window.ErrTemplateRequired {
		t.Fatalf("expired window should fail with template required: %+v", got)
	}
	if h.sender.count() != 1 {
		t.Fatalf("expected no further sends, got %d", h.sender.count())
	}
	if len(h.fallback.calls) != 0 {
		t.Fatal("reply items do not fall back to email")
	}
	meta, _ = h.repo.GetMessageMetadata(ctx, *expired.MessageMetadataID)
	if meta.Status != repo.StatusFailed || meta.FailureReason == nil {
		t.Fatalf("expected failed metadata, got %+v", meta)
	}
}

func TestEnqueueValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.d.Enqueue(ctx, EnqueueRequest{TriggerType: "x"}); !apperr.IsValidation(err) {
		t.Fatalf("expected validation error for missing links, got %v", err)
	}
	missing := "nope"
	if _, err := h.d.Enqueue(ctx, EnqueueRequest{BookingID: &missing, TriggerType: "x"}); !apperr.IsValidation(err) {
		t.Fatalf("expected validation error for unknown booking, got %v", err)
	}
	h.seedBooking(t, "bk-1", "447700900123")
	id := "bk-1"
	if _, err := h.d.Enqueue(ctx, EnqueueRequest{BookingID: &id}); !apperr.IsValidation(err) {
		t.Fatalf("expected validation error for missing trigger, got %v", err)
	}
}

func TestCancelAndManualRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedBooking(t, "bk-1", "447700900123")
	item := h.enqueueBooking(t, "bk-1", 0)

	cancelled, err := h.d.Cancel(ctx, item.ID)
	if err != nil || cancelled.Status != repo.QueueCancelled {
		t.Fatalf("cancel: %+v %v", cancelled, err)
	}
	if _, err := h.d.Cancel(ctx, item.ID); !apperr.IsConflict(err) {
		t.Fatalf("expected conflict on second cancel, got %v", err)
	}
	if _, err := h.d.Cancel(ctx, "missing"); !apperr.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	h.advance(time.Hour)
	reset, err := h.d.ManualRetry(ctx, item.ID)
	if err != nil {
		t.Fatalf("manual retry: %v", err)
	}
	if reset.Status != repo.QueuePending || reset.RetryCount != 0 || reset.LastError != nil || !reset.NextRetryAt.Equal(h.now) {
		t.Fatalf("unexpected reset item %+v", reset)
	}

	page, err := h.d.ListPending(ctx, 0, 0)
	if err != nil || page.Total != 1 || len(page.Items) != 1 || page.Limit != defaultPageSize {
		t.Fatalf("unexpected page %+v %v", page, err)
	}
	stats, err := h.d.Stats(ctx)
	if err != nil || stats.Counts[repo.QueuePending] != 1 {
		t.Fatalf("unexpected stats %+v %v", stats, err)
	}
}

func TestDisabledDispatcherStillRunsOnDemand(t *testing.T) {
	h := newHarness(t)
	h.seedTemplate(t)
	h.seedBooking(t, "bk-1", "447700900123")
	item := h.enqueueBooking(t, "bk-1", 0)

	h.d.cfg.Enabled = false
	if h.d.Enabled() {
		t.Fatal("expected scheduler gate to be off")
	}
	if res := h.run(t); res.Due != 1 || res.Completed != 1 {
		t.Fatalf("explicit cycle must drain the queue, got %+v", res)
	}
	if got := h.item(t, item.ID); got.Status != repo.QueueCompleted {
		t.Fatalf("expected completed item, got %+v", got)
	}
}

func TestCancelDuringSendSkipsFailureAndFallback(t *testing.T) {
	for name, sendErr := range map[string]error{
		"terminal":  apperr.ProviderRejected("invalid parameter"),
		"retryable": apperr.Transient(errors.New("503"), "provider unavailable"),
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.seedTemplate(t)
			h.seedBooking(t, "bk-1", "447700900123")
			item := h.enqueueBooking(t, "bk-1", 0)

			h.sender.err = sendErr
			h.sender.during = func() {
				if _, err := h.d.Cancel(context.Background(), item.ID); err != nil {
					t.Errorf("cancel mid-send: %v", err)
				}
			}

			res := h.run(t)
			if res.Skipped != 1 || res.Failed != 0 || res.Retried != 0 {
				t.Fatalf("unexpected cycle %+v", res)
			}
			got := h.item(t, item.ID)
			if got.Status != repo.QueueCancelled || got.EmailFallbackSent || got.RetryCount != 0 {
				t.Fatalf("cancelled item must stay untouched, got %+v", got)
			}
			if len(h.fallback.calls) != 0 {
				t.Fatalf("expected no fallback, got %d calls", len(h.fallback.calls))
			}
		})
	}
}
