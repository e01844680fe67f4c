// Package queue owns the outbound delivery queue: enqueueing, the dispatch
// cycle and the operator actions on queue items.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"wa-notifier/internal/apperr"
	"wa-notifier/internal/credentials"
	"wa-notifier/internal/fallback"
	"wa-notifier/internal/metrics"
	"wa-notifier/internal/optout"
	"wa-notifier/internal/repo"
	"wa-notifier/internal/retry"
	"wa-notifier/internal/templates"
	"wa-notifier/internal/wa"
	"wa-notifier/internal/window"
)

const (
	// DefaultPriority is used when an enqueue request leaves priority unset. Lower runs first.
	DefaultPriority = 5
	// ReplyPriority puts operator replies ahead of business triggers.
	ReplyPriority = 1

	defaultPageSize = 20
	maxPageSize     = 100
)

// Config controls one Dispatcher. Enabled turns on the built-in scheduler;
// explicit RunOnce calls always drain the queue.
type Config struct {
	Enabled    bool
	BatchSize  int
	ItemDelay  time.Duration
	MaxRetries int
}

// Dependencies groups the collaborators a Dispatcher needs.
type Dependencies struct {
	Repository  repo.Repository
	Credentials credentials.Store
	Sender      wa.Sender
	Templates   *templates.Resolver
	OptOuts     *optout.Registry
	Window      *window.Tracker
	Fallback    fallback.Trigger
	Policy      retry.Policy
	Metrics     *metrics.Metrics
}

// Dispatcher drains due queue items one at a time.
type Dispatcher struct {
	cfg  Config
	deps Dependencies

	logger *slog.Logger
	now    func() time.Time
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(cfg Config, deps Dependencies, logger *slog.Logger) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = retry.DefaultMaxRetries
	}
	if len(deps.Policy.Delays) == 0 {
		deps.Policy = retry.NewPolicy()
	}
	if deps.Window == nil {
		deps.Window = window.NewTracker()
	}
	return &Dispatcher{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "dispatcher"),
		now:    time.Now,
	}
}

// Enabled reports whether the dispatcher should be driven by the built-in scheduler.
func (d *Dispatcher) Enabled() bool {
	return d.cfg.Enabled
}

// SetClock replaces the wall clock.
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.now = now
}

// EnqueueRequest is the producer-facing enqueue call.
type EnqueueRequest struct {
	ChatMessageID     *string `json:"chat_message_id,omitempty"`
	MessageMetadataID *string `json:"message_metadata_id,omitempty"`
	BookingID         *string `json:"booking_id,omitempty"`
	TriggerType       string  `json:"trigger_type"`
	Priority          int     `json:"priority,omitempty"`
	FallbackToEmail   *bool   `json:"fallback_to_email,omitempty"`
}

// Enqueue creates a pending item due now. The links must lead to a chat
// message or a booking that exists.
func (d *Dispatcher) Enqueue(ctx context.Context, req EnqueueRequest) (*repo.QueueItem, error) {
	req.TriggerType = strings.TrimSpace(req.TriggerType)
	if req.TriggerType == "" {
		return nil, apperr.Validation("trigger_type is required")
	}
	req.ChatMessageID = blankToNil(req.ChatMessageID)
	req.MessageMetadataID = blankToNil(req.MessageMetadataID)
	req.BookingID = blankToNil(req.BookingID)

	if req.ChatMessageID == nil && req.MessageMetadataID == nil && req.BookingID == nil {
		return nil, apperr.Validation("one of chat_message_id, message_metadata_id or booking_id is required")
	}
	if req.Priority < 0 {
		return nil, apperr.Validation("priority must not be negative")
	}
	if req.Priority == 0 {
		req.Priority = DefaultPriority
	}
	fallbackToEmail := true
	if req.FallbackToEmail != nil {
		fallbackToEmail = *req.FallbackToEmail
	}

	if err := d.resolveLinks(ctx, &req); err != nil {
		return nil, err
	}

	item, err := d.deps.Repository.InsertQueueItem(ctx, repo.NewQueueItem{
		ChatMessageID:     req.ChatMessageID,
		MessageMetadataID: req.MessageMetadataID,
		BookingID:         req.BookingID,
		TriggerType:       req.TriggerType,
		Priority:          req.Priority,
		MaxRetries:        d.cfg.MaxRetries,
		FallbackToEmail:   fallbackToEmail,
		NextRetryAt:       d.now().UTC(),
	})
	if err != nil {
		d.deps.Metrics.CountError("queue")
		return nil, err
	}
	d.deps.Metrics.CountQueueItem("enqueued")
	d.logger.Info("queue item enqueued", "queue_item_id", item.ID, "trigger_type", item.TriggerType, "priority", item.Priority)
	return item, nil
}

// resolveLinks fills the chat-message and metadata ids from each other and
// checks that the send target exists.
func (d *Dispatcher) resolveLinks(ctx context.Context, req *EnqueueRequest) error {
	r := d.deps.Repository

	if req.MessageMetadataID != nil && req.ChatMessageID == nil {
		meta, err := r.GetMessageMetadata(ctx, *req.MessageMetadataID)
		if err != nil {
			return linkError(err, "message_metadata_id")
		}
		req.ChatMessageID = &meta.ChatMessageID
	}
	if req.ChatMessageID != nil {
		if _, err := r.GetChatMessage(ctx, *req.ChatMessageID); err != nil {
			return linkError(err, "chat_message_id")
		}
		if req.MessageMetadataID == nil {
			meta, err := r.GetMetadataByChatMessage(ctx, *req.ChatMessageID)
			if err != nil {
				return err
			}
			if meta != nil {
				req.MessageMetadataID = &meta.ID
			}
		}
		return nil
	}

	if _, err := r.GetBooking(ctx, *req.BookingID); err != nil {
		return linkError(err, "booking_id")
	}
	return nil
}

func linkError(err error, field string) error {
	if apperr.IsNotFound(err) {
		return apperr.Validation(field + " does not reference an existing record")
	}
	return err
}

// CycleResult summarises one RunOnce call.
type CycleResult struct {
	Due       int `json:"due"`
	Claimed   int `json:"claimed"`
	Completed int `json:"completed"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// RunOnce processes the due items of one cycle sequentially. Items claimed
// by another dispatcher are skipped.
func (d *Dispatcher) RunOnce(ctx context.Context) (CycleResult, error) {
	var result CycleResult
	start := time.Now()
	defer func() {
		if d.deps.Metrics != nil {
			d.deps.Metrics.DispatchCycleDuration.Observe(time.Since(start).Seconds())
		}
	}()

	items, err := d.deps.Repository.ListDueQueueItems(ctx, d.now().UTC(), d.cfg.BatchSize)
	if err != nil {
		d.deps.Metrics.CountError("queue")
		return result, fmt.Errorf("list due items: %w", err)
	}
	result.Due = len(items)

	for i, item := range items {
		if i > 0 && d.cfg.ItemDelay > 0 {
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(d.cfg.ItemDelay):
			}
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		claimed, err := d.deps.Repository.ClaimQueueItem(ctx, item.ID, item.Version, d.now().UTC())
		if err != nil {
			d.deps.Metrics.CountError("queue")
			d.logger.Error("claim queue item failed", "queue_item_id", item.ID, "error", err)
			continue
		}
		if !claimed {
			result.Skipped++
			d.deps.Metrics.CountQueueItem("skipped")
			continue
		}
		result.Claimed++
		item.Status = repo.QueueProcessing
		item.Version++

		switch outcome := d.process(ctx, item); outcome {
		case repo.QueueCompleted:
			result.Completed++
		case repo.QueuePending:
			result.Retried++
		case repo.QueueFailed:
			result.Failed++
		case repo.QueueCancelled:
			result.Skipped++
		}
	}

	if result.Due > 0 {
		d.logger.Info("dispatch cycle finished",
			"due", result.Due,
			"completed", result.Completed,
			"retried", result.Retried,
			"failed", result.Failed,
			"skipped", result.Skipped,
		)
	}
	return result, nil
}

// process sends one claimed item and returns the status it ended in.
func (d *Dispatcher) process(ctx context.Context, item repo.QueueItem) repo.QueueStatus {
	logger := d.logger.With("queue_item_id", item.ID, "trigger_type", item.TriggerType, "attempt", item.RetryCount+1)

	send, err := d.prepare(ctx, item)
	if err == nil {
		var res *wa.SendResult
		res, err = d.send(ctx, send)
		if err == nil {
			d.recordSent(ctx, item, send, res, logger)
			if cerr := d.deps.Repository.CompleteQueueItem(ctx, item.ID, d.now().UTC()); cerr != nil {
				d.deps.Metrics.CountError("queue")
				logger.Error("complete queue item failed", "error", cerr)
			}
			d.deps.Metrics.CountQueueItem("completed")
			logger.Info("queue item delivered", "provider_message_id", res.MessageID)
			return repo.QueueCompleted
		}
	}
	return d.handleFailure(ctx, item, send, err, logger)
}

func (d *Dispatcher) send(ctx context.Context, p *preparedSend) (*wa.SendResult, error) {
	creds, err := d.deps.Credentials.GetDecryptedCredentials(ctx, p.tenantID)
	if err != nil {
		return nil, err
	}
	if creds == nil {
		return nil, apperr.NotFound("no provider credentials for tenant " + p.tenantID)
	}
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	return d.deps.Sender.Send(ctx, *creds, p.to, p.payload)
}

// recordSent stamps the provider id. Errors here are logged only; the
// message already left, so the item must not be retried.
func (d *Dispatcher) recordSent(ctx context.Context, item repo.QueueItem, p *preparedSend, res *wa.SendResult, logger *slog.Logger) {
	r := d.deps.Repository
	now := d.now().UTC()

	if p.metadataID != nil {
		if err := r.MarkMetadataSent(ctx, *p.metadataID, res.MessageID, now); err != nil {
			d.deps.Metrics.CountError("queue")
			logger.Error("mark metadata sent failed", "message_metadata_id", *p.metadataID, "error", err)
		}
		return
	}
	if p.booking == nil {
		return
	}

	var guestName *string
	if name := strings.TrimSpace(p.booking.GuestName); name != "" {
		guestName = &name
	}
	conv, err := r.FindOrCreateConversation(ctx, p.tenantID, p.to, guestName, now)
	if err != nil {
		d.deps.Metrics.CountError("queue")
		logger.Error("record outbound template: conversation", "error", err)
		return
	}
	if conv.BookingID == nil {
		if err := r.AttachBooking(ctx, conv.ID, p.booking.ID, now); err != nil {
			logger.Warn("attach booking failed", "conversation_id", conv.ID, "error", err)
		}
	}
	providerID := res.MessageID
	if _, _, err := r.CreateMessage(ctx, repo.NewMessage{
		ConversationID:    conv.ID,
		Direction:         repo.DirectionOutbound,
		MessageType:       repo.MessageTypeTemplate,
		Status:            repo.StatusSent,
		Content:           p.content,
		ProviderMessageID: &providerID,
		SentAt:            &now,
		CreatedAt:         now,
	}); err != nil {
		d.deps.Metrics.CountError("queue")
		logger.Error("record outbound template: message", "conversation_id", conv.ID, "error", err)
	}
}

func (d *Dispatcher) handleFailure(ctx context.Context, item repo.QueueItem, p *preparedSend, cause error, logger *slog.Logger) repo.QueueStatus {
	r := d.deps.Repository
	now := d.now().UTC()
	retryable := apperr.IsRetryable(cause)
	decision := d.deps.Policy.Decide(item, retryable, now)
	lastError := apperr.Message(cause)

	if decision.Status == repo.QueuePending {
		moved, err := r.RescheduleQueueItem(ctx, item.ID, decision.RetryCount, decision.NextRetryAt, lastError, now)
		if err != nil {
			d.deps.Metrics.CountError("queue")
			logger.Error("reschedule queue item failed", "error", err)
			return repo.QueuePending
		}
		if !moved {
			logger.Warn("queue item left processing during send, retry dropped", "error", cause)
			return repo.QueueCancelled
		}
		d.deps.Metrics.CountQueueItem("retried")
		logger.Warn("send failed, retry scheduled",
			"error", cause,
			"retry_count", decision.RetryCount,
			"next_retry_at", decision.NextRetryAt,
		)
		return repo.QueuePending
	}

	moved, err := r.FailQueueItem(ctx, item.ID, decision.RetryCount, lastError, now)
	if err != nil {
		d.deps.Metrics.CountError("queue")
		logger.Error("fail queue item failed", "error", err)
		return repo.QueueFailed
	}
	if !moved {
		logger.Warn("queue item left processing during send, failure not recorded", "error", cause)
		return repo.QueueCancelled
	}
	d.deps.Metrics.CountQueueItem("failed")
	logger.Error("queue item failed",
		"error", cause,
		"error_code", apperr.TextCode(cause),
		"retryable", retryable,
		"retry_count", decision.RetryCount,
	)

	if p != nil && p.metadataID != nil {
		reason := lastError
		if err := r.UpdateMetadataStatus(ctx, repo.MetadataStatusUpdate{
			ID:            *p.metadataID,
			Status:        repo.StatusFailed,
			FailedAt:      &now,
			FailureReason: &reason,
		}); err != nil {
			logger.Warn("mark metadata failed", "message_metadata_id", *p.metadataID, "error", err)
		}
	}

	if decision.TriggerFallback {
		item.RetryCount = decision.RetryCount
		d.triggerFallback(ctx, item, lastError, logger)
	}
	return repo.QueueFailed
}

// triggerFallback claims the fallback flag of a failed item first so that the
// trigger runs at most once per item, then releases it again if the trigger failed.
func (d *Dispatcher) triggerFallback(ctx context.Context, item repo.QueueItem, lastError string, logger *slog.Logger) {
	r := d.deps.Repository
	if d.deps.Fallback == nil {
		return
	}
	claimed, err := r.MarkEmailFallbackSent(ctx, item.ID, d.now().UTC())
	if err != nil {
		d.deps.Metrics.CountError("fallback")
		logger.Error("claim email fallback failed", "error", err)
		return
	}
	if !claimed {
		return
	}

	req := fallback.Request{
		QueueItemID: item.ID,
		BookingID:   item.BookingID,
		TriggerType: item.TriggerType,
		LastError:   lastError,
		FailedAt:    d.now().UTC(),
	}
	if item.BookingID != nil {
		if booking, err := r.GetBooking(ctx, *item.BookingID); err == nil {
			req.GuestEmail = booking.GuestEmail
		} else if !apperr.IsNotFound(err) {
			logger.Warn("load booking for fallback", "error", err)
		}
	}

	if err := d.deps.Fallback.TriggerEmailFallback(ctx, req); err != nil {
		d.countFallback("error")
		logger.Error("email fallback failed", "error", err)
		if rerr := r.ResetEmailFallbackSent(ctx, item.ID, d.now().UTC()); rerr != nil {
			logger.Error("release email fallback flag failed", "error", rerr)
		}
		return
	}
	d.countFallback("sent")
	logger.Info("email fallback triggered")
}

func (d *Dispatcher) countFallback(result string) {
	if d.deps.Metrics == nil {
		return
	}
	d.deps.Metrics.EmailFallbacks.WithLabelValues(result).Inc()
}

// Cancel stops a pending or processing item.
func (d *Dispatcher) Cancel(ctx context.Context, id string) (*repo.QueueItem, error) {
	ok, err := d.deps.Repository.CancelQueueItem(ctx, id, d.now().UTC())
	if err != nil {
		return nil, err
	}
	item, err := d.deps.Repository.GetQueueItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Conflict(fmt.Sprintf("queue item in status %s cannot be cancelled", item.Status))
	}
	d.deps.Metrics.CountQueueItem("cancelled")
	d.logger.Info("queue item cancelled", "queue_item_id", id)
	return item, nil
}

// ManualRetry makes an item due now with a fresh retry budget.
func (d *Dispatcher) ManualRetry(ctx context.Context, id string) (*repo.QueueItem, error) {
	ok, err := d.deps.Repository.ResetQueueItem(ctx, id, d.now().UTC())
	if err != nil {
		return nil, err
	}
	item, err := d.deps.Repository.GetQueueItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Conflict(fmt.Sprintf("queue item in status %s cannot be retried", item.Status))
	}
	d.logger.Info("queue item reset for retry", "queue_item_id", id)
	return item, nil
}

// Stats returns per-status counts, the oldest pending item and the average retry count.
func (d *Dispatcher) Stats(ctx context.Context) (*repo.QueueStats, error) {
	return d.deps.Repository.QueueStats(ctx)
}

// PendingPage is one page of pending items.
type PendingPage struct {
	Items  []repo.QueueItem `json:"items"`
	Total  int              `json:"total"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

// ListPending pages through pending items in dispatch order.
func (d *Dispatcher) ListPending(ctx context.Context, limit, offset int) (*PendingPage, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		return nil, apperr.Validation("offset must not be negative")
	}
	items, total, err := d.deps.Repository.ListPendingQueueItems(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	return &PendingPage{Items: items, Total: total, Limit: limit, Offset: offset}, nil
}

func blankToNil(s *string) *string {
	if s == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*s)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
