// Package inbound stores verified webhook deliveries: guest messages open the
// conversation window, status updates advance outbound message metadata.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"wa-notifier/internal/apperr"
	"wa-notifier/internal/archive"
	"wa-notifier/internal/metrics"
	"wa-notifier/internal/phone"
	"wa-notifier/internal/repo"
	"wa-notifier/internal/wa"
)

// ClaimTTL bounds how long a cross-replica claim on a provider message id lives.
const ClaimTTL = 5 * time.Minute

// TenantResolver maps a provider phone-number-id to its tenant; "" means unmapped.
type TenantResolver interface {
	TenantFor(ctx context.Context, phoneNumberID string) (string, error)
}

// Claimer takes short-lived exclusive claims, typically in Redis.
type Claimer interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Processor implements wa.WebhookProcessor.
type Processor struct {
	repo     repo.Repository
	tenants  TenantResolver
	claimer  Claimer
	archiver archive.Archiver
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

var _ wa.WebhookProcessor = (*Processor)(nil)

// Option customises a Processor.
type Option func(*Processor)

// WithClaimer enables cross-replica duplicate suppression.
func WithClaimer(c Claimer) Option {
	return func(p *Processor) { p.claimer = c }
}

// WithArchiver stores every raw delivery.
func WithArchiver(a archive.Archiver) Option {
	return func(p *Processor) { p.archiver = a }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// NewProcessor constructs a Processor.
func NewProcessor(r repo.Repository, tenants TenantResolver, logger *slog.Logger, m *metrics.Metrics, opts ...Option) *Processor {
	p := &Processor{
		repo:    r,
		tenants: tenants,
		metrics: m,
		logger:  logger.With("component", "inbound"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// HandleWebhook processes every message and status in a delivery. A failure
// on one item does not stop the others; all failures are returned joined.
func (p *Processor) HandleWebhook(ctx context.Context, event wa.WebhookEvent) error {
	receivedAt := event.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = p.now()
	}
	p.archive(ctx, event, receivedAt)

	var errs []error
	for _, entry := range event.Envelope.Entry {
		for _, change := range entry.Changes {
			value := change.Value
			for _, msg := range value.Messages {
				if err := p.handleMessage(ctx, value, msg, receivedAt); err != nil {
					p.metrics.CountWebhookEvent("message", "error")
					errs = append(errs, fmt.Errorf("message %s: %w", msg.ID, err))
				}
			}
			for _, st := range value.Statuses {
				if err := p.handleStatus(ctx, st, receivedAt); err != nil {
					p.metrics.CountWebhookEvent("status", "error")
					errs = append(errs, fmt.Errorf("status %s: %w", st.ID, err))
				}
			}
		}
	}
	return errors.Join(errs...)
}

func (p *Processor) archive(ctx context.Context, event wa.WebhookEvent, receivedAt time.Time) {
	if p.archiver == nil || len(event.Raw) == 0 {
		return
	}
	var phoneNumberID string
	for _, entry := range event.Envelope.Entry {
		for _, change := range entry.Changes {
			if id := change.Value.Metadata.PhoneNumberID; id != "" {
				phoneNumberID = id
				break
			}
		}
	}
	if _, err := p.archiver.Archive(ctx, phoneNumberID, event.Raw, receivedAt); err != nil {
		p.metrics.CountError("archive")
		p.logger.Warn("archive webhook failed", "error", err)
	}
}

func (p *Processor) handleMessage(ctx context.Context, value wa.ChangeValue, msg wa.InboundMessage, receivedAt time.Time) (err error) {
	providerID := strings.TrimSpace(msg.ID)
	logger := p.logger.With("provider_message_id", providerID)
	if providerID == "" {
		p.metrics.CountWebhookEvent("message", "invalid")
		logger.Warn("inbound message without id")
		return nil
	}

	// Cheap duplicate check before any write.
	exists, err := p.repo.MessageMetadataExists(ctx, providerID)
	if err != nil {
		return err
	}
	if exists {
		p.metrics.CountWebhookEvent("message", "duplicate")
		logger.Debug("duplicate inbound message skipped")
		return nil
	}

	if p.claimer != nil {
		key := "wa:inbound:" + providerID
		claimed, cerr := p.claimer.Claim(ctx, key, ClaimTTL)
		switch {
		case cerr != nil:
			// The unique constraint still protects us.
			logger.Warn("inbound claim unavailable", "error", cerr)
		case !claimed:
			p.metrics.CountWebhookEvent("message", "duplicate")
			logger.Debug("inbound message claimed by another delivery")
			return nil
		default:
			defer func() {
				if err != nil {
					if rerr := p.claimer.Release(context.WithoutCancel(ctx), key); rerr != nil {
						logger.Warn("release inbound claim failed", "error", rerr)
					}
				}
			}()
		}
	}

	phoneNumberID := value.Metadata.PhoneNumberID
	tenantID, err := p.tenants.TenantFor(ctx, phoneNumberID)
	if err != nil {
		return err
	}
	if tenantID == "" {
		if p.metrics != nil {
			p.metrics.UnmappedPhoneNumbers.WithLabelValues(phoneNumberID).Inc()
		}
		p.metrics.CountWebhookEvent("message", "unmapped")
		logger.Warn("dropping inbound message for unmapped phone number id", "phone_number_id", phoneNumberID)
		return nil
	}

	guestPhone := phone.Normalize(msg.From)
	if !phone.Valid(guestPhone) {
		p.metrics.CountWebhookEvent("message", "invalid")
		logger.Warn("inbound message with invalid sender", "from", msg.From)
		return nil
	}

	now := p.now().UTC()
	at := wa.ParseTimestamp(msg.Timestamp, receivedAt).UTC()
	if at.After(now) {
		at = now
	}

	var guestName *string
	if name := value.ProfileName(msg.From); name != "" {
		guestName = &name
	}
	conv, err := p.repo.FindOrCreateConversation(ctx, tenantID, guestPhone, guestName, now)
	if err != nil {
		return err
	}
	if conv.BookingID == nil {
		booking, err := p.repo.FindBookingByPhone(ctx, tenantID, guestPhone)
		if err != nil {
			logger.Warn("booking lookup failed", "error", err)
		} else if booking != nil {
			if err := p.repo.AttachBooking(ctx, conv.ID, booking.ID, now); err != nil {
				logger.Warn("attach booking failed", "booking_id", booking.ID, "error", err)
			}
		}
	}

	_, _, err = p.repo.CreateMessage(ctx, repo.NewMessage{
		ConversationID:    conv.ID,
		Direction:         repo.DirectionInbound,
		MessageType:       repo.MessageTypeText,
		Status:            repo.StatusDelivered,
		Content:           msg.Content(),
		ProviderMessageID: &providerID,
		DeliveredAt:       &at,
		CreatedAt:         at,
	})
	if apperr.IsConflict(err) {
		p.metrics.CountWebhookEvent("message", "duplicate")
		logger.Debug("duplicate inbound message lost the insert race")
		return nil
	}
	if err != nil {
		return err
	}

	if err := p.repo.TouchLastInbound(ctx, conv.ID, at); err != nil {
		return err
	}
	p.metrics.CountWebhookEvent("message", "stored")
	logger.Info("inbound message stored", "conversation_id", conv.ID, "tenant_id", tenantID, "type", msg.Type)
	return nil
}

// ParseStatus maps a provider status string onto the internal enum.
func ParseStatus(raw string) (repo.MessageStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "sent":
		return repo.StatusSent, true
	case "delivered":
		return repo.StatusDelivered, true
	case "read":
		return repo.StatusRead, true
	case "failed":
		return repo.StatusFailed, true
	default:
		return "", false
	}
}

// NextStatus returns the status a row should carry after an update: failed
// always applies, otherwise a status only moves forward.
func NextStatus(current, incoming repo.MessageStatus) repo.MessageStatus {
	if incoming == repo.StatusFailed || current == repo.StatusFailed {
		return repo.StatusFailed
	}
	if incoming.Rank() > current.Rank() {
		return incoming
	}
	return current
}

func (p *Processor) handleStatus(ctx context.Context, st wa.StatusUpdate, receivedAt time.Time) error {
	logger := p.logger.With("provider_message_id", st.ID, "status", st.Status)
	status, ok := ParseStatus(st.Status)
	if !ok {
		p.metrics.CountWebhookEvent("status", "ignored")
		logger.Debug("unknown provider status")
		return nil
	}

	meta, err := p.repo.GetMetadataByProviderID(ctx, st.ID)
	if err != nil {
		return err
	}
	if meta == nil {
		p.metrics.CountWebhookEvent("status", "unknown_message")
		logger.Debug("status for unknown message")
		return nil
	}

	at := wa.ParseTimestamp(st.Timestamp, receivedAt).UTC()
	update := repo.MetadataStatusUpdate{
		ID:     meta.ID,
		Status: NextStatus(meta.Status, status),
	}
	var already bool
	switch status {
	case repo.StatusSent:
		update.SentAt, already = &at, meta.SentAt != nil
	case repo.StatusDelivered:
		update.DeliveredAt, already = &at, meta.DeliveredAt != nil
	case repo.StatusRead:
		update.ReadAt, already = &at, meta.ReadAt != nil
	case repo.StatusFailed:
		update.FailedAt, already = &at, meta.FailedAt != nil
		if reason := st.FailureReason(); reason != "" {
			update.FailureReason = &reason
		}
	}
	if already && update.Status == meta.Status {
		p.metrics.CountWebhookEvent("status", "duplicate")
		return nil
	}

	if err := p.repo.UpdateMetadataStatus(ctx, update); err != nil {
		return err
	}
	p.metrics.CountWebhookEvent("status", "applied")
	logger.Debug("status applied", "stored_status", update.Status)
	return nil
}
