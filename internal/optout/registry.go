package optout

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"wa-notifier/internal/apperr"
	"wa-notifier/internal/metrics"
	"wa-notifier/internal/phone"
	"wa-notifier/internal/repo"
)

// Store is the persistence the registry needs.
type Store interface {
	GetOptOut(ctx context.Context, phone string) (*repo.OptOutRecord, error)
	UpsertOptOut(ctx context.Context, phone string, at time.Time, reason *string) error
	UpsertOptIn(ctx context.Context, phone string, at time.Time) error
}

// Registry is the consent ledger consulted before every send.
type Registry struct {
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New constructs a Registry.
func New(store Store, logger *slog.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		store:   store,
		logger:  logger.With("component", "optout"),
		metrics: m,
		now:     time.Now,
	}
}

// Derive reports the opted-out state of a record. A missing record or a
// record without an opt-in stamp is opted-out.
func Derive(rec *repo.OptOutRecord) bool {
	if rec == nil || rec.OptedInAt == nil {
		return true
	}
	if rec.OptedOutAt == nil {
		return false
	}
	return rec.OptedOutAt.After(*rec.OptedInAt)
}

// IsOptedOut reports whether sends to the phone must be blocked. Storage
// errors block the send.
func (r *Registry) IsOptedOut(ctx context.Context, raw string) bool {
	number := phone.Normalize(raw)
	rec, err := r.store.GetOptOut(ctx, number)
	if err != nil {
		r.metrics.CountError("optout")
		r.logger.Error("opt-out lookup failed, blocking send", "phone", number, "error", err)
		return true
	}
	return Derive(rec)
}

// Check returns a compliance error when the phone is opted out.
func (r *Registry) Check(ctx context.Context, raw string) error {
	if r.IsOptedOut(ctx, raw) {
		return apperr.Compliance("recipient has not opted in")
	}
	return nil
}

// AddOptOut records an opt-out now.
func (r *Registry) AddOptOut(ctx context.Context, raw, reason string) error {
	number, err := normalized(raw)
	if err != nil {
		return err
	}
	var reasonPtr *string
	if reason = strings.TrimSpace(reason); reason != "" {
		reasonPtr = &reason
	}
	if err := r.store.UpsertOptOut(ctx, number, r.now(), reasonPtr); err != nil {
		return err
	}
	r.logger.Info("phone opted out", "phone", number)
	return nil
}

// RemoveOptOut records an opt-in now. The previous opt-out stamp is kept.
func (r *Registry) RemoveOptOut(ctx context.Context, raw string) error {
	number, err := normalized(raw)
	if err != nil {
		return err
	}
	if err := r.store.UpsertOptIn(ctx, number, r.now()); err != nil {
		return err
	}
	r.logger.Info("phone opted in", "phone", number)
	return nil
}

// Get returns the stored record for a phone, or nil.
func (r *Registry) Get(ctx context.Context, raw string) (*repo.OptOutRecord, error) {
	number, err := normalized(raw)
	if err != nil {
		return nil, err
	}
	return r.store.GetOptOut(ctx, number)
}

func normalized(raw string) (string, error) {
	number := phone.Normalize(raw)
	if !phone.Valid(number) {
		return "", apperr.Validation("invalid phone number")
	}
	return number, nil
}
