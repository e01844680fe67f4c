package tenants

import (
	"context"
	"log/slog"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"wa-notifier/internal/apperr"
	"wa-notifier/internal/repo"
)

// Store persists phone-number-id routing.
type Store interface {
	GetPhoneTenantMapping(ctx context.Context, phoneNumberID string) (*repo.PhoneTenantMapping, error)
	UpsertPhoneTenantMapping(ctx context.Context, phoneNumberID, tenantID string, now time.Time) error
}

// DefaultTTL bounds how long a mapping is served from memory.
const DefaultTTL = time.Minute

// Resolver routes inbound webhooks to tenants. Only positive lookups are cached
// so a newly saved tenant is routable immediately.
type Resolver struct {
	store  Store
	cache  *gocache.Cache
	logger *slog.Logger
}

// NewResolver constructs a Resolver with the given cache TTL.
func NewResolver(store Store, ttl time.Duration, logger *slog.Logger) *Resolver {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Resolver{
		store:  store,
		cache:  gocache.New(ttl, 2*ttl),
		logger: logger.With("component", "tenants"),
	}
}

// TenantFor returns the tenant owning phoneNumberID, or "" when unmapped.
func (r *Resolver) TenantFor(ctx context.Context, phoneNumberID string) (string, error) {
	phoneNumberID = strings.TrimSpace(phoneNumberID)
	if phoneNumberID == "" {
		return "", nil
	}
	if v, ok := r.cache.Get(phoneNumberID); ok {
		return v.(string), nil
	}
	m, err := r.store.GetPhoneTenantMapping(ctx, phoneNumberID)
	if err != nil {
		return "", err
	}
	if m == nil {
		return "", nil
	}
	r.cache.SetDefault(phoneNumberID, m.TenantID)
	return m.TenantID, nil
}

// Upsert routes phoneNumberID to tenantID.
func (r *Resolver) Upsert(ctx context.Context, phoneNumberID, tenantID string) error {
	phoneNumberID = strings.TrimSpace(phoneNumberID)
	tenantID = strings.TrimSpace(tenantID)
	if phoneNumberID == "" || tenantID == "" {
		return apperr.Validation("phone number id and tenant id are required")
	}
	if err := r.store.UpsertPhoneTenantMapping(ctx, phoneNumberID, tenantID, time.Now()); err != nil {
		return err
	}
	r.cache.SetDefault(phoneNumberID, tenantID)
	r.logger.Info("tenant mapping updated", "phone_number_id", phoneNumberID, "tenant_id", tenantID)
	return nil
}

// UpsertPhoneTenantMapping lets the resolver stand in as the credential store's
// mapping writer so the cache never serves a stale tenant.
func (r *Resolver) UpsertPhoneTenantMapping(ctx context.Context, phoneNumberID, tenantID string, now time.Time) error {
	if err := r.store.UpsertPhoneTenantMapping(ctx, phoneNumberID, tenantID, now); err != nil {
		return err
	}
	r.cache.SetDefault(phoneNumberID, tenantID)
	return nil
}
