package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"wa-notifier/internal/apperr"
)

const conversationColumns = `id, tenant_id, guest_phone, guest_name, booking_id, last_inbound_at, created_at, updated_at`

func scanConversation(row pgx.Row) (*Conversation, error) {
	var c Conversation
	if err := row.Scan(&c.ID, &c.TenantID, &c.GuestPhone, &c.GuestName, &c.BookingID, &c.LastInboundAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// FindOrCreateConversation returns the conversation for (tenant, phone), creating it when absent.
// A known guest name is kept; an unknown one is filled in.
func (r *PostgresRepository) FindOrCreateConversation(ctx context.Context, tenantID, guestPhone string, guestName *string, now time.Time) (*Conversation, error) {
	q := `
INSERT INTO conversations (id, tenant_id, guest_phone, guest_name, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $5)
ON CONFLICT (tenant_id, guest_phone) DO UPDATE
SET guest_name = COALESCE(conversations.guest_name, EXCLUDED.guest_name)
RETURNING ` + conversationColumns + `;`
	c, err := scanConversation(r.pool.QueryRow(ctx, q, uuid.NewString(), tenantID, guestPhone, guestName, now.UTC()))
	if err != nil {
		return nil, fmt.Errorf("find or create conversation: %w", err)
	}
	return c, nil
}

// GetConversation loads a conversation by id.
func (r *PostgresRepository) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	q := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = $1 LIMIT 1;`
	c, err := scanConversation(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if nf := pgNotFound(err, "conversation"); nf != nil {
			return nil, nf
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

// AttachBooking links a booking to a conversation that has none yet.
func (r *PostgresRepository) AttachBooking(ctx context.Context, conversationID, bookingID string, now time.Time) error {
	const q = `UPDATE conversations SET booking_id = $2, updated_at = $3 WHERE id = $1 AND booking_id IS NULL;`
	if _, err := r.pool.Exec(ctx, q, conversationID, bookingID, now.UTC()); err != nil {
		return fmt.Errorf("attach booking: %w", err)
	}
	return nil
}

// TouchLastInbound advances the last inbound timestamp; it never moves backwards.
func (r *PostgresRepository) TouchLastInbound(ctx context.Context, conversationID string, at time.Time) error {
	const q = `
UPDATE conversations
SET last_inbound_at = $2, updated_at = NOW()
WHERE id = $1 AND (last_inbound_at IS NULL OR last_inbound_at < $2);`
	if _, err := r.pool.Exec(ctx, q, conversationID, at.UTC()); err != nil {
		return fmt.Errorf("touch last inbound: %w", err)
	}
	return nil
}

const templateColumns = `id, property_id, template_type, language_code, name, header, body, footer,
is_enabled, approval_status, created_at, updated_at`

func scanTemplate(row pgx.Row) (*Template, error) {
	var t Template
	var propertyID string
	if err := row.Scan(&t.ID, &propertyID, &t.TemplateType, &t.LanguageCode, &t.Name, &t.Header, &t.Body, &t.Footer,
		&t.IsEnabled, &t.ApprovalStatus, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.PropertyID = propertyFromColumn(propertyID)
	return &t, nil
}

// UpsertTemplate creates or replaces the template for (property, type, language).
func (r *PostgresRepository) UpsertTemplate(ctx context.Context, tpl Template) (*Template, error) {
	if tpl.ApprovalStatus == "" {
		tpl.ApprovalStatus = ApprovalPending
	}
	q := `
INSERT INTO templates (id, property_id, template_type, language_code, name, header, body, footer,
    is_enabled, approval_status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
ON CONFLICT (property_id, template_type, language_code) DO UPDATE
SET name = EXCLUDED.name,
    header = EXCLUDED.header,
    body = EXCLUDED.body,
    footer = EXCLUDED.footer,
    is_enabled = EXCLUDED.is_enabled,
    approval_status = EXCLUDED.approval_status,
    updated_at = NOW()
RETURNING ` + templateColumns + `;`
	saved, err := scanTemplate(r.pool.QueryRow(ctx, q,
		uuid.NewString(), propertyColumn(tpl.PropertyID), tpl.TemplateType, tpl.LanguageCode, tpl.Name,
		tpl.Header, tpl.Body, tpl.Footer, tpl.IsEnabled, tpl.ApprovalStatus,
	))
	if err != nil {
		return nil, fmt.Errorf("upsert template: %w", err)
	}
	return saved, nil
}

// DeleteTemplate removes a template by id.
func (r *PostgresRepository) DeleteTemplate(ctx context.Context, id string) error {
	ct, err := r.pool.Exec(ctx, `DELETE FROM templates WHERE id = $1;`, id)
	if err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return apperr.NotFound("template not found")
	}
	return nil
}

// ListTemplateCandidates returns every template of a type that could serve the
// property (or globally) in one of the languages, regardless of enablement.
func (r *PostgresRepository) ListTemplateCandidates(ctx context.Context, templateType string, propertyID *string, languages []string) ([]Template, error) {
	if len(languages) == 0 {
		return nil, nil
	}
	args := []any{templateType, propertyColumn(propertyID)}
	placeholders := make([]string, 0, len(languages))
	for _, lang := range languages {
		args = append(args, strings.ToLower(lang))
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
	}
	q := `SELECT ` + templateColumns + `
FROM templates
WHERE template_type = $1 AND property_id IN ($2, '') AND LOWER(language_code) IN (` + strings.Join(placeholders, ", ") + `);`

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list template candidates: %w", err)
	}
	defer rows.Close()

	var out []Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate templates: %w", err)
	}
	return out, nil
}

// GetOptOut returns the consent record for a phone or nil.
func (r *PostgresRepository) GetOptOut(ctx context.Context, phone string) (*OptOutRecord, error) {
	const q = `SELECT phone, opted_in_at, opted_out_at, reason, updated_at FROM opt_outs WHERE phone = $1 LIMIT 1;`
	var rec OptOutRecord
	if err := r.pool.QueryRow(ctx, q, phone).Scan(&rec.Phone, &rec.OptedInAt, &rec.OptedOutAt, &rec.Reason, &rec.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get opt-out: %w", err)
	}
	return &rec, nil
}

// UpsertOptOut stamps opted_out_at, keeping any previous opt-in stamp.
func (r *PostgresRepository) UpsertOptOut(ctx context.Context, phone string, at time.Time, reason *string) error {
	const q = `
INSERT INTO opt_outs (phone, opted_out_at, reason, updated_at)
VALUES ($1, $2, $3, $2)
ON CONFLICT (phone) DO UPDATE
SET opted_out_at = EXCLUDED.opted_out_at, reason = EXCLUDED.reason, updated_at = EXCLUDED.updated_at;`
	if _, err := r.pool.Exec(ctx, q, phone, at.UTC(), reason); err != nil {
		return fmt.Errorf("upsert opt-out: %w", err)
	}
	return nil
}

// UpsertOptIn stamps opted_in_at only; opted_out_at is left as history.
func (r *PostgresRepository) UpsertOptIn(ctx context.Context, phone string, at time.Time) error {
	const q = `
INSERT INTO opt_outs (phone, opted_in_at, updated_at)
VALUES ($1, $2, $2)
ON CONFLICT (phone) DO UPDATE
SET opted_in_at = EXCLUDED.opted_in_at, updated_at = EXCLUDED.updated_at;`
	if _, err := r.pool.Exec(ctx, q, phone, at.UTC()); err != nil {
		return fmt.Errorf("upsert opt-in: %w", err)
	}
	return nil
}

// UpsertPhoneTenantMapping routes a provider phone number id to a tenant.
func (r *PostgresRepository) UpsertPhoneTenantMapping(ctx context.Context, phoneNumberID, tenantID string, now time.Time) error {
	const q = `
INSERT INTO phone_tenant_mappings (phone_number_id, tenant_id, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (phone_number_id) DO UPDATE
SET tenant_id = EXCLUDED.tenant_id, updated_at = EXCLUDED.updated_at;`
	if _, err := r.pool.Exec(ctx, q, phoneNumberID, tenantID, now.UTC()); err != nil {
		return fmt.Errorf("upsert phone tenant mapping: %w", err)
	}
	return nil
}

// GetPhoneTenantMapping returns the mapping or nil.
func (r *PostgresRepository) GetPhoneTenantMapping(ctx context.Context, phoneNumberID string) (*PhoneTenantMapping, error) {
	const q = `SELECT phone_number_id, tenant_id, updated_at FROM phone_tenant_mappings WHERE phone_number_id = $1 LIMIT 1;`
	var m PhoneTenantMapping
	if err := r.pool.QueryRow(ctx, q, phoneNumberID).Scan(&m.PhoneNumberID, &m.TenantID, &m.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get phone tenant mapping: %w", err)
	}
	return &m, nil
}

const bookingColumns = `id, tenant_id, property_id, guest_name, guest_phone, guest_email, language_code,
data, check_in, check_out, created_at`

func scanBooking(row pgx.Row) (*Booking, error) {
	var b Booking
	var raw []byte
	if err := row.Scan(&b.ID, &b.TenantID, &b.PropertyID, &b.GuestName, &b.GuestPhone, &b.GuestEmail,
		&b.LanguageCode, &raw, &b.CheckIn, &b.CheckOut, &b.CreatedAt); err != nil {
		return nil, err
	}
	data, err := decodeBookingData(raw)
	if err != nil {
		return nil, err
	}
	b.Data = data
	return &b, nil
}

// UpsertBooking stores the booking read model.
func (r *PostgresRepository) UpsertBooking(ctx context.Context, b Booking) error {
	data, err := encodeBookingData(b.Data)
	if err != nil {
		return err
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	const q = `
INSERT INTO bookings (id, tenant_id, property_id, guest_name, guest_phone, guest_email, language_code,
    data, check_in, check_out, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO UPDATE
SET tenant_id = EXCLUDED.tenant_id,
    property_id = EXCLUDED.property_id,
    guest_name = EXCLUDED.guest_name,
    guest_phone = EXCLUDED.guest_phone,
    guest_email = EXCLUDED.guest_email,
    language_code = EXCLUDED.language_code,
    data = EXCLUDED.data,
    check_in = EXCLUDED.check_in,
    check_out = EXCLUDED.check_out;`
	if _, err := r.pool.Exec(ctx, q, b.ID, b.TenantID, b.PropertyID, b.GuestName, b.GuestPhone, b.GuestEmail,
		b.LanguageCode, data, utcPtr(b.CheckIn), utcPtr(b.CheckOut), b.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("upsert booking: %w", err)
	}
	return nil
}

// GetBooking loads a booking by id.
func (r *PostgresRepository) GetBooking(ctx context.Context, id string) (*Booking, error) {
	q := `SELECT ` + bookingColumns + ` FROM bookings WHERE id = $1 LIMIT 1;`
	b, err := scanBooking(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if nf := pgNotFound(err, "booking"); nf != nil {
			return nil, nf
		}
		return nil, fmt.Errorf("get booking: %w", err)
	}
	return b, nil
}

// FindBookingByPhone returns the most recent booking for a guest phone within a tenant, or nil.
func (r *PostgresRepository) FindBookingByPhone(ctx context.Context, tenantID, guestPhone string) (*Booking, error) {
	q := `SELECT ` + bookingColumns + `
FROM bookings
WHERE tenant_id = $1 AND guest_phone = $2
ORDER BY created_at DESC
LIMIT 1;`
	b, err := scanBooking(r.pool.QueryRow(ctx, q, tenantID, guestPhone))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find booking by phone: %w", err)
	}
	return b, nil
}

func propertyColumn(id *string) string {
	if id == nil {
		return ""
	}
	return *id
}

func propertyFromColumn(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

// encodeBookingData renders the data map as a JSON string so it binds to jsonb
// under the simple protocol.
func encodeBookingData(data map[string]string) (string, error) {
	if data == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode booking data: %w", err)
	}
	return string(raw), nil
}

func decodeBookingData(raw []byte) (map[string]string, error) {
	data := map[string]string{}
	if len(raw) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode booking data: %w", err)
	}
	return data, nil
}
