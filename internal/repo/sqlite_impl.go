package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"wa-notifier/internal/apperr"
)

func (r *SQLiteRepository) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// -- Messages --

type metadataRow struct {
	ID                string   `db:"id"`
	ChatMessageID     string   `db:"chat_message_id"`
	Direction         string   `db:"direction"`
	MessageType       string   `db:"message_type"`
	Status            string   `db:"status"`
	ProviderMessageID *string  `db:"provider_message_id"`
	SentAt            *sqlTime `db:"sent_at"`
	DeliveredAt       *sqlTime `db:"delivered_at"`
	ReadAt            *sqlTime `db:"read_at"`
	FailedAt          *sqlTime `db:"failed_at"`
	FailureReason     *string  `db:"failure_reason"`
	CreatedAt         sqlTime  `db:"created_at"`
	UpdatedAt         sqlTime  `db:"updated_at"`
}

func (row metadataRow) model() *MessageMetadata {
	return &MessageMetadata{
		ID:                row.ID,
		ChatMessageID:     row.ChatMessageID,
		Direction:         Direction(row.Direction),
		MessageType:       MessageType(row.MessageType),
		Status:            MessageStatus(row.Status),
		ProviderMessageID: row.ProviderMessageID,
		SentAt:            timePtr(row.SentAt),
		DeliveredAt:       timePtr(row.DeliveredAt),
		ReadAt:            timePtr(row.ReadAt),
		FailedAt:          timePtr(row.FailedAt),
		FailureReason:     row.FailureReason,
		CreatedAt:         row.CreatedAt.Time,
		UpdatedAt:         row.UpdatedAt.Time,
	}
}

func (r *SQLiteRepository) CreateMessage(ctx context.Context, msg NewMessage) (*ChatMessage, *MessageMetadata, error) {
	created := msg.CreatedAt.UTC()
	chat := &ChatMessage{
		ID:             uuid.NewString(),
		ConversationID: msg.ConversationID,
		Direction:      msg.Direction,
		Content:        msg.Content,
		CreatedAt:      created,
	}
	md := &MessageMetadata{
		ID:                uuid.NewString(),
		ChatMessageID:     chat.ID,
		Direction:         msg.Direction,
		MessageType:       msg.MessageType,
		Status:            msg.Status,
		ProviderMessageID: msg.ProviderMessageID,
		SentAt:            utcPtr(msg.SentAt),
		DeliveredAt:       utcPtr(msg.DeliveredAt),
		CreatedAt:         created,
		UpdatedAt:         created,
	}

	err := r.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO chat_messages (id, conversation_id, direction, content, created_at)
VALUES (?, ?, ?, ?, ?);`,
			chat.ID, chat.ConversationID, string(chat.Direction), chat.Content, formatTime(created),
		); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO message_metadata (id, chat_message_id, direction, message_type, status, provider_message_id,
    sent_at, delivered_at, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
			md.ID, md.ChatMessageID, string(md.Direction), string(md.MessageType), string(md.Status),
			md.ProviderMessageID, nullableTime(md.SentAt), nullableTime(md.DeliveredAt),
			formatTime(created), formatTime(created),
		)
		return err
	})
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return nil, nil, apperr.Conflict("message already recorded")
		}
		return nil, nil, fmt.Errorf("create message: %w", err)
	}
	return chat, md, nil
}

func (r *SQLiteRepository) GetChatMessage(ctx context.Context, id string) (*ChatMessage, error) {
	var row struct {
		ID             string  `db:"id"`
		ConversationID string  `db:"conversation_id"`
		Direction      string  `db:"direction"`
		Content        string  `db:"content"`
		CreatedAt      sqlTime `db:"created_at"`
	}
	const q = `SELECT id, conversation_id, direction, content, created_at FROM chat_messages WHERE id = ? LIMIT 1;`
	if err := r.db.GetContext(ctx, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("chat message not found")
		}
		return nil, fmt.Errorf("get chat message: %w", err)
	}
	return &ChatMessage{
		ID:             row.ID,
		ConversationID: row.ConversationID,
		Direction:      Direction(row.Direction),
		Content:        row.Content,
		CreatedAt:      row.CreatedAt.Time,
	}, nil
}

func (r *SQLiteRepository) getMetadata(ctx context.Context, column, value string) (*MessageMetadata, error) {
	var row metadataRow
	q := `SELECT ` + metadataColumns + ` FROM message_metadata WHERE ` + column + ` = ? LIMIT 1;`
	if err := r.db.GetContext(ctx, &row, q, value); err != nil {
		return nil, err
	}
	return row.model(), nil
}

func (r *SQLiteRepository) GetMessageMetadata(ctx context.Context, id string) (*MessageMetadata, error) {
	md, err := r.getMetadata(ctx, "id", id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("message metadata not found")
		}
		return nil, fmt.Errorf("get message metadata: %w", err)
	}
	return md, nil
}

func (r *SQLiteRepository) GetMetadataByChatMessage(ctx context.Context, chatMessageID string) (*MessageMetadata, error) {
	md, err := r.getMetadata(ctx, "chat_message_id", chatMessageID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get metadata by chat message: %w", err)
	}
	return md, nil
}

func (r *SQLiteRepository) GetMetadataByProviderID(ctx context.Context, providerMessageID string) (*MessageMetadata, error) {
	md, err := r.getMetadata(ctx, "provider_message_id", providerMessageID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get metadata by provider id: %w", err)
	}
	return md, nil
}

func (r *SQLiteRepository) MessageMetadataExists(ctx context.Context, providerMessageID string) (bool, error) {
	var exists bool
	const q = `SELECT EXISTS (SELECT 1 FROM message_metadata WHERE provider_message_id = ?);`
	if err := r.db.GetContext(ctx, &exists, q, providerMessageID); err != nil {
		return false, fmt.Errorf("check metadata exists: %w", err)
	}
	return exists, nil
}

func (r *SQLiteRepository) MarkMetadataSent(ctx context.Context, id, providerMessageID string, sentAt time.Time) error {
	const q = `
UPDATE message_metadata
SET status = 'sent', provider_message_id = ?, sent_at = ?, updated_at = ?
WHERE id = ?;`
	at := formatTime(sentAt)
	ok, err := r.execAffected(ctx, "mark metadata sent", q, providerMessageID, at, at, id)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return apperr.Conflict("provider message id already recorded")
		}
		return err
	}
	if !ok {
		return apperr.NotFound("message metadata not found")
	}
	return nil
}

func (r *SQLiteRepository) UpdateMetadataStatus(ctx context.Context, u MetadataStatusUpdate) error {
	const q = `
UPDATE message_metadata
SET status = ?,
    sent_at = COALESCE(?, sent_at),
    delivered_at = COALESCE(?, delivered_at),
    read_at = COALESCE(?, read_at),
    failed_at = COALESCE(?, failed_at),
    failure_reason = COALESCE(?, failure_reason),
    updated_at = ?
WHERE id = ?;`
	ok, err := r.execAffected(ctx, "update metadata status", q, string(u.Status),
		nullableTime(u.SentAt), nullableTime(u.DeliveredAt), nullableTime(u.ReadAt), nullableTime(u.FailedAt),
		u.FailureReason, formatTime(time.Now()), u.ID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.NotFound("message metadata not found")
	}
	return nil
}

func (r *SQLiteRepository) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var count int
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM chat_messages WHERE conversation_id = ?;`, conversationID); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

// -- Conversations --

type conversationRow struct {
	ID            string   `db:"id"`
	TenantID      string   `db:"tenant_id"`
	GuestPhone    string   `db:"guest_phone"`
	GuestName     *string  `db:"guest_name"`
	BookingID     *string  `db:"booking_id"`
	LastInboundAt *sqlTime `db:"last_inbound_at"`
	CreatedAt     sqlTime  `db:"created_at"`
	UpdatedAt     sqlTime  `db:"updated_at"`
}

func (row conversationRow) model() *Conversation {
	return &Conversation{
		ID:            row.ID,
		TenantID:      row.TenantID,
		GuestPhone:    row.GuestPhone,
		GuestName:     row.GuestName,
		BookingID:     row.BookingID,
		LastInboundAt: timePtr(row.LastInboundAt),
		CreatedAt:     row.CreatedAt.Time,
		UpdatedAt:     row.UpdatedAt.Time,
	}
}

func (r *SQLiteRepository) FindOrCreateConversation(ctx context.Context, tenantID, guestPhone string, guestName *string, now time.Time) (*Conversation, error) {
	const q = `
INSERT INTO conversations (id, tenant_id, guest_phone, guest_name, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (tenant_id, guest_phone) DO UPDATE
SET guest_name = COALESCE(conversations.guest_name, excluded.guest_name)
RETURNING ` + conversationColumns + `;`
	at := formatTime(now)
	var row conversationRow
	if err := r.db.GetContext(ctx, &row, q, uuid.NewString(), tenantID, guestPhone, guestName, at, at); err != nil {
		return nil, fmt.Errorf("find or create conversation: %w", err)
	}
	return row.model(), nil
}

func (r *SQLiteRepository) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var row conversationRow
	if err := r.db.GetContext(ctx, &row, `SELECT `+conversationColumns+` FROM conversations WHERE id = ? LIMIT 1;`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("conversation not found")
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return row.model(), nil
}

func (r *SQLiteRepository) AttachBooking(ctx context.Context, conversationID, bookingID string, now time.Time) error {
	const q = `UPDATE conversations SET booking_id = ?, updated_at = ? WHERE id = ? AND booking_id IS NULL;`
	if _, err := r.db.ExecContext(ctx, q, bookingID, formatTime(now), conversationID); err != nil {
		return fmt.Errorf("attach booking: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) TouchLastInbound(ctx context.Context, conversationID string, at time.Time) error {
	const q = `
UPDATE conversations
SET last_inbound_at = ?, updated_at = ?
WHERE id = ? AND (last_inbound_at IS NULL OR last_inbound_at < ?);`
	ts := formatTime(at)
	if _, err := r.db.ExecContext(ctx, q, ts, formatTime(time.Now()), conversationID, ts); err != nil {
		return fmt.Errorf("touch last inbound: %w", err)
	}
	return nil
}

// -- Templates --

type templateRow struct {
	ID             string  `db:"id"`
	PropertyID     string  `db:"property_id"`
	TemplateType   string  `db:"template_type"`
	LanguageCode   string  `db:"language_code"`
	Name           string  `db:"name"`
	Header         *string `db:"header"`
	Body           string  `db:"body"`
	Footer         *string `db:"footer"`
	IsEnabled      bool    `db:"is_enabled"`
	ApprovalStatus string  `db:"approval_status"`
	CreatedAt      sqlTime `db:"created_at"`
	UpdatedAt      sqlTime `db:"updated_at"`
}

func (row templateRow) model() Template {
	return Template{
		ID:             row.ID,
		PropertyID:     propertyFromColumn(row.PropertyID),
		TemplateType:   row.TemplateType,
		LanguageCode:   row.LanguageCode,
		Name:           row.Name,
		Header:         row.Header,
		Body:           row.Body,
		Footer:         row.Footer,
		IsEnabled:      row.IsEnabled,
		ApprovalStatus: row.ApprovalStatus,
		CreatedAt:      row.CreatedAt.Time,
		UpdatedAt:      row.UpdatedAt.Time,
	}
}

func (r *SQLiteRepository) UpsertTemplate(ctx context.Context, tpl Template) (*Template, error) {
	if tpl.ApprovalStatus == "" {
		tpl.ApprovalStatus = ApprovalPending
	}
	const q = `
INSERT INTO templates (id, property_id, template_type, language_code, name, header, body, footer,
    is_enabled, approval_status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (property_id, template_type, language_code) DO UPDATE
SET name = excluded.name,
    header = excluded.header,
    body = excluded.body,
    footer = excluded.footer,
    is_enabled = excluded.is_enabled,
    approval_status = excluded.approval_status,
    updated_at = excluded.updated_at
RETURNING ` + templateColumns + `;`
	now := formatTime(time.Now())
	var row templateRow
	if err := r.db.GetContext(ctx, &row, q,
		uuid.NewString(), propertyColumn(tpl.PropertyID), tpl.TemplateType, tpl.LanguageCode, tpl.Name,
		tpl.Header, tpl.Body, tpl.Footer, tpl.IsEnabled, tpl.ApprovalStatus, now, now,
	); err != nil {
		return nil, fmt.Errorf("upsert template: %w", err)
	}
	saved := row.model()
	return &saved, nil
}

func (r *SQLiteRepository) DeleteTemplate(ctx context.Context, id string) error {
	ok, err := r.execAffected(ctx, "delete template", `DELETE FROM templates WHERE id = ?;`, id)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.NotFound("template not found")
	}
	return nil
}

func (r *SQLiteRepository) ListTemplateCandidates(ctx context.Context, templateType string, propertyID *string, languages []string) ([]Template, error) {
	if len(languages) == 0 {
		return nil, nil
	}
	args := []any{templateType, propertyColumn(propertyID)}
	for _, lang := range languages {
		args = append(args, strings.ToLower(lang))
	}
	q := `SELECT ` + templateColumns + `
FROM templates
WHERE template_type = ? AND property_id IN (?, '') AND LOWER(language_code) IN (?` + strings.Repeat(", ?", len(languages)-1) + `);`

	var rows []templateRow
	if err := r.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("list template candidates: %w", err)
	}
	out := make([]Template, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.model())
	}
	return out, nil
}

// -- Opt-outs --

func (r *SQLiteRepository) GetOptOut(ctx context.Context, phone string) (*OptOutRecord, error) {
	var row struct {
		Phone      string   `db:"phone"`
		OptedInAt  *sqlTime `db:"opted_in_at"`
		OptedOutAt *sqlTime `db:"opted_out_at"`
		Reason     *string  `db:"reason"`
		UpdatedAt  sqlTime  `db:"updated_at"`
	}
	const q = `SELECT phone, opted_in_at, opted_out_at, reason, updated_at FROM opt_outs WHERE phone = ? LIMIT 1;`
	if err := r.db.GetContext(ctx, &row, q, phone); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get opt-out: %w", err)
	}
	return &OptOutRecord{
		Phone:      row.Phone,
		OptedInAt:  timePtr(row.OptedInAt),
		OptedOutAt: timePtr(row.OptedOutAt),
		Reason:     row.Reason,
		UpdatedAt:  row.UpdatedAt.Time,
	}, nil
}

func (r *SQLiteRepository) UpsertOptOut(ctx context.Context, phone string, at time.Time, reason *string) error {
	const q = `
INSERT INTO opt_outs (phone, opted_out_at, reason, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (phone) DO UPDATE
SET opted_out_at = excluded.opted_out_at, reason = excluded.reason, updated_at = excluded.updated_at;`
	ts := formatTime(at)
	if _, err := r.db.ExecContext(ctx, q, phone, ts, reason, ts); err != nil {
		return fmt.Errorf("upsert opt-out: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) UpsertOptIn(ctx context.Context, phone string, at time.Time) error {
	const q = `
INSERT INTO opt_outs (phone, opted_in_at, updated_at)
VALUES (?, ?, ?)
ON CONFLICT (phone) DO UPDATE
SET opted_in_at = excluded.opted_in_at, updated_at = excluded.updated_at;`
	ts := formatTime(at)
	if _, err := r.db.ExecContext(ctx, q, phone, ts, ts); err != nil {
		return fmt.Errorf("upsert opt-in: %w", err)
	}
	return nil
}

// -- Tenant routing --

func (r *SQLiteRepository) UpsertPhoneTenantMapping(ctx context.Context, phoneNumberID, tenantID string, now time.Time) error {
	const q = `
INSERT INTO phone_tenant_mappings (phone_number_id, tenant_id, updated_at)
VALUES (?, ?, ?)
ON CONFLICT (phone_number_id) DO UPDATE
SET tenant_id = excluded.tenant_id, updated_at = excluded.updated_at;`
	if _, err := r.db.ExecContext(ctx, q, phoneNumberID, tenantID, formatTime(now)); err != nil {
		return fmt.Errorf("upsert phone tenant mapping: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetPhoneTenantMapping(ctx context.Context, phoneNumberID string) (*PhoneTenantMapping, error) {
	var row struct {
		PhoneNumberID string  `db:"phone_number_id"`
		TenantID      string  `db:"tenant_id"`
		UpdatedAt     sqlTime `db:"updated_at"`
	}
	const q = `SELECT phone_number_id, tenant_id, updated_at FROM phone_tenant_mappings WHERE phone_number_id = ? LIMIT 1;`
	if err := r.db.GetContext(ctx, &row, q, phoneNumberID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get phone tenant mapping: %w", err)
	}
	return &PhoneTenantMapping{PhoneNumberID: row.PhoneNumberID, TenantID: row.TenantID, UpdatedAt: row.UpdatedAt.Time}, nil
}

// -- Bookings --

type bookingRow struct {
	ID           string   `db:"id"`
	TenantID     string   `db:"tenant_id"`
	PropertyID   *string  `db:"property_id"`
	GuestName    string   `db:"guest_name"`
	GuestPhone   string   `db:"guest_phone"`
	GuestEmail   *string  `db:"guest_email"`
	LanguageCode string   `db:"language_code"`
	Data         string   `db:"data"`
	CheckIn      *sqlTime `db:"check_in"`
	CheckOut     *sqlTime `db:"check_out"`
	CreatedAt    sqlTime  `db:"created_at"`
}

func (row bookingRow) model() (*Booking, error) {
	data, err := decodeBookingData([]byte(row.Data))
	if err != nil {
		return nil, err
	}
	return &Booking{
		ID:           row.ID,
		TenantID:     row.TenantID,
		PropertyID:   row.PropertyID,
		GuestName:    row.GuestName,
		GuestPhone:   row.GuestPhone,
		GuestEmail:   row.GuestEmail,
		LanguageCode: row.LanguageCode,
		Data:         data,
		CheckIn:      timePtr(row.CheckIn),
		CheckOut:     timePtr(row.CheckOut),
		CreatedAt:    row.CreatedAt.Time,
	}, nil
}

func (r *SQLiteRepository) UpsertBooking(ctx context.Context, b Booking) error {
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
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE
SET tenant_id = excluded.tenant_id,
    property_id = excluded.property_id,
    guest_name = excluded.guest_name,
    guest_phone = excluded.guest_phone,
    guest_email = excluded.guest_email,
    language_code = excluded.language_code,
    data = excluded.data,
    check_in = excluded.check_in,
    check_out = excluded.check_out;`
	if _, err := r.db.ExecContext(ctx, q, b.ID, b.TenantID, b.PropertyID, b.GuestName, b.GuestPhone, b.GuestEmail,
		b.LanguageCode, data, nullableTime(b.CheckIn), nullableTime(b.CheckOut), formatTime(b.CreatedAt)); err != nil {
		return fmt.Errorf("upsert booking: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetBooking(ctx context.Context, id string) (*Booking, error) {
	var row bookingRow
	if err := r.db.GetContext(ctx, &row, `SELECT `+bookingColumns+` FROM bookings WHERE id = ? LIMIT 1;`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("booking not found")
		}
		return nil, fmt.Errorf("get booking: %w", err)
	}
	return row.model()
}

func (r *SQLiteRepository) FindBookingByPhone(ctx context.Context, tenantID, guestPhone string) (*Booking, error) {
	var row bookingRow
	q := `SELECT ` + bookingColumns + `
FROM bookings
WHERE tenant_id = ? AND guest_phone = ?
ORDER BY created_at DESC
LIMIT 1;`
	if err := r.db.GetContext(ctx, &row, q, tenantID, guestPhone); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find booking by phone: %w", err)
	}
	return row.model()
}
