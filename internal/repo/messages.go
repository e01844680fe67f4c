package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"wa-notifier/internal/apperr"
)

const metadataColumns = `id, chat_message_id, direction, message_type, status, provider_message_id,
sent_at, delivered_at, read_at, failed_at, failure_reason, created_at, updated_at`

func scanMetadata(row pgx.Row) (*MessageMetadata, error) {
	var md MessageMetadata
	var direction, msgType, status string
	if err := row.Scan(
		&md.ID,
		&md.ChatMessageID,
		&direction,
		&msgType,
		&status,
		&md.ProviderMessageID,
		&md.SentAt,
		&md.DeliveredAt,
		&md.ReadAt,
		&md.FailedAt,
		&md.FailureReason,
		&md.CreatedAt,
		&md.UpdatedAt,
	); err != nil {
		return nil, err
	}
	md.Direction = Direction(direction)
	md.MessageType = MessageType(msgType)
	md.Status = MessageStatus(status)
	return &md, nil
}

// CreateMessage stores a chat message and its metadata atomically. A duplicate
// provider message id yields an apperr conflict.
func (r *PostgresRepository) CreateMessage(ctx context.Context, msg NewMessage) (*ChatMessage, *MessageMetadata, error) {
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

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
INSERT INTO chat_messages (id, conversation_id, direction, content, created_at)
VALUES ($1, $2, $3, $4, $5);`,
			chat.ID, chat.ConversationID, string(chat.Direction), chat.Content, created,
		); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
INSERT INTO message_metadata (id, chat_message_id, direction, message_type, status, provider_message_id,
    sent_at, delivered_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9);`,
			md.ID, md.ChatMessageID, string(md.Direction), string(md.MessageType), string(md.Status),
			md.ProviderMessageID, md.SentAt, md.DeliveredAt, created,
		)
		return err
	})
	if err != nil {
		if isPgUniqueViolation(err) {
			return nil, nil, apperr.Conflict("message already recorded")
		}
		return nil, nil, fmt.Errorf("create message: %w", err)
	}
	return chat, md, nil
}

// GetChatMessage loads a chat message by id.
func (r *PostgresRepository) GetChatMessage(ctx context.Context, id string) (*ChatMessage, error) {
	const q = `SELECT id, conversation_id, direction, content, created_at FROM chat_messages WHERE id = $1 LIMIT 1;`
	var msg ChatMessage
	var direction string
	if err := r.pool.QueryRow(ctx, q, id).Scan(&msg.ID, &msg.ConversationID, &direction, &msg.Content, &msg.CreatedAt); err != nil {
		if nf := pgNotFound(err, "chat message"); nf != nil {
			return nil, nf
		}
		return nil, fmt.Errorf("get chat message: %w", err)
	}
	msg.Direction = Direction(direction)
	return &msg, nil
}

// GetMessageMetadata loads metadata by its own id.
func (r *PostgresRepository) GetMessageMetadata(ctx context.Context, id string) (*MessageMetadata, error) {
	q := `SELECT ` + metadataColumns + ` FROM message_metadata WHERE id = $1 LIMIT 1;`
	md, err := scanMetadata(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if nf := pgNotFound(err, "message metadata"); nf != nil {
			return nil, nf
		}
		return nil, fmt.Errorf("get message metadata: %w", err)
	}
	return md, nil
}

// GetMetadataByChatMessage returns the metadata of a chat message or nil.
func (r *PostgresRepository) GetMetadataByChatMessage(ctx context.Context, chatMessageID string) (*MessageMetadata, error) {
	q := `SELECT ` + metadataColumns + ` FROM message_metadata WHERE chat_message_id = $1 LIMIT 1;`
	md, err := scanMetadata(r.pool.QueryRow(ctx, q, chatMessageID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get metadata by chat message: %w", err)
	}
	return md, nil
}

// GetMetadataByProviderID returns the metadata for a provider message id or nil.
func (r *PostgresRepository) GetMetadataByProviderID(ctx context.Context, providerMessageID string) (*MessageMetadata, error) {
	q := `SELECT ` + metadataColumns + ` FROM message_metadata WHERE provider_message_id = $1 LIMIT 1;`
	md, err := scanMetadata(r.pool.QueryRow(ctx, q, providerMessageID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get metadata by provider id: %w", err)
	}
	return md, nil
}

// MessageMetadataExists reports whether a provider message id was already recorded.
func (r *PostgresRepository) MessageMetadataExists(ctx context.Context, providerMessageID string) (bool, error) {
	var exists bool
	const q = `SELECT EXISTS (SELECT 1 FROM message_metadata WHERE provider_message_id = $1);`
	if err := r.pool.QueryRow(ctx, q, providerMessageID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check metadata exists: %w", err)
	}
	return exists, nil
}

// MarkMetadataSent records the provider id and the sent transition.
func (r *PostgresRepository) MarkMetadataSent(ctx context.Context, id, providerMessageID string, sentAt time.Time) error {
	const q = `
UPDATE message_metadata
SET status = 'sent', provider_message_id = $2, sent_at = $3, updated_at = $3
WHERE id = $1;`
	ct, err := r.pool.Exec(ctx, q, id, providerMessageID, sentAt.UTC())
	if err != nil {
		if isPgUniqueViolation(err) {
			return apperr.Conflict("provider message id already recorded")
		}
		return fmt.Errorf("mark metadata sent: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return apperr.NotFound("message metadata not found")
	}
	return nil
}

// UpdateMetadataStatus applies a status and stamps the provided timestamps.
// Nil timestamps keep their stored value.
func (r *PostgresRepository) UpdateMetadataStatus(ctx context.Context, u MetadataStatusUpdate) error {
	const q = `
UPDATE message_metadata
SET status = $2,
    sent_at = COALESCE($3, sent_at),
    delivered_at = COALESCE($4, delivered_at),
    read_at = COALESCE($5, read_at),
    failed_at = COALESCE($6, failed_at),
    failure_reason = COALESCE($7, failure_reason),
    updated_at = NOW()
WHERE id = $1;`
	ct, err := r.pool.Exec(ctx, q, u.ID, string(u.Status),
		utcPtr(u.SentAt), utcPtr(u.DeliveredAt), utcPtr(u.ReadAt), utcPtr(u.FailedAt), u.FailureReason)
	if err != nil {
		return fmt.Errorf("update metadata status: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return apperr.NotFound("message metadata not found")
	}
	return nil
}

// CountMessages returns the number of messages in a conversation.
func (r *PostgresRepository) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM chat_messages WHERE conversation_id = $1;`, conversationID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
