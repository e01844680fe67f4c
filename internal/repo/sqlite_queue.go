package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"wa-notifier/internal/apperr"
)

type queueRow struct {
	ID                    string   `db:"id"`
	ChatMessageID         *string  `db:"chat_message_id"`
	MessageMetadataID     *string  `db:"message_metadata_id"`
	BookingID             *string  `db:"booking_id"`
	TriggerType           string   `db:"trigger_type"`
	Status                string   `db:"status"`
	Priority              int      `db:"priority"`
	RetryCount            int      `db:"retry_count"`
	MaxRetries            int      `db:"max_retries"`
	NextRetryAt           sqlTime  `db:"next_retry_at"`
	LastError             *string  `db:"last_error"`
	ShouldFallbackToEmail bool     `db:"should_fallback_to_email"`
	EmailFallbackSent     bool     `db:"email_fallback_sent"`
	Version               int      `db:"version"`
	CreatedAt             sqlTime  `db:"created_at"`
	UpdatedAt             sqlTime  `db:"updated_at"`
	CompletedAt           *sqlTime `db:"completed_at"`
}

func (row queueRow) model() QueueItem {
	return QueueItem{
		ID:                    row.ID,
		ChatMessageID:         row.ChatMessageID,
		MessageMetadataID:     row.MessageMetadataID,
		BookingID:             row.BookingID,
		TriggerType:           row.TriggerType,
		Status:                QueueStatus(row.Status),
		Priority:              row.Priority,
		RetryCount:            row.RetryCount,
		MaxRetries:            row.MaxRetries,
		NextRetryAt:           row.NextRetryAt.Time,
		LastError:             row.LastError,
		ShouldFallbackToEmail: row.ShouldFallbackToEmail,
		EmailFallbackSent:     row.EmailFallbackSent,
		Version:               row.Version,
		CreatedAt:             row.CreatedAt.Time,
		UpdatedAt:             row.UpdatedAt.Time,
		CompletedAt:           timePtr(row.CompletedAt),
	}
}

func (r *SQLiteRepository) InsertQueueItem(ctx context.Context, item NewQueueItem) (*QueueItem, error) {
	id := uuid.NewString()
	at := formatTime(item.NextRetryAt)
	const q = `
INSERT INTO queue_items (id, chat_message_id, message_metadata_id, booking_id, trigger_type, status,
    priority, max_retries, next_retry_at, should_fallback_to_email, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, 'pending', ?, ?, ?, ?, ?, ?);`
	if _, err := r.db.ExecContext(ctx, q,
		id, item.ChatMessageID, item.MessageMetadataID, item.BookingID, item.TriggerType,
		item.Priority, item.MaxRetries, at, item.FallbackToEmail, at, at,
	); err != nil {
		return nil, fmt.Errorf("insert queue item: %w", err)
	}
	return r.GetQueueItem(ctx, id)
}

func (r *SQLiteRepository) GetQueueItem(ctx context.Context, id string) (*QueueItem, error) {
	var row queueRow
	if err := r.db.GetContext(ctx, &row, `SELECT `+queueColumns+` FROM queue_items WHERE id = ? LIMIT 1;`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("queue item not found")
		}
		return nil, fmt.Errorf("get queue item: %w", err)
	}
	item := row.model()
	return &item, nil
}

func (r *SQLiteRepository) ListDueQueueItems(ctx context.Context, now time.Time, limit int) ([]QueueItem, error) {
	q := `SELECT ` + queueColumns + `
FROM queue_items
WHERE status = 'pending' AND next_retry_at <= ?
ORDER BY priority ASC, created_at ASC
LIMIT ?;`
	return r.selectQueueItems(ctx, "list due queue items", q, formatTime(now), limit)
}

func (r *SQLiteRepository) ListPendingQueueItems(ctx context.Context, limit, offset int) ([]QueueItem, int, error) {
	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM queue_items WHERE status = 'pending';`); err != nil {
		return nil, 0, fmt.Errorf("count pending queue items: %w", err)
	}
	q := `SELECT ` + queueColumns + `
FROM queue_items
WHERE status = 'pending'
ORDER BY priority ASC, created_at ASC
LIMIT ? OFFSET ?;`
	items, err := r.selectQueueItems(ctx, "list pending queue items", q, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *SQLiteRepository) selectQueueItems(ctx context.Context, op, q string, args ...any) ([]QueueItem, error) {
	var rows []queueRow
	if err := r.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	items := make([]QueueItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.model())
	}
	return items, nil
}

func (r *SQLiteRepository) ClaimQueueItem(ctx context.Context, id string, version int, now time.Time) (bool, error) {
	const q = `
UPDATE queue_items
SET status = 'processing', version = version + 1, updated_at = ?
WHERE id = ? AND status = 'pending' AND version = ?;`
	return r.execAffected(ctx, "claim queue item", q, formatTime(now), id, version)
}

func (r *SQLiteRepository) CompleteQueueItem(ctx context.Context, id string, now time.Time) error {
	const q = `
UPDATE queue_items
SET status = 'completed', last_error = NULL, completed_at = ?, updated_at = ?, version = version + 1
WHERE id = ? AND status = 'processing';`
	at := formatTime(now)
	if _, err := r.db.ExecContext(ctx, q, at, at, id); err != nil {
		return fmt.Errorf("complete queue item: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) RescheduleQueueItem(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, lastError string, now time.Time) (bool, error) {
	const q = `
UPDATE queue_items
SET status = 'pending', retry_count = ?, next_retry_at = ?, last_error = ?, updated_at = ?, version = version + 1
WHERE id = ? AND status = 'processing';`
	return r.execAffected(ctx, "reschedule queue item", q, retryCount, formatTime(nextRetryAt), lastError, formatTime(now), id)
}

func (r *SQLiteRepository) FailQueueItem(ctx context.Context, id string, retryCount int, lastError string, now time.Time) (bool, error) {
	const q = `
UPDATE queue_items
SET status = 'failed', retry_count = ?, last_error = ?, updated_at = ?, version = version + 1
WHERE id = ? AND status = 'processing';`
	return r.execAffected(ctx, "fail queue item", q, retryCount, lastError, formatTime(now), id)
}

func (r *SQLiteRepository) MarkEmailFallbackSent(ctx context.Context, id string, now time.Time) (bool, error) {
	const q = `
UPDATE queue_items
SET email_fallback_sent = 1, updated_at = ?
WHERE id = ? AND status = 'failed' AND should_fallback_to_email = 1 AND email_fallback_sent = 0;`
	return r.execAffected(ctx, "mark email fallback sent", q, formatTime(now), id)
}

func (r *SQLiteRepository) ResetEmailFallbackSent(ctx context.Context, id string, now time.Time) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE queue_items SET email_fallback_sent = 0, updated_at = ? WHERE id = ?;`, formatTime(now), id); err != nil {
		return fmt.Errorf("reset email fallback: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) CancelQueueItem(ctx context.Context, id string, now time.Time) (bool, error) {
	const q = `
UPDATE queue_items
SET status = 'cancelled', updated_at = ?, version = version + 1
WHERE id = ? AND status IN ('pending', 'processing');`
	return r.execAffected(ctx, "cancel queue item", q, formatTime(now), id)
}

func (r *SQLiteRepository) ResetQueueItem(ctx context.Context, id string, now time.Time) (bool, error) {
	const q = `
UPDATE queue_items
SET status = 'pending', retry_count = 0, next_retry_at = ?, last_error = NULL, updated_at = ?, version = version + 1
WHERE id = ? AND status IN ('pending', 'failed', 'cancelled');`
	at := formatTime(now)
	return r.execAffected(ctx, "reset queue item", q, at, at, id)
}

func (r *SQLiteRepository) QueueStats(ctx context.Context) (*QueueStats, error) {
	stats := &QueueStats{Counts: map[QueueStatus]int{}}

	var counts []struct {
		Status string `db:"status"`
		Count  int    `db:"n"`
	}
	if err := r.db.SelectContext(ctx, &counts, `SELECT status, COUNT(*) AS n FROM queue_items GROUP BY status;`); err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	for _, c := range counts {
		stats.Counts[QueueStatus(c.Status)] = c.Count
	}

	var oldest *sqlTime
	if err := r.db.GetContext(ctx, &oldest, `SELECT MIN(created_at) FROM queue_items WHERE status = 'pending';`); err != nil {
		return nil, fmt.Errorf("queue stats oldest: %w", err)
	}
	stats.OldestPendingAt = timePtr(oldest)

	if err := r.db.GetContext(ctx, &stats.AverageRetryCount, `SELECT COALESCE(AVG(retry_count), 0.0) FROM queue_items;`); err != nil {
		return nil, fmt.Errorf("queue stats average: %w", err)
	}
	return stats, nil
}

func (r *SQLiteRepository) execAffected(ctx context.Context, op, q string, args ...any) (bool, error) {
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return n == 1, nil
}
