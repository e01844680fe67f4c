package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const queueColumns = `id, chat_message_id, message_metadata_id, booking_id, trigger_type, status, priority,
retry_count, max_retries, next_retry_at, last_error, should_fallback_to_email, email_fallback_sent,
version, created_at, updated_at, completed_at`

func scanQueueItem(row pgx.Row) (*QueueItem, error) {
	var item QueueItem
	var status string
	if err := row.Scan(
		&item.ID,
		&item.ChatMessageID,
		&item.MessageMetadataID,
		&item.BookingID,
		&item.TriggerType,
		&status,
		&item.Priority,
		&item.RetryCount,
		&item.MaxRetries,
		&item.NextRetryAt,
		&item.LastError,
		&item.ShouldFallbackToEmail,
		&item.EmailFallbackSent,
		&item.Version,
		&item.CreatedAt,
		&item.UpdatedAt,
		&item.CompletedAt,
	); err != nil {
		return nil, err
	}
	item.Status = QueueStatus(status)
	return &item, nil
}

// InsertQueueItem stores a new pending queue item.
func (r *PostgresRepository) InsertQueueItem(ctx context.Context, item NewQueueItem) (*QueueItem, error) {
	q := `
INSERT INTO queue_items (id, chat_message_id, message_metadata_id, booking_id, trigger_type, status,
    priority, max_retries, next_retry_at, should_fallback_to_email, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, 'pending', $6, $7, $8, $9, $8, $8)
RETURNING ` + queueColumns + `;`
	row := r.pool.QueryRow(ctx, q,
		uuid.NewString(),
		item.ChatMessageID,
		item.MessageMetadataID,
		item.BookingID,
		item.TriggerType,
		item.Priority,
		item.MaxRetries,
		item.NextRetryAt.UTC(),
		item.FallbackToEmail,
	)
	inserted, err := scanQueueItem(row)
	if err != nil {
		return nil, fmt.Errorf("insert queue item: %w", err)
	}
	return inserted, nil
}

// GetQueueItem loads a queue item by id.
func (r *PostgresRepository) GetQueueItem(ctx context.Context, id string) (*QueueItem, error) {
	q := `SELECT ` + queueColumns + ` FROM queue_items WHERE id = $1 LIMIT 1;`
	item, err := scanQueueItem(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if nf := pgNotFound(err, "queue item"); nf != nil {
			return nil, nf
		}
		return nil, fmt.Errorf("get queue item: %w", err)
	}
	return item, nil
}

// ListDueQueueItems returns pending items whose next attempt is due, most urgent first.
func (r *PostgresRepository) ListDueQueueItems(ctx context.Context, now time.Time, limit int) ([]QueueItem, error) {
	q := `
SELECT ` + queueColumns + `
FROM queue_items
WHERE status = 'pending' AND next_retry_at <= $1
ORDER BY priority ASC, created_at ASC
LIMIT $2;`
	return r.queryQueueItems(ctx, "list due queue items", q, now.UTC(), limit)
}

// ListPendingQueueItems pages through pending items and reports the total count.
func (r *PostgresRepository) ListPendingQueueItems(ctx context.Context, limit, offset int) ([]QueueItem, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM queue_items WHERE status = 'pending';`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count pending queue items: %w", err)
	}
	q := `
SELECT ` + queueColumns + `
FROM queue_items
WHERE status = 'pending'
ORDER BY priority ASC, created_at ASC
LIMIT $1 OFFSET $2;`
	items, err := r.queryQueueItems(ctx, "list pending queue items", q, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *PostgresRepository) queryQueueItems(ctx context.Context, op, q string, args ...any) ([]QueueItem, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var items []QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", op, err)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", op, err)
	}
	return items, nil
}

// ClaimQueueItem moves a pending item to processing if nobody else has touched it
// since version was read.
func (r *PostgresRepository) ClaimQueueItem(ctx context.Context, id string, version int, now time.Time) (bool, error) {
	const q = `
UPDATE queue_items
SET status = 'processing', version = version + 1, updated_at = $3
WHERE id = $1 AND status = 'pending' AND version = $2;`
	ct, err := r.pool.Exec(ctx, q, id, version, now.UTC())
	if err != nil {
		return false, fmt.Errorf("claim queue item: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// CompleteQueueItem marks a processing item as completed.
func (r *PostgresRepository) CompleteQueueItem(ctx context.Context, id string, now time.Time) error {
	const q = `
UPDATE queue_items
SET status = 'completed', last_error = NULL, completed_at = $2, updated_at = $2, version = version + 1
WHERE id = $1 AND status = 'processing';`
	if _, err := r.pool.Exec(ctx, q, id, now.UTC()); err != nil {
		return fmt.Errorf("complete queue item: %w", err)
	}
	return nil
}

// RescheduleQueueItem returns a processing item to pending with a new attempt
// time. It reports false when the item was no longer processing.
func (r *PostgresRepository) RescheduleQueueItem(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, lastError string, now time.Time) (bool, error) {
	const q = `
UPDATE queue_items
SET status = 'pending', retry_count = $2, next_retry_at = $3, last_error = $4, updated_at = $5, version = version + 1
WHERE id = $1 AND status = 'processing';`
	ct, err := r.pool.Exec(ctx, q, id, retryCount, nextRetryAt.UTC(), lastError, now.UTC())
	if err != nil {
		return false, fmt.Errorf("reschedule queue item: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// FailQueueItem marks a processing item as terminally failed. It reports false
// when the item was no longer processing, e.g. cancelled mid-send.
func (r *PostgresRepository) FailQueueItem(ctx context.Context, id string, retryCount int, lastError string, now time.Time) (bool, error) {
	const q = `
UPDATE queue_items
SET status = 'failed', retry_count = $2, last_error = $3, updated_at = $4, version = version + 1
WHERE id = $1 AND status = 'processing';`
	ct, err := r.pool.Exec(ctx, q, id, retryCount, lastError, now.UTC())
	if err != nil {
		return false, fmt.Errorf("fail queue item: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// MarkEmailFallbackSent flips the fallback guard of a failed item and reports
// whether this caller won it.
func (r *PostgresRepository) MarkEmailFallbackSent(ctx context.Context, id string, now time.Time) (bool, error) {
	const q = `
UPDATE queue_items
SET email_fallback_sent = TRUE, updated_at = $2
WHERE id = $1 AND status = 'failed' AND should_fallback_to_email = TRUE AND email_fallback_sent = FALSE;`
	ct, err := r.pool.Exec(ctx, q, id, now.UTC())
	if err != nil {
		return false, fmt.Errorf("mark email fallback sent: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// ResetEmailFallbackSent clears the guard after a failed trigger invocation.
func (r *PostgresRepository) ResetEmailFallbackSent(ctx context.Context, id string, now time.Time) error {
	const q = `UPDATE queue_items SET email_fallback_sent = FALSE, updated_at = $2 WHERE id = $1;`
	if _, err := r.pool.Exec(ctx, q, id, now.UTC()); err != nil {
		return fmt.Errorf("reset email fallback: %w", err)
	}
	return nil
}

// CancelQueueItem cancels a pending or processing item.
func (r *PostgresRepository) CancelQueueItem(ctx context.Context, id string, now time.Time) (bool, error) {
	const q = `
UPDATE queue_items
SET status = 'cancelled', updated_at = $2, version = version + 1
WHERE id = $1 AND status IN ('pending', 'processing');`
	ct, err := r.pool.Exec(ctx, q, id, now.UTC())
	if err != nil {
		return false, fmt.Errorf("cancel queue item: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// ResetQueueItem puts an item back to pending with a fresh retry budget.
func (r *PostgresRepository) ResetQueueItem(ctx context.Context, id string, now time.Time) (bool, error) {
	const q = `
UPDATE queue_items
SET status = 'pending', retry_count = 0, next_retry_at = $2, last_error = NULL, updated_at = $2, version = version + 1
WHERE id = $1 AND status IN ('pending', 'failed', 'cancelled');`
	ct, err := r.pool.Exec(ctx, q, id, now.UTC())
	if err != nil {
		return false, fmt.Errorf("reset queue item: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// QueueStats aggregates per-status counts, oldest pending item and average retries.
func (r *PostgresRepository) QueueStats(ctx context.Context) (*QueueStats, error) {
	stats := &QueueStats{Counts: map[QueueStatus]int{}}

	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM queue_items GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan queue stats: %w", err)
		}
		stats.Counts[QueueStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue stats: %w", err)
	}

	const q = `
SELECT
    (SELECT MIN(created_at) FROM queue_items WHERE status = 'pending'),
    COALESCE((SELECT AVG(retry_count)::float8 FROM queue_items), 0);`
	if err := r.pool.QueryRow(ctx, q).Scan(&stats.OldestPendingAt, &stats.AverageRetryCount); err != nil {
		return nil, fmt.Errorf("queue stats aggregates: %w", err)
	}
	return stats, nil
}
