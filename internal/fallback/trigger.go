// Package fallback hands exhausted deliveries to the email channel.
package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// Request describes a delivery that needs an email instead.
type Request struct {
	QueueItemID string    `json:"queue_item_id"`
	BookingID   *string   `json:"booking_id,omitempty"`
	TriggerType string    `json:"trigger_type"`
	GuestEmail  *string   `json:"guest_email,omitempty"`
	LastError   string    `json:"last_error"`
	FailedAt    time.Time `json:"failed_at"`
}

// Trigger starts an email fallback.
type Trigger interface {
	TriggerEmailFallback(ctx context.Context, req Request) error
}

// LogTrigger only logs; used when no broker is configured.
type LogTrigger struct {
	logger *slog.Logger
}

func NewLogTrigger(logger *slog.Logger) *LogTrigger {
	return &LogTrigger{logger: logger.With("component", "email_fallback")}
}

func (t *LogTrigger) TriggerEmailFallback(_ context.Context, req Request) error {
	t.logger.Warn("email fallback requested", "queue_item_id", req.QueueItemID, "trigger_type", req.TriggerType, "last_error", req.LastError)
	return nil
}

// AMQPTrigger publishes fallback requests to a durable queue consumed by the mailer.
type AMQPTrigger struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
	queue   string
	logger  *slog.Logger

	mu sync.Mutex
}

// NewAMQPTrigger dials the broker and declares the queue.
func NewAMQPTrigger(url, queue string, logger *slog.Logger) (*AMQPTrigger, error) {
	if url == "" {
		return nil, errors.New("amqp url is empty")
	}
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return &AMQPTrigger{
		conn:    conn,
		channel: ch,
		queue:   queue,
		logger:  logger.With("component", "email_fallback"),
	}, nil
}

func (t *AMQPTrigger) TriggerEmailFallback(ctx context.Context, req Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode fallback request: %w", err)
	}

	// amqp channels are not safe for concurrent publishes.
	t.mu.Lock()
	defer t.mu.Unlock()
	err = t.channel.PublishWithContext(ctx, "", t.queue, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    req.QueueItemID,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish fallback: %w", err)
	}
	t.logger.Info("email fallback published", "queue_item_id", req.QueueItemID, "queue", t.queue)
	return nil
}

// Close releases the channel and connection.
func (t *AMQPTrigger) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.channel != nil {
		_ = t.channel.Close()
	}
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}
