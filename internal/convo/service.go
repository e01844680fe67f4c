// Package convo is the operator side of a guest conversation: free-form
// replies inside the service window and a view of the window state.
package convo

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"wa-notifier/internal/apperr"
	"wa-notifier/internal/optout"
	"wa-notifier/internal/queue"
	"wa-notifier/internal/repo"
	"wa-notifier/internal/wa"
	"wa-notifier/internal/window"
)

// ReplyTrigger is the trigger type of operator replies.
const ReplyTrigger = "reply"

// Enqueuer accepts outbound deliveries.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (*repo.QueueItem, error)
}

// Service sends replies into existing conversations.
type Service struct {
	repo    repo.Repository
	window  *window.Tracker
	optouts *optout.Registry
	queue   Enqueuer
	logger  *slog.Logger
	now     func() time.Time
}

// NewService constructs a Service.
func NewService(r repo.Repository, tracker *window.Tracker, optouts *optout.Registry, q Enqueuer, logger *slog.Logger) *Service {
	if tracker == nil {
		tracker = window.NewTracker()
	}
	return &Service{
		repo:    r,
		window:  tracker,
		optouts: optouts,
		queue:   q,
		logger:  logger.With("component", "convo"),
		now:     tracker.Now,
	}
}

// ReplyResult is what a successful reply created.
type ReplyResult struct {
	ChatMessageID     string             `json:"chat_message_id"`
	MessageMetadataID string             `json:"message_metadata_id"`
	QueueItem         *repo.QueueItem    `json:"queue_item"`
	Status            repo.MessageStatus `json:"status"`
}

// Reply queues free-form text for the guest. Outside the 24h window it
// fails with a compliance error asking for a template instead.
func (s *Service) Reply(ctx context.Context, conversationID, text string) (*ReplyResult, error) {
	conv, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if err := s.window.RequireFreeform(conv); err != nil {
		s.logger.Info("reply blocked by window", "conversation_id", conv.ID, "state", s.window.State(conv))
		return nil, err
	}
	if err := s.optouts.Check(ctx, conv.GuestPhone); err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if err := wa.ValidateText(text); err != nil {
		return nil, err
	}

	chat, meta, err := s.repo.CreateMessage(ctx, repo.NewMessage{
		ConversationID: conv.ID,
		Direction:      repo.DirectionOutbound,
		MessageType:    repo.MessageTypeText,
		Status:         repo.StatusQueued,
		Content:        text,
		CreatedAt:      s.now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	noFallback := false
	item, err := s.queue.Enqueue(ctx, queue.EnqueueRequest{
		ChatMessageID:     &chat.ID,
		MessageMetadataID: &meta.ID,
		TriggerType:       ReplyTrigger,
		Priority:          queue.ReplyPriority,
		FallbackToEmail:   &noFallback,
	})
	if err != nil {
		s.abandon(ctx, meta.ID, err)
		return nil, err
	}
	s.logger.Info("reply queued", "conversation_id", conv.ID, "queue_item_id", item.ID)
	return &ReplyResult{
		ChatMessageID:     chat.ID,
		MessageMetadataID: meta.ID,
		QueueItem:         item,
		Status:            meta.Status,
	}, nil
}

// abandon marks a reply that never reached the queue as failed so it does not
// sit in queued forever.
func (s *Service) abandon(ctx context.Context, metadataID string, cause error) {
	now := s.now().UTC()
	reason := "enqueue failed: " + apperr.Message(cause)
	if err := s.repo.UpdateMetadataStatus(ctx, repo.MetadataStatusUpdate{
		ID:            metadataID,
		Status:        repo.StatusFailed,
		FailedAt:      &now,
		FailureReason: &reason,
	}); err != nil {
		s.logger.Error("mark unqueued reply failed", "message_metadata_id", metadataID, "error", err)
	}
}

// View is a conversation with its derived window state.
type View struct {
	ID              string       `json:"id"`
	TenantID        string       `json:"tenant_id"`
	GuestPhone      string       `json:"guest_phone"`
	GuestName       *string      `json:"guest_name,omitempty"`
	BookingID       *string      `json:"booking_id,omitempty"`
	LastInboundAt   *time.Time   `json:"last_inbound_at,omitempty"`
	WindowState     window.State `json:"window_state"`
	WindowExpiresAt *time.Time   `json:"window_expires_at,omitempty"`
	Messages        int          `json:"messages"`
}

// Describe returns the conversation and whether free-form replies are allowed now.
func (s *Service) Describe(ctx context.Context, conversationID string) (*View, error) {
	conv, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	count, err := s.repo.CountMessages(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	return &View{
		ID:              conv.ID,
		TenantID:        conv.TenantID,
		GuestPhone:      conv.GuestPhone,
		GuestName:       conv.GuestName,
		BookingID:       conv.BookingID,
		LastInboundAt:   conv.LastInboundAt,
		WindowState:     s.window.State(conv),
		WindowExpiresAt: s.window.ExpiresAt(conv),
		Messages:        count,
	}, nil
}
