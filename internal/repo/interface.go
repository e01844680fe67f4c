package repo

import (
	"context"
	"io/fs"
	"time"
)

// Repository defines the interface for data persistence.
//
// Lookups by primary id return an apperr not-found error when the row is
// missing. Lookups by secondary keys (phone, provider message id) return nil, nil.
type Repository interface {
	// Lifecycle
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error

	// Queue
	InsertQueueItem(ctx context.Context, item NewQueueItem) (*QueueItem, error)
	GetQueueItem(ctx context.Context, id string) (*QueueItem, error)
	ListDueQueueItems(ctx context.Context, now time.Time, limit int) ([]QueueItem, error)
	ListPendingQueueItems(ctx context.Context, limit, offset int) ([]QueueItem, int, error)
	ClaimQueueItem(ctx context.Context, id string, version int, now time.Time) (bool, error)
	CompleteQueueItem(ctx context.Context, id string, now time.Time) error
	RescheduleQueueItem(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, lastError string, now time.Time) (bool, error)
	FailQueueItem(ctx context.Context, id string, retryCount int, lastError string, now time.Time) (bool, error)
	MarkEmailFallbackSent(ctx context.Context, id string, now time.Time) (bool, error)
	ResetEmailFallbackSent(ctx context.Context, id string, now time.Time) error
	CancelQueueItem(ctx context.Context, id string, now time.Time) (bool, error)
	ResetQueueItem(ctx context.Context, id string, now time.Time) (bool, error)
	QueueStats(ctx context.Context) (*QueueStats, error)

	// Messages
	CreateMessage(ctx context.Context, msg NewMessage) (*ChatMessage, *MessageMetadata, error)
	GetChatMessage(ctx context.Context, id string) (*ChatMessage, error)
	GetMessageMetadata(ctx context.Context, id string) (*MessageMetadata, error)
	GetMetadataByChatMessage(ctx context.Context, chatMessageID string) (*MessageMetadata, error)
	GetMetadataByProviderID(ctx context.Context, providerMessageID string) (*MessageMetadata, error)
	MessageMetadataExists(ctx context.Context, providerMessageID string) (bool, error)
	MarkMetadataSent(ctx context.Context, id, providerMessageID string, sentAt time.Time) error
	UpdateMetadataStatus(ctx context.Context, update MetadataStatusUpdate) error
	CountMessages(ctx context.Context, conversationID string) (int, error)

	// Conversations
	FindOrCreateConversation(ctx context.Context, tenantID, guestPhone string, guestName *string, now time.Time) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	AttachBooking(ctx context.Context, conversationID, bookingID string, now time.Time) error
	TouchLastInbound(ctx context.Context, conversationID string, at time.Time) error

	// Templates
	UpsertTemplate(ctx context.Context, tpl Template) (*Template, error)
	DeleteTemplate(ctx context.Context, id string) error
	ListTemplateCandidates(ctx context.Context, templateType string, propertyID *string, languages []string) ([]Template, error)

	// Opt-outs
	GetOptOut(ctx context.Context, phone string) (*OptOutRecord, error)
	UpsertOptOut(ctx context.Context, phone string, at time.Time, reason *string) error
	UpsertOptIn(ctx context.Context, phone string, at time.Time) error

	// Tenant routing
	UpsertPhoneTenantMapping(ctx context.Context, phoneNumberID, tenantID string, now time.Time) error
	GetPhoneTenantMapping(ctx context.Context, phoneNumberID string) (*PhoneTenantMapping, error)

	// Bookings (collaborator read model)
	UpsertBooking(ctx context.Context, booking Booking) error
	GetBooking(ctx context.Context, id string) (*Booking, error)
	FindBookingByPhone(ctx context.Context, tenantID, guestPhone string) (*Booking, error)
}
