package repo

import "time"

// QueueStatus is the lifecycle state of a queue item.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
	QueueCancelled  QueueStatus = "cancelled"
)

// Terminal reports whether no further dispatch can happen from this state.
func (s QueueStatus) Terminal() bool {
	return s == QueueCompleted || s == QueueFailed || s == QueueCancelled
}

// Direction of a chat message relative to the tenant.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// MessageType distinguishes free-form text from template sends.
type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeTemplate MessageType = "template"
)

// MessageStatus is the delivery state reported for a message.
type MessageStatus string

const (
	StatusQueued    MessageStatus = "queued"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// Rank orders the forward progression queued < sent < delivered < read.
// Failed has no rank.
func (s MessageStatus) Rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return -1
	}
}

// Approval states of a provider template.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
)

// QueueItem is one durable outbound delivery with its retry state.
type QueueItem struct {
	ID                    string      `json:"id"`
	ChatMessageID         *string     `json:"chat_message_id,omitempty"`
	MessageMetadataID     *string     `json:"message_metadata_id,omitempty"`
	BookingID             *string     `json:"booking_id,omitempty"`
	TriggerType           string      `json:"trigger_type"`
	Status                QueueStatus `json:"status"`
	Priority              int         `json:"priority"`
	RetryCount            int         `json:"retry_count"`
	MaxRetries            int         `json:"max_retries"`
	NextRetryAt           time.Time   `json:"next_retry_at"`
	LastError             *string     `json:"last_error,omitempty"`
	ShouldFallbackToEmail bool        `json:"should_fallback_to_email"`
	EmailFallbackSent     bool        `json:"email_fallback_sent"`
	Version               int         `json:"version"`
	CreatedAt             time.Time   `json:"created_at"`
	UpdatedAt             time.Time   `json:"updated_at"`
	CompletedAt           *time.Time  `json:"completed_at,omitempty"`
}

// NewQueueItem carries the fields required to enqueue a send.
type NewQueueItem struct {
	ChatMessageID     *string
	MessageMetadataID *string
	BookingID         *string
	TriggerType       string
	Priority          int
	MaxRetries        int
	FallbackToEmail   bool
	NextRetryAt       time.Time
}

// QueueStats summarises the queue for operators.
type QueueStats struct {
	Counts            map[QueueStatus]int `json:"counts"`
	OldestPendingAt   *time.Time          `json:"oldest_pending_at,omitempty"`
	AverageRetryCount float64             `json:"average_retry_count"`
}

// ChatMessage is a single message exchanged within a conversation.
type ChatMessage struct {
	ID             string
	ConversationID string
	Direction      Direction
	Content        string
	CreatedAt      time.Time
}

// MessageMetadata carries provider-facing delivery state for a chat message.
type MessageMetadata struct {
	ID                string
	ChatMessageID     string
	Direction         Direction
	MessageType       MessageType
	Status            MessageStatus
	ProviderMessageID *string
	SentAt            *time.Time
	DeliveredAt       *time.Time
	ReadAt            *time.Time
	FailedAt          *time.Time
	FailureReason     *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// NewMessage creates a chat message and its metadata in one transaction.
type NewMessage struct {
	ConversationID    string
	Direction         Direction
	MessageType       MessageType
	Status            MessageStatus
	Content           string
	ProviderMessageID *string
	SentAt            *time.Time
	DeliveredAt       *time.Time
	CreatedAt         time.Time
}

// MetadataStatusUpdate sets a status and stamps any non-nil timestamp.
type MetadataStatusUpdate struct {
	ID            string
	Status        MessageStatus
	SentAt        *time.Time
	DeliveredAt   *time.Time
	ReadAt        *time.Time
	FailedAt      *time.Time
	FailureReason *string
}

// Template is a provider-approved message skeleton. A nil PropertyID is global.
type Template struct {
	ID             string
	PropertyID     *string
	TemplateType   string
	LanguageCode   string
	Name           string
	Header         *string
	Body           string
	Footer         *string
	IsEnabled      bool
	ApprovalStatus string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Conversation groups messages with one guest phone number within a tenant.
type Conversation struct {
	ID            string
	TenantID      string
	GuestPhone    string
	GuestName     *string
	BookingID     *string
	LastInboundAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// OptOutRecord is the consent ledger entry for a phone number.
type OptOutRecord struct {
	Phone      string     `json:"phone"`
	OptedInAt  *time.Time `json:"opted_in_at,omitempty"`
	OptedOutAt *time.Time `json:"opted_out_at,omitempty"`
	Reason     *string    `json:"reason,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// PhoneTenantMapping routes a provider phone-number-id to its tenant.
type PhoneTenantMapping struct {
	PhoneNumberID string
	TenantID      string
	UpdatedAt     time.Time
}

// Booking is the read model of the booking collaborator used for sends.
type Booking struct {
	ID           string
	TenantID     string
	PropertyID   *string
	GuestName    string
	GuestPhone   string
	GuestEmail   *string
	LanguageCode string
	Data         map[string]string
	CheckIn      *time.Time
	CheckOut     *time.Time
	CreatedAt    time.Time
}
