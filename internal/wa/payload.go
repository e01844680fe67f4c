package wa

import (
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"wa-notifier/internal/apperr"
	"wa-notifier/internal/repo"
)

// MaxTextLength is the provider's hard cap on free-form text bodies, in characters.
const MaxTextLength = 4096

// Payload is an outbound message body. It is implemented only by
// TemplatePayload and TextPayload.
type Payload interface {
	Kind() repo.MessageType
	sealed()
}

// TemplatePayload sends a provider-approved template with positional body parameters.
type TemplatePayload struct {
	Name       string
	Language   string
	BodyParams []string
}

func (TemplatePayload) Kind() repo.MessageType { return repo.MessageTypeTemplate }
func (TemplatePayload) sealed()                {}

// TextPayload sends free-form text; only allowed inside the conversation window.
type TextPayload struct {
	Body string
}

func (TextPayload) Kind() repo.MessageType { return repo.MessageTypeText }
func (TextPayload) sealed()                {}

// ValidateText rejects bodies the provider would refuse.
func ValidateText(body string) error {
	if strings.TrimSpace(body) == "" {
		return apperr.Validation("text body is empty")
	}
	if n := utf8.RuneCountInString(body); n > MaxTextLength {
		return apperr.Validation("text body exceeds " + strconv.Itoa(MaxTextLength) + " characters")
	}
	return nil
}

// Validate checks a payload before any network call.
func Validate(p Payload) error {
	switch v := p.(type) {
	case TextPayload:
		return ValidateText(v.Body)
	case TemplatePayload:
		if strings.TrimSpace(v.Name) == "" {
			return apperr.Validation("template name is required")
		}
		if strings.TrimSpace(v.Language) == "" {
			return apperr.Validation("template language is required")
		}
		return nil
	case nil:
		return apperr.Validation("payload is required")
	default:
		return apperr.Validation("unsupported payload")
	}
}

// Envelope is the webhook delivery body.
type Envelope struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

type Change struct {
	Field string      `json:"field"`
	Value ChangeValue `json:"value"`
}

type ChangeValue struct {
	MessagingProduct string           `json:"messaging_product"`
	Metadata         ValueMetadata    `json:"metadata"`
	Contacts         []Contact        `json:"contacts,omitempty"`
	Messages         []InboundMessage `json:"messages,omitempty"`
	Statuses         []StatusUpdate   `json:"statuses,omitempty"`
}

type ValueMetadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type Contact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

// ProfileName returns the contact name for a sender, if the change carried one.
func (v ChangeValue) ProfileName(waID string) string {
	for _, c := range v.Contacts {
		if c.WaID == waID {
			return strings.TrimSpace(c.Profile.Name)
		}
	}
	return ""
}

type InboundMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
	Button *struct {
		Text    string `json:"text"`
		Payload string `json:"payload"`
	} `json:"button,omitempty"`
	Interactive *struct {
		Type        string `json:"type"`
		ButtonReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"button_reply,omitempty"`
		ListReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"list_reply,omitempty"`
	} `json:"interactive,omitempty"`
	Image    *Media `json:"image,omitempty"`
	Document *Media `json:"document,omitempty"`
	Video    *Media `json:"video,omitempty"`
}

type Media struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
}

// Content renders the message as stored chat text.
func (m InboundMessage) Content() string {
	switch {
	case m.Text != nil:
		return m.Text.Body
	case m.Button != nil:
		return m.Button.Text
	case m.Interactive != nil && m.Interactive.ButtonReply != nil:
		return m.Interactive.ButtonReply.Title
	case m.Interactive != nil && m.Interactive.ListReply != nil:
		return m.Interactive.ListReply.Title
	}
	for _, media := range []*Media{m.Image, m.Document, m.Video} {
		if media != nil && media.Caption != "" {
			return media.Caption
		}
	}
	if m.Type == "" {
		return ""
	}
	return "[" + m.Type + "]"
}

type StatusUpdate struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	Timestamp   string          `json:"timestamp"`
	RecipientID string          `json:"recipient_id"`
	Errors      []ProviderError `json:"errors,omitempty"`
}

// FailureReason joins the provider errors attached to a failed status.
func (s StatusUpdate) FailureReason() string {
	parts := make([]string, 0, len(s.Errors))
	for _, e := range s.Errors {
		msg := e.Title
		if e.Message != "" {
			msg = e.Message
		}
		if e.ErrorData.Details != "" {
			msg += ": " + e.ErrorData.Details
		}
		parts = append(parts, strconv.Itoa(e.Code)+" "+msg)
	}
	return strings.Join(parts, "; ")
}

type ProviderError struct {
	Code      int    `json:"code"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	ErrorData struct {
		Details string `json:"details"`
	} `json:"error_data"`
}

// ParseTimestamp reads the provider's unix-seconds timestamp, falling back when absent or malformed.
func ParseTimestamp(raw string, fallback time.Time) time.Time {
	secs, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || secs <= 0 {
		return fallback
	}
	return time.Unix(secs, 0).UTC()
}
