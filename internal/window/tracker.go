package window

import (
	"time"

	"wa-notifier/internal/apperr"
	"wa-notifier/internal/repo"
)

// Duration is how long free-form replies stay allowed after an inbound message.
const Duration = 24 * time.Hour

// State of a conversation's reply window.
type State string

const (
	NoInboundYet State = "no-inbound-yet"
	Open         State = "window-open"
	Expired      State = "window-expired"
)

// ErrTemplateRequired is the message carried by the compliance error.
const ErrTemplateRequired = "template required"

// StateAt derives the window state from the last inbound time.
func StateAt(lastInboundAt *time.Time, now time.Time) State {
	if lastInboundAt == nil {
		return NoInboundYet
	}
	if now.Sub(*lastInboundAt) < Duration {
		return Open
	}
	return Expired
}

// Tracker evaluates windows lazily against an injected clock.
type Tracker struct {
	Now func() time.Time
}

// NewTracker returns a Tracker on the wall clock.
func NewTracker() *Tracker {
	return &Tracker{Now: time.Now}
}

// State returns the current window state of a conversation.
func (t *Tracker) State(c *repo.Conversation) State {
	if c == nil {
		return NoInboundYet
	}
	return StateAt(c.LastInboundAt, t.Now())
}

// IsWindowActive reports whether free-form text may be sent.
func (t *Tracker) IsWindowActive(c *repo.Conversation) bool {
	return t.State(c) == Open
}

// RequireFreeform returns a compliance error unless the window is open.
func (t *Tracker) RequireFreeform(c *repo.Conversation) error {
	if !t.IsWindowActive(c) {
		return apperr.Compliance(ErrTemplateRequired)
	}
	return nil
}

// ExpiresAt returns when the window closes, or nil if it never opened.
func (t *Tracker) ExpiresAt(c *repo.Conversation) *time.Time {
	if c == nil || c.LastInboundAt == nil {
		return nil
	}
	at := c.LastInboundAt.Add(Duration)
	return &at
}
