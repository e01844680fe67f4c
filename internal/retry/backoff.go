// Package retry computes the next state of a queue item after a failed send.
package retry

import (
	"time"

	"wa-notifier/internal/repo"
)

// DefaultDelays is the backoff table; attempts past its end reuse the last entry.
var DefaultDelays = []time.Duration{60 * time.Second, 300 * time.Second, 1800 * time.Second}

// DefaultMaxRetries is used when a queue item carries no limit of its own.
const DefaultMaxRetries = 3

// Policy maps failure counts to delays.
type Policy struct {
	Delays []time.Duration
}

// NewPolicy returns the default policy.
func NewPolicy() Policy {
	return Policy{Delays: DefaultDelays}
}

// Delay returns the wait after the n-th consecutive failure (n starts at 1).
func (p Policy) Delay(failures int) time.Duration {
	delays := p.Delays
	if len(delays) == 0 {
		delays = DefaultDelays
	}
	idx := failures - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(delays) {
		idx = len(delays) - 1
	}
	return delays[idx]
}

// Decision is the outcome of one failed attempt.
type Decision struct {
	Status      repo.QueueStatus
	RetryCount  int
	NextRetryAt time.Time
	// TriggerFallback is set when the item became terminal and still owes an email fallback.
	TriggerFallback bool
}

// Decide applies a failure to item. Non-retryable failures are terminal at once.
func (p Policy) Decide(item repo.QueueItem, retryable bool, now time.Time) Decision {
	maxRetries := item.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	count := item.RetryCount + 1
	if count > maxRetries {
		count = maxRetries
	}

	if !retryable || count >= maxRetries {
		return Decision{
			Status:          repo.QueueFailed,
			RetryCount:      count,
			TriggerFallback: item.ShouldFallbackToEmail && !item.EmailFallbackSent,
		}
	}
	return Decision{
		Status:      repo.QueuePending,
		RetryCount:  count,
		NextRetryAt: now.Add(p.Delay(count)),
	}
}
