package outbox

import "time"

// Policy bounds the retry behavior for undelivered items. Delays double per
// attempt from BaseDelay up to MaxDelay; after MaxAttempts an item is marked
// permanently failed and left in the table for inspection.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   30 * time.Second,
		MaxDelay:    time.Hour,
		MaxAttempts: 5,
	}
}

// NextDelay returns the wait before the next attempt, given the number of
// attempts already made (>= 1).
func (p Policy) NextDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Exhausted reports whether an item that has now made the given number of
// attempts is out of retry budget.
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}
