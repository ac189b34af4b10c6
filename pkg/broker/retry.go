package broker

import (
	"errors"
	"math"
	"time"
)

const maxShift = 62

// ErrRetriesExhausted is returned when a bounded retry policy gives up.
var ErrRetriesExhausted = errors.New("broker connect retries exhausted")

// RetryPolicy bounds reconnect attempts. MaxAttempts of zero retries forever.
type RetryPolicy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// Delay returns min(Base * 2^(attempt-1), Cap) for attempt >= 1.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > maxShift {
		shift = maxShift
	}
	multiplier := int64(1) << shift

	delay := time.Duration(math.MaxInt64)
	if int64(p.Base) <= math.MaxInt64/multiplier {
		delay = time.Duration(int64(p.Base) * multiplier)
	}
	if p.Cap > 0 && delay > p.Cap {
		return p.Cap
	}
	return delay
}

// Start returns a fresh retry sequence.
func (p RetryPolicy) Start() *Backoff {
	return &Backoff{policy: p}
}

// Backoff is the retry state of one connect cycle: every failed attempt calls
// Next, which either yields the wait before the following attempt or reports
// that the policy is exhausted.
type Backoff struct {
	policy  RetryPolicy
	attempt int
}

// Next records a failed attempt.
func (b *Backoff) Next() (time.Duration, bool) {
	b.attempt++
	if b.policy.MaxAttempts > 0 && b.attempt >= b.policy.MaxAttempts {
		return 0, false
	}
	return b.policy.Delay(b.attempt), true
}

// Attempt is the number of failures recorded so far.
func (b *Backoff) Attempt() int {
	return b.attempt
}
