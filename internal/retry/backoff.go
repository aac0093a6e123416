package retry

import (
	"math/rand/v2"
	"time"
)

// ExponentialBackoff returns delay based on attempt number.
// The delay doubles with each attempt: base * 2^attempt
func ExponentialBackoff(attempt int, base time.Duration) time.Duration {
	if attempt > 16 {
		attempt = 16
	}
	return base * (1 << attempt)
}

// Policy bounds a retry loop: up to MaxAttempts tries with an exponential,
// jittered delay between them.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy matches the provider gateway defaults: 5 attempts starting
// at 1s, each wait capped at 30s.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, Base: time.Second, MaxDelay: 30 * time.Second}
}

// Delay returns the wait before retrying after the given attempt (0-based),
// jittered uniformly over the upper half of the exponential delay so
// synchronized callers spread out.
func (p Policy) Delay(attempt int) time.Duration {
	d := ExponentialBackoff(attempt, p.Base)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int64N(int64(half)+1))
}
