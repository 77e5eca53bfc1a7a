package reminder

import (
	"fmt"
	"time"
)

// MaxJitter bounds Backoff.Jitter. Up to this spread, a jittered delay never
// drops below the previous attempt's jittered delay while the nominal delay
// is still doubling.
const MaxJitter = 0.3

// Backoff is the retry policy for failed dispatches: exponential delay from
// Base, capped at Cap, with symmetric jitter, giving up after MaxAttempts.
type Backoff struct {
	Base        time.Duration
	Cap         time.Duration
	// MaxAttempts is the total number of attempts, including the first.
	// The attempt that reaches it dead-letters the reminder.
	MaxAttempts int
	Jitter      float64
}

// DefaultBackoff is used when no policy is configured.
var DefaultBackoff = Backoff{
	Base:        time.Minute,
	Cap:         6 * time.Hour,
	MaxAttempts: 10,
	Jitter:      0.2,
}

// Validate checks the policy parameters.
func (b Backoff) Validate() error {
	switch {
	case b.Base <= 0:
		return fmt.Errorf("backoff base must be positive, got %s", b.Base)
	case b.Cap < b.Base:
		return fmt.Errorf("backoff cap %s is below base %s", b.Cap, b.Base)
	case b.MaxAttempts < 1:
		return fmt.Errorf("backoff max attempts must be at least 1, got %d", b.MaxAttempts)
	case b.Jitter < 0 || b.Jitter > MaxJitter:
		return fmt.Errorf("backoff jitter must be within [0, %.1f], got %g", MaxJitter, b.Jitter)
	}
	return nil
}

// Nominal is min(Base * 2^attempts, Cap).
func (b Backoff) Nominal(attempts int) time.Duration {
	d := b.Base
	for i := 0; i < attempts; i++ {
		if d > b.Cap/2 {
			return b.Cap
		}
		d *= 2
	}
	return min(d, b.Cap)
}

// Delay is the nominal delay after the given number of attempts, shifted by
// up to ±Jitter of itself. u is a uniform sample from [0, 1). The result
// never exceeds Cap.
func (b Backoff) Delay(attempts int, u float64) time.Duration {
	n := b.Nominal(attempts)
	if b.Jitter > 0 {
		spread := float64(n) * b.Jitter
		n = time.Duration(float64(n) + (2*u-1)*spread)
	}
	return max(min(n, b.Cap), 0)
}

// Exhausted reports whether no attempt is left after the given number of
// attempts.
func (b Backoff) Exhausted(attempts int) bool {
	return attempts >= b.MaxAttempts
}
