// Package backoff provides the exponential backoff schedule shared by every
// retry loop in the engine. Call sites describe which outcomes are worth
// retrying; the policy decides how long to wait and when to give up.
package backoff

import (
	"context"
	"math/rand"
	"time"
)

// Policy describes an exponential backoff schedule with jitter.
type Policy struct {
	Base        time.Duration // delay before the first retry
	Multiplier  float64       // growth factor per attempt
	Cap         time.Duration // upper bound on the computed delay (before jitter)
	MaxAttempts int           // total attempts, including the first
	JitterFrac  float64       // jitter added as a fraction of the delay (0..1)
}

// Default returns the schedule the verifier ships with: 1s base, doubling,
// capped at 60s, up to 3 attempts, with up to 10% jitter.
func Default() Policy {
	return Policy{
		Base:        1 * time.Second,
		Multiplier:  2,
		Cap:         60 * time.Second,
		MaxAttempts: 3,
		JitterFrac:  0.1,
	}
}

// BaseDelay computes the deterministic delay for the given zero-based attempt,
// without jitter. The result is non-decreasing in attempt and never exceeds
// the cap.
func (p Policy) BaseDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.Base)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
		if time.Duration(d) >= p.Cap {
			return p.Cap
		}
	}
	if time.Duration(d) > p.Cap {
		return p.Cap
	}
	return time.Duration(d)
}

// Delay returns the jittered delay for the given zero-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	d := p.BaseDelay(attempt)
	if p.JitterFrac > 0 {
		d += time.Duration(rand.Float64() * p.JitterFrac * float64(d))
	}
	return d
}

// Outcome tells Retry what to do with the result of one attempt.
type Outcome int

const (
	// Done stops retrying; the last result stands.
	Done Outcome = iota
	// Transient schedules another attempt if the budget allows.
	Transient
)

// Retry runs fn up to MaxAttempts times, sleeping the scheduled delay between
// attempts as long as fn reports a Transient outcome. It returns the number
// of attempts made. Context cancellation aborts the wait and returns early.
func (p Policy) Retry(ctx context.Context, fn func(attempt int) Outcome) (attempts int, err error) {
	max := p.MaxAttempts
	if max < 1 {
		max = 1
	}
	for attempt := 0; attempt < max; attempt++ {
		if outcome := fn(attempt); outcome == Done {
			return attempt + 1, nil
		}
		if attempt == max-1 {
			break
		}
		select {
		case <-ctx.Done():
			return attempt + 1, ctx.Err()
		case <-time.After(p.Delay(attempt)):
		}
	}
	return max, nil
}
