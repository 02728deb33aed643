package engine

import (
	"math/rand"
	"time"
)

// Backoff computes the retry delay after transport errors. The delay is
// base * 2^min(attempts, cap) with proportional jitter, so records that
// failed together during an outage do not all retry in the same instant.
// Validation failures never pass through here; they are not retried
// automatically at all.
type Backoff struct {
	Base   time.Duration
	MaxExp int     // exponent cap
	Jitter float64 // fraction of the delay randomised in both directions
}

// DefaultBackoff matches a mobile client on flaky links: 1m, 2m, 4m, ...
// capped at 32m before jitter.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:   30 * time.Second,
		MaxExp: 6,
		Jitter: 0.2,
	}
}

// Delay returns the wait after the given number of failed attempts.
func (b Backoff) Delay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	exp := attempts
	if exp > b.MaxExp {
		exp = b.MaxExp
	}
	d := b.Base << uint(exp)

	if b.Jitter > 0 {
		span := float64(d) * b.Jitter
		d += time.Duration((rand.Float64()*2 - 1) * span)
	}
	if d < 0 {
		d = 0
	}
	return d
}
