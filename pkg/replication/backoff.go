package replication

import (
	"math/rand/v2"
	"time"
)

// jitter is the fraction by which a delay is randomly stretched or shrunk,
// so that peers retrying after the same failure spread out.
const jitter = 0.2

// Backoff yields exponentially growing delays: base, 2*base, 4*base, ...
// capped at max, each varied by up to ±20%. Reset starts over at base.
type Backoff struct {
	base    time.Duration
	max     time.Duration
	attempt int
}

// NewBackoff returns a Backoff starting at base. A non-positive base means
// one second; max is raised to base when below it.
func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	return &Backoff{base: base, max: max}
}

// Next returns the delay for the current attempt and advances.
func (b *Backoff) Next() time.Duration {
	d := b.base
	for i := 0; i < b.attempt && d < b.max; i++ {
		d *= 2
	}
	if d > b.max {
		d = b.max
	}
	b.attempt++
	return withJitter(d)
}

func withJitter(d time.Duration) time.Duration {
	spread := int64(float64(d) * jitter)
	if spread <= 0 {
		return d
	}
	return d + time.Duration(rand.Int64N(2*spread+1)-spread)
}

// Reset starts the sequence over at base.
func (b *Backoff) Reset() { b.attempt = 0 }

// Attempt returns how many delays have been handed out since the last reset.
func (b *Backoff) Attempt() int { return b.attempt }
