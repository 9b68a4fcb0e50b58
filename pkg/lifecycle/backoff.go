package lifecycle

import (
	"math/rand"
	"time"
)

// Default reconnect backoff bounds.
const (
	DefaultBackoffInitial = 500 * time.Millisecond
	DefaultBackoffMax     = 10 * time.Second
)

// Backoff implements capped exponential backoff with ±20% jitter.
// It is not safe for concurrent use.
type Backoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
	jitter  func() float64
}

// NewBackoff creates a new backoff with the given initial and max durations.
// Non-positive values fall back to the defaults.
func NewBackoff(initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = DefaultBackoffInitial
	}
	if max < initial {
		max = initial
	}
	return &Backoff{
		initial: initial,
		max:     max,
		current: initial,
		jitter:  rand.Float64,
	}
}

// Next returns the delay to wait before the next attempt and doubles the
// base delay for the attempt after it, up to max.
func (b *Backoff) Next() time.Duration {
	j := float64(b.current) * 0.2 * (b.jitter()*2 - 1)
	d := time.Duration(float64(b.current) + j)

	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	return d
}

// Reset resets the backoff to the initial duration.
func (b *Backoff) Reset() {
	b.current = b.initial
}

// Current returns the base delay of the next attempt, without jitter.
func (b *Backoff) Current() time.Duration {
	return b.current
}
