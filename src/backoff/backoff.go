// Package backoff implements a bounded exponential backoff with jitter,
// suitable for a single reconnect loop driven by one goroutine at a time.
package backoff

import (
	"fmt"
	"math/rand"
)

// Backoff tracks the current retry interval for a reconnect loop. It is not
// safe for concurrent use; callers own it under their own lock, the same way
// the supervisor owns the connection it retries.
type Backoff struct {
	initial int64
	max     int64
	jitter  int64
	current int64
	rnd     *rand.Rand
}

// New constructs a Backoff. initial and max are in milliseconds and must be
// positive, jitter (milliseconds) must be non-negative, and max must be at
// least initial.
func New(initialMs, maxMs, jitterMs int64) (*Backoff, error) {
	if initialMs <= 0 {
		return nil, fmt.Errorf("backoff: initial must be > 0, got %d", initialMs)
	}
	if maxMs <= 0 {
		return nil, fmt.Errorf("backoff: max must be > 0, got %d", maxMs)
	}
	if jitterMs < 0 {
		return nil, fmt.Errorf("backoff: jitter must be >= 0, got %d", jitterMs)
	}
	if maxMs < initialMs {
		return nil, fmt.Errorf("backoff: max (%d) must be >= initial (%d)", maxMs, initialMs)
	}
	return &Backoff{
		initial: initialMs,
		max:     maxMs,
		jitter:  jitterMs,
		current: initialMs,
		rnd:     rand.New(rand.NewSource(rand.Int63())),
	}, nil
}

// Next returns the delay (in milliseconds) to wait before the next attempt,
// then advances the internal interval towards max.
func (b *Backoff) Next() int64 {
	delay := b.current
	if b.jitter > 0 {
		delay += b.rnd.Int63n(b.jitter)
	}
	b.current = min(b.current*2, b.max)
	return delay
}

// Reset restores the interval to its initial value, called after a
// successful connect.
func (b *Backoff) Reset() {
	b.current = b.initial
}
