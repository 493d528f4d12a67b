package backoff

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff implements exponential backoff with optional jitter.
// It is not safe for concurrent use; each retry loop owns its own Backoff.
type Backoff struct {
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
	jitter       float64
	currentDelay time.Duration
	attempts     int
}

// New creates a new Backoff with the specified parameters.
// initialDelay is the delay before the first retry.
// maxDelay is the maximum delay between retries.
// multiplier is the factor by which the delay increases after each retry.
func New(initialDelay, maxDelay time.Duration, multiplier float64) *Backoff {
	if multiplier < 1 {
		multiplier = 1
	}
	return &Backoff{
		initialDelay: initialDelay,
		maxDelay:     maxDelay,
		multiplier:   multiplier,
		currentDelay: initialDelay,
	}
}

// WithJitter randomizes each delay by up to fraction of its value (0 disables).
// Reconnecting peers use it so a restarted host is not hit by every client at once.
func (b *Backoff) WithJitter(fraction float64) *Backoff {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	b.jitter = fraction
	return b
}

// Next returns the delay to wait now and advances the backoff.
func (b *Backoff) Next() time.Duration {
	d := b.currentDelay
	if b.jitter > 0 && d > 0 {
		spread := float64(d) * b.jitter
		d = time.Duration(float64(d) - spread + rand.Float64()*2*spread)
	}

	b.attempts++
	b.currentDelay = time.Duration(float64(b.currentDelay) * b.multiplier)
	if b.currentDelay > b.maxDelay {
		b.currentDelay = b.maxDelay
	}
	return d
}

// Wait waits for the next backoff duration, respecting context cancellation.
// Returns nil if the wait completed successfully, or ctx.Err() if the context was cancelled.
func (b *Backoff) Wait(ctx context.Context) error {
	timer := time.NewTimer(b.Next())
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset resets the backoff to its initial delay.
// Call it once a connection attempt succeeds.
func (b *Backoff) Reset() {
	b.currentDelay = b.initialDelay
	b.attempts = 0
}

// CurrentDelay returns the delay the next Wait would use, before jitter.
func (b *Backoff) CurrentDelay() time.Duration {
	return b.currentDelay
}

// Attempts returns how many delays were handed out since the last Reset.
func (b *Backoff) Attempts() int {
	return b.attempts
}
