// Package ratelimit provides a deterministic token bucket used to cap the
// per-connection inbound signaling message rate.
package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time.Now so limiter behavior is testable without sleeping.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// TokenBucket refills at rate tokens/sec up to capacity. A zero or negative
// rate never refills; a zero or negative capacity never allows.
type TokenBucket struct {
	mu sync.Mutex

	clock    Clock
	capacity float64
	rate     float64

	tokens float64
	last   time.Time
}

func NewTokenBucket(clock Clock, capacity, rate int) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	return &TokenBucket{
		clock:    clock,
		capacity: float64(capacity),
		rate:     float64(rate),
		tokens:   float64(capacity),
		last:     clock.Now(),
	}
}

// Allow consumes one token if available.
func (b *TokenBucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	if now.After(b.last) {
		b.tokens += now.Sub(b.last).Seconds() * b.rate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
	}
	// Move the reference point even if time went backwards, so a clock jump
	// cannot mint tokens later.
	b.last = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
