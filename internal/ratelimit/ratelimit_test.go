package ratelimit

import (
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func TestTokenBucket_ConsumesCapacityThenDenies(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := NewTokenBucket(clock, 3, 1)

	for i := 0; i < 3; i++ {
		if !b.Allow() {
			t.Fatalf("allow %d: denied while tokens remain", i)
		}
	}
	if b.Allow() {
		t.Fatalf("expected denial after capacity exhausted")
	}
}

func TestTokenBucket_RefillsOverTime(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := NewTokenBucket(clock, 2, 2)

	if !b.Allow() || !b.Allow() {
		t.Fatalf("initial capacity not available")
	}
	if b.Allow() {
		t.Fatalf("expected denial when empty")
	}

	clock.advance(500 * time.Millisecond) // 1 token at 2/sec
	if !b.Allow() {
		t.Fatalf("expected refill after elapsed time")
	}
	if b.Allow() {
		t.Fatalf("expected only one token to have refilled")
	}
}

func TestTokenBucket_RefillClampsAtCapacity(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := NewTokenBucket(clock, 2, 100)

	clock.advance(time.Hour)

	allowed := 0
	for i := 0; i < 10; i++ {
		if b.Allow() {
			allowed++
		}
	}
	if allowed != 2 {
		t.Fatalf("allowed=%d, want capacity 2", allowed)
	}
}

func TestTokenBucket_BackwardsClockDoesNotMintTokens(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := NewTokenBucket(clock, 1, 1)

	if !b.Allow() {
		t.Fatalf("initial token missing")
	}

	clock.advance(-time.Hour)
	if b.Allow() {
		t.Fatalf("expected denial after backwards clock jump")
	}
}
