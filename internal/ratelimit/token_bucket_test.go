package ratelimit

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTokenBucket_BurstThenRefill(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 10, 10)

	for i := 0; i < 10; i++ {
		if !b.Allow(1) {
			t.Fatalf("message %d rejected inside burst", i)
		}
	}
	if b.Allow(1) {
		t.Fatalf("expected bucket to be empty after burst")
	}

	clk.Advance(100 * time.Millisecond)
	if !b.Allow(1) {
		t.Fatalf("expected one token after 100ms at 10/s")
	}
	if b.Allow(1) {
		t.Fatalf("expected only one token to have refilled")
	}
}

func TestTokenBucket_ClampsToCapacity(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 2, 1)

	b.Allow(2)
	clk.Advance(time.Hour)

	if !b.Allow(2) {
		t.Fatalf("expected full refill")
	}
	if b.Allow(1) {
		t.Fatalf("refill exceeded capacity")
	}
}

func TestTokenBucket_ClockMovingBackwards(t *testing.T) {
	clk := &fakeClock{now: time.Unix(100, 0)}
	b := NewTokenBucket(clk, 1, 1)
	b.Allow(1)

	clk.Advance(-10 * time.Second)
	if b.Allow(1) {
		t.Fatalf("backwards clock must not refill")
	}

	clk.Advance(time.Second)
	if !b.Allow(1) {
		t.Fatalf("expected refill measured from the new reference point")
	}
}

func TestTokenBucket_ZeroCapacityAndEmptyRequests(t *testing.T) {
	b := NewTokenBucket(&fakeClock{now: time.Unix(0, 0)}, 0, 100)
	if b.Allow(1) {
		t.Fatalf("zero-capacity bucket allowed a token")
	}
	if !b.Allow(0) {
		t.Fatalf("empty request must always succeed")
	}
}
