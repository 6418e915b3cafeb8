// Package ratelimit provides the per-connection message allowance used by the
// signaling relay.
package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time so buckets can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// One token is stored as 1e9 nano-tokens so that a refill rate in tokens/sec
// equals nano-tokens per elapsed nanosecond and no float rounding is needed.
const nanoPerToken = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket allows bursts up to its capacity and refills at a fixed integer
// rate in tokens per second.
type TokenBucket struct {
	mu    sync.Mutex
	clock Clock

	capacity int64 // nano-tokens
	rate     int64 // tokens/sec
	avail    int64 // nano-tokens
	last     time.Time
}

// NewTokenBucket returns a full bucket. Negative arguments are treated as 0; a
// zero-capacity bucket rejects every non-empty request.
func NewTokenBucket(clock Clock, capacityTokens, tokensPerSecond int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	capacity := toNano(max(capacityTokens, 0))
	return &TokenBucket{
		clock:    clock,
		capacity: capacity,
		rate:     max(tokensPerSecond, 0),
		avail:    capacity,
		last:     clock.Now(),
	}
}

// Allow takes n tokens if they are all available. n <= 0 always succeeds.
func (b *TokenBucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}
	cost := toNano(n)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.avail < cost {
		return false
	}
	b.avail -= cost
	return true
}

func (b *TokenBucket) refill() {
	now := b.clock.Now()
	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now
	// A clock that moved backwards only resets the reference point.
	if elapsed <= 0 || b.rate == 0 {
		return
	}

	missing := b.capacity - b.avail
	if missing <= 0 {
		return
	}
	// elapsed*rate may overflow; anything past the fill time just tops up.
	if elapsed >= missing/b.rate {
		b.avail = b.capacity
		return
	}
	b.avail = min(b.avail+elapsed*b.rate, b.capacity)
}

func toNano(tokens int64) int64 {
	if tokens > maxInt64/nanoPerToken {
		return maxInt64
	}
	return tokens * nanoPerToken
}
