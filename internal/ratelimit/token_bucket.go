// Package ratelimit provides a deterministic token bucket used to bound
// inbound signaling message rates on relay connections.
package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// nanoTokens is the fixed-point scale: one token is 1e9 nano-tokens, so a
// fill rate of X tokens/sec adds X nano-tokens per elapsed nanosecond. This
// avoids float rounding drift under sustained load.
const nanoTokens int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket refills at an integer tokens/sec rate against a Clock.
type TokenBucket struct {
	mu    sync.Mutex
	clock Clock

	capacity int64 // tokens
	fillRate int64 // tokens/sec

	available int64 // nano-tokens
	last      time.Time
}

func NewTokenBucket(clock Clock, capacity, fillRate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if fillRate < 0 {
		fillRate = 0
	}
	return &TokenBucket{
		clock:     clock,
		capacity:  capacity,
		fillRate:  fillRate,
		available: scale(capacity),
		last:      clock.Now(),
	}
}

// Allow consumes tokens if available. tokens <= 0 always succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}
	cost := scale(tokens)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards; move the reference point without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	if elapsed <= 0 {
		return
	}
	b.last = now

	if b.fillRate <= 0 || b.capacity <= 0 {
		return
	}

	limit := scale(b.capacity)
	need := limit - b.available
	if need <= 0 {
		b.available = limit
		return
	}

	// Clamp before multiplying so elapsed*fillRate cannot overflow.
	if fullAfter := need / b.fillRate; fullAfter <= 0 || elapsed >= fullAfter {
		b.available = limit
		return
	}
	b.available += elapsed * b.fillRate
	if b.available > limit {
		b.available = limit
	}
}

func scale(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanoTokens {
		return maxInt64
	}
	return tokens * nanoTokens
}
