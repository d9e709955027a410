// Package bucket implements a refill-on-read token bucket rate limiter with
// burst capacity, used by both the admission controller (per-class limits)
// and the congestion controller (pacing).
package bucket

import (
	"sync"
	"time"
)

// TokenBucket is a mutex-guarded rate limiter. Refill happens lazily, on
// every Consume/Available call, based on elapsed time since the last update.
type TokenBucket struct {
	mu         sync.Mutex
	rate       float64 // tokens per second
	burst      float64
	tokens     float64
	lastUpdate time.Time
	consumed   uint64
	rejected   uint64
}

// New creates a TokenBucket with the given refill rate and burst capacity,
// starting full.
func New(rate, burst float64) *TokenBucket {
	return NewWithInitial(rate, burst, burst)
}

// NewWithInitial creates a TokenBucket starting with initial tokens.
func NewWithInitial(rate, burst, initial float64) *TokenBucket {
	return &TokenBucket{
		rate:       rate,
		burst:      burst,
		tokens:     initial,
		lastUpdate: time.Now(),
	}
}

func (b *TokenBucket) refillLocked() {
	now := time.Now()
	elapsedMS := now.Sub(b.lastUpdate).Milliseconds()
	if elapsedMS <= 0 {
		return
	}
	b.tokens = min(b.burst, b.tokens+float64(elapsedMS)/1000.0*b.rate)
	b.lastUpdate = now
}

// Consume attempts to atomically check-and-decrement n tokens, returning
// whether it succeeded.
func (b *TokenBucket) Consume(n float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	if b.tokens >= n {
		b.tokens -= n
		b.consumed += uint64(n)
		return true
	}
	b.rejected += uint64(n)
	return false
}

// TryConsumeOrWait polls at ≤10ms increments until either n tokens are
// consumed or maxWait elapses.
func (b *TokenBucket) TryConsumeOrWait(n float64, maxWait time.Duration) bool {
	deadline := time.Now().Add(maxWait)
	for {
		if b.Consume(n) {
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		sleep := 10 * time.Millisecond
		if remaining < sleep {
			sleep = remaining
		}
		time.Sleep(sleep)
	}
}

// Available returns the current token count after refilling.
func (b *TokenBucket) Available() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.tokens
}

// Reset refills the bucket to full and rebases the refill clock.
func (b *TokenBucket) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens = b.burst
	b.lastUpdate = time.Now()
}

// Stats is a point-in-time snapshot of bucket configuration and counters.
type Stats struct {
	Rate      float64
	Burst     float64
	Available float64
	Consumed  uint64
	Rejected  uint64
}

// Snapshot returns the bucket's current Stats.
func (b *TokenBucket) Snapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return Stats{
		Rate:      b.rate,
		Burst:     b.burst,
		Available: b.tokens,
		Consumed:  b.consumed,
		Rejected:  b.rejected,
	}
}
