package ratelimit

import (
	"sync"
	"time"
)

// nanoTokensPerToken is the fixed-point scale: one token is 1e9 nano-tokens,
// so a rate of X tokens/sec adds X nano-tokens per elapsed nanosecond. The
// integer representation avoids float rounding drift.
const nanoTokensPerToken = int64(time.Second)

// Limiter is a deterministic token bucket used to cap the rate of inbound
// signaling messages on a single connection. Capacity doubles as burst.
//
// A rate <= 0 disables limiting (Allow always succeeds).
type Limiter struct {
	mu sync.Mutex

	clock Clock
	rate  int64 // tokens/sec; also the bucket capacity

	available int64 // nano-tokens
	last      time.Time
}

func NewLimiter(clock Clock, perSecond int) *Limiter {
	if clock == nil {
		clock = RealClock{}
	}
	rate := int64(perSecond)
	if rate < 0 {
		rate = 0
	}
	return &Limiter{
		clock:     clock,
		rate:      rate,
		available: rate * nanoTokensPerToken,
		last:      clock.Now(),
	}
}

// Allow consumes one token if available.
func (l *Limiter) Allow() bool {
	if l.rate <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillLocked()

	if l.available < nanoTokensPerToken {
		return false
	}
	l.available -= nanoTokensPerToken
	return true
}

func (l *Limiter) refillLocked() {
	now := l.clock.Now()
	if now.Before(l.last) {
		// Time went backwards; move the reference point without refilling.
		l.last = now
		return
	}

	elapsed := now.Sub(l.last).Nanoseconds()
	if elapsed <= 0 {
		return
	}
	l.last = now

	capacity := l.rate * nanoTokensPerToken
	need := capacity - l.available
	if need <= 0 {
		l.available = capacity
		return
	}

	// Clamp to capacity before multiplying so elapsed*rate cannot overflow.
	if elapsed >= need/l.rate {
		l.available = capacity
		return
	}
	l.available += elapsed * l.rate
}
