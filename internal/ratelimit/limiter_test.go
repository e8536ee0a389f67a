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

func TestLimiter_BurstThenExhausted(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	l := NewLimiter(clock, 3)

	for i := 0; i < 3; i++ {
		if !l.Allow() {
			t.Fatalf("message %d should be allowed", i)
		}
	}
	if l.Allow() {
		t.Fatalf("bucket should be empty")
	}
}

func TestLimiter_RefillsOverTime(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	l := NewLimiter(clock, 2)

	if !l.Allow() || !l.Allow() {
		t.Fatalf("initial burst should be allowed")
	}
	if l.Allow() {
		t.Fatalf("bucket should be empty")
	}

	clock.advance(500 * time.Millisecond) // refills exactly one token at 2/s
	if !l.Allow() {
		t.Fatalf("expected one refilled token")
	}
	if l.Allow() {
		t.Fatalf("only one token should have refilled")
	}
}

func TestLimiter_RefillClampsAtCapacity(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	l := NewLimiter(clock, 2)

	clock.advance(time.Hour)
	for i := 0; i < 2; i++ {
		if !l.Allow() {
			t.Fatalf("message %d should be allowed", i)
		}
	}
	if l.Allow() {
		t.Fatalf("capacity should clamp the refill")
	}
}

func TestLimiter_TimeGoingBackwards(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	l := NewLimiter(clock, 1)

	if !l.Allow() {
		t.Fatalf("first message should be allowed")
	}
	clock.now = clock.now.Add(-time.Hour)
	if l.Allow() {
		t.Fatalf("backwards time must not refill")
	}
}

func TestLimiter_ZeroRateDisablesLimiting(t *testing.T) {
	l := NewLimiter(&fakeClock{now: time.Unix(1000, 0)}, 0)
	for i := 0; i < 100; i++ {
		if !l.Allow() {
			t.Fatalf("rate 0 should disable limiting")
		}
	}
}
