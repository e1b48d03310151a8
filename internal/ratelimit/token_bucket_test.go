package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/saltyrtc-client/internal/metrics"
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
	b := NewTokenBucket(clk, 5, 5)

	if !b.Allow(5) {
		t.Fatalf("expected initial burst to succeed")
	}
	if b.Allow(1) {
		t.Fatalf("expected bucket to be empty")
	}

	clk.Advance(200 * time.Millisecond) // one token at 5/sec
	if !b.Allow(1) {
		t.Fatalf("expected refill after time advance")
	}
	if b.Allow(1) {
		t.Fatalf("expected only one token to have been refilled")
	}
}

func TestTokenBucket_ClampsToCapacity(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 2, 1)
	b.Allow(2)

	clk.Advance(time.Hour)
	if got := b.Tokens(); got != 2 {
		t.Fatalf("Tokens: got %d want 2", got)
	}
}

func TestTokenBucket_ClockGoesBackwards(t *testing.T) {
	clk := &fakeClock{now: time.Unix(100, 0)}
	b := NewTokenBucket(clk, 1, 1)
	b.Allow(1)

	clk.Advance(-10 * time.Second)
	if b.Allow(1) {
		t.Fatalf("expected no refill when time goes backwards")
	}
	clk.Advance(time.Second)
	if !b.Allow(1) {
		t.Fatalf("expected refill relative to the new reference point")
	}
}

func TestTokenBucket_ZeroRateNeverRefills(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 1, 0)
	b.Allow(1)
	clk.Advance(time.Hour)
	if b.Allow(1) {
		t.Fatalf("expected zero rate bucket to stay empty")
	}
	if !b.Allow(0) {
		t.Fatalf("expected zero cost to succeed")
	}
}

func TestInboundGuard(t *testing.T) {
	if g := NewInboundGuard(nil, 0, nil); g != nil || !g.Allow() {
		t.Fatalf("disabled guard must admit everything")
	}

	clk := &fakeClock{now: time.Unix(0, 0)}
	m := metrics.New()
	g := NewInboundGuard(clk, 3, m)
	for i := 0; i < 3; i++ {
		if !g.Allow() {
			t.Fatalf("frame %d: expected to be admitted", i)
		}
	}
	if g.Allow() {
		t.Fatalf("expected fourth frame to be rejected")
	}
	if got := m.Get(metrics.InboundRateLimited); got != 1 {
		t.Fatalf("InboundRateLimited: got %d want 1", got)
	}
	clk.Advance(time.Second)
	if !g.Allow() {
		t.Fatalf("expected guard to recover after a second")
	}
}
