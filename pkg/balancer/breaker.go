package balancer

import (
	"sync"
	"time"
)

// BreakerState is the three-state latch guarding one URL.
type BreakerState int32

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

const (
	breakerThreshold = 3
	breakerCooldown  = 30 * time.Second
)

// breaker is the per-URL circuit breaker. Opening requires breakerThreshold
// consecutive failures; an open breaker admits one trial request after the
// cooldown by moving to half-open.
type breaker struct {
	mu          sync.Mutex
	state       BreakerState
	failures    int
	lastFailure time.Time
	nextRetry   time.Time
	now         func() time.Time // injectable for tests
}

func newBreaker() *breaker {
	return &breaker{now: time.Now}
}

// tripped reports whether the breaker currently rejects selection: open and
// still inside the cooldown. Does not mutate state.
func (b *breaker) tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == BreakerOpen && b.now().Before(b.nextRetry)
}

// admit is called when an endpoint is actually selected. An open breaker past
// its retry deadline transitions to half-open and lets the request through.
func (b *breaker) admit() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && !b.now().Before(b.nextRetry) {
		b.state = BreakerHalfOpen
	}
}

// success closes the breaker and clears the failure streak.
func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
}

// failure bumps the streak; a closed breaker opens at the threshold, a
// half-open breaker reopens immediately, both with a fresh retry deadline.
func (b *breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = b.now()
	switch {
	case b.state == BreakerHalfOpen:
		b.state = BreakerOpen
		b.nextRetry = b.now().Add(breakerCooldown)
	case b.state == BreakerClosed && b.failures >= breakerThreshold:
		b.state = BreakerOpen
		b.nextRetry = b.now().Add(breakerCooldown)
	}
}

func (b *breaker) snapshot() (BreakerState, int, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, b.failures, b.nextRetry
}
