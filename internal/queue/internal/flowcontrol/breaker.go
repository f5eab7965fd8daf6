// Package flowcontrol decides when a queue backend is given up on.
package flowcontrol

import (
	"sync"
	"time"
)

// State represents the breaker state.
type State int

const (
	// StateClosed means calls go to the primary backend.
	StateClosed State = iota
	// StateOpen means the primary backend has been abandoned.
	StateOpen
	// StateHalfOpen means one probe call may go to the primary backend.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// BreakerOptions configures a Breaker.
type BreakerOptions struct {
	// Threshold is the number of consecutive failures that open the breaker.
	Threshold int
	// Cooldown is how long the breaker stays open before probing. A negative value
	// latches the breaker open for good.
	Cooldown time.Duration
	// Now overrides the clock.
	Now func() time.Time
}

// Breaker counts consecutive backend failures.
type Breaker struct {
	mu           sync.Mutex
	state        State
	failures     int
	threshold    int
	cooldown     time.Duration
	lastFailTime time.Time
	now          func() time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(opts BreakerOptions) *Breaker {
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = 1
	}
	cooldown := opts.Cooldown
	if cooldown == 0 {
		cooldown = 30 * time.Second
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Breaker{
		state:     StateClosed,
		threshold: threshold,
		cooldown:  cooldown,
		now:       now,
	}
}

// Allow reports whether the primary backend may be called.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	}
	if b.cooldown < 0 {
		return false
	}
	if b.now().Sub(b.lastFailTime) > b.cooldown {
		b.state = StateHalfOpen
		return true
	}
	return false
}

// RecordSuccess resets the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen {
		return
	}
	b.state = StateClosed
	b.failures = 0
}

// RecordFailure counts a failure and reports whether the breaker is now open.
func (b *Breaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailTime = b.now()
	if b.state == StateHalfOpen || (b.state == StateClosed && b.failures >= b.threshold) {
		b.state = StateOpen
	}
	return b.state == StateOpen
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
