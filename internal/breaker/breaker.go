// Package breaker holds per-device circuit breakers. A breaker
// short-circuits dispatch after consecutive send failures to protect both
// the device and the server.
package breaker

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	// DefaultFailureThreshold is the consecutive-failure count that opens
	// a breaker.
	DefaultFailureThreshold = 5

	// DefaultOpenWindow is how long an opened breaker rejects dispatch
	// before permitting a half-open probe.
	DefaultOpenWindow = 10 * time.Second
)

type State uint8

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Breaker tracks consecutive failures for one device. It is open while
// failures have reached the threshold and the open window has not yet
// elapsed; after the window it is half-open, permitting a probe dispatch.
type Breaker struct {
	mu        sync.Mutex
	clock     clockwork.Clock
	threshold int
	window    time.Duration

	failures int
	openedAt time.Time
}

// RecordSuccess resets the consecutive-failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
}

// RecordFailure increments the consecutive-failure count. The moment the
// threshold is reached the open window starts; further failures while open
// or half-open restart it.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold {
		b.openedAt = b.clock.Now()
	}
}

// State reports closed, open or half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures < b.threshold {
		return StateClosed
	}
	if b.clock.Since(b.openedAt) < b.window {
		return StateOpen
	}
	return StateHalfOpen
}

// Allow reports whether a dispatch may proceed. Half-open permits the
// probe; its outcome is fed back via RecordSuccess/RecordFailure.
func (b *Breaker) Allow() bool {
	return b.State() != StateOpen
}

// Failures returns the current consecutive-failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Registry hands out the stable breaker instance for each device id,
// creating it on first use. Concurrent Get calls for the same id return
// the same instance.
type Registry struct {
	mu        sync.Mutex
	clock     clockwork.Clock
	threshold int
	window    time.Duration
	breakers  map[string]*Breaker
}

func NewRegistry(clock clockwork.Clock) *Registry {
	return &Registry{
		clock:     clock,
		threshold: DefaultFailureThreshold,
		window:    DefaultOpenWindow,
		breakers:  make(map[string]*Breaker),
	}
}

func (r *Registry) Get(deviceID string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[deviceID]
	if !ok {
		b = &Breaker{clock: r.clock, threshold: r.threshold, window: r.window}
		r.breakers[deviceID] = b
	}
	return b
}
