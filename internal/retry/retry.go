// Package retry bounds transient-failure absorption around device sends.
// Delays carry independent jitter so retry storms across devices
// de-correlate.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
)

// ErrRetriesExhausted is returned after every attempt reported failure.
var ErrRetriesExhausted = errors.New("retry: attempts exhausted")

// DefaultMaxAttempts bounds the number of operation invocations.
const DefaultMaxAttempts = 3

const jitterSpan = 50 * time.Millisecond

var baseDelays = []time.Duration{
	100 * time.Millisecond,
	300 * time.Millisecond,
	700 * time.Millisecond,
}

// sendPolicy is the dispatch delay schedule: fixed bases plus a fresh
// uniform [0, 50ms) jitter per delay.
type sendPolicy struct {
	mu   sync.Mutex
	next int
}

// NewSendPolicy returns the delay policy used between dispatch attempts.
func NewSendPolicy() backoff.BackOff {
	return &sendPolicy{}
}

func (p *sendPolicy) NextBackOff() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.next >= len(baseDelays) {
		return backoff.Stop
	}
	d := baseDelays[p.next] + rand.N(jitterSpan)
	p.next++
	return d
}

func (p *sendPolicy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next = 0
}

// Executor invokes an operation up to MaxAttempts times, waiting one
// policy delay after each failed attempt. Cancellation during a delay
// propagates immediately.
type Executor struct {
	clock       clockwork.Clock
	maxAttempts int
	newPolicy   func() backoff.BackOff
}

func NewExecutor(clock clockwork.Clock) *Executor {
	return &Executor{
		clock:       clock,
		maxAttempts: DefaultMaxAttempts,
		newPolicy:   NewSendPolicy,
	}
}

// Execute runs op until it reports true. It returns nil on success,
// ctx.Err() if the context fires during a delay, and ErrRetriesExhausted
// after all attempts reported false.
func (e *Executor) Execute(ctx context.Context, op func() bool) error {
	policy := e.newPolicy()
	for attempt := 0; attempt < e.maxAttempts; attempt++ {
		if op() {
			return nil
		}
		d := policy.NextBackOff()
		if d == backoff.Stop {
			break
		}
		timer := e.clock.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.Chan():
		}
	}
	return ErrRetriesExhausted
}
