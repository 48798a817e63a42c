// Package dispatch turns accepted command submissions into durable,
// idempotent, routed, retried, circuit-broken, eventually-completed-or-
// timed-out commands.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"

	"github.com/nocsys/conductor/internal/breaker"
	"github.com/nocsys/conductor/internal/chaos"
	"github.com/nocsys/conductor/internal/events"
	"github.com/nocsys/conductor/internal/retry"
	"github.com/nocsys/conductor/internal/store"
)

const (
	// DefaultQueueSize bounds the in-flight queue.
	DefaultQueueSize = 50

	// DefaultResponseTimeout is the per-command deadline for a device
	// result before the reconciler fails it.
	DefaultResponseTimeout = 10 * time.Second

	defaultReconcilerPoolSize = 64
	dedupeCacheTTL            = time.Hour

	maxKeyLength  = 200
	maxVerbLength = 100
)

// ErrQueueFull signals backpressure: nothing was persisted and the caller
// may retry later with the same idempotency key.
var ErrQueueFull = errors.New("dispatch: in-flight queue is full")

// ValidationError reports a rejected submission.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("dispatch: invalid %s: %s", e.Field, e.Reason)
}

// Sender hands a command frame to the device transport. True means the
// frame left the process, nothing more.
type Sender interface {
	SendCommand(deviceID, commandID, verb string) bool
}

type Config struct {
	Logger    *slog.Logger
	Store     store.Store
	Breakers  *breaker.Registry
	Retry     *retry.Executor
	Sender    Sender
	Publisher events.Publisher
	Clock     clockwork.Clock
	Chaos     chaos.Config

	QueueSize          int
	ResponseTimeout    time.Duration
	ReconcilerPoolSize int
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Breakers == nil {
		return errors.New("breaker registry is required")
	}
	if c.Retry == nil {
		return errors.New("retry executor is required")
	}
	if c.Sender == nil {
		return errors.New("sender is required")
	}
	if c.Publisher == nil {
		return errors.New("publisher is required")
	}
	if c.Clock == nil {
		return errors.New("clock is required")
	}
	return nil
}

// Router owns the bounded in-flight queue and the dispatch worker. A
// command enters the queue only after it has been persisted; enqueue
// order equals dispatch order under the single worker.
type Router struct {
	log       *slog.Logger
	store     store.Store
	breakers  *breaker.Registry
	retry     *retry.Executor
	sender    Sender
	publisher events.Publisher
	clock     clockwork.Clock
	chaos     chaos.Config

	respTimeout time.Duration
	slots       chan struct{}
	queue       chan *store.Command
	dedupe      *ttlcache.Cache[string, string]
	reconcilers pond.Pool
}

func NewRouter(cfg *Config) (*Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("dispatch: error validating config: %w", err)
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	respTimeout := cfg.ResponseTimeout
	if respTimeout <= 0 {
		respTimeout = DefaultResponseTimeout
	}
	poolSize := cfg.ReconcilerPoolSize
	if poolSize <= 0 {
		poolSize = defaultReconcilerPoolSize
	}

	return &Router{
		log:       cfg.Logger,
		store:     cfg.Store,
		breakers:  cfg.Breakers,
		retry:     cfg.Retry,
		sender:    cfg.Sender,
		publisher: cfg.Publisher,
		clock:     cfg.Clock,
		chaos:     cfg.Chaos,

		respTimeout: respTimeout,
		slots:       make(chan struct{}, queueSize),
		queue:       make(chan *store.Command, queueSize),
		dedupe: ttlcache.New(
			ttlcache.WithTTL[string, string](dedupeCacheTTL),
		),
		reconcilers: pond.NewPool(poolSize),
	}, nil
}

func validateSubmission(deviceID, key, verb string) error {
	if deviceID == "" {
		return &ValidationError{Field: "deviceId", Reason: "must not be empty"}
	}
	if key == "" {
		return &ValidationError{Field: "idempotencyKey", Reason: "must not be empty"}
	}
	if len(key) > maxKeyLength {
		return &ValidationError{Field: "idempotencyKey", Reason: fmt.Sprintf("must be at most %d characters", maxKeyLength)}
	}
	if verb == "" {
		return &ValidationError{Field: "command", Reason: "must not be empty"}
	}
	if len(verb) > maxVerbLength {
		return &ValidationError{Field: "command", Reason: fmt.Sprintf("must be at most %d characters", maxVerbLength)}
	}
	return nil
}

func dedupeKey(deviceID, key string) string {
	return deviceID + "\x00" + key
}

// Enqueue accepts one logical command submission. Re-submissions of a
// known (device id, idempotency key) pair return the existing command id
// without enqueueing again. ErrQueueFull is returned before anything is
// persisted when the in-flight queue has no room.
func (r *Router) Enqueue(ctx context.Context, deviceID, key, verb string) (string, error) {
	if err := validateSubmission(deviceID, key, verb); err != nil {
		return "", err
	}

	ck := dedupeKey(deviceID, key)
	if item := r.dedupe.Get(ck); item != nil {
		dedupeHits.WithLabelValues("cache").Inc()
		return item.Value(), nil
	}

	existing, err := r.store.FindCommandByKey(ctx, deviceID, key)
	switch {
	case err == nil:
		dedupeHits.WithLabelValues("store").Inc()
		r.dedupe.Set(ck, existing.ID, ttlcache.DefaultTTL)
		return existing.ID, nil
	case !errors.Is(err, store.ErrNotFound):
		return "", fmt.Errorf("dispatch: idempotency lookup: %w", err)
	}

	// Reserve a queue slot before persisting so backpressure rejects the
	// submission with nothing to refund.
	select {
	case r.slots <- struct{}{}:
	default:
		queueFull.Inc()
		return "", ErrQueueFull
	}

	cmd := &store.Command{
		ID:             uuid.NewString(),
		DeviceID:       deviceID,
		IdempotencyKey: key,
		Verb:           verb,
		CreatedAt:      r.clock.Now(),
		Status:         store.CommandPending,
	}
	if err := r.store.CreateCommand(ctx, cmd); err != nil {
		r.releaseSlot()
		if errors.Is(err, store.ErrDuplicateKey) {
			// Two submissions of the same key raced past the lookup;
			// reconcile to idempotent success.
			winner, lookupErr := r.store.FindCommandByKey(ctx, deviceID, key)
			if lookupErr != nil {
				return "", fmt.Errorf("dispatch: duplicate-race lookup: %w", lookupErr)
			}
			dedupeHits.WithLabelValues("race").Inc()
			r.dedupe.Set(ck, winner.ID, ttlcache.DefaultTTL)
			return winner.ID, nil
		}
		return "", fmt.Errorf("dispatch: persist command: %w", err)
	}

	r.queue <- cmd // capacity matches slots, never blocks
	r.dedupe.Set(ck, cmd.ID, ttlcache.DefaultTTL)
	enqueued.Inc()
	queueDepth.Set(float64(len(r.queue)))
	return cmd.ID, nil
}

func (r *Router) releaseSlot() {
	select {
	case <-r.slots:
	default:
	}
}

// Start launches the dispatch worker and runs the startup reconciliation
// scan for pending commands abandoned by a previous process.
func (r *Router) Start(ctx context.Context) {
	go r.dedupe.Start()
	r.reconcilePendingAtStartup(ctx)
	go r.run(ctx)
}

func (r *Router) run(ctx context.Context) {
	r.log.Info("dispatch: worker started", "queueSize", cap(r.queue), "responseTimeout", r.respTimeout)
	defer func() {
		r.dedupe.Stop()
		r.reconcilers.StopAndWait()
		r.log.Info("dispatch: worker stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-r.queue:
			r.releaseSlot()
			queueDepth.Set(float64(len(r.queue)))
			r.dispatch(ctx, cmd)
		}
	}
}

// dispatch drives one dequeued command through the breaker gate, chaos
// knobs and the retry-wrapped transport send. Per-command failures are
// confined here; the worker never exits because of them.
func (r *Router) dispatch(ctx context.Context, cmd *store.Command) {
	current, err := r.store.GetCommand(ctx, cmd.ID)
	if err != nil {
		r.log.Error("dispatch: failed to re-read command", "command", cmd.ID, "error", err)
		return
	}
	if current.Status != store.CommandPending {
		// Already reconciled; discard.
		return
	}

	br := r.breakers.Get(cmd.DeviceID)
	if !br.Allow() {
		r.log.Warn("dispatch: breaker open, skipping dispatch", "device", cmd.DeviceID, "command", cmd.ID)
		dispatched.WithLabelValues("breaker_open").Inc()
		r.scheduleReconcile(ctx, cmd, "circuit open")
		return
	}

	if r.chaos.ShouldDrop() {
		r.log.Warn("dispatch: chaos drop", "device", cmd.DeviceID, "command", cmd.ID)
		dispatched.WithLabelValues("chaos_drop").Inc()
		r.scheduleReconcile(ctx, cmd, "dropped")
		return
	}
	if d := r.chaos.Delay(); d > 0 {
		timer := r.clock.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
		}
	}

	start := r.clock.Now()
	err = r.retry.Execute(ctx, func() bool {
		return r.sender.SendCommand(cmd.DeviceID, cmd.ID, cmd.Verb)
	})
	switch {
	case err == nil:
		br.RecordSuccess()
		dispatched.WithLabelValues("sent").Inc()
		r.scheduleReconcile(ctx, cmd, "timeout")
	case errors.Is(err, retry.ErrRetriesExhausted):
		br.RecordFailure()
		dispatched.WithLabelValues("send_failed").Inc()
		latency := r.clock.Since(start).Milliseconds()
		r.failCommand(ctx, cmd.ID, "send failed after retries", latency)
	default:
		// Context cancelled mid-retry; the startup scan of the next
		// process reconciles this command.
		r.log.Info("dispatch: send cancelled", "command", cmd.ID, "error", err)
	}
}

// scheduleReconcile arms the response-timeout reconciliation for one
// command: after the response timeout, a still-pending command is failed
// with the given reason. Terminal commands are left untouched.
func (r *Router) scheduleReconcile(ctx context.Context, cmd *store.Command, reason string) {
	createdAt := cmd.CreatedAt
	id := cmd.ID
	// The deadline is armed here, not inside the task, so a backlogged
	// pool cannot postpone it.
	timer := r.clock.NewTimer(r.respTimeout)
	r.reconcilers.Submit(func() {
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
		}

		current, err := r.store.GetCommand(ctx, id)
		if err != nil {
			r.log.Error("dispatch: reconciler failed to read command", "command", id, "error", err)
			return
		}
		if current.Status != store.CommandPending {
			return
		}
		latency := r.clock.Now().Sub(createdAt).Milliseconds()
		r.failCommand(ctx, id, reason, latency)
		timeouts.WithLabelValues(reason).Inc()
	})
}

// failCommand transitions a command to failed and publishes the terminal
// snapshot. The conditional update in the store guarantees the terminal
// transition happens at most once.
func (r *Router) failCommand(ctx context.Context, id, reason string, latencyMS int64) {
	transitioned, err := r.store.CompleteCommand(ctx, id, store.CommandFailed, reason, latencyMS)
	if err != nil {
		r.log.Error("dispatch: failed to mark command failed", "command", id, "error", err)
		return
	}
	if !transitioned {
		return
	}
	snapshot, err := r.store.GetCommand(ctx, id)
	if err != nil {
		r.log.Error("dispatch: failed to re-read command", "command", id, "error", err)
		return
	}
	r.publisher.Publish(events.NewCommandCompleted(snapshot))
}

// reconcilePendingAtStartup fails pending commands older than the
// response timeout. In-process reconcilers are lost on crash; this scan
// restores the per-command deadline guarantee after a restart.
func (r *Router) reconcilePendingAtStartup(ctx context.Context) {
	cutoff := r.clock.Now().Add(-r.respTimeout)
	stale, err := r.store.ListPendingBefore(ctx, cutoff)
	if err != nil {
		r.log.Error("dispatch: startup scan failed", "error", err)
		return
	}
	for _, cmd := range stale {
		latency := r.clock.Now().Sub(cmd.CreatedAt).Milliseconds()
		r.failCommand(ctx, cmd.ID, "timeout", latency)
		timeouts.WithLabelValues("startup_scan").Inc()
	}
	if len(stale) > 0 {
		r.log.Info("dispatch: startup scan reconciled stale commands", "count", len(stale))
	}
}
