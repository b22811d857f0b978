// Package coordinator observes trigger events, consults the staleness policy
// and runs at most one external fetch per key at a time, feeding outcomes back
// into the keyed request state.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/l0p7/fetchctrl/internal/keyed"
	"github.com/l0p7/fetchctrl/internal/reqstate"
)

var (
	// ErrClosed is returned for triggers arriving after Close.
	ErrClosed = errors.New("coordinator: closed")
	// ErrEmptyKeys is returned when a keyed operation names no key.
	ErrEmptyKeys = errors.New("coordinator: no keys given")
	// ErrNoFetcher is returned when neither Fetch nor BatchFetch is configured.
	ErrNoFetcher = errors.New("coordinator: fetch function required")
	// ErrBatchPaging rejects batch fetching combined with paging.
	ErrBatchPaging = errors.New("coordinator: batch fetch cannot be combined with paging")
	// ErrMissingResult fails keys a batch fetch did not return.
	ErrMissingResult = errors.New("coordinator: batch result missing key")
	// ErrFetchPanic wraps a panic raised by the fetch function.
	ErrFetchPanic = errors.New("coordinator: fetch panicked")
)

// Unit is the key type of unkeyed resources.
type Unit struct{}

// FetchRequest describes one external fetch.
type FetchRequest[K comparable] struct {
	Resource string
	// Key is the fetched key; in batch mode it is the first of Keys.
	Key  K
	Keys []K
	// Page is the resolved page in paging mode.
	Page   int
	Params reqstate.Params
	// ID is unique per coordinator and ties the outcome to its REQUEST.
	ID uint64
}

// FetchFunc fetches a single key.
type FetchFunc[K comparable, T any] func(ctx context.Context, req FetchRequest[K]) (T, error)

// BatchFetchFunc fetches several keys at once and returns a payload per key.
type BatchFetchFunc[K comparable, T any] func(ctx context.Context, req FetchRequest[K]) (map[K]T, error)

// Metrics receives coordinator telemetry. *metrics.Recorder satisfies it.
type Metrics interface {
	ObserveDecision(resource, reason string, eligible bool)
	ObserveFetch(resource, outcome string, duration time.Duration)
	ObserveInFlight(resource string, delta int)
	ObserveStaleOutcome(resource string, keys int)
}

type noopMetrics struct{}

func (noopMetrics) ObserveDecision(string, string, bool)       {}
func (noopMetrics) ObserveFetch(string, string, time.Duration) {}
func (noopMetrics) ObserveInFlight(string, int)                {}
func (noopMetrics) ObserveStaleOutcome(string, int)            {}

// Transition is handed to observers after every applied event.
type Transition[K comparable, T any] struct {
	Resource string
	Kind     reqstate.Kind
	// Keys are the keys the event named; nil for cache-wide events.
	Keys  []K
	State keyed.Mapping[K, T]
}

// Observer is called synchronously, in event order, while the coordinator
// holds its write lock. It must not call back into the coordinator.
type Observer[K comparable, T any] func(Transition[K, T])

// Config assembles a coordinator.
type Config[K comparable, T any] struct {
	Options    reqstate.Options
	Fetch      FetchFunc[K, T]
	BatchFetch BatchFetchFunc[K, T]
	// Pager is required when Options.Paging is set.
	Pager     reqstate.Pager[T]
	Clock     reqstate.Clock
	Logger    *slog.Logger
	Metrics   Metrics
	Observers []Observer[K, T]
	Evict     []EvictRule[K, T]
}

// Dispatch reports what a trigger did.
type Dispatch[K comparable] struct {
	Issued   []K
	Verdicts []keyed.Verdict[K]
}

// Coordinator owns the request state of one resource. Transitions are
// serialized; reads go through an atomically published snapshot.
type Coordinator[K comparable, T any] struct {
	name    string
	opts    reqstate.Options
	reducer keyed.Reducer[K, T]
	fetch   FetchFunc[K, T]
	batch   BatchFetchFunc[K, T]
	clock   reqstate.Clock
	logger  *slog.Logger
	metrics Metrics

	observers []Observer[K, T]
	evict     []EvictRule[K, T]
	fixed     *keyed.KeySet[K]

	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	closed   bool
	token    uint64
	snapshot atomic.Pointer[keyed.Mapping[K, T]]
	inFlight atomic.Int64
	wg       sync.WaitGroup
}

// New builds a coordinator for a keyed collection.
func New[K comparable, T any](name string, cfg Config[K, T]) (*Coordinator[K, T], error) {
	state, err := stateReducer(cfg)
	if err != nil {
		return nil, err
	}
	return newCoordinator(name, cfg, keyed.NewReducer[K](state), nil)
}

// NewResource builds a coordinator for an unkeyed resource. Its key arguments
// are ignored; pass Self() for readability.
func NewResource[T any](name string, cfg Config[Unit, T]) (*Coordinator[Unit, T], error) {
	state, err := stateReducer(cfg)
	if err != nil {
		return nil, err
	}
	self := Self()
	return newCoordinator(name, cfg, keyed.NewSingletonReducer[Unit](state), &self)
}

// Self is the key set of an unkeyed resource.
func Self() keyed.KeySet[Unit] { return keyed.One(Unit{}) }

func stateReducer[K comparable, T any](cfg Config[K, T]) (reqstate.Reducer[T], error) {
	if cfg.Fetch == nil && cfg.BatchFetch == nil {
		return reqstate.Reducer[T]{}, ErrNoFetcher
	}
	if cfg.BatchFetch != nil && cfg.Options.Paging {
		return reqstate.Reducer[T]{}, ErrBatchPaging
	}
	state, err := reqstate.NewReducer(cfg.Options.Paging, cfg.Pager, cfg.Clock)
	if err != nil {
		return reqstate.Reducer[T]{}, fmt.Errorf("coordinator: %w", err)
	}
	return state, nil
}

func newCoordinator[K comparable, T any](name string, cfg Config[K, T], reducer keyed.Reducer[K, T], fixed *keyed.KeySet[K]) (*Coordinator[K, T], error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var m Metrics = noopMetrics{}
	if cfg.Metrics != nil {
		m = cfg.Metrics
	}
	clock := cfg.Clock
	if clock == nil {
		clock = reqstate.SystemClock
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator[K, T]{
		name:      name,
		opts:      cfg.Options,
		reducer:   reducer,
		fetch:     cfg.Fetch,
		batch:     cfg.BatchFetch,
		clock:     clock,
		logger:    logger.With(slog.String("agent", "coordinator"), slog.String("resource", name)),
		metrics:   m,
		observers: append([]Observer[K, T](nil), cfg.Observers...),
		evict:     append([]EvictRule[K, T](nil), cfg.Evict...),
		fixed:     fixed,
		baseCtx:   ctx,
		cancel:    cancel,
	}
	empty := keyed.Mapping[K, T]{}
	c.snapshot.Store(&empty)
	return c, nil
}

// Name returns the resource name.
func (c *Coordinator[K, T]) Name() string { return c.name }

// Options returns the effective resource options.
func (c *Coordinator[K, T]) Options() reqstate.Options { return c.opts }

// Types names the resource's event types, e.g. "users_FETCH".
func (c *Coordinator[K, T]) Types() map[reqstate.Kind]string { return reqstate.Types(c.name) }

// Keyed reports whether the coordinator tracks a collection.
func (c *Coordinator[K, T]) Keyed() bool { return c.fixed == nil }

// State returns the current state for key.
func (c *Coordinator[K, T]) State(key K) (reqstate.State[T], bool) {
	if c.fixed != nil {
		key = c.fixed.Keys()[0]
	}
	return c.current().Get(key)
}

// Snapshot returns a copy of the whole mapping.
func (c *Coordinator[K, T]) Snapshot() keyed.Mapping[K, T] {
	return maps.Clone(c.current())
}

// InFlight reports how many fetches are running.
func (c *Coordinator[K, T]) InFlight() int { return int(c.inFlight.Load()) }

func (c *Coordinator[K, T]) current() keyed.Mapping[K, T] {
	return *c.snapshot.Load()
}

func (c *Coordinator[K, T]) keysFor(keys keyed.KeySet[K]) (keyed.KeySet[K], error) {
	if c.fixed != nil {
		return *c.fixed, nil
	}
	if keys.Len() == 0 {
		return keys, ErrEmptyKeys
	}
	return keys, nil
}

// Trigger handles a FETCH: keys the staleness policy finds eligible move to
// Requested and their fetches start in the background. Keys that are not
// eligible are skipped silently.
func (c *Coordinator[K, T]) Trigger(ctx context.Context, keys keyed.KeySet[K], params reqstate.Params) (Dispatch[K], error) {
	keys, err := c.keysFor(keys)
	if err != nil {
		return Dispatch[K]{}, err
	}
	if err := ctx.Err(); err != nil {
		return Dispatch[K]{}, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Dispatch[K]{}, ErrClosed
	}
	verdicts := keyed.Evaluate(c.current(), keys, c.opts, params, c.clock.Now())
	eligible := make([]keyed.Verdict[K], 0, len(verdicts))
	for _, v := range verdicts {
		c.metrics.ObserveDecision(c.name, string(v.Decision.Reason), v.Decision.Eligible)
		if v.Decision.Eligible {
			eligible = append(eligible, v)
		}
	}
	if c.logger.Enabled(ctx, slog.LevelDebug) {
		c.logger.LogAttrs(ctx, slog.LevelDebug, "fetch trigger evaluated",
			slog.Int("keys", len(verdicts)),
			slog.Int("eligible", len(eligible)),
		)
	}
	if len(eligible) == 0 {
		c.mu.Unlock()
		return Dispatch[K]{Verdicts: verdicts}, nil
	}
	jobs, err := c.issueLocked(eligible, params)
	c.mu.Unlock()
	if err != nil {
		return Dispatch[K]{Verdicts: verdicts}, err
	}

	c.start(ctx, jobs, params)
	return Dispatch[K]{Issued: verdictKeys(eligible), Verdicts: verdicts}, nil
}

// Request issues a fetch for the keys without consulting the staleness
// policy. Keys with a fetch in flight are still skipped.
func (c *Coordinator[K, T]) Request(ctx context.Context, keys keyed.KeySet[K], params reqstate.Params) (Dispatch[K], error) {
	keys, err := c.keysFor(keys)
	if err != nil {
		return Dispatch[K]{}, err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Dispatch[K]{}, ErrClosed
	}
	targets := c.requestTargetsLocked(keys)
	if len(targets) == 0 {
		c.mu.Unlock()
		return Dispatch[K]{}, nil
	}
	jobs, err := c.issueLocked(targets, params)
	c.mu.Unlock()
	if err != nil {
		return Dispatch[K]{}, err
	}
	c.start(ctx, jobs, params)
	return Dispatch[K]{Issued: verdictKeys(targets)}, nil
}

func (c *Coordinator[K, T]) requestTargetsLocked(keys keyed.KeySet[K]) []keyed.Verdict[K] {
	m := c.current()
	var targets []keyed.Verdict[K]
	for _, key := range keys.Keys() {
		s, ok := m.Get(key)
		if ok && s.IsFetching {
			continue
		}
		page := 0
		if ok {
			page = s.Page
		}
		targets = append(targets, keyed.Verdict[K]{Key: key, Page: page})
	}
	return targets
}

// Invalidate marks keys as invalid so the next trigger refetches them.
func (c *Coordinator[K, T]) Invalidate(ctx context.Context, keys keyed.KeySet[K]) error {
	return c.applyKeys(ctx, reqstate.KindInvalidate, keys)
}

// Clear resets keys to their initial state.
func (c *Coordinator[K, T]) Clear(ctx context.Context, keys keyed.KeySet[K]) error {
	return c.applyKeys(ctx, reqstate.KindClear, keys)
}

// ResetPaging restarts pagination for keys while keeping fetch fields.
func (c *Coordinator[K, T]) ResetPaging(ctx context.Context, keys keyed.KeySet[K]) error {
	return c.applyKeys(ctx, reqstate.KindResetPaging, keys)
}

// InvalidateAll drops every key of a collection.
func (c *Coordinator[K, T]) InvalidateAll(ctx context.Context) error {
	return c.Dispatch(ctx, keyed.Event[K, T]{Event: reqstate.Signal[T](reqstate.KindInvalidateAll)})
}

// ClearAll drops every key of a collection, or resets an unkeyed resource.
func (c *Coordinator[K, T]) ClearAll(ctx context.Context) error {
	return c.Dispatch(ctx, keyed.Event[K, T]{Event: reqstate.Signal[T](reqstate.KindClearAll)})
}

func (c *Coordinator[K, T]) applyKeys(ctx context.Context, kind reqstate.Kind, keys keyed.KeySet[K]) error {
	return c.Dispatch(ctx, keyed.Event[K, T]{Event: reqstate.Signal[T](kind), Keys: keys})
}

// Dispatch routes an event from an external event source. FETCH and REQUEST
// go through Trigger and Request; every other kind is applied directly.
func (c *Coordinator[K, T]) Dispatch(ctx context.Context, ev keyed.Event[K, T]) error {
	switch ev.Kind {
	case reqstate.KindFetch:
		_, err := c.Trigger(ctx, ev.Keys, ev.Params)
		return err
	case reqstate.KindRequest:
		_, err := c.Request(ctx, ev.Keys, ev.Params)
		return err
	case reqstate.KindInvalidateAll, reqstate.KindClearAll:
	default:
		keys, err := c.keysFor(ev.Keys)
		if err != nil {
			return err
		}
		ev.Keys = keys
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applyLocked(ctx, ev)
}

// Run dispatches events until the channel closes or ctx ends.
func (c *Coordinator[K, T]) Run(ctx context.Context, events <-chan keyed.Event[K, T]) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := c.Dispatch(ctx, ev); err != nil {
				if errors.Is(err, ErrClosed) {
					return err
				}
				c.logger.Warn("event dispatch failed", slog.String("kind", ev.Kind.String()), slog.Any("error", err))
			}
		}
	}
}

// Wait blocks until every running fetch has settled.
func (c *Coordinator[K, T]) Wait() {
	c.wg.Wait()
}

// Close rejects new triggers and waits for running fetches, including those
// issued just before the closed flag was set. When ctx ends first the
// remaining fetches are cancelled.
func (c *Coordinator[K, T]) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.cancel()
		return nil
	case <-ctx.Done():
		c.cancel()
		<-done
		return ctx.Err()
	}
}

func (c *Coordinator[K, T]) applyLocked(ctx context.Context, ev keyed.Event[K, T]) error {
	m := c.current()
	if stale := c.reducer.StaleKeys(m, ev); len(stale) > 0 {
		c.metrics.ObserveStaleOutcome(c.name, len(stale))
		c.logger.LogAttrs(ctx, slog.LevelWarn, "discarding outcome for superseded request",
			slog.String("kind", ev.Kind.String()),
			slog.Uint64("request_id", ev.Token),
			slog.Int("keys", len(stale)),
		)
	}
	next, err := c.reducer.Apply(m, ev)
	if err != nil {
		return fmt.Errorf("coordinator: apply %s: %w", ev.Kind, err)
	}
	c.snapshot.Store(&next)
	if len(c.observers) > 0 {
		tr := Transition[K, T]{Resource: c.name, Kind: ev.Kind, State: next}
		if ev.Keys.Len() > 0 {
			tr.Keys = ev.Keys.Keys()
		}
		for _, observe := range c.observers {
			observe(tr)
		}
	}
	return nil
}

func verdictKeys[K comparable](verdicts []keyed.Verdict[K]) []K {
	keys := make([]K, len(verdicts))
	for i, v := range verdicts {
		keys[i] = v.Key
	}
	return keys
}
