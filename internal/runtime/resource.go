package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/l0p7/fetchctrl/internal/config"
	"github.com/l0p7/fetchctrl/internal/coordinator"
	"github.com/l0p7/fetchctrl/internal/keyed"
	"github.com/l0p7/fetchctrl/internal/reqstate"
	"github.com/l0p7/fetchctrl/internal/store"
)

// SelfKey is the key under which an unkeyed resource is reported and mirrored.
const SelfKey = "self"

// ErrUnsupportedKind rejects event kinds callers may not dispatch directly.
var ErrUnsupportedKind = errors.New("runtime: event kind cannot be dispatched")

// Resource is the string-keyed face of a configured coordinator.
type Resource interface {
	Name() string
	Description() string
	Keyed() bool
	Batch() bool
	Options() reqstate.Options
	Types() map[reqstate.Kind]string
	Signals() []string
	Apply(ctx context.Context, kind reqstate.Kind, keys []string, params reqstate.Params) (Dispatch, error)
	Signal(ctx context.Context, name string) (bool, error)
	Entries(keys []string) ([]store.Entry, error)
	InFlight() int
	Close(ctx context.Context) error
}

// Dispatch reports the keys a FETCH or REQUEST issued and, for FETCH, the
// staleness decision taken for every named key.
type Dispatch struct {
	Issued    []string   `json:"issued"`
	Decisions []Decision `json:"decisions,omitempty"`
}

// Decision is the reported form of a staleness verdict.
type Decision struct {
	Key      string `json:"key"`
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason"`
	Page     int    `json:"page,omitempty"`
}

type handle[K comparable] struct {
	c      *coordinator.Coordinator[K, any]
	cfg    config.ResourceConfig
	toKeys func([]string) keyed.KeySet[K]
	name   func(K) string
}

func keyedHandle(c *coordinator.Coordinator[string, any], cfg config.ResourceConfig) *handle[string] {
	return &handle[string]{
		c:      c,
		cfg:    cfg,
		toKeys: func(keys []string) keyed.KeySet[string] { return keyed.Many(keys...) },
		name:   stringKey,
	}
}

func singletonHandle(c *coordinator.Coordinator[coordinator.Unit, any], cfg config.ResourceConfig) *handle[coordinator.Unit] {
	return &handle[coordinator.Unit]{
		c:      c,
		cfg:    cfg,
		toKeys: func([]string) keyed.KeySet[coordinator.Unit] { return coordinator.Self() },
		name:   unitKey,
	}
}

func stringKey(key string) string { return key }

func unitKey(coordinator.Unit) string { return SelfKey }

func (h *handle[K]) Name() string                    { return h.c.Name() }
func (h *handle[K]) Description() string             { return h.cfg.Description }
func (h *handle[K]) Keyed() bool                     { return h.c.Keyed() }
func (h *handle[K]) Batch() bool                     { return h.cfg.Batch }
func (h *handle[K]) Options() reqstate.Options       { return h.c.Options() }
func (h *handle[K]) Types() map[reqstate.Kind]string { return h.c.Types() }
func (h *handle[K]) Signals() []string               { return h.c.Signals() }
func (h *handle[K]) InFlight() int                   { return h.c.InFlight() }

func (h *handle[K]) Close(ctx context.Context) error { return h.c.Close(ctx) }

func (h *handle[K]) Signal(ctx context.Context, name string) (bool, error) {
	return h.c.Signal(ctx, name)
}

func (h *handle[K]) Apply(ctx context.Context, kind reqstate.Kind, keys []string, params reqstate.Params) (Dispatch, error) {
	ks := h.toKeys(keys)
	switch kind {
	case reqstate.KindFetch:
		d, err := h.c.Trigger(ctx, ks, params)
		return h.report(d), err
	case reqstate.KindRequest:
		d, err := h.c.Request(ctx, ks, params)
		return h.report(d), err
	case reqstate.KindInvalidate, reqstate.KindClear, reqstate.KindResetPaging:
		return Dispatch{}, h.c.Dispatch(ctx, keyed.Event[K, any]{Event: reqstate.Signal[any](kind), Keys: ks})
	case reqstate.KindInvalidateAll, reqstate.KindClearAll:
		return Dispatch{}, h.c.Dispatch(ctx, keyed.Event[K, any]{Event: reqstate.Signal[any](kind)})
	default:
		return Dispatch{}, fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	}
}

func (h *handle[K]) report(d coordinator.Dispatch[K]) Dispatch {
	out := Dispatch{Issued: make([]string, 0, len(d.Issued))}
	for _, key := range d.Issued {
		out.Issued = append(out.Issued, h.name(key))
	}
	for _, v := range d.Verdicts {
		out.Decisions = append(out.Decisions, Decision{
			Key:      h.name(v.Key),
			Eligible: v.Decision.Eligible,
			Reason:   string(v.Decision.Reason),
			Page:     v.Page,
		})
	}
	return out
}

// Entries returns the mirrored form of the named keys. A keyed resource
// without keys reports every entry, sorted by key.
func (h *handle[K]) Entries(keys []string) ([]store.Entry, error) {
	snapshot := h.c.Snapshot()
	var targets []K
	if h.c.Keyed() && len(keys) > 0 {
		targets = h.toKeys(keys).Keys()
	} else {
		for key := range snapshot {
			targets = append(targets, key)
		}
	}
	out := make([]store.Entry, 0, len(targets))
	for _, key := range targets {
		s, ok := snapshot.Get(key)
		if !ok {
			continue
		}
		entry, err := store.FromState(h.c.Name(), h.name(key), s)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	if !h.c.Keyed() || len(keys) == 0 {
		sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	}
	return out, nil
}
