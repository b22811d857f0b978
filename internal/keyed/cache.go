// Package keyed maps request state transitions and staleness decisions across
// a collection of independently cached keys.
package keyed

import (
	"errors"
	"maps"
	"time"

	"github.com/l0p7/fetchctrl/internal/policy"
	"github.com/l0p7/fetchctrl/internal/reqstate"
)

// ErrNoKeys is returned when a per-key event names no key.
var ErrNoKeys = errors.New("keyed: event names no keys")

// Mapping holds one state per key. It is never mutated in place.
type Mapping[K comparable, T any] map[K]reqstate.State[T]

// Get returns the state for key and whether it exists.
func (m Mapping[K, T]) Get(key K) (reqstate.State[T], bool) {
	s, ok := m[key]
	return s, ok
}

// Event is a state event addressed to a set of keys. Payloads, when set,
// carries per-key payloads for batch outcomes and wins over Event.Payload.
type Event[K comparable, T any] struct {
	reqstate.Event[T]
	Keys     KeySet[K]
	Payloads map[K]T
}

// For returns the single-state event a key receives.
func (e Event[K, T]) For(key K) reqstate.Event[T] {
	ev := e.Event
	if e.Payloads != nil {
		if payload, ok := e.Payloads[key]; ok {
			ev.Payload = payload
			ev.HasPayload = true
		}
	}
	return ev
}

// Reducer applies keyed events to a Mapping.
type Reducer[K comparable, T any] struct {
	state   reqstate.Reducer[T]
	unkeyed bool
}

// NewReducer builds a reducer for a keyed collection.
func NewReducer[K comparable, T any](state reqstate.Reducer[T]) Reducer[K, T] {
	return Reducer[K, T]{state: state}
}

// NewSingletonReducer builds a reducer for an unkeyed resource stored under a
// single key. Lifecycle events follow the single-state rules: CLEAR_ALL resets
// the entry and INVALIDATE_ALL leaves it untouched.
func NewSingletonReducer[K comparable, T any](state reqstate.Reducer[T]) Reducer[K, T] {
	return Reducer[K, T]{state: state, unkeyed: true}
}

// State exposes the per-key reducer.
func (r Reducer[K, T]) State() reqstate.Reducer[T] { return r.state }

// Apply returns the mapping that results from ev. Keys the event does not
// name share their state with m.
func (r Reducer[K, T]) Apply(m Mapping[K, T], ev Event[K, T]) (Mapping[K, T], error) {
	switch ev.Kind {
	case reqstate.KindInvalidateAll, reqstate.KindClearAll:
		if !r.unkeyed {
			return Mapping[K, T]{}, nil
		}
		out := make(Mapping[K, T], len(m))
		for key, s := range m {
			out[key] = r.state.Reduce(s, ev.Event)
		}
		return out, nil
	case reqstate.KindInvalidate,
		reqstate.KindClear,
		reqstate.KindResetPaging,
		reqstate.KindRequest,
		reqstate.KindSuccess,
		reqstate.KindFailure:
		if ev.Keys.Len() == 0 {
			return m, ErrNoKeys
		}
		out := maps.Clone(m)
		if out == nil {
			out = make(Mapping[K, T], ev.Keys.Len())
		}
		for _, key := range ev.Keys.keys {
			single := ev.For(key)
			cur, ok := m[key]
			if !ok {
				if single.Kind.IsOutcome() && single.Token != 0 {
					// Outcome for an entry that was removed meanwhile.
					continue
				}
				cur = r.state.Initial()
			}
			out[key] = r.state.Reduce(cur, single)
		}
		return out, nil
	default:
		return m, nil
	}
}

// StaleKeys lists the keys for which an outcome event no longer matches the
// request that is tracked, in key order.
func (r Reducer[K, T]) StaleKeys(m Mapping[K, T], ev Event[K, T]) []K {
	if !ev.Kind.IsOutcome() || ev.Token == 0 {
		return nil
	}
	var stale []K
	for _, key := range ev.Keys.keys {
		cur, ok := m[key]
		if !ok || r.state.Stale(cur, ev.For(key)) {
			stale = append(stale, key)
		}
	}
	return stale
}

// Verdict is the staleness decision for one key.
type Verdict[K comparable] struct {
	Key      K
	Decision policy.Decision
	// Page is the page a REQUEST should ask for in paging mode.
	Page int
}

// Evaluate applies the staleness policy to every key, preserving order.
func Evaluate[K comparable, T any](m Mapping[K, T], keys KeySet[K], opts reqstate.Options, params reqstate.Params, now time.Time) []Verdict[K] {
	out := make([]Verdict[K], 0, keys.Len())
	for _, key := range keys.keys {
		s, ok := m[key]
		d := policy.Decide(s, ok, opts, params, now)
		out = append(out, Verdict[K]{Key: key, Decision: d, Page: policy.Page(s, ok, d)})
	}
	return out
}

// EligibleKeys returns the keys that should be fetched, in input order. The
// result is empty when none is eligible.
func EligibleKeys[K comparable, T any](m Mapping[K, T], keys KeySet[K], opts reqstate.Options, params reqstate.Params, now time.Time) []K {
	out := make([]K, 0, keys.Len())
	for _, v := range Evaluate(m, keys, opts, params, now) {
		if v.Decision.Eligible {
			out = append(out, v.Key)
		}
	}
	return out
}
