// Package policy decides whether a resource needs to be (re)fetched.
//
// Decide is pure: it reads a state snapshot, the resource options, the trigger
// parameters and the current time, and never mutates any of them. Rules are
// evaluated in priority order and the first match wins.
package policy

import (
	"time"

	"github.com/l0p7/fetchctrl/internal/reqstate"
)

// Reason names the rule that produced a decision.
type Reason string

const (
	ReasonAbsent        Reason = "absent"
	ReasonInFlight      Reason = "in_flight"
	ReasonCacheDisabled Reason = "cache_disabled"
	ReasonExpired       Reason = "expired"
	ReasonItemsEnd      Reason = "items_end"
	ReasonFreshPresent  Reason = "fresh_present"
	ReasonPageUnfetched Reason = "page_unfetched"
	ReasonNoPayload     Reason = "no_payload"
	ReasonInvalidated   Reason = "invalidated"
	ReasonFresh         Reason = "fresh"
)

// Decision is the outcome of a staleness check.
type Decision struct {
	Eligible bool
	// ResetPage asks the caller to restart pagination from page 0.
	ResetPage bool
	Reason    Reason
}

// Decide applies the staleness rules to the state. present is false when no
// state exists yet for the resource or key.
func Decide[T any](state reqstate.State[T], present bool, opts reqstate.Options, params reqstate.Params, now time.Time) Decision {
	if !present {
		return Decision{Eligible: true, ResetPage: opts.Paging, Reason: ReasonAbsent}
	}
	if state.IsFetching {
		return Decision{Reason: ReasonInFlight}
	}
	if opts.Paging {
		return decidePage(state, opts, params, now)
	}
	if !opts.Cache {
		return Decision{Eligible: true, Reason: ReasonCacheDisabled}
	}
	if opts.Expired(state.LastUpdated, now) {
		return Decision{Eligible: true, Reason: ReasonExpired}
	}
	if !state.HasPayload {
		return Decision{Eligible: true, Reason: ReasonNoPayload}
	}
	return invalidated(state)
}

func decidePage[T any](state reqstate.State[T], opts reqstate.Options, params reqstate.Params, now time.Time) Decision {
	if opts.Expired(state.LastUpdated, now) {
		// Stale pages restart from the first page.
		return Decision{Eligible: true, ResetPage: true, Reason: ReasonExpired}
	}
	if state.ItemsEnd {
		return Decision{Reason: ReasonItemsEnd}
	}
	if params.Fresh && state.HasPayload {
		return Decision{Reason: ReasonFreshPresent}
	}
	if !state.PageFetched(state.Page) {
		return Decision{Eligible: true, Reason: ReasonPageUnfetched}
	}
	if !state.HasPayload {
		return Decision{Eligible: true, Reason: ReasonNoPayload}
	}
	return invalidated(state)
}

func invalidated[T any](state reqstate.State[T]) Decision {
	if state.DidInvalidate {
		return Decision{Eligible: true, Reason: ReasonInvalidated}
	}
	return Decision{Reason: ReasonFresh}
}

// Page resolves the page a REQUEST should ask for after an eligible decision.
func Page[T any](state reqstate.State[T], present bool, d Decision) int {
	if !present || d.ResetPage {
		return 0
	}
	return state.Page
}
