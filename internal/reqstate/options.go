package reqstate

import (
	"time"
)

// DefaultCacheDuration is the freshness window applied when none is configured.
const DefaultCacheDuration = 300 * time.Second

// Options configures how a resource is cached and fetched. Every field has a
// documented default reachable through DefaultOptions.
type Options struct {
	// Cache disables staleness checks when false: every trigger refetches.
	Cache bool
	// CacheDuration is how long a successful payload stays fresh.
	CacheDuration time.Duration
	// Paging switches the resource to incremental page retrieval.
	Paging bool
	// HandleParamsPromiseResolve invokes Params.Resolve after a successful fetch.
	HandleParamsPromiseResolve bool
	// HandleParamsPromiseReject invokes Params.Reject after a failed fetch.
	HandleParamsPromiseReject bool
	// Timeout bounds a single fetch. Zero leaves the fetch unbounded.
	Timeout time.Duration
}

// DefaultOptions returns a fresh copy of the base option record.
func DefaultOptions() Options {
	return Options{
		Cache:                      true,
		CacheDuration:              DefaultCacheDuration,
		Paging:                     false,
		HandleParamsPromiseResolve: true,
		HandleParamsPromiseReject:  true,
	}
}

// Overrides carries optional replacements for Options. Nil fields keep the
// base value.
type Overrides struct {
	Cache                      *bool
	CacheDuration              *time.Duration
	Paging                     *bool
	HandleParamsPromiseResolve *bool
	HandleParamsPromiseReject  *bool
	Timeout                    *time.Duration
}

// Merge returns a copy of o with every non-nil override applied. The receiver
// is never modified.
func (o Options) Merge(ov Overrides) Options {
	out := o
	if ov.Cache != nil {
		out.Cache = *ov.Cache
	}
	if ov.CacheDuration != nil {
		out.CacheDuration = *ov.CacheDuration
	}
	if ov.Paging != nil {
		out.Paging = *ov.Paging
	}
	if ov.HandleParamsPromiseResolve != nil {
		out.HandleParamsPromiseResolve = *ov.HandleParamsPromiseResolve
	}
	if ov.HandleParamsPromiseReject != nil {
		out.HandleParamsPromiseReject = *ov.HandleParamsPromiseReject
	}
	if ov.Timeout != nil {
		out.Timeout = *ov.Timeout
	}
	return out
}

// Expired reports whether a payload stored at lastUpdated is older than the
// cache duration. A zero lastUpdated never expires.
func (o Options) Expired(lastUpdated, now time.Time) bool {
	if lastUpdated.IsZero() {
		return false
	}
	return now.Sub(lastUpdated) > o.CacheDuration
}

// Clock supplies the current time to staleness decisions and transitions.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock.
var SystemClock Clock = ClockFunc(time.Now)
