package reqstate

import (
	"errors"
	"maps"
	"time"
)

// ErrPagerRequired is returned when paging is enabled without a Pager.
var ErrPagerRequired = errors.New("reqstate: paging requires a pager")

// State is the lifecycle record of one fetchable resource (or one key of a
// keyed collection). Values are treated as immutable: transitions always
// return a new State.
type State[T any] struct {
	IsFetching    bool      `json:"isFetching"`
	Refreshing    bool      `json:"refreshing"`
	DidInvalidate bool      `json:"didInvalidate"`
	Payload       T         `json:"payload,omitempty"`
	HasPayload    bool      `json:"hasPayload"`
	Err           error     `json:"-"`
	LastUpdated   time.Time `json:"lastUpdated,omitzero"`

	Page              int          `json:"page"`
	ItemsEnd          bool         `json:"itemsEnd"`
	PaginationFetched map[int]bool `json:"paginationFetched,omitempty"`

	// Token identifies the in-flight request that owns this entry. Zero when
	// nothing issued through a coordinator is pending.
	Token uint64 `json:"-"`
}

// PageFetched reports whether the given page was already retrieved.
func (s State[T]) PageFetched(page int) bool {
	return s.PaginationFetched[page]
}

// Params ride along with trigger and outcome events.
type Params struct {
	// Refreshing marks a fetch issued while stale data is displayed.
	Refreshing bool
	// Fresh asks for only-if-absent semantics in paging mode.
	Fresh bool
	// Page is the requested page. The coordinator fills it in paging mode.
	Page int
	// Values are opaque caller parameters forwarded to the fetch function.
	Values map[string]any
	// Resolve and Reject are optional completion hooks.
	Resolve func()
	Reject  func(error)
}

// Event is a typed transition input for a single State.
type Event[T any] struct {
	Kind       Kind
	Params     Params
	Payload    T
	HasPayload bool
	Err        error
	// Token ties an outcome to the REQUEST it settles. Zero disables the check.
	Token uint64
}

// Request builds a REQUEST event.
func Request[T any](params Params) Event[T] {
	return Event[T]{Kind: KindRequest, Params: params}
}

// Success builds a SUCCESS event carrying the fetched payload.
func Success[T any](payload T, params Params) Event[T] {
	return Event[T]{Kind: KindSuccess, Params: params, Payload: payload, HasPayload: true}
}

// Failure builds a FAILURE event carrying the fetch error.
func Failure[T any](err error, params Params) Event[T] {
	return Event[T]{Kind: KindFailure, Params: params, Err: err}
}

// Signal builds a payload-free event of the given kind.
func Signal[T any](kind Kind) Event[T] {
	return Event[T]{Kind: kind}
}

// Pager concatenates pages of a sequence payload.
type Pager[T any] interface {
	Append(existing, page T) T
	Len(page T) int
}

// SlicePager pages through []E payloads.
type SlicePager[E any] struct{}

func (SlicePager[E]) Append(existing, page []E) []E {
	out := make([]E, 0, len(existing)+len(page))
	out = append(out, existing...)
	return append(out, page...)
}

func (SlicePager[E]) Len(page []E) int { return len(page) }

// Reducer applies events to State values.
type Reducer[T any] struct {
	paging bool
	pager  Pager[T]
	clock  Clock
}

// NewReducer builds a reducer. Paging requires a pager; a nil clock falls back
// to SystemClock.
func NewReducer[T any](paging bool, pager Pager[T], clock Clock) (Reducer[T], error) {
	if paging && pager == nil {
		return Reducer[T]{}, ErrPagerRequired
	}
	if clock == nil {
		clock = SystemClock
	}
	return Reducer[T]{paging: paging, pager: pager, clock: clock}, nil
}

// Paging reports whether the reducer tracks paging fields.
func (r Reducer[T]) Paging() bool { return r.paging }

// Initial returns the state a resource starts with and returns to on CLEAR.
func (r Reducer[T]) Initial() State[T] {
	return State[T]{}
}

// Stale reports whether an outcome event belongs to a request the state no
// longer tracks, e.g. because the entry was cleared while the fetch ran.
func (r Reducer[T]) Stale(s State[T], ev Event[T]) bool {
	return ev.Kind.IsOutcome() && ev.Token != 0 && s.Token != ev.Token
}

// Reduce returns the state that results from applying ev to s.
func (r Reducer[T]) Reduce(s State[T], ev Event[T]) State[T] {
	switch ev.Kind {
	case KindInvalidate:
		s.DidInvalidate = true
		return s
	case KindClear, KindClearAll:
		return r.Initial()
	case KindResetPaging:
		if !r.paging {
			return s
		}
		s.Page = 0
		s.ItemsEnd = false
		s.PaginationFetched = nil
		return s
	case KindRequest:
		s.IsFetching = true
		s.Refreshing = ev.Params.Refreshing
		s.DidInvalidate = false
		s.Token = ev.Token
		return s
	case KindSuccess:
		if r.Stale(s, ev) {
			return s
		}
		return r.succeed(s, ev)
	case KindFailure:
		if r.Stale(s, ev) {
			return s
		}
		s.Err = ev.Err
		s.IsFetching = false
		s.Refreshing = false
		s.Token = 0
		return s
	default:
		return s
	}
}

func (r Reducer[T]) succeed(s State[T], ev Event[T]) State[T] {
	now := r.clock.Now()
	if !s.LastUpdated.IsZero() && !now.After(s.LastUpdated) {
		now = s.LastUpdated.Add(time.Nanosecond)
	}
	s.IsFetching = false
	s.Refreshing = false
	s.DidInvalidate = false
	s.Err = nil
	s.LastUpdated = now
	s.Token = 0

	page := ev.Params.Page
	if r.paging && page != 0 && s.HasPayload {
		s.Payload = r.pager.Append(s.Payload, ev.Payload)
	} else {
		s.Payload = ev.Payload
	}
	s.HasPayload = true

	if r.paging {
		s.Page = page + 1
		s.ItemsEnd = r.pager.Len(ev.Payload) == 0
		fetched := maps.Clone(s.PaginationFetched)
		if fetched == nil {
			fetched = make(map[int]bool, 1)
		}
		fetched[page] = true
		s.PaginationFetched = fetched
	}
	return s
}
