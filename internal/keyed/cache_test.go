package keyed

import (
	"errors"
	"testing"
	"time"

	"github.com/l0p7/fetchctrl/internal/reqstate"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newReducer(t *testing.T) Reducer[int, string] {
	t.Helper()
	state, err := reqstate.NewReducer[string](false, nil, reqstate.ClockFunc(func() time.Time { return now }))
	require.NoError(t, err)
	return NewReducer[int](state)
}

func event(kind reqstate.Kind, keys KeySet[int]) Event[int, string] {
	return Event[int, string]{Event: reqstate.Event[string]{Kind: kind}, Keys: keys}
}

func TestApplyPerKeyLeavesOthersUntouched(t *testing.T) {
	r := newReducer(t)
	m := Mapping[int, string]{
		1: {Payload: "one", HasPayload: true, LastUpdated: now},
		2: {Payload: "two", HasPayload: true, LastUpdated: now},
	}

	out, err := r.Apply(m, event(reqstate.KindInvalidate, One(1)))
	require.NoError(t, err)
	require.True(t, out[1].DidInvalidate)
	require.False(t, out[2].DidInvalidate)
	require.False(t, m[1].DidInvalidate, "input mapping must not be mutated")

	out, err = r.Apply(out, event(reqstate.KindRequest, Many(2, 3)))
	require.NoError(t, err)
	require.True(t, out[2].IsFetching)
	require.True(t, out[3].IsFetching, "keys are created lazily")
	require.False(t, out[1].IsFetching)
}

func TestApplyLifecycleResetsMapping(t *testing.T) {
	r := newReducer(t)
	m := Mapping[int, string]{1: {HasPayload: true}, 2: {}}

	for _, kind := range []reqstate.Kind{reqstate.KindInvalidateAll, reqstate.KindClearAll} {
		out, err := r.Apply(m, event(kind, KeySet[int]{}))
		require.NoError(t, err)
		require.Empty(t, out, kind.String())
	}
	require.Len(t, m, 2)
}

func TestApplySingletonLifecycle(t *testing.T) {
	state, err := reqstate.NewReducer[string](false, nil, nil)
	require.NoError(t, err)
	r := NewSingletonReducer[struct{}](state)
	m := Mapping[struct{}, string]{{}: {Payload: "x", HasPayload: true}}

	out, err := r.Apply(m, Event[struct{}, string]{Event: reqstate.Signal[string](reqstate.KindInvalidateAll)})
	require.NoError(t, err)
	require.Equal(t, m, out)

	out, err = r.Apply(m, Event[struct{}, string]{Event: reqstate.Signal[string](reqstate.KindClearAll)})
	require.NoError(t, err)
	require.Equal(t, reqstate.State[string]{}, out[struct{}{}])
}

func TestApplyBatchPayloads(t *testing.T) {
	r := newReducer(t)
	ev := Event[int, string]{
		Event:    reqstate.Success("shared", reqstate.Params{}),
		Keys:     Many(1, 2),
		Payloads: map[int]string{1: "first"},
	}
	out, err := r.Apply(Mapping[int, string]{}, ev)
	require.NoError(t, err)
	require.Equal(t, "first", out[1].Payload)
	require.Equal(t, "shared", out[2].Payload)
}

func TestApplyRequiresKeys(t *testing.T) {
	r := newReducer(t)
	m := Mapping[int, string]{}
	out, err := r.Apply(m, event(reqstate.KindRequest, KeySet[int]{}))
	require.ErrorIs(t, err, ErrNoKeys)
	require.Equal(t, m, out)

	out, err = r.Apply(m, event(reqstate.KindFetch, KeySet[int]{}))
	require.NoError(t, err, "unrecognized kinds are identity")
	require.Equal(t, m, out)
}

func TestApplyDropsOutcomesForRemovedKeys(t *testing.T) {
	r := newReducer(t)
	req := event(reqstate.KindRequest, Many(1, 2))
	req.Token = 9
	m, err := r.Apply(Mapping[int, string]{}, req)
	require.NoError(t, err)

	m, err = r.Apply(m, event(reqstate.KindClear, One(1)))
	require.NoError(t, err)
	m, err = r.Apply(m, event(reqstate.KindClearAll, KeySet[int]{}))
	require.NoError(t, err)
	require.Empty(t, m)

	done := Event[int, string]{Event: reqstate.Success("late", reqstate.Params{}), Keys: Many(1, 2)}
	done.Token = 9
	require.Equal(t, []int{1, 2}, r.StaleKeys(m, done))

	out, err := r.Apply(m, done)
	require.NoError(t, err)
	require.Empty(t, out, "late outcomes must not resurrect cleared keys")
}

func TestApplyFailureCarriesError(t *testing.T) {
	r := newReducer(t)
	boom := errors.New("boom")
	ev := Event[int, string]{Event: reqstate.Failure[string](boom, reqstate.Params{}), Keys: One(4)}
	out, err := r.Apply(Mapping[int, string]{4: {IsFetching: true}}, ev)
	require.NoError(t, err)
	require.ErrorIs(t, out[4].Err, boom)
	require.False(t, out[4].IsFetching)
}

func TestEligibleKeysPreservesOrder(t *testing.T) {
	m := Mapping[int, string]{2: {IsFetching: true}}
	got := EligibleKeys(m, Many(1, 2, 3), reqstate.DefaultOptions(), reqstate.Params{}, now)
	require.Equal(t, []int{1, 3}, got)

	m = Mapping[int, string]{1: {IsFetching: true}}
	got = EligibleKeys(m, One(1), reqstate.DefaultOptions(), reqstate.Params{}, now)
	require.Empty(t, got)
}

func TestEvaluateReportsPages(t *testing.T) {
	opts := reqstate.DefaultOptions()
	opts.Paging = true
	m := Mapping[int, string]{
		1: {Page: 2, HasPayload: true, PaginationFetched: map[int]bool{0: true, 1: true}, LastUpdated: now},
		2: {Page: 5, HasPayload: true, LastUpdated: now.Add(-time.Hour)},
	}
	verdicts := Evaluate(m, Many(1, 2, 3), opts, reqstate.Params{}, now)
	require.Len(t, verdicts, 3)
	require.Equal(t, 2, verdicts[0].Page)
	require.True(t, verdicts[1].Decision.ResetPage)
	require.Equal(t, 0, verdicts[1].Page)
	require.Equal(t, 0, verdicts[2].Page)
}
