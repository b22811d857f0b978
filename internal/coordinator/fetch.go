package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/l0p7/fetchctrl/internal/keyed"
	"github.com/l0p7/fetchctrl/internal/reqstate"
)

type job[K comparable] struct {
	keys  []K
	page  int
	token uint64
}

// issueLocked moves the targets to Requested. Paging and per-key fetching
// produce one REQUEST per key; batch fetching one REQUEST for all targets.
func (c *Coordinator[K, T]) issueLocked(targets []keyed.Verdict[K], params reqstate.Params) ([]job[K], error) {
	var jobs []job[K]
	if c.batch != nil {
		jobs = []job[K]{{keys: verdictKeys(targets)}}
	} else {
		jobs = make([]job[K], 0, len(targets))
		for _, v := range targets {
			jobs = append(jobs, job[K]{keys: []K{v.Key}, page: v.Page})
		}
	}
	for i := range jobs {
		c.token++
		jobs[i].token = c.token
		p := params
		p.Page = jobs[i].page
		ev := keyed.Event[K, T]{
			Event: reqstate.Event[T]{Kind: reqstate.KindRequest, Params: p, Token: jobs[i].token},
			Keys:  keyed.Many(jobs[i].keys...),
		}
		if err := c.applyLocked(c.baseCtx, ev); err != nil {
			return nil, err
		}
	}
	// Counted under c.mu: Close waits for every issued job.
	c.wg.Add(len(jobs))
	c.inFlight.Add(int64(len(jobs)))
	c.metrics.ObserveInFlight(c.name, len(jobs))
	return jobs, nil
}

func (c *Coordinator[K, T]) start(ctx context.Context, jobs []job[K], params reqstate.Params) {
	hooks := newCompletion(len(jobs), c.opts, params)
	for _, j := range jobs {
		c.logger.LogAttrs(ctx, slog.LevelInfo, "fetch issued",
			slog.Uint64("request_id", j.token),
			slog.Int("keys", len(j.keys)),
			slog.Int("page", j.page),
		)
		go c.run(j, params, hooks)
	}
}

func (c *Coordinator[K, T]) run(j job[K], params reqstate.Params, hooks *completion) {
	defer c.wg.Done()
	defer func() {
		c.inFlight.Add(-1)
		c.metrics.ObserveInFlight(c.name, -1)
	}()

	ctx := c.baseCtx
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	p := params
	p.Page = j.page
	req := FetchRequest[K]{
		Resource: c.name,
		Key:      j.keys[0],
		Keys:     append([]K(nil), j.keys...),
		Page:     j.page,
		Params:   p,
		ID:       j.token,
	}

	started := time.Now()
	payloads, err := c.invoke(ctx, req)
	duration := time.Since(started)

	outcome := "success"
	if err != nil {
		outcome = "failure"
		c.logger.Warn("fetch failed",
			slog.Uint64("request_id", j.token),
			slog.Duration("duration", duration),
			slog.Any("error", err),
		)
	}
	c.metrics.ObserveFetch(c.name, outcome, duration)

	c.mu.Lock()
	missing, settleErr := c.settleLocked(j, p, payloads, err)
	c.mu.Unlock()
	if settleErr != nil {
		c.logger.Error("fetch outcome rejected", slog.Uint64("request_id", j.token), slog.Any("error", settleErr))
	}

	if err == nil && missing > 0 {
		c.logger.Warn("batch result missing keys",
			slog.Uint64("request_id", j.token),
			slog.Int("missing", missing),
		)
		err = ErrMissingResult
	}
	hooks.settle(err)
}

func (c *Coordinator[K, T]) invoke(ctx context.Context, req FetchRequest[K]) (payloads map[K]T, err error) {
	defer func() {
		if r := recover(); r != nil {
			payloads = nil
			err = fmt.Errorf("%w: %v", ErrFetchPanic, r)
		}
	}()
	if c.batch != nil {
		return c.batch(ctx, req)
	}
	payload, err := c.fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	return map[K]T{req.Key: payload}, nil
}

// settleLocked feeds the outcome back as SUCCESS/FAILURE events and returns
// how many requested keys the result lacked. Those keys fail individually;
// extra keys in the result are ignored.
func (c *Coordinator[K, T]) settleLocked(j job[K], params reqstate.Params, payloads map[K]T, err error) (int, error) {
	if err != nil {
		ev := keyed.Event[K, T]{
			Event: reqstate.Event[T]{Kind: reqstate.KindFailure, Params: params, Err: err, Token: j.token},
			Keys:  keyed.Many(j.keys...),
		}
		return 0, c.applyLocked(c.baseCtx, ev)
	}

	var found, missing []K
	for _, key := range j.keys {
		if _, ok := payloads[key]; ok {
			found = append(found, key)
		} else {
			missing = append(missing, key)
		}
	}
	if len(found) > 0 {
		ev := keyed.Event[K, T]{
			Event:    reqstate.Event[T]{Kind: reqstate.KindSuccess, Params: params, Token: j.token},
			Keys:     keyed.Many(found...),
			Payloads: payloads,
		}
		if err := c.applyLocked(c.baseCtx, ev); err != nil {
			return len(missing), err
		}
	}
	if len(missing) > 0 {
		ev := keyed.Event[K, T]{
			Event: reqstate.Event[T]{Kind: reqstate.KindFailure, Params: params, Err: ErrMissingResult, Token: j.token},
			Keys:  keyed.Many(missing...),
		}
		return len(missing), c.applyLocked(c.baseCtx, ev)
	}
	return 0, nil
}

// completion invokes the caller's resolve/reject hooks exactly once after
// every fetch of a trigger settled.
type completion struct {
	mu      sync.Mutex
	pending int
	err     error
	resolve func()
	reject  func(error)
}

func newCompletion(pending int, opts reqstate.Options, params reqstate.Params) *completion {
	c := &completion{pending: pending}
	if opts.HandleParamsPromiseResolve {
		c.resolve = params.Resolve
	}
	if opts.HandleParamsPromiseReject {
		c.reject = params.Reject
	}
	return c
}

func (c *completion) settle(err error) {
	c.mu.Lock()
	c.pending--
	if err != nil && c.err == nil {
		c.err = err
	}
	if c.pending != 0 {
		c.mu.Unlock()
		return
	}
	final := c.err
	c.mu.Unlock()

	if final != nil {
		if c.reject != nil {
			c.reject(final)
		}
		return
	}
	if c.resolve != nil {
		c.resolve()
	}
}
