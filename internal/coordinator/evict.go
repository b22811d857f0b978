package coordinator

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/l0p7/fetchctrl/internal/keyed"
	"github.com/l0p7/fetchctrl/internal/reqstate"
)

// EvictRule clears and refetches cached payloads when one of the named
// signals arrives. A nil Filter matches whenever any key holds a payload.
type EvictRule[K comparable, T any] struct {
	On     []string
	Filter func(keyed.Mapping[K, T]) bool
}

func (r EvictRule[K, T]) matches(signal string, m keyed.Mapping[K, T]) bool {
	if !slices.Contains(r.On, signal) {
		return false
	}
	if r.Filter != nil {
		return r.Filter(m)
	}
	return len(payloadKeys(m)) > 0
}

// Signal evaluates the evict rules against the named signal. For the first
// matching rule every key holding a payload is cleared and requested again
// in one step, keys ordered by their printed form. It reports whether a rule
// matched.
func (c *Coordinator[K, T]) Signal(ctx context.Context, name string) (bool, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, ErrClosed
	}
	m := c.current()
	for i, rule := range c.evict {
		if !rule.matches(name, m) {
			continue
		}
		var targets keyed.KeySet[K]
		if c.fixed != nil {
			targets = *c.fixed
		} else {
			keys := payloadKeys(m)
			if len(keys) == 0 {
				c.mu.Unlock()
				return true, nil
			}
			targets = keyed.Many(keys...)
		}
		c.logger.LogAttrs(ctx, slog.LevelInfo, "evicting cached payloads",
			slog.String("signal", name),
			slog.Int("rule", i),
			slog.Int("keys", targets.Len()),
		)
		jobs, err := c.evictLocked(ctx, targets)
		c.mu.Unlock()
		if err != nil {
			return true, err
		}
		c.start(ctx, jobs, reqstate.Params{})
		return true, nil
	}
	c.mu.Unlock()
	return false, nil
}

func (c *Coordinator[K, T]) evictLocked(ctx context.Context, targets keyed.KeySet[K]) ([]job[K], error) {
	ev := keyed.Event[K, T]{Event: reqstate.Signal[T](reqstate.KindClear), Keys: targets}
	if err := c.applyLocked(ctx, ev); err != nil {
		return nil, err
	}
	verdicts := c.requestTargetsLocked(targets)
	if len(verdicts) == 0 {
		return nil, nil
	}
	return c.issueLocked(verdicts, reqstate.Params{})
}

// Signals lists the signal names the evict rules listen on.
func (c *Coordinator[K, T]) Signals() []string {
	var out []string
	for _, rule := range c.evict {
		for _, on := range rule.On {
			if !slices.Contains(out, on) {
				out = append(out, on)
			}
		}
	}
	return out
}

func payloadKeys[K comparable, T any](m keyed.Mapping[K, T]) []K {
	var keys []K
	for key, s := range m {
		if s.HasPayload {
			keys = append(keys, key)
		}
	}
	slices.SortFunc(keys, func(a, b K) int {
		return cmp.Compare(fmt.Sprint(a), fmt.Sprint(b))
	})
	return keys
}
