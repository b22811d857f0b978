package runtime

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/l0p7/fetchctrl/internal/config"
	"github.com/l0p7/fetchctrl/internal/coordinator"
	"github.com/l0p7/fetchctrl/internal/expr"
	"github.com/l0p7/fetchctrl/internal/keyed"
	"github.com/l0p7/fetchctrl/internal/reqstate"
)

// evictRules compiles the configured evict rules. A rule with a CEL filter is
// split per signal so the filter sees which signal fired.
func evictRules[K comparable](resource string, cfgs []config.EvictConfig, env *expr.Environment, clock reqstate.Clock, logger *slog.Logger, name func(K) string) ([]coordinator.EvictRule[K, any], error) {
	var rules []coordinator.EvictRule[K, any]
	for idx, cfg := range cfgs {
		on := make([]string, 0, len(cfg.On))
		for _, signal := range cfg.On {
			if trimmed := strings.TrimSpace(signal); trimmed != "" {
				on = append(on, trimmed)
			}
		}
		if strings.TrimSpace(cfg.Filter) == "" {
			rules = append(rules, coordinator.EvictRule[K, any]{On: on})
			continue
		}
		program, err := env.Compile(cfg.Filter)
		if err != nil {
			return nil, fmt.Errorf("evict[%d].filter: %w", idx, err)
		}
		for _, signal := range on {
			rules = append(rules, coordinator.EvictRule[K, any]{
				On:     []string{signal},
				Filter: celFilter(resource, signal, program, clock, logger, name),
			})
		}
	}
	return rules, nil
}

func celFilter[K comparable](resource, signal string, program expr.Program, clock reqstate.Clock, logger *slog.Logger, name func(K) string) func(keyed.Mapping[K, any]) bool {
	return func(m keyed.Mapping[K, any]) bool {
		vars := expr.Activation(resource, signal, filterEntries(m, name), clock.Now())
		ok, err := program.EvalBool(vars)
		if err != nil {
			logger.Warn("evict filter failed",
				slog.String("signal", signal),
				slog.String("filter", program.Source()),
				slog.Any("error", err),
			)
			return false
		}
		return ok
	}
}

// filterEntries exposes each key's state to CEL.
func filterEntries[K comparable](m keyed.Mapping[K, any], name func(K) string) map[string]map[string]any {
	out := make(map[string]map[string]any, len(m))
	for key, s := range m {
		entry := map[string]any{
			"isFetching":    s.IsFetching,
			"didInvalidate": s.DidInvalidate,
			"hasPayload":    s.HasPayload,
			"page":          int64(s.Page),
			"itemsEnd":      s.ItemsEnd,
		}
		if s.HasPayload {
			entry["payload"] = s.Payload
		}
		if s.Err != nil {
			entry["error"] = s.Err.Error()
		}
		if !s.LastUpdated.IsZero() {
			entry["lastUpdated"] = s.LastUpdated
		}
		out[name(key)] = entry
	}
	return out
}
