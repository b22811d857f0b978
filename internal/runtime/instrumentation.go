package runtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/l0p7/fetchctrl/internal/coordinator"
)

func instrumentFetch[K comparable](inner coordinator.FetchFunc[K, any], logger *slog.Logger, resource string) coordinator.FetchFunc[K, any] {
	return func(ctx context.Context, req coordinator.FetchRequest[K]) (any, error) {
		start := time.Now()
		payload, err := inner(ctx, req)
		results := 1
		if err != nil {
			results = 0
		}
		logFetch(ctx, logger, resource, req, results, time.Since(start), err)
		return payload, err
	}
}

func instrumentBatch[K comparable](inner coordinator.BatchFetchFunc[K, any], logger *slog.Logger, resource string) coordinator.BatchFetchFunc[K, any] {
	return func(ctx context.Context, req coordinator.FetchRequest[K]) (map[K]any, error) {
		start := time.Now()
		payloads, err := inner(ctx, req)
		logFetch(ctx, logger, resource, req, len(payloads), time.Since(start), err)
		return payloads, err
	}
}

func logFetch[K comparable](ctx context.Context, logger *slog.Logger, resource string, req coordinator.FetchRequest[K], results int, duration time.Duration, err error) {
	if !logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	attrs := []slog.Attr{
		slog.String("resource", resource),
		slog.Uint64("request_id", req.ID),
		slog.Int("keys", len(req.Keys)),
		slog.Int("results", results),
		slog.Float64("latency_ms", float64(duration)/float64(time.Millisecond)),
	}
	if req.Page > 0 {
		attrs = append(attrs, slog.Int("page", req.Page))
	}
	if req.Params.Refreshing {
		attrs = append(attrs, slog.Bool("refreshing", true))
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	logger.LogAttrs(ctx, slog.LevelDebug, "upstream fetch executed", attrs...)
}
