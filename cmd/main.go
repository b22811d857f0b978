package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/l0p7/fetchctrl/internal/config"
	"github.com/l0p7/fetchctrl/internal/logging"
	"github.com/l0p7/fetchctrl/internal/metrics"
	"github.com/l0p7/fetchctrl/internal/runtime"
	"github.com/l0p7/fetchctrl/internal/server"
	"github.com/l0p7/fetchctrl/internal/store"
	"github.com/prometheus/client_golang/prometheus"
)

type configLoader interface {
	Load(ctx context.Context) (config.Config, error)
	WatchResources(ctx context.Context, cfg config.Config, onChange func(config.ResourceBundle), onError func(error)) (resourceWatcher, error)
}

type resourceWatcher interface {
	Stop()
}

type runnableServer interface {
	Run(ctx context.Context) error
}

type loaderAdapter struct {
	*config.Loader
}

func (l loaderAdapter) WatchResources(ctx context.Context, cfg config.Config, onChange func(config.ResourceBundle), onError func(error)) (resourceWatcher, error) {
	return l.Loader.WatchResources(ctx, cfg, onChange, onError)
}

var (
	newConfigLoader = func(envPrefix, configFile string) configLoader {
		return loaderAdapter{config.NewLoader(envPrefix, configFile)}
	}
	newHTTPServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler, drain server.Drainer) (runnableServer, error) {
		return server.New(cfg, logger, handler, drain)
	}
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "FETCHCTRL", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, envPrefix, configFile string) error {
	loader := newConfigLoader(envPrefix, configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	snapshots := buildSnapshotStore(logger.With(slog.String("agent", "store_factory")), cfg.Server.Store)

	promRegistry := prometheus.NewRegistry()
	metricsRecorder := metrics.NewRecorder(promRegistry)

	registry := runtime.NewRegistry(logger, runtime.RegistryOptions{
		Resources:          cfg.Resources,
		ResourceSources:    cfg.ResourceSources,
		SkippedDefinitions: cfg.SkippedDefinitions,
		Defaults:           cfg.Server.Defaults,
		Store:              snapshots,
		CorrelationHeader:  cfg.Server.Logging.CorrelationHeader,
		Metrics:            metricsRecorder,
	})
	// Covers exits before the server runs; the server drains it otherwise.
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := registry.Close(shutdownCtx); err != nil {
			logger.Error("registry shutdown failed", slog.Any("error", err))
		}
	}()

	if cfg.Server.Resources.ResourcesFile != "" || cfg.Server.Resources.ResourcesFolder != "" {
		watcher, err := loader.WatchResources(ctx, cfg, func(bundle config.ResourceBundle) {
			registry.Reload(ctx, bundle)
		}, func(err error) {
			if err != nil {
				logger.Error("resources watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("resources watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsRecorder.Handler())
	mux.Handle("/", server.NewRegistryHandler(registry))

	srv, err := newHTTPServer(cfg, logger, mux, registry)
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		return err
	}

	logger.Info("server shutdown complete")
	return nil
}

// buildSnapshotStore returns nil when mirroring is disabled. An unreachable
// redis falls back to memory so the daemon still starts.
func buildSnapshotStore(logger *slog.Logger, cfg config.StoreConfig) store.SnapshotStore {
	ttl := time.Duration(cfg.TTLSeconds) * time.Second
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "none":
		if logger != nil {
			logger.Info("snapshot mirroring disabled")
		}
		return nil
	case "memory":
		if logger != nil {
			logger.Info("using memory snapshot store", slog.Duration("ttl", ttl))
		}
		return store.NewMemory(ttl)
	case "redis":
		redisStore, err := store.NewRedis(store.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      ttl,
			TLS: store.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			if logger != nil {
				logger.Error("redis store initialization failed", slog.Any("error", err))
				logger.Info("falling back to memory store")
			}
			return store.NewMemory(ttl)
		}
		if logger != nil {
			logger.Info("using redis snapshot store", slog.String("address", cfg.Redis.Address))
		}
		return redisStore
	default:
		if logger != nil {
			logger.Warn("unsupported store backend, defaulting to memory", slog.String("backend", cfg.Backend))
		}
		return store.NewMemory(ttl)
	}
}
