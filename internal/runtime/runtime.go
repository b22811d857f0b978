package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/l0p7/fetchctrl/internal/config"
	"github.com/l0p7/fetchctrl/internal/coordinator"
	"github.com/l0p7/fetchctrl/internal/expr"
	"github.com/l0p7/fetchctrl/internal/fetch"
	"github.com/l0p7/fetchctrl/internal/metrics"
	"github.com/l0p7/fetchctrl/internal/reqstate"
	"github.com/l0p7/fetchctrl/internal/store"
)

const defaultCloseTimeout = 5 * time.Second

type RegistryOptions struct {
	Resources          map[string]config.ResourceConfig
	ResourceSources    []string
	SkippedDefinitions []config.DefinitionSkip
	// Defaults are the server-wide option overrides applied before each
	// resource's own.
	Defaults config.OptionsConfig
	// Store mirrors every published snapshot. Nil disables mirroring.
	Store             store.SnapshotStore
	MirrorQueue       int
	HTTPClient        *http.Client
	Clock             reqstate.Clock
	CorrelationHeader string
	Metrics           *metrics.Recorder
}

// Registry owns one coordinator per configured resource and swaps them on
// reload.
type Registry struct {
	logger            *slog.Logger
	defaults          config.OptionsConfig
	store             store.SnapshotStore
	mirror            *mirror
	client            *fetch.Client
	clock             reqstate.Clock
	correlationHeader string
	metrics           *metrics.Recorder

	mu        sync.RWMutex
	closed    bool
	resources map[string]*resourceRuntime
	sources   []string
	skipped   []config.DefinitionSkip
}

type resourceRuntime struct {
	Resource
	cfg     config.ResourceConfig
	opts    reqstate.Options
	retired *atomic.Bool
}

func NewRegistry(logger *slog.Logger, opts RegistryOptions) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = reqstate.SystemClock
	}
	r := &Registry{
		logger:            logger.With(slog.String("agent", "registry")),
		defaults:          opts.Defaults,
		store:             opts.Store,
		client:            fetch.NewClient(opts.HTTPClient, logger),
		clock:             clock,
		correlationHeader: strings.TrimSpace(opts.CorrelationHeader),
		metrics:           opts.Metrics,
		resources:         make(map[string]*resourceRuntime),
	}
	if opts.Store != nil {
		r.mirror = newMirror(opts.Store, opts.Metrics, logger, opts.MirrorQueue)
	}
	r.install(context.Background(), config.ResourceBundle{
		Resources: opts.Resources,
		Sources:   opts.ResourceSources,
		Skipped:   opts.SkippedDefinitions,
	})
	return r
}

// Lookup returns the named resource.
func (r *Registry) Lookup(name string) (Resource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.resources[strings.TrimSpace(name)]
	if !ok {
		return nil, false
	}
	return rt.Resource, true
}

// ResourceExists reports whether a resource with the name is configured.
func (r *Registry) ResourceExists(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// Names lists the configured resources in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.resources))
	for name := range r.resources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Signal delivers a named signal to every resource and returns the names of
// the resources whose evict rules matched.
func (r *Registry) Signal(ctx context.Context, name string) ([]string, error) {
	r.mu.RLock()
	targets := make([]*resourceRuntime, 0, len(r.resources))
	for _, rt := range r.resources {
		targets = append(targets, rt)
	}
	r.mu.RUnlock()
	sort.Slice(targets, func(i, j int) bool { return targets[i].Name() < targets[j].Name() })

	var matched []string
	var errs []error
	for _, rt := range targets {
		ok, err := rt.Signal(ctx, name)
		if ok {
			matched = append(matched, rt.Name())
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", rt.Name(), err))
		}
	}
	return matched, errors.Join(errs...)
}

// Reload swaps in the resources of bundle. Resources whose definition and
// effective options are unchanged keep their coordinator and state; the
// others are retired, their mirrored entries purged and their running
// fetches drained.
func (r *Registry) Reload(ctx context.Context, bundle config.ResourceBundle) {
	if ctx == nil {
		ctx = context.Background()
	}
	retired := r.install(ctx, bundle)

	closeCtx, cancel := context.WithTimeout(ctx, defaultCloseTimeout)
	defer cancel()
	for _, rt := range retired {
		if err := rt.Close(closeCtx); err != nil {
			r.logger.Warn("retired resource did not drain", slog.String("resource", rt.Name()), slog.Any("error", err))
		}
	}
	r.logger.Info("configuration reloaded",
		slog.String("event", "resources_reload"),
		slog.Int("resources", len(bundle.Resources)),
		slog.Int("retired", len(retired)),
	)
}

func (r *Registry) install(ctx context.Context, bundle config.ResourceBundle) []*resourceRuntime {
	env, err := expr.NewEnvironment()
	if err != nil {
		r.logger.Error("filter environment unavailable", slog.Any("error", err))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}

	skipped := cloneDefinitionSkips(bundle.Skipped)
	next := make(map[string]*resourceRuntime, len(bundle.Resources))
	var retired []*resourceRuntime
	for name, cfg := range bundle.Resources {
		opts, err := r.options(cfg)
		if err == nil && env == nil {
			err = errors.New("filter environment unavailable")
		}
		if err != nil {
			skipped = append(skipped, r.skip(name, err))
			continue
		}
		if prev, ok := r.resources[name]; ok && reflect.DeepEqual(prev.cfg, cfg) && prev.opts == opts {
			next[name] = prev
			continue
		}
		rt, err := r.build(name, cfg, opts, env)
		if err != nil {
			skipped = append(skipped, r.skip(name, err))
			continue
		}
		next[name] = rt
	}
	for name, prev := range r.resources {
		if next[name] == prev {
			continue
		}
		prev.retired.Store(true)
		if r.mirror != nil {
			r.mirror.purge(name)
		}
		retired = append(retired, prev)
	}
	sort.Slice(skipped, func(i, j int) bool { return skipped[i].Name < skipped[j].Name })

	r.resources = next
	r.sources = cloneStringSlice(bundle.Sources)
	r.skipped = skipped
	r.logger.LogAttrs(ctx, slog.LevelDebug, "resources installed",
		slog.Int("resources", len(next)),
		slog.Int("skipped", len(skipped)),
	)
	return retired
}

func (r *Registry) options(cfg config.ResourceConfig) (reqstate.Options, error) {
	base := config.Config{Server: config.ServerConfig{Defaults: r.defaults}}
	return base.ResourceOptions(cfg)
}

func (r *Registry) skip(name string, err error) config.DefinitionSkip {
	r.logger.Warn("resource configuration skipped", slog.String("resource", name), slog.Any("error", err))
	return config.DefinitionSkip{Kind: "resource", Name: name, Reason: err.Error()}
}

func (r *Registry) build(name string, cfg config.ResourceConfig, opts reqstate.Options, env *expr.Environment) (*resourceRuntime, error) {
	timeout, err := cfg.Upstream.TimeoutDuration()
	if err != nil {
		return nil, err
	}
	endpoint, err := r.client.Endpoint(name, fetch.Upstream{
		URL:     cfg.Upstream.URL,
		Method:  cfg.Upstream.Method,
		Headers: cloneStringMap(cfg.Upstream.Headers),
		Body:    cfg.Upstream.Body,
		Timeout: timeout,
	})
	if err != nil {
		return nil, err
	}
	logger := r.logger.With(slog.String("component", "runtime"))
	retired := &atomic.Bool{}

	var res Resource
	if cfg.Keyed {
		res, err = buildResource(name, cfg, opts, env, r, logger, retired, endpoint, stringKey, coordinator.New[string, any], keyedHandle)
	} else {
		res, err = buildResource(name, cfg, opts, env, r, logger, retired, endpoint, unitKey, coordinator.NewResource[any], singletonHandle)
	}
	if err != nil {
		return nil, err
	}
	return &resourceRuntime{Resource: res, cfg: cfg, opts: opts, retired: retired}, nil
}

func buildResource[K comparable](
	name string,
	cfg config.ResourceConfig,
	opts reqstate.Options,
	env *expr.Environment,
	r *Registry,
	logger *slog.Logger,
	retired *atomic.Bool,
	endpoint *fetch.Endpoint,
	keyName func(K) string,
	construct func(string, coordinator.Config[K, any]) (*coordinator.Coordinator[K, any], error),
	wrap func(*coordinator.Coordinator[K, any], config.ResourceConfig) *handle[K],
) (Resource, error) {
	rules, err := evictRules(name, cfg.Evict, env, r.clock, logger.With(slog.String("resource", name)), keyName)
	if err != nil {
		return nil, err
	}
	ccfg := coordinator.Config[K, any]{
		Options: opts,
		Clock:   r.clock,
		Logger:  logger,
		Metrics: r.metrics,
		Evict:   rules,
	}
	if cfg.Batch {
		ccfg.BatchFetch = instrumentBatch(fetch.FetchBatch[K](endpoint), logger, name)
	} else {
		ccfg.Fetch = instrumentFetch(fetch.Fetch[K](endpoint), logger, name)
	}
	if opts.Paging {
		ccfg.Pager = fetch.JSONPager{}
	}
	if r.mirror != nil {
		ccfg.Observers = append(ccfg.Observers, mirrorObserver(r.mirror, retired, keyName))
	}
	c, err := construct(name, ccfg)
	if err != nil {
		return nil, err
	}
	return wrap(c, cfg), nil
}

// Close stops every coordinator, flushes the mirror and closes the store.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	resources := make([]*resourceRuntime, 0, len(r.resources))
	for _, rt := range r.resources {
		resources = append(resources, rt)
	}
	r.mu.Unlock()

	var errs []error
	for _, rt := range resources {
		if err := rt.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", rt.Name(), err))
		}
	}
	if r.mirror != nil {
		if err := r.mirror.close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("mirror: %w", err))
		}
	}
	if r.store != nil {
		if err := r.store.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Health summarizes the registry for /healthz and /explain.
type Health struct {
	Status             string                  `json:"status"`
	ObservedAt         time.Time               `json:"observedAt"`
	InFlight           int                     `json:"inFlight"`
	StoreEntries       *int64                  `json:"storeEntries,omitempty"`
	ResourceSources    []string                `json:"resourceSources,omitempty"`
	SkippedDefinitions []config.DefinitionSkip `json:"skippedDefinitions,omitempty"`
	AvailableResources []string                `json:"availableResources,omitempty"`
}

// Health reports the registry status. Skipped definitions degrade it.
func (r *Registry) Health(ctx context.Context) Health {
	r.mu.RLock()
	h := Health{
		Status:             "ok",
		ObservedAt:         r.clock.Now().UTC(),
		ResourceSources:    cloneStringSlice(r.sources),
		SkippedDefinitions: cloneDefinitionSkips(r.skipped),
	}
	for _, rt := range r.resources {
		h.InFlight += rt.InFlight()
	}
	r.mu.RUnlock()
	if len(h.SkippedDefinitions) > 0 {
		h.Status = "degraded"
	}
	h.AvailableResources = r.Names()
	if r.store != nil {
		size, err := r.store.Size(ctx)
		if err != nil {
			r.logger.Error("store size query failed", slog.Any("error", err))
		} else {
			h.StoreEntries = &size
		}
	}
	return h
}

// StoredEntry reads a mirrored entry from the store.
func (r *Registry) StoredEntry(ctx context.Context, resource, key string) (store.Entry, bool, error) {
	if r.store == nil {
		return store.Entry{}, false, errors.New("runtime: no snapshot store configured")
	}
	start := time.Now()
	entry, ok, err := r.store.Lookup(ctx, store.Key(resource, key))
	result := metrics.StoreResultOK
	switch {
	case err != nil:
		result = metrics.StoreResultError
	case !ok:
		result = metrics.StoreResultMiss
	}
	r.metrics.ObserveStoreOperation(metrics.StoreOperationLookup, result, time.Since(start))
	return entry, ok, err
}

func cloneStringMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneStringSlice(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	return append([]string(nil), in...)
}

func cloneDefinitionSkips(in []config.DefinitionSkip) []config.DefinitionSkip {
	if len(in) == 0 {
		return nil
	}
	out := make([]config.DefinitionSkip, len(in))
	for i, skip := range in {
		out[i] = skip
		out[i].Sources = cloneStringSlice(skip.Sources)
	}
	return out
}
