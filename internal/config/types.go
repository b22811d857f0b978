package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/l0p7/fetchctrl/internal/reqstate"
)

// Config holds every server-level option plus the resource definitions once
// they are loaded.
type Config struct {
	Server    ServerConfig              `koanf:"server"`
	Resources map[string]ResourceConfig `koanf:"resources"`

	InlineResources map[string]ResourceConfig `koanf:"-"`

	// ResourceSources records which files contributed resource definitions.
	ResourceSources []string `koanf:"-"`
	// SkippedDefinitions captures duplicate or invalid definitions the loader
	// disabled so health checks can surface them.
	SkippedDefinitions []DefinitionSkip `koanf:"-"`
}

// ServerConfig collects the bootstrap knobs of the daemon.
type ServerConfig struct {
	Listen    ListenConfig    `koanf:"listen"`
	Logging   LoggingConfig   `koanf:"logging"`
	Resources ResourcesConfig `koanf:"resources"`
	Store     StoreConfig     `koanf:"store"`
	Defaults  OptionsConfig   `koanf:"defaults"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// ResourcesConfig announces where resource documents are sourced from.
type ResourcesConfig struct {
	ResourcesFolder string `koanf:"resourcesFolder"`
	ResourcesFile   string `koanf:"resourcesFile"`
}

// StoreConfig selects where state snapshots are mirrored. Backend "none"
// disables mirroring.
type StoreConfig struct {
	Backend    string           `koanf:"backend"`
	TTLSeconds int              `koanf:"ttlSeconds"`
	Redis      StoreRedisConfig `koanf:"redis"`
}

type StoreRedisConfig struct {
	Address  string              `koanf:"address"`
	Username string              `koanf:"username"`
	Password string              `koanf:"password"`
	DB       int                 `koanf:"db"`
	TLS      StoreRedisTLSConfig `koanf:"tls"`
}

type StoreRedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// OptionsConfig is the document form of reqstate.Overrides. Unset fields keep
// the inherited value.
type OptionsConfig struct {
	Cache                      *bool  `koanf:"cache"`
	CacheDuration              string `koanf:"cacheDuration"`
	Paging                     *bool  `koanf:"paging"`
	HandleParamsPromiseResolve *bool  `koanf:"handleParamsPromiseResolve"`
	HandleParamsPromiseReject  *bool  `koanf:"handleParamsPromiseReject"`
	Timeout                    string `koanf:"timeout"`
}

// Overrides parses the durations and returns the equivalent overrides.
func (o OptionsConfig) Overrides() (reqstate.Overrides, error) {
	ov := reqstate.Overrides{
		Cache:                      o.Cache,
		Paging:                     o.Paging,
		HandleParamsPromiseResolve: o.HandleParamsPromiseResolve,
		HandleParamsPromiseReject:  o.HandleParamsPromiseReject,
	}
	if s := strings.TrimSpace(o.CacheDuration); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return reqstate.Overrides{}, fmt.Errorf("cacheDuration: %w", err)
		}
		if d < 0 {
			return reqstate.Overrides{}, fmt.Errorf("cacheDuration must not be negative: %s", s)
		}
		ov.CacheDuration = &d
	}
	if s := strings.TrimSpace(o.Timeout); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return reqstate.Overrides{}, fmt.Errorf("timeout: %w", err)
		}
		if d < 0 {
			return reqstate.Overrides{}, fmt.Errorf("timeout must not be negative: %s", s)
		}
		ov.Timeout = &d
	}
	return ov, nil
}

// DefinitionSkip describes a resource the loader ignored because it violated
// invariants, for example a duplicate name across files.
type DefinitionSkip struct {
	Kind    string   `json:"kind"`
	Name    string   `json:"name"`
	Reason  string   `json:"reason"`
	Sources []string `json:"sources"`
}

// ResourceConfig declares one fetchable resource.
type ResourceConfig struct {
	Description string `koanf:"description"`
	// Keyed tracks one request state per key instead of a single state.
	Keyed bool `koanf:"keyed"`
	// Batch fetches every eligible key with one upstream call.
	Batch    bool           `koanf:"batch"`
	Options  OptionsConfig  `koanf:"options"`
	Upstream UpstreamConfig `koanf:"upstream"`
	Evict    []EvictConfig  `koanf:"evict"`
}

// UpstreamConfig holds the templated HTTP request issued per fetch.
type UpstreamConfig struct {
	URL     string            `koanf:"url"`
	Method  string            `koanf:"method"`
	Headers map[string]string `koanf:"headers"`
	Body    string            `koanf:"body"`
	Timeout string            `koanf:"timeout"`
}

// TimeoutDuration parses Timeout; blank means no limit.
func (u UpstreamConfig) TimeoutDuration() (time.Duration, error) {
	s := strings.TrimSpace(u.Timeout)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("upstream.timeout: %w", err)
	}
	return d, nil
}

// EvictConfig clears and refetches cached payloads when a named signal
// arrives and the optional CEL filter holds.
type EvictConfig struct {
	On     []string `koanf:"on"`
	Filter string   `koanf:"filter"`
}

// ResourceOptions returns the effective options of a resource: package
// defaults, then server defaults, then the resource's own overrides.
func (c Config) ResourceOptions(res ResourceConfig) (reqstate.Options, error) {
	defaults, err := c.Server.Defaults.Overrides()
	if err != nil {
		return reqstate.Options{}, fmt.Errorf("config: server.defaults.%w", err)
	}
	own, err := res.Options.Overrides()
	if err != nil {
		return reqstate.Options{}, fmt.Errorf("config: options.%w", err)
	}
	return reqstate.DefaultOptions().Merge(defaults).Merge(own), nil
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if c.Server.Resources.ResourcesFolder != "" && c.Server.Resources.ResourcesFile != "" {
		return errors.New("config: resourcesFolder and resourcesFile are mutually exclusive")
	}
	if c.Server.Store.TTLSeconds < 0 {
		return fmt.Errorf("config: server.store.ttlSeconds invalid: %d", c.Server.Store.TTLSeconds)
	}
	backend := strings.TrimSpace(strings.ToLower(c.Server.Store.Backend))
	switch backend {
	case "", "none", "memory":
	case "redis":
		if strings.TrimSpace(c.Server.Store.Redis.Address) == "" {
			return errors.New("config: server.store.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: server.store.backend unsupported: %s", c.Server.Store.Backend)
	}
	if _, err := c.Server.Defaults.Overrides(); err != nil {
		return fmt.Errorf("config: server.defaults.%w", err)
	}
	for name, res := range c.Resources {
		if err := validateResource(name, res); err != nil {
			return err
		}
	}
	return nil
}

// DefaultConfig returns the baseline values.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
			Resources: ResourcesConfig{
				ResourcesFolder: "./resources",
			},
			Store: StoreConfig{
				Backend:    "none",
				TTLSeconds: 600,
			},
		},
	}
}

func validateResource(name string, res ResourceConfig) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("config: resource name required")
	}
	if strings.ContainsAny(name, " \t/") {
		return fmt.Errorf("config: resource %q name must not contain whitespace or '/'", name)
	}
	if strings.TrimSpace(res.Upstream.URL) == "" {
		return fmt.Errorf("config: resource %q upstream.url required", name)
	}
	if _, err := res.Upstream.TimeoutDuration(); err != nil {
		return fmt.Errorf("config: resource %q %w", name, err)
	}
	if _, err := res.Options.Overrides(); err != nil {
		return fmt.Errorf("config: resource %q options.%w", name, err)
	}
	if res.Batch && !res.Keyed {
		return fmt.Errorf("config: resource %q batch requires keyed", name)
	}
	if res.Batch && res.Options.Paging != nil && *res.Options.Paging {
		return fmt.Errorf("config: resource %q batch cannot be combined with paging", name)
	}
	for i, rule := range res.Evict {
		if len(rule.On) == 0 {
			return fmt.Errorf("config: resource %q evict[%d].on requires at least one signal", name, i)
		}
		for j, on := range rule.On {
			if strings.TrimSpace(on) == "" {
				return fmt.Errorf("config: resource %q evict[%d].on[%d] empty", name, i, j)
			}
		}
	}
	return nil
}
