package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func boolPtr(v bool) *bool { return &v }

func TestConfigValidate(t *testing.T) {
	valid := ResourceConfig{Upstream: UpstreamConfig{URL: "http://api.test"}}

	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "invalid port", mutate: func(cfg *Config) { cfg.Server.Listen.Port = -1 }, wantErr: true},
		{
			name:    "conflicting resource sources",
			mutate:  func(cfg *Config) { cfg.Server.Resources.ResourcesFile = "resources.yaml" },
			wantErr: true,
		},
		{name: "negative store ttl", mutate: func(cfg *Config) { cfg.Server.Store.TTLSeconds = -1 }, wantErr: true},
		{name: "redis without address", mutate: func(cfg *Config) { cfg.Server.Store.Backend = "redis" }, wantErr: true},
		{
			name: "redis with address",
			mutate: func(cfg *Config) {
				cfg.Server.Store.Backend = "Redis"
				cfg.Server.Store.Redis.Address = "127.0.0.1:6379"
			},
		},
		{name: "bad default duration", mutate: func(cfg *Config) { cfg.Server.Defaults.CacheDuration = "soon" }, wantErr: true},
		{
			name:   "valid resource",
			mutate: func(cfg *Config) { cfg.Resources = map[string]ResourceConfig{"users": valid} },
		},
		{
			name:    "resource without upstream",
			mutate:  func(cfg *Config) { cfg.Resources = map[string]ResourceConfig{"users": {}} },
			wantErr: true,
		},
		{
			name:    "resource name with slash",
			mutate:  func(cfg *Config) { cfg.Resources = map[string]ResourceConfig{"users/list": valid} },
			wantErr: true,
		},
		{
			name: "negative cache duration",
			mutate: func(cfg *Config) {
				res := valid
				res.Options.CacheDuration = "-1s"
				cfg.Resources = map[string]ResourceConfig{"users": res}
			},
			wantErr: true,
		},
		{
			name: "bad upstream timeout",
			mutate: func(cfg *Config) {
				res := valid
				res.Upstream.Timeout = "fast"
				cfg.Resources = map[string]ResourceConfig{"users": res}
			},
			wantErr: true,
		},
		{
			name: "batch without keyed",
			mutate: func(cfg *Config) {
				res := valid
				res.Batch = true
				cfg.Resources = map[string]ResourceConfig{"users": res}
			},
			wantErr: true,
		},
		{
			name: "batch with paging",
			mutate: func(cfg *Config) {
				res := valid
				res.Keyed, res.Batch = true, true
				res.Options.Paging = boolPtr(true)
				cfg.Resources = map[string]ResourceConfig{"users": res}
			},
			wantErr: true,
		},
		{
			name: "evict rule without signals",
			mutate: func(cfg *Config) {
				res := valid
				res.Evict = []EvictConfig{{Filter: "true"}}
				cfg.Resources = map[string]ResourceConfig{"users": res}
			},
			wantErr: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestResourceOptionsLayering(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Defaults = OptionsConfig{CacheDuration: "1m", Paging: boolPtr(true), Timeout: "5s"}

	opts, err := cfg.ResourceOptions(ResourceConfig{
		Options: OptionsConfig{Paging: boolPtr(false), HandleParamsPromiseReject: boolPtr(false)},
	})
	require.NoError(t, err)
	require.Equal(t, time.Minute, opts.CacheDuration)
	require.False(t, opts.Paging)
	require.True(t, opts.Cache)
	require.True(t, opts.HandleParamsPromiseResolve)
	require.False(t, opts.HandleParamsPromiseReject)
	require.Equal(t, 5*time.Second, opts.Timeout)

	_, err = cfg.ResourceOptions(ResourceConfig{Options: OptionsConfig{Timeout: "x"}})
	require.Error(t, err)
}
