package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoader(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T) []string
		wantErr bool
		assert  func(t *testing.T, cfg Config)
	}{
		{
			name: "returns defaults when no overrides",
			setup: func(t *testing.T) []string {
				t.Setenv("FETCHCTRL_SERVER__RESOURCES__RESOURCESFOLDER", t.TempDir())
				return nil
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 8080, cfg.Server.Listen.Port)
				require.Equal(t, "none", cfg.Server.Store.Backend)
				require.Equal(t, 600, cfg.Server.Store.TTLSeconds)
				require.Empty(t, cfg.Resources)
			},
		},
		{
			name: "merges file overrides",
			setup: func(t *testing.T) []string {
				path := writeFile(t, "server.yaml", "server:\n  listen:\n    port: 9090\n")
				t.Setenv("FETCHCTRL_SERVER__RESOURCES__RESOURCESFOLDER", t.TempDir())
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9090, cfg.Server.Listen.Port)
			},
		},
		{
			name: "reads json config files",
			setup: func(t *testing.T) []string {
				path := writeFile(t, "server.json", `{"server":{"listen":{"port":7070},"resources":{"resourcesFolder":""}}}`)
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 7070, cfg.Server.Listen.Port)
			},
		},
		{
			name: "prefers env overrides",
			setup: func(t *testing.T) []string {
				path := writeFile(t, "server.yaml", "server:\n  listen:\n    port: 9090\n")
				t.Setenv("FETCHCTRL_SERVER__RESOURCES__RESOURCESFOLDER", t.TempDir())
				t.Setenv("FETCHCTRL_SERVER__LISTEN__PORT", "9091")
				return []string{path}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9091, cfg.Server.Listen.Port)
			},
		},
		{
			name: "maps camel case env keys",
			setup: func(t *testing.T) []string {
				t.Setenv("FETCHCTRL_SERVER__RESOURCES__RESOURCESFOLDER", t.TempDir())
				t.Setenv("FETCHCTRL_SERVER__STORE__TTLSECONDS", "42")
				t.Setenv("FETCHCTRL_SERVER__DEFAULTS__CACHEDURATION", "1m")
				return nil
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 42, cfg.Server.Store.TTLSeconds)
				require.Equal(t, "1m", cfg.Server.Defaults.CacheDuration)
			},
		},
		{
			name: "fails when file missing",
			setup: func(t *testing.T) []string {
				t.Setenv("FETCHCTRL_SERVER__RESOURCES__RESOURCESFOLDER", t.TempDir())
				return []string{filepath.Join(t.TempDir(), "missing.yaml")}
			},
			wantErr: true,
		},
		{
			name: "fails on unsupported store backend",
			setup: func(t *testing.T) []string {
				path := writeFile(t, "server.yaml", "server:\n  store:\n    backend: etcd\n")
				t.Setenv("FETCHCTRL_SERVER__RESOURCES__RESOURCESFOLDER", t.TempDir())
				return []string{path}
			},
			wantErr: true,
		},
		{
			name: "fails on invalid inline resource",
			setup: func(t *testing.T) []string {
				path := writeFile(t, "server.yaml", "resources:\n  users:\n    description: no upstream\n")
				t.Setenv("FETCHCTRL_SERVER__RESOURCES__RESOURCESFOLDER", t.TempDir())
				return []string{path}
			},
			wantErr: true,
		},
		{
			name: "loads resources file and inline resources",
			setup: func(t *testing.T) []string {
				resourcesPath := writeFile(t, "resources.yaml", "resources:\n  posts:\n    keyed: true\n    upstream:\n      url: http://posts.test/{{ .Key }}\n")
				serverPath := writeFile(t, "server.yaml", fmt.Sprintf(
					"server:\n  resources:\n    resourcesFolder: \"\"\n    resourcesFile: %s\nresources:\n  settings:\n    options:\n      cacheDuration: 10s\n      paging: false\n    upstream:\n      url: http://settings.test\n      timeout: 2s\n",
					resourcesPath,
				))
				return []string{serverPath}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Contains(t, cfg.Resources, "settings")
				require.Contains(t, cfg.Resources, "posts")
				require.Contains(t, cfg.InlineResources, "settings")
				require.NotContains(t, cfg.InlineResources, "posts")
				require.True(t, cfg.Resources["posts"].Keyed)
				require.Len(t, cfg.ResourceSources, 2)
				require.Empty(t, cfg.SkippedDefinitions)

				opts, err := cfg.ResourceOptions(cfg.Resources["settings"])
				require.NoError(t, err)
				require.Equal(t, 10*time.Second, opts.CacheDuration)
				require.False(t, opts.Paging)
				require.True(t, opts.Cache)

				timeout, err := cfg.Resources["settings"].Upstream.TimeoutDuration()
				require.NoError(t, err)
				require.Equal(t, 2*time.Second, timeout)
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			args := tc.setup(t)
			cfg, err := NewLoader("FETCHCTRL", args...).Load(context.Background())
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			tc.assert(t, cfg)
		})
	}
}

func TestLoaderHonoursCancelledContext(t *testing.T) {
	path := writeFile(t, "server.yaml", "server:\n  listen:\n    port: 9090\n")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLoader("", path).Load(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}
