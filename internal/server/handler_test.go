package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"
	"github.com/l0p7/fetchctrl/internal/config"
	"github.com/l0p7/fetchctrl/internal/runtime"
	"github.com/stretchr/testify/require"
)

func TestRegistryHandlerEndToEnd(t *testing.T) {
	var hits atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"path": r.URL.Path})
	}))
	t.Cleanup(upstream.Close)

	reg := runtime.NewRegistry(newTestLogger(), runtime.RegistryOptions{
		Resources: map[string]config.ResourceConfig{
			"users": {
				Keyed:    true,
				Upstream: config.UpstreamConfig{URL: upstream.URL + "/users/{{ .Key }}"},
				Evict:    []config.EvictConfig{{On: []string{"logout"}}},
			},
		},
		CorrelationHeader: "X-Request-ID",
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = reg.Close(ctx)
	})

	srv := httptest.NewServer(NewRegistryHandler(reg))
	t.Cleanup(srv.Close)

	expect := httpexpect.WithConfig(httpexpect.Config{
		BaseURL:  srv.URL,
		Reporter: httpexpect.NewRequireReporter(t),
		Client:   srv.Client(),
	})

	t.Run("fetch waits for the upstream", func(t *testing.T) {
		result := expect.POST("/users/fetch").
			WithQuery("key", "42").
			WithQuery("wait", "true").
			WithHeader("X-Request-ID", "req-1").
			Expect()

		result.Status(http.StatusOK)
		result.Header("X-Request-ID").IsEqual("req-1")
		body := result.JSON().Object()
		body.Value("settled").Boolean().IsTrue()
		body.Value("correlationId").String().IsEqual("req-1")
		body.Value("dispatch").Object().Value("issued").Array().ContainsOnly("42")
		entry := body.Value("entries").Array().Value(0).Object()
		entry.Value("key").String().IsEqual("42")
		entry.Value("payload").Object().Value("path").String().IsEqual("/users/42")
	})

	t.Run("fresh entries are not refetched", func(t *testing.T) {
		body := expect.POST("/users/fetch").
			WithJSON(map[string]any{"keys": []string{"42"}}).
			Expect().
			Status(http.StatusOK).
			JSON().Object()
		body.Value("dispatch").Object().Value("issued").Array().IsEmpty()
		require.EqualValues(t, 1, hits.Load())
	})

	t.Run("state reports the entry", func(t *testing.T) {
		expect.GET("/users/state").
			WithQuery("key", "42").
			Expect().
			Status(http.StatusOK).
			JSON().Object().
			Value("entries").Array().Length().IsEqual(1)
	})

	t.Run("signal refetches", func(t *testing.T) {
		expect.POST("/signal/logout").
			Expect().
			Status(http.StatusOK).
			JSON().Object().
			Value("matched").Array().ContainsOnly("users")
		require.Eventually(t, func() bool { return hits.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("unknown resource", func(t *testing.T) {
		expect.POST("/posts/fetch").
			Expect().
			Status(http.StatusNotFound).
			JSON().Object().
			Value("availableResources").Array().ContainsOnly("users")
	})

	t.Run("health", func(t *testing.T) {
		expect.GET("/healthz").
			Expect().
			Status(http.StatusOK).
			JSON().Object().
			Value("status").String().IsEqual("ok")
	})

	t.Run("explain", func(t *testing.T) {
		resources := expect.GET("/users/explain").
			Expect().
			Status(http.StatusOK).
			JSON().Object().
			Value("resources").Array()
		resources.Length().IsEqual(1)
		resources.Value(0).Object().Value("signals").Array().ContainsOnly("logout")
	})
}
