package fetch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/l0p7/fetchctrl/internal/coordinator"
	"github.com/l0p7/fetchctrl/internal/keyed"
	"github.com/l0p7/fetchctrl/internal/reqstate"
	"github.com/stretchr/testify/require"
)

func TestEndpointRendersRequest(t *testing.T) {
	var got struct {
		method, path, query, auth, requestID, body string
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		got.method = r.Method
		got.path = r.URL.Path
		got.query = r.URL.RawQuery
		got.auth = r.Header.Get("Authorization")
		got.requestID = r.Header.Get(RequestIDHeader)
		got.body = string(raw)
		_, _ = w.Write([]byte(`{"id":"42","name":"ann"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.Client(), nil)
	ep, err := client.Endpoint("users", Upstream{
		URL:     srv.URL + `/users/{{ .Key }}?page={{ .Page }}&q={{ .Params.q | default "all" }}`,
		Method:  "post",
		Headers: map[string]string{"authorization": `Bearer {{ "tok" | upper }}`},
		Body:    `{"keys":{{ .Keys | toJson }}}`,
	})
	require.NoError(t, err)

	fetch := Fetch[string](ep)
	payload, err := fetch(context.Background(), coordinator.FetchRequest[string]{
		Resource: "users",
		Key:      "42",
		Keys:     []string{"42"},
		Page:     3,
	})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"id": "42", "name": "ann"}, payload)

	require.Equal(t, http.MethodPost, got.method)
	require.Equal(t, "/users/42", got.path)
	require.Equal(t, "page=3&q=all", got.query)
	require.Equal(t, "Bearer TOK", got.auth)
	require.NotEmpty(t, got.requestID)
	require.JSONEq(t, `{"keys":["42"]}`, got.body)
}

func TestEndpointRejectsRestrictedHelpers(t *testing.T) {
	client := NewClient(nil, nil)
	_, err := client.Endpoint("x", Upstream{URL: `http://example.test/{{ env "HOME" }}`})
	require.Error(t, err)

	_, err = client.Endpoint("x", Upstream{})
	require.Error(t, err)
}

func TestEndpointStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ep, err := NewClient(srv.Client(), nil).Endpoint("users", Upstream{URL: srv.URL})
	require.NoError(t, err)
	_, err = ep.Do(context.Background(), Data{})
	require.ErrorIs(t, err, ErrUpstreamStatus)

	var status *StatusError
	require.ErrorAs(t, err, &status)
	require.Equal(t, http.StatusServiceUnavailable, status.Status)
	require.Equal(t, "nope", status.Body)
}

func TestEndpointRejectsOversizedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`"`))
		_, _ = w.Write([]byte(strings.Repeat("a", maxBodyBytes)))
		_, _ = w.Write([]byte(`"`))
	}))
	defer srv.Close()

	ep, err := NewClient(srv.Client(), nil).Endpoint("users", Upstream{URL: srv.URL})
	require.NoError(t, err)
	_, err = ep.Do(context.Background(), Data{})
	require.ErrorIs(t, err, ErrBodyTooLarge)
	require.NotContains(t, err.Error(), "decode body")
}

func TestTruncateKeepsRuneBoundary(t *testing.T) {
	cases := map[string]struct {
		in   string
		n    int
		want string
	}{
		"short":          {in: "  nope  ", n: 8, want: "nope"},
		"ascii":          {in: "abcdef", n: 3, want: "abc..."},
		"inside rune":    {in: "aé€b", n: 2, want: "a..."},
		"after rune":     {in: "aé€b", n: 3, want: "aé..."},
		"inside 3 bytes": {in: "aé€b", n: 5, want: "aé..."},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got := truncate(tc.in, tc.n)
			require.Equal(t, tc.want, got)
			require.True(t, utf8.ValidString(got))
		})
	}
}

func TestEndpointEmptyBodyIsNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ep, err := NewClient(srv.Client(), nil).Endpoint("ping", Upstream{URL: srv.URL})
	require.NoError(t, err)
	payload, err := Fetch[coordinator.Unit](ep)(context.Background(), coordinator.FetchRequest[coordinator.Unit]{})
	require.NoError(t, err)
	require.Nil(t, payload)
}

func TestEndpointTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ep, err := NewClient(srv.Client(), nil).Endpoint("slow", Upstream{URL: srv.URL, Timeout: 20 * time.Millisecond})
	require.NoError(t, err)
	_, err = ep.Do(context.Background(), Data{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIdenticalRequestsShareRoundTrip(t *testing.T) {
	var hits atomic.Int32
	gate := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		<-gate
		_, _ = w.Write([]byte(`[1,2]`))
	}))
	defer srv.Close()

	ep, err := NewClient(srv.Client(), nil).Endpoint("nums", Upstream{URL: srv.URL + "/nums"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]any, 5)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = ep.Do(context.Background(), Data{})
		}()
	}
	require.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	require.EqualValues(t, 1, hits.Load())
	for _, r := range results {
		require.Equal(t, []any{float64(1), float64(2)}, r)
	}
}

func TestFetchBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Keys []string `json:"keys"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		out := map[string]any{}
		for _, k := range req.Keys {
			if k != "missing" {
				out[k] = map[string]any{"id": k}
			}
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
	defer srv.Close()

	ep, err := NewClient(srv.Client(), nil).Endpoint("users", Upstream{
		URL:    srv.URL,
		Method: http.MethodPost,
		Body:   `{"keys":{{ .Keys | toJson }}}`,
	})
	require.NoError(t, err)

	got, err := FetchBatch[string](ep)(context.Background(), coordinator.FetchRequest[string]{
		Key:  "a",
		Keys: []string{"a", "missing", "b"},
	})
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"a": map[string]any{"id": "a"},
		"b": map[string]any{"id": "b"},
	}, got)
}

func TestFetchBatchIndexesListsByID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[{"id":"a","name":"Ada"},{"id":7,"name":"Seven"}]`))
	}))
	defer srv.Close()

	ep, err := NewClient(srv.Client(), nil).Endpoint("users", Upstream{URL: srv.URL})
	require.NoError(t, err)
	got, err := FetchBatch[string](ep)(context.Background(), coordinator.FetchRequest[string]{Key: "a", Keys: []string{"a", "7", "b"}})
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"a": map[string]any{"id": "a", "name": "Ada"},
		"7": map[string]any{"id": float64(7), "name": "Seven"},
	}, got)
}

func TestFetchBatchRejectsOtherShapes(t *testing.T) {
	for _, body := range []string{`"nope"`, `[1,2]`, `[{"name":"no id"}]`} {
		t.Run(body, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(body))
			}))
			defer srv.Close()

			ep, err := NewClient(srv.Client(), nil).Endpoint("users", Upstream{URL: srv.URL})
			require.NoError(t, err)
			_, err = FetchBatch[string](ep)(context.Background(), coordinator.FetchRequest[string]{Key: "a", Keys: []string{"a"}})
			require.ErrorIs(t, err, ErrBatchShape)
		})
	}
}

func TestEndpointDrivesCoordinator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"user":"` + r.URL.Path[1:] + `"}`))
	}))
	defer srv.Close()

	ep, err := NewClient(srv.Client(), nil).Endpoint("users", Upstream{URL: srv.URL + "/{{ .Key }}"})
	require.NoError(t, err)
	c, err := coordinator.New("users", coordinator.Config[string, any]{
		Options: reqstate.DefaultOptions(),
		Fetch:   Fetch[string](ep),
	})
	require.NoError(t, err)

	_, err = c.Trigger(context.Background(), keyed.One("ann"), reqstate.Params{})
	require.NoError(t, err)
	c.Wait()
	s, ok := c.State("ann")
	require.True(t, ok)
	require.Equal(t, map[string]any{"user": "ann"}, s.Payload)
}
