// Package fetch performs upstream HTTP fetches described by resource
// configuration. URLs, headers and bodies are text/template sources rendered
// per request.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/l0p7/fetchctrl/internal/coordinator"
	"github.com/l0p7/fetchctrl/internal/keyed"
	"golang.org/x/sync/singleflight"
)

// RequestIDHeader carries the per-fetch request identifier upstream.
const RequestIDHeader = "X-Request-Id"

const maxBodyBytes = 8 << 20

var (
	// ErrUpstreamStatus wraps non-2xx upstream responses.
	ErrUpstreamStatus = errors.New("fetch: upstream status")
	// ErrBatchShape is returned when a batch response is neither a JSON object
	// keyed by key nor a list of objects carrying an "id" member.
	ErrBatchShape = errors.New("fetch: batch response must be an object keyed by key or a list of objects with ids")
	// ErrBodyTooLarge rejects successful responses larger than the read limit.
	ErrBodyTooLarge = errors.New("fetch: response body too large")
)

// StatusError reports an upstream response outside the 2xx range.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %d: %s", ErrUpstreamStatus, e.Status, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrUpstreamStatus }

// Upstream describes how a resource is fetched.
type Upstream struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    string
	Timeout time.Duration
}

// Client issues upstream requests. Identical in-flight requests, across all
// resources sharing the client, collapse into one round trip.
type Client struct {
	http   *http.Client
	logger *slog.Logger
	group  singleflight.Group
}

// NewClient returns a client. A nil httpClient uses http.DefaultClient.
func NewClient(httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{http: httpClient, logger: logger.With(slog.String("agent", "fetch"))}
}

// Endpoint is a compiled upstream for one resource.
type Endpoint struct {
	resource string
	method   string
	timeout  time.Duration
	url      *compiled
	body     *compiled
	headers  map[string]*compiled
	client   *Client
}

// Endpoint compiles the upstream templates of a resource.
func (c *Client) Endpoint(resource string, up Upstream) (*Endpoint, error) {
	if strings.TrimSpace(up.URL) == "" {
		return nil, fmt.Errorf("fetch: %s: upstream url required", resource)
	}
	method := strings.ToUpper(strings.TrimSpace(up.Method))
	if method == "" {
		method = http.MethodGet
	}
	url, err := compile(resource+".url", up.URL)
	if err != nil {
		return nil, err
	}
	body, err := compile(resource+".body", up.Body)
	if err != nil {
		return nil, err
	}
	headers := make(map[string]*compiled, len(up.Headers))
	for name, source := range up.Headers {
		tmpl, err := compile(resource+".headers."+name, source)
		if err != nil {
			return nil, err
		}
		if tmpl != nil {
			headers[http.CanonicalHeaderKey(name)] = tmpl
		}
	}
	return &Endpoint{
		resource: resource,
		method:   method,
		timeout:  up.Timeout,
		url:      url,
		body:     body,
		headers:  headers,
		client:   c,
	}, nil
}

// Resource returns the resource name the endpoint serves.
func (e *Endpoint) Resource() string { return e.resource }

// Fetch returns a FetchFunc decoding the upstream JSON body as the payload.
func Fetch[K comparable](e *Endpoint) coordinator.FetchFunc[K, any] {
	return func(ctx context.Context, req coordinator.FetchRequest[K]) (any, error) {
		return e.Do(ctx, data(e.resource, req))
	}
}

// FetchBatch returns a BatchFetchFunc. The upstream answers either with a JSON
// object whose members are the payloads of the requested keys, or with a list
// of objects indexed by their "id" member.
func FetchBatch[K comparable](e *Endpoint) coordinator.BatchFetchFunc[K, any] {
	return func(ctx context.Context, req coordinator.FetchRequest[K]) (map[K]any, error) {
		decoded, err := e.Do(ctx, data(e.resource, req))
		if err != nil {
			return nil, err
		}
		members, ok := decoded.(map[string]any)
		if !ok {
			list, isList := decoded.([]any)
			if !isList {
				return nil, ErrBatchShape
			}
			if members, err = indexByID(list); err != nil {
				return nil, err
			}
		}
		out := make(map[K]any, len(req.Keys))
		for _, key := range req.Keys {
			if payload, ok := members[keyString(key)]; ok {
				out[key] = payload
			}
		}
		return out, nil
	}
}

func indexByID(items []any) (map[string]any, error) {
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, ErrBatchShape
		}
		if _, ok := obj["id"]; !ok {
			return nil, ErrBatchShape
		}
	}
	return keyed.IndexBy(items, func(item any) string {
		return fmt.Sprint(item.(map[string]any)["id"])
	}), nil
}

func data[K comparable](resource string, req coordinator.FetchRequest[K]) Data {
	keys := make([]string, len(req.Keys))
	for i, key := range req.Keys {
		keys[i] = keyString(key)
	}
	return Data{
		Resource: resource,
		Key:      keyString(req.Key),
		Keys:     keys,
		Page:     req.Page,
		Params:   req.Params.Values,
	}
}

func keyString[K comparable](key K) string {
	switch v := any(key).(type) {
	case string:
		return v
	case coordinator.Unit:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

type rendered struct {
	method  string
	url     string
	body    string
	headers map[string]string
}

// dedupeKey identifies requests that may share one round trip.
func (r rendered) dedupeKey() string {
	var b strings.Builder
	b.WriteString(r.method)
	b.WriteByte(' ')
	b.WriteString(r.url)
	names := make([]string, 0, len(r.headers))
	for name := range r.headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b.WriteString("\n" + name + ": " + r.headers[name])
	}
	b.WriteString("\n\n")
	b.WriteString(r.body)
	return b.String()
}

func (e *Endpoint) render(d Data) (rendered, error) {
	url, err := e.url.render(d)
	if err != nil {
		return rendered{}, err
	}
	body, err := e.body.render(d)
	if err != nil {
		return rendered{}, err
	}
	headers := make(map[string]string, len(e.headers))
	for name, tmpl := range e.headers {
		value, err := tmpl.render(d)
		if err != nil {
			return rendered{}, err
		}
		headers[name] = value
	}
	return rendered{method: e.method, url: strings.TrimSpace(url), body: body, headers: headers}, nil
}

// Do renders and performs one upstream request, returning the decoded JSON
// body. An empty body decodes to nil.
func (e *Endpoint) Do(ctx context.Context, d Data) (any, error) {
	if d.RequestID == "" {
		d.RequestID = uuid.NewString()
	}
	r, err := e.render(d)
	if err != nil {
		return nil, err
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	v, err, shared := e.client.group.Do(r.dedupeKey(), func() (any, error) {
		return e.client.roundTrip(ctx, r, d.RequestID)
	})
	if shared {
		e.client.logger.Debug("upstream request shared",
			slog.String("resource", e.resource),
			slog.String("url", r.url),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch: %s: %w", e.resource, err)
	}
	return v, nil
}

func (c *Client) roundTrip(ctx context.Context, r rendered, requestID string) (any, error) {
	var body io.Reader
	if r.body != "" {
		body = strings.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, r.url, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for name, value := range r.headers {
		req.Header.Set(name, value)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	if r.body != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(RequestIDHeader, requestID)

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	oversized := len(raw) > maxBodyBytes
	c.logger.Debug("upstream responded",
		slog.String("request_id", requestID),
		slog.String("method", r.method),
		slog.String("url", r.url),
		slog.Int("status", resp.StatusCode),
		slog.Duration("latency", time.Since(started)),
	)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Status: resp.StatusCode, Body: truncate(string(raw), 256)}
	}
	if oversized {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrBodyTooLarge, maxBodyBytes)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, nil
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	return decoded, nil
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
