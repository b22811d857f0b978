package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/l0p7/fetchctrl/internal/coordinator"
	"github.com/l0p7/fetchctrl/internal/keyed"
	"github.com/l0p7/fetchctrl/internal/reqstate"
	"github.com/l0p7/fetchctrl/internal/store"
)

type operationResponse struct {
	Resource      string        `json:"resource"`
	Operation     string        `json:"operation"`
	CorrelationID string        `json:"correlationId,omitempty"`
	Dispatch      *Dispatch     `json:"dispatch,omitempty"`
	Settled       bool          `json:"settled,omitempty"`
	Error         string        `json:"error,omitempty"`
	Entries       []store.Entry `json:"entries"`
}

// ServeOperation applies an event to a resource. FETCH and REQUEST answer
// 202 unless the caller asked to wait for the fetch to settle.
func (r *Registry) ServeOperation(w http.ResponseWriter, req *http.Request, resource, operation string) {
	start := time.Now()
	status := http.StatusOK
	defer func() {
		r.metrics.ObserveRequest(resource, operation, status, time.Since(start))
	}()

	res, ok := r.Lookup(resource)
	if !ok {
		status = http.StatusNotFound
		r.WriteError(w, status, fmt.Sprintf("resource %q not found", resource))
		return
	}
	op, err := parseOperationRequest(req)
	if err != nil {
		status = http.StatusBadRequest
		r.WriteError(w, status, err.Error())
		return
	}
	kind, err := operationKind(operation, op.kind)
	if err != nil {
		status = http.StatusBadRequest
		r.WriteError(w, status, err.Error())
		return
	}

	correlationID := r.requestCorrelationID(w, req)
	logger := r.logger.With(
		slog.String("resource", resource),
		slog.String("operation", kind.String()),
		slog.String("correlation_id", correlationID),
	)

	issuing := kind == reqstate.KindFetch || kind == reqstate.KindRequest
	var settled <-chan error
	if issuing && op.wait {
		opts := res.Options()
		if opts.HandleParamsPromiseResolve && opts.HandleParamsPromiseReject {
			op.params, settled = awaitable(op.params)
		} else {
			logger.Debug("wait ignored, completion hooks disabled")
		}
	}

	dispatch, err := res.Apply(req.Context(), kind, op.keys, op.params)
	if err != nil {
		status = statusForError(err)
		logger.Warn("operation rejected", slog.Any("error", err))
		r.WriteError(w, status, err.Error())
		return
	}

	resp := operationResponse{
		Resource:      res.Name(),
		Operation:     kind.String(),
		CorrelationID: correlationID,
	}
	if issuing {
		resp.Dispatch = &dispatch
		if len(dispatch.Issued) > 0 {
			status = http.StatusAccepted
		}
	}
	if settled != nil && len(dispatch.Issued) > 0 {
		timer := time.NewTimer(op.waitTimeout)
		defer timer.Stop()
		select {
		case err := <-settled:
			resp.Settled = true
			status = http.StatusOK
			if err != nil {
				resp.Error = err.Error()
			}
		case <-timer.C:
		case <-req.Context().Done():
		}
	}

	entries, err := res.Entries(op.keys)
	if err != nil {
		logger.Error("entries encode failed", slog.Any("error", err))
	}
	resp.Entries = entries
	logger.Info("operation applied",
		slog.Int("http_status", status),
		slog.Int("issued", len(dispatch.Issued)),
		slog.Float64("latency_ms", float64(time.Since(start))/float64(time.Millisecond)),
	)
	r.writeJSON(w, status, resp)
}

// awaitable installs completion hooks that report on the returned channel.
func awaitable(params reqstate.Params) (reqstate.Params, <-chan error) {
	ch := make(chan error, 1)
	var once sync.Once
	params.Resolve = func() { once.Do(func() { ch <- nil }) }
	params.Reject = func(err error) { once.Do(func() { ch <- err }) }
	return params, ch
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, coordinator.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, coordinator.ErrEmptyKeys),
		errors.Is(err, keyed.ErrInvalidKeySet),
		errors.Is(err, ErrUnsupportedKind):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ServeState reports the current entries of a resource. With source=store
// the entries are read back from the snapshot store instead.
func (r *Registry) ServeState(w http.ResponseWriter, req *http.Request, resource string) {
	start := time.Now()
	status := http.StatusOK
	defer func() {
		r.metrics.ObserveRequest(resource, "state", status, time.Since(start))
	}()

	res, ok := r.Lookup(resource)
	if !ok {
		status = http.StatusNotFound
		r.WriteError(w, status, fmt.Sprintf("resource %q not found", resource))
		return
	}
	var keys []string
	for _, key := range req.URL.Query()["key"] {
		if trimmed := strings.TrimSpace(key); trimmed != "" {
			keys = append(keys, trimmed)
		}
	}

	var entries []store.Entry
	var err error
	if strings.EqualFold(req.URL.Query().Get("source"), "store") {
		entries, status, err = r.storedEntries(req.Context(), res, keys)
	} else {
		entries, err = res.Entries(keys)
		if err != nil {
			status = http.StatusInternalServerError
		}
	}
	if err != nil {
		r.WriteError(w, status, err.Error())
		return
	}
	r.writeJSON(w, status, map[string]any{
		"resource": res.Name(),
		"keyed":    res.Keyed(),
		"entries":  entries,
	})
}

func (r *Registry) storedEntries(ctx context.Context, res Resource, keys []string) ([]store.Entry, int, error) {
	if r.store == nil {
		return nil, http.StatusNotFound, errors.New("no snapshot store configured")
	}
	if !res.Keyed() {
		keys = []string{SelfKey}
	}
	if len(keys) == 0 {
		return nil, http.StatusBadRequest, errors.New("key required when reading from the store")
	}
	entries := make([]store.Entry, 0, len(keys))
	for _, key := range keys {
		entry, ok, err := r.StoredEntry(ctx, res.Name(), key)
		if err != nil {
			return nil, http.StatusBadGateway, err
		}
		if ok {
			entries = append(entries, entry)
		}
	}
	return entries, http.StatusOK, nil
}

// ServeSignal delivers a named signal to every resource.
func (r *Registry) ServeSignal(w http.ResponseWriter, req *http.Request, signal string) {
	start := time.Now()
	status := http.StatusOK
	defer func() {
		r.metrics.ObserveRequest("", "signal", status, time.Since(start))
	}()

	signal = strings.TrimSpace(signal)
	if signal == "" {
		status = http.StatusBadRequest
		r.WriteError(w, status, "signal name required")
		return
	}
	matched, err := r.Signal(req.Context(), signal)
	payload := map[string]any{"signal": signal, "matched": matched}
	if matched == nil {
		payload["matched"] = []string{}
	}
	if err != nil {
		status = http.StatusInternalServerError
		payload["error"] = err.Error()
		r.logger.Warn("signal delivery failed", slog.String("signal", signal), slog.Any("error", err))
	}
	r.writeJSON(w, status, payload)
}

// ServeHealth returns the aggregated registry health.
func (r *Registry) ServeHealth(w http.ResponseWriter, req *http.Request) {
	r.writeJSON(w, http.StatusOK, r.Health(req.Context()))
}

type explainOptions struct {
	Cache                      bool   `json:"cache"`
	CacheDuration              string `json:"cacheDuration"`
	Paging                     bool   `json:"paging"`
	HandleParamsPromiseResolve bool   `json:"handleParamsPromiseResolve"`
	HandleParamsPromiseReject  bool   `json:"handleParamsPromiseReject"`
	Timeout                    string `json:"timeout,omitempty"`
}

type explainResource struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Keyed       bool              `json:"keyed"`
	Batch       bool              `json:"batch,omitempty"`
	Options     explainOptions    `json:"options"`
	Signals     []string          `json:"signals,omitempty"`
	Types       map[string]string `json:"types"`
	InFlight    int               `json:"inFlight"`
	Entries     int               `json:"entries"`
}

// ServeExplain describes the configured resources, or only the named one.
func (r *Registry) ServeExplain(w http.ResponseWriter, req *http.Request, resource string) {
	names := r.Names()
	if resource != "" {
		if !r.ResourceExists(resource) {
			r.WriteError(w, http.StatusNotFound, fmt.Sprintf("resource %q not found", resource))
			return
		}
		names = []string{strings.TrimSpace(resource)}
	}
	described := make([]explainResource, 0, len(names))
	for _, name := range names {
		res, ok := r.Lookup(name)
		if !ok {
			continue
		}
		described = append(described, describe(res))
	}
	r.writeJSON(w, http.StatusOK, struct {
		Health
		Resources []explainResource `json:"resources"`
	}{Health: r.Health(req.Context()), Resources: described})
}

func describe(res Resource) explainResource {
	opts := res.Options()
	out := explainResource{
		Name:        res.Name(),
		Description: res.Description(),
		Keyed:       res.Keyed(),
		Batch:       res.Batch(),
		Options: explainOptions{
			Cache:                      opts.Cache,
			CacheDuration:              opts.CacheDuration.String(),
			Paging:                     opts.Paging,
			HandleParamsPromiseResolve: opts.HandleParamsPromiseResolve,
			HandleParamsPromiseReject:  opts.HandleParamsPromiseReject,
		},
		Signals:  res.Signals(),
		Types:    make(map[string]string),
		InFlight: res.InFlight(),
	}
	if opts.Timeout > 0 {
		out.Options.Timeout = opts.Timeout.String()
	}
	for kind, name := range res.Types() {
		out.Types[kind.String()] = name
	}
	if entries, err := res.Entries(nil); err == nil {
		out.Entries = len(entries)
	}
	return out
}

// WriteError emits a JSON error payload listing the available resources.
func (r *Registry) WriteError(w http.ResponseWriter, status int, message string) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	payload := map[string]any{"error": message}
	if names := r.Names(); len(names) > 0 {
		payload["availableResources"] = names
	}
	r.writeJSON(w, status, payload)
}

func (r *Registry) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.logger.Error("response encode failed", slog.Any("error", err))
	}
}

func (r *Registry) requestCorrelationID(w http.ResponseWriter, req *http.Request) string {
	if r.correlationHeader == "" {
		return ""
	}
	id := strings.TrimSpace(req.Header.Get(r.correlationHeader))
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set(r.correlationHeader, id)
	return id
}
