package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/l0p7/fetchctrl/internal/keyed"
	"github.com/l0p7/fetchctrl/internal/reqstate"
)

const (
	maxBodyBytes       = 1 << 20
	defaultWaitTimeout = 30 * time.Second
)

// operationBody is the optional JSON body of a resource operation. keys may
// be a single string or a list of strings.
type operationBody struct {
	Kind       string         `json:"kind"`
	Keys       any            `json:"keys"`
	Refreshing bool           `json:"refreshing"`
	Fresh      bool           `json:"fresh"`
	Params     map[string]any `json:"params"`
	Wait       bool           `json:"wait"`
}

type operationRequest struct {
	kind        string
	keys        []string
	params      reqstate.Params
	wait        bool
	waitTimeout time.Duration
}

// parseOperationRequest reads keys and parameters from the query string
// and, when present, the JSON body. Query keys come first.
//
// Query parameters:
//  1. key (repeatable)
//  2. refreshing, fresh, wait (booleans)
//  3. timeout (duration bounding wait)
func parseOperationRequest(r *http.Request) (operationRequest, error) {
	query := r.URL.Query()
	req := operationRequest{waitTimeout: defaultWaitTimeout}
	for _, key := range query["key"] {
		if trimmed := strings.TrimSpace(key); trimmed != "" {
			req.keys = append(req.keys, trimmed)
		}
	}

	var body operationBody
	if r.Body != nil && r.Body != http.NoBody {
		decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
		if err := decoder.Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			return operationRequest{}, fmt.Errorf("invalid request body: %w", err)
		}
	}
	if body.Keys != nil {
		set, err := keyed.ParseKeys[string](body.Keys)
		if err != nil {
			return operationRequest{}, err
		}
		req.keys = append(req.keys, set.Keys()...)
	}
	req.kind = strings.TrimSpace(body.Kind)

	var err error
	if req.params.Refreshing, err = queryBool(query, "refreshing", body.Refreshing); err != nil {
		return operationRequest{}, err
	}
	if req.params.Fresh, err = queryBool(query, "fresh", body.Fresh); err != nil {
		return operationRequest{}, err
	}
	if req.wait, err = queryBool(query, "wait", body.Wait); err != nil {
		return operationRequest{}, err
	}
	if raw := strings.TrimSpace(query.Get("timeout")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return operationRequest{}, fmt.Errorf("invalid timeout %q", raw)
		}
		req.waitTimeout = d
	}
	if len(body.Params) > 0 {
		req.params.Values = body.Params
	}
	return req, nil
}

func queryBool(query map[string][]string, name string, fallback bool) (bool, error) {
	values, ok := query[name]
	if !ok || len(values) == 0 {
		return fallback, nil
	}
	raw := strings.TrimSpace(values[0])
	if raw == "" {
		return true, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q", name, raw)
	}
	return v, nil
}

// operationKind resolves the event kind of an operation route. The generic
// "dispatch" route takes the kind from the body. Outcomes are never accepted
// from callers.
func operationKind(operation, bodyKind string) (reqstate.Kind, error) {
	name := operation
	if strings.EqualFold(operation, "dispatch") {
		if bodyKind == "" {
			return reqstate.KindUnknown, errors.New("dispatch requires a kind")
		}
		name = bodyKind
	}
	kind, err := reqstate.ParseKind(name)
	if err != nil {
		return reqstate.KindUnknown, err
	}
	if kind.IsOutcome() {
		return reqstate.KindUnknown, fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	}
	return kind, nil
}
