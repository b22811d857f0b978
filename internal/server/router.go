package server

import (
	"fmt"
	"net/http"
	"strings"
)

// RegistryHTTP defines the minimal surface the router needs from the resource
// registry to serve HTTP requests.
type RegistryHTTP interface {
	ServeOperation(w http.ResponseWriter, r *http.Request, resource, operation string)
	ServeState(w http.ResponseWriter, r *http.Request, resource string)
	ServeSignal(w http.ResponseWriter, r *http.Request, signal string)
	ServeHealth(w http.ResponseWriter, r *http.Request)
	ServeExplain(w http.ResponseWriter, r *http.Request, resource string)
	ResourceExists(name string) bool
	WriteError(w http.ResponseWriter, status int, message string)
}

// operations are the event routes accepted under /{resource}/.
var operations = map[string]bool{
	"fetch":          true,
	"request":        true,
	"invalidate":     true,
	"clear":          true,
	"reset-paging":   true,
	"invalidate-all": true,
	"clear-all":      true,
	"dispatch":       true,
}

type route struct {
	kind     string
	resource string
	name     string
}

// NewRegistryHandler wires URL dispatch to the registry so the registry
// itself stays free of routing logic.
func NewRegistryHandler(reg RegistryHTTP) http.Handler {
	if reg == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "registry unavailable", http.StatusServiceUnavailable)
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rt, ok := parseRoute(r.URL.Path)
		if !ok {
			http.NotFound(w, r)
			return
		}
		if !allowMethod(w, r, rt.kind) {
			return
		}
		if rt.resource != "" && !reg.ResourceExists(rt.resource) {
			reg.WriteError(w, http.StatusNotFound, fmt.Sprintf("resource %q not found", rt.resource))
			return
		}

		switch rt.kind {
		case "healthz":
			reg.ServeHealth(w, r)
		case "explain":
			reg.ServeExplain(w, r, rt.resource)
		case "signal":
			reg.ServeSignal(w, r, rt.name)
		case "state":
			reg.ServeState(w, r, rt.resource)
		case "operation":
			reg.ServeOperation(w, r, rt.resource, rt.name)
		default:
			http.NotFound(w, r)
		}
	})
}

func allowMethod(w http.ResponseWriter, r *http.Request, kind string) bool {
	allowed := http.MethodGet
	if kind == "signal" || kind == "operation" {
		allowed = http.MethodPost
	}
	if r.Method == allowed || (allowed == http.MethodGet && r.Method == http.MethodHead) {
		return true
	}
	w.Header().Set("Allow", allowed)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

// parseRoute splits a request path into its route. "/signal/{name}" takes
// precedence over a resource called "signal".
func parseRoute(path string) (route, bool) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return route{}, false
	}
	parts := strings.Split(trimmed, "/")
	for _, part := range parts {
		if part == "" {
			return route{}, false
		}
	}
	switch len(parts) {
	case 1:
		switch strings.ToLower(parts[0]) {
		case "health", "healthz":
			return route{kind: "healthz"}, true
		case "explain":
			return route{kind: "explain"}, true
		}
	case 2:
		if strings.EqualFold(parts[0], "signal") {
			return route{kind: "signal", name: parts[1]}, true
		}
		name := strings.ToLower(parts[1])
		switch {
		case name == "health" || name == "healthz":
			return route{kind: "healthz", resource: parts[0]}, true
		case name == "explain":
			return route{kind: "explain", resource: parts[0]}, true
		case name == "state":
			return route{kind: "state", resource: parts[0]}, true
		case operations[name]:
			return route{kind: "operation", resource: parts[0], name: name}, true
		}
	}
	return route{}, false
}
