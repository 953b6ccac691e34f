package metrics

import (
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
)

// filter decides which requests are counted and how their URI is labeled.
// Path parameters are collapsed so each deployment's offer route shares
// one series.
type filter struct {
	mu    sync.RWMutex
	skip  map[string]struct{}
	label func(*http.Request) string
}

var requests = &filter{
	skip:  map[string]struct{}{"/metrics": {}, "/ping": {}},
	label: routePattern,
}

// AddMetricsSkipPaths excludes paths, or chi route patterns, from the
// request collectors.
func AddMetricsSkipPaths(paths ...string) {
	requests.mu.Lock()
	defer requests.mu.Unlock()
	for _, p := range paths {
		if p = strings.TrimSpace(p); p != "" {
			requests.skip[p] = struct{}{}
		}
	}
}

// SetPathNormalizer replaces the uri label function. nil restores the
// route pattern default.
func SetPathNormalizer(fn func(*http.Request) string) {
	if fn == nil {
		fn = routePattern
	}
	requests.mu.Lock()
	requests.label = fn
	requests.mu.Unlock()
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

func isSkipPath(r *http.Request) bool {
	requests.mu.RLock()
	defer requests.mu.RUnlock()
	if _, ok := requests.skip[r.URL.Path]; ok {
		return true
	}
	_, ok := requests.skip[routePattern(r)]
	return ok
}

func normalizePath(r *http.Request) string {
	requests.mu.RLock()
	fn := requests.label
	requests.mu.RUnlock()
	return fn(r)
}
