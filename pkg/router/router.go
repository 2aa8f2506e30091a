package router

import (
	"fmt"
	"sync"

	"github.com/junbin-yang/coapd/pkg/coaperr"
	"github.com/junbin-yang/coapd/pkg/codec"
)

// Router is a single routing table: exact-match hash lookup first, then
// ordered dynamic-route scan. Safe for concurrent dispatch; registration
// is expected at boot but is itself lock-protected.
type Router struct {
	mu      sync.RWMutex
	exact   map[string]*route   // "METHOD PATH" -> route
	dynamic []*route            // insertion order, first match wins
	all     []*route            // every route in registration order, for link-format emission
}

func New() *Router {
	return &Router{
		exact: make(map[string]*route),
	}
}

func exactKey(method codec.Code, pattern string) string {
	return fmt.Sprintf("%d %s", method, pattern)
}

// Handle registers a handler for (method, pattern). pattern segments
// prefixed with ":" are captures. Registering the same (method, pattern)
// twice is a configuration error (coaperr.ErrDuplicateRoute).
func (r *Router) Handle(method codec.Code, pattern string, h Handler, meta Metadata) error {
	segs := splitSegments(pattern)
	dyn := isDynamicPattern(segs)
	rt := &route{method: method, pattern: normalizePattern(pattern), segments: segs, dynamic: dyn, handler: h, meta: meta}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := exactKey(method, rt.pattern)
	if !dyn {
		if _, exists := r.exact[key]; exists {
			return fmt.Errorf("router: duplicate route %s: %w", key, coaperr.ErrDuplicateRoute)
		}
		r.exact[key] = rt
	} else {
		for _, existing := range r.dynamic {
			if existing.method == method && existing.pattern == rt.pattern {
				return fmt.Errorf("router: duplicate route %s: %w", key, coaperr.ErrDuplicateRoute)
			}
		}
		r.dynamic = append(r.dynamic, rt)
	}
	r.all = append(r.all, rt)
	return nil
}

func normalizePattern(p string) string {
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		p = "/" + p
	}
	if len(p) > 1 && p[len(p)-1] == '/' {
		p = p[:len(p)-1]
	}
	return p
}

// Match resolves (method, path): exact hit, then ordered
// dynamic scan, binding params. pathExistsOtherMethod reports whether the
// path matches some route under a different method (for 4.05 vs 4.04).
func (r *Router) Match(method codec.Code, path string) (h Handler, params map[string]string, pathExistsOtherMethod bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	norm := normalizePattern(path)
	if rt, ok := r.exact[exactKey(method, norm)]; ok {
		return rt.handler, map[string]string{}, false
	}

	reqSegs := splitSegments(norm)
	for _, rt := range r.dynamic {
		if rt.method != method {
			continue
		}
		if params, ok := matchSegments(rt.segments, reqSegs); ok {
			return rt.handler, params, false
		}
	}

	// Second pass, ignoring method, to distinguish 404 from 405.
	for key := range r.exact {
		var m codec.Code
		var p string
		fmt.Sscanf(key, "%d %s", &m, &p)
		if p == norm {
			pathExistsOtherMethod = true
			break
		}
	}
	if !pathExistsOtherMethod {
		for _, rt := range r.dynamic {
			if _, ok := matchSegments(rt.segments, reqSegs); ok {
				pathExistsOtherMethod = true
				break
			}
		}
	}
	return nil, nil, pathExistsOtherMethod
}

// Routes returns every registered route for link-format emission.
func (r *Router) Routes() []RouteInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RouteInfo, 0, len(r.all))
	for _, rt := range r.all {
		out = append(out, RouteInfo{Method: rt.method, Path: rt.pattern, Meta: rt.meta})
	}
	return out
}

// RouteInfo is the read-only view of a route exposed to the link-format emitter.
type RouteInfo struct {
	Method codec.Code
	Path   string
	Meta   Metadata
}
