package router

import (
	"errors"
	"fmt"
	"strings"

	"github.com/searchktools/startline/core/http"
)

var (
	ErrUnsupportedMethod = errors.New("unsupported method")
	ErrInvalidPattern    = errors.New("invalid path pattern")
	ErrDuplicateParam    = errors.New("duplicate parameter name")
)

// Methods lists the methods routes can be registered for
var Methods = []string{"GET", "POST", "PUT", "DELETE", "PATCH"}

// segment is one compiled element of a path pattern
type segment struct {
	literal string
	param   bool
}

type route struct {
	pattern  string
	segments []segment
	names    []string // capture names in declaration order
	handler  http.HandlerFunc
}

// Match is the result of a successful lookup
type Match struct {
	Handler http.HandlerFunc
	Pattern string
	Params  http.Params
}

// RouteInfo describes a registered route
type RouteInfo struct {
	Method  string
	Pattern string
}

// Router matches requests against path patterns registered per method.
// The first registered pattern that matches a path wins.
type Router struct {
	routes     map[string][]*route
	order      []RouteInfo
	middleware []http.Middleware
	after      []http.AfterFunc
}

// New creates an empty router
func New() *Router {
	r := &Router{
		routes: make(map[string][]*route, len(Methods)),
	}
	for _, m := range Methods {
		r.routes[m] = nil
	}
	return r
}

// Add registers handler for method and pattern.
//
// A pattern is a sequence of "/"-separated segments. A segment starting
// with ':' captures exactly one non-empty path segment under that name; any
// other segment must match literally.
func (r *Router) Add(method, pattern string, handler http.HandlerFunc) error {
	method = strings.ToUpper(method)
	if _, ok := r.routes[method]; !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedMethod, method)
	}
	if handler == nil {
		return fmt.Errorf("%w: nil handler for %s", ErrInvalidPattern, pattern)
	}

	rt, err := compile(pattern)
	if err != nil {
		return err
	}
	rt.handler = handler

	r.routes[method] = append(r.routes[method], rt)
	r.order = append(r.order, RouteInfo{Method: method, Pattern: pattern})
	return nil
}

// Use appends a middleware
func (r *Router) Use(mw http.Middleware) {
	r.middleware = append(r.middleware, mw)
}

// Middleware returns the registered middleware in registration order
func (r *Router) Middleware() []http.Middleware {
	return r.middleware
}

// After appends a hook run on every final response
func (r *Router) After(fn http.AfterFunc) {
	r.after = append(r.after, fn)
}

// AfterHooks returns the registered after hooks in registration order
func (r *Router) AfterHooks() []http.AfterFunc {
	return r.after
}

// Routes returns the registered routes in registration order
func (r *Router) Routes() []RouteInfo {
	return r.order
}

// Match finds the first route registered for method whose pattern matches
// path in full. ok is false for unknown methods and unmatched paths.
func (r *Router) Match(method, path string) (Match, bool) {
	routes := r.routes[method]
	if len(routes) == 0 || !strings.HasPrefix(path, "/") {
		return Match{}, false
	}

	parts := strings.Split(path[1:], "/")
	for _, rt := range routes {
		if params, ok := rt.match(parts); ok {
			return Match{Handler: rt.handler, Pattern: rt.pattern, Params: params}, true
		}
	}

	return Match{}, false
}

func compile(pattern string) (*route, error) {
	if !strings.HasPrefix(pattern, "/") {
		return nil, fmt.Errorf("%w: %q must begin with '/'", ErrInvalidPattern, pattern)
	}

	rt := &route{pattern: pattern}
	seen := make(map[string]bool)

	for _, part := range strings.Split(pattern[1:], "/") {
		if !strings.HasPrefix(part, ":") {
			rt.segments = append(rt.segments, segment{literal: part})
			continue
		}

		name := part[1:]
		if name == "" {
			return nil, fmt.Errorf("%w: unnamed parameter in %q", ErrInvalidPattern, pattern)
		}
		if seen[name] {
			return nil, fmt.Errorf("%w: %q in %q", ErrDuplicateParam, name, pattern)
		}
		seen[name] = true

		rt.segments = append(rt.segments, segment{param: true})
		rt.names = append(rt.names, name)
	}

	return rt, nil
}

// match compares the route against the "/"-split parts of a path
func (rt *route) match(parts []string) (http.Params, bool) {
	if len(parts) != len(rt.segments) {
		return nil, false
	}

	params := make(http.Params, len(rt.names))
	n := 0
	for i, seg := range rt.segments {
		if !seg.param {
			if parts[i] != seg.literal {
				return nil, false
			}
			continue
		}

		if parts[i] == "" {
			return nil, false
		}
		params[rt.names[n]] = parts[i]
		n++
	}

	return params, true
}
