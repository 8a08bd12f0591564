package server

import (
	"slices"
	"strings"
	"sync"

	"slimweb"
	"slimweb/conn"
)

// Mux routes requests on exact (method, path) pairs. A HEAD request falls
// back to the GET route of the same path. A path registered under other
// methods only gets 405 with an Allow header. Paths without an exact route
// go to the longest matching prefix route, if any, and otherwise get 404.
//
// Mux implements conn.ContinueChecker so unroutable requests are rejected
// before their body is transferred.
type Mux struct {
	mu       sync.RWMutex
	routes   map[string]map[slimweb.Method]conn.Handler
	prefixes []prefixRoute
}

type prefixRoute struct {
	prefix string
	h      conn.Handler
}

// NewMux returns an empty route table.
func NewMux() *Mux {
	return &Mux{routes: make(map[string]map[slimweb.Method]conn.Handler)}
}

// Handle registers h for method and path. A later registration of the same
// pair replaces the earlier one.
func (m *Mux) Handle(method slimweb.Method, path string, h conn.Handler) {
	if !method.Valid() {
		panic("server: invalid method " + string(method))
	}
	if !strings.HasPrefix(path, "/") {
		panic("server: route path must start with /: " + path)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	byMethod := m.routes[path]
	if byMethod == nil {
		byMethod = make(map[slimweb.Method]conn.Handler)
		m.routes[path] = byMethod
	}
	byMethod[method] = h
}

// HandlePrefix registers h for every method on paths starting with prefix.
// prefix must start and end with "/".
func (m *Mux) HandlePrefix(prefix string, h conn.Handler) {
	if !strings.HasPrefix(prefix, "/") || !strings.HasSuffix(prefix, "/") {
		panic("server: route prefix must start and end with /: " + prefix)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefixes = slices.DeleteFunc(m.prefixes, func(r prefixRoute) bool { return r.prefix == prefix })
	m.prefixes = append(m.prefixes, prefixRoute{prefix: prefix, h: h})
	slices.SortFunc(m.prefixes, func(a, b prefixRoute) int { return len(b.prefix) - len(a.prefix) })
}

// HandleFunc registers fn for method and path.
func (m *Mux) HandleFunc(method slimweb.Method, path string, fn func(*slimweb.Request) (*slimweb.Response, error)) {
	m.Handle(method, path, conn.HandlerFunc(fn))
}

// Serve dispatches req to its route.
func (m *Mux) Serve(req *slimweb.Request) (*slimweb.Response, error) {
	h, miss := m.lookup(req)
	if miss != nil {
		return miss, nil
	}
	return h.Serve(req)
}

// CheckContinue rejects requests without a route and otherwise defers to
// the route's handler when it inspects heads itself.
func (m *Mux) CheckContinue(req *slimweb.Request) *slimweb.Response {
	h, miss := m.lookup(req)
	if miss != nil {
		return miss
	}
	if cc, ok := h.(conn.ContinueChecker); ok {
		return cc.CheckContinue(req)
	}
	return nil
}

func (m *Mux) lookup(req *slimweb.Request) (conn.Handler, *slimweb.Response) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byMethod, ok := m.routes[req.Path]
	if !ok {
		for _, r := range m.prefixes {
			if strings.HasPrefix(req.Path, r.prefix) {
				return r.h, nil
			}
		}
		return nil, slimweb.Text(404, "not found\n")
	}
	if h, ok := byMethod[req.Method]; ok {
		return h, nil
	}
	if req.Method == slimweb.MethodHead {
		if h, ok := byMethod[slimweb.MethodGet]; ok {
			return h, nil
		}
	}
	allow := make([]string, 0, len(byMethod)+1)
	for method := range byMethod {
		allow = append(allow, string(method))
		if method == slimweb.MethodGet {
			if _, ok := byMethod[slimweb.MethodHead]; !ok {
				allow = append(allow, string(slimweb.MethodHead))
			}
		}
	}
	slices.Sort(allow)
	resp := slimweb.Text(405, "method not allowed\n")
	_ = resp.Header.Set("Allow", strings.Join(allow, ", "))
	return nil, resp
}
