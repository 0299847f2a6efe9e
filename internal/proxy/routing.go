package proxy

import (
	"strings"

	"github.com/nulpointcorp/api-gateway/internal/registry"
)

// ResolvedRoute is the outcome of a successful Router.Resolve call.
type ResolvedRoute struct {
	Service       registry.ServiceDescriptor
	RoutePrefix   string
	RemainderPath string
}

// Router maps an incoming request path to a target ServiceDescriptor per
// spec §4.1: a fixed table keyed by the second path segment, with the
// gateway's own "/api" segment stripped before matching. The method plays
// no part in resolution.
type Router struct {
	reg   *registry.Registry
	table map[string]string
}

// NewRouter creates a Router over reg. A nil table falls back to
// registry.DefaultRouteTable.
func NewRouter(reg *registry.Registry, table map[string]string) *Router {
	if table == nil {
		table = registry.DefaultRouteTable
	}
	return &Router{reg: reg, table: table}
}

// splitAPIPath strips a leading "/api" segment and splits what remains into
// its first segment (the route prefix) and everything after it (the
// remainder, always starting with "/" or empty for the bare prefix).
func splitAPIPath(path string) (prefix, remainder string) {
	trimmed := strings.TrimPrefix(path, "/api")
	trimmed = strings.TrimPrefix(trimmed, "/")
	if trimmed == "" {
		return "", "/"
	}
	idx := strings.IndexByte(trimmed, '/')
	if idx < 0 {
		return trimmed, "/"
	}
	return trimmed[:idx], trimmed[idx:]
}

// RoutePrefix extracts only the top-level path segment, without requiring a
// registered route. The rate limiter (spec §4.3) resolves its tier from this
// segment before the Router stage runs, so it must not depend on a match.
func RoutePrefix(path string) string {
	prefix, _ := splitAPIPath(path)
	return prefix
}

// Resolve implements spec §4.1's longest-prefix match. Case-sensitive, as
// the table itself is. Returns false when no prefix matches or the matched
// service is not registered (e.g. not configured for this deployment).
func (r *Router) Resolve(path string) (ResolvedRoute, bool) {
	prefix, remainder := splitAPIPath(path)
	serviceName, ok := r.table[prefix]
	if !ok {
		return ResolvedRoute{}, false
	}
	desc, ok := r.reg.Get(serviceName)
	if !ok {
		return ResolvedRoute{}, false
	}
	return ResolvedRoute{Service: desc, RoutePrefix: prefix, RemainderPath: remainder}, true
}
