package proxy

import (
	"encoding/json"
	"net"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/api-gateway/pkg/apierr"
)

// ManagementRoutes holds optional management API handler functions
// registered alongside the proxy routes.
type ManagementRoutes struct {
	Metrics fasthttp.RequestHandler
}

// Start starts the HTTP server on addr (e.g. ":8080").
// Pass nil for routes to start without management endpoints.
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
// Every "/api/<prefix>/*" request dispatches through the pipeline
// (handleProxy); everything else is either a management endpoint or a
// ROUTE_NOT_FOUND (spec §6).
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	srv, handler := g.buildServer(mgmt)
	srv.Handler = handler
	return srv.ListenAndServe(addr)
}

// StartWithRoutesOnListener serves the same handler chain as
// StartWithRoutes over an already-open net.Listener — used by tests that
// wire the gateway to an in-memory listener.
func (g *Gateway) StartWithRoutesOnListener(ln net.Listener, mgmt *ManagementRoutes) error {
	srv, handler := g.buildServer(mgmt)
	srv.Handler = handler
	return srv.Serve(ln)
}

func (g *Gateway) buildServer(mgmt *ManagementRoutes) (*fasthttp.Server, fasthttp.RequestHandler) {
	r := router.New()

	r.ANY("/api/{filepath:*}", g.handleProxy)
	r.ANY("/api", g.handleProxy)

	r.GET("/health", g.handleHealth)
	r.GET("/health/services", g.handleHealthServices)
	r.GET("/health/readiness", g.handleReadiness)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	r.NotFound = g.handleNotFound

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsConfig),
		securityHeaders,
	)

	return &fasthttp.Server{
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}, handler
}

func (g *Gateway) handleNotFound(ctx *fasthttp.RequestCtx) {
	requestID, _ := ctx.UserValue("request_id").(string)
	apierr.Write(ctx, apierr.New(apierr.KindRouteNotFound, "no route matches this path"), string(ctx.Path()), requestID)
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok"})
		return
	}
	snap := g.health.Snapshot()
	writeJSON(ctx, map[string]any{"status": snap.Status, "uptime_seconds": snap.UptimeSeconds})
}

func (g *Gateway) handleHealthServices(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]any{"services": map[string]string{}})
		return
	}
	writeJSON(ctx, g.health.Snapshot())
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health == nil || g.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
