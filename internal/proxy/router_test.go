package proxy

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/api-gateway/internal/registry"
)

// serveRouter starts the full router (with all routes) on an in-memory
// listener and returns an HTTP client + cleanup.
func serveRouter(t *testing.T, gw *Gateway) (*http.Client, func()) {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()

	go func() {
		_ = gw.StartWithRoutesOnListener(ln, nil)
	}()

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}

	return client, func() { ln.Close() }
}

func newTestGateway(t *testing.T, health *HealthChecker) *Gateway {
	t.Helper()
	reg, err := registry.New([]registry.ServiceDescriptor{
		{Name: "user-service", BaseURL: "http://stub", Timeout: time.Second, HealthCheckPath: "/health"},
	})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	return NewGatewayWithOptions(GatewayOptions{
		Registry: reg,
		Router:   NewRouter(reg, nil),
		Health:   health,
	})
}

// --- handleHealth -----------------------------------------------------------

func TestHandleHealth_NoHealthChecker(t *testing.T) {
	gw := newTestGateway(t, nil)

	ctx := &fasthttp.RequestCtx{}
	gw.handleHealth(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("expected 200, got %d", ctx.Response.StatusCode())
	}

	var resp map[string]any
	if err := json.Unmarshal(ctx.Response.Body(), &resp); err != nil {
		t.Fatalf("failed to parse health response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status=ok, got %v", resp["status"])
	}
}

func TestHandleHealthServices_NoHealthChecker(t *testing.T) {
	gw := newTestGateway(t, nil)

	ctx := &fasthttp.RequestCtx{}
	gw.handleHealthServices(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("expected 200, got %d", ctx.Response.StatusCode())
	}
}

// --- handleReadiness ---------------------------------------------------------

func TestHandleReadiness_NoHealthChecker(t *testing.T) {
	gw := newTestGateway(t, nil)

	ctx := &fasthttp.RequestCtx{}
	gw.handleReadiness(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("expected 200, got %d", ctx.Response.StatusCode())
	}
}

// --- handleNotFound -----------------------------------------------------------

func TestHandleNotFound_WritesRouteNotFoundEnvelope(t *testing.T) {
	gw := newTestGateway(t, nil)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetRequestURI("/unknown/thing")
	gw.handleNotFound(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Errorf("expected 404, got %d", ctx.Response.StatusCode())
	}

	var env struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &env); err != nil {
		t.Fatalf("failed to parse error envelope: %v", err)
	}
	if env.Error != "ROUTE_NOT_FOUND" {
		t.Errorf("expected ROUTE_NOT_FOUND, got %s", env.Error)
	}
}

// --- writeJSON --------------------------------------------------------------

func TestWriteJSON(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	writeJSON(ctx, map[string]string{"key": "value"})

	if string(ctx.Response.Header.ContentType()) != "application/json" {
		t.Errorf("expected application/json, got %s", string(ctx.Response.Header.ContentType()))
	}

	var resp map[string]string
	if err := json.Unmarshal(ctx.Response.Body(), &resp); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}
	if resp["key"] != "value" {
		t.Errorf("expected key=value, got %v", resp["key"])
	}
}
