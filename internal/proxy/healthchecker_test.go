package proxy

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/api-gateway/internal/registry"
)

// --- stub upstream ------------------------------------------------------

// stubUpstream serves a fixed status code on an in-memory listener and
// returns a fasthttp.Client wired to dial it, plus a cleanup func.
func stubUpstream(t *testing.T, status int) (*fasthttp.Client, func()) {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()

	go func() {
		_ = fasthttp.Serve(ln, func(ctx *fasthttp.RequestCtx) {
			ctx.SetStatusCode(status)
		})
	}()

	c := &fasthttp.Client{Dial: func(addr string) (net.Conn, error) { return ln.Dial() }}
	return c, func() { ln.Close() }
}

func testReg(t *testing.T, baseURL string) *registry.Registry {
	t.Helper()
	reg, err := registry.New([]registry.ServiceDescriptor{
		{Name: "user-service", BaseURL: baseURL, Timeout: time.Second, HealthCheckPath: "/health"},
	})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	return reg
}

// --- NewHealthChecker ----------------------------------------------------

func TestNewHealthChecker_PanicsOnNilContext(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for nil context")
		}
	}()
	NewHealthChecker(nil, nil, nil, nil, nil)
}

func TestNewHealthChecker_RunsInitialProbe(t *testing.T) {
	client, cleanup := stubUpstream(t, fasthttp.StatusOK)
	defer cleanup()

	hc := NewHealthChecker(context.Background(), testReg(t, "http://stub"), client, nil, nil)
	defer hc.Close()

	snap := hc.Snapshot()
	if snap.Services["user-service"] != "ok" {
		t.Errorf("expected user-service=ok after initial probe, got %s", snap.Services["user-service"])
	}
}

// --- Snapshot --------------------------------------------------------------

func TestSnapshot_AllHealthy(t *testing.T) {
	client, cleanup := stubUpstream(t, fasthttp.StatusOK)
	defer cleanup()

	hc := NewHealthChecker(context.Background(), testReg(t, "http://stub"), client, func() bool { return true }, nil)
	defer hc.Close()

	snap := hc.Snapshot()
	if snap.Status != "ok" {
		t.Errorf("expected status=ok, got %s", snap.Status)
	}
	if snap.Cache != "ok" {
		t.Errorf("expected cache=ok, got %s", snap.Cache)
	}
	if snap.UptimeSeconds < 0 {
		t.Error("uptime should be non-negative")
	}
}

func TestSnapshot_DegradedService(t *testing.T) {
	client, cleanup := stubUpstream(t, fasthttp.StatusInternalServerError)
	defer cleanup()

	hc := NewHealthChecker(context.Background(), testReg(t, "http://stub"), client, nil, nil)
	defer hc.Close()

	snap := hc.Snapshot()
	if snap.Status != "degraded" {
		t.Errorf("expected status=degraded when a service is down, got %s", snap.Status)
	}
	if snap.Services["user-service"] != "degraded" {
		t.Errorf("user-service should be degraded, got %s", snap.Services["user-service"])
	}
}

func TestSnapshot_CacheDegraded(t *testing.T) {
	client, cleanup := stubUpstream(t, fasthttp.StatusOK)
	defer cleanup()

	hc := NewHealthChecker(context.Background(), testReg(t, "http://stub"), client, func() bool { return false }, nil)
	defer hc.Close()

	snap := hc.Snapshot()
	if snap.Cache != "degraded" {
		t.Errorf("expected cache=degraded, got %s", snap.Cache)
	}
}

func TestSnapshot_NilCacheProbe(t *testing.T) {
	client, cleanup := stubUpstream(t, fasthttp.StatusOK)
	defer cleanup()

	hc := NewHealthChecker(context.Background(), testReg(t, "http://stub"), client, nil, nil)
	defer hc.Close()

	snap := hc.Snapshot()
	// Nil cache probe means "not configured" → ok.
	if snap.Cache != "ok" {
		t.Errorf("expected cache=ok when probe is nil, got %s", snap.Cache)
	}
}

func TestSnapshot_DBDown(t *testing.T) {
	client, cleanup := stubUpstream(t, fasthttp.StatusOK)
	defer cleanup()

	hc := NewHealthChecker(context.Background(), testReg(t, "http://stub"), client, nil, nil)
	defer hc.Close()

	// Manually set DB to down.
	hc.dbStatus.set("down")

	snap := hc.Snapshot()
	if snap.Database != "down" {
		t.Errorf("expected database=down, got %s", snap.Database)
	}
	if snap.Status != "degraded" {
		t.Errorf("expected overall=degraded when DB is down, got %s", snap.Status)
	}
}

// --- ReadinessOK ------------------------------------------------------------

func TestReadinessOK_DBUp(t *testing.T) {
	client, cleanup := stubUpstream(t, fasthttp.StatusOK)
	defer cleanup()

	hc := NewHealthChecker(context.Background(), testReg(t, "http://stub"), client, nil, nil)
	defer hc.Close()

	// DB probe is nil → defaults to "ok".
	if !hc.ReadinessOK() {
		t.Error("readiness should be OK when DB is up")
	}
}

func TestReadinessOK_DBDown(t *testing.T) {
	client, cleanup := stubUpstream(t, fasthttp.StatusOK)
	defer cleanup()

	hc := NewHealthChecker(context.Background(), testReg(t, "http://stub"), client, nil, nil)
	defer hc.Close()

	hc.dbStatus.set("down")

	if hc.ReadinessOK() {
		t.Error("readiness should NOT be OK when DB is down")
	}
}

// --- componentStatus --------------------------------------------------------

func TestComponentStatus_DefaultUnknown(t *testing.T) {
	var cs componentStatus
	if cs.get() != "unknown" {
		t.Errorf("expected 'unknown' default, got %q", cs.get())
	}
}

func TestComponentStatus_SetGet(t *testing.T) {
	var cs componentStatus
	cs.set("ok")
	if cs.get() != "ok" {
		t.Errorf("expected 'ok', got %q", cs.get())
	}
	cs.set("degraded")
	if cs.get() != "degraded" {
		t.Errorf("expected 'degraded', got %q", cs.get())
	}
}

// --- Close ------------------------------------------------------------------

func TestHealthChecker_Close(t *testing.T) {
	client, cleanup := stubUpstream(t, fasthttp.StatusOK)
	defer cleanup()

	hc := NewHealthChecker(context.Background(), testReg(t, "http://stub"), client, nil, nil)

	// Close should not hang.
	hc.Close()
}
