package proxy

import (
	"testing"
	"time"

	"github.com/nulpointcorp/api-gateway/internal/registry"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New([]registry.ServiceDescriptor{
		{Name: "user-service", BaseURL: "http://user:8081", Timeout: time.Second, HealthCheckPath: "/healthz"},
		{Name: "game-catalog-service", BaseURL: "http://games:8082", Timeout: time.Second, HealthCheckPath: "/healthz"},
		{Name: "payment-service", BaseURL: "http://payments:8083", Timeout: time.Second, HealthCheckPath: "/healthz"},
	})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	return reg
}

func TestRouter_ResolvesKnownPrefixes(t *testing.T) {
	r := NewRouter(testRegistry(t), nil)

	tests := []struct {
		path    string
		service string
		remain  string
	}{
		{"/api/users/42", "user-service", "/42"},
		{"/api/auth/login", "user-service", "/login"},
		{"/api/games", "game-catalog-service", "/"},
		{"/api/payments/charge", "payment-service", "/charge"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			route, ok := r.Resolve(tt.path)
			if !ok {
				t.Fatalf("Resolve(%q) did not match", tt.path)
			}
			if route.Service.Name != tt.service {
				t.Errorf("service = %q, want %q", route.Service.Name, tt.service)
			}
			if route.RemainderPath != tt.remain {
				t.Errorf("remainder = %q, want %q", route.RemainderPath, tt.remain)
			}
		})
	}
}

func TestRouter_UnknownPrefixNotFound(t *testing.T) {
	r := NewRouter(testRegistry(t), nil)
	if _, ok := r.Resolve("/api/unknown/path"); ok {
		t.Error("expected unknown prefix to fail resolution")
	}
}

func TestRouter_UnconfiguredServiceNotFound(t *testing.T) {
	// "library" maps to library-service in the default table, but that
	// service is not registered in testRegistry — the route should 404
	// rather than panic.
	r := NewRouter(testRegistry(t), nil)
	if _, ok := r.Resolve("/api/library/42"); ok {
		t.Error("expected unconfigured service to fail resolution")
	}
}

func TestRoutePrefix(t *testing.T) {
	tests := map[string]string{
		"/api/auth/login": "auth",
		"/api/games":      "games",
		"/api":            "",
		"/":               "",
		"/api/users/42/":  "users",
	}
	for path, want := range tests {
		if got := RoutePrefix(path); got != want {
			t.Errorf("RoutePrefix(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestRouter_IsPureFunctionOfPath(t *testing.T) {
	r := NewRouter(testRegistry(t), nil)
	a, okA := r.Resolve("/api/users/42")
	b, okB := r.Resolve("/api/users/42")
	if okA != okB || a != b {
		t.Error("Resolve must be a pure function of path")
	}
}
