package proxy

import (
	"testing"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/api-gateway/internal/registry"
)

func testUserService() registry.ServiceDescriptor {
	return registry.ServiceDescriptor{
		Name:    "user-service",
		BaseURL: "http://stub",
		Timeout: 500 * time.Millisecond,
	}
}

func TestAuthenticate_NonePolicyAlwaysSucceeds(t *testing.T) {
	client, cleanup := stubServer(t, func(ctx *fasthttp.RequestCtx) {
		t.Error("user service should not be called for AuthNone")
	})
	defer cleanup()

	authn := NewAuthenticator(client, testUserService())
	user, err := authn.Authenticate(registry.AuthNone, "Bearer whatever")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user != nil {
		t.Error("AuthNone should never attach a user")
	}
}

func TestAuthenticate_OptionalNoHeaderSucceeds(t *testing.T) {
	client, cleanup := stubServer(t, func(ctx *fasthttp.RequestCtx) {
		t.Error("user service should not be called with no header")
	})
	defer cleanup()

	authn := NewAuthenticator(client, testUserService())
	user, err := authn.Authenticate(registry.AuthOptional, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user != nil {
		t.Error("expected no user for empty header on optional auth")
	}
}

func TestAuthenticate_OptionalInvalidHeaderFails(t *testing.T) {
	client, cleanup := stubServer(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusUnauthorized)
	})
	defer cleanup()

	authn := NewAuthenticator(client, testUserService())
	_, err := authn.Authenticate(registry.AuthOptional, "Bearer bad-token")
	if err == nil {
		t.Fatal("a present-but-invalid header on an optional route must fail, not silently downgrade")
	}
	if err.Kind != "UNAUTHORIZED" {
		t.Errorf("expected UNAUTHORIZED, got %s", err.Kind)
	}
}

func TestAuthenticate_RequiredNoHeaderFails(t *testing.T) {
	client, cleanup := stubServer(t, func(ctx *fasthttp.RequestCtx) {
		t.Error("user service should not be called with no header")
	})
	defer cleanup()

	authn := NewAuthenticator(client, testUserService())
	_, err := authn.Authenticate(registry.AuthRequired, "")
	if err == nil {
		t.Fatal("expected UNAUTHORIZED when header is missing on a required route")
	}
}

func TestAuthenticate_RequiredValidHeaderSucceeds(t *testing.T) {
	client, cleanup := stubServer(t, func(ctx *fasthttp.RequestCtx) {
		if string(ctx.Path()) != "/api/profile" {
			t.Errorf("expected /api/profile, got %s", ctx.Path())
		}
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString(`{"id":"u1","email":"u1@example.com","roles":["admin"]}`)
	})
	defer cleanup()

	authn := NewAuthenticator(client, testUserService())
	user, err := authn.Authenticate(registry.AuthRequired, "Bearer good-token")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user.ID != "u1" {
		t.Errorf("expected id=u1, got %s", user.ID)
	}
	if len(user.Roles) != 1 || user.Roles[0] != "admin" {
		t.Errorf("unexpected roles: %v", user.Roles)
	}
}

func TestAuthenticate_FallsBackToUserIdField(t *testing.T) {
	client, cleanup := stubServer(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString(`{"userId":"u2","email":"u2@example.com"}`)
	})
	defer cleanup()

	authn := NewAuthenticator(client, testUserService())
	user, err := authn.Authenticate(registry.AuthRequired, "Bearer good-token")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user.ID != "u2" {
		t.Errorf("expected id fallback to userId, got %s", user.ID)
	}
}

func TestAuthenticate_MissingIDIsInvalid(t *testing.T) {
	client, cleanup := stubServer(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString(`{"email":"nobody@example.com"}`)
	})
	defer cleanup()

	authn := NewAuthenticator(client, testUserService())
	_, err := authn.Authenticate(registry.AuthRequired, "Bearer good-token")
	if err == nil {
		t.Fatal("a profile response with neither id nor userId must be invalid")
	}
}

func TestAuthenticate_MalformedSchemeFails(t *testing.T) {
	// Scheme validation is the user service's job, not the gateway's — the
	// gateway forwards whatever Authorization header it was given and maps
	// any non-200 response to UNAUTHORIZED.
	client, cleanup := stubServer(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusUnauthorized)
	})
	defer cleanup()

	authn := NewAuthenticator(client, testUserService())
	_, err := authn.Authenticate(registry.AuthRequired, "Basic xyz")
	if err == nil {
		t.Fatal("expected UNAUTHORIZED for a non-bearer scheme")
	}
}

func TestAuthenticate_NonOKStatusFails(t *testing.T) {
	client, cleanup := stubServer(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusForbidden)
	})
	defer cleanup()

	authn := NewAuthenticator(client, testUserService())
	_, err := authn.Authenticate(registry.AuthRequired, "Bearer whatever")
	if err == nil {
		t.Fatal("any non-200 from the user service must map to UNAUTHORIZED")
	}
}
