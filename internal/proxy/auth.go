package proxy

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/api-gateway/internal/registry"
	"github.com/nulpointcorp/api-gateway/pkg/apierr"
)

// AuthenticatedUser is the identity attached to a request after a successful
// bearer-token validation (spec §4.2). Its lifetime is the request — it is
// never cached or persisted across requests.
type AuthenticatedUser struct {
	ID          string
	Email       string
	Roles       []string
	Permissions []string
}

// userProfileResponse mirrors the User service's GET /api/profile payload.
// UserID is accepted as a fallback for ID for compatibility with older
// responses; a response with neither is invalid.
type userProfileResponse struct {
	ID          string   `json:"id"`
	UserID      string   `json:"userId"`
	Email       string   `json:"email"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// Authenticator validates bearer tokens by delegating to the User service's
// profile endpoint — the gateway never parses JWT internals itself (spec
// §4.2, §6).
type Authenticator struct {
	client      *fasthttp.Client
	userService registry.ServiceDescriptor
}

// NewAuthenticator creates an Authenticator that validates tokens against
// userService using client.
func NewAuthenticator(client *fasthttp.Client, userService registry.ServiceDescriptor) *Authenticator {
	return &Authenticator{client: client, userService: userService}
}

// Authenticate validates authorizationHeader against policy.
//
//   - AuthNone     → always succeeds with no user.
//   - AuthOptional → no header succeeds with no user; a header that is
//     present but invalid still fails UNAUTHORIZED — this never silently
//     downgrades to an anonymous request.
//   - AuthRequired → a missing or invalid header fails UNAUTHORIZED.
//
// Malformed schemes (e.g. "Basic xyz", "Bearer " with an empty token) are
// treated the same as an invalid credential.
func (a *Authenticator) Authenticate(policy registry.AuthPolicy, authorizationHeader string) (*AuthenticatedUser, *apierr.Error) {
	if policy == registry.AuthNone {
		return nil, nil
	}

	authorizationHeader = strings.TrimSpace(authorizationHeader)
	if authorizationHeader == "" {
		if policy == registry.AuthOptional {
			return nil, nil
		}
		return nil, apierr.New(apierr.KindUnauthorized, "authorization header is required")
	}

	user, err := a.validate(authorizationHeader)
	if err != nil {
		return nil, apierr.New(apierr.KindUnauthorized, "invalid or expired credentials")
	}
	return user, nil
}

func (a *Authenticator) validate(authorizationHeader string) (*AuthenticatedUser, error) {
	url := strings.TrimSuffix(a.userService.BaseURL, "/") + "/api/profile"

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Authorization", authorizationHeader)

	timeout := a.userService.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	if err := a.client.DoTimeout(req, resp, timeout); err != nil {
		return nil, fmt.Errorf("auth: user service request failed: %w", err)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return nil, fmt.Errorf("auth: user service returned status %d", resp.StatusCode())
	}

	var profile userProfileResponse
	if err := json.Unmarshal(resp.Body(), &profile); err != nil {
		return nil, fmt.Errorf("auth: malformed profile response: %w", err)
	}

	id := profile.ID
	if id == "" {
		id = profile.UserID
	}
	if id == "" {
		return nil, fmt.Errorf("auth: profile response missing id")
	}

	return &AuthenticatedUser{
		ID:          id,
		Email:       profile.Email,
		Roles:       profile.Roles,
		Permissions: profile.Permissions,
	}, nil
}
