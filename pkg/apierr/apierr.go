// Package apierr defines the gateway's canonical error envelope and the
// small set of recognized error kinds. It is the sole producer of the wire
// error format — every stage that fails returns a *Error, and the
// normalizer (see internal/proxy) is the only place that turns one into an
// HTTP response.
package apierr

import (
	"encoding/json"
	"time"

	"github.com/valyala/fasthttp"
)

// Kind is one of the recognized error enums from spec §6/§7.
type Kind string

const (
	KindValidation         Kind = "VALIDATION_ERROR"
	KindUnauthorized       Kind = "UNAUTHORIZED"
	KindForbidden          Kind = "FORBIDDEN"
	KindRateLimitExceeded  Kind = "RATE_LIMIT_EXCEEDED"
	KindRouteNotFound      Kind = "ROUTE_NOT_FOUND"
	KindBadGateway         Kind = "BAD_GATEWAY"
	KindServiceUnavailable Kind = "SERVICE_UNAVAILABLE"
	KindProxyTimeout       Kind = "PROXY_TIMEOUT"
	KindInternal           Kind = "INTERNAL_SERVER_ERROR"
)

// statusFor is the default client status for each Kind. Callers may still
// pass an explicit status (e.g. to forward an upstream 4xx unchanged).
var statusFor = map[Kind]int{
	KindValidation:         fasthttp.StatusBadRequest,
	KindUnauthorized:       fasthttp.StatusUnauthorized,
	KindForbidden:          fasthttp.StatusForbidden,
	KindRateLimitExceeded:  fasthttp.StatusTooManyRequests,
	KindRouteNotFound:      fasthttp.StatusNotFound,
	KindBadGateway:         fasthttp.StatusBadGateway,
	KindServiceUnavailable: fasthttp.StatusServiceUnavailable,
	KindProxyTimeout:       fasthttp.StatusGatewayTimeout,
	KindInternal:           fasthttp.StatusInternalServerError,
}

// DefaultStatus returns the canonical HTTP status for kind.
func DefaultStatus(kind Kind) int {
	if s, ok := statusFor[kind]; ok {
		return s
	}
	return fasthttp.StatusInternalServerError
}

// Error is a typed gateway error. Stage functions return *Error instead of
// writing to the response directly — only the normalizer turns one into
// bytes on the wire (spec §7: "the normalizer is the sole producer of the
// wire envelope").
type Error struct {
	Kind    Kind
	Message string
	Status  int    // 0 means "use DefaultStatus(Kind)"
	Service string // optional — which upstream service was involved, if any
	Details any
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Message }

// New builds an *Error with the kind's default status.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Status: DefaultStatus(kind)}
}

// WithService attaches the upstream service name to the error.
func (e *Error) WithService(name string) *Error {
	e.Service = name
	return e
}

// WithStatus overrides the default HTTP status (used when forwarding an
// upstream 4xx/5xx unchanged).
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	return e
}

// WithDetails attaches optional structured detail to the envelope.
func (e *Error) WithDetails(details any) *Error {
	e.Details = details
	return e
}

// Envelope is the wire format from spec §6.
type Envelope struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	StatusCode int    `json:"statusCode"`
	Timestamp  string `json:"timestamp"`
	Path       string `json:"path"`
	Service    string `json:"service,omitempty"`
	RequestID  string `json:"requestId"`
	Details    any    `json:"details,omitempty"`
}

// Write serializes gwErr as the canonical envelope and writes it to ctx.
// path and requestID are threaded through explicitly rather than read back
// off ctx so callers in tests can exercise this without a live request.
func Write(ctx *fasthttp.RequestCtx, gwErr *Error, path, requestID string) {
	status := gwErr.Status
	if status == 0 {
		status = DefaultStatus(gwErr.Kind)
	}

	env := Envelope{
		Error:      string(gwErr.Kind),
		Message:    gwErr.Message,
		StatusCode: status,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Path:       path,
		Service:    gwErr.Service,
		RequestID:  requestID,
		Details:    gwErr.Details,
	}

	body, _ := json.Marshal(env)

	ctx.ResetBody()
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}
