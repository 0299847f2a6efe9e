package proxy

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/api-gateway/internal/metrics"
	"github.com/nulpointcorp/api-gateway/internal/registry"
	"github.com/nulpointcorp/api-gateway/pkg/apierr"
)

// hopByHopHeaders must never cross a proxy boundary (spec §4.5).
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"TE", "Trailer", "Transfer-Encoding", "Upgrade", "Host", "Content-Length",
}

const retryBaseDelay = 100 * time.Millisecond

// ForwardResult is a captured upstream response, ready to be replayed to the
// client or stored in the cache (spec's CacheEntry{status, headers, body}).
type ForwardResult struct {
	Status int
	Header fasthttp.ResponseHeader
	Body   []byte
}

// Forwarder issues the upstream call for a resolved route, applying the
// circuit breaker gate and spec §4.5's bounded retry-with-backoff policy.
// It replaces the teacher's failover.go — instead of walking a list of
// alternative providers, the gateway forwards to exactly one resolved
// service and retries that same service.
type Forwarder struct {
	client  *fasthttp.Client
	cb      *CircuitBreaker
	metrics *metrics.Registry
}

// NewForwarder creates a Forwarder using client for upstream calls.
func NewForwarder(client *fasthttp.Client, cb *CircuitBreaker, met *metrics.Registry) *Forwarder {
	return &Forwarder{client: client, cb: cb, metrics: met}
}

// sanitizeHeaders copies src into dst, dropping hop-by-hop headers and the
// inbound Authorization, then adds X-Forwarded-* and, when user is non-nil,
// the identity headers from spec §4.2.
func sanitizeHeaders(dst *fasthttp.Request, src *fasthttp.RequestHeader, clientIP, proto, host string, user *AuthenticatedUser) {
	skip := make(map[string]struct{}, len(hopByHopHeaders)+1)
	for _, h := range hopByHopHeaders {
		skip[strings.ToLower(h)] = struct{}{}
	}
	skip["authorization"] = struct{}{}

	src.VisitAll(func(key, value []byte) {
		if _, excluded := skip[strings.ToLower(string(key))]; excluded {
			return
		}
		dst.Header.Add(string(key), string(value))
	})

	if xff := string(src.Peek("X-Forwarded-For")); xff != "" {
		dst.Header.Set("X-Forwarded-For", xff+", "+clientIP)
	} else {
		dst.Header.Set("X-Forwarded-For", clientIP)
	}
	dst.Header.Set("X-Forwarded-Proto", proto)
	dst.Header.Set("X-Forwarded-Host", host)

	if user != nil {
		dst.Header.Set("X-User-Id", user.ID)
		dst.Header.Set("X-User-Email", user.Email)
		dst.Header.Set("X-User-Roles", strings.Join(user.Roles, ","))
	}
}

// Forward calls route.Service with method/upstreamPath/rawQuery/body and the
// sanitized headers derived from reqHeader. Mutating requests get exactly
// one attempt; safe-read requests get up to route.Service.MaxRetries+1
// attempts (MaxRetries retries) with exponential backoff, bounded by the
// overall deadline.
func (f *Forwarder) Forward(
	ctx context.Context,
	route ResolvedRoute,
	method string,
	upstreamPath, rawQuery string,
	reqHeader *fasthttp.RequestHeader,
	body []byte,
	clientIP, proto, host string,
	user *AuthenticatedUser,
) (*ForwardResult, *apierr.Error) {
	service := route.Service.Name

	if f.cb != nil && !f.cb.Allow(service) {
		if f.metrics != nil {
			f.metrics.RecordCircuitBreakerRejection(service, f.cb.StateLabel(service))
			f.metrics.SetCircuitBreaker(service, int64(f.cb.State(service)))
		}
		return nil, apierr.New(apierr.KindServiceUnavailable, "upstream service unavailable").WithService(service)
	}

	maxAttempts := 1
	if registry.ClassifyMethod(method) == registry.SafeRead {
		maxAttempts = route.Service.MaxRetries + 1
	}

	deadline := time.Now().Add(route.Service.Timeout * time.Duration(maxAttempts))
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	url := strings.TrimSuffix(route.Service.BaseURL, "/") + upstreamPath
	if rawQuery != "" {
		url += "?" + rawQuery
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if time.Now().After(deadline) {
			f.recordFailure(service)
			return nil, apierr.New(apierr.KindProxyTimeout, "upstream deadline exceeded").WithService(service)
		}

		req := fasthttp.AcquireRequest()
		resp := fasthttp.AcquireResponse()

		req.SetRequestURI(url)
		req.Header.SetMethod(method)
		sanitizeHeaders(req, reqHeader, clientIP, proto, host, user)
		if len(body) > 0 {
			req.SetBody(body)
		}

		start := time.Now()
		err := f.client.DoTimeout(req, resp, route.Service.Timeout)
		dur := time.Since(start)

		outcome := classifyOutcome(err, resp.StatusCode())
		if f.metrics != nil {
			f.metrics.ObserveUpstreamAttempt(service, route.RoutePrefix, outcome, dur)
			if attempt > 1 {
				f.metrics.RecordRetry(service, route.RoutePrefix, outcome)
			}
		}

		if err == nil && resp.StatusCode() < 500 {
			result := &ForwardResult{Status: resp.StatusCode(), Body: append([]byte(nil), resp.Body()...)}
			resp.Header.CopyTo(&result.Header)
			fasthttp.ReleaseRequest(req)
			fasthttp.ReleaseResponse(resp)
			f.recordSuccess(service)
			return result, nil
		}

		isLast := attempt == maxAttempts

		if !isLast {
			fasthttp.ReleaseRequest(req)
			fasthttp.ReleaseResponse(resp)
			if waitErr := f.backoff(ctx, attempt, deadline); waitErr != nil {
				f.recordFailure(service)
				return nil, apierr.New(apierr.KindProxyTimeout, "request cancelled during retry backoff").WithService(service)
			}
			continue
		}

		// Final attempt failed — this is the breaker-worthy outcome.
		f.recordFailure(service)

		if err != nil {
			fasthttp.ReleaseRequest(req)
			fasthttp.ReleaseResponse(resp)
			if isTimeout(err) {
				return nil, apierr.New(apierr.KindProxyTimeout, "upstream request timed out").WithService(service)
			}
			return nil, apierr.New(apierr.KindServiceUnavailable, "upstream request failed").WithService(service)
		}

		// err == nil, status >= 500: forward the upstream status unchanged.
		result := &ForwardResult{Status: resp.StatusCode(), Body: append([]byte(nil), resp.Body()...)}
		resp.Header.CopyTo(&result.Header)
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
		return result, nil
	}

	return nil, apierr.New(apierr.KindBadGateway, "upstream request failed").WithService(service)
}

func (f *Forwarder) recordSuccess(service string) {
	if f.cb == nil {
		return
	}
	f.cb.RecordSuccess(service)
	if f.metrics != nil {
		f.metrics.SetCircuitBreaker(service, int64(f.cb.State(service)))
	}
}

func (f *Forwarder) recordFailure(service string) {
	if f.cb == nil {
		return
	}
	f.cb.RecordFailure(service)
	if f.metrics != nil {
		f.metrics.SetCircuitBreaker(service, int64(f.cb.State(service)))
	}
}

// backoff sleeps 100ms*2^(attempt-1) with jitter, bounded by the remaining
// deadline. Returns an error if ctx is cancelled first.
func (f *Forwarder) backoff(ctx context.Context, attempt int, deadline time.Time) error {
	delay := retryBaseDelay * time.Duration(1<<uint(attempt-1))
	delay += time.Duration(rand.Int63n(int64(retryBaseDelay)))

	if remaining := time.Until(deadline); delay > remaining {
		delay = remaining
	}
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func classifyOutcome(err error, status int) string {
	if err != nil {
		if isTimeout(err) {
			return "timeout"
		}
		return "transport_error"
	}
	return fmt.Sprintf("http_%d", status)
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	if errors.As(err, &te) {
		return te.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, fasthttp.ErrTimeout)
}
