package proxy

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/api-gateway/internal/cache"
	"github.com/nulpointcorp/api-gateway/internal/logger"
	"github.com/nulpointcorp/api-gateway/internal/metrics"
	"github.com/nulpointcorp/api-gateway/internal/ratelimit"
	"github.com/nulpointcorp/api-gateway/internal/registry"
	"github.com/nulpointcorp/api-gateway/pkg/apierr"
)

// GatewayOptions collects every collaborator the pipeline needs. Registry,
// Router, Authenticator, and Forwarder are required; the rest are optional —
// a nil optional disables that stage (the rate limiter and cache degrade
// gracefully per spec §4.3/§4.4, so the pipeline never requires them to run).
type GatewayOptions struct {
	Registry      *registry.Registry
	Router        *Router
	Authenticator *Authenticator
	Forwarder     *Forwarder

	RateLimiter *ratelimit.Limiter

	Cache           cache.Cache
	CacheTTL        time.Duration
	CacheExclusions *cache.ExclusionList

	Health  *HealthChecker
	Metrics *metrics.Registry
	Logger  *logger.Logger

	CORS CORSConfig
}

// Gateway implements the request pipeline from spec §2/§5: rate-limit →
// auth → route → cache-lookup → forward → cache-store → normalize.
type Gateway struct {
	reg    *registry.Registry
	router *Router
	authn  *Authenticator
	fwd    *Forwarder

	limiter *ratelimit.Limiter

	cache           cache.Cache
	cacheTTL        time.Duration
	cacheExclusions *cache.ExclusionList

	health  *HealthChecker
	metrics *metrics.Registry
	audit   *logger.Logger

	corsConfig CORSConfig
}

// NewGatewayWithOptions wires opts into a ready-to-serve Gateway.
func NewGatewayWithOptions(opts GatewayOptions) *Gateway {
	return &Gateway{
		reg:             opts.Registry,
		router:          opts.Router,
		authn:           opts.Authenticator,
		fwd:             opts.Forwarder,
		limiter:         opts.RateLimiter,
		cache:           opts.Cache,
		cacheTTL:        opts.CacheTTL,
		cacheExclusions: opts.CacheExclusions,
		health:          opts.Health,
		metrics:         opts.Metrics,
		audit:           opts.Logger,
		corsConfig:      opts.CORS,
	}
}

// handleProxy is the single entry point for every "/api/..." request. It
// runs the full pipeline; the entry-layer middleware registered in
// router.go (recovery, requestID, timing, CORS, securityHeaders) covers
// spec §2 stage 1 and §4.7's standard headers around it.
func (g *Gateway) handleProxy(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	path := string(ctx.Path())
	method := string(ctx.Method())
	requestID, _ := ctx.UserValue("request_id").(string)
	if requestID == "" {
		requestID = uuid.New().String()
	}
	clientIP := clientIPOf(ctx)

	routePrefix := RoutePrefix(path)

	// Stage 2: Rate Limiter — runs before routing/auth so a hostile client
	// cannot burn auth/route work before being throttled (spec §5).
	if g.limiter != nil {
		decision := g.limiter.Allow(ctx, clientIP, method, routePrefix)
		setRateLimitHeaders(ctx, decision)
		if g.metrics != nil {
			g.metrics.RecordRateLimit(routePrefix, boolLabel(decision.Allowed))
		}
		if !decision.Allowed {
			apierr.Write(ctx, apierr.New(apierr.KindRateLimitExceeded, "rate limit exceeded"), path, requestID)
			return
		}
	}

	// Stage 3: Authenticator. The route's auth policy is derived purely from
	// method class — safe-read is optional-auth, mutating is required-auth
	// (spec §4.1's "Routes may override" is not exercised by any configured
	// route today, so the global default stands).
	policy := registry.AuthOptional
	if registry.ClassifyMethod(method) == registry.Mutating {
		policy = registry.AuthRequired
	}

	var user *AuthenticatedUser
	if g.authn != nil {
		authHeader := string(ctx.Request.Header.Peek("Authorization"))
		u, authErr := g.authn.Authenticate(policy, authHeader)
		if g.metrics != nil {
			g.metrics.RecordAuth(boolLabel(authErr == nil))
		}
		if authErr != nil {
			apierr.Write(ctx, authErr, path, requestID)
			return
		}
		user = u
	}

	// Stage 4: Router.
	route, ok := g.router.Resolve(path)
	if !ok {
		apierr.Write(ctx, apierr.New(apierr.KindRouteNotFound, "no route matches this path"), path, requestID)
		return
	}

	isSafeRead := registry.ClassifyMethod(method) == registry.SafeRead
	cacheEligible := isSafeRead && g.cache != nil && !g.cacheExclusions.Matches(route.RoutePrefix)

	// Stage 5: Cache lookup (safe-read only).
	var fingerprint string
	cacheLabel := "BYPASS"
	if cacheEligible {
		fingerprint = cache.Fingerprint(method, path, string(ctx.URI().QueryString()), string(ctx.Request.Header.Peek("Authorization")))
		raw, hit := g.cache.Get(ctx, fingerprint)
		if hit {
			entry, decodeErr := cache.DecodeEntry(raw)
			if decodeErr != nil {
				// Corrupted entry: treat as miss and evict so it is not
				// served again (spec §4.4).
				_ = g.cache.Delete(ctx, fingerprint)
				cacheLabel = "ERROR"
				ctx.Response.Header.Set("X-Cache", cacheLabel)
				if g.metrics != nil {
					g.metrics.CacheGetError()
				}
			} else {
				writeCachedEntry(ctx, entry)
				ctx.Response.Header.Set("X-Cache", "HIT")
				if g.metrics != nil {
					g.metrics.CacheGetHit()
					g.metrics.ObserveGatewayRequest(route.Service.Name, route.RoutePrefix, "HIT", time.Since(start))
				}
				g.logRequest(requestID, route.Service.Name, method, path, clientIP, ctx.Response.StatusCode(), time.Since(start), true)
				return
			}
		} else {
			cacheLabel = "MISS"
			ctx.Response.Header.Set("X-Cache", cacheLabel)
			if g.metrics != nil {
				g.metrics.CacheGetMiss()
			}
		}
	}

	// Stage 6: Forwarder (breaker + retry).
	var body []byte
	if ctx.Request.Header.ContentLength() != 0 {
		body = ctx.Request.Body()
	}
	result, fwdErr := g.fwd.Forward(ctx, route, method, route.RemainderPath, string(ctx.URI().QueryString()),
		&ctx.Request.Header, body, clientIP, proxyScheme(ctx), string(ctx.Host()), user)
	if fwdErr != nil {
		apierr.Write(ctx, fwdErr, path, requestID)
		g.logRequest(requestID, route.Service.Name, method, path, clientIP, fwdErr.Status, time.Since(start), false)
		return
	}

	writeForwardResult(ctx, result)

	// Stage 6b: Cache store — only 2xx safe-read responses (spec §4.4).
	if cacheEligible && result.Status >= 200 && result.Status < 300 {
		entry := cache.Entry{Status: result.Status, Header: headerToMap(&result.Header), Body: result.Body}
		if encoded, encErr := entry.Encode(); encErr == nil {
			if setErr := g.cache.Set(ctx, fingerprint, encoded, g.cacheTTL); setErr != nil && g.metrics != nil {
				g.metrics.CacheSetError()
			} else if g.metrics != nil {
				g.metrics.CacheSetOK()
			}
		}
	}

	if g.metrics != nil {
		g.metrics.ObserveGatewayRequest(route.Service.Name, route.RoutePrefix, cacheLabel, time.Since(start))
	}
	g.logRequest(requestID, route.Service.Name, method, path, clientIP, result.Status, time.Since(start), false)
}

func (g *Gateway) logRequest(requestID, service, method, path, clientIP string, status int, latency time.Duration, cached bool) {
	if g.audit == nil {
		return
	}
	id, err := uuid.Parse(requestID)
	if err != nil {
		id = uuid.New()
	}
	ms := latency.Milliseconds()
	if ms > 65535 {
		ms = 65535
	}
	g.audit.Log(logger.RequestLog{
		ID:        id,
		Service:   service,
		Method:    method,
		Path:      path,
		ClientIP:  clientIP,
		Status:    uint16(status),
		LatencyMs: uint16(ms),
		Cached:    cached,
		CreatedAt: time.Now(),
	})
}

func setRateLimitHeaders(ctx *fasthttp.RequestCtx, d ratelimit.Decision) {
	ctx.Response.Header.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	ctx.Response.Header.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	ctx.Response.Header.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAtMs/1000, 10))
}

func writeCachedEntry(ctx *fasthttp.RequestCtx, entry cache.Entry) {
	ctx.SetStatusCode(entry.Status)
	for k, vs := range entry.Header {
		for _, v := range vs {
			ctx.Response.Header.Add(k, v)
		}
	}
	ctx.SetBody(entry.Body)
}

func writeForwardResult(ctx *fasthttp.RequestCtx, result *ForwardResult) {
	ctx.SetStatusCode(result.Status)
	result.Header.VisitAll(func(key, value []byte) {
		ctx.Response.Header.Add(string(key), string(value))
	})
	ctx.SetBody(result.Body)
}

func headerToMap(h *fasthttp.ResponseHeader) map[string][]string {
	out := make(map[string][]string)
	h.VisitAll(func(key, value []byte) {
		k := string(key)
		out[k] = append(out[k], string(value))
	})
	return out
}

func clientIPOf(ctx *fasthttp.RequestCtx) string {
	if xff := string(ctx.Request.Header.Peek("X-Forwarded-For")); xff != "" {
		if idx := strings.IndexByte(xff, ','); idx >= 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	return ctx.RemoteIP().String()
}

func proxyScheme(ctx *fasthttp.RequestCtx) string {
	if ctx.IsTLS() {
		return "https"
	}
	return "http"
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
