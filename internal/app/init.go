package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/api-gateway/internal/cache"
	"github.com/nulpointcorp/api-gateway/internal/logger"
	"github.com/nulpointcorp/api-gateway/internal/metrics"
	"github.com/nulpointcorp/api-gateway/internal/proxy"
	"github.com/nulpointcorp/api-gateway/internal/ratelimit"
	"github.com/nulpointcorp/api-gateway/internal/registry"
)

// initInfra establishes optional external connections. Redis is required
// when either the response cache or the rate limiter needs a shared store.
func (a *App) initInfra(ctx context.Context) error {
	needsRedis := a.cfg.Cache.Mode == "redis" || a.cfg.RateLimit.Enabled

	if needsRedis {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initRegistry builds the upstream service registry. config.Load() already
// guarantees at least one service is configured.
func (a *App) initRegistry(_ context.Context) error {
	reg, err := registry.New(a.cfg.Services)
	if err != nil {
		return err
	}
	a.reg = reg

	names := make([]string, 0, reg.Len())
	for _, d := range reg.All() {
		names = append(names, d.Name)
	}
	a.log.Info("services registered", slog.Any("services", names))

	return nil
}

// initServices creates the cache backend, Prometheus metrics registry, and
// the async request-audit logger.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		a.log.Info("cache backend: redis")
	case "memory":
		a.memCache = cache.NewMemoryCache(ctx)
		a.log.Info("cache backend: memory (in-process)")
	case "none":
		a.log.Info("cache backend: disabled")
	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	var sinks []logger.Sink
	if a.cfg.ClickHouseDSN != "" {
		sink, err := logger.NewClickHouseSink(ctx, a.cfg.ClickHouseDSN)
		if err != nil {
			return fmt.Errorf("clickhouse audit sink: %w", err)
		}
		sinks = append(sinks, sink)
		a.log.Info("audit logging: clickhouse sink enabled")
	}

	reqLogger, err := logger.New(ctx, a.log, sinks...)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLogger

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	// ── Cache implementation ──────────────────────────────────────────────────
	var cacheImpl cache.Cache
	var cacheReady func() bool

	switch a.cfg.Cache.Mode {
	case "redis":
		cacheImpl = cache.NewExactCacheFromClient(a.rdb)
		cacheReady = redisPinger(a.baseCtx, a.rdb)
	case "memory":
		cacheImpl = a.memCache
		cacheReady = func() bool { return true }
	case "none":
		// nil cache — the pipeline treats a nil Cache as "never cacheable".
	}

	var cacheExclusions *cache.ExclusionList
	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := cache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		cacheExclusions = el
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	// ── Shared upstream HTTP client ───────────────────────────────────────────
	upstreamClient := &fasthttp.Client{
		MaxConnsPerHost:     512,
		MaxIdleConnDuration: 90 * time.Second,
	}

	// ── Circuit breaker, pre-registered per service for an initial "closed"
	// metrics gauge on every known service.
	cb := proxy.NewCircuitBreakerWithConfig(proxy.CBConfig{
		ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
		TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
		HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
	})
	for _, desc := range a.reg.All() {
		cb.RegisterService(desc.Name, circuitBreakerConfigFor(desc.CircuitBreaker))
		a.prom.SetCircuitBreaker(desc.Name, int64(cb.State(desc.Name)))
	}

	// ── Authenticator — delegates bearer-token validation to AuthServiceName.
	authService, ok := a.reg.Get(a.cfg.AuthServiceName)
	if !ok {
		return fmt.Errorf("auth service %q is not a registered upstream; "+
			"set SERVICE_%s_BASE_URL", a.cfg.AuthServiceName,
			strings.ToUpper(strings.ReplaceAll(a.cfg.AuthServiceName, "-", "_")))
	}
	authn := proxy.NewAuthenticator(upstreamClient, authService)

	// ── Rate limiter — only when Redis is available and enabled.
	var limiter *ratelimit.Limiter
	if a.cfg.RateLimit.Enabled && a.rdb != nil {
		limiter = ratelimit.New(a.rdb,
			a.cfg.RateLimit.MaxRequests,
			time.Duration(a.cfg.RateLimit.WindowMs)*time.Millisecond,
		)
		a.log.Info("rate limiting enabled",
			slog.Int("default_limit", a.cfg.RateLimit.MaxRequests),
			slog.Int("default_window_ms", a.cfg.RateLimit.WindowMs),
		)
	}

	// ── Health checker — probes every registered service plus cache/store.
	var dbReady func() bool
	if a.rdb != nil {
		dbReady = redisPinger(a.baseCtx, a.rdb)
	}
	health := proxy.NewHealthCheckerWithDB(a.baseCtx, a.reg, upstreamClient, cacheReady, dbReady, a.prom)
	a.health = health

	gw := proxy.NewGatewayWithOptions(proxy.GatewayOptions{
		Registry:      a.reg,
		Router:        proxy.NewRouter(a.reg, nil),
		Authenticator: authn,
		Forwarder:     proxy.NewForwarder(upstreamClient, cb, a.prom),
		RateLimiter:   limiter,

		Cache:           cacheImpl,
		CacheTTL:        a.cfg.Cache.TTL,
		CacheExclusions: cacheExclusions,

		Health:  health,
		Metrics: a.prom,
		Logger:  a.reqLogger,

		CORS: proxy.CORSConfig{
			Origin:      a.cfg.CORS.Origin,
			Methods:     a.cfg.CORS.Methods,
			Headers:     a.cfg.CORS.Headers,
			Credentials: a.cfg.CORS.Credentials,
		},
	})
	a.gw = gw

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	return nil
}
