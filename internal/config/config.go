// Package config loads and validates all runtime configuration for the
// gateway.
//
// Configuration is read from environment variables (preferred for
// containers) or from a config.yaml file in the working directory.
// Environment variables take precedence over the YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/nulpointcorp/api-gateway/internal/registry"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	LogLevel string

	// Redis holds the connection URL shared by the rate limiter and cache.
	Redis RedisConfig

	// Services is the list of upstream ServiceDescriptors built from the
	// SERVICE_<NAME>_BASE_URL family of env vars.
	Services []registry.ServiceDescriptor

	// Cache controls the response cache.
	Cache CacheConfig

	// CircuitBreaker controls the default per-service circuit breaker
	// thresholds, used when a ServiceDescriptor does not override them.
	CircuitBreaker CircuitBreakerConfig

	// RateLimit controls the default (catch-all) rate limit tier.
	RateLimit RateLimitConfig

	// CORS controls cross-origin request handling.
	CORS CORSConfig

	// AuthServiceName is the logical service the Authenticator delegates
	// bearer-token validation to (spec §4.2). Default: "user-service".
	AuthServiceName string

	// ClickHouseDSN, when non-empty, enables the ClickHouse sink for the
	// async request-audit logger in addition to the default stdout sink.
	ClickHouseDSN string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Enabled toggles the response cache entirely.
	Enabled bool

	// Mode selects the cache backend:
	//   "redis"  — Redis-backed cache (requires REDIS_URL). Shared across replicas.
	//   "memory" — in-process TTL cache. No external deps; not shared across replicas.
	// Load sets it to "none" when Enabled is false.
	Mode string

	// TTL is the time-to-live for cached responses.
	TTL time.Duration

	// ExcludeExact is a list of exact route prefixes that must never be cached.
	ExcludeExact []string

	// ExcludePatterns is a list of Go regular expressions matched against
	// route prefixes. A match skips caching for that route.
	ExcludePatterns []string
}

// CircuitBreakerConfig controls the default per-service circuit breaker.
type CircuitBreakerConfig struct {
	ErrorThreshold  int
	TimeWindow      time.Duration
	HalfOpenTimeout time.Duration
}

// RateLimitConfig controls the catch-all rate-limit tier (spec §4.3's
// recognized prefix tiers — auth, payments, downloads, users, games — are
// always active; this only configures the fallback for everything else).
type RateLimitConfig struct {
	Enabled     bool
	WindowMs    int
	MaxRequests int
}

// CORSConfig controls cross-origin request handling.
type CORSConfig struct {
	Origin      []string
	Methods     []string
	Headers     []string
	Credentials bool
}

// serviceNames is every logical service name the gateway can route to
// (the distinct values of registry.DefaultRouteTable), used to discover
// SERVICE_<NAME>_BASE_URL env vars at boot.
var serviceNames = []string{
	"user-service",
	"game-catalog-service",
	"payment-service",
	"library-service",
	"social-service",
	"review-service",
	"achievement-service",
	"notification-service",
	"download-service",
	"security-service",
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("SERVICE_DEFAULT_TIMEOUT_MS", 5000)
	v.SetDefault("SERVICE_DEFAULT_RETRIES", 2)

	v.SetDefault("CACHE_ENABLED", true)
	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL_MS", 60_000)

	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_TIME_WINDOW", "60s")
	v.SetDefault("CB_HALF_OPEN_TIMEOUT", "30s")

	v.SetDefault("RATE_LIMIT_ENABLED", true)
	v.SetDefault("RATE_LIMIT_WINDOW_MS", 60_000)
	v.SetDefault("RATE_LIMIT_MAX_REQUESTS", 60)

	v.SetDefault("CORS_ORIGIN", []string{"*"})
	v.SetDefault("CORS_METHODS", []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"})
	v.SetDefault("CORS_HEADERS", []string{"Authorization", "Content-Type", "X-Request-Id"})
	v.SetDefault("CORS_CREDENTIALS", false)

	v.SetDefault("AUTH_SERVICE_NAME", "user-service")

	defaultTimeout := time.Duration(v.GetInt("SERVICE_DEFAULT_TIMEOUT_MS")) * time.Millisecond
	defaultRetries := v.GetInt("SERVICE_DEFAULT_RETRIES")

	services := make([]registry.ServiceDescriptor, 0, len(serviceNames))
	for _, name := range serviceNames {
		envKey := serviceEnvKey(name)
		baseURL := v.GetString(envKey + "_BASE_URL")
		if baseURL == "" {
			continue // service not configured for this deployment; routes to it 404
		}
		services = append(services, registry.ServiceDescriptor{
			Name:            name,
			BaseURL:         baseURL,
			Timeout:         defaultTimeout,
			MaxRetries:      defaultRetries,
			HealthCheckPath: "/healthz",
		})
	}

	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Services: services,

		Cache: CacheConfig{
			Enabled:         v.GetBool("CACHE_ENABLED"),
			Mode:            strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:             time.Duration(v.GetInt("CACHE_TTL_MS")) * time.Millisecond,
			ExcludeExact:    v.GetStringSlice("CACHE_EXCLUDE_EXACT"),
			ExcludePatterns: v.GetStringSlice("CACHE_EXCLUDE_PATTERNS"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold:  v.GetInt("CB_ERROR_THRESHOLD"),
			TimeWindow:      v.GetDuration("CB_TIME_WINDOW"),
			HalfOpenTimeout: v.GetDuration("CB_HALF_OPEN_TIMEOUT"),
		},

		RateLimit: RateLimitConfig{
			Enabled:     v.GetBool("RATE_LIMIT_ENABLED"),
			WindowMs:    v.GetInt("RATE_LIMIT_WINDOW_MS"),
			MaxRequests: v.GetInt("RATE_LIMIT_MAX_REQUESTS"),
		},

		CORS: CORSConfig{
			Origin:      v.GetStringSlice("CORS_ORIGIN"),
			Methods:     v.GetStringSlice("CORS_METHODS"),
			Headers:     v.GetStringSlice("CORS_HEADERS"),
			Credentials: v.GetBool("CORS_CREDENTIALS"),
		},

		AuthServiceName: v.GetString("AUTH_SERVICE_NAME"),
		ClickHouseDSN:   v.GetString("CLICKHOUSE_DSN"),
	}

	if !cfg.Cache.Enabled {
		cfg.Cache.Mode = "none"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// serviceEnvKey converts a logical service name ("game-catalog-service")
// into its env var stem ("SERVICE_GAME_CATALOG_SERVICE").
func serviceEnvKey(name string) string {
	return "SERVICE_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if len(c.Services) == 0 {
		return fmt.Errorf(
			"config: no upstream services configured; set at least one " +
				"SERVICE_<NAME>_BASE_URL (e.g. SERVICE_USER_SERVICE_BASE_URL)",
		)
	}

	if c.Cache.Enabled {
		switch c.Cache.Mode {
		case "redis", "memory":
		default:
			return fmt.Errorf("config: invalid CACHE_MODE %q; must be one of: redis, memory", c.Cache.Mode)
		}
		if c.Cache.Mode == "redis" && c.Redis.URL == "" {
			return fmt.Errorf(
				"config: REDIS_URL is required when CACHE_MODE=redis; " +
					"set CACHE_MODE=memory to use the built-in in-process cache",
			)
		}
	}

	if c.RateLimit.Enabled && c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required when RATE_LIMIT_ENABLED=true")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if c.CircuitBreaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be >= 1, got %d", c.CircuitBreaker.ErrorThreshold)
	}
	if c.CircuitBreaker.TimeWindow <= 0 {
		return fmt.Errorf("config: CB_TIME_WINDOW must be a positive duration")
	}
	if c.CircuitBreaker.HalfOpenTimeout <= 0 {
		return fmt.Errorf("config: CB_HALF_OPEN_TIMEOUT must be a positive duration")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.WindowMs <= 0 {
			return fmt.Errorf("config: RATE_LIMIT_WINDOW_MS must be > 0")
		}
		if c.RateLimit.MaxRequests <= 0 {
			return fmt.Errorf("config: RATE_LIMIT_MAX_REQUESTS must be > 0")
		}
	}

	for _, svc := range c.Services {
		if svc.Timeout <= 0 {
			return fmt.Errorf("config: service %q has a non-positive timeout", svc.Name)
		}
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
