// Package ratelimit implements per-bucket request throttling using a Redis
// sliding-log window enforced by an atomic Lua script.
//
// The algorithm (spec §4.3) retains individual request timestamps rather
// than a counter, so the window boundary is exact: evict expired entries,
// read the remaining count, and admit only if it is still under the limit.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript evicts timestamps older than the window, checks
// cardinality, and — only if still under the limit — inserts the current
// timestamp and refreshes the key TTL. All of this runs as one atomic Lua
// script so steps 1–2 (evict + read) and the conditional insert in step 4
// never interleave with a concurrent caller's script invocation.
//
// KEYS[1] = bucket key
// ARGV[1] = now, unix nanoseconds
// ARGV[2] = window size, nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns: {allowed (0/1), count-after, oldest-remaining-score-or-0}
var slidingWindowScript = redis.NewScript(`
	local key    = KEYS[1]
	local now    = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])
	local limit  = tonumber(ARGV[3])

	redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

	local count = redis.call('ZCARD', key)
	if count >= limit then
		local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
		local oldestScore = 0
		if #oldest > 0 then
			oldestScore = oldest[2]
		end
		return {0, count, oldestScore}
	end

	local member = tostring(now) .. '-' .. tostring(math.random(1, 1000000))
	redis.call('ZADD', key, now, member)
	redis.call('PEXPIRE', key, math.ceil(window / 1000000))
	return {1, count + 1, 0}
`)

// Decision is the outcome of an admission check (spec §4.3).
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAtMs int64 // epoch milliseconds
	WindowMs  int64
}

// Tier is one entry of the ordered policy table (spec §4.3). Glob is
// matched against the route's top-level path segment (e.g. "auth" in
// "/api/auth/login"); a trailing "*" matches any segment sharing that
// literal prefix ("games*" matches "games", "games-catalog", ...), and the
// bare "*" is the catch-all default.
type Tier struct {
	Glob   string
	Limit  int
	Window time.Duration
}

// DefaultTiers matches spec §4.3's recognized tiers, most specific first.
func DefaultTiers(defaultLimit int, defaultWindow time.Duration) []Tier {
	return []Tier{
		{Glob: "auth", Limit: 10, Window: time.Minute},
		{Glob: "payments", Limit: 20, Window: time.Minute},
		{Glob: "downloads", Limit: 50, Window: time.Minute},
		{Glob: "users", Limit: 60, Window: time.Minute},
		{Glob: "games*", Limit: 200, Window: time.Minute},
		{Glob: "*", Limit: defaultLimit, Window: defaultWindow},
	}
}

// resolveTier returns the first tier whose glob matches prefix, walking the
// table in order (most specific first — see DefaultTiers).
func resolveTier(tiers []Tier, prefix string) Tier {
	for _, t := range tiers {
		if globMatch(t.Glob, prefix) {
			return t
		}
	}
	return Tier{Glob: "*", Limit: 60, Window: time.Minute}
}

// globMatch supports an exact match or a single trailing "*" wildcard.
func globMatch(glob, prefix string) bool {
	if glob == "*" {
		return true
	}
	if glob == prefix {
		return true
	}
	if n := len(glob); n > 0 && glob[n-1] == '*' {
		stem := glob[:n-1]
		return len(prefix) >= len(stem) && prefix[:len(stem)] == stem
	}
	return false
}

// Limiter enforces per-(ip, method, routePrefix) sliding-window limits
// against a shared Redis store. Any Redis error is treated as fail-open
// (spec §4.3: "a store outage becoming a platform outage" must not happen).
type Limiter struct {
	rdb       *redis.Client
	tiers     []Tier
	keyPrefix string
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithTiers overrides the default tier table.
func WithTiers(tiers []Tier) Option {
	return func(l *Limiter) { l.tiers = tiers }
}

// WithKeyPrefix overrides the Redis key namespace (default "ratelimit").
func WithKeyPrefix(prefix string) Option {
	return func(l *Limiter) { l.keyPrefix = prefix }
}

// New creates a Limiter backed by rdb. defaultLimit/defaultWindow apply to
// any route prefix that doesn't match a more specific tier.
func New(rdb *redis.Client, defaultLimit int, defaultWindow time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		rdb:       rdb,
		tiers:     DefaultTiers(defaultLimit, defaultWindow),
		keyPrefix: "ratelimit",
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow checks whether a request from clientIP using method against
// routePrefix should be admitted. On any Redis error it fails open,
// returning Decision.Allowed=true populated from the resolved tier's
// configured limit/window (not the actual store state, which is unknown).
func (l *Limiter) Allow(ctx context.Context, clientIP, method, routePrefix string) Decision {
	tier := resolveTier(l.tiers, routePrefix)
	key := fmt.Sprintf("%s:%s:%s:%s", l.keyPrefix, clientIP, method, routePrefix)

	now := time.Now()
	windowNs := tier.Window.Nanoseconds()

	res, err := slidingWindowScript.Run(ctx, l.rdb,
		[]string{key},
		now.UnixNano(), windowNs, tier.Limit,
	).Result()
	if err != nil {
		return Decision{
			Allowed:   true,
			Limit:     tier.Limit,
			Remaining: tier.Limit,
			ResetAtMs: now.Add(tier.Window).UnixMilli(),
			WindowMs:  tier.Window.Milliseconds(),
		}
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return Decision{
			Allowed:   true,
			Limit:     tier.Limit,
			Remaining: tier.Limit,
			ResetAtMs: now.Add(tier.Window).UnixMilli(),
			WindowMs:  tier.Window.Milliseconds(),
		}
	}

	allowed := toInt64(vals[0]) == 1
	count := toInt64(vals[1])
	oldestNs := toInt64(vals[2])

	remaining := tier.Limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	var resetAtMs int64
	if oldestNs > 0 {
		resetAtMs = time.Unix(0, oldestNs).Add(tier.Window).UnixMilli()
	} else {
		resetAtMs = now.Add(tier.Window).UnixMilli()
	}

	return Decision{
		Allowed:   allowed,
		Limit:     tier.Limit,
		Remaining: remaining,
		ResetAtMs: resetAtMs,
		WindowMs:  tier.Window.Milliseconds(),
	}
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		var out int64
		fmt.Sscanf(n, "%d", &out)
		return out
	default:
		return 0
	}
}
