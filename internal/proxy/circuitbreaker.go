package proxy

import (
	"sync"
	"time"
)

// cbState represents the operational state of a per-service circuit breaker.
//
//	cbClosed   — normal operation; all requests pass through.
//	cbOpen     — service is failing; requests are rejected immediately.
//	cbHalfOpen — recovery probe; one request is allowed to test the service.
type cbState int

const (
	cbClosed   cbState = 0
	cbOpen     cbState = 1
	cbHalfOpen cbState = 2
)

// Default circuit breaker thresholds, used when a ServiceDescriptor does not
// override them.
const (
	DefaultErrorThreshold  = 5
	DefaultTimeWindow      = 60 * time.Second
	DefaultHalfOpenTimeout = 30 * time.Second
)

// CBConfig holds circuit breaker tuning parameters applied when a service's
// registry.CircuitBreakerParams are unset (zero values).
type CBConfig struct {
	ErrorThreshold  int
	TimeWindow      time.Duration
	HalfOpenTimeout time.Duration
}

func (c CBConfig) withDefaults() CBConfig {
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = DefaultErrorThreshold
	}
	if c.TimeWindow <= 0 {
		c.TimeWindow = DefaultTimeWindow
	}
	if c.HalfOpenTimeout <= 0 {
		c.HalfOpenTimeout = DefaultHalfOpenTimeout
	}
	return c
}

// serviceCB holds per-service circuit breaker state.
type serviceCB struct {
	mu sync.Mutex

	cfg CBConfig

	state         cbState
	errorCount    int
	windowStart   time.Time // start of the current error-counting window
	openedAt      time.Time // when the breaker was tripped (for half-open timer)
	probeInflight bool      // true while a half-open probe is in flight
}

// CircuitBreaker manages independent circuit breakers for each upstream
// service. Breakers are created lazily on first use, keyed by service name,
// with thresholds taken from that service's registry.CircuitBreakerParams
// (falling back to CircuitBreaker's default config for unset fields). It is
// safe for concurrent use from multiple goroutines.
type CircuitBreaker struct {
	mu       sync.Mutex
	breakers map[string]*serviceCB
	defaults CBConfig
}

// NewCircuitBreaker creates a CircuitBreaker using the package defaults for
// any service whose descriptor does not override them.
func NewCircuitBreaker() *CircuitBreaker {
	return NewCircuitBreakerWithConfig(CBConfig{})
}

// NewCircuitBreakerWithConfig creates a CircuitBreaker with custom default
// thresholds, applied when a service's own parameters are unset.
func NewCircuitBreakerWithConfig(cfg CBConfig) *CircuitBreaker {
	return &CircuitBreaker{
		breakers: make(map[string]*serviceCB),
		defaults: cfg.withDefaults(),
	}
}

// RegisterService pre-creates a breaker for service using cfg (typically
// derived from that service's registry.CircuitBreakerParams). Calling this
// is optional — getOrCreate lazily creates a breaker with the
// CircuitBreaker's default config on first use — but doing it at startup
// applies the service's own thresholds from the first request on.
func (cb *CircuitBreaker) RegisterService(service string, cfg CBConfig) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if _, ok := cb.breakers[service]; ok {
		return
	}
	merged := cfg
	if merged.ErrorThreshold <= 0 {
		merged.ErrorThreshold = cb.defaults.ErrorThreshold
	}
	if merged.TimeWindow <= 0 {
		merged.TimeWindow = cb.defaults.TimeWindow
	}
	if merged.HalfOpenTimeout <= 0 {
		merged.HalfOpenTimeout = cb.defaults.HalfOpenTimeout
	}
	cb.breakers[service] = &serviceCB{
		cfg:         merged,
		state:       cbClosed,
		windowStart: time.Now(),
	}
}

// Allow reports whether service should receive the next request.
//
//   - Closed  → always true.
//   - Open    → false, unless the half-open timeout has elapsed, in which case
//     the breaker transitions to HalfOpen and allows one probe.
//   - HalfOpen → true only if no probe is currently in flight.
func (cb *CircuitBreaker) Allow(service string) bool {
	scb := cb.getOrCreate(service)

	scb.mu.Lock()
	defer scb.mu.Unlock()

	switch scb.state {
	case cbClosed:
		return true

	case cbOpen:
		if time.Since(scb.openedAt) >= scb.cfg.HalfOpenTimeout {
			scb.state = cbHalfOpen
			scb.probeInflight = true
			return true
		}
		return false

	case cbHalfOpen:
		if scb.probeInflight {
			return false
		}
		scb.probeInflight = true
		return true
	}

	return true
}

// RecordSuccess marks a successful response for service and resets the
// breaker to Closed regardless of its previous state.
func (cb *CircuitBreaker) RecordSuccess(service string) {
	scb := cb.getOrCreate(service)

	scb.mu.Lock()
	defer scb.mu.Unlock()

	scb.state = cbClosed
	scb.errorCount = 0
	scb.probeInflight = false
	scb.windowStart = time.Now()
}

// RecordFailure increments the error counter for service. When the counter
// reaches the breaker's error threshold within its time window, the breaker
// opens.
func (cb *CircuitBreaker) RecordFailure(service string) {
	scb := cb.getOrCreate(service)

	scb.mu.Lock()
	defer scb.mu.Unlock()

	now := time.Now()

	if now.Sub(scb.windowStart) > scb.cfg.TimeWindow {
		scb.errorCount = 0
		scb.windowStart = now
	}

	scb.errorCount++
	scb.probeInflight = false

	if scb.errorCount >= scb.cfg.ErrorThreshold {
		scb.state = cbOpen
		scb.openedAt = now
	}
}

// State returns the current cbState for service.
func (cb *CircuitBreaker) State(service string) cbState {
	scb := cb.getOrCreate(service)
	scb.mu.Lock()
	defer scb.mu.Unlock()
	return scb.state
}

// StateLabel returns a human-readable state name: "closed", "open", or "half_open".
func (cb *CircuitBreaker) StateLabel(service string) string {
	switch cb.State(service) {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func (cb *CircuitBreaker) getOrCreate(service string) *serviceCB {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if scb, ok := cb.breakers[service]; ok {
		return scb
	}
	scb := &serviceCB{
		cfg:         cb.defaults,
		state:       cbClosed,
		windowStart: time.Now(),
	}
	cb.breakers[service] = scb
	return scb
}
