package proxy

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/api-gateway/internal/metrics"
	"github.com/nulpointcorp/api-gateway/internal/registry"
)

const healthProbeInterval = 30 * time.Second
const healthProbeTimeout = 5 * time.Second

var errServiceUnhealthy = errors.New("healthchecker: service reported an error status")

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded" | "down"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// HealthChecker runs background probes against every registered service's
// health-check endpoint (spec §4.1, §6's /health/services) and exposes the
// latest results without blocking request-path code on a live probe.
type HealthChecker struct {
	reg        *registry.Registry
	client     *fasthttp.Client
	cacheReady func() bool
	dbReady    func() bool
	baseCtx    context.Context
	metrics    *metrics.Registry

	serviceStatuses map[string]*componentStatus
	cacheStatus     componentStatus
	dbStatus        componentStatus

	startTime time.Time
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and immediately starts background
// probes. The shared-store probe (HealthSnapshot.Database, ReadinessOK) is
// left unconfigured — use NewHealthCheckerWithDB when a Redis-backed store
// needs to be probed too.
func NewHealthChecker(
	ctx context.Context,
	reg *registry.Registry,
	client *fasthttp.Client,
	cacheReady func() bool,
	met *metrics.Registry,
) *HealthChecker {
	return NewHealthCheckerWithDB(ctx, reg, client, cacheReady, nil, met)
}

// NewHealthCheckerWithDB is NewHealthChecker plus a dbReady probe for the
// shared Redis store backing the rate limiter and/or cache. A nil dbReady
// behaves exactly like NewHealthChecker (always "ok").
func NewHealthCheckerWithDB(
	ctx context.Context,
	reg *registry.Registry,
	client *fasthttp.Client,
	cacheReady func() bool,
	dbReady func() bool,
	met *metrics.Registry,
) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	hc := &HealthChecker{
		reg:             reg,
		client:          client,
		cacheReady:      cacheReady,
		dbReady:         dbReady,
		serviceStatuses: make(map[string]*componentStatus),
		startTime:       time.Now(),
		done:            make(chan struct{}),
		baseCtx:         ctx,
		metrics:         met,
	}

	for _, desc := range reg.All() {
		hc.serviceStatuses[desc.Name] = &componentStatus{status: "unknown"}
	}

	// Run first probe synchronously so health is not "unknown" immediately.
	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot returns the current health state for all components.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Services      map[string]string `json:"services"`
	Cache         string            `json:"cache"`
	Database      string            `json:"database"`
}

// Snapshot builds a snapshot from the latest probe results.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	overall := "ok"

	services := make(map[string]string, len(hc.serviceStatuses))
	for name, s := range hc.serviceStatuses {
		st := s.get()
		services[name] = st
		if st != "ok" {
			overall = "degraded"
		}
	}

	cache := hc.cacheStatus.get()
	db := hc.dbStatus.get()

	if db == "down" {
		overall = "degraded"
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Services:      services,
		Cache:         cache,
		Database:      db,
	}
}

// ReadinessOK returns true when the rate limiter / cache store is reachable
// (used by GET /health/readiness for Kubernetes probes).
func (hc *HealthChecker) ReadinessOK() bool {
	return hc.dbStatus.get() == "ok"
}

// Close stops the background probe goroutine.
func (hc *HealthChecker) Close() {
	close(hc.done)
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	// Service probes — run in parallel, one GET per registered descriptor.
	var wg sync.WaitGroup
	for _, desc := range hc.reg.All() {
		desc := desc
		s := hc.serviceStatuses[desc.Name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := hc.probeService(ctx, desc); err != nil {
				s.set("degraded")
				if hc.metrics != nil {
					hc.metrics.SetServiceHealth(desc.Name, false)
				}
			} else {
				s.set("ok")
				if hc.metrics != nil {
					hc.metrics.SetServiceHealth(desc.Name, true)
				}
			}
		}()
	}

	// Cache probe — nil probe means "not configured" → ok.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if hc.cacheReady == nil || hc.cacheReady() {
			hc.cacheStatus.set("ok")
		} else {
			hc.cacheStatus.set("degraded")
		}
	}()

	// Rate limiter / shared store probe — nil probe means "not configured" → ok.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if hc.dbReady == nil || hc.dbReady() {
			hc.dbStatus.set("ok")
		} else {
			hc.dbStatus.set("down")
		}
	}()

	wg.Wait()
}

func (hc *HealthChecker) probeService(ctx context.Context, desc registry.ServiceDescriptor) error {
	path := desc.HealthCheckPath
	if path == "" {
		path = "/health"
	}
	url := strings.TrimSuffix(desc.BaseURL, "/") + path

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodGet)

	timeout := healthProbeTimeout
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl); remaining < timeout {
			timeout = remaining
		}
	}

	if err := hc.client.DoTimeout(req, resp, timeout); err != nil {
		return err
	}
	if resp.StatusCode() >= 500 {
		return errServiceUnhealthy
	}
	return nil
}
