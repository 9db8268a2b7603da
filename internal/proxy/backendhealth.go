package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/piwi3910/neuroroute/internal/metrics"
	"github.com/piwi3910/neuroroute/internal/providers"
	"github.com/piwi3910/neuroroute/internal/registry"
)

// backendHealthWakeInterval is how often the single health loop wakes to
// check which backends' next_check_at has passed (spec §4.4, §9 "Health
// loop" — one loop, not one goroutine per backend).
const backendHealthWakeInterval = 10 * time.Second

const backendProbeTimeout = 5 * time.Second

// BackendHealthLoop runs the registry-level health probe loop (spec §3's
// BackendHealth state machine), distinct from the teacher's simpler
// HealthChecker which still serves the OpenAI-compatible surface's
// GET /health and /readiness. Grounded on original_source/router.py's
// background health-check loop (wakes every 10s, probes only backends
// whose next_check_time has passed).
type BackendHealthLoop struct {
	reg      *registry.Registry
	backends map[registry.BackendKey]providers.Provider
	metrics  *metrics.Registry
	baseCtx  context.Context

	done chan struct{}
	wg   sync.WaitGroup
}

// NewBackendHealthLoop creates and starts the loop. An initial probe of
// every backend runs synchronously so health is never "unknown" for long.
func NewBackendHealthLoop(ctx context.Context, reg *registry.Registry, backends map[registry.BackendKey]providers.Provider, met *metrics.Registry) *BackendHealthLoop {
	l := &BackendHealthLoop{
		reg:      reg,
		backends: backends,
		metrics:  met,
		baseCtx:  ctx,
		done:     make(chan struct{}),
	}

	l.probeExpired(true)

	l.wg.Add(1)
	go l.run()

	return l
}

func (l *BackendHealthLoop) run() {
	defer l.wg.Done()
	ticker := time.NewTicker(backendHealthWakeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.probeExpired(false)
		case <-l.done:
			return
		}
	}
}

// probeExpired checks, per backend, whether next_check_at has passed (or
// force is set) and probes it if so. Probes run concurrently.
func (l *BackendHealthLoop) probeExpired(force bool) {
	now := time.Now()
	var wg sync.WaitGroup

	for _, key := range l.reg.AllKeys() {
		health := l.reg.Health(key)
		if health == nil {
			continue
		}
		if !force && now.Before(health.NextCheckAt()) {
			continue
		}

		desc, ok := l.reg.Descriptor(key)
		if !ok {
			continue
		}
		prov, ok := l.backends[key]
		if !ok {
			continue
		}

		interval := desc.HealthCheckInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}

		wg.Add(1)
		go func(key registry.BackendKey, prov providers.Provider, h *registry.BackendHealth, interval time.Duration) {
			defer wg.Done()

			ctx, cancel := context.WithTimeout(l.baseCtx, backendProbeTimeout)
			defer cancel()

			start := time.Now()
			err := prov.HealthCheck(ctx)
			latency := time.Since(start)

			errMsg := ""
			if err != nil {
				errMsg = err.Error()
			}
			h.RecordProbe(err == nil, errMsg, latency, interval)

			if l.metrics != nil {
				l.metrics.SetBackendHealth(string(key), h.Status().StatusValue())
			}
		}(key, prov, health, interval)
	}

	wg.Wait()
}

// Close stops the background loop.
func (l *BackendHealthLoop) Close() {
	close(l.done)
	l.wg.Wait()
}
