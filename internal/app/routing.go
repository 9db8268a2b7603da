package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/piwi3910/neuroroute/internal/cache"
	"github.com/piwi3910/neuroroute/internal/classifier"
	"github.com/piwi3910/neuroroute/internal/config"
	"github.com/piwi3910/neuroroute/internal/logger"
	"github.com/piwi3910/neuroroute/internal/providers"
	openaicompatprov "github.com/piwi3910/neuroroute/internal/providers/openaicompat"
	"github.com/piwi3910/neuroroute/internal/proxy"
	"github.com/piwi3910/neuroroute/internal/registry"
)

const defaultLocalBaseURL = "http://127.0.0.1:1234/v1"

// initRouting builds the spec §4 routing pipeline (registry, classifier,
// response cache, Router, background health loop) on top of the providers
// and cache backend initServices/initGateway already built. It is additive:
// the teacher's OpenAI-compatible Gateway keeps working regardless of
// whether this step runs.
func (a *App) initRouting(_ context.Context) error {
	sources := backendSources(a.cfg.Backends)
	a.reg = registry.Build(sources, a.cfg.API.DefaultModel)

	a.clf = classifier.New(a.reg)

	backends, err := a.routerBackends()
	if err != nil {
		return err
	}

	if a.cacheStore != nil {
		indexer, _ := a.cacheStore.(cache.Indexer)
		a.respCache = cache.NewResponseCache(a.cacheStore, indexer, "neuroroute:", a.cfg.Cache.TTL, 3, 5*time.Second)
	}

	routerCfg := proxy.RouterConfig{
		DefaultRequestTimeout: a.cfg.API.DefaultRequestTimeout,
		MaxPromptLength:       a.cfg.API.MaxPromptLength,
		FallbackEnabled:       a.cfg.Failover.Enabled,
		RetryOnTimeout:        a.cfg.Failover.RetryOnTimeout,
		RetryOnRateLimit:      a.cfg.Failover.RetryOnRateLimit,
		RetryOnServerError:    a.cfg.Failover.RetryOnServerError,
		FallbackOrder:         fallbackOrderFromConfig(a.cfg.Failover.Order),
	}

	var reqLogger logger.RequestLogger
	if a.reqLogger != nil {
		reqLogger = a.reqLogger
	}

	a.router = proxy.NewRouter(a.reg, a.clf, a.respCache, backends, a.prom, reqLogger, a.log, routerCfg)
	a.healthLoop = proxy.NewBackendHealthLoop(a.baseCtx, a.reg, backends, a.prom)

	a.log.Info("routing pipeline ready",
		slog.Int("backends", len(a.reg.AllKeys())),
		slog.String("default_model", a.cfg.API.DefaultModel),
	)

	return nil
}

// backendSources converts configured BackendConfig entries to
// registry.BackendSource, falling back to the built-in reference set when
// none are configured.
func backendSources(cfgBackends []config.BackendConfig) []registry.BackendSource {
	if len(cfgBackends) == 0 {
		return registry.DefaultBackends()
	}

	out := make([]registry.BackendSource, 0, len(cfgBackends))
	for _, b := range cfgBackends {
		out = append(out, registry.BackendSource{
			Key:                 b.Key,
			DisplayName:         b.DisplayName,
			ProviderTag:         b.ProviderTag,
			UpstreamModel:       b.UpstreamModel,
			Capabilities:        b.Capabilities,
			Keywords:            b.Keywords,
			CostPer1KTokens:     b.CostPer1KTokens,
			AvgLatencyMs:        b.AvgLatencyMs,
			MaxOutputTokens:     b.MaxOutputTokens,
			MaxPromptLength:     b.MaxPromptLength,
			SupportsStreaming:   b.SupportsStreaming,
			SpeedPriority:       b.SpeedPriority,
			CostPriority:        b.CostPriority,
			QualityPriority:     b.QualityPriority,
			FallbackOrder:       b.FallbackOrder,
			HealthCheckInterval: b.HealthCheckInterval,
		})
	}
	return out
}

func fallbackOrderFromConfig(order map[string][]string) map[registry.BackendKey][]registry.BackendKey {
	if len(order) == 0 {
		return nil
	}
	out := make(map[registry.BackendKey][]registry.BackendKey, len(order))
	for k, list := range order {
		keys := make([]registry.BackendKey, 0, len(list))
		for _, v := range list {
			keys = append(keys, registry.BackendKey(v))
		}
		out[registry.BackendKey(k)] = keys
	}
	return out
}

// routerBackends maps every registry backend to a providers.Provider,
// reusing a.provs (keyed by ProviderTag) and synthesizing a "local" adapter
// pointed at a local OpenAI-compatible endpoint when the registry declares
// one but a.provs has no such entry.
func (a *App) routerBackends() (map[registry.BackendKey]providers.Provider, error) {
	out := make(map[registry.BackendKey]providers.Provider, len(a.reg.AllKeys()))
	for _, key := range a.reg.AllKeys() {
		desc, _ := a.reg.Descriptor(key)
		if p, ok := a.provs[desc.ProviderTag]; ok {
			out[key] = p
			continue
		}
		if desc.ProviderTag == "local" {
			out[key] = openaicompatprov.New("local", "local", defaultLocalBaseURL)
			continue
		}
		// No adapter configured for this backend's provider tag — the
		// router's availability gate (spec §4.4 step 5) treats it as
		// unavailable and either substitutes a fallback or fails the
		// request, so leaving it unmapped here is correct, not an error.
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("routing: no backend in the registry has a configured provider adapter")
	}
	return out, nil
}
