package proxy

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/piwi3910/neuroroute/internal/cache"
	"github.com/piwi3910/neuroroute/internal/classifier"
	"github.com/piwi3910/neuroroute/internal/logger"
	"github.com/piwi3910/neuroroute/internal/metrics"
	"github.com/piwi3910/neuroroute/internal/providers"
	"github.com/piwi3910/neuroroute/internal/registry"
	"github.com/piwi3910/neuroroute/pkg/apierr"
)

// truncationMarker is appended to a prompt truncated to a backend's
// max_prompt_length, per the adapter contract's visible-marker requirement.
const truncationMarker = "...[truncated]"

// RouterConfig holds the router pipeline's tunables (spec §6's API/Fallback
// configuration surface).
type RouterConfig struct {
	DefaultRequestTimeout time.Duration
	MaxPromptLength       int
	FallbackEnabled       bool
	RetryOnTimeout        bool
	RetryOnRateLimit      bool
	RetryOnServerError    bool
	FallbackOrder         map[registry.BackendKey][]registry.BackendKey
}

// PromptMetadata is the full spec §3 RequestMetadata shape accepted by the
// router's /prompt surface.
type PromptMetadata struct {
	UserID               string
	Priority             string
	MaxTokens            int
	Temperature          float64
	Model                string
	TimeoutSeconds       float64
	UseCache             *bool // nil means default (true)
	RequestID            string
	RequiredCapabilities []registry.CapabilityTag
	Stream               bool
	CacheTTL             time.Duration
	Language             string
}

func (m PromptMetadata) useCache() bool {
	if m.UseCache == nil {
		return true
	}
	return *m.UseCache
}

// Envelope is the router-facing alias of the cache package's envelope shape
// (spec §3's ResponseEnvelope) — the router owns construction; the cache
// only reads/strips it.
type Envelope = cache.Envelope

// Router implements spec §4.4's route(prompt, metadata) pipeline, composing
// the registry, classifier, and response cache over a set of backend
// adapters. It is a new, additive component — the teacher's Gateway keeps
// serving the OpenAI-compatible surface unchanged.
type Router struct {
	reg        *registry.Registry
	classifier *classifier.Classifier
	respCache  *cache.ResponseCache
	backends   map[registry.BackendKey]providers.Provider
	metrics    *metrics.Registry
	reqLogger  logger.RequestLogger
	log        *slog.Logger
	cfg        RouterConfig
}

// NewRouter builds a Router. backends maps each registry.BackendKey to the
// providers.Provider that serves it (e.g. "local" -> an openaicompat
// provider pointed at a local endpoint).
func NewRouter(
	reg *registry.Registry,
	clf *classifier.Classifier,
	respCache *cache.ResponseCache,
	backends map[registry.BackendKey]providers.Provider,
	met *metrics.Registry,
	reqLogger logger.RequestLogger,
	log *slog.Logger,
	cfg RouterConfig,
) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		reg:        reg,
		classifier: clf,
		respCache:  respCache,
		backends:   backends,
		metrics:    met,
		reqLogger:  reqLogger,
		log:        log,
		cfg:        cfg,
	}
}

// preparedDispatch is the outcome of spec §4.4 steps 3-6 (backend
// selection, health gate, availability gate, truncate/clamp) — the part of
// the pipeline shared verbatim between the non-streaming and streaming
// dispatch paths.
type preparedDispatch struct {
	backend         registry.BackendKey
	desc            registry.BackendDescriptor
	prov            providers.Provider
	effectivePrompt string
	maxTokens       int
	timeout         time.Duration
}

// prepareDispatch implements spec §4.4 steps 3-6. testMode bypasses the
// classifier; forcedBackend must be set when testMode is true.
func (r *Router) prepareDispatch(prompt string, meta PromptMetadata, testMode bool, forcedBackend registry.BackendKey) (preparedDispatch, error) {
	// Step 3: select a backend.
	var backend registry.BackendKey
	var source string

	switch {
	case testMode:
		backend = forcedBackend
		source = "test_mode"
	case len(meta.RequiredCapabilities) > 0:
		backend, source = r.selectByCapability(meta.RequiredCapabilities)
	default:
		classification := r.classifier.Classify(prompt, classifier.RequestMetadata{
			Model:                meta.Model,
			Priority:             meta.Priority,
			RequiredCapabilities: meta.RequiredCapabilities,
			MaxTokens:            meta.MaxTokens,
			Language:             meta.Language,
		})
		backend = classification.Backend
		source = "rule_based"
		if meta.Model != "" && registry.BackendKey(meta.Model) == backend {
			source = "metadata_override"
		}
	}

	if !r.reg.Has(backend) {
		return preparedDispatch{}, NewRouteError(apierr.KindModelNotAvailable, string(backend), "backend %q not found in registry", backend)
	}

	if r.metrics != nil {
		r.metrics.RecordClassifierSelection(string(backend), source)
	}

	// Step 4: health gate — substitute from the fallback list if unhealthy.
	if !testMode {
		backend = r.substituteIfUnhealthy(backend)
	}

	// Step 5: availability gate.
	prov, ok := r.backends[backend]
	if !ok {
		if testMode {
			return preparedDispatch{}, NewRouteError(apierr.KindModelNotAvailable, string(backend), "backend %q has no configured adapter", backend)
		}
		return preparedDispatch{}, NewRouteError(apierr.KindAllModelsFailed, "", "no healthy backend available")
	}

	desc, _ := r.reg.Descriptor(backend)

	// Step 6: preprocess/truncate prompt, clamp max_tokens.
	effectivePrompt := truncatePrompt(prompt, desc.MaxPromptLength)
	maxTokens := meta.MaxTokens
	if maxTokens <= 0 || maxTokens > desc.MaxOutputTokens {
		maxTokens = desc.MaxOutputTokens
	}

	timeout := r.cfg.DefaultRequestTimeout
	if meta.TimeoutSeconds > 0 {
		timeout = time.Duration(meta.TimeoutSeconds * float64(time.Second))
	}

	return preparedDispatch{
		backend:         backend,
		desc:            desc,
		prov:            prov,
		effectivePrompt: effectivePrompt,
		maxTokens:       maxTokens,
		timeout:         timeout,
	}, nil
}

// Route executes spec §4.4's 10-step pipeline for prompt/metadata and
// returns the resulting envelope. testMode bypasses the classifier and
// cache (spec §6's POST /test-model/{backend}); forcedBackend must be set
// when testMode is true. Route never streams the response body — callers
// wanting spec §4.1's stream() contract use RouteStream instead.
func (r *Router) Route(ctx context.Context, prompt string, meta PromptMetadata, testMode bool, forcedBackend registry.BackendKey) (Envelope, error) {
	start := time.Now()

	// Step 1: request_id assignment.
	requestID := meta.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	fpMeta := cache.FingerprintMetadata{
		Model:       meta.Model,
		Temperature: meta.Temperature,
		MaxTokens:   meta.MaxTokens,
		UserID:      meta.UserID,
		Priority:    meta.Priority,
		Language:    meta.Language,
		Stream:      meta.Stream,
		CacheTTL:    meta.CacheTTL,
	}

	// Step 2: cache check (skipped for test mode, streaming, or use_cache=false).
	if !testMode && !meta.Stream && meta.useCache() && r.respCache != nil {
		if env, ok := r.respCache.Get(ctx, prompt, fpMeta); ok {
			env.RequestID = requestID
			if r.metrics != nil {
				r.metrics.CacheGetHit()
			}
			return env, nil
		}
		if r.metrics != nil {
			r.metrics.CacheGetMiss()
		}
	} else if r.metrics != nil {
		r.metrics.CacheGetBypass()
	}

	pd, err := r.prepareDispatch(prompt, meta, testMode, forcedBackend)
	if err != nil {
		return Envelope{}, err
	}
	backend, desc, prov := pd.backend, pd.desc, pd.prov

	dispatchCtx, cancel := context.WithTimeout(ctx, pd.timeout)
	defer cancel()

	req := &providers.ProxyRequest{
		Model:       desc.UpstreamModel,
		Messages:    []providers.Message{{Role: "user", Content: pd.effectivePrompt}},
		Stream:      meta.Stream,
		Temperature: meta.Temperature,
		MaxTokens:   pd.maxTokens,
		RequestID:   requestID,
	}

	metricsBackend := r.reg.Metrics(backend)
	if metricsBackend != nil {
		metricsBackend.RecordRequest()
	}
	if meta.Stream && metricsBackend != nil {
		metricsBackend.RecordStreamRequest()
	}

	dispatchStart := time.Now()
	resp, dispatchErr := prov.Request(dispatchCtx, req)
	latency := time.Since(dispatchStart)

	if dispatchErr != nil {
		return r.handleDispatchFailure(ctx, dispatchCtx, prompt, fpMeta, meta, backend, dispatchErr, latency, requestID, start)
	}

	// Step 9: success path.
	env := Envelope{
		ModelUsed:  backend,
		ModelID:    desc.UpstreamModel,
		Response:   resp.Content,
		LatencyMs:  time.Since(start).Milliseconds(),
		RequestID:  requestID,
		TokenUsage: &cache.TokenUsage{Prompt: resp.Usage.InputTokens, Completion: resp.Usage.OutputTokens, Total: resp.Usage.InputTokens + resp.Usage.OutputTokens},
		Timestamp:  time.Now(),
		Cost:       desc.CostPer1KTokens * float64(resp.Usage.InputTokens+resp.Usage.OutputTokens) / 1000.0,
	}

	if metricsBackend != nil {
		metricsBackend.RecordSuccess(latency, false, resp.Usage.InputTokens, resp.Usage.OutputTokens, env.Cost)
	}
	if r.metrics != nil {
		r.metrics.AddTokens(string(backend), "prompt", resp.Usage.InputTokens, resp.Usage.OutputTokens, false)
		r.metrics.ObserveGatewayRequest(string(backend), "prompt", "miss", latency)
	}

	if !testMode && !meta.Stream && meta.useCache() && r.respCache != nil {
		if err := r.respCache.Set(ctx, prompt, fpMeta, env); err != nil && r.metrics != nil {
			r.metrics.CacheSetError()
			r.metrics.RecordCacheConnectionError()
		} else if r.metrics != nil {
			r.metrics.CacheSetOK()
		}
	}

	r.logEnvelope(ctx, backend, env, false)

	return env, nil
}

// StreamInit is RouteStream's once-per-request metadata (spec §4.1 stream()'s
// init_metadata), returned alongside the chunk channel before the first
// chunk arrives.
type StreamInit struct {
	Backend   registry.BackendKey
	ModelID   string
	RequestID string
	Fallback  bool
}

// StreamChunkResult is one element of spec §4.1 stream()'s lazy chunk
// sequence.
type StreamChunkResult struct {
	ChunkText          string
	Done               bool
	LatencyMs          int64
	TimeToFirstChunkMs int64 // only set (> 0) on the first chunk of the stream
	Error              string
}

// RouteStream implements spec §4.1's stream(prompt, metadata) contract and
// §4.4 step 7. It runs the same steps 1 and 3-6 as Route (cache is never
// consulted for a stream — spec §4.3's write policy never caches streamed
// envelopes), then dispatches the backend's provider in streaming mode and
// relays its chunks with per-chunk and time-to-first-chunk latency. A
// dispatch error that occurs before any chunk is produced falls back
// through the same candidate order as Route's step 10, delivering the
// eventual response as a single terminal chunk; a provider that doesn't
// support streaming at all degrades the same way.
func (r *Router) RouteStream(ctx context.Context, prompt string, meta PromptMetadata, testMode bool, forcedBackend registry.BackendKey) (<-chan StreamChunkResult, StreamInit, error) {
	start := time.Now()

	// Step 1: request_id assignment.
	requestID := meta.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	if r.metrics != nil {
		r.metrics.CacheGetBypass()
	}

	pd, err := r.prepareDispatch(prompt, meta, testMode, forcedBackend)
	if err != nil {
		return nil, StreamInit{}, err
	}
	backend, desc, prov := pd.backend, pd.desc, pd.prov

	dispatchCtx, cancel := context.WithTimeout(ctx, pd.timeout)

	// spec §4.1: stream() is only defined when the descriptor declares
	// streaming support; otherwise dispatch unary and relay the whole
	// response as a single terminal chunk.
	req := &providers.ProxyRequest{
		Model:       desc.UpstreamModel,
		Messages:    []providers.Message{{Role: "user", Content: pd.effectivePrompt}},
		Stream:      desc.SupportsStreaming,
		Temperature: meta.Temperature,
		MaxTokens:   pd.maxTokens,
		RequestID:   requestID,
	}

	metricsBackend := r.reg.Metrics(backend)
	if metricsBackend != nil {
		metricsBackend.RecordRequest()
		metricsBackend.RecordStreamRequest()
	}

	dispatchStart := time.Now()
	resp, dispatchErr := prov.Request(dispatchCtx, req)

	if dispatchErr != nil {
		latency := time.Since(dispatchStart)
		result, init, fbErr := r.fallbackToSingleChunk(ctx, dispatchCtx, prompt, meta, backend, dispatchErr, latency, requestID, start)
		cancel()
		return result, init, fbErr
	}

	if resp.Stream == nil {
		// Either the descriptor doesn't declare streaming support, or the
		// provider otherwise returned no incremental path — degrade to a
		// single terminal chunk carrying the full response.
		cancel()
		latency := time.Since(start)
		inputTokens := providers.EstimateTokens(prompt)
		outputTokens := providers.EstimateTokens(resp.Content)
		if metricsBackend != nil {
			cost := desc.CostPer1KTokens * float64(inputTokens+outputTokens) / 1000.0
			metricsBackend.RecordSuccess(latency, false, inputTokens, outputTokens, cost)
		}
		out := make(chan StreamChunkResult, 1)
		out <- StreamChunkResult{ChunkText: resp.Content, Done: true, LatencyMs: latency.Milliseconds(), TimeToFirstChunkMs: latency.Milliseconds()}
		close(out)
		return out, StreamInit{Backend: backend, ModelID: desc.UpstreamModel, RequestID: requestID}, nil
	}

	out := make(chan StreamChunkResult, 8)
	go func() {
		defer cancel()
		defer close(out)

		var firstChunkSeen, sawDone bool
		var body []byte
		chunkStart := time.Now()

		for chunk := range resp.Stream {
			now := time.Now()
			result := StreamChunkResult{
				ChunkText: chunk.Content,
				Done:      chunk.FinishReason != "" || chunk.Error != "",
				Error:     chunk.Error,
				LatencyMs: now.Sub(chunkStart).Milliseconds(),
			}
			if !firstChunkSeen {
				result.TimeToFirstChunkMs = now.Sub(start).Milliseconds()
				firstChunkSeen = true
			}
			chunkStart = now
			body = append(body, chunk.Content...)
			if result.Done {
				sawDone = true
			}
			out <- result
			if chunk.Error != "" {
				break
			}
		}

		if !sawDone {
			out <- StreamChunkResult{Done: true, LatencyMs: time.Since(chunkStart).Milliseconds()}
		}

		totalLatency := time.Since(start)
		inputTokens := providers.EstimateTokens(prompt)
		outputTokens := providers.EstimateTokens(string(body))
		cost := desc.CostPer1KTokens * float64(inputTokens+outputTokens) / 1000.0

		if metricsBackend != nil {
			metricsBackend.RecordSuccess(totalLatency, false, inputTokens, outputTokens, cost)
		}
		if r.metrics != nil {
			r.metrics.AddTokens(string(backend), "prompt", inputTokens, outputTokens, false)
			r.metrics.ObserveGatewayRequest(string(backend), "prompt", "miss", totalLatency)
		}

		r.logEnvelope(ctx, backend, Envelope{
			ModelUsed:  backend,
			ModelID:    desc.UpstreamModel,
			Response:   string(body),
			LatencyMs:  totalLatency.Milliseconds(),
			RequestID:  requestID,
			TokenUsage: &cache.TokenUsage{Prompt: inputTokens, Completion: outputTokens, Total: inputTokens + outputTokens},
			Timestamp:  time.Now(),
			Cost:       cost,
		}, false)
	}()

	return out, StreamInit{Backend: backend, ModelID: desc.UpstreamModel, RequestID: requestID}, nil
}

// fallbackToSingleChunk walks the same candidate order as
// handleDispatchFailure, but for a stream() call that failed before
// producing any chunk — the eventual non-streaming response (if a fallback
// succeeds) is delivered as one terminal chunk rather than re-attempted as
// a stream, since a second backend's stream semantics may differ.
func (r *Router) fallbackToSingleChunk(
	ctx context.Context,
	dispatchCtx context.Context,
	prompt string,
	meta PromptMetadata,
	failedBackend registry.BackendKey,
	dispatchErr error,
	latency time.Duration,
	requestID string,
	start time.Time,
) (<-chan StreamChunkResult, StreamInit, error) {
	fpMeta := cache.FingerprintMetadata{
		Model:       meta.Model,
		Temperature: meta.Temperature,
		MaxTokens:   meta.MaxTokens,
		UserID:      meta.UserID,
		Priority:    meta.Priority,
		Language:    meta.Language,
		Stream:      meta.Stream,
		CacheTTL:    meta.CacheTTL,
	}

	env, err := r.handleDispatchFailure(ctx, dispatchCtx, prompt, fpMeta, meta, failedBackend, dispatchErr, latency, requestID, start)
	if err != nil {
		return nil, StreamInit{}, err
	}

	out := make(chan StreamChunkResult, 1)
	totalLatency := time.Since(start)
	out <- StreamChunkResult{
		ChunkText:          env.Response,
		Done:               true,
		LatencyMs:          totalLatency.Milliseconds(),
		TimeToFirstChunkMs: totalLatency.Milliseconds(),
	}
	close(out)

	return out, StreamInit{Backend: env.ModelUsed, ModelID: env.ModelID, RequestID: requestID, Fallback: true}, nil
}

// handleDispatchFailure implements spec §4.4 step 10: classify the failure,
// and if the fallback policy allows retrying this class of error, walk the
// configured fallback order.
func (r *Router) handleDispatchFailure(
	ctx context.Context,
	dispatchCtx context.Context,
	prompt string,
	fpMeta cache.FingerprintMetadata,
	meta PromptMetadata,
	failedBackend registry.BackendKey,
	dispatchErr error,
	latency time.Duration,
	requestID string,
	start time.Time,
) (Envelope, error) {
	kind := classifyDispatchError(dispatchErr, dispatchCtx)

	if bm := r.reg.Metrics(failedBackend); bm != nil {
		bm.RecordFailure(kind == apierr.KindModelTimeout)
	}
	if r.metrics != nil {
		r.metrics.RecordError(string(failedBackend), string(kind))
	}

	if !r.cfg.FallbackEnabled || !r.retryAllowed(kind) {
		return Envelope{}, NewRouteError(kind, string(failedBackend), "%v", dispatchErr)
	}

	for _, next := range r.fallbackOrder(failedBackend) {
		if next == failedBackend {
			continue
		}
		prov, ok := r.backends[next]
		if !ok || !r.reg.Has(next) {
			continue
		}
		if h := r.reg.Health(next); h != nil && h.Status() == registry.HealthUnhealthy {
			continue
		}

		desc, _ := r.reg.Descriptor(next)
		effectivePrompt := truncatePrompt(prompt, desc.MaxPromptLength)
		maxTokens := meta.MaxTokens
		if maxTokens <= 0 || maxTokens > desc.MaxOutputTokens {
			maxTokens = desc.MaxOutputTokens
		}

		timeout := r.cfg.DefaultRequestTimeout
		if meta.TimeoutSeconds > 0 {
			timeout = time.Duration(meta.TimeoutSeconds * float64(time.Second))
		}
		dispatchCtx, cancel := context.WithTimeout(ctx, timeout)
		req := &providers.ProxyRequest{
			Model:       desc.UpstreamModel,
			Messages:    []providers.Message{{Role: "user", Content: effectivePrompt}},
			Temperature: meta.Temperature,
			MaxTokens:   maxTokens,
			RequestID:   requestID,
		}

		dispatchStart := time.Now()
		resp, err := prov.Request(dispatchCtx, req)
		cancel()
		fallbackLatency := time.Since(dispatchStart)

		bm := r.reg.Metrics(next)
		if bm != nil {
			bm.RecordRequest()
		}

		if err != nil {
			if bm != nil {
				bm.RecordFailure(classifyDispatchError(err, dispatchCtx) == apierr.KindModelTimeout)
			}
			continue
		}

		if bm != nil {
			bm.RecordSuccess(fallbackLatency, false, resp.Usage.InputTokens, resp.Usage.OutputTokens, desc.CostPer1KTokens*float64(resp.Usage.InputTokens+resp.Usage.OutputTokens)/1000.0)
		}

		env := Envelope{
			ModelUsed:      next,
			ModelID:        desc.UpstreamModel,
			Response:       resp.Content,
			LatencyMs:      time.Since(start).Milliseconds(),
			RequestID:      requestID,
			TokenUsage:     &cache.TokenUsage{Prompt: resp.Usage.InputTokens, Completion: resp.Usage.OutputTokens, Total: resp.Usage.InputTokens + resp.Usage.OutputTokens},
			Fallback:       true,
			FallbackReason: string(kind),
			Timestamp:      time.Now(),
			Cost:           desc.CostPer1KTokens * float64(resp.Usage.InputTokens+resp.Usage.OutputTokens) / 1000.0,
		}

		// Fallback responses are never cached (spec §3 invariant, §4.3 write policy).
		r.logEnvelope(ctx, next, env, false)
		return env, nil
	}

	return Envelope{}, NewRouteError(apierr.KindAllModelsFailed, "", "all candidate backends failed for request %s: %v", requestID, dispatchErr)
}

func (r *Router) retryAllowed(kind apierr.ErrorKind) bool {
	switch kind {
	case apierr.KindModelTimeout:
		return r.cfg.RetryOnTimeout
	case apierr.KindModelRateLimit:
		return r.cfg.RetryOnRateLimit
	case apierr.KindNetworkError, apierr.KindModelNotAvailable:
		return r.cfg.RetryOnServerError
	default:
		return false
	}
}

// fallbackOrder returns the configured fallback list for backend, per
// spec §9's resolved open question: the configured list is authoritative,
// falling back to the descriptor's own FallbackOrder when config supplies
// none for this key.
func (r *Router) fallbackOrder(backend registry.BackendKey) []registry.BackendKey {
	if order, ok := r.cfg.FallbackOrder[backend]; ok && len(order) > 0 {
		return order
	}
	desc, ok := r.reg.Descriptor(backend)
	if !ok {
		return nil
	}
	return desc.FallbackOrder
}

// selectByCapability implements spec §4.4 step 4's capability-based
// routing: prefer a backend supporting ALL required tags; relax to ANY if
// none qualifies; fall through to the registry default otherwise.
func (r *Router) selectByCapability(required []registry.CapabilityTag) (registry.BackendKey, string) {
	candidateSets := make([][]registry.BackendKey, len(required))
	for i, tag := range required {
		candidateSets[i] = r.reg.BackendsWithCapability(tag)
	}

	counts := make(map[registry.BackendKey]int)
	for _, set := range candidateSets {
		for _, k := range set {
			counts[k]++
		}
	}

	for _, key := range r.reg.Order() {
		if counts[key] == len(required) && len(required) > 0 {
			return key, "capability_based"
		}
	}
	for _, key := range r.reg.Order() {
		if counts[key] > 0 {
			return key, "capability_based"
		}
	}
	return r.reg.DefaultBackend(), "fallback_classification"
}

// substituteIfUnhealthy implements spec §4.4 step 4's health gate: if the
// selected backend's health is unhealthy/error, walk its fallback list for
// the first healthy candidate; otherwise leave the selection unchanged.
func (r *Router) substituteIfUnhealthy(backend registry.BackendKey) registry.BackendKey {
	h := r.reg.Health(backend)
	if h == nil {
		return backend
	}
	status := h.Status()
	if status != registry.HealthUnhealthy && status != registry.HealthError {
		return backend
	}

	for _, candidate := range r.fallbackOrder(backend) {
		if ch := r.reg.Health(candidate); ch != nil {
			s := ch.Status()
			if s != registry.HealthUnhealthy && s != registry.HealthError {
				return candidate
			}
		}
	}
	return backend
}

func (r *Router) logEnvelope(ctx context.Context, backend registry.BackendKey, env Envelope, cached bool) {
	if r.reqLogger == nil {
		return
	}
	var inTok, outTok uint32
	if env.TokenUsage != nil {
		inTok = uint32(env.TokenUsage.Prompt)
		outTok = uint32(env.TokenUsage.Completion)
	}
	status := uint16(200)
	if env.Error {
		status = 500
	}
	r.reqLogger.Log(logger.RequestLog{
		ID:           uuid.New(),
		Provider:     string(backend),
		Model:        env.ModelID,
		InputTokens:  inTok,
		OutputTokens: outTok,
		LatencyMs:    uint16(clampInt64(env.LatencyMs, 0, 65535)),
		Status:       status,
		Cached:       cached,
		CreatedAt:    env.Timestamp,
	})
}

func clampInt64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// truncatePrompt enforces a backend's max_prompt_length, appending a
// visible marker per the adapter contract (spec §4.1).
func truncatePrompt(prompt string, maxLen int) string {
	if maxLen <= 0 || len(prompt) <= maxLen {
		return prompt
	}
	cut := maxLen - len(truncationMarker)
	if cut < 0 {
		cut = 0
	}
	return prompt[:cut] + truncationMarker
}

// classifyDispatchError maps a provider-layer error into spec §7's
// taxonomy, generalizing failover.go's classifyError/isRetryable split.
// dispatchCtx is the per-call context passed to the provider — SDK clients
// frequently wrap context.DeadlineExceeded rather than returning it
// directly, so errors.Is alone can still miss it; checking dispatchCtx.Err()
// catches a timeout even when the client swallowed or rewrapped it.
func classifyDispatchError(err error, dispatchCtx context.Context) apierr.ErrorKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(dispatchCtx.Err(), context.DeadlineExceeded) {
		return apierr.KindModelTimeout
	}
	if sc, ok := err.(providers.StatusCoder); ok {
		switch status := sc.HTTPStatus(); {
		case status == 401 || status == 403:
			return apierr.KindModelAuth
		case status == 413:
			return apierr.KindModelTokenLimit
		case status == 429:
			return apierr.KindModelRateLimit
		case status >= 500:
			return apierr.KindNetworkError
		case status >= 400:
			return apierr.KindInvalidPrompt
		}
	}
	return apierr.KindNetworkError
}
