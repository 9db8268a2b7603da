package proxy

import (
	"bufio"
	"encoding/json"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/piwi3910/neuroroute/internal/registry"
	"github.com/piwi3910/neuroroute/pkg/apierr"
)

// StartWithRouterAndRoutes starts the HTTP server serving both the
// teacher's OpenAI-compatible surface (g.*) and the spec's routing surface
// (rt.*, spec §6) on the same fasthttp listener. Pass a nil rt to behave
// exactly like StartWithRoutes.
func (g *Gateway) StartWithRouterAndRoutes(addr string, rt *Router, mgmt *ManagementRoutes) error {
	r := router.New()

	r.POST("/v1/chat/completions", g.handleChatCompletions)
	r.POST("/v1/completions", g.handleCompletions)
	r.POST("/v1/embeddings", g.handleEmbeddings)
	r.GET("/readiness", g.handleReadiness)

	if rt != nil {
		// rt's /health supersedes the teacher's simple liveness check once a
		// Router is wired in — it reports per-backend health (spec §6)
		// instead of just the process being up.
		rt.registerRoutes(r)
	} else {
		r.GET("/health", g.handleHealth)
	}

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)

	srv := &fasthttp.Server{
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	return srv.ListenAndServe(addr)
}

func (rt *Router) registerRoutes(r *router.Router) {
	r.POST("/prompt", rt.handlePrompt)
	r.POST("/test-model/{backend}", rt.handleTestModel)
	r.GET("/health", rt.handleBackendHealth)
	r.GET("/models", rt.handleModels)
	r.GET("/models/capabilities", rt.handleModelCapabilities)
	r.GET("/models/{backend}/health", rt.handleOneBackendHealth)
	r.POST("/admin/cache/clear", rt.handleCacheClear)
}

type promptRequestBody struct {
	Prompt   string          `json:"prompt"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

type promptMetadataBody struct {
	UserID               string   `json:"user_id,omitempty"`
	Priority             string   `json:"priority,omitempty"`
	MaxTokens            int      `json:"max_tokens,omitempty"`
	Temperature          float64  `json:"temperature,omitempty"`
	Model                string   `json:"model,omitempty"`
	TimeoutSeconds       float64  `json:"timeout_seconds,omitempty"`
	UseCache             *bool    `json:"use_cache,omitempty"`
	RequestID            string   `json:"request_id,omitempty"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	Stream               bool     `json:"stream,omitempty"`
	CacheTTLSeconds      int      `json:"cache_ttl,omitempty"`
	Language             string   `json:"language,omitempty"`
}

func parsePromptMetadata(raw json.RawMessage) PromptMetadata {
	if len(raw) == 0 {
		return PromptMetadata{}
	}
	var body promptMetadataBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return PromptMetadata{}
	}

	caps := make([]registry.CapabilityTag, 0, len(body.RequiredCapabilities))
	for _, c := range body.RequiredCapabilities {
		caps = append(caps, registry.CapabilityTag(c))
	}

	var ttl time.Duration
	if body.CacheTTLSeconds > 0 {
		ttl = time.Duration(body.CacheTTLSeconds) * time.Second
	}

	return PromptMetadata{
		UserID:               body.UserID,
		Priority:             body.Priority,
		MaxTokens:            body.MaxTokens,
		Temperature:          body.Temperature,
		Model:                body.Model,
		TimeoutSeconds:       body.TimeoutSeconds,
		UseCache:             body.UseCache,
		RequestID:            body.RequestID,
		RequiredCapabilities: caps,
		Stream:               body.Stream,
		CacheTTL:             ttl,
		Language:             body.Language,
	}
}

func (rt *Router) handlePrompt(ctx *fasthttp.RequestCtx) {
	var body promptRequestBody
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid JSON body", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if strings.TrimSpace(body.Prompt) == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "prompt must not be empty", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	meta := parsePromptMetadata(body.Metadata)

	if meta.Stream {
		rt.handlePromptStream(ctx, body.Prompt, meta)
		return
	}

	env, err := rt.Route(ctx, body.Prompt, meta, false, "")
	rt.writeRouteResult(ctx, env, err)
}

// handlePromptStream serves spec §4.1's stream() contract over HTTP as
// newline-delimited JSON: one line per StreamChunkResult, in the order
// RouteStream yields them, ending with the chunk carrying done=true. The
// init metadata (selected backend/model/request_id) is sent as the first
// line so a caller can start rendering before any chunk text arrives.
func (rt *Router) handlePromptStream(ctx *fasthttp.RequestCtx, prompt string, meta PromptMetadata) {
	chunks, init, err := rt.RouteStream(ctx, prompt, meta, false, "")
	if err != nil {
		rt.writeRouteResult(ctx, Envelope{}, err)
		return
	}

	ctx.SetContentType("application/x-ndjson")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer

		initLine, _ := json.Marshal(struct {
			Backend   string `json:"backend"`
			ModelID   string `json:"model_id"`
			RequestID string `json:"request_id"`
			Fallback  bool   `json:"fallback,omitempty"`
		}{string(init.Backend), init.ModelID, init.RequestID, init.Fallback})
		w.Write(initLine) //nolint:errcheck
		w.WriteByte('\n') //nolint:errcheck
		w.Flush()         //nolint:errcheck

		for chunk := range chunks {
			line, _ := json.Marshal(struct {
				ChunkText          string `json:"chunk_text"`
				Done               bool   `json:"done"`
				LatencyMs          int64  `json:"latency_ms"`
				TimeToFirstChunkMs int64  `json:"time_to_first_chunk_ms,omitempty"`
				Error              string `json:"error,omitempty"`
			}{chunk.ChunkText, chunk.Done, chunk.LatencyMs, chunk.TimeToFirstChunkMs, chunk.Error})
			w.Write(line)     //nolint:errcheck
			w.WriteByte('\n') //nolint:errcheck
			w.Flush()         //nolint:errcheck
		}
	})
}

func (rt *Router) handleTestModel(ctx *fasthttp.RequestCtx) {
	backend := registry.BackendKey(ctx.UserValue("backend").(string))
	if !rt.reg.Has(backend) {
		apierr.Write(ctx, fasthttp.StatusNotFound, "unknown backend", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	var body promptRequestBody
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid JSON body", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	meta := parsePromptMetadata(body.Metadata)
	env, err := rt.Route(ctx, body.Prompt, meta, true, backend)
	if err == nil {
		writeJSON(ctx, struct {
			Envelope
			TestMode bool `json:"test_mode"`
		}{Envelope: env, TestMode: true})
		return
	}
	rt.writeRouteResult(ctx, env, err)
}

func (rt *Router) writeRouteResult(ctx *fasthttp.RequestCtx, env Envelope, err error) {
	if err == nil {
		writeJSON(ctx, env)
		return
	}
	if ke, ok := err.(apierr.Kinder); ok {
		apierr.WriteKind(ctx, ke)
		return
	}
	apierr.Write(ctx, fasthttp.StatusInternalServerError, err.Error(), apierr.TypeServerError, apierr.CodeInternalError)
}

func (rt *Router) handleBackendHealth(ctx *fasthttp.RequestCtx) {
	detailed := string(ctx.QueryArgs().Peek("detailed")) == "true"

	type backendHealthView struct {
		Status      string `json:"status"`
		LastChecked string `json:"last_checked,omitempty"`
		LastError   string `json:"last_error,omitempty"`
	}

	statuses := make(map[string]backendHealthView)
	overall := "healthy"
	for _, key := range rt.reg.AllKeys() {
		h := rt.reg.Health(key)
		if h == nil {
			continue
		}
		snap := h.Snapshot()
		view := backendHealthView{Status: string(snap.Status)}
		if detailed {
			view.LastChecked = snap.LastChecked.Format("2006-01-02T15:04:05Z07:00")
			view.LastError = snap.LastError
		}
		statuses[string(key)] = view
		if snap.Status == registry.HealthUnhealthy || snap.Status == registry.HealthError {
			overall = "degraded"
		}
	}

	writeJSON(ctx, map[string]any{"status": overall, "backends": statuses})
}

func (rt *Router) handleOneBackendHealth(ctx *fasthttp.RequestCtx) {
	backend := registry.BackendKey(ctx.UserValue("backend").(string))
	h := rt.reg.Health(backend)
	if h == nil {
		apierr.Write(ctx, fasthttp.StatusNotFound, "unknown backend", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	writeJSON(ctx, h.Snapshot())
}

func (rt *Router) handleModels(ctx *fasthttp.RequestCtx) {
	includeHealth := string(ctx.QueryArgs().Peek("include_health")) == "true"

	type modelView struct {
		Key         string                   `json:"key"`
		DisplayName string                   `json:"display_name"`
		Capabilities []registry.CapabilityTag `json:"capabilities"`
		Health      *registry.HealthSnapshot `json:"health,omitempty"`
	}

	out := make([]modelView, 0, len(rt.reg.AllKeys()))
	for _, key := range rt.reg.AllKeys() {
		desc, _ := rt.reg.Descriptor(key)
		v := modelView{Key: string(key), DisplayName: desc.DisplayName, Capabilities: desc.Capabilities}
		if includeHealth {
			if h := rt.reg.Health(key); h != nil {
				snap := h.Snapshot()
				v.Health = &snap
			}
		}
		out = append(out, v)
	}

	writeJSON(ctx, map[string]any{"models": out})
}

func (rt *Router) handleModelCapabilities(ctx *fasthttp.RequestCtx) {
	out := make(map[string][]registry.CapabilityTag, len(rt.reg.AllKeys()))
	for _, key := range rt.reg.AllKeys() {
		desc, _ := rt.reg.Descriptor(key)
		out[string(key)] = desc.Capabilities
	}
	writeJSON(ctx, out)
}

func (rt *Router) handleCacheClear(ctx *fasthttp.RequestCtx) {
	if rt.respCache == nil {
		writeJSON(ctx, map[string]any{"cleared": 0})
		return
	}
	model := string(ctx.QueryArgs().Peek("model"))
	n, err := rt.respCache.Clear(ctx, registry.BackendKey(model))
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, err.Error(), apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, map[string]any{"cleared": n})
}
