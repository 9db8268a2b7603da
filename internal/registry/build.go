package registry

import "time"

// BackendSource is the minimal shape Build needs from configuration,
// satisfied by config.BackendConfig without this package importing
// internal/config (avoids an import cycle — config is read by many
// packages that must not depend on registry).
type BackendSource struct {
	Key                 string
	DisplayName         string
	ProviderTag         string
	UpstreamModel       string
	Capabilities        []string
	Keywords            []string
	CostPer1KTokens     float64
	AvgLatencyMs        int
	MaxOutputTokens     int
	MaxPromptLength     int
	SupportsStreaming   bool
	SpeedPriority       int
	CostPriority        int
	QualityPriority     int
	FallbackOrder       []string
	HealthCheckInterval time.Duration
}

// Build converts configured backend sources into descriptors and returns a
// Registry. defaultBackend selects the floor-fallback target (spec §3); it
// must name one of sources' keys or Build falls back to the first source in
// order.
func Build(sources []BackendSource, defaultBackend string) *Registry {
	descriptors := make([]BackendDescriptor, 0, len(sources))
	for _, s := range sources {
		caps := make([]CapabilityTag, 0, len(s.Capabilities))
		for _, c := range s.Capabilities {
			caps = append(caps, CapabilityTag(c))
		}
		fallback := make([]BackendKey, 0, len(s.FallbackOrder))
		for _, f := range s.FallbackOrder {
			fallback = append(fallback, BackendKey(f))
		}

		interval := s.HealthCheckInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}

		descriptors = append(descriptors, BackendDescriptor{
			Key:                 BackendKey(s.Key),
			DisplayName:         s.DisplayName,
			ProviderTag:         s.ProviderTag,
			UpstreamModel:       s.UpstreamModel,
			Capabilities:        caps,
			Keywords:            s.Keywords,
			CostPer1KTokens:     s.CostPer1KTokens,
			AvgLatencyMs:        s.AvgLatencyMs,
			MaxOutputTokens:     s.MaxOutputTokens,
			MaxPromptLength:     s.MaxPromptLength,
			SupportsStreaming:   s.SupportsStreaming,
			SpeedPriority:       PriorityRank(s.SpeedPriority),
			CostPriority:        PriorityRank(s.CostPriority),
			QualityPriority:     PriorityRank(s.QualityPriority),
			FallbackOrder:       fallback,
			HealthCheckInterval: interval,
		})
	}

	def := BackendKey(defaultBackend)
	found := false
	for _, d := range descriptors {
		if d.Key == def {
			found = true
			break
		}
	}
	if !found && len(descriptors) > 0 {
		def = descriptors[0].Key
	}

	return New(descriptors, def)
}

// DefaultBackends is the built-in descriptor set used when configuration
// supplies none (spec's three reference backends: a locally-hosted
// OpenAI-compatible endpoint, a hosted OpenAI-like provider, and a hosted
// Anthropic-like provider). Grounded on original_source/config.py's
// get_model_registry defaults and the teacher's ModelAliases/
// DefaultFallbackOrder.
func DefaultBackends() []BackendSource {
	return []BackendSource{
		{
			Key:               "local",
			DisplayName:       "Local LM Studio",
			ProviderTag:       "local",
			UpstreamModel:     "local-model",
			Capabilities:      []string{"basic_chat", "fast_response", "conversational_memory"},
			Keywords:          []string{"quick", "simple", "chat", "hello"},
			CostPer1KTokens:   0.0,
			AvgLatencyMs:      200,
			MaxOutputTokens:   4096,
			MaxPromptLength:   8000,
			SupportsStreaming: true,
			SpeedPriority:     1,
			CostPriority:      1,
			QualityPriority:   3,
			FallbackOrder:     []string{"openai", "anthropic"},
		},
		{
			Key:               "openai",
			DisplayName:       "OpenAI-compatible",
			ProviderTag:       "openai",
			UpstreamModel:     "gpt-4o",
			Capabilities: []string{
				"basic_chat", "code_generation", "data_analysis", "function_calling",
				"json_mode", "tool_use", "image_understanding", "structured_output",
			},
			Keywords:          []string{"code", "function", "json", "image"},
			CostPer1KTokens:   0.005,
			AvgLatencyMs:      900,
			MaxOutputTokens:   16384,
			MaxPromptLength:   120000,
			SupportsStreaming: true,
			SpeedPriority:     2,
			CostPriority:      2,
			QualityPriority:   2,
			FallbackOrder:     []string{"anthropic", "local"},
		},
		{
			Key:               "anthropic",
			DisplayName:       "Anthropic-compatible",
			ProviderTag:       "anthropic",
			UpstreamModel:     "claude-opus",
			Capabilities: []string{
				"basic_chat", "reasoning", "long_context", "system_design",
				"legal_analysis", "scientific_knowledge", "step_by_step_reasoning",
				"multilingual",
			},
			Keywords:          []string{"analyze", "reason", "explain", "review"},
			CostPer1KTokens:   0.015,
			AvgLatencyMs:      1400,
			MaxOutputTokens:   8192,
			MaxPromptLength:   200000,
			SupportsStreaming: true,
			SpeedPriority:     3,
			CostPriority:      3,
			QualityPriority:   1,
			FallbackOrder:     []string{"openai", "local"},
		},
	}
}
