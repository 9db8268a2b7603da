package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/piwi3910/neuroroute/internal/registry"
)

const defaultKeyPrefix = "neuroroute:"

// Envelope is the cache-relevant projection of spec §3's ResponseEnvelope —
// only the fields the cache reads, writes, or strips. The router owns the
// full envelope type; ResponseCache only ever sees this shape.
type Envelope struct {
	ModelUsed       registry.BackendKey `json:"model_used"`
	ModelID         string              `json:"model_id"`
	Response        string              `json:"response"`
	LatencyMs       int64               `json:"latency_ms"`
	RequestID       string              `json:"request_id"`
	TokenUsage      *TokenUsage         `json:"token_usage,omitempty"`
	FromCache       bool                `json:"from_cache,omitempty"`
	CacheKey        string              `json:"cache_key,omitempty"`
	CacheLatencyMs  int64               `json:"cache_latency_ms,omitempty"`
	Fallback        bool                `json:"fallback,omitempty"`
	FallbackReason  string              `json:"fallback_reason,omitempty"`
	Timestamp       time.Time           `json:"timestamp"`
	Error           bool                `json:"error,omitempty"`
	ErrorType       string              `json:"error_type,omitempty"`
	ErrorDetails    string              `json:"error_details,omitempty"`
	Cost            float64             `json:"cost,omitempty"`
}

type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// FingerprintMetadata is the subset of RequestMetadata that participates in
// fingerprinting (spec §4.3's filtered_metadata). request_id and every other
// field are deliberately excluded.
type FingerprintMetadata struct {
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	UserID      string  `json:"user_id,omitempty"`
	Priority    string  `json:"priority,omitempty"`
	Language    string  `json:"language,omitempty"`
	Stream      bool    `json:"stream,omitempty"`

	CacheTTL time.Duration `json:"-"` // not part of the fingerprint, used for write TTL override
}

// Stats mirrors original_source/cache.py's get_stats.
type Stats struct {
	TotalEntries int64            `json:"total_entries"`
	PerBackend   map[string]int64 `json:"per_backend"`
	MemoryBytes  int64            `json:"memory_bytes"`
}

// ResponseCache is the envelope-level cache of spec §4.3, composed from the
// byte-level Cache and the set-based Indexer. Grounded directly on
// original_source/cache.py's Cache class.
type ResponseCache struct {
	store  Cache
	index  Indexer
	prefix string
	ttl    time.Duration

	mu                   sync.Mutex
	connectionErrors     int
	maxRetries           int
	lastConnectionAttempt time.Time
	reconnectDelay       time.Duration

	hits   int64
	misses int64
}

// NewResponseCache builds a ResponseCache over store/index. store and index
// are typically the same concrete value (ExactCache or MemoryCache), which
// satisfy both interfaces.
func NewResponseCache(store Cache, index Indexer, prefix string, defaultTTL time.Duration, maxRetries int, reconnectDelay time.Duration) *ResponseCache {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if reconnectDelay <= 0 {
		reconnectDelay = 5 * time.Second
	}
	return &ResponseCache{
		store:          store,
		index:          index,
		prefix:         prefix,
		ttl:            defaultTTL,
		maxRetries:     maxRetries,
		reconnectDelay: reconnectDelay,
	}
}

// Fingerprint computes spec §4.3's fingerprint:
//
//	"<prefix><backend?:>" + sha256(canonical_json({prompt, filtered_metadata}))
//
// If meta.Model is set, a synthetic "forced_model" field equal to it is
// added before hashing, and the backend name is prefixed into the key.
func (c *ResponseCache) Fingerprint(prompt string, meta FingerprintMetadata) string {
	payload := map[string]any{
		"prompt": prompt,
		"metadata": map[string]any{
			"model":       meta.Model,
			"temperature": meta.Temperature,
			"max_tokens":  meta.MaxTokens,
			"user_id":     meta.UserID,
			"priority":    meta.Priority,
			"language":    meta.Language,
			"stream":      meta.Stream,
		},
	}
	if meta.Model != "" {
		payload["metadata"].(map[string]any)["forced_model"] = meta.Model
	}

	canonical := canonicalJSON(payload)
	sum := sha256.Sum256([]byte(canonical))
	hash := hex.EncodeToString(sum[:])

	modelPrefix := ""
	if meta.Model != "" {
		modelPrefix = meta.Model + ":"
	}

	return c.prefix + modelPrefix + hash
}

// Get implements spec §4.3's read policy: on hit, returns the stored
// envelope with FromCache=true and CacheKey set to the fingerprint.
func (c *ResponseCache) Get(ctx context.Context, prompt string, meta FingerprintMetadata) (Envelope, bool) {
	if !c.connectionOK() {
		return Envelope{}, false
	}

	key := c.Fingerprint(prompt, meta)
	start := time.Now()
	raw, ok := c.store.Get(ctx, key)
	if !ok {
		atomic.AddInt64(&c.misses, 1)
		return Envelope{}, false
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		slog.WarnContext(ctx, "cache_decode_error", slog.String("error", err.Error()))
		return Envelope{}, false
	}

	atomic.AddInt64(&c.hits, 1)
	env.FromCache = true
	env.CacheKey = key
	env.CacheLatencyMs = time.Since(start).Milliseconds()
	return env, true
}

// Set implements spec §4.3's write policy: strips provenance fields,
// refuses error/fallback envelopes, and records the fingerprint into the
// per-backend index set.
func (c *ResponseCache) Set(ctx context.Context, prompt string, meta FingerprintMetadata, env Envelope) error {
	if env.Error || env.Fallback {
		return nil
	}
	if !c.connectionOK() {
		return nil
	}

	env.FromCache = false
	env.CacheKey = ""
	env.CacheLatencyMs = 0

	ttl := c.ttl
	if meta.CacheTTL > 0 {
		ttl = meta.CacheTTL
	}

	key := c.Fingerprint(prompt, meta)
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}

	if err := c.store.Set(ctx, key, raw, ttl); err != nil {
		c.recordConnectionError()
		return err
	}
	c.recordConnectionSuccess()

	setKey := c.prefix + "models:" + string(env.ModelUsed)
	if err := c.index.AddToSet(ctx, setKey, key); err != nil {
		slog.WarnContext(ctx, "cache_index_error", slog.String("error", err.Error()))
	}

	return nil
}

// Clear implements spec §4.3's scan-based clear. With an empty backend it
// walks `<prefix>*` in batches; with a backend it reads the index set and
// deletes exactly those fingerprints plus the index key.
func (c *ResponseCache) Clear(ctx context.Context, backend registry.BackendKey) (int, error) {
	if backend == "" {
		keys, err := c.index.ScanKeys(ctx, c.prefix+"*")
		if err != nil {
			return 0, err
		}
		if err := c.index.DeleteMany(ctx, keys); err != nil {
			return 0, err
		}
		return len(keys), nil
	}

	setKey := c.prefix + "models:" + string(backend)
	members, err := c.index.SetMembers(ctx, setKey)
	if err != nil {
		return 0, err
	}
	toDelete := append(append([]string{}, members...), setKey)
	if err := c.index.DeleteMany(ctx, toDelete); err != nil {
		return 0, err
	}
	return len(members), nil
}

// Stats implements spec §4.3's stats: entry count, per-backend counts (from
// the index sets), and memory usage if the backing store exposes it.
func (c *ResponseCache) Stats(ctx context.Context, backends []registry.BackendKey) (Stats, error) {
	keys, err := c.index.ScanKeys(ctx, c.prefix+"*")
	if err != nil {
		return Stats{}, err
	}

	perBackend := make(map[string]int64, len(backends))
	for _, b := range backends {
		members, err := c.index.SetMembers(ctx, c.prefix+"models:"+string(b))
		if err != nil {
			continue
		}
		perBackend[string(b)] = int64(len(members))
	}

	// Entries proper exclude the index keys themselves.
	entryCount := int64(0)
	for _, k := range keys {
		if !strings.Contains(k, c.prefix+"models:") {
			entryCount++
		}
	}

	return Stats{
		TotalEntries: entryCount,
		PerBackend:   perBackend,
		MemoryBytes:  c.index.MemoryUsageBytes(ctx),
	}, nil
}

// HitRate returns the fraction of Get calls that were hits, for diagnostics.
func (c *ResponseCache) HitRate() float64 {
	hits := atomic.LoadInt64(&c.hits)
	misses := atomic.LoadInt64(&c.misses)
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

// connectionOK implements original_source/cache.py's _ensure_connection:
// once connectionErrors reaches maxRetries, reads/writes are skipped until
// reconnectDelay has elapsed since the last attempt, backing off retries
// against a down Redis instead of hammering it on every request.
func (c *ResponseCache) connectionOK() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connectionErrors < c.maxRetries {
		return true
	}
	if time.Since(c.lastConnectionAttempt) >= c.reconnectDelay {
		// Allow one probing attempt through; recordConnectionError/Success
		// will adjust state based on the outcome.
		c.lastConnectionAttempt = time.Now()
		return true
	}
	return false
}

func (c *ResponseCache) recordConnectionError() {
	c.mu.Lock()
	c.connectionErrors++
	c.lastConnectionAttempt = time.Now()
	c.mu.Unlock()
}

func (c *ResponseCache) recordConnectionSuccess() {
	c.mu.Lock()
	c.connectionErrors = 0
	c.lastConnectionAttempt = time.Now()
	c.mu.Unlock()
}

// canonicalJSON marshals v with map keys sorted, so structurally identical
// data always produces the same byte string regardless of Go map iteration
// order (spec §4.3's "canonical_json").
func canonicalJSON(v any) string {
	normalized := normalize(v)
	b, _ := json.Marshal(normalized)
	return string(b)
}

func normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make([]orderedField, 0, len(keys))
		for _, k := range keys {
			ordered = append(ordered, orderedField{k, normalize(val[k])})
		}
		return orderedMap(ordered)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = normalize(e)
		}
		return out
	default:
		return val
	}
}

type orderedField struct {
	key   string
	value any
}

// orderedMap marshals as a JSON object preserving field insertion order
// (already sorted by normalize), since Go's map[string]any would otherwise
// re-randomize key order through encoding/json.
type orderedMap []orderedField

func (m orderedMap) MarshalJSON() ([]byte, error) {
	var b strings.Builder
	b.WriteByte('{')
	for i, f := range m {
		if i > 0 {
			b.WriteByte(',')
		}
		key, err := json.Marshal(f.key)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(f.value)
		if err != nil {
			return nil, err
		}
		b.Write(key)
		b.WriteByte(':')
		b.Write(val)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}
