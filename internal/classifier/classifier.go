// Package classifier implements the deterministic prompt-scoring pipeline
// (spec §4.2): keyword scoring, normalized feature extraction, per-backend
// heuristics, metadata-driven adjustments, and argmax selection with a
// floor-fallback.
//
// The pipeline is pure and side-effect free except for the bounded memo,
// which only ever shortcuts repeated (prompt, metadata) pairs to a
// previously computed result — it never changes what that result would be.
package classifier

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/piwi3910/neuroroute/internal/registry"
)

const (
	floorScore         = 0.1
	defaultConfidence  = 0.5
	memoSize           = 2048
	memoTTL            = 300 * time.Second
)

// RequestMetadata is the subset of per-request metadata the classifier
// consults (spec §3's RequestMetadata, trimmed to classifier-relevant
// fields).
type RequestMetadata struct {
	Model                string
	Priority             string // "speed" | "cost" | "quality" | ""
	RequiredCapabilities []registry.CapabilityTag
	MaxTokens            int
	Language             string
}

// Features holds the deterministic, text-derived signals extracted from a
// prompt (spec §4.2 step 3), every scalar normalized into [0,1] exactly as
// original_source/classifier.py's _extract_features normalizes them.
type Features struct {
	Length           float64 // len(prompt)/2000, capped
	WordCount        float64 // whitespace-split word count/300, capped
	SentenceCount    float64 // count('.')/20, capped
	QuestionCount    float64 // count('?')/5, capped
	CodePresence     float64 // 1 if fenced/backtick code or a code keyword, else 0
	CodeSnippetCount float64 // fenced-block count/3, capped
	MathPresence     float64 // 1 if any of + - * / = < > appear, else 0
	IsInstruction    float64 // 1 if an instruction verb appears, else 0
	IsAnalysis       float64 // 1 if an analysis verb appears, else 0
	IsQuestion       float64 // 1 if a question word appears, else 0
	ComplexityTerms  float64 // count of distinct complexity terms present/5, capped
	AvgWordLength    float64 // average word length/8, capped
	VocabDiversity   float64 // unique words / total^0.7, capped

	// Capabilities holds the per-capability match score (regex match
	// count/5, capped) for the capability-specific patterns recognized by
	// original_source/classifier.py's capability_patterns table. Tags
	// outside that table (this repo's registry declares more than the
	// original 10) are simply absent and contribute no boost, matching the
	// Python source's "if cap_feature in features" guard.
	Capabilities map[registry.CapabilityTag]float64
}

var (
	// codePattern mirrors classifier.py's code_pattern: a fenced block, a
	// backtick-quoted span, or one of the bare keywords function/class/def.
	codePattern       = regexp.MustCompile("(?s)```[a-zA-Z0-9_]*\n.*?\n```|`[^`]+`|\\b(?:function|class|def)\\b")
	codeFencePattern  = regexp.MustCompile("(?s)```[a-zA-Z0-9_]*\n.*?\n```")
	questionMarkChar  = regexp.MustCompile(`\?`)
	periodChar        = regexp.MustCompile(`\.`)
	wordPattern       = regexp.MustCompile(`\b\w+\b`)

	instructionPattern = regexp.MustCompile(`(?i)\b(create|make|generate|build|implement|write|develop)\b`)
	analysisPattern    = regexp.MustCompile(`(?i)\b(analyze|examine|investigate|evaluate|assess|research)\b`)
	questionPattern    = regexp.MustCompile(`(?i)\bwhy\b|\bhow\b|\bwhat\b|\bwhen\b|\bwhere\b|\bwhich\b|\bwho\b|\bwhose\b`)

	// complexityTermList mirrors classifier.py's complexity_terms feature:
	// presence (not occurrence count) of each listed term, summed.
	complexityTermList = []string{
		"explain", "analyze", "compare", "contrast", "evaluate",
		"synthesize", "examine", "investigate", "discuss", "elaborate",
	}
)

// capabilityPatterns maps a capability tag to the regex original_source's
// _match_capabilities uses to score it against a prompt.
var capabilityPatterns = map[registry.CapabilityTag]*regexp.Regexp{
	registry.CapCodeGeneration:      regexp.MustCompile(`(?i)\b(code|program|function|algorithm|class|method|library|api|module)\b`),
	registry.CapReasoning:           regexp.MustCompile(`(?i)\b(reason|logic|infer|deduce|conclude|why|because|therefore)\b`),
	registry.CapSummarization:       regexp.MustCompile(`(?i)\b(summarize|summary|overview|brief|condense|digest|synopsis)\b`),
	registry.CapCreativeWriting:     regexp.MustCompile(`(?i)\b(creative|story|fiction|narrative|poem|essay|write|describe)\b`),
	registry.CapDataAnalysis:        regexp.MustCompile(`(?i)\b(data|analysis|statistics|trend|metric|chart|graph|analyze)\b`),
	registry.CapSystemDesign:        regexp.MustCompile(`(?i)\b(design|system|architecture|component|structure|framework|diagram)\b`),
	registry.CapLongContext:         regexp.MustCompile(`(?i)\b(document|long|lengthy|comprehensive|detailed|extensive|thorough)\b`),
	registry.CapFunctionCalling:     regexp.MustCompile(`(?i)\b(api|function|call|invoke|execute|run|trigger|action)\b`),
	registry.CapLegalAnalysis:       regexp.MustCompile(`(?i)\b(legal|law|contract|agreement|terms|clause|provision|rights|obligations)\b`),
	registry.CapScientificKnowledge: regexp.MustCompile(`(?i)\b(science|scientific|research|experiment|theory|hypothesis|formula|equation)\b`),
}

// ExtractFeatures computes the deterministic, normalized signal set for
// prompt. Grounded on original_source/classifier.py's _extract_features and
// its helper lambdas.
func ExtractFeatures(prompt string) Features {
	words := wordPattern.FindAllString(prompt, -1)
	wordCount := len(words)

	var totalLen int
	unique := make(map[string]struct{}, wordCount)
	for _, w := range words {
		lw := strings.ToLower(w)
		totalLen += len(lw)
		unique[lw] = struct{}{}
	}

	avgWordLen := 0.0
	vocabDiversity := 0.0
	if wordCount > 0 {
		avgWordLen = float64(totalLen) / float64(wordCount)
		vocabDiversity = float64(len(unique)) / math.Pow(float64(wordCount), 0.7)
	}

	complexityHits := 0
	lowerPrompt := strings.ToLower(prompt)
	for _, term := range complexityTermList {
		if regexp.MustCompile(`\b`+term+`\b`).MatchString(lowerPrompt) {
			complexityHits++
		}
	}

	caps := make(map[registry.CapabilityTag]float64, len(capabilityPatterns))
	for tag, re := range capabilityPatterns {
		matches := re.FindAllString(prompt, -1)
		caps[tag] = cap01(float64(len(matches)) / 5.0)
	}

	return Features{
		Length:           cap01(float64(len(prompt)) / 2000.0),
		WordCount:        cap01(float64(wordCount) / 300.0),
		SentenceCount:    cap01(float64(len(periodChar.FindAllString(prompt, -1))) / 20.0),
		QuestionCount:    cap01(float64(len(questionMarkChar.FindAllString(prompt, -1))) / 5.0),
		CodePresence:     boolToFloat(codePattern.MatchString(prompt)),
		CodeSnippetCount: cap01(float64(len(codeFencePattern.FindAllString(prompt, -1))) / 3.0),
		MathPresence:     boolToFloat(strings.ContainsAny(prompt, "+-*/=<>")),
		IsInstruction:    boolToFloat(instructionPattern.MatchString(prompt)),
		IsAnalysis:       boolToFloat(analysisPattern.MatchString(prompt)),
		IsQuestion:       boolToFloat(questionPattern.MatchString(prompt)),
		ComplexityTerms:  cap01(float64(complexityHits) / 5.0),
		AvgWordLength:    cap01(avgWordLen / 8.0),
		VocabDiversity:   cap01(vocabDiversity),
		Capabilities:     caps,
	}
}

func cap01(v float64) float64 {
	if v > 1.0 {
		return 1.0
	}
	return v
}

func boolToFloat(b bool) float64 {
	if b {
		return 1.0
	}
	return 0.0
}

// Result is the outcome of Classify (spec §3's ClassificationResult).
type Result struct {
	Backend    registry.BackendKey
	Confidence float64
	Scores     map[registry.BackendKey]float64
	FromMemo   bool
}

// Classifier scores prompts against the registry's configured backends.
type Classifier struct {
	reg  *registry.Registry
	memo *lru.LRU[string, Result]
}

// New builds a Classifier over reg with a bounded, TTL-expiring memo (spec
// §9 "Bounded classifier memo" — a redesign away from the Python source's
// unbounded dict cache).
func New(reg *registry.Registry) *Classifier {
	return &Classifier{
		reg:  reg,
		memo: lru.NewLRU[string, Result](memoSize, nil, memoTTL),
	}
}

// Classify runs the full spec §4.2 pipeline and returns the selected
// backend, its confidence, and the full per-backend score map.
func (c *Classifier) Classify(prompt string, meta RequestMetadata) Result {
	key := memoKey(prompt, meta)
	if cached, ok := c.memo.Get(key); ok {
		cached.FromMemo = true
		return cached
	}

	result := c.classify(prompt, meta)
	c.memo.Add(key, result)
	return result
}

func (c *Classifier) classify(prompt string, meta RequestMetadata) Result {
	// Step 1: metadata override.
	if meta.Model != "" {
		key := registry.BackendKey(meta.Model)
		if c.reg.Has(key) {
			return Result{Backend: key, Confidence: 1.0, Scores: map[registry.BackendKey]float64{key: 1.0}}
		}
	}

	features := ExtractFeatures(prompt)

	scores := make(map[registry.BackendKey]float64)
	for _, key := range c.reg.Order() {
		desc, _ := c.reg.Descriptor(key)
		scores[key] = c.scoreBackend(desc, prompt, features, meta)
	}

	return c.selectFrom(scores)
}

// scoreBackend implements spec §4.2 steps 2, 4-7 for one backend, matching
// original_source/classifier.py's _determine_final_score /
// _apply_metadata_adjustments constants exactly.
func (c *Classifier) scoreBackend(desc registry.BackendDescriptor, prompt string, f Features, meta RequestMetadata) float64 {
	// Step 2: keyword scoring — case-insensitive whole-word occurrence
	// count across the backend's configured keywords, weighted at 0.5.
	keywordHits := 0
	for _, kw := range desc.Keywords {
		if kw == "" {
			continue
		}
		re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(kw) + `\b`)
		keywordHits += len(re.FindAllString(prompt, -1))
	}
	score := float64(keywordHits) * 0.5

	// Step 4: capability-weighted boost — 2.0 per declared capability,
	// scaled by that capability's matched feature score.
	var capabilityBoost float64
	for _, tag := range desc.Capabilities {
		if fs, ok := f.Capabilities[tag]; ok && fs > 0 {
			capabilityBoost += fs * 2.0
		}
	}
	score += capabilityBoost

	// Step 5: per-backend heuristic table, exact constants per spec §4.2.
	score = applyBackendHeuristics(desc.Key, f, score)

	// Clamp to the floor before metadata-driven multiplicative adjustments,
	// matching _determine_final_score's single floor application.
	if score < floorScore {
		score = floorScore
	}

	// Step 6: metadata priority adjustment.
	switch meta.Priority {
	case "speed":
		score *= priorityFactor(desc.SpeedPriority)
	case "cost":
		score *= priorityFactor(desc.CostPriority)
	case "quality":
		score *= priorityFactor(desc.QualityPriority)
	}

	// Step 7: token-budget and capability gates.
	if meta.MaxTokens > 0 && meta.MaxTokens > desc.MaxOutputTokens {
		score *= 0.5
	}
	for _, req := range meta.RequiredCapabilities {
		if !desc.HasCapability(req) {
			// Compounding per missing capability, matching
			// original_source/classifier.py's per-capability loop.
			score *= 0.2
		}
	}

	return score
}

func priorityFactor(rank registry.PriorityRank) float64 {
	switch rank {
	case 1:
		return 3.0
	case 2:
		return 1.5
	default:
		return 0.7
	}
}

// applyBackendHeuristics applies spec §4.2 step 5's fixed table, keyed on
// the backend's registry key (the original Python source keys these rules
// by model_key, not by adapter family) to running score.
func applyBackendHeuristics(key registry.BackendKey, f Features, score float64) float64 {
	switch key {
	case "local":
		if f.Length < 0.2 && f.ComplexityTerms < 0.3 {
			score += 2.0
		}
		if f.MathPresence > 0 && f.CodePresence == 0 {
			score += 1.5
		}
		if f.Length > 0.3 || f.ComplexityTerms > 0.4 {
			score *= math.Max(0.1, 1.0-f.Length-f.ComplexityTerms)
		}
		if f.CodePresence > 0.5 || f.CodeSnippetCount > 0 {
			score *= 0.3
		}
	case "openai":
		if f.CodePresence > 0 {
			score += 3.0 * f.CodePresence
		}
		if f.IsAnalysis > 0 {
			score += 2.0 * f.IsAnalysis
		}
		if f.ComplexityTerms > 0.3 && f.ComplexityTerms < 0.7 {
			score += 1.5 * f.ComplexityTerms
		}
		if f.Length > 0.8 {
			score *= 0.9
		}
	case "anthropic":
		if f.Length > 0.5 {
			score += 2.0 * f.Length
		}
		if f.ComplexityTerms > 0.6 {
			score += 2.5 * f.ComplexityTerms
		}
		if f.IsAnalysis > 0.5 && f.AvgWordLength > 0.6 {
			score += 2.0
		}
		if f.QuestionCount > 0.5 {
			score += 1.0 * f.QuestionCount
		}
		if f.CodePresence > 0.7 {
			score *= 0.9
		}
	}
	return score
}

// selectFrom implements spec §4.2 step 8: argmax with a floor-fallback.
// "The floor" refers specifically to floorScore (0.1) as produced by
// scoreBackend's single clamp — scores driven below it by subsequent
// multiplicative gates are valid, distinguishable scores, not additional
// floor hits, matching original_source's single-clamp behavior.
func (c *Classifier) selectFrom(scores map[registry.BackendKey]float64) Result {
	allFloor := true
	for _, s := range scores {
		if math.Abs(s-floorScore) > 1e-9 {
			allFloor = false
			break
		}
	}
	if allFloor {
		def := c.reg.DefaultBackend()
		return Result{Backend: def, Confidence: defaultConfidence, Scores: scores}
	}

	keys := c.reg.Order()

	var best registry.BackendKey
	bestScore := -1.0
	for _, k := range keys {
		s, ok := scores[k]
		if !ok {
			continue
		}
		if s > bestScore {
			bestScore = s
			best = k
		}
	}

	total := 0.0
	for _, s := range scores {
		total += s
	}
	confidence := defaultConfidence
	if total > 0 {
		confidence = bestScore / total
	}

	return Result{Backend: best, Confidence: confidence, Scores: scores}
}

// memoKey derives a deterministic cache key from the first 100 chars of the
// prompt plus the cache-relevant metadata fields (spec §4.2's memo key),
// using crypto/sha256 in place of the Python source's non-deterministic
// hash().
func memoKey(prompt string, meta RequestMetadata) string {
	truncated := prompt
	if len(truncated) > 100 {
		truncated = truncated[:100]
	}

	caps := make([]string, len(meta.RequiredCapabilities))
	for i, c := range meta.RequiredCapabilities {
		caps[i] = string(c)
	}
	sort.Strings(caps)

	raw := fmt.Sprintf("%s|%s|%s|%d|%s|%s", truncated, meta.Model, meta.Priority, meta.MaxTokens, meta.Language, strings.Join(caps, ","))
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
