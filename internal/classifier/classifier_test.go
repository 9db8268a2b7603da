package classifier

import (
	"math"
	"testing"

	"github.com/piwi3910/neuroroute/internal/registry"
)

func testRegistry() *registry.Registry {
	return registry.Build(registry.DefaultBackends(), "local")
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestExtractFeaturesDetectsCodeAndMath(t *testing.T) {
	f := ExtractFeatures("```go\nfunc main() {}\n```\nAlso solve x*2 = 4 for x.")
	if f.CodePresence != 1.0 {
		t.Errorf("CodePresence = %v, want 1.0", f.CodePresence)
	}
	if f.MathPresence != 1.0 {
		t.Errorf("MathPresence = %v, want 1.0", f.MathPresence)
	}
	if !almostEqual(f.CodeSnippetCount, 1.0/3.0) {
		t.Errorf("CodeSnippetCount = %v, want %v", f.CodeSnippetCount, 1.0/3.0)
	}
}

func TestExtractFeaturesQuestionWords(t *testing.T) {
	f := ExtractFeatures("Why does this function fail?")
	if f.IsQuestion != 1.0 {
		t.Errorf("IsQuestion = %v, want 1.0", f.IsQuestion)
	}
	if !almostEqual(f.QuestionCount, 1.0/5.0) {
		t.Errorf("QuestionCount = %v, want %v", f.QuestionCount, 1.0/5.0)
	}
}

func TestClassifyMetadataOverride(t *testing.T) {
	clf := New(testRegistry())
	result := clf.Classify("hello there", RequestMetadata{Model: "anthropic"})
	if result.Backend != "anthropic" {
		t.Fatalf("Backend = %q, want anthropic", result.Backend)
	}
	if result.Confidence != 1.0 {
		t.Fatalf("Confidence = %v, want 1.0", result.Confidence)
	}
}

func TestClassifyMetadataOverrideIgnoredWhenUnknownBackend(t *testing.T) {
	clf := New(testRegistry())
	result := clf.Classify("hello there", RequestMetadata{Model: "not-a-backend"})
	if result.Backend == "not-a-backend" {
		t.Fatalf("Classify honored an unknown backend override")
	}
}

// TestClassifyGreetingScoresExactly works spec §8 scenario 1: a bare
// greeting hits only the local backend's "hello" keyword and its low-
// length/low-complexity heuristic bonus, landing openai and anthropic at
// the floor. Values hand-derived from the exact formula, not approximated.
func TestClassifyGreetingScoresExactly(t *testing.T) {
	clf := New(testRegistry())
	result := clf.Classify("hello there", RequestMetadata{})

	if result.Backend != "local" {
		t.Fatalf("Backend = %q, want local", result.Backend)
	}
	want := map[registry.BackendKey]float64{"local": 2.5, "openai": floorScore, "anthropic": floorScore}
	for k, w := range want {
		if !almostEqual(result.Scores[k], w) {
			t.Errorf("Scores[%q] = %v, want %v", k, result.Scores[k], w)
		}
	}
	wantConfidence := 2.5 / 2.7
	if !almostEqual(result.Confidence, wantConfidence) {
		t.Errorf("Confidence = %v, want %v", result.Confidence, wantConfidence)
	}
}

// TestClassifyCodeWordScoresExactly exercises spec §8 scenario 2's code
// path: openai's +3.0*code_presence heuristic and local's *0.3 code penalty.
func TestClassifyCodeWordScoresExactly(t *testing.T) {
	clf := New(testRegistry())
	result := clf.Classify("function", RequestMetadata{})

	if result.Backend != "openai" {
		t.Fatalf("Backend = %q, want openai", result.Backend)
	}
	want := map[registry.BackendKey]float64{"openai": 4.3, "local": 0.6, "anthropic": floorScore}
	for k, w := range want {
		if !almostEqual(result.Scores[k], w) {
			t.Errorf("Scores[%q] = %v, want %v", k, result.Scores[k], w)
		}
	}
}

// TestClassifyAnalysisWordScoresExactly exercises anthropic's
// is_analysis+avg_word_length combination heuristic narrowly beating
// openai's is_analysis bonus and the data_analysis capability boost.
func TestClassifyAnalysisWordScoresExactly(t *testing.T) {
	clf := New(testRegistry())
	result := clf.Classify("analyze", RequestMetadata{})

	if result.Backend != "anthropic" {
		t.Fatalf("Backend = %q, want anthropic", result.Backend)
	}
	want := map[registry.BackendKey]float64{"anthropic": 2.5, "openai": 2.4, "local": 2.0}
	for k, w := range want {
		if !almostEqual(result.Scores[k], w) {
			t.Errorf("Scores[%q] = %v, want %v", k, result.Scores[k], w)
		}
	}
	wantConfidence := 2.5 / 6.9
	if !almostEqual(result.Confidence, wantConfidence) {
		t.Errorf("Confidence = %v, want %v", result.Confidence, wantConfidence)
	}
}

func TestClassifyMemoization(t *testing.T) {
	clf := New(testRegistry())
	first := clf.Classify("what is 2+2", RequestMetadata{})
	if first.FromMemo {
		t.Fatalf("first call reported FromMemo = true")
	}
	second := clf.Classify("what is 2+2", RequestMetadata{})
	if !second.FromMemo {
		t.Fatalf("second identical call reported FromMemo = false, want true")
	}
	if second.Backend != first.Backend {
		t.Fatalf("memoized result changed backend: %q vs %q", second.Backend, first.Backend)
	}
}

// lipsumNeutral is a >=400-char prompt containing none of the default
// registry's keywords, capability patterns, or heuristic trigger words, so
// every backend's score reduces to exactly the step-5 floor clamp.
const lipsumNeutral = "lorem ipsum dolor sit amet consectetur adipiscing elit sed do eiusmod tempor incididunt ut labore et dolore magna aliqua ut enim ad minim veniam quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat duis aute irure dolor in voluptate velit esse cillum dolore eu fugiat nulla pariatur excepteur sint occaecat cupidatat non proident sunt in culpa qui officia deserunt mollit anim id est laborum"

func TestClassifyAllFloorScoresFallBackToDefaultBackend(t *testing.T) {
	reg := testRegistry()
	clf := New(reg)
	result := clf.Classify(lipsumNeutral, RequestMetadata{})

	if result.Backend != reg.DefaultBackend() {
		t.Fatalf("Backend = %q, want the registry default %q", result.Backend, reg.DefaultBackend())
	}
	if result.Confidence != defaultConfidence {
		t.Fatalf("Confidence = %v, want the fallback default %v", result.Confidence, defaultConfidence)
	}
	for backend, score := range result.Scores {
		if !almostEqual(score, floorScore) {
			t.Errorf("Scores[%q] = %v, want floor %v", backend, score, floorScore)
		}
	}
}

// TestClassifyRequiredCapabilityGateScoresExactly checks that the
// per-missing-capability gate compounds multiplicatively (x0.2 per gap)
// without a reclamp to the floor — local's step-5 score of 2.0 survives
// two compounding gates to land well below the floor but still ahead of
// openai/anthropic's 0-score backends, so this is a genuine score win, not
// a tie-break or a default-backend fallback.
func TestClassifyRequiredCapabilityGateScoresExactly(t *testing.T) {
	clf := New(testRegistry())
	result := clf.Classify("short prompt", RequestMetadata{
		RequiredCapabilities: []registry.CapabilityTag{registry.CapCodeExecution, registry.CapTextExtraction},
	})

	if result.Backend != "local" {
		t.Fatalf("Backend = %q, want local", result.Backend)
	}
	want := map[registry.BackendKey]float64{"local": 0.08, "openai": 0.004, "anthropic": 0.004}
	for k, w := range want {
		if !almostEqual(result.Scores[k], w) {
			t.Errorf("Scores[%q] = %v, want %v", k, result.Scores[k], w)
		}
	}
	wantConfidence := 0.08 / 0.088
	if !almostEqual(result.Confidence, wantConfidence) {
		t.Errorf("Confidence = %v, want %v", result.Confidence, wantConfidence)
	}
}

func TestScoreBackendTokenBudgetGateHalvesScoreWhenOverCapacity(t *testing.T) {
	clf := New(testRegistry())
	reg := testRegistry()
	desc, _ := reg.Descriptor("local") // MaxOutputTokens = 4096

	f := ExtractFeatures("neutral prompt with no special signal words at all in it")
	under := clf.scoreBackend(desc, "neutral prompt", f, RequestMetadata{MaxTokens: 1000})
	over := clf.scoreBackend(desc, "neutral prompt", f, RequestMetadata{MaxTokens: 100000})

	if over >= under {
		t.Fatalf("score with MaxTokens over capacity (%v) should be less than within capacity (%v)", over, under)
	}
	if !almostEqual(over, under*0.5) {
		t.Fatalf("over-capacity score = %v, want exactly half of %v", over, under)
	}
}
