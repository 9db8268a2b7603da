package keystore

import "testing"

func TestNoOpAlwaysMisses(t *testing.T) {
	var s Store = NoOp{}
	if _, ok := s.Lookup("openai"); ok {
		t.Fatalf("NoOp.Lookup = true, want always false")
	}
}

func TestStaticLookup(t *testing.T) {
	s := Static{
		"openai": {APIKey: "sk-test", BaseURL: "https://api.openai.com/v1"},
	}

	got, ok := s.Lookup("openai")
	if !ok {
		t.Fatalf("Lookup(openai) = false, want true")
	}
	if got.APIKey != "sk-test" || got.BaseURL != "https://api.openai.com/v1" {
		t.Fatalf("Lookup(openai) = %+v, want matching override", got)
	}

	if _, ok := s.Lookup("anthropic"); ok {
		t.Fatalf("Lookup(anthropic) = true, want false for an unconfigured provider")
	}
}
