package tokens

import "testing"

func TestEstimatorCharsPerToken(t *testing.T) {
	e := NewEstimator()
	n, err := e.CountText("unknown-model", "abcdefgh")
	if err != nil {
		t.Fatalf("CountText: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 tokens for 8 chars, got %d", n)
	}
}

func TestOpenAICounterSupportsModel(t *testing.T) {
	c := NewOpenAICounter()
	tests := []struct {
		model string
		want  bool
	}{
		{"gpt-4o-mini", true},
		{"gpt-5-nano", true},
		{"o3-mini", true},
		{"text-embedding-3-small", true},
		{"gemini-2.0-flash", false},
		{"claude-3-haiku", false},
	}
	for _, tt := range tests {
		if got := c.SupportsModel(tt.model); got != tt.want {
			t.Errorf("SupportsModel(%q) = %v, want %v", tt.model, got, tt.want)
		}
	}
}

func TestRegistryFallsBackToEstimator(t *testing.T) {
	r := NewRegistry()
	r.Register(NewOpenAICounter())

	if _, ok := r.CounterFor("gemini-2.0-flash").(*Estimator); !ok {
		t.Errorf("expected estimator for non-OpenAI model")
	}
	if _, ok := r.CounterFor("gpt-4o").(*OpenAICounter); !ok {
		t.Errorf("expected OpenAI counter for gpt-4o")
	}
}
