package linkage

import (
	"context"
	"errors"
	"strings"
	"testing"
)

const classificationLocation = `{
	"primary": "LOCATION",
	"secondary": "ORGANIZATION",
	"confidence": 0.92,
	"reasoning": ["values are city names", "country context"]
}`

func TestSynapseInferColumnType(t *testing.T) {
	provider := &mockSynapseProvider{classification: classificationLocation}
	r := NewSynapseReasoner().WithProvider(provider)

	inf, err := r.InferColumnType(context.Background(), ColumnSample{
		ColumnName:   "city",
		Values:       []string{"Paris", "London", "Berlin"},
		TableContext: map[string]string{"country": "France"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inf.Type != ColumnLocation {
		t.Errorf("expected LOCATION, got %s", inf.Type)
	}
	if inf.Confidence < 0.91 || inf.Confidence > 0.93 {
		t.Errorf("unexpected confidence %v", inf.Confidence)
	}
	if !strings.Contains(inf.Rationale, "city names") {
		t.Errorf("expected reasoning in rationale, got %q", inf.Rationale)
	}
}

func TestSynapseInferColumnTypeFailures(t *testing.T) {
	t.Run("provider error", func(t *testing.T) {
		r := NewSynapseReasoner().WithProvider(&mockSynapseProvider{err: errors.New("quota exceeded")})
		_, err := r.InferColumnType(context.Background(), ColumnSample{ColumnName: "c", Values: []string{"x"}})
		if !errors.Is(err, ErrInferenceFailure) {
			t.Errorf("expected ErrInferenceFailure, got %v", err)
		}
	})

	t.Run("no provider", func(t *testing.T) {
		SetProvider(nil)
		_, err := NewSynapseReasoner().InferColumnType(context.Background(), ColumnSample{Values: []string{"x"}})
		if !errors.Is(err, ErrInferenceFailure) || !errors.Is(err, ErrNoProvider) {
			t.Errorf("expected inference failure wrapping ErrNoProvider, got %v", err)
		}
	})
}

func TestSynapseUsesContextProvider(t *testing.T) {
	SetProvider(nil)
	provider := &mockSynapseProvider{classification: classificationLocation}
	ctx := WithProvider(context.Background(), provider)

	if _, err := NewSynapseReasoner().InferColumnType(ctx, ColumnSample{Values: []string{"Rome"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if provider.calls.Load() == 0 {
		t.Error("expected the context provider to be called")
	}
}

func TestSynapseScoreCandidates(t *testing.T) {
	provider := &mockSynapseProvider{
		extraction: `{"scores": [{"id": "Q167646", "confidence": 0.1}, {"id": "Q90", "confidence": 0.95}]}`,
	}
	r := NewSynapseReasoner().WithProvider(provider).WithScoringTemperature(0.2)

	scores, err := r.ScoreCandidates(context.Background(), ScoringInput{
		Mention:    "Paris",
		ColumnType: ColumnLocation,
		Candidates: []Candidate{cand("Q90", "Paris", 0.9), cand("Q167646", "Paris Hilton", 0.4)},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(scores) != 2 || scores[0] != 0.95 || scores[1] != 0.1 {
		t.Errorf("expected scores in candidate order, got %v", scores)
	}
}

func TestSynapseScoreCandidatesMissingID(t *testing.T) {
	provider := &mockSynapseProvider{
		extraction: `{"scores": [{"id": "Q90", "confidence": 0.95}]}`,
	}
	r := NewSynapseReasoner().WithProvider(provider)

	_, err := r.ScoreCandidates(context.Background(), ScoringInput{
		Mention:    "Paris",
		Candidates: []Candidate{cand("Q90", "Paris", 0.9), cand("Q1", "Paris SG", 0.4)},
	})
	if !errors.Is(err, ErrScoringFailure) {
		t.Errorf("expected ErrScoringFailure, got %v", err)
	}
}

func TestCandidateScoresValidate(t *testing.T) {
	tests := []struct {
		name    string
		scores  CandidateScores
		wantErr bool
	}{
		{"valid", CandidateScores{Scores: []CandidateScore{{ID: "a", Confidence: 0.5}}}, false},
		{"empty", CandidateScores{}, true},
		{"missing id", CandidateScores{Scores: []CandidateScore{{Confidence: 0.5}}}, true},
		{"out of range", CandidateScores{Scores: []CandidateScore{{ID: "a", Confidence: 1.5}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.scores.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("unexpected validation result: %v", err)
			}
		})
	}
}

func TestScoringInputRender(t *testing.T) {
	in := ScoringInput{
		Mention:      "Paris",
		ColumnType:   ColumnLocation,
		TableContext: map[string]string{"year": "2024", "country": "France"},
		Candidates: []Candidate{{
			ID: "Q90", Name: "Paris", KBSource: "wikidata",
			Description: "capital of France", Types: []string{"city"}, RawScore: 0.9,
		}},
	}
	out := in.render()
	for _, want := range []string{"Mention: Paris", "country: France\nyear: 2024", `description="capital of France"`, "retrieval_score=0.90"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in rendered input:\n%s", want, out)
		}
	}
	if renderContext(nil) != "none" {
		t.Error("expected empty context to render as none")
	}
}

func TestReasonerFromConfigTemperature(t *testing.T) {
	provider := &mockSynapseProvider{classification: classificationLocation}
	r := configureReasoner(provider, ReasoningConfig{Temperature: 0.7})

	if _, err := r.InferColumnType(context.Background(), ColumnSample{Values: []string{"Paris"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	provider.mu.Lock()
	defer provider.mu.Unlock()
	if len(provider.temperatures) != 1 || provider.temperatures[0] < 0.69 || provider.temperatures[0] > 0.71 {
		t.Errorf("expected configured temperature 0.7, got %v", provider.temperatures)
	}

	defaults := configureReasoner(provider, ReasoningConfig{})
	if defaults.inferenceTemperature != DefaultInferenceTemperature || defaults.scoringTemperature != DefaultScoringTemperature {
		t.Error("expected zero temperature to keep the defaults")
	}
}

func TestReasonerFromConfigProvider(t *testing.T) {
	if _, err := NewReasonerFromConfig(context.Background(), ReasoningConfig{Provider: "carrier-pigeon"}); !errors.Is(err, ErrNoProvider) {
		t.Errorf("expected unsupported provider to wrap ErrNoProvider, got %v", err)
	}
	if _, err := NewReasonerFromConfig(context.Background(), ReasoningConfig{Provider: "Gemini"}); err == nil {
		t.Error("expected gemini without an api key to fail")
	}
}
