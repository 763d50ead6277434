package linkage

import (
	"fmt"
	"time"

	"github.com/zoobzio/zyn"
)

// Default reasoning temperatures. These can be overridden per reasoner using
// builder methods.
var (
	// DefaultInferenceTemperature is used when classifying a column.
	DefaultInferenceTemperature = zyn.DefaultTemperatureDeterministic

	// DefaultScoringTemperature is used when scoring candidates.
	DefaultScoringTemperature = zyn.DefaultTemperatureAnalytical
)

// Scoring modes for the disambiguation stage.
const (
	ScoringReasoned = "reasoned"
	ScoringLexical  = "lexical"
)

// Config is the explicit configuration consumed by the engine.
type Config struct {
	KnowledgeBases []KnowledgeBaseConfig

	// Confidence thresholds.
	HighConfidenceThreshold   float64
	MediumConfidenceThreshold float64
	ReevaluationThreshold     float64
	MinSuccessRate            float64
	FallbackConfidence        float64

	// Retrieval.
	MaxCandidatesPerMention int
	MinRawScore             float64
	BatchSize               int
	Workers                 int
	ProbeGateways           bool

	// Column analysis.
	SampleSize int

	// Disambiguation scoring mode: ScoringReasoned or ScoringLexical.
	Scoring string

	// Supervisor.
	MaxRetries            int
	CallTimeout           time.Duration
	MaxConcurrentRequests int

	// Cache. ReuseCacheOnRetry controls whether retry attempts read cached
	// gateway answers or refresh them.
	CacheEnabled      bool
	CacheTTL          time.Duration
	CacheMaxEntries   int
	ReuseCacheOnRetry bool

	// Recorder sink buffer.
	EventBuffer int

	Reasoning ReasoningConfig
}

// ReasoningConfig describes the reasoning endpoint.
type ReasoningConfig struct {
	Provider        string
	Model           string
	APIKey          string
	Temperature     float32
	MaxOutputTokens int32
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		HighConfidenceThreshold:   0.8,
		MediumConfidenceThreshold: 0.6,
		ReevaluationThreshold:     0.4,
		MinSuccessRate:            0.7,
		FallbackConfidence:        0.3,
		MaxCandidatesPerMention:   10,
		MinRawScore:               0.1,
		BatchSize:                 50,
		Workers:                   8,
		SampleSize:                10,
		Scoring:                   ScoringReasoned,
		MaxRetries:                2,
		CallTimeout:               30 * time.Second,
		MaxConcurrentRequests:     16,
		CacheEnabled:              true,
		CacheTTL:                  time.Hour,
		CacheMaxEntries:           10000,
		EventBuffer:               1024,
		Reasoning: ReasoningConfig{
			Provider:        "gemini",
			Model:           "gemini-2.0-flash",
			Temperature:     0.1,
			MaxOutputTokens: 2048,
		},
	}
}

// Validate checks the configuration for values the engine cannot run with.
func (c Config) Validate() error {
	for _, v := range []struct {
		name  string
		value float64
	}{
		{"high confidence threshold", c.HighConfidenceThreshold},
		{"medium confidence threshold", c.MediumConfidenceThreshold},
		{"reevaluation threshold", c.ReevaluationThreshold},
		{"min success rate", c.MinSuccessRate},
		{"fallback confidence", c.FallbackConfidence},
	} {
		if v.value < 0 || v.value > 1 {
			return fmt.Errorf("config: %s must be within [0,1], got %v", v.name, v.value)
		}
	}
	if c.MaxCandidatesPerMention <= 0 {
		return fmt.Errorf("config: max candidates per mention must be positive")
	}
	if c.BatchSize <= 0 || c.Workers <= 0 || c.SampleSize <= 0 {
		return fmt.Errorf("config: batch size, workers and sample size must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("config: max retries must not be negative")
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("config: call timeout must be positive")
	}
	if c.MaxConcurrentRequests <= 0 {
		return fmt.Errorf("config: max concurrent requests must be positive")
	}
	if c.CacheEnabled && c.CacheTTL <= 0 {
		return fmt.Errorf("config: cache ttl must be positive when the cache is enabled")
	}
	if c.Scoring != ScoringReasoned && c.Scoring != ScoringLexical {
		return fmt.Errorf("config: unknown scoring mode %q", c.Scoring)
	}
	seen := make(map[string]struct{}, len(c.KnowledgeBases))
	for _, kb := range c.KnowledgeBases {
		if kb.Name == "" {
			return fmt.Errorf("config: knowledge base without a name")
		}
		if _, dup := seen[kb.Name]; dup {
			return fmt.Errorf("config: duplicate knowledge base %q", kb.Name)
		}
		seen[kb.Name] = struct{}{}
	}
	return nil
}
