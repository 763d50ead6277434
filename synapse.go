package linkage

import (
	"context"
	"fmt"
	"strings"

	"github.com/zoobzio/zyn"
)

// SynapseReasoner implements Reasoner with zyn synapses: a classification
// synapse for column typing and an extraction synapse for candidate scores.
type SynapseReasoner struct {
	provider             Provider
	inferenceTemperature float32
	scoringTemperature   float32
}

// NewSynapseReasoner creates a reasoner that resolves its provider per call.
//
// Example:
//
//	linkage.SetProvider(myProvider)
//	r := linkage.NewSynapseReasoner()
//	inf, _ := r.InferColumnType(ctx, linkage.ColumnSample{ColumnName: "city", Values: []string{"Paris"}})
func NewSynapseReasoner() *SynapseReasoner {
	return &SynapseReasoner{
		inferenceTemperature: DefaultInferenceTemperature,
		scoringTemperature:   DefaultScoringTemperature,
	}
}

// NewReasonerFromConfig creates a reasoner on the provider named by
// cfg.Provider. A positive cfg.Temperature replaces both default
// temperatures.
func NewReasonerFromConfig(ctx context.Context, cfg ReasoningConfig) (*SynapseReasoner, error) {
	var provider Provider
	switch strings.ToLower(cfg.Provider) {
	case "", "gemini":
		p, err := NewGeminiProvider(ctx, cfg)
		if err != nil {
			return nil, err
		}
		provider = p
	default:
		return nil, fmt.Errorf("%w: unsupported reasoning provider %q", ErrNoProvider, cfg.Provider)
	}
	return configureReasoner(provider, cfg), nil
}

func configureReasoner(provider Provider, cfg ReasoningConfig) *SynapseReasoner {
	r := NewSynapseReasoner().WithProvider(provider)
	if cfg.Temperature > 0 {
		r.WithTemperature(cfg.Temperature)
	}
	return r
}

// WithProvider pins a provider on this reasoner.
func (r *SynapseReasoner) WithProvider(p Provider) *SynapseReasoner {
	r.provider = p
	return r
}

// WithTemperature sets both inference and scoring temperatures.
func (r *SynapseReasoner) WithTemperature(temp float32) *SynapseReasoner {
	r.inferenceTemperature = temp
	r.scoringTemperature = temp
	return r
}

// WithScoringTemperature sets the temperature for candidate scoring.
func (r *SynapseReasoner) WithScoringTemperature(temp float32) *SynapseReasoner {
	r.scoringTemperature = temp
	return r
}

const columnTypeQuestion = "Which semantic type best describes the entities listed in this table column?"

// InferColumnType classifies the column sample into a ColumnType.
func (r *SynapseReasoner) InferColumnType(ctx context.Context, sample ColumnSample) (ColumnInference, error) {
	provider, err := ResolveProvider(ctx, r.provider)
	if err != nil {
		return ColumnInference{}, fmt.Errorf("%w: %w", ErrInferenceFailure, err)
	}

	categories := make([]string, 0, len(ColumnTypes()))
	for _, ct := range ColumnTypes() {
		categories = append(categories, string(ct))
	}

	synapse, err := zyn.Classification(columnTypeQuestion, categories, provider)
	if err != nil {
		return ColumnInference{}, fmt.Errorf("%w: failed to create classification synapse: %w", ErrInferenceFailure, err)
	}

	resp, err := synapse.FireWithInput(ctx, zyn.NewSession(), zyn.ClassificationInput{
		Subject:     sample.render(),
		Context:     renderContext(sample.TableContext),
		Temperature: r.inferenceTemperature,
	})
	if err != nil {
		return ColumnInference{}, fmt.Errorf("%w: classification synapse execution failed: %w", ErrInferenceFailure, err)
	}

	ct, err := ParseColumnType(resp.Primary)
	if err != nil {
		return ColumnInference{}, fmt.Errorf("%w: %w", ErrInferenceFailure, err)
	}
	return ColumnInference{
		Type:       ct,
		Rationale:  strings.Join(resp.Reasoning, "; "),
		Confidence: clamp01(float64(resp.Confidence)),
	}, nil
}

// CandidateScores is the structured answer extracted when scoring candidates.
type CandidateScores struct {
	Scores []CandidateScore `json:"scores"`
}

// CandidateScore is the confidence that one candidate is the mention's referent.
type CandidateScore struct {
	ID         string  `json:"id"`
	Confidence float64 `json:"confidence"`
}

// Validate implements zyn.Validator.
func (s CandidateScores) Validate() error {
	if len(s.Scores) == 0 {
		return fmt.Errorf("no scores returned")
	}
	for _, sc := range s.Scores {
		if sc.ID == "" {
			return fmt.Errorf("score without candidate id")
		}
		if sc.Confidence < 0 || sc.Confidence > 1 {
			return fmt.Errorf("confidence for %s out of range: %v", sc.ID, sc.Confidence)
		}
	}
	return nil
}

const scoringWhat = "a confidence between 0 and 1 for every listed candidate id, " +
	"expressing how likely that candidate is the entity the mention refers to, given the table context"

// ScoreCandidates asks the model for one confidence per candidate.
// Every candidate must be scored; a missing id fails the call.
func (r *SynapseReasoner) ScoreCandidates(ctx context.Context, in ScoringInput) ([]float64, error) {
	provider, err := ResolveProvider(ctx, r.provider)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrScoringFailure, err)
	}

	synapse, err := zyn.Extract[CandidateScores](scoringWhat, provider)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create extract synapse: %w", ErrScoringFailure, err)
	}

	extracted, err := synapse.FireWithInput(ctx, zyn.NewSession(), zyn.ExtractionInput{
		Text:        in.render(),
		Temperature: r.scoringTemperature,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: extract synapse execution failed: %w", ErrScoringFailure, err)
	}

	byID := make(map[string]float64, len(extracted.Scores))
	for _, sc := range extracted.Scores {
		byID[sc.ID] = sc.Confidence
	}
	scores := make([]float64, len(in.Candidates))
	for i, c := range in.Candidates {
		v, ok := byID[c.ID]
		if !ok {
			return nil, fmt.Errorf("%w: no score for candidate %s", ErrScoringFailure, c.ID)
		}
		scores[i] = clamp01(v)
	}
	return scores, nil
}

var _ Reasoner = (*SynapseReasoner)(nil)
