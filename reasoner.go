package linkage

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Reasoner is the language-model capability the pipeline depends on.
// Implementations must be safe for concurrent use.
type Reasoner interface {
	// InferColumnType classifies a column sample. Failures wrap ErrInferenceFailure.
	InferColumnType(ctx context.Context, sample ColumnSample) (ColumnInference, error)

	// ScoreCandidates returns one confidence in [0,1] per candidate, in input
	// order. Failures wrap ErrScoringFailure.
	ScoreCandidates(ctx context.Context, in ScoringInput) ([]float64, error)
}

// ColumnSample is what column analysis shows the reasoner.
type ColumnSample struct {
	ColumnName   string
	Values       []string
	TableContext map[string]string
}

// ColumnInference is the reasoner's answer for a column.
type ColumnInference struct {
	Type       ColumnType
	Rationale  string
	Confidence float64
}

// ScoringInput is one mention with its pooled candidates.
type ScoringInput struct {
	Mention      string
	ColumnType   ColumnType
	Candidates   []Candidate
	TableContext map[string]string
}

// renderContext formats table context deterministically for prompts.
func renderContext(ctx map[string]string) string {
	if len(ctx) == 0 {
		return "none"
	}
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %s\n", k, ctx[k])
	}
	return strings.TrimRight(b.String(), "\n")
}

func (s ColumnSample) render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Column: %s\n", s.ColumnName)
	b.WriteString("Sample values:\n")
	for _, v := range s.Values {
		fmt.Fprintf(&b, "- %s\n", v)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (in ScoringInput) render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Mention: %s\n", in.Mention)
	fmt.Fprintf(&b, "Column type: %s\n", in.ColumnType)
	fmt.Fprintf(&b, "Table context:\n%s\n", renderContext(in.TableContext))
	b.WriteString("Candidates:\n")
	for _, c := range in.Candidates {
		fmt.Fprintf(&b, "- id=%s name=%q source=%s", c.ID, c.Name, c.KBSource)
		if c.Description != "" {
			fmt.Fprintf(&b, " description=%q", c.Description)
		}
		if len(c.Types) > 0 {
			fmt.Fprintf(&b, " types=%s", strings.Join(c.Types, ","))
		}
		fmt.Fprintf(&b, " retrieval_score=%.2f\n", c.RawScore)
	}
	return strings.TrimRight(b.String(), "\n")
}
