package linkage

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/pipz"
	"golang.org/x/sync/errgroup"
)

// Disambiguation scores each mention's pooled candidates and selects one.
type Disambiguation struct {
	identity           pipz.Identity
	reasoner           Reasoner
	mode               string
	fallbackConfidence float64
	timeout            time.Duration
}

// NewDisambiguation creates the disambiguation stage. mode is ScoringReasoned
// or ScoringLexical.
func NewDisambiguation(reasoner Reasoner, mode string, fallbackConfidence float64, timeout time.Duration) *Disambiguation {
	return &Disambiguation{
		identity:           pipz.NewIdentity(AgentDisambiguation, "Scores candidates and selects a referent per mention"),
		reasoner:           reasoner,
		mode:               mode,
		fallbackConfidence: fallbackConfidence,
		timeout:            timeout,
	}
}

// Process implements pipz.Chainable[*Run].
func (d *Disambiguation) Process(ctx context.Context, run *Run) (*Run, error) {
	workers := run.Plan.Workers
	if workers <= 0 {
		workers = 1
	}

	var eg errgroup.Group
	eg.SetLimit(workers)
	for _, mention := range run.Pending {
		eg.Go(func() error {
			run.setResult(d.resolve(ctx, run, mention))
			return nil
		})
	}
	_ = eg.Wait()

	var selected int
	for _, m := range run.Pending {
		if r, ok := run.Result(m); ok && r.Selected != nil {
			selected++
		}
	}
	run.setNote(fmt.Sprintf("mentions=%d selected=%d", len(run.Pending), selected))
	return run, nil
}

// resolve produces the MentionResult for one mention.
func (d *Disambiguation) resolve(ctx context.Context, run *Run, mention string) MentionResult {
	result := MentionResult{
		Mention:    mention,
		Candidates: []Candidate{},
		Rows:       run.Rows(mention),
		Strategy:   StrategyNone,
	}
	cands := run.Candidates(mention)
	if len(cands) == 0 {
		return result
	}

	scores, strategy := d.score(ctx, run, mention, cands)
	for i := range cands {
		cands[i].Confidence = clamp01(scores[i])
	}

	// Stable sort keeps retrieval order among equal confidences, so the
	// first candidate is also the selection.
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].Confidence > cands[j].Confidence
	})

	selected := cands[0].clone()
	result.Candidates = cands
	result.Selected = &selected
	result.Confidence = selected.Confidence
	result.SourceKB = selected.KBSource
	result.Strategy = strategy
	return result
}

// score returns one confidence per candidate and the strategy that produced it.
func (d *Disambiguation) score(ctx context.Context, run *Run, mention string, cands []Candidate) ([]float64, string) {
	scores := make([]float64, len(cands))

	if d.mode == ScoringLexical {
		for i, c := range cands {
			scores[i] = lexicalScore(mention, c, run.ColumnType)
		}
		return scores, StrategyLexical
	}

	err := fmt.Errorf("%w: no reasoner configured", ErrScoringFailure)
	if d.reasoner != nil {
		var got []float64
		got, err = callWithTimeout(ctx, d.timeout, func(ctx context.Context) ([]float64, error) {
			return d.reasoner.ScoreCandidates(ctx, ScoringInput{
				Mention:      mention,
				ColumnType:   run.ColumnType,
				Candidates:   cands,
				TableContext: run.Request.TableContext,
			})
		})
		if err == nil && len(got) != len(cands) {
			err = fmt.Errorf("%w: got %d scores for %d candidates", ErrScoringFailure, len(got), len(cands))
		}
		if err == nil {
			err = checkScores(got)
		}
		if err == nil {
			return got, StrategyReasoned
		}
		if KindOf(err) != KindScoringFailure {
			err = fmt.Errorf("%w: %w", ErrScoringFailure, err)
		}
	}

	// Fall back to the best retrieval score at a fixed low confidence.
	best := 0
	for i, c := range cands {
		if c.RawScore > cands[best].RawScore {
			best = i
		}
	}
	scores[best] = d.fallbackConfidence

	run.addError(KindScoringFailure, AgentDisambiguation, err.Error(), "", mention)
	run.degrade()
	capitan.Error(ctx, StageFailed,
		FieldRequestID.Field(run.Request.ID),
		FieldStage.Field(AgentDisambiguation),
		FieldMention.Field(mention),
		FieldError.Field(err),
	)
	return scores, StrategyFallback
}

// checkScores rejects scores that cannot be a confidence.
func checkScores(scores []float64) error {
	for i, v := range scores {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: score %d is %v", ErrScoringFailure, i, v)
		}
	}
	return nil
}

// Identity implements pipz.Chainable[*Run].
func (d *Disambiguation) Identity() pipz.Identity {
	return d.identity
}

// Schema implements pipz.Chainable[*Run].
func (d *Disambiguation) Schema() pipz.Node {
	return pipz.Node{Identity: d.identity, Type: "disambiguation"}
}

// Close implements pipz.Chainable[*Run].
func (d *Disambiguation) Close() error {
	return nil
}

var _ pipz.Chainable[*Run] = (*Disambiguation)(nil)
