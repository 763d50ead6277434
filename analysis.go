package linkage

import (
	"context"
	"fmt"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/pipz"
)

// Agent names used in the timeline.
const (
	AgentSupervisor     = "supervisor"
	AgentColumnAnalysis = "column_analysis"
	AgentPlanning       = "planning"
	AgentRetrieval      = "candidate_retrieval"
	AgentDisambiguation = "disambiguation"
	AgentQualityCheck   = "quality_check"
)

// GatewayAgent is the timeline agent name for queries against one gateway.
func GatewayAgent(name string) string {
	return "gateway:" + name
}

// ColumnAnalysis infers the semantic type of the column. It implements
// pipz.Chainable[*Run] and never fails: when the reasoner cannot answer the
// column is typed UNKNOWN and the degradation is recorded.
type ColumnAnalysis struct {
	identity   pipz.Identity
	reasoner   Reasoner
	sampleSize int
	timeout    time.Duration
}

// NewColumnAnalysis creates the column analysis stage.
func NewColumnAnalysis(reasoner Reasoner, sampleSize int, timeout time.Duration) *ColumnAnalysis {
	return &ColumnAnalysis{
		identity:   pipz.NewIdentity(AgentColumnAnalysis, "Infers the semantic type of a column"),
		reasoner:   reasoner,
		sampleSize: sampleSize,
		timeout:    timeout,
	}
}

// Process implements pipz.Chainable[*Run].
func (a *ColumnAnalysis) Process(ctx context.Context, run *Run) (*Run, error) {
	size := a.sampleSize
	if run.Request.Options.SampleSize > 0 {
		size = run.Request.Options.SampleSize
	}
	sample := ColumnSample{
		ColumnName:   run.Request.ColumnName,
		TableContext: run.Request.TableContext,
	}
	for _, m := range run.Mentions {
		if len(sample.Values) >= size {
			break
		}
		if !blank(m) {
			sample.Values = append(sample.Values, m)
		}
	}

	var err error
	switch {
	case a.reasoner == nil:
		err = fmt.Errorf("%w: no reasoner configured", ErrInferenceFailure)
	case len(sample.Values) == 0:
		err = fmt.Errorf("%w: column has no non-empty values", ErrInferenceFailure)
	default:
		var inf ColumnInference
		inf, err = callWithTimeout(ctx, a.timeout, func(ctx context.Context) (ColumnInference, error) {
			return a.reasoner.InferColumnType(ctx, sample)
		})
		if err == nil {
			run.ColumnType = inf.Type
			run.Rationale = inf.Rationale
			run.setNote(fmt.Sprintf("column_type=%s", inf.Type))
			return run, nil
		}
		if KindOf(err) != KindInferenceFailure {
			err = fmt.Errorf("%w: %w", ErrInferenceFailure, err)
		}
	}

	run.ColumnType = ColumnUnknown
	run.addError(KindInferenceFailure, AgentColumnAnalysis, err.Error(), "", "")
	run.degrade()
	run.setNote("column_type=UNKNOWN (degraded)")
	capitan.Error(ctx, StageFailed,
		FieldRequestID.Field(run.Request.ID),
		FieldStage.Field(AgentColumnAnalysis),
		FieldError.Field(err),
	)
	return run, nil
}

// Identity implements pipz.Chainable[*Run].
func (a *ColumnAnalysis) Identity() pipz.Identity {
	return a.identity
}

// Schema implements pipz.Chainable[*Run].
func (a *ColumnAnalysis) Schema() pipz.Node {
	return pipz.Node{Identity: a.identity, Type: "column_analysis"}
}

// Close implements pipz.Chainable[*Run].
func (a *ColumnAnalysis) Close() error {
	return nil
}

var _ pipz.Chainable[*Run] = (*ColumnAnalysis)(nil)
