package linkage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/pipz"
)

// State is a supervisor state.
type State string

// Supervisor states.
const (
	StateReceived       State = "RECEIVED"
	StateAnalyzing      State = "ANALYZING"
	StatePlanning       State = "PLANNING"
	StateRetrieving     State = "RETRIEVING"
	StateDisambiguating State = "DISAMBIGUATING"
	StateQualityCheck   State = "QUALITY_CHECK"
	StateRetrying       State = "RETRYING"
	StateCompleted      State = "COMPLETED"
	StateFailed         State = "FAILED"
)

// emptyValueWarnRatio is the share of blank values above which the input is flagged.
const emptyValueWarnRatio = 0.5

// Supervisor drives one request through the stage sequence, applies the
// quality gate and writes the terminal result to the store.
type Supervisor struct {
	cfg            Config
	store          *Store
	recorder       *Recorder
	analysis       pipz.Chainable[*Run]
	planning       pipz.Chainable[*Run]
	retrieval      pipz.Chainable[*Run]
	disambiguation pipz.Chainable[*Run]

	// pass is one attempt: PLANNING through QUALITY_CHECK.
	pass *pipz.Sequence[*Run]
}

// NewSupervisor wires the stages from the configuration.
func NewSupervisor(cfg Config, registry *Registry, reasoner Reasoner, recorder *Recorder, store *Store) *Supervisor {
	s := &Supervisor{
		cfg:      cfg,
		store:    store,
		recorder: recorder,
		analysis: NewColumnAnalysis(reasoner, cfg.SampleSize, cfg.CallTimeout),
		planning: NewPlanning(registry, cfg.Workers, cfg.ProbeGateways, cfg.CallTimeout),
		retrieval: NewCandidateRetrieval(registry, recorder, RetrievalSettings{
			MaxCandidates:     cfg.MaxCandidatesPerMention,
			MinRawScore:       cfg.MinRawScore,
			BatchSize:         cfg.BatchSize,
			CallTimeout:       cfg.CallTimeout,
			UseCache:          cfg.CacheEnabled,
			ReuseCacheOnRetry: cfg.ReuseCacheOnRetry,
		}),
		disambiguation: NewDisambiguation(reasoner, cfg.Scoring, cfg.FallbackConfidence, cfg.CallTimeout),
	}
	s.pass = Sequence("attempt",
		s.stage(StatePlanning, AgentPlanning, s.planning.Process),
		s.stage(StateRetrieving, AgentRetrieval, s.retrieval.Process),
		s.stage(StateDisambiguating, AgentDisambiguation, s.disambiguation.Process),
		s.stage(StateQualityCheck, AgentQualityCheck, s.qualityCheck),
	)
	return s
}

// Process runs a stored pending request to a terminal state and returns the
// final result. Errors are returned only when the request cannot be
// processed at all (unknown id, already started).
func (s *Supervisor) Process(ctx context.Context, requestID string) (result LinkingResult, err error) {
	req, ok := s.store.Request(requestID)
	if !ok {
		return LinkingResult{}, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	if err := s.store.MarkProcessing(requestID); err != nil {
		return LinkingResult{}, err
	}

	start := time.Now()
	run := newRun(req)
	capitan.Emit(ctx, RequestStarted,
		FieldRequestID.Field(requestID),
		FieldMentionCount.Field(len(run.Mentions)),
	)

	defer func() {
		if p := recover(); p != nil {
			result = s.fail(ctx, run, start, StateFailed, fmt.Errorf("%w: panic: %v", ErrFatal, p))
			err = nil
		}
	}()

	if err := s.drive(ctx, run); err != nil {
		return s.fail(ctx, run, start, run.lastState(), err), nil
	}
	return s.complete(ctx, run, start), nil
}

// drive walks the state machine until completion or an unrecoverable error.
func (s *Supervisor) drive(ctx context.Context, run *Run) error {
	if err := s.step(ctx, run, StateReceived, AgentSupervisor, s.validate); err != nil {
		return err
	}
	if err := s.step(ctx, run, StateAnalyzing, AgentColumnAnalysis, s.analysis.Process); err != nil {
		return err
	}

	for {
		if _, err := s.pass.Process(ctx, run); err != nil {
			if run.failure != nil {
				return run.failure
			}
			return err
		}
		verdict := run.verdict
		if verdict.passed {
			return nil
		}

		if run.Attempt >= s.cfg.MaxRetries || len(run.Plan.Gateways) == 0 {
			run.qualityWarning = verdict.reason
			capitan.Emit(ctx, QualityWarning,
				FieldRequestID.Field(run.Request.ID),
				FieldAttempt.Field(run.Attempt),
				FieldReason.Field(verdict.reason),
			)
			return nil
		}

		if err := s.step(ctx, run, StateRetrying, AgentSupervisor, s.prepareRetry); err != nil {
			return err
		}
	}
}

type stageFunc func(context.Context, *Run) (*Run, error)

// stage adapts a state step into a pipeline processor. The step error is
// kept on the run so its kind survives the pipeline's wrapping.
func (s *Supervisor) stage(state State, agent string, fn stageFunc) pipz.Chainable[*Run] {
	return Do(agent, func(ctx context.Context, run *Run) (*Run, error) {
		if err := s.step(ctx, run, state, agent, fn); err != nil {
			run.failure = err
			return run, err
		}
		return run, nil
	})
}

// step checks cancellation, then runs fn wrapped in exactly one timeline event.
func (s *Supervisor) step(ctx context.Context, run *Run, state State, agent string, fn stageFunc) error {
	if err := s.checkCancelled(ctx, run); err != nil {
		return err
	}

	run.state = state
	run.resetStage()
	span := s.recorder.Begin(run.Request.ID, agent).WithState(state).WithAttempt(run.Attempt)
	capitan.Emit(ctx, StageStarted,
		FieldRequestID.Field(run.Request.ID),
		FieldStage.Field(agent),
		FieldState.Field(string(state)),
		FieldAttempt.Field(run.Attempt),
	)
	started := time.Now()

	if _, err := fn(ctx, run); err != nil {
		span.End(OutcomeFailure, err.Error())
		capitan.Error(ctx, StageFailed,
			FieldRequestID.Field(run.Request.ID),
			FieldStage.Field(agent),
			FieldState.Field(string(state)),
			FieldDuration.Field(time.Since(started)),
			FieldError.Field(err),
		)
		return err
	}

	note, degraded := run.stageOutcome()
	outcome := OutcomeSuccess
	if degraded {
		outcome = OutcomeFailure
	}
	span.End(outcome, note)
	capitan.Emit(ctx, StageCompleted,
		FieldRequestID.Field(run.Request.ID),
		FieldStage.Field(agent),
		FieldState.Field(string(state)),
		FieldDuration.Field(time.Since(started)),
	)
	return nil
}

func (s *Supervisor) checkCancelled(ctx context.Context, run *Run) error {
	if s.store.Cancelled(run.Request.ID) {
		return fmt.Errorf("%w: cancelled by caller", ErrCancelled)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	return nil
}

// validate rejects unusable input and flags mostly-empty columns.
func (s *Supervisor) validate(_ context.Context, run *Run) (*Run, error) {
	values := run.Request.ColumnValues
	if len(values) == 0 {
		return run, fmt.Errorf("%w: column has no values", ErrValidation)
	}
	var empty int
	for _, v := range values {
		if blank(v) {
			empty++
		}
	}
	if float64(empty) > emptyValueWarnRatio*float64(len(values)) {
		run.addError(KindValidation, AgentSupervisor,
			fmt.Sprintf("%d of %d column values are empty", empty, len(values)), "", "")
		run.setNote("mostly empty column")
		return run, nil
	}
	run.setNote(fmt.Sprintf("values=%d distinct=%d", len(values), len(run.Mentions)))
	return run, nil
}

type gateVerdict struct {
	passed bool
	reason string
}

func (s *Supervisor) qualityCheck(_ context.Context, run *Run) (*Run, error) {
	run.verdict = s.assess(run)
	run.setNote(run.verdict.reason)
	if !run.verdict.passed {
		run.mu.Lock()
		run.degraded = true
		run.mu.Unlock()
	}
	return run, nil
}

// assess applies the quality gate over the current mention results.
func (s *Supervisor) assess(run *Run) gateVerdict {
	avg, rate := s.quality(run.snapshotResults(), len(run.Mentions))
	if avg < s.cfg.HighConfidenceThreshold {
		return gateVerdict{reason: fmt.Sprintf("average confidence %.2f below %.2f", avg, s.cfg.HighConfidenceThreshold)}
	}
	if rate < s.cfg.MinSuccessRate {
		return gateVerdict{reason: fmt.Sprintf("success rate %.2f below %.2f", rate, s.cfg.MinSuccessRate)}
	}
	return gateVerdict{passed: true, reason: fmt.Sprintf("average confidence %.2f, success rate %.2f", avg, rate)}
}

func (s *Supervisor) quality(results map[string]MentionResult, mentions int) (avg, successRate float64) {
	if mentions == 0 {
		return 0, 0
	}
	var sum float64
	var ok int
	for _, r := range results {
		sum += r.Confidence
		if r.Confidence >= s.cfg.MediumConfidenceThreshold {
			ok++
		}
	}
	return sum / float64(mentions), float64(ok) / float64(mentions)
}

// prepareRetry narrows the next attempt to mentions below the high threshold.
func (s *Supervisor) prepareRetry(ctx context.Context, run *Run) (*Run, error) {
	results := run.snapshotResults()
	var weak []string
	for _, m := range run.Mentions {
		if results[m].Confidence < s.cfg.HighConfidenceThreshold {
			weak = append(weak, m)
		}
	}
	run.Attempt++
	run.Pending = weak
	run.setNote(fmt.Sprintf("attempt=%d mentions=%d", run.Attempt, len(weak)))
	capitan.Emit(ctx, QualityRetry,
		FieldRequestID.Field(run.Request.ID),
		FieldAttempt.Field(run.Attempt),
		FieldMentionCount.Field(len(weak)),
	)
	return run, nil
}

// complete stores the completed result.
func (s *Supervisor) complete(ctx context.Context, run *Run, start time.Time) LinkingResult {
	result := s.buildResult(run, start, StatusCompleted)
	s.recorder.Begin(run.Request.ID, AgentSupervisor).
		WithState(StateCompleted).
		WithAttempt(run.Attempt).
		End(OutcomeSuccess, fmt.Sprintf("column_type=%s mentions=%d", result.ColumnType, len(result.Mentions)))

	result = s.finish(ctx, run, result)
	capitan.Emit(ctx, RequestCompleted,
		FieldRequestID.Field(run.Request.ID),
		FieldColumnType.Field(string(result.ColumnType)),
		FieldConfidence.Field(float32(result.Metrics.AverageConfidence)),
		FieldAttempt.Field(run.Attempt),
		FieldDuration.Field(result.Metrics.Duration),
	)
	return result
}

// fail stores a failed result carrying the triggering error.
func (s *Supervisor) fail(ctx context.Context, run *Run, start time.Time, state State, cause error) LinkingResult {
	kind := KindOf(cause)
	run.addError(kind, stageName(state), cause.Error(), "", "")

	result := s.buildResult(run, start, StatusFailed)
	s.recorder.Begin(run.Request.ID, AgentSupervisor).
		WithState(StateFailed).
		WithAttempt(run.Attempt).
		End(OutcomeFailure, cause.Error())

	result = s.finish(ctx, run, result)

	signal := RequestFailed
	if errors.Is(cause, ErrCancelled) {
		signal = RequestCancelled
	}
	capitan.Error(ctx, signal,
		FieldRequestID.Field(run.Request.ID),
		FieldState.Field(string(state)),
		FieldError.Field(cause),
	)
	return result
}

// finish freezes the result in the store and returns the stored copy, which
// carries the creation and completion times.
func (s *Supervisor) finish(ctx context.Context, run *Run, result LinkingResult) LinkingResult {
	frozen, err := s.store.Finish(ctx, result)
	if err != nil {
		capitan.Error(ctx, RequestFailed,
			FieldRequestID.Field(run.Request.ID),
			FieldError.Field(err),
		)
	}
	if frozen.RequestID == "" {
		return result
	}
	return frozen
}

func (s *Supervisor) buildResult(run *Run, start time.Time, status Status) LinkingResult {
	mentions := run.snapshotResults()
	m := ProcessingMetrics{
		TotalMentions:    len(run.Request.ColumnValues),
		DistinctMentions: len(run.Mentions),
		KBUsage:          make(map[string]int),
		Attempts:         run.Attempt + 1,
		Duration:         time.Since(start),
		QualityWarning:   run.qualityWarning,
	}
	m.AverageConfidence, m.SuccessRate = s.quality(mentions, len(run.Mentions))
	for _, r := range mentions {
		if r.Confidence >= s.cfg.MediumConfidenceThreshold {
			m.SuccessfulLinks++
		}
		if r.Confidence < s.cfg.ReevaluationThreshold {
			m.LowConfidence++
		}
		if r.Selected != nil {
			m.KBUsage[r.SourceKB]++
		}
	}

	run.mu.Lock()
	m.CacheHits = run.cacheHits
	m.Degradations = run.degradations
	run.mu.Unlock()

	if status == StatusCompleted {
		// Every mention gets a result, even ones no stage reached.
		for _, mention := range run.Mentions {
			if _, ok := mentions[mention]; !ok {
				mentions[mention] = MentionResult{
					Mention:    mention,
					Candidates: []Candidate{},
					Rows:       run.Rows(mention),
					Strategy:   StrategyNone,
				}
			}
		}
	}

	return LinkingResult{
		RequestID:  run.Request.ID,
		Status:     status,
		ColumnType: run.ColumnType,
		Rationale:  run.Rationale,
		Mentions:   mentions,
		Metrics:    m,
		Errors:     run.errorRecords(),
	}
}

// stageName maps a state to the agent that runs it.
func stageName(state State) string {
	switch state {
	case StateAnalyzing:
		return AgentColumnAnalysis
	case StatePlanning:
		return AgentPlanning
	case StateRetrieving:
		return AgentRetrieval
	case StateDisambiguating:
		return AgentDisambiguation
	case StateQualityCheck:
		return AgentQualityCheck
	default:
		return AgentSupervisor
	}
}
