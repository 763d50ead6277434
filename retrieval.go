package linkage

import (
	"context"
	"fmt"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/pipz"
	"golang.org/x/sync/errgroup"
)

// RetrievalSettings tunes the candidate retrieval stage.
type RetrievalSettings struct {
	MaxCandidates     int
	MinRawScore       float64
	BatchSize         int
	CallTimeout       time.Duration
	UseCache          bool
	ReuseCacheOnRetry bool
}

// CandidateRetrieval pools candidates per distinct mention. Mentions fan out
// to a bounded worker pool; the gateways of one mention are tried in plan
// order, falling through on errors or empty answers until enough candidates
// are pooled.
type CandidateRetrieval struct {
	identity pipz.Identity
	registry *Registry
	recorder *Recorder
	settings RetrievalSettings
}

// NewCandidateRetrieval creates the retrieval stage.
func NewCandidateRetrieval(registry *Registry, recorder *Recorder, settings RetrievalSettings) *CandidateRetrieval {
	return &CandidateRetrieval{
		identity: pipz.NewIdentity(AgentRetrieval, "Pools knowledge base candidates per mention"),
		registry: registry,
		recorder: recorder,
		settings: settings,
	}
}

// Process implements pipz.Chainable[*Run].
func (c *CandidateRetrieval) Process(ctx context.Context, run *Run) (*Run, error) {
	run.resetCandidates()
	if len(run.Plan.Gateways) == 0 {
		run.setNote("empty plan; no candidates retrieved")
		return run, nil
	}

	limit := c.settings.MaxCandidates
	if run.Request.Options.MaxCandidates > 0 {
		limit = run.Request.Options.MaxCandidates
	}
	workers := run.Plan.Workers
	if workers <= 0 {
		workers = 1
	}
	batch := c.settings.BatchSize
	if batch <= 0 {
		batch = len(run.Pending)
	}

	var pooled int
	for start := 0; start < len(run.Pending); start += batch {
		if err := ctx.Err(); err != nil {
			return run, fmt.Errorf("candidate retrieval: %w: %w", ErrCancelled, err)
		}
		end := min(start+batch, len(run.Pending))

		var eg errgroup.Group
		eg.SetLimit(workers)
		for _, mention := range run.Pending[start:end] {
			eg.Go(func() error {
				run.setCandidates(mention, c.retrieve(ctx, run, mention, limit))
				return nil
			})
		}
		_ = eg.Wait()
	}
	for _, m := range run.Pending {
		pooled += len(run.Candidates(m))
	}

	run.setNote(fmt.Sprintf("mentions=%d candidates=%d", len(run.Pending), pooled))
	return run, nil
}

// retrieve walks the plan for one mention. Gateways are always asked for the
// configured maximum so shared cache entries never hold a request-truncated
// answer; limit only bounds the pool.
func (c *CandidateRetrieval) retrieve(ctx context.Context, run *Run, mention string, limit int) []Candidate {
	if blank(mention) {
		return nil
	}

	opts := QueryOptions{
		Timeout:  c.settings.CallTimeout,
		UseCache: c.settings.UseCache && !run.Request.Options.BypassCache,
		Refresh:  run.Attempt > 0 && !c.settings.ReuseCacheOnRetry,
	}
	q := Query{
		Mention:    mention,
		ColumnType: run.ColumnType,
		Context:    run.Request.TableContext,
		Limit:      max(c.settings.MaxCandidates, 1),
	}

	var pooled []Candidate
	seen := make(map[string]struct{})
	for _, g := range run.Plan.Gateways {
		span := c.recorder.Begin(run.Request.ID, GatewayAgent(g.Name())).
			WithState(StateRetrieving).
			WithAttempt(run.Attempt).
			WithGateway(g.Name(), mention)

		res, err := c.registry.Query(ctx, g, q, opts)
		if err != nil {
			span.End(OutcomeFailure, err.Error())
			run.addError(KindOf(err), AgentRetrieval, err.Error(), g.Name(), mention)
			capitan.Error(ctx, GatewayFailed,
				FieldRequestID.Field(run.Request.ID),
				FieldGateway.Field(g.Name()),
				FieldMention.Field(mention),
				FieldError.Field(err),
			)
			continue
		}
		if res.Cached {
			span.MarkCached()
			run.cacheHit()
			capitan.Emit(ctx, CacheHit,
				FieldRequestID.Field(run.Request.ID),
				FieldGateway.Field(g.Name()),
				FieldMention.Field(mention),
			)
		}

		kept := 0
		for _, cand := range res.Candidates {
			if len(pooled) >= limit {
				break
			}
			if cand.RawScore <= c.settings.MinRawScore {
				continue
			}
			if _, dup := seen[cand.ID]; dup {
				continue
			}
			seen[cand.ID] = struct{}{}
			if cand.KBSource == "" {
				cand.KBSource = g.Name()
			}
			pooled = append(pooled, cand)
			kept++
		}

		source := "gateway"
		if res.Cached {
			source = "cache"
		}
		span.End(OutcomeSuccess, fmt.Sprintf("source=%s returned=%d kept=%d", source, len(res.Candidates), kept))
		capitan.Emit(ctx, GatewayQueried,
			FieldRequestID.Field(run.Request.ID),
			FieldGateway.Field(g.Name()),
			FieldMention.Field(mention),
			FieldCandidateCount.Field(kept),
		)

		if len(pooled) >= limit {
			break
		}
	}
	return pooled
}

// Identity implements pipz.Chainable[*Run].
func (c *CandidateRetrieval) Identity() pipz.Identity {
	return c.identity
}

// Schema implements pipz.Chainable[*Run].
func (c *CandidateRetrieval) Schema() pipz.Node {
	return pipz.Node{Identity: c.identity, Type: "candidate_retrieval"}
}

// Close implements pipz.Chainable[*Run].
func (c *CandidateRetrieval) Close() error {
	return nil
}

var _ pipz.Chainable[*Run] = (*CandidateRetrieval)(nil)
