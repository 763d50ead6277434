// Package linkagetest provides test utilities for linkage.
package linkagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/zoobzio/linkage"
)

// FakeGateway implements linkage.Gateway with scripted answers.
type FakeGateway struct {
	cfg     linkage.KnowledgeBaseConfig
	answers map[string][]linkage.Candidate
	err     error
	delay   time.Duration
	healthy bool

	mu      sync.Mutex
	queries []linkage.Query
}

// NewFakeGateway creates an enabled gateway supporting the given column types.
func NewFakeGateway(name string, priority int, types ...linkage.ColumnType) *FakeGateway {
	return &FakeGateway{
		cfg: linkage.KnowledgeBaseConfig{
			Name:                 name,
			Type:                 "fake",
			Enabled:              true,
			Priority:             priority,
			SupportedColumnTypes: types,
		},
		answers: make(map[string][]linkage.Candidate),
		healthy: true,
	}
}

// Answer scripts the candidates returned for a mention.
func (g *FakeGateway) Answer(mention string, cands ...linkage.Candidate) *FakeGateway {
	for i := range cands {
		if cands[i].KBSource == "" {
			cands[i].KBSource = g.cfg.Name
		}
	}
	g.answers[mention] = cands
	return g
}

// Fail makes every query return err.
func (g *FakeGateway) Fail(err error) *FakeGateway {
	g.err = err
	return g
}

// Slow delays every query.
func (g *FakeGateway) Slow(d time.Duration) *FakeGateway {
	g.delay = d
	return g
}

// Unhealthy makes probes fail.
func (g *FakeGateway) Unhealthy() *FakeGateway {
	g.healthy = false
	return g
}

// Name implements linkage.Gateway.
func (g *FakeGateway) Name() string { return g.cfg.Name }

// Config implements linkage.Gateway.
func (g *FakeGateway) Config() linkage.KnowledgeBaseConfig { return g.cfg }

// Supports implements linkage.Gateway.
func (g *FakeGateway) Supports(ct linkage.ColumnType) bool { return g.cfg.Supports(ct) }

// Probe implements linkage.Gateway.
func (g *FakeGateway) Probe(context.Context) bool { return g.healthy }

// Query implements linkage.Gateway.
func (g *FakeGateway) Query(ctx context.Context, q linkage.Query) ([]linkage.Candidate, error) {
	g.mu.Lock()
	g.queries = append(g.queries, q)
	g.mu.Unlock()

	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("%s: %w: %v", g.cfg.Name, linkage.ErrGatewayUnavailable, ctx.Err())
		}
	}
	if g.err != nil {
		return nil, g.err
	}
	src := g.answers[q.Mention]
	out := make([]linkage.Candidate, len(src))
	for i, c := range src {
		c.Types = append([]string(nil), c.Types...)
		out[i] = c
	}
	return out, nil
}

// Queries returns how many queries the gateway received.
func (g *FakeGateway) Queries() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queries)
}

var _ linkage.Gateway = (*FakeGateway)(nil)

// FakeReasoner implements linkage.Reasoner with a fixed column type and
// per-candidate scores. Candidates without a scripted score get Default.
type FakeReasoner struct {
	ColumnType linkage.ColumnType
	Scores     map[string]float64
	Default    float64
	InferErr   error
	ScoreErr   error
}

// InferColumnType implements linkage.Reasoner.
func (r *FakeReasoner) InferColumnType(_ context.Context, _ linkage.ColumnSample) (linkage.ColumnInference, error) {
	if r.InferErr != nil {
		return linkage.ColumnInference{}, r.InferErr
	}
	return linkage.ColumnInference{Type: r.ColumnType, Rationale: "scripted", Confidence: 1}, nil
}

// ScoreCandidates implements linkage.Reasoner.
func (r *FakeReasoner) ScoreCandidates(_ context.Context, in linkage.ScoringInput) ([]float64, error) {
	if r.ScoreErr != nil {
		return nil, r.ScoreErr
	}
	out := make([]float64, len(in.Candidates))
	for i, c := range in.Candidates {
		if v, ok := r.Scores[c.ID]; ok {
			out[i] = v
		} else {
			out[i] = r.Default
		}
	}
	return out, nil
}

var _ linkage.Reasoner = (*FakeReasoner)(nil)

// MemoryArchive implements linkage.Archive in memory.
type MemoryArchive struct {
	mu      sync.RWMutex
	results map[string]linkage.LinkingResult
	events  map[string][]linkage.AgentEvent
}

// NewMemoryArchive creates an empty archive.
func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{
		results: make(map[string]linkage.LinkingResult),
		events:  make(map[string][]linkage.AgentEvent),
	}
}

// SaveResult implements linkage.Archive.
func (a *MemoryArchive) SaveResult(_ context.Context, r linkage.LinkingResult) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results[r.RequestID] = r.Clone()
	return nil
}

// LoadResult implements linkage.Archive.
func (a *MemoryArchive) LoadResult(_ context.Context, id string) (linkage.LinkingResult, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	r, ok := a.results[id]
	if !ok {
		return linkage.LinkingResult{}, fmt.Errorf("%w: %s", linkage.ErrNotFound, id)
	}
	return r.Clone(), nil
}

// SaveEvent implements linkage.EventSink.
func (a *MemoryArchive) SaveEvent(_ context.Context, e linkage.AgentEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events[e.RequestID] = append(a.events[e.RequestID], e)
	return nil
}

// LoadEvents implements linkage.Archive.
func (a *MemoryArchive) LoadEvents(_ context.Context, id string) ([]linkage.AgentEvent, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]linkage.AgentEvent(nil), a.events[id]...), nil
}

var _ linkage.Archive = (*MemoryArchive)(nil)

// Candidate builds a candidate with a raw score and mid popularity.
func Candidate(id, name string, raw float64) linkage.Candidate {
	return linkage.Candidate{ID: id, Name: name, RawScore: raw, Popularity: 0.5}
}

// NewTestLinker creates a Linker over the given gateways and closes it when
// the test ends.
func NewTestLinker(t testing.TB, cfg linkage.Config, reasoner linkage.Reasoner, gateways ...linkage.Gateway) *linkage.Linker {
	t.Helper()
	var cache *linkage.Cache
	if cfg.CacheEnabled {
		cache = linkage.NewCache(cfg.CacheTTL, cfg.CacheMaxEntries)
	}
	registry, err := linkage.NewRegistry(cache, gateways...)
	if err != nil {
		t.Fatalf("failed to create registry: %v", err)
	}
	l, err := linkage.New(cfg, reasoner, linkage.WithRegistry(registry))
	if err != nil {
		t.Fatalf("failed to create linker: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

// Link submits a column and waits for its terminal result.
func Link(t testing.TB, l *linkage.Linker, values ...string) linkage.LinkingResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := l.Submit(ctx, linkage.LinkingRequest{ColumnValues: values})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	result, err := l.Wait(ctx, id)
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	return result
}

// RequireSelected asserts that a mention resolved to the expected candidate id.
func RequireSelected(t testing.TB, result linkage.LinkingResult, mention, id string) {
	t.Helper()
	m, ok := result.Mentions[mention]
	if !ok {
		t.Fatalf("no result for mention %q", mention)
	}
	if m.Selected == nil {
		t.Fatalf("mention %q has no selected candidate", mention)
	}
	if m.Selected.ID != id {
		t.Fatalf("expected %q to resolve to %q, got %q", mention, id, m.Selected.ID)
	}
}

// RequireUnresolved asserts that a mention has no selected candidate.
func RequireUnresolved(t testing.TB, result linkage.LinkingResult, mention string) {
	t.Helper()
	m, ok := result.Mentions[mention]
	if !ok {
		t.Fatalf("no result for mention %q", mention)
	}
	if m.Selected != nil {
		t.Fatalf("expected %q unresolved, got %q", mention, m.Selected.ID)
	}
}
