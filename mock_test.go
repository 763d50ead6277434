package linkage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/zyn"
)

// mockProvider implements Provider for testing.
type mockProvider struct {
	name string
}

func (m *mockProvider) Call(ctx context.Context, messages []zyn.Message, temperature float32) (*zyn.ProviderResponse, error) {
	return &zyn.ProviderResponse{
		Content: "mock response",
		Usage: zyn.TokenUsage{
			Prompt:     10,
			Completion: 5,
			Total:      15,
		},
	}, nil
}

func (m *mockProvider) Name() string {
	return m.name
}

// mockSynapseProvider answers zyn classification and extraction prompts.
type mockSynapseProvider struct {
	classification string
	extraction     string
	err            error
	calls          atomic.Int32

	mu           sync.Mutex
	temperatures []float32
}

func (m *mockSynapseProvider) Call(ctx context.Context, messages []zyn.Message, temperature float32) (*zyn.ProviderResponse, error) {
	m.calls.Add(1)
	m.mu.Lock()
	m.temperatures = append(m.temperatures, temperature)
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("no messages provided")
	}

	// Check last message to determine which synapse is calling.
	last := messages[len(messages)-1]
	content := m.classification
	if strings.Contains(last.Content, "Task: Extract") {
		content = m.extraction
	}
	return &zyn.ProviderResponse{
		Content: content,
		Usage: zyn.TokenUsage{
			Prompt:     12,
			Completion: 18,
			Total:      30,
		},
	}, nil
}

func (m *mockSynapseProvider) Name() string {
	return "mock-synapse"
}

// fakeGateway is a scripted Gateway.
type fakeGateway struct {
	cfg     KnowledgeBaseConfig
	results map[string][]Candidate
	err     error
	delay   time.Duration
	healthy bool

	mu      sync.Mutex
	queries []Query
}

func newFakeGateway(name string, priority int, types ...ColumnType) *fakeGateway {
	return &fakeGateway{
		cfg: KnowledgeBaseConfig{
			Name:                 name,
			Type:                 "fake",
			Enabled:              true,
			Priority:             priority,
			SupportedColumnTypes: types,
		},
		results: make(map[string][]Candidate),
		healthy: true,
	}
}

// answer scripts the candidates for a mention. Missing KBSource is filled in.
func (g *fakeGateway) answer(mention string, cands ...Candidate) *fakeGateway {
	for i := range cands {
		if cands[i].KBSource == "" {
			cands[i].KBSource = g.cfg.Name
		}
	}
	g.results[mention] = cands
	return g
}

func (g *fakeGateway) Name() string               { return g.cfg.Name }
func (g *fakeGateway) Config() KnowledgeBaseConfig { return g.cfg }
func (g *fakeGateway) Supports(ct ColumnType) bool { return g.cfg.Supports(ct) }
func (g *fakeGateway) Probe(context.Context) bool  { return g.healthy }

func (g *fakeGateway) Query(ctx context.Context, q Query) ([]Candidate, error) {
	g.mu.Lock()
	g.queries = append(g.queries, q)
	g.mu.Unlock()

	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("%s: %w: %v", g.cfg.Name, ErrGatewayUnavailable, ctx.Err())
		}
	}
	if g.err != nil {
		return nil, g.err
	}
	out := cloneCandidates(g.results[q.Mention])
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (g *fakeGateway) lastQuery() Query {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.queries[len(g.queries)-1]
}

func (g *fakeGateway) queryCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queries)
}

// fakeReasoner is a scripted Reasoner. Scores are looked up by candidate id;
// unknown ids score defaultScore.
type fakeReasoner struct {
	columnType   ColumnType
	inferErr     error
	scores       map[string]float64
	defaultScore float64
	scoreErr     error
	delay        time.Duration

	// scoreFn, when set, overrides scores per call.
	scoreFn func(in ScoringInput, call int) []float64

	inferCalls atomic.Int32
	scoreCalls atomic.Int32
}

func (r *fakeReasoner) InferColumnType(ctx context.Context, sample ColumnSample) (ColumnInference, error) {
	r.inferCalls.Add(1)
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return ColumnInference{}, ctx.Err()
		}
	}
	if r.inferErr != nil {
		return ColumnInference{}, r.inferErr
	}
	return ColumnInference{Type: r.columnType, Rationale: "scripted", Confidence: 0.9}, nil
}

func (r *fakeReasoner) ScoreCandidates(ctx context.Context, in ScoringInput) ([]float64, error) {
	call := int(r.scoreCalls.Add(1))
	if r.scoreErr != nil {
		return nil, r.scoreErr
	}
	if r.scoreFn != nil {
		return r.scoreFn(in, call), nil
	}
	out := make([]float64, len(in.Candidates))
	for i, c := range in.Candidates {
		if v, ok := r.scores[c.ID]; ok {
			out[i] = v
		} else {
			out[i] = r.defaultScore
		}
	}
	return out, nil
}

// memoryArchive is an in-memory Archive.
type memoryArchive struct {
	mu      sync.Mutex
	results map[string]LinkingResult
	events  map[string][]AgentEvent
	saveErr error
}

func newMemoryArchive() *memoryArchive {
	return &memoryArchive{
		results: make(map[string]LinkingResult),
		events:  make(map[string][]AgentEvent),
	}
}

func (a *memoryArchive) SaveResult(_ context.Context, r LinkingResult) error {
	if a.saveErr != nil {
		return a.saveErr
	}
	// Round-trip through JSON like a real store would.
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	var stored LinkingResult
	if err := json.Unmarshal(data, &stored); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results[r.RequestID] = stored
	return nil
}

func (a *memoryArchive) LoadResult(_ context.Context, id string) (LinkingResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.results[id]
	if !ok {
		return LinkingResult{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.Clone(), nil
}

func (a *memoryArchive) SaveEvent(_ context.Context, e AgentEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events[e.RequestID] = append(a.events[e.RequestID], e)
	return nil
}

func (a *memoryArchive) LoadEvents(_ context.Context, id string) ([]AgentEvent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]AgentEvent(nil), a.events[id]...), nil
}

func (a *memoryArchive) eventCount(id string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.events[id])
}

// testConfig is DefaultConfig with short timeouts.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CallTimeout = 2 * time.Second
	cfg.Workers = 4
	return cfg
}

func cand(id, name string, raw float64) Candidate {
	return Candidate{ID: id, Name: name, RawScore: raw, Popularity: 0.5}
}

// waitResult blocks until the request is terminal.
func waitResult(l *Linker, id string) (LinkingResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return l.Wait(ctx, id)
}
