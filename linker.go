package linkage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/capitan"
)

// Stats is the aggregate view returned by GetStats.
type Stats struct {
	Agents         map[string]AgentStats `json:"agent_statistics"`
	TotalProcessed int                   `json:"total_processed"`
	Completed      int                   `json:"completed"`
	Failed         int                   `json:"failed"`
	InFlight       int                   `json:"in_flight"`
	CacheEntries   int                   `json:"cache_entries"`
	DroppedEvents  int                   `json:"dropped_events"`
}

// GatewayHealth is the probe result of one gateway.
type GatewayHealth struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Enabled  bool   `json:"enabled"`
	Optional bool   `json:"optional"`
	Priority int    `json:"priority"`
	Healthy  bool   `json:"healthy"`
}

// Health statuses.
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
)

// HealthReport is the result of Health.
type HealthReport struct {
	Status         string          `json:"status"`
	Gateways       map[string]bool `json:"knowledge_bases"`
	Details        []GatewayHealth `json:"details"`
	CacheEnabled   bool            `json:"cache_enabled"`
	TotalProcessed int             `json:"total_processed"`
}

// Option configures a Linker.
type Option func(*linkerOptions)

type linkerOptions struct {
	registry    *Registry
	archive     Archive
	gatewayOpts []GatewayOption
}

// WithRegistry supplies a prebuilt registry instead of building one from
// Config.KnowledgeBases.
func WithRegistry(r *Registry) Option {
	return func(o *linkerOptions) { o.registry = r }
}

// WithArchive persists results and timelines. The archive also serves
// lookups for requests no longer held in memory.
func WithArchive(a Archive) Option {
	return func(o *linkerOptions) { o.archive = a }
}

// WithGatewayOptions passes options to every gateway built from config.
func WithGatewayOptions(opts ...GatewayOption) Option {
	return func(o *linkerOptions) { o.gatewayOpts = append(o.gatewayOpts, opts...) }
}

// Linker is the entry point: it accepts columns, runs each through the
// supervisor on its own goroutine and serves results, timelines, stats and
// health.
type Linker struct {
	cfg        Config
	registry   *Registry
	cache      *Cache
	recorder   *Recorder
	store      *Store
	archive    Archive
	supervisor *Supervisor

	slots  chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New creates a Linker. reasoner may be nil when cfg.Scoring is lexical;
// column analysis then degrades to UNKNOWN.
func New(cfg Config, reasoner Reasoner, opts ...Option) (*Linker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &linkerOptions{}
	for _, opt := range opts {
		opt(o)
	}

	var cache *Cache
	registry := o.registry
	if registry == nil {
		if cfg.CacheEnabled {
			cache = NewCache(cfg.CacheTTL, cfg.CacheMaxEntries)
		}
		var err error
		registry, err = NewRegistryFromConfig(cfg.KnowledgeBases, cache, o.gatewayOpts...)
		if err != nil {
			if cache != nil {
				cache.Close()
			}
			return nil, err
		}
	} else {
		cache = registry.Cache()
	}

	recorder := NewRecorder()
	if o.archive != nil {
		recorder = NewRecorderWithSink(o.archive, cfg.EventBuffer)
	}
	store := NewStore(o.archive)

	ctx, cancel := context.WithCancel(context.Background())
	return &Linker{
		cfg:        cfg,
		registry:   registry,
		cache:      cache,
		recorder:   recorder,
		store:      store,
		archive:    o.archive,
		supervisor: NewSupervisor(cfg, registry, reasoner, recorder, store),
		slots:      make(chan struct{}, cfg.MaxConcurrentRequests),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Submit validates and stores a request, schedules it and returns its id
// without waiting for processing.
func (l *Linker) Submit(ctx context.Context, req LinkingRequest) (string, error) {
	if err := l.validate(req); err != nil {
		return "", err
	}
	req = copyRequest(req)
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return "", fmt.Errorf("%w: linker closed", ErrFatal)
	}
	if _, err := l.store.Create(req); err != nil {
		l.mu.Unlock()
		return "", err
	}
	l.wg.Add(1)
	go l.run(req.ID)
	l.mu.Unlock()

	capitan.Emit(ctx, RequestSubmitted,
		FieldRequestID.Field(req.ID),
		FieldMentionCount.Field(len(req.ColumnValues)),
	)
	return req.ID, nil
}

// run waits for a slot and drives the request. A request still waiting when
// the linker closes is processed anyway so it reaches a terminal state.
func (l *Linker) run(id string) {
	defer l.wg.Done()
	select {
	case l.slots <- struct{}{}:
		defer func() { <-l.slots }()
	case <-l.ctx.Done():
	}
	_, _ = l.supervisor.Process(l.ctx, id)
}

func (l *Linker) validate(req LinkingRequest) error {
	if len(req.ColumnValues) == 0 {
		return fmt.Errorf("%w: column_values must not be empty", ErrValidation)
	}
	for _, name := range req.SelectedKnowledgeBases {
		if _, ok := l.registry.Lookup(name); !ok {
			return fmt.Errorf("%w: unknown knowledge base %q", ErrValidation, name)
		}
	}
	o := req.Options
	if o.MaxCandidates < 0 || o.SampleSize < 0 {
		return fmt.Errorf("%w: options must not be negative", ErrValidation)
	}
	return nil
}

func copyRequest(req LinkingRequest) LinkingRequest {
	out := req
	out.ColumnValues = append([]string(nil), req.ColumnValues...)
	out.SelectedKnowledgeBases = append([]string(nil), req.SelectedKnowledgeBases...)
	if req.TableContext != nil {
		out.TableContext = make(map[string]string, len(req.TableContext))
		for k, v := range req.TableContext {
			out.TableContext[k] = v
		}
	}
	return out
}

// GetResult returns the current result of a request.
func (l *Linker) GetResult(ctx context.Context, id string) (LinkingResult, error) {
	return l.store.Get(ctx, id)
}

// Wait blocks until the request is terminal and returns its result.
func (l *Linker) Wait(ctx context.Context, id string) (LinkingResult, error) {
	return l.store.Wait(ctx, id)
}

// GetTimeline returns the events of a request ordered by start.
func (l *Linker) GetTimeline(ctx context.Context, id string) ([]AgentEvent, error) {
	if events := l.recorder.EventsFor(id); len(events) > 0 {
		return events, nil
	}
	if _, ok := l.store.Request(id); ok {
		return []AgentEvent{}, nil
	}
	if l.archive != nil {
		events, err := l.archive.LoadEvents(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("timeline: %w", err)
		}
		if len(events) > 0 {
			sortEvents(events)
			return events, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// GetStats returns per-agent aggregates and request counts.
func (l *Linker) GetStats() Stats {
	total, completed, failed := l.store.Counts()
	s := Stats{
		Agents:         l.recorder.Stats(),
		TotalProcessed: completed + failed,
		Completed:      completed,
		Failed:         failed,
		InFlight:       total - completed - failed,
		DroppedEvents:  l.recorder.Dropped(),
	}
	if l.cache != nil {
		s.CacheEntries = l.cache.Len()
	}
	return s
}

// Health probes every enabled gateway. The report is degraded when a
// gateway that is not marked optional fails its probe.
func (l *Linker) Health(ctx context.Context) HealthReport {
	probes := l.registry.ProbeAll(ctx, l.cfg.CallTimeout)
	_, completed, failed := l.store.Counts()

	report := HealthReport{
		Status:         HealthHealthy,
		Gateways:       make(map[string]bool, len(probes)),
		CacheEnabled:   l.cache != nil,
		TotalProcessed: completed + failed,
	}
	for _, g := range l.registry.Gateways() {
		cfg := g.Config()
		healthy, probed := probes[g.Name()]
		report.Details = append(report.Details, GatewayHealth{
			Name:     g.Name(),
			Type:     cfg.Type,
			Enabled:  cfg.Enabled,
			Optional: cfg.Optional,
			Priority: cfg.Priority,
			Healthy:  healthy,
		})
		if !probed {
			continue
		}
		report.Gateways[g.Name()] = healthy
		if !healthy && !cfg.Optional {
			report.Status = HealthDegraded
		}
	}
	return report
}

// Cancel asks a pending or processing request to stop. The supervisor
// observes it between stages.
func (l *Linker) Cancel(id string) error {
	return l.store.Cancel(id)
}

// Prune drops terminal requests that finished before the cutoff from memory
// and returns how many were dropped.
func (l *Linker) Prune(before time.Time) int {
	ids := l.store.Prune(before)
	for _, id := range ids {
		l.recorder.Forget(id)
	}
	return len(ids)
}

// Close cancels in-flight requests, waits for them to reach a terminal state
// and flushes pending events.
func (l *Linker) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.cancel()
	l.wg.Wait()
	err := l.recorder.Close()
	if l.cache != nil {
		l.cache.Close()
	}
	return err
}
