package linkage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/capitan"
)

// EventSink persists recorded events outside the critical path.
type EventSink interface {
	SaveEvent(ctx context.Context, event AgentEvent) error
}

// AgentStats aggregates the events recorded for one agent.
type AgentStats struct {
	Total       int           `json:"total_executions"`
	Succeeded   int           `json:"successful"`
	Failed      int           `json:"failed"`
	AvgDuration time.Duration `json:"avg_duration"`
	SuccessRate float64       `json:"success_rate"`
}

type agentTotals struct {
	total, succeeded int
	duration         time.Duration
}

// Recorder is the process-wide, append-only log of agent events.
// It is safe for concurrent use. Recording never blocks on the sink: events
// are handed to a bounded queue and dropped when the queue is full.
type Recorder struct {
	mu     sync.RWMutex
	events map[string][]AgentEvent
	totals map[string]*agentTotals
	seq    uint64
	now    func() time.Time

	sink    EventSink
	queue   chan AgentEvent
	drained chan struct{}
	closed  bool
	dropped int
}

// NewRecorder creates a recorder with no persistence.
func NewRecorder() *Recorder {
	return &Recorder{
		events: make(map[string][]AgentEvent),
		totals: make(map[string]*agentTotals),
		now:    time.Now,
	}
}

// NewRecorderWithSink creates a recorder that forwards every event to sink
// through a queue of the given size.
func NewRecorderWithSink(sink EventSink, buffer int) *Recorder {
	r := NewRecorder()
	if sink == nil {
		return r
	}
	if buffer <= 0 {
		buffer = 1
	}
	r.sink = sink
	r.queue = make(chan AgentEvent, buffer)
	r.drained = make(chan struct{})
	go r.drain()
	return r
}

func (r *Recorder) drain() {
	defer close(r.drained)
	for e := range r.queue {
		if err := r.sink.SaveEvent(context.Background(), e); err != nil {
			capitan.Error(context.Background(), EventDropped,
				FieldRequestID.Field(e.RequestID),
				FieldStage.Field(e.Agent),
				FieldError.Field(err),
			)
		}
	}
}

// Span is an agent activity in progress. End records it.
type Span struct {
	r     *Recorder
	event AgentEvent
	once  sync.Once
}

// Begin starts a span. Its sequence number and start time are taken
// together, so events sort in true start order.
func (r *Recorder) Begin(requestID, agent string) *Span {
	r.mu.Lock()
	r.seq++
	e := AgentEvent{
		ID:        uuid.New().String(),
		RequestID: requestID,
		Seq:       r.seq,
		Agent:     agent,
		StartedAt: r.now(),
	}
	r.mu.Unlock()
	return &Span{r: r, event: e}
}

// WithState tags the span with the supervisor state it covers.
func (s *Span) WithState(st State) *Span {
	s.event.State = st
	return s
}

// WithAttempt tags the span with the quality-loop attempt (0 for the first pass).
func (s *Span) WithAttempt(n int) *Span {
	s.event.Attempt = n
	return s
}

// WithGateway tags the span with a gateway and mention.
func (s *Span) WithGateway(gateway, mention string) *Span {
	s.event.Gateway = gateway
	s.event.Mention = mention
	return s
}

// MarkCached flags the span as served from cache.
func (s *Span) MarkCached() *Span {
	s.event.Cached = true
	return s
}

// End records the span. Only the first call has an effect.
func (s *Span) End(outcome Outcome, detail string) AgentEvent {
	s.once.Do(func() {
		s.event.EndedAt = s.r.now()
		s.event.Outcome = outcome
		s.event.Detail = detail
		s.r.append(s.event)
	})
	return s.event
}

// Record appends a complete event. Missing ids, sequence numbers and end
// times are filled in.
func (r *Recorder) Record(e AgentEvent) AgentEvent {
	r.mu.Lock()
	if e.Seq == 0 {
		r.seq++
		e.Seq = r.seq
	}
	r.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = r.now()
	}
	if e.EndedAt.IsZero() {
		e.EndedAt = e.StartedAt
	}
	r.append(e)
	return e
}

func (r *Recorder) append(e AgentEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events[e.RequestID] = append(r.events[e.RequestID], e)

	t, ok := r.totals[e.Agent]
	if !ok {
		t = &agentTotals{}
		r.totals[e.Agent] = t
	}
	t.total++
	if e.Outcome == OutcomeSuccess {
		t.succeeded++
	}
	t.duration += e.Duration()

	if r.queue == nil || r.closed {
		return
	}
	select {
	case r.queue <- e:
	default:
		r.dropped++
		capitan.Emit(context.Background(), EventDropped,
			FieldRequestID.Field(e.RequestID),
			FieldStage.Field(e.Agent),
		)
	}
}

// EventsFor returns the timeline of a request ordered by start.
func (r *Recorder) EventsFor(requestID string) []AgentEvent {
	r.mu.RLock()
	out := append([]AgentEvent(nil), r.events[requestID]...)
	r.mu.RUnlock()
	sortEvents(out)
	return out
}

// Stats returns per-agent aggregates over the recorder's lifetime.
func (r *Recorder) Stats() map[string]AgentStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]AgentStats, len(r.totals))
	for agent, t := range r.totals {
		s := AgentStats{
			Total:     t.total,
			Succeeded: t.succeeded,
			Failed:    t.total - t.succeeded,
		}
		if t.total > 0 {
			s.AvgDuration = t.duration / time.Duration(t.total)
			s.SuccessRate = float64(t.succeeded) / float64(t.total)
		}
		out[agent] = s
	}
	return out
}

// Dropped returns how many events were not handed to the sink.
func (r *Recorder) Dropped() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dropped
}

// Forget drops the in-memory timeline of a request. Aggregates are kept.
func (r *Recorder) Forget(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.events, requestID)
}

// Close stops accepting sink work and waits for queued events to flush.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed || r.queue == nil {
		r.closed = true
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	<-r.drained
	return nil
}

// TimelineSummary condenses a timeline.
type TimelineSummary struct {
	TotalEvents int           `json:"total_events"`
	Agents      []string      `json:"agents_involved"`
	Duration    time.Duration `json:"total_duration"`
}

// Summarize summarizes an ordered timeline. Agents are listed in first-seen order.
func Summarize(events []AgentEvent) TimelineSummary {
	s := TimelineSummary{TotalEvents: len(events)}
	if len(events) == 0 {
		return s
	}
	seen := make(map[string]struct{})
	start, end := events[0].StartedAt, events[0].EndedAt
	for _, e := range events {
		if _, ok := seen[e.Agent]; !ok {
			seen[e.Agent] = struct{}{}
			s.Agents = append(s.Agents, e.Agent)
		}
		if e.StartedAt.Before(start) {
			start = e.StartedAt
		}
		if e.EndedAt.After(end) {
			end = e.EndedAt
		}
	}
	s.Duration = end.Sub(start)
	return s
}
