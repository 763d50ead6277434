package linkage

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Run is the working state of one request while the supervisor drives it.
// It is owned by a single request; the mutex only guards the fields that
// stage workers write concurrently.
type Run struct {
	Request    LinkingRequest
	Attempt    int
	ColumnType ColumnType
	Rationale  string
	Plan       Plan

	// Mentions holds the distinct column values in first-seen order and
	// rows maps each one to every row index holding it.
	Mentions []string
	rows     map[string][]int

	// Pending is the set of mentions the current attempt works on.
	Pending []string

	mu           sync.Mutex
	candidates   map[string][]Candidate
	results      map[string]MentionResult
	errors       []ErrorRecord
	cacheHits    int
	degradations int

	// Per-stage outcome, reset by the supervisor before each stage.
	note     string
	degraded bool

	state          State
	verdict        gateVerdict
	failure        error
	qualityWarning string
}

func newRun(req LinkingRequest) *Run {
	r := &Run{
		Request:    req,
		ColumnType: ColumnUnknown,
		rows:       make(map[string][]int),
		candidates: make(map[string][]Candidate),
		results:    make(map[string]MentionResult),
	}
	for i, v := range req.ColumnValues {
		if _, seen := r.rows[v]; !seen {
			r.Mentions = append(r.Mentions, v)
		}
		r.rows[v] = append(r.rows[v], i)
	}
	r.Pending = append([]string(nil), r.Mentions...)
	return r
}

// Rows returns the row indices holding a mention.
func (r *Run) Rows(mention string) []int {
	return append([]int(nil), r.rows[mention]...)
}

// Candidates returns a copy of the pooled candidates for a mention.
func (r *Run) Candidates(mention string) []Candidate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneCandidates(r.candidates[mention])
}

func (r *Run) setCandidates(mention string, cands []Candidate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.candidates[mention] = cands
}

func (r *Run) resetCandidates() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.candidates = make(map[string][]Candidate)
}

// Result returns the current result for a mention.
func (r *Run) Result(mention string) (MentionResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.results[mention]
	return m, ok
}

// setResult stores a mention result. On retries the earlier result is kept
// unless the new one is more confident.
func (r *Run) setResult(m MentionResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.results[m.Mention]; ok && prev.Confidence >= m.Confidence {
		return
	}
	r.results[m.Mention] = m
}

func (r *Run) snapshotResults() map[string]MentionResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]MentionResult, len(r.results))
	for k, v := range r.results {
		out[k] = v.clone()
	}
	return out
}

func (r *Run) addError(kind ErrorKind, stage, message, gateway, mention string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, ErrorRecord{
		Kind:    kind,
		Stage:   stage,
		Message: message,
		Gateway: gateway,
		Mention: mention,
		At:      time.Now(),
	})
}

func (r *Run) degrade() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.degradations++
	r.degraded = true
}

func (r *Run) cacheHit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cacheHits++
}

func (r *Run) setNote(note string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.note = note
}

func (r *Run) stageOutcome() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.note, r.degraded
}

func (r *Run) resetStage() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.note = ""
	r.degraded = false
}

// lastState is the state the supervisor most recently entered.
func (r *Run) lastState() State {
	if r.state == "" {
		return StateReceived
	}
	return r.state
}

func (r *Run) errorRecords() []ErrorRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ErrorRecord(nil), r.errors...)
}

// Plan is the retrieval plan for one attempt.
type Plan struct {
	Gateways []Gateway
	Workers  int
}

// Names returns the planned gateway names in order.
func (p Plan) Names() []string {
	names := make([]string, len(p.Gateways))
	for i, g := range p.Gateways {
		names[i] = g.Name()
	}
	return names
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}

// callWithTimeout runs fn under a deadline and returns as soon as the
// deadline passes, even if fn ignores its context.
func callWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		v   T
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		v, err := fn(ctx)
		ch <- outcome{v, err}
	}()

	select {
	case o := <-ch:
		return o.v, o.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
