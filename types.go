package linkage

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ColumnType is the semantic type inferred for a column.
type ColumnType string

// Column types.
const (
	ColumnPerson       ColumnType = "PERSON"
	ColumnLocation     ColumnType = "LOCATION"
	ColumnOrganization ColumnType = "ORGANIZATION"
	ColumnWork         ColumnType = "WORK"
	ColumnEvent        ColumnType = "EVENT"
	ColumnLiteral      ColumnType = "LITERAL"
	ColumnUnknown      ColumnType = "UNKNOWN"
)

// ColumnTypes returns every column type in declaration order.
func ColumnTypes() []ColumnType {
	return []ColumnType{
		ColumnPerson,
		ColumnLocation,
		ColumnOrganization,
		ColumnWork,
		ColumnEvent,
		ColumnLiteral,
		ColumnUnknown,
	}
}

// ParseColumnType converts a label into a ColumnType.
// Matching is case-insensitive. DATE and NUMERIC collapse to LITERAL and
// MIXED collapses to UNKNOWN.
func ParseColumnType(s string) (ColumnType, error) {
	label := strings.ToUpper(strings.TrimSpace(s))
	switch label {
	case "DATE", "NUMERIC", "NUMBER":
		return ColumnLiteral, nil
	case "MIXED":
		return ColumnUnknown, nil
	}
	for _, ct := range ColumnTypes() {
		if string(ct) == label {
			return ct, nil
		}
	}
	return ColumnUnknown, fmt.Errorf("unknown column type %q", s)
}

// Status is the lifecycle state of a linking request.
type Status string

// Request statuses.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// canTransition enforces pending -> processing -> {completed, failed}.
func (s Status) canTransition(to Status) bool {
	switch s {
	case StatusPending:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// RequestOptions carries per-request overrides. Zero values fall back to Config.
type RequestOptions struct {
	MaxCandidates int  `json:"max_candidates,omitempty"`
	SampleSize    int  `json:"sample_size,omitempty"`
	BypassCache   bool `json:"bypass_cache,omitempty"`
}

// LinkingRequest is a column submitted for entity linking.
type LinkingRequest struct {
	ID                     string            `json:"id"`
	ColumnName             string            `json:"column_name"`
	ColumnValues           []string          `json:"column_values"`
	TableContext           map[string]string `json:"table_context,omitempty"`
	SelectedKnowledgeBases []string          `json:"selected_knowledge_bases,omitempty"`
	Options                RequestOptions    `json:"options"`
}

// Candidate is a knowledge base entry proposed for a mention.
type Candidate struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	KBSource    string   `json:"kb_source"`
	RawScore    float64  `json:"raw_score"`
	Confidence  float64  `json:"confidence"`
	Types       []string `json:"types,omitempty"`
	Popularity  float64  `json:"popularity,omitempty"`
}

// Disambiguation strategies recorded on a MentionResult.
const (
	StrategyReasoned = "reasoned"
	StrategyLexical  = "lexical"
	StrategyFallback = "fallback"
	StrategyNone     = "none"
)

// MentionResult is the linking outcome for one distinct mention.
// Rows lists every row index of the column holding the mention.
type MentionResult struct {
	Mention    string      `json:"mention"`
	Candidates []Candidate `json:"candidates"`
	Selected   *Candidate  `json:"selected_candidate,omitempty"`
	Confidence float64     `json:"confidence"`
	SourceKB   string      `json:"source_kb,omitempty"`
	Rows       []int       `json:"rows"`
	Strategy   string      `json:"strategy"`
}

// ErrorRecord is a recorded failure or degradation.
type ErrorRecord struct {
	Kind    ErrorKind `json:"kind"`
	Stage   string    `json:"stage"`
	Message string    `json:"message"`
	Gateway string    `json:"gateway,omitempty"`
	Mention string    `json:"mention,omitempty"`
	At      time.Time `json:"at"`
}

// ProcessingMetrics summarizes a request.
type ProcessingMetrics struct {
	TotalMentions     int            `json:"total_mentions"`
	DistinctMentions  int            `json:"distinct_mentions"`
	SuccessfulLinks   int            `json:"successful_links"`
	LowConfidence     int            `json:"low_confidence"`
	AverageConfidence float64        `json:"average_confidence"`
	SuccessRate       float64        `json:"success_rate"`
	KBUsage           map[string]int `json:"kb_usage"`
	CacheHits         int            `json:"cache_hits"`
	Attempts          int            `json:"attempts"`
	Degradations      int            `json:"degradations"`
	Duration          time.Duration  `json:"duration"`
	QualityWarning    string         `json:"quality_warning,omitempty"`
}

// LinkingResult is the externally visible state of a request.
type LinkingResult struct {
	RequestID   string                   `json:"request_id"`
	Status      Status                   `json:"status"`
	ColumnType  ColumnType               `json:"column_type"`
	Rationale   string                   `json:"rationale,omitempty"`
	Mentions    map[string]MentionResult `json:"linking_results"`
	Metrics     ProcessingMetrics        `json:"processing_metrics"`
	Errors      []ErrorRecord            `json:"errors"`
	CreatedAt   time.Time                `json:"created_at"`
	CompletedAt *time.Time               `json:"completed_at,omitempty"`
}

// Clone returns a deep copy.
func (r LinkingResult) Clone() LinkingResult {
	out := r
	if r.Mentions != nil {
		out.Mentions = make(map[string]MentionResult, len(r.Mentions))
		for k, m := range r.Mentions {
			out.Mentions[k] = m.clone()
		}
	}
	if r.Metrics.KBUsage != nil {
		out.Metrics.KBUsage = make(map[string]int, len(r.Metrics.KBUsage))
		for k, v := range r.Metrics.KBUsage {
			out.Metrics.KBUsage[k] = v
		}
	}
	if r.Errors != nil {
		out.Errors = append(make([]ErrorRecord, 0, len(r.Errors)), r.Errors...)
	}
	if r.CompletedAt != nil {
		at := *r.CompletedAt
		out.CompletedAt = &at
	}
	return out
}

func (m MentionResult) clone() MentionResult {
	out := m
	out.Candidates = cloneCandidates(m.Candidates)
	out.Rows = append([]int(nil), m.Rows...)
	if m.Selected != nil {
		sel := m.Selected.clone()
		out.Selected = &sel
	}
	return out
}

func (c Candidate) clone() Candidate {
	out := c
	out.Types = append([]string(nil), c.Types...)
	return out
}

func cloneCandidates(in []Candidate) []Candidate {
	if in == nil {
		return nil
	}
	out := make([]Candidate, len(in))
	for i, c := range in {
		out[i] = c.clone()
	}
	return out
}

// KnowledgeBaseConfig describes one configured knowledge base.
// Lower Priority values are tried first. An empty SupportedColumnTypes set
// means the gateway accepts every entity type; LITERAL columns only go to
// gateways that list it explicitly.
type KnowledgeBaseConfig struct {
	Name                 string            `yaml:"name" json:"name"`
	URL                  string            `yaml:"url" json:"url"`
	Credentials          map[string]string `yaml:"credentials" json:"-"`
	Type                 string            `yaml:"type" json:"type"`
	SupportedColumnTypes []ColumnType      `yaml:"supported_column_types" json:"supported_column_types"`
	Enabled              bool              `yaml:"enabled" json:"enabled"`
	Priority             int               `yaml:"priority" json:"priority"`
	Parameters           map[string]string `yaml:"parameters" json:"parameters,omitempty"`
	Optional             bool              `yaml:"optional" json:"optional"`
}

// Supports reports whether the knowledge base handles the column type.
func (c KnowledgeBaseConfig) Supports(ct ColumnType) bool {
	if ct == ColumnUnknown {
		return true
	}
	if len(c.SupportedColumnTypes) == 0 {
		return ct != ColumnLiteral
	}
	for _, s := range c.SupportedColumnTypes {
		if s == ct {
			return true
		}
	}
	return false
}

// Outcome is the result of an agent activity.
type Outcome string

// Outcomes.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// AgentEvent is one append-only timeline entry.
type AgentEvent struct {
	ID        string    `json:"id"`
	RequestID string    `json:"request_id"`
	Seq       uint64    `json:"seq"`
	Agent     string    `json:"agent_name"`
	State     State     `json:"state,omitempty"`
	Attempt   int       `json:"attempt"`
	Gateway   string    `json:"gateway,omitempty"`
	Mention   string    `json:"mention,omitempty"`
	Cached    bool      `json:"cached,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Outcome   Outcome   `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
}

// Duration is the elapsed time of the event.
func (e AgentEvent) Duration() time.Duration {
	return e.EndedAt.Sub(e.StartedAt)
}

// sortEvents orders events by start time, then by sequence.
func sortEvents(events []AgentEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].StartedAt.Equal(events[j].StartedAt) {
			return events[i].StartedAt.Before(events[j].StartedAt)
		}
		return events[i].Seq < events[j].Seq
	})
}
