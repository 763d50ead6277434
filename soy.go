package linkage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver for OpenSoyArchive
	"github.com/zoobzio/astql/postgres"
	"github.com/zoobzio/soy"
)

// resultRow is the stored form of a terminal LinkingResult. The full result
// is kept as JSON; the scalar columns exist for querying.
type resultRow struct {
	RequestID   string    `db:"request_id" type:"text" constraints:"primarykey"`
	Status      string    `db:"status" type:"text" constraints:"notnull"`
	ColumnType  string    `db:"column_type" type:"text" constraints:"notnull"`
	Payload     string    `db:"payload" type:"jsonb" constraints:"notnull"`
	CreatedAt   time.Time `db:"created_at" type:"timestamp" constraints:"notnull"`
	CompletedAt time.Time `db:"completed_at" type:"timestamp" constraints:"notnull"`
}

// eventRow is the stored form of an AgentEvent.
type eventRow struct {
	ID        string    `db:"id" type:"uuid" constraints:"primarykey" default:"gen_random_uuid()"`
	RequestID string    `db:"request_id" type:"text" constraints:"notnull"`
	Seq       int64     `db:"seq" type:"bigint" constraints:"notnull"`
	Agent     string    `db:"agent" type:"text" constraints:"notnull"`
	State     string    `db:"state" type:"text"`
	Attempt   int       `db:"attempt" type:"integer" constraints:"notnull"`
	Gateway   string    `db:"gateway" type:"text"`
	Mention   string    `db:"mention" type:"text"`
	Cached    bool      `db:"cached" type:"boolean" constraints:"notnull"`
	StartedAt time.Time `db:"started_at" type:"timestamp" constraints:"notnull"`
	EndedAt   time.Time `db:"ended_at" type:"timestamp" constraints:"notnull"`
	Outcome   string    `db:"outcome" type:"text" constraints:"notnull"`
	Detail    string    `db:"detail" type:"text"`
}

// SoyArchive implements Archive on postgres using soy.
type SoyArchive struct {
	results *soy.Soy[resultRow]
	events  *soy.Soy[eventRow]
	db      *sqlx.DB
}

// NewSoyArchive creates an archive over the linking_results and agent_events tables.
func NewSoyArchive(db *sqlx.DB) (*SoyArchive, error) {
	renderer := postgres.New()

	results, err := soy.New[resultRow](db, "linking_results", renderer)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize linking_results table: %w", err)
	}

	events, err := soy.New[eventRow](db, "agent_events", renderer)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize agent_events table: %w", err)
	}

	return &SoyArchive{results: results, events: events, db: db}, nil
}

// OpenSoyArchive connects to postgres and creates an archive.
func OpenSoyArchive(ctx context.Context, dsn string) (*SoyArchive, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to archive database: %w", err)
	}
	a, err := NewSoyArchive(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

// SaveResult stores a terminal result.
func (a *SoyArchive) SaveResult(ctx context.Context, result LinkingResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	row := &resultRow{
		RequestID:  result.RequestID,
		Status:     string(result.Status),
		ColumnType: string(result.ColumnType),
		Payload:    string(payload),
		CreatedAt:  result.CreatedAt,
	}
	if result.CompletedAt != nil {
		row.CompletedAt = *result.CompletedAt
	}
	if _, err := a.results.Insert().Exec(ctx, row); err != nil {
		return fmt.Errorf("failed to insert result: %w", err)
	}
	return nil
}

// LoadResult returns a stored result.
func (a *SoyArchive) LoadResult(ctx context.Context, requestID string) (LinkingResult, error) {
	rows, err := a.results.Query().
		Where("request_id", "=", "request_id").
		Exec(ctx, map[string]any{"request_id": requestID})
	if err != nil {
		return LinkingResult{}, fmt.Errorf("failed to get result: %w", err)
	}
	if len(rows) == 0 {
		return LinkingResult{}, fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}

	var result LinkingResult
	if err := json.Unmarshal([]byte(rows[0].Payload), &result); err != nil {
		return LinkingResult{}, fmt.Errorf("failed to decode result: %w", err)
	}
	return result, nil
}

// SaveEvent stores one agent event.
func (a *SoyArchive) SaveEvent(ctx context.Context, event AgentEvent) error {
	row := &eventRow{
		ID:        event.ID,
		RequestID: event.RequestID,
		Seq:       int64(event.Seq),
		Agent:     event.Agent,
		State:     string(event.State),
		Attempt:   event.Attempt,
		Gateway:   event.Gateway,
		Mention:   event.Mention,
		Cached:    event.Cached,
		StartedAt: event.StartedAt,
		EndedAt:   event.EndedAt,
		Outcome:   string(event.Outcome),
		Detail:    event.Detail,
	}
	if _, err := a.events.Insert().Exec(ctx, row); err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// LoadEvents returns the stored timeline of a request ordered by start.
func (a *SoyArchive) LoadEvents(ctx context.Context, requestID string) ([]AgentEvent, error) {
	rows, err := a.events.Query().
		Where("request_id", "=", "request_id").
		OrderBy("seq", "asc").
		Exec(ctx, map[string]any{"request_id": requestID})
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}

	events := make([]AgentEvent, len(rows))
	for i, r := range rows {
		events[i] = AgentEvent{
			ID:        r.ID,
			RequestID: r.RequestID,
			Seq:       uint64(r.Seq),
			Agent:     r.Agent,
			State:     State(r.State),
			Attempt:   r.Attempt,
			Gateway:   r.Gateway,
			Mention:   r.Mention,
			Cached:    r.Cached,
			StartedAt: r.StartedAt,
			EndedAt:   r.EndedAt,
			Outcome:   Outcome(r.Outcome),
			Detail:    r.Detail,
		}
	}
	sortEvents(events)
	return events, nil
}

// DeleteRequest removes a request's result and events.
func (a *SoyArchive) DeleteRequest(ctx context.Context, requestID string) error {
	params := map[string]any{"request_id": requestID}
	if _, err := a.events.Remove().Where("request_id", "=", "request_id").Exec(ctx, params); err != nil {
		return fmt.Errorf("failed to delete events: %w", err)
	}
	if _, err := a.results.Remove().Where("request_id", "=", "request_id").Exec(ctx, params); err != nil {
		return fmt.Errorf("failed to delete result: %w", err)
	}
	return nil
}

// DB returns the underlying connection.
func (a *SoyArchive) DB() *sqlx.DB {
	return a.db
}

// Close closes the underlying connection.
func (a *SoyArchive) Close() error {
	return a.db.Close()
}

var _ Archive = (*SoyArchive)(nil)
