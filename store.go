package linkage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Archive persists finished results and agent events beyond process memory.
type Archive interface {
	EventSink

	// SaveResult stores a terminal result.
	SaveResult(ctx context.Context, result LinkingResult) error

	// LoadResult returns a stored result or an error wrapping ErrNotFound.
	LoadResult(ctx context.Context, requestID string) (LinkingResult, error)

	// LoadEvents returns the stored timeline of a request ordered by start.
	LoadEvents(ctx context.Context, requestID string) ([]AgentEvent, error)
}

type storeEntry struct {
	request   LinkingRequest
	result    LinkingResult
	cancelled bool
	done      chan struct{}
}

// Store holds per-request lifecycle state keyed by request id.
// It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*storeEntry
	archive Archive
	now     func() time.Time
}

// NewStore creates a store. archive may be nil.
func NewStore(archive Archive) *Store {
	return &Store{
		entries: make(map[string]*storeEntry),
		archive: archive,
		now:     time.Now,
	}
}

// Create registers a request together with its pending result.
func (s *Store) Create(req LinkingRequest) (LinkingResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[req.ID]; exists {
		return LinkingResult{}, fmt.Errorf("%w: duplicate request id %s", ErrValidation, req.ID)
	}
	result := LinkingResult{
		RequestID:  req.ID,
		Status:     StatusPending,
		ColumnType: ColumnUnknown,
		Mentions:   map[string]MentionResult{},
		Errors:     []ErrorRecord{},
		CreatedAt:  s.now(),
	}
	s.entries[req.ID] = &storeEntry{
		request: req,
		result:  result,
		done:    make(chan struct{}),
	}
	return result.Clone(), nil
}

// Request returns the submitted request.
func (s *Store) Request(id string) (LinkingRequest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return LinkingRequest{}, false
	}
	return e.request, true
}

// MarkProcessing moves a pending request to processing.
func (s *Store) MarkProcessing(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !e.result.Status.canTransition(StatusProcessing) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.result.Status, StatusProcessing)
	}
	e.result.Status = StatusProcessing
	return nil
}

// Finish stores the terminal result of a processing request, releases
// waiters and returns the frozen result. An archive failure still returns
// the frozen result alongside the error.
func (s *Store) Finish(ctx context.Context, result LinkingResult) (LinkingResult, error) {
	s.mu.Lock()
	e, ok := s.entries[result.RequestID]
	if !ok {
		s.mu.Unlock()
		return LinkingResult{}, fmt.Errorf("%w: %s", ErrNotFound, result.RequestID)
	}
	if !result.Status.Terminal() || !e.result.Status.canTransition(result.Status) {
		s.mu.Unlock()
		return LinkingResult{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.result.Status, result.Status)
	}
	result.CreatedAt = e.result.CreatedAt
	if result.CompletedAt == nil {
		at := s.now()
		result.CompletedAt = &at
	}
	if result.Errors == nil {
		result.Errors = []ErrorRecord{}
	}
	if result.Mentions == nil {
		result.Mentions = map[string]MentionResult{}
	}
	e.result = result.Clone()
	close(e.done)
	frozen := e.result.Clone()
	s.mu.Unlock()

	if s.archive != nil {
		if err := s.archive.SaveResult(ctx, frozen.Clone()); err != nil {
			return frozen, fmt.Errorf("store: failed to archive result: %w", err)
		}
	}
	return frozen, nil
}

// Get returns a copy of the current result. Requests no longer held in
// memory are loaded from the archive when one is configured.
func (s *Store) Get(ctx context.Context, id string) (LinkingResult, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	var out LinkingResult
	if ok {
		out = e.result.Clone()
	}
	s.mu.RUnlock()
	if ok {
		return out, nil
	}

	if s.archive != nil {
		res, err := s.archive.LoadResult(ctx, id)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return LinkingResult{}, fmt.Errorf("store: failed to load result: %w", err)
		}
	}
	return LinkingResult{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Cancel marks a request cancelled. Terminal requests cannot be cancelled.
func (s *Store) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e.result.Status.Terminal() {
		return fmt.Errorf("%w: request %s already %s", ErrInvalidTransition, id, e.result.Status)
	}
	e.cancelled = true
	return nil
}

// Cancelled reports whether the caller cancelled the request.
func (s *Store) Cancelled(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return ok && e.cancelled
}

// Wait blocks until the request is terminal or ctx is done.
func (s *Store) Wait(ctx context.Context, id string) (LinkingResult, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return s.Get(ctx, id)
	}
	select {
	case <-e.done:
		return s.Get(ctx, id)
	case <-ctx.Done():
		return LinkingResult{}, ctx.Err()
	}
}

// Counts returns the number of held requests and how many are terminal.
func (s *Store) Counts() (total, completed, failed int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		total++
		switch e.result.Status {
		case StatusCompleted:
			completed++
		case StatusFailed:
			failed++
		}
	}
	return total, completed, failed
}

// Prune drops terminal requests that finished before the cutoff and returns
// their ids.
func (s *Store) Prune(before time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, e := range s.entries {
		if e.result.CompletedAt != nil && e.result.CompletedAt.Before(before) {
			delete(s.entries, id)
			ids = append(ids, id)
		}
	}
	return ids
}
