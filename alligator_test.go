package linkage

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
)

// alligatorServer answers table polls with 404 until ready polls have passed.
type alligatorServer struct {
	mu      sync.Mutex
	ready   int
	polls   int
	created []alligatorTable
	token   string
	answer  string
}

func (s *alligatorServer) handle(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.token = r.URL.Query().Get("token")

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/dataset/createWithArray":
			var tables []alligatorTable
			if err := json.NewDecoder(r.Body).Decode(&tables); err != nil {
				t.Errorf("bad dataset payload: %v", err)
			}
			s.created = append(s.created, tables...)
			w.WriteHeader(http.StatusAccepted)
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/dataset/"):
			s.polls++
			if s.polls <= s.ready {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_, _ = w.Write([]byte(s.answer))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func newAlligator(url string, attempts string) *AlligatorGateway {
	return NewAlligatorGateway(KnowledgeBaseConfig{
		Name:        "alligator",
		Type:        TypeAlligator,
		URL:         url + "/api/",
		Credentials: map[string]string{"token": "secret"},
		Parameters:  map[string]string{"poll_attempts": attempts, "poll_interval": "5ms"},
	})
}

func TestAlligatorQuery(t *testing.T) {
	s := &alligatorServer{
		ready: 2,
		answer: `{"results": [
			{"id": "Q7259", "name": "Ada Lovelace", "score": 0.6},
			{"id": "Q1", "name": "Ada", "description": "programming language", "score": 0.9},
			{"name": "no id"}
		]}`,
	}
	srv := newTestServer(t, s.handle(t))

	cands, err := newAlligator(srv.URL, "5").Query(context.Background(), Query{
		Mention:    "Ada Lovelace",
		ColumnType: ColumnPerson,
		Context:    map[string]string{"domain": "computing"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cands) != 2 {
		t.Fatalf("expected 2 candidates, got %+v", cands)
	}
	if cands[0].ID != "Q1" || cands[0].Description != "programming language" {
		t.Errorf("expected candidates ordered by score, got %+v", cands)
	}
	if cands[1].Description != "Wikidata entity: Ada Lovelace" || cands[1].Popularity != 0.6 || cands[1].KBSource != "alligator" {
		t.Errorf("unexpected defaults %+v", cands[1])
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.polls != 3 {
		t.Errorf("expected 3 polls, got %d", s.polls)
	}
	if s.token != "secret" {
		t.Errorf("expected token to be sent, got %q", s.token)
	}
	if len(s.created) != 1 {
		t.Fatalf("expected one dataset, got %d", len(s.created))
	}
	table := s.created[0]
	if got := table.Rows[0].Data; got[0] != "Ada Lovelace" || got[1] != "PERSON" || got[2] != "computing" {
		t.Errorf("unexpected row %v", got)
	}
	if table.KGReference != "wikidata" || !strings.HasPrefix(table.DatasetName, "EL-") {
		t.Errorf("unexpected dataset %+v", table)
	}
}

func TestAlligatorQueryBareList(t *testing.T) {
	s := &alligatorServer{answer: `[{"id": "Q90", "name": "Paris"}]`}
	srv := newTestServer(t, s.handle(t))

	cands, err := newAlligator(srv.URL, "1").Query(context.Background(), Query{Mention: "Paris"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cands) != 1 || cands[0].RawScore != 0.5 {
		t.Errorf("expected default score 0.5, got %+v", cands)
	}
}

func TestAlligatorPollingExhausted(t *testing.T) {
	s := &alligatorServer{ready: 100}
	srv := newTestServer(t, s.handle(t))

	_, err := newAlligator(srv.URL, "3").Query(context.Background(), Query{Mention: "Paris"})
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Errorf("expected ErrGatewayUnavailable, got %v", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.polls != 3 {
		t.Errorf("expected polling bounded at 3, got %d", s.polls)
	}
}

func TestAlligatorPollingHonorsContext(t *testing.T) {
	s := &alligatorServer{ready: 100}
	srv := newTestServer(t, s.handle(t))
	g := NewAlligatorGateway(KnowledgeBaseConfig{
		Name:       "alligator",
		URL:        srv.URL + "/api",
		Parameters: map[string]string{"poll_attempts": "50", "poll_interval": "1s"},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := g.Query(ctx, Query{Mention: "Paris"})
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Errorf("expected ErrGatewayUnavailable, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("expected polling to stop with the context")
	}
}

func TestAlligatorCreateRejected(t *testing.T) {
	srv := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := newAlligator(srv.URL, "1").Query(context.Background(), Query{Mention: "Paris"})
	if !errors.Is(err, ErrGatewayRejected) {
		t.Errorf("expected ErrGatewayRejected, got %v", err)
	}
}

func TestAlligatorProbe(t *testing.T) {
	for _, tt := range []struct {
		status int
		want   bool
	}{
		{http.StatusOK, true},
		{http.StatusForbidden, true},
		{http.StatusMethodNotAllowed, true},
		{http.StatusBadGateway, false},
	} {
		srv := newTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tt.status)
		})
		g := NewAlligatorGateway(KnowledgeBaseConfig{Name: "alligator", URL: srv.URL})
		if got := g.Probe(context.Background()); got != tt.want {
			t.Errorf("status %d: expected probe %v, got %v", tt.status, tt.want, got)
		}
	}
}
