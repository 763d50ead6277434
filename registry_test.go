package linkage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestNewRegistryOrdering(t *testing.T) {
	low := newFakeGateway("wikidata", 3)
	high := newFakeGateway("geonames", 1)
	mid := newFakeGateway("lamapi", 2)
	tie := newFakeGateway("dbpedia", 2)

	r, err := NewRegistry(nil, low, high, mid, tie)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"geonames", "lamapi", "dbpedia", "wikidata"}
	got := r.Gateways()
	for i, name := range want {
		if got[i].Name() != name {
			t.Errorf("position %d: expected %s, got %s", i, name, got[i].Name())
		}
	}

	if g, ok := r.Lookup("lamapi"); !ok || g != mid {
		t.Error("expected lookup by name")
	}
	if _, ok := r.Lookup("missing"); ok {
		t.Error("expected unknown name to miss")
	}
}

func TestNewRegistryRejectsDuplicates(t *testing.T) {
	if _, err := NewRegistry(nil, newFakeGateway("a", 1), newFakeGateway("a", 2)); err == nil {
		t.Error("expected duplicate names to fail")
	}
	if _, err := NewRegistry(nil, newFakeGateway("", 1)); err == nil {
		t.Error("expected unnamed gateway to fail")
	}
}

func TestRegistryResolve(t *testing.T) {
	geo := newFakeGateway("geonames", 1, ColumnLocation)
	lam := newFakeGateway("lamapi", 2)
	lit := newFakeGateway("literals", 3, ColumnLiteral)
	off := newFakeGateway("disabled", 0)
	off.cfg.Enabled = false

	r, err := NewRegistry(nil, geo, lam, lit, off)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	names := func(gs []Gateway) []string {
		out := make([]string, len(gs))
		for i, g := range gs {
			out[i] = g.Name()
		}
		return out
	}

	tests := []struct {
		name      string
		ct        ColumnType
		requested []string
		want      []string
	}{
		{"location", ColumnLocation, nil, []string{"geonames", "lamapi"}},
		{"person", ColumnPerson, nil, []string{"lamapi"}},
		{"literal needs explicit support", ColumnLiteral, nil, []string{"literals"}},
		{"unknown takes every enabled gateway", ColumnUnknown, nil, []string{"geonames", "lamapi", "literals"}},
		{"requested keeps priority order", ColumnLocation, []string{"lamapi", "geonames"}, []string{"geonames", "lamapi"}},
		{"requested unsupported", ColumnPerson, []string{"geonames"}, nil},
		{"disabled never resolves", ColumnUnknown, []string{"disabled"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := names(r.Resolve(tt.ct, tt.requested))
			if len(got) != len(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("expected %v, got %v", tt.want, got)
				}
			}
		})
	}
}

func TestRegistryQueryCache(t *testing.T) {
	cache := NewCache(time.Hour, 0)
	defer cache.Close()

	g := newFakeGateway("lamapi", 1).answer("Paris", cand("Q90", "Paris", 0.9))
	r, _ := NewRegistry(cache, g)
	q := Query{Mention: "Paris", ColumnType: ColumnLocation}
	ctx := context.Background()

	res, err := r.Query(ctx, g, q, QueryOptions{UseCache: true})
	if err != nil || res.Cached || len(res.Candidates) != 1 {
		t.Fatalf("unexpected first answer %+v, %v", res, err)
	}

	res, err = r.Query(ctx, g, q, QueryOptions{UseCache: true})
	if err != nil || !res.Cached {
		t.Fatalf("expected cached answer, got %+v, %v", res, err)
	}
	if g.queryCount() != 1 {
		t.Errorf("expected one gateway call, got %d", g.queryCount())
	}

	res, err = r.Query(ctx, g, q, QueryOptions{UseCache: true, Refresh: true})
	if err != nil || res.Cached {
		t.Fatalf("expected refreshed answer, got %+v, %v", res, err)
	}
	if g.queryCount() != 2 {
		t.Errorf("expected refresh to hit the gateway, got %d calls", g.queryCount())
	}

	if _, err := r.Query(ctx, g, q, QueryOptions{}); err != nil {
		t.Fatal(err)
	}
	if g.queryCount() != 3 {
		t.Errorf("expected uncached query to hit the gateway, got %d calls", g.queryCount())
	}
}

func TestRegistryQueryErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("unclassified errors become unavailable", func(t *testing.T) {
		g := newFakeGateway("g", 1)
		g.err = errors.New("connection reset")
		r, _ := NewRegistry(nil, g)
		_, err := r.Query(ctx, g, Query{Mention: "x"}, QueryOptions{})
		if !errors.Is(err, ErrGatewayUnavailable) {
			t.Errorf("expected ErrGatewayUnavailable, got %v", err)
		}
	})

	t.Run("rejections are kept", func(t *testing.T) {
		g := newFakeGateway("g", 1)
		g.err = ErrGatewayRejected
		r, _ := NewRegistry(nil, g)
		_, err := r.Query(ctx, g, Query{Mention: "x"}, QueryOptions{})
		if !errors.Is(err, ErrGatewayRejected) {
			t.Errorf("expected ErrGatewayRejected, got %v", err)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		g := newFakeGateway("slow", 1)
		g.delay = time.Second
		r, _ := NewRegistry(nil, g)
		start := time.Now()
		_, err := r.Query(ctx, g, Query{Mention: "x"}, QueryOptions{Timeout: 20 * time.Millisecond})
		if !errors.Is(err, ErrGatewayUnavailable) {
			t.Errorf("expected ErrGatewayUnavailable, got %v", err)
		}
		if time.Since(start) > 500*time.Millisecond {
			t.Error("timeout did not bound the call")
		}
	})

	t.Run("errors are not cached", func(t *testing.T) {
		cache := NewCache(time.Hour, 0)
		defer cache.Close()
		g := newFakeGateway("g", 1)
		g.err = ErrGatewayRejected
		r, _ := NewRegistry(cache, g)
		_, _ = r.Query(ctx, g, Query{Mention: "x"}, QueryOptions{UseCache: true})
		if cache.Len() != 0 {
			t.Error("expected failed lookups to stay out of the cache")
		}
	})
}

func TestRegistryQueryCollapsesDuplicates(t *testing.T) {
	g := newFakeGateway("g", 1).answer("Paris", cand("Q90", "Paris", 1))
	g.delay = 100 * time.Millisecond
	r, _ := NewRegistry(nil, g)

	var wg sync.WaitGroup
	results := make([][]Candidate, 5)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.Query(context.Background(), g, Query{Mention: "Paris"}, QueryOptions{})
			if err != nil {
				t.Errorf("query %d failed: %v", i, err)
				return
			}
			results[i] = res.Candidates
		}()
	}
	wg.Wait()

	if g.queryCount() != 1 {
		t.Errorf("expected identical lookups to share one call, got %d", g.queryCount())
	}
	results[0][0].Name = "mutated"
	for i := 1; i < len(results); i++ {
		if results[i][0].Name != "Paris" {
			t.Error("collapsed callers share candidate memory")
		}
	}
}

func TestRegistryProbeAll(t *testing.T) {
	up := newFakeGateway("up", 1)
	down := newFakeGateway("down", 2)
	down.healthy = false
	off := newFakeGateway("off", 3)
	off.cfg.Enabled = false

	r, _ := NewRegistry(nil, up, down, off)
	got := r.ProbeAll(context.Background(), time.Second)

	if len(got) != 2 {
		t.Fatalf("expected only enabled gateways probed, got %v", got)
	}
	if !got["up"] || got["down"] {
		t.Errorf("unexpected probe results %v", got)
	}
}
