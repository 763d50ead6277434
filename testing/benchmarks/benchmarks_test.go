package benchmarks_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/zoobzio/linkage"
	linkagetest "github.com/zoobzio/linkage/testing"
)

func BenchmarkCacheSet(b *testing.B) {
	cache := linkage.NewCache(time.Hour, 1000)
	defer cache.Close()
	cands := []linkage.Candidate{linkagetest.Candidate("Q90", "Paris", 0.9)}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := linkage.CacheKey{Gateway: "wikidata", Mention: fmt.Sprintf("m_%d", i), ColumnType: linkage.ColumnLocation}
		cache.Set(key, cands)
	}
}

func BenchmarkCacheGet(b *testing.B) {
	cache := linkage.NewCache(time.Hour, 0)
	defer cache.Close()
	for i := 0; i < 100; i++ {
		key := linkage.CacheKey{Gateway: "wikidata", Mention: fmt.Sprintf("m_%d", i)}
		cache.Set(key, []linkage.Candidate{linkagetest.Candidate("Q90", "Paris", 0.9)})
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := linkage.CacheKey{Gateway: "wikidata", Mention: fmt.Sprintf("m_%d", i%100)}
		if _, ok := cache.Get(key); !ok {
			b.Fatal("expected cache hit")
		}
	}
}

func BenchmarkRegistryResolve(b *testing.B) {
	var gateways []linkage.Gateway
	for i := 0; i < 10; i++ {
		gateways = append(gateways, linkagetest.NewFakeGateway(fmt.Sprintf("kb_%d", i), i, linkage.ColumnLocation))
	}
	r, err := linkage.NewRegistry(nil, gateways...)
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if got := r.Resolve(linkage.ColumnLocation, nil); len(got) != 10 {
			b.Fatalf("expected 10 gateways, got %d", len(got))
		}
	}
}

func benchmarkColumn(b *testing.B, rows int) {
	cfg := linkage.DefaultConfig()
	cfg.CallTimeout = 5 * time.Second

	geo := linkagetest.NewFakeGateway("geonames", 1, linkage.ColumnLocation)
	values := make([]string, rows)
	for i := range values {
		mention := fmt.Sprintf("city_%d", i%50)
		values[i] = mention
		geo.Answer(mention, linkagetest.Candidate("geoname:"+mention, mention, 1))
	}
	reasoner := &linkagetest.FakeReasoner{ColumnType: linkage.ColumnLocation, Default: 0.9}
	l := linkagetest.NewTestLinker(b, cfg, reasoner, geo)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		id, err := l.Submit(ctx, linkage.LinkingRequest{ColumnValues: values})
		if err != nil {
			b.Fatal(err)
		}
		if _, err := l.Wait(ctx, id); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkLinkColumn10(b *testing.B)   { benchmarkColumn(b, 10) }
func BenchmarkLinkColumn100(b *testing.B)  { benchmarkColumn(b, 100) }
func BenchmarkLinkColumn1000(b *testing.B) { benchmarkColumn(b, 1000) }

func BenchmarkRecorderBegin(b *testing.B) {
	r := linkage.NewRecorder()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.Begin("bench", linkage.AgentRetrieval).End(linkage.OutcomeSuccess, "")
	}
}
