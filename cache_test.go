package linkage

import (
	"testing"
	"time"
)

func newTestCache(t *testing.T, ttl time.Duration, maxEntries int) *Cache {
	t.Helper()
	c := NewCache(ttl, maxEntries)
	t.Cleanup(c.Close)
	return c
}

func TestCacheGetSet(t *testing.T) {
	c := newTestCache(t, time.Hour, 0)
	key := CacheKey{Gateway: "wikidata", Mention: "Paris", ColumnType: ColumnLocation}

	if _, ok := c.Get(key); ok {
		t.Fatal("expected miss on empty cache")
	}

	c.Set(key, []Candidate{cand("Q90", "Paris", 0.9)})
	got, ok := c.Get(key)
	if !ok {
		t.Fatal("expected hit")
	}
	if len(got) != 1 || got[0].ID != "Q90" {
		t.Errorf("unexpected candidates %+v", got)
	}

	other := key
	other.ColumnType = ColumnPerson
	if _, ok := c.Get(other); ok {
		t.Error("expected column type to be part of the key")
	}
}

func TestCacheExpiry(t *testing.T) {
	c := newTestCache(t, 50*time.Millisecond, 0)
	key := CacheKey{Gateway: "geonames", Mention: "Berlin"}
	c.Set(key, []Candidate{cand("geoname:2950159", "Berlin", 1)})

	if _, ok := c.Get(key); !ok {
		t.Fatal("expected entry to be fresh before ttl")
	}

	time.Sleep(80 * time.Millisecond)
	if _, ok := c.Get(key); ok {
		t.Error("expected entry to expire after ttl")
	}
}

func TestCacheJanitorRemovesExpired(t *testing.T) {
	c := newTestCache(t, 20*time.Millisecond, 0)
	c.Set(CacheKey{Gateway: "a", Mention: "x"}, nil)
	c.Set(CacheKey{Gateway: "a", Mention: "y"}, nil)

	deadline := time.Now().Add(time.Second)
	for c.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected janitor to remove expired entries, len %d", c.Len())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCacheKeyString(t *testing.T) {
	a := CacheKey{Gateway: "g", Mention: "a b", ColumnType: ColumnPerson}
	b := CacheKey{Gateway: "g a", Mention: "b", ColumnType: ColumnPerson}
	if a.String() == b.String() {
		t.Errorf("distinct keys collide: %q", a.String())
	}
}

func TestCacheEvictsOldest(t *testing.T) {
	c := newTestCache(t, time.Hour, 2)
	a := CacheKey{Gateway: "g", Mention: "a"}
	b := CacheKey{Gateway: "g", Mention: "b"}
	d := CacheKey{Gateway: "g", Mention: "d"}

	c.Set(a, nil)
	time.Sleep(time.Millisecond)
	c.Set(b, nil)
	time.Sleep(time.Millisecond)
	c.Set(a, []Candidate{cand("1", "a", 1)}) // refresh pushes a's expiry past b's
	time.Sleep(time.Millisecond)
	c.Set(d, nil)

	if c.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", c.Len())
	}
	if _, ok := c.Get(b); ok {
		t.Error("expected b to be evicted")
	}
	if _, ok := c.Get(a); !ok {
		t.Error("expected refreshed a to survive")
	}
}

func TestCacheCopies(t *testing.T) {
	c := newTestCache(t, time.Hour, 0)
	key := CacheKey{Gateway: "g", Mention: "m"}
	in := []Candidate{{ID: "1", Name: "one", Types: []string{"city"}}}
	c.Set(key, in)

	in[0].Name = "changed"
	in[0].Types[0] = "changed"

	out, _ := c.Get(key)
	if out[0].Name != "one" || out[0].Types[0] != "city" {
		t.Errorf("cache shares memory with caller input: %+v", out[0])
	}

	out[0].Types[0] = "mutated"
	again, _ := c.Get(key)
	if again[0].Types[0] != "city" {
		t.Error("cache shares memory with returned slices")
	}
}

func TestCacheCloseTwice(t *testing.T) {
	c := NewCache(time.Minute, 0)
	c.Close()
	c.Close()
}
