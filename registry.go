package linkage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Registry holds the configured gateways ordered by priority. It is read-only
// after construction and safe for concurrent use.
type Registry struct {
	gateways []Gateway
	byName   map[string]Gateway
	cache    *Cache
	flight   singleflight.Group
}

// QueryOptions controls a single registry lookup.
type QueryOptions struct {
	// Timeout bounds the gateway call. Zero means no extra bound.
	Timeout time.Duration

	// UseCache reads and writes the result cache when one is configured.
	UseCache bool

	// Refresh skips the cache read but still stores the fresh answer.
	Refresh bool
}

// QueryResult is the answer to one lookup.
type QueryResult struct {
	Candidates []Candidate
	Cached     bool
}

// NewRegistry creates a registry over the given gateways. Names must be unique.
// Gateways are ordered by ascending priority, then by the order given.
// cache may be nil.
func NewRegistry(cache *Cache, gateways ...Gateway) (*Registry, error) {
	r := &Registry{
		byName: make(map[string]Gateway, len(gateways)),
		cache:  cache,
	}
	for _, g := range gateways {
		if g.Name() == "" {
			return nil, fmt.Errorf("registry: gateway without a name")
		}
		if _, dup := r.byName[g.Name()]; dup {
			return nil, fmt.Errorf("registry: duplicate gateway %q", g.Name())
		}
		r.byName[g.Name()] = g
		r.gateways = append(r.gateways, g)
	}
	sort.SliceStable(r.gateways, func(i, j int) bool {
		return r.gateways[i].Config().Priority < r.gateways[j].Config().Priority
	})
	return r, nil
}

// NewRegistryFromConfig builds HTTP gateways for every configured knowledge base.
func NewRegistryFromConfig(cfgs []KnowledgeBaseConfig, cache *Cache, opts ...GatewayOption) (*Registry, error) {
	gateways := make([]Gateway, 0, len(cfgs))
	for _, cfg := range cfgs {
		g, err := NewGateway(cfg, opts...)
		if err != nil {
			return nil, fmt.Errorf("registry: %w", err)
		}
		gateways = append(gateways, g)
	}
	return NewRegistry(cache, gateways...)
}

// Gateways returns every registered gateway in priority order, enabled or not.
func (r *Registry) Gateways() []Gateway {
	return append([]Gateway(nil), r.gateways...)
}

// Lookup returns the gateway with the given name.
func (r *Registry) Lookup(name string) (Gateway, bool) {
	g, ok := r.byName[name]
	return g, ok
}

// Cache returns the result cache, or nil.
func (r *Registry) Cache() *Cache {
	return r.cache
}

// Resolve returns the enabled gateways eligible for a column type, in priority
// order. For UNKNOWN every enabled gateway qualifies. A non-empty requested
// set restricts the result without changing its order. An empty result is
// not an error.
func (r *Registry) Resolve(ct ColumnType, requested []string) []Gateway {
	var allow map[string]struct{}
	if len(requested) > 0 {
		allow = make(map[string]struct{}, len(requested))
		for _, name := range requested {
			allow[name] = struct{}{}
		}
	}

	var out []Gateway
	for _, g := range r.gateways {
		if !g.Config().Enabled {
			continue
		}
		if ct != ColumnUnknown && !g.Supports(ct) {
			continue
		}
		if allow != nil {
			if _, ok := allow[g.Name()]; !ok {
				continue
			}
		}
		out = append(out, g)
	}
	return out
}

// Query looks a mention up on one gateway, going through the cache and
// collapsing identical in-flight lookups. Errors wrap ErrGatewayUnavailable
// or ErrGatewayRejected.
func (r *Registry) Query(ctx context.Context, g Gateway, q Query, opts QueryOptions) (QueryResult, error) {
	key := CacheKey{Gateway: g.Name(), Mention: q.Mention, ColumnType: q.ColumnType}
	useCache := opts.UseCache && r.cache != nil

	if useCache && !opts.Refresh {
		if cands, ok := r.cache.Get(key); ok {
			return QueryResult{Candidates: cands, Cached: true}, nil
		}
	}

	flightKey := fmt.Sprintf("%s\x00%s\x00%s\x00%d", key.Gateway, key.ColumnType, key.Mention, q.Limit)
	ch := r.flight.DoChan(flightKey, func() (any, error) {
		// Detached so one caller giving up does not fail the others.
		callCtx := context.WithoutCancel(ctx)
		if opts.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(callCtx, opts.Timeout)
			defer cancel()
		}
		cands, err := g.Query(callCtx, q)
		if err != nil {
			return nil, classifyGatewayError(g.Name(), err)
		}
		return cands, nil
	})

	var timeout <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case res := <-ch:
		if res.Err != nil {
			return QueryResult{}, res.Err
		}
		cands, _ := res.Val.([]Candidate)
		if useCache {
			r.cache.Set(key, cands)
		}
		return QueryResult{Candidates: cloneCandidates(cands)}, nil
	case <-timeout:
		return QueryResult{}, fmt.Errorf("%s: %w: %v", g.Name(), ErrGatewayUnavailable, context.DeadlineExceeded)
	case <-ctx.Done():
		return QueryResult{}, fmt.Errorf("%s: %w: %v", g.Name(), ErrGatewayUnavailable, ctx.Err())
	}
}

func classifyGatewayError(name string, err error) error {
	if errors.Is(err, ErrGatewayUnavailable) || errors.Is(err, ErrGatewayRejected) {
		return err
	}
	return fmt.Errorf("%s: %w: %v", name, ErrGatewayUnavailable, err)
}

// Probe checks one gateway under a timeout.
func (r *Registry) Probe(ctx context.Context, g Gateway, timeout time.Duration) bool {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return g.Probe(ctx)
}

// ProbeAll probes every enabled gateway concurrently.
func (r *Registry) ProbeAll(ctx context.Context, timeout time.Duration) map[string]bool {
	var mu sync.Mutex
	out := make(map[string]bool, len(r.gateways))

	var eg errgroup.Group
	for _, g := range r.gateways {
		if !g.Config().Enabled {
			continue
		}
		eg.Go(func() error {
			healthy := r.Probe(ctx, g, timeout)
			mu.Lock()
			out[g.Name()] = healthy
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()
	return out
}
