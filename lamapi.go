package linkage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// LamAPIGateway queries a LamAPI lookup endpoint (Wikidata-backed entity search).
//
// Recognized parameters: kind, kg, fuzzy. The token credential is sent as a
// query parameter.
type LamAPIGateway struct {
	httpGateway
}

// NewLamAPIGateway creates a LamAPI gateway.
func NewLamAPIGateway(cfg KnowledgeBaseConfig, opts ...GatewayOption) *LamAPIGateway {
	return &LamAPIGateway{httpGateway: newHTTPGateway(cfg, opts)}
}

type lamapiCandidate struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	EDScore     *float64 `json:"ed_score"`
	Popularity  *float64 `json:"popularity"`
	Types       []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"types"`
}

func (g *LamAPIGateway) params(mention string, limit int) url.Values {
	params := url.Values{}
	params.Set("name", mention)
	params.Set("limit", strconv.Itoa(limit))
	params.Set("token", g.credential("token", ""))
	for _, key := range []string{"kind", "kg"} {
		if v := g.param(key, ""); v != "" {
			params.Set(key, v)
		}
	}
	if v := g.param("fuzzy", ""); v != "" {
		params.Set("fuzzy", strings.ToLower(v))
	}
	return params
}

// Query returns LamAPI candidates for the mention.
func (g *LamAPIGateway) Query(ctx context.Context, q Query) ([]Candidate, error) {
	body, err := g.get(ctx, g.params(q.Mention, queryLimit(q)), nil)
	if err != nil {
		return nil, err
	}

	var raw []lamapiCandidate
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%s: %w: failed to unmarshal response: %v", g.cfg.Name, ErrGatewayRejected, err)
	}

	candidates := make([]Candidate, 0, len(raw))
	for _, c := range raw {
		if c.ID == "" {
			continue
		}
		cand := Candidate{
			ID:          c.ID,
			Name:        c.Name,
			Description: c.Description,
			KBSource:    g.cfg.Name,
			RawScore:    0.5,
			Popularity:  0.1,
		}
		if c.EDScore != nil {
			cand.RawScore = *c.EDScore
		}
		if c.Popularity != nil {
			cand.Popularity = *c.Popularity
		}
		for _, t := range c.Types {
			if t.Name != "" {
				cand.Types = append(cand.Types, t.Name)
			}
		}
		candidates = append(candidates, cand)
	}
	return candidates, nil
}

// Probe looks up "test" with a single result.
func (g *LamAPIGateway) Probe(ctx context.Context) bool {
	return g.probe(ctx, g.params("test", 1), nil)
}

var _ Gateway = (*LamAPIGateway)(nil)
