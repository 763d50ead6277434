package linkage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// GeoNamesGateway queries the GeoNames search API.
//
// Recognized parameters: maxRows (default 10), style (default FULL).
// The username credential defaults to "demo".
type GeoNamesGateway struct {
	httpGateway
}

// NewGeoNamesGateway creates a GeoNames gateway.
func NewGeoNamesGateway(cfg KnowledgeBaseConfig, opts ...GatewayOption) *GeoNamesGateway {
	return &GeoNamesGateway{httpGateway: newHTTPGateway(cfg, opts)}
}

type geonamesResponse struct {
	Geonames []struct {
		GeonameID   int64  `json:"geonameId"`
		Name        string `json:"name"`
		AdminName1  string `json:"adminName1"`
		CountryName string `json:"countryName"`
		FCode       string `json:"fcode"`
		FCodeName   string `json:"fcodeName"`
		Population  int64  `json:"population"`
	} `json:"geonames"`
	Status *struct {
		Message string `json:"message"`
		Value   int    `json:"value"`
	} `json:"status"`
}

func (g *GeoNamesGateway) params(mention string, limit int) url.Values {
	params := url.Values{}
	params.Set("q", mention)
	params.Set("maxRows", g.param("maxRows", strconv.Itoa(limit)))
	params.Set("username", g.credential("username", "demo"))
	params.Set("style", g.param("style", "FULL"))
	return params
}

// Query returns GeoNames places for the mention.
func (g *GeoNamesGateway) Query(ctx context.Context, q Query) ([]Candidate, error) {
	body, err := g.get(ctx, g.params(q.Mention, queryLimit(q)), nil)
	if err != nil {
		return nil, err
	}

	var resp geonamesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%s: %w: failed to unmarshal response: %v", g.cfg.Name, ErrGatewayRejected, err)
	}
	if resp.Status != nil {
		return nil, fmt.Errorf("%s: %w: %s", g.cfg.Name, ErrGatewayRejected, resp.Status.Message)
	}

	candidates := make([]Candidate, 0, len(resp.Geonames))
	for _, place := range resp.Geonames {
		var parts []string
		for _, p := range []string{place.AdminName1, place.CountryName, place.FCodeName} {
			if p != "" {
				parts = append(parts, p)
			}
		}
		popularity := 0.1
		if place.Population > 0 {
			popularity = float64(place.Population) / 1e6
		}
		cand := Candidate{
			ID:          "geoname:" + strconv.FormatInt(place.GeonameID, 10),
			Name:        place.Name,
			Description: strings.Join(parts, ", "),
			KBSource:    g.cfg.Name,
			RawScore:    nameSimilarity(q.Mention, place.Name),
			Popularity:  popularity,
			Types:       []string{string(ColumnLocation)},
		}
		if place.FCodeName != "" {
			cand.Types = append(cand.Types, place.FCodeName)
		}
		candidates = append(candidates, cand)
	}
	return candidates, nil
}

// Probe searches for "test" with a single row.
func (g *GeoNamesGateway) Probe(ctx context.Context) bool {
	return g.probe(ctx, g.params("test", 1), nil)
}

var _ Gateway = (*GeoNamesGateway)(nil)
