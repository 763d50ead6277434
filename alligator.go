package linkage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AlligatorGateway links through an Alligator annotation service. Alligator
// is asynchronous: each lookup uploads a one-row dataset and then polls the
// annotated table until candidates appear.
//
// Recognized parameters: kg (default wikidata), poll_attempts (default 8),
// poll_interval (default 3s, growing by 2s per attempt). The token
// credential is sent as a query parameter.
type AlligatorGateway struct {
	httpGateway
}

// NewAlligatorGateway creates an Alligator gateway.
func NewAlligatorGateway(cfg KnowledgeBaseConfig, opts ...GatewayOption) *AlligatorGateway {
	return &AlligatorGateway{httpGateway: newHTTPGateway(cfg, opts)}
}

type alligatorRow struct {
	IDRow int      `json:"idRow"`
	Data  []string `json:"data"`
}

type alligatorColumn struct {
	IDColumn int    `json:"idColumn"`
	Tag      string `json:"tag"`
}

type alligatorTable struct {
	DatasetName         string           `json:"datasetName"`
	TableName           string           `json:"tableName"`
	Header              []string         `json:"header"`
	Rows                []alligatorRow   `json:"rows"`
	SemanticAnnotations map[string][]any `json:"semanticAnnotations"`
	Metadata            map[string]any   `json:"metadata"`
	KGReference         string           `json:"kgReference"`
}

type alligatorEntity struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Score       *float64 `json:"score"`
}

func (g *AlligatorGateway) endpoint(path string, params url.Values) string {
	return withParams(strings.TrimRight(g.cfg.URL, "/")+path, params)
}

func (g *AlligatorGateway) token() url.Values {
	params := url.Values{}
	params.Set("token", g.credential("token", ""))
	return params
}

// Query uploads the mention and polls for its annotation.
func (g *AlligatorGateway) Query(ctx context.Context, q Query) ([]Candidate, error) {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	dataset, table := "EL-"+id, "T-"+id

	if err := g.create(ctx, dataset, table, q); err != nil {
		return nil, err
	}

	attempts, _ := strconv.Atoi(g.param("poll_attempts", "8"))
	if attempts <= 0 {
		attempts = 1
	}
	interval, err := time.ParseDuration(g.param("poll_interval", "3s"))
	if err != nil || interval <= 0 {
		interval = 3 * time.Second
	}
	step := 2 * interval / 3

	params := g.token()
	params.Set("page", "1")
	params.Set("per_page", strconv.Itoa(max(queryLimit(q), 20)))
	results := g.endpoint("/dataset/"+url.PathEscape(dataset)+"/table/"+url.PathEscape(table), params)

	for attempt := 0; attempt < attempts; attempt++ {
		status, body, err := g.send(ctx, http.MethodGet, results, nil, nil)
		if err != nil {
			return nil, err
		}
		switch {
		case status == http.StatusNotFound:
			// Still annotating.
		case status >= 400:
			return nil, g.checkStatus(status)
		default:
			cands, err := g.parse(body)
			if err != nil {
				return nil, err
			}
			if len(cands) > 0 {
				if limit := queryLimit(q); len(cands) > limit {
					cands = cands[:limit]
				}
				return cands, nil
			}
		}

		if attempt == attempts-1 {
			break
		}
		timer := time.NewTimer(interval + time.Duration(attempt)*step)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%s: %w: %v", g.cfg.Name, ErrGatewayUnavailable, ctx.Err())
		}
	}
	return nil, fmt.Errorf("%s: %w: no annotation after %d polls", g.cfg.Name, ErrGatewayUnavailable, attempts)
}

func (g *AlligatorGateway) create(ctx context.Context, dataset, table string, q Query) error {
	domain := q.Context["domain"]
	if domain == "" {
		domain = "general"
	}
	hint := string(q.ColumnType)
	if hint == "" {
		hint = string(ColumnUnknown)
	}

	payload, err := json.Marshal([]alligatorTable{{
		DatasetName: dataset,
		TableName:   table,
		Header:      []string{"Entity", "Type", "Context"},
		Rows:        []alligatorRow{{IDRow: 1, Data: []string{q.Mention, hint, domain}}},
		SemanticAnnotations: map[string][]any{
			"cea": {}, "cta": {}, "cpa": {},
		},
		Metadata: map[string]any{
			"column": []alligatorColumn{
				{IDColumn: 0, Tag: "NE"},
				{IDColumn: 1, Tag: "LIT"},
				{IDColumn: 2, Tag: "LIT"},
			},
		},
		KGReference: g.param("kg", "wikidata"),
	}})
	if err != nil {
		return fmt.Errorf("%s: %w: failed to marshal dataset: %v", g.cfg.Name, ErrGatewayRejected, err)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Accept", "application/json")
	status, _, err := g.send(ctx, http.MethodPost, g.endpoint("/dataset/createWithArray", g.token()), payload, header)
	if err != nil {
		return err
	}
	if err := g.checkStatus(status); err != nil {
		return err
	}
	return nil
}

// parse accepts a bare entity list or an object wrapping one under a
// results, entities, data, predictions or annotations key.
func (g *AlligatorGateway) parse(body []byte) ([]Candidate, error) {
	var entities []alligatorEntity
	if err := json.Unmarshal(body, &entities); err != nil {
		var wrapped map[string]json.RawMessage
		if err := json.Unmarshal(body, &wrapped); err != nil {
			return nil, fmt.Errorf("%s: %w: failed to unmarshal response: %v", g.cfg.Name, ErrGatewayRejected, err)
		}
		for _, key := range []string{"results", "entities", "data", "predictions", "annotations"} {
			raw, ok := wrapped[key]
			if !ok {
				continue
			}
			if json.Unmarshal(raw, &entities) == nil && len(entities) > 0 {
				break
			}
		}
	}

	candidates := make([]Candidate, 0, len(entities))
	for _, e := range entities {
		if e.ID == "" || e.Name == "" {
			continue
		}
		score := 0.5
		if e.Score != nil {
			score = *e.Score
		}
		desc := e.Description
		if desc == "" {
			desc = "Wikidata entity: " + e.Name
		}
		candidates = append(candidates, Candidate{
			ID:          e.ID,
			Name:        e.Name,
			Description: desc,
			KBSource:    g.cfg.Name,
			RawScore:    score,
			Popularity:  score,
		})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].RawScore > candidates[j].RawScore
	})
	return candidates, nil
}

// Probe treats a 200, 403, 404 or 405 from the service root as reachable.
func (g *AlligatorGateway) Probe(ctx context.Context) bool {
	status, _, err := g.send(ctx, http.MethodGet, g.cfg.URL, nil, nil)
	if err != nil {
		return false
	}
	switch status {
	case http.StatusOK, http.StatusForbidden, http.StatusNotFound, http.StatusMethodNotAllowed:
		return true
	}
	return false
}

var _ Gateway = (*AlligatorGateway)(nil)
