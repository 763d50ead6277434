package linkage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// SPARQLGateway queries a SPARQL endpoint by label. Wikidata endpoints get a
// wikibase label-service query; anything else gets a DBpedia-style query.
type SPARQLGateway struct {
	httpGateway
}

// NewSPARQLGateway creates a SPARQL gateway.
func NewSPARQLGateway(cfg KnowledgeBaseConfig, opts ...GatewayOption) *SPARQLGateway {
	return &SPARQLGateway{httpGateway: newHTTPGateway(cfg, opts)}
}

const (
	sparqlResultsMIME    = "application/sparql-results+json"
	sparqlMaxTypes       = 5
	sparqlMaxDescription = 500
	sparqlPopularity     = 0.5
)

const wikidataQuery = `SELECT DISTINCT ?item ?itemLabel ?itemDescription ?instanceLabel WHERE {
  ?item rdfs:label ?label .
  FILTER(CONTAINS(LCASE(?label), LCASE("%s")))
  OPTIONAL { ?item wdt:P31 ?instance . }
  SERVICE wikibase:label { bd:serviceParam wikibase:language "[AUTO_LANGUAGE],en". }
  FILTER(LANG(?label) = "en")
}
ORDER BY ?itemLabel
LIMIT %d`

const dbpediaQuery = `SELECT DISTINCT ?entity ?label ?abstract ?type WHERE {
  ?entity rdfs:label ?label .
  FILTER(CONTAINS(LCASE(?label), LCASE("%s")))
  OPTIONAL { ?entity dbo:abstract ?abstract . }
  OPTIONAL { ?entity rdf:type ?type . }
  FILTER(LANG(?label) = "" || LANG(?label) = "en")
  FILTER(LANG(?abstract) = "" || LANG(?abstract) = "en")
}
ORDER BY ?label
LIMIT %d`

type sparqlValue struct {
	Value string `json:"value"`
}

type sparqlResponse struct {
	Results *struct {
		Bindings []map[string]sparqlValue `json:"bindings"`
	} `json:"results"`
	Boolean *bool `json:"boolean"`
}

func (g *SPARQLGateway) wikidata() bool {
	return strings.Contains(strings.ToLower(g.cfg.URL), "wikidata") ||
		strings.EqualFold(g.cfg.Type, "wikidata")
}

func (g *SPARQLGateway) buildQuery(mention string, limit int) string {
	escaped := strings.ReplaceAll(strings.ReplaceAll(mention, `\`, `\\`), `"`, `\"`)
	if g.wikidata() {
		return fmt.Sprintf(wikidataQuery, escaped, limit)
	}
	return fmt.Sprintf(dbpediaQuery, escaped, limit)
}

func (g *SPARQLGateway) request(query string) (url.Values, http.Header) {
	params := url.Values{}
	params.Set("query", query)
	params.Set("format", sparqlResultsMIME)
	header := http.Header{}
	header.Set("Accept", sparqlResultsMIME)
	header.Set("User-Agent", g.param("user_agent", "linkage/1.0"))
	return params, header
}

// Query returns entities whose label contains the mention.
func (g *SPARQLGateway) Query(ctx context.Context, q Query) ([]Candidate, error) {
	params, header := g.request(g.buildQuery(q.Mention, queryLimit(q)))
	body, err := g.get(ctx, params, header)
	if err != nil {
		return nil, err
	}

	var resp sparqlResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.Results == nil {
		return nil, fmt.Errorf("%s: %w: malformed sparql results", g.cfg.Name, ErrGatewayRejected)
	}
	return g.parse(resp.Results.Bindings, q.Mention), nil
}

type sparqlEntity struct {
	uri          string
	labels       []string
	descriptions []string
	types        []string
	seen         map[string]struct{}
}

func (e *sparqlEntity) add(kind, v string) {
	if v == "" {
		return
	}
	key := kind + "\x00" + v
	if _, ok := e.seen[key]; ok {
		return
	}
	e.seen[key] = struct{}{}
	switch kind {
	case "label":
		e.labels = append(e.labels, v)
	case "description":
		e.descriptions = append(e.descriptions, v)
	case "type":
		e.types = append(e.types, v)
	}
}

// parse groups bindings by entity URI and keeps the shortest label.
func (g *SPARQLGateway) parse(bindings []map[string]sparqlValue, mention string) []Candidate {
	var order []string
	entities := make(map[string]*sparqlEntity)
	for _, b := range bindings {
		uri := b["item"].Value
		if uri == "" {
			uri = b["entity"].Value
		}
		if uri == "" {
			continue
		}
		e, ok := entities[uri]
		if !ok {
			e = &sparqlEntity{uri: uri, seen: make(map[string]struct{})}
			entities[uri] = e
			order = append(order, uri)
		}
		e.add("label", first(b, "itemLabel", "label"))
		e.add("description", first(b, "itemDescription", "abstract"))
		e.add("type", first(b, "instanceLabel", "type"))
	}

	candidates := make([]Candidate, 0, len(order))
	for _, uri := range order {
		e := entities[uri]
		if len(e.labels) == 0 {
			continue
		}
		best := e.labels[0]
		for _, l := range e.labels[1:] {
			if len(l) < len(best) {
				best = l
			}
		}
		var description string
		if len(e.descriptions) > 0 {
			description = e.descriptions[0]
			if len(description) > sparqlMaxDescription {
				description = description[:sparqlMaxDescription]
			}
		}
		types := e.types
		if len(types) > sparqlMaxTypes {
			types = types[:sparqlMaxTypes]
		}
		names := make([]string, len(types))
		for i, t := range types {
			names[i] = typeName(t)
		}
		candidates = append(candidates, Candidate{
			ID:          uri,
			Name:        best,
			Description: description,
			KBSource:    g.cfg.Name,
			RawScore:    nameSimilarity(mention, best),
			Popularity:  sparqlPopularity,
			Types:       names,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].RawScore > candidates[j].RawScore
	})
	return candidates
}

func first(b map[string]sparqlValue, keys ...string) string {
	for _, k := range keys {
		if v, ok := b[k]; ok {
			return v.Value
		}
	}
	return ""
}

// typeName extracts the local name of a type URI.
func typeName(uri string) string {
	if i := strings.LastIndexAny(uri, "/#"); i >= 0 && i < len(uri)-1 {
		return uri[i+1:]
	}
	return uri
}

// Probe issues an ASK query.
func (g *SPARQLGateway) Probe(ctx context.Context) bool {
	params, header := g.request("ASK { ?s ?p ?o }")
	body, err := g.get(ctx, params, header)
	if err != nil {
		return false
	}
	var resp sparqlResponse
	return json.Unmarshal(body, &resp) == nil
}

var _ Gateway = (*SPARQLGateway)(nil)
