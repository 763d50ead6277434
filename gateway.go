package linkage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/time/rate"
)

// Query is one mention lookup against a knowledge base.
type Query struct {
	Mention    string
	ColumnType ColumnType
	Context    map[string]string
	Limit      int
}

// Gateway is uniform retrieval access to one knowledge base.
type Gateway interface {
	// Name returns the configured knowledge base name.
	Name() string

	// Config returns the knowledge base configuration.
	Config() KnowledgeBaseConfig

	// Supports reports whether the gateway is eligible for a column type.
	Supports(ct ColumnType) bool

	// Query returns candidates for a mention. Failures wrap
	// ErrGatewayUnavailable or ErrGatewayRejected.
	Query(ctx context.Context, q Query) ([]Candidate, error)

	// Probe reports whether the knowledge base is reachable.
	Probe(ctx context.Context) bool
}

// Knowledge base types understood by NewGateway.
const (
	TypeLamAPI    = "lamapi"
	TypeGeoNames  = "geonames"
	TypeSPARQL    = "sparql"
	TypeAlligator = "alligator"
)

// defaultQueryLimit matches the page size the public endpoints return.
const defaultQueryLimit = 10

// GatewayOption configures an HTTP-backed gateway.
type GatewayOption func(*httpGateway)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) GatewayOption {
	return func(g *httpGateway) {
		g.client = client
	}
}

// WithRateLimit caps outgoing requests per second. It overrides the
// rate_limit and burst parameters of the configuration.
func WithRateLimit(perSecond float64, burst int) GatewayOption {
	return func(g *httpGateway) {
		g.limiter = newLimiter(perSecond, burst)
	}
}

// NewGateway builds the gateway variant named by cfg.Type.
func NewGateway(cfg KnowledgeBaseConfig, opts ...GatewayOption) (Gateway, error) {
	switch strings.ToLower(cfg.Type) {
	case TypeLamAPI:
		return NewLamAPIGateway(cfg, opts...), nil
	case TypeGeoNames:
		return NewGeoNamesGateway(cfg, opts...), nil
	case TypeSPARQL, "wikidata", "dbpedia":
		return NewSPARQLGateway(cfg, opts...), nil
	case TypeAlligator:
		return NewAlligatorGateway(cfg, opts...), nil
	default:
		return nil, fmt.Errorf("knowledge base %s: unsupported type %q", cfg.Name, cfg.Type)
	}
}

// httpGateway holds what every HTTP variant shares.
type httpGateway struct {
	cfg     KnowledgeBaseConfig
	client  *http.Client
	limiter *rate.Limiter
}

func newHTTPGateway(cfg KnowledgeBaseConfig, opts []GatewayOption) httpGateway {
	g := httpGateway{
		cfg:    cfg,
		client: http.DefaultClient,
	}
	if rps, err := strconv.ParseFloat(cfg.Parameters["rate_limit"], 64); err == nil && rps > 0 {
		burst, _ := strconv.Atoi(cfg.Parameters["burst"])
		g.limiter = newLimiter(rps, burst)
	}
	for _, opt := range opts {
		opt(&g)
	}
	return g
}

func newLimiter(perSecond float64, burst int) *rate.Limiter {
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Name returns the knowledge base name.
func (g *httpGateway) Name() string {
	return g.cfg.Name
}

// Config returns the knowledge base configuration.
func (g *httpGateway) Config() KnowledgeBaseConfig {
	return g.cfg
}

// Supports reports whether the knowledge base handles the column type.
func (g *httpGateway) Supports(ct ColumnType) bool {
	return g.cfg.Supports(ct)
}

func (g *httpGateway) param(key, fallback string) string {
	if v, ok := g.cfg.Parameters[key]; ok && v != "" {
		return v
	}
	return fallback
}

func (g *httpGateway) credential(key, fallback string) string {
	if v, ok := g.cfg.Credentials[key]; ok && v != "" {
		return v
	}
	return fallback
}

// get issues a rate-limited GET against the configured URL and classifies
// failures.
func (g *httpGateway) get(ctx context.Context, params url.Values, header http.Header) ([]byte, error) {
	status, body, err := g.send(ctx, http.MethodGet, withParams(g.cfg.URL, params), nil, header)
	if err != nil {
		return nil, err
	}
	if err := g.checkStatus(status); err != nil {
		return nil, err
	}
	return body, nil
}

// send issues one rate-limited request and returns the status and body.
// Only transport failures are errors; status handling is up to the caller.
func (g *httpGateway) send(ctx context.Context, method, endpoint string, payload []byte, header http.Header) (int, []byte, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return 0, nil, fmt.Errorf("%s: %w: rate limit wait: %v", g.cfg.Name, ErrGatewayUnavailable, err)
		}
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("%s: %w: failed to create request: %v", g.cfg.Name, ErrGatewayRejected, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s: %w: %v", g.cfg.Name, ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("%s: %w: failed to read response: %v", g.cfg.Name, ErrGatewayUnavailable, err)
	}
	return resp.StatusCode, body, nil
}

// checkStatus maps server-side and throttling statuses to unavailable and
// the remaining 4xx statuses to rejected.
func (g *httpGateway) checkStatus(status int) error {
	switch {
	case status >= 500, status == http.StatusTooManyRequests:
		return fmt.Errorf("%s: %w: status %d", g.cfg.Name, ErrGatewayUnavailable, status)
	case status >= 400:
		return fmt.Errorf("%s: %w: status %d", g.cfg.Name, ErrGatewayRejected, status)
	}
	return nil
}

func withParams(endpoint string, params url.Values) string {
	if len(params) == 0 {
		return endpoint
	}
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	return endpoint + sep + params.Encode()
}

// probe returns true when a lookup succeeds with a 2xx status.
func (g *httpGateway) probe(ctx context.Context, params url.Values, header http.Header) bool {
	_, err := g.get(ctx, params, header)
	return err == nil
}

func queryLimit(q Query) int {
	if q.Limit > 0 {
		return q.Limit
	}
	return defaultQueryLimit
}
