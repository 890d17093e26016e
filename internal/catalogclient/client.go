package catalogclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/correlator-io/reconciler/internal/api"
	"github.com/correlator-io/reconciler/internal/api/middleware"
	"github.com/correlator-io/reconciler/internal/catalog"
	"github.com/correlator-io/reconciler/internal/telemetry"
)

const (
	apiKeyHeader    = "X-Api-Key"
	maxResponseSize = 32 << 20
)

var _ catalog.Catalog = (*Client)(nil)

type (
	// Client talks to a reconciler API server. Safe for concurrent use.
	Client struct {
		baseURL *url.URL
		apiKey  string
		http    *http.Client
		limiter *rate.Limiter
		logger  *slog.Logger
	}

	// Option configures a Client.
	Option func(*Client)

	// problem mirrors the fields of api.ProblemDetail the client reads.
	problem struct {
		Status int    `json:"status"`
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Code   string `json:"code"`
	}
)

// WithHTTPClient replaces the default http.Client. Its timeout is kept as given.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithLogger sets the logger used for request diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) {
		if l != nil {
			cl.logger = l
		}
	}
}

// New validates cfg and returns a client for its base URL.
func New(cfg *Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, ErrBaseURLEmpty
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBaseURL, err)
	}

	c := &Client{
		baseURL: base,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		logger:  slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Search implements catalog.Searcher.
func (c *Client) Search(ctx context.Context, q catalog.Query) (catalog.SearchResult, error) {
	var res catalog.SearchResult

	err := c.do(ctx, "catalog.search", http.MethodPost, "/api/v1/search", nil, q, &res)

	return res, err
}

// Save implements catalog.Saver. One HTTP request per call.
func (c *Client) Save(ctx context.Context, d catalog.Draft) (catalog.MutationResult, error) {
	var res catalog.MutationResult

	err := c.do(ctx, "catalog.save", http.MethodPost, "/api/v1/entities", nil, d, &res)

	return res, err
}

// Get implements catalog.Getter.
func (c *Client) Get(ctx context.Context, id string) (catalog.Entity, error) {
	var e catalog.Entity

	err := c.do(ctx, "catalog.get", http.MethodGet, "/api/v1/entities/"+url.PathEscape(id), nil, nil, &e)

	return e, err
}

// Delete implements catalog.Deleter.
func (c *Client) Delete(ctx context.Context, id string) (catalog.MutationResult, error) {
	var res catalog.MutationResult

	err := c.do(ctx, "catalog.delete", http.MethodDelete, "/api/v1/entities/"+url.PathEscape(id), nil, nil, &res)

	return res, err
}

// TraverseDownstream implements catalog.Traverser. The server walks the graph;
// the returned iterator holds one page of at most opts.Cap() entities.
func (c *Client) TraverseDownstream(
	ctx context.Context,
	startID string,
	opts catalog.TraverseOptions,
) (catalog.Iterator, error) {
	query := url.Values{}
	query.Set("limit", strconv.Itoa(opts.Cap()))
	query.Set("assetsOnly", strconv.FormatBool(opts.AssetsOnly))

	var res api.DownstreamResponse

	path := "/api/v1/entities/" + url.PathEscape(startID) + "/downstream"
	if err := c.do(ctx, "catalog.traverse", http.MethodGet, path, query, nil, &res); err != nil {
		return nil, err
	}

	return catalog.NewSliceIterator(res.Entities), nil
}

// HealthCheck calls GET /ready on the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.do(ctx, "catalog.ready", http.MethodGet, "/ready", nil, nil, nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any) (err error) {
	ctx, span := telemetry.StartSpan(ctx, op, "http.method", method, "http.path", path)
	defer func() { telemetry.EndSpan(span, err) }()

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: rate limiter: %w", op, err)
	}

	req, err := c.newRequest(ctx, method, path, query, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	start := time.Now()

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", op, err)
	}

	c.logger.Debug("catalog request completed",
		slog.String("operation", op),
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status_code", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%s: %w", op, decodeProblem(resp.StatusCode, data))
	}

	if out == nil || len(data) == 0 {
		return nil
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}

	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Request, error) {
	u := c.baseURL.JoinPath(path)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}

		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	if id := middleware.GetCorrelationID(ctx); id != "unknown" {
		req.Header.Set(middleware.CorrelationHeader, id)
	}

	return req, nil
}

// decodeProblem turns an error response into a domain error. Codes the server
// assigns to domain errors map back onto the catalog sentinels; anything else
// becomes a *catalog.RemoteError carrying the server's code.
func decodeProblem(status int, data []byte) error {
	var p problem
	if err := json.Unmarshal(data, &p); err != nil || p.Detail == "" {
		p.Detail = strings.TrimSpace(string(data))
		if p.Detail == "" {
			p.Detail = http.StatusText(status)
		}
	}

	switch {
	case p.Code == api.CodeNotFound:
		return fmt.Errorf("%w: %s", catalog.ErrNotFound, p.Detail)
	case p.Code == api.CodeInvalidInput:
		return fmt.Errorf("%w: %s", catalog.ErrInvalidInput, p.Detail)
	case p.Code == api.CodeConflict:
		return fmt.Errorf("%w: %s", catalog.ErrConflict, p.Detail)
	case p.Code == api.CodeCreationFailed:
		return fmt.Errorf("%w: %s", catalog.ErrCreationFailed, p.Detail)
	case p.Code == api.CodeNotConverged:
		return fmt.Errorf("%w: %s", catalog.ErrNotConverged, p.Detail)
	case p.Code == "" && status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", catalog.ErrNotFound, p.Detail)
	}

	return &catalog.RemoteError{Status: status, Code: p.Code, Message: p.Detail}
}
