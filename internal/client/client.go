// Package client is a typed HTTP client for the paper Q&A API.
package client

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/knoguchi/paperqa/internal/cache"
	"github.com/knoguchi/paperqa/internal/repository"
	"github.com/knoguchi/paperqa/internal/service"
)

const defaultTimeout = 2 * time.Minute

// APIError is a non-2xx response from the server
type APIError struct {
	StatusCode int
	Message    string `json:"error"`
	Field      string `json:"field,omitempty"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api error %d", e.StatusCode)
	}
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// CacheStatus is the cache stats response. Stats are zero when Enabled is false.
type CacheStatus struct {
	Enabled bool   `json:"enabled"`
	Message string `json:"message,omitempty"`
	cache.Stats
}

// QueryRequest is the body of POST /api/query
type QueryRequest struct {
	Question string  `json:"question"`
	TopK     int     `json:"top_k,omitempty"`
	PaperIDs []int64 `json:"paper_ids,omitempty"`
}

// Client talks to a paper Q&A server
type Client struct {
	http *resty.Client
}

// Option configures a Client
type Option func(*resty.Client)

// WithToken sends an admin bearer token with every request
func WithToken(token string) Option {
	return func(c *resty.Client) {
		if token != "" {
			c.SetAuthToken(token)
		}
	}
}

// WithTimeout sets the per-request timeout
func WithTimeout(d time.Duration) Option {
	return func(c *resty.Client) {
		c.SetTimeout(d)
	}
}

// WithRetries sets how many times safe requests are retried
func WithRetries(n int) Option {
	return func(c *resty.Client) {
		c.SetRetryCount(n)
	}
}

// New creates a client for the server at baseURL
func New(baseURL string, opts ...Option) *Client {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(defaultTimeout).
		SetHeader("Accept", "application/json").
		SetRetryCount(2).
		SetRetryWaitTime(100 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(retryCondition)

	for _, opt := range opts {
		opt(c)
	}
	return &Client{http: c}
}

// retryCondition retries GETs on network errors and transient server errors.
// Other methods are never retried since they are not idempotent.
func retryCondition(r *resty.Response, err error) bool {
	if r == nil || r.Request == nil || r.Request.Method != http.MethodGet {
		return false
	}
	if err != nil {
		return true
	}
	code := r.StatusCode()
	return code == http.StatusTooManyRequests || code >= 500
}

// Ask submits a question
func (c *Client) Ask(ctx context.Context, req QueryRequest) (*service.QueryResult, error) {
	var out service.QueryResult
	if err := c.do(ctx, http.MethodPost, "/api/query", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListPapers lists a page of papers
func (c *Client) ListPapers(ctx context.Context, limit, offset int) (*service.PaperPage, error) {
	var out service.PaperPage
	path := "/api/papers?limit=" + strconv.Itoa(limit) + "&offset=" + strconv.Itoa(offset)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPaper fetches one paper
func (c *Client) GetPaper(ctx context.Context, id int64) (*repository.Paper, error) {
	var out repository.Paper
	if err := c.do(ctx, http.MethodGet, paperPath(id, ""), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeletePaper deletes a paper and returns the server's confirmation message
func (c *Client) DeletePaper(ctx context.Context, id int64) (map[string]any, error) {
	out := map[string]any{}
	if err := c.do(ctx, http.MethodDelete, paperPath(id, ""), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkIngested tells the server new content for a paper has been indexed
func (c *Client) MarkIngested(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPost, paperPath(id, "/ingested"), nil, nil)
}

// PaperStats fetches query statistics for a paper
func (c *Client) PaperStats(ctx context.Context, id int64) (*service.PaperStats, error) {
	var out service.PaperStats
	if err := c.do(ctx, http.MethodGet, paperPath(id, "/stats"), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// History lists past queries, newest first
func (c *Client) History(ctx context.Context, skip, limit int) ([]*repository.QueryRecord, error) {
	var out []*repository.QueryRecord
	path := "/api/queries/history?skip=" + strconv.Itoa(skip) + "&limit=" + strconv.Itoa(limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Popular fetches the most common topic words
func (c *Client) Popular(ctx context.Context, limit int) (*service.PopularTopics, error) {
	var out service.PopularTopics
	if err := c.do(ctx, http.MethodGet, "/api/analytics/popular?limit="+strconv.Itoa(limit), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CacheStats fetches cache statistics
func (c *Client) CacheStats(ctx context.Context) (*CacheStatus, error) {
	var out CacheStatus
	if err := c.do(ctx, http.MethodGet, "/api/cache/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ClearCache drops every cached response. It reports false when caching is disabled.
func (c *Client) ClearCache(ctx context.Context) (bool, error) {
	var out struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/cache/clear", nil, &out); err != nil {
		return false, err
	}
	return out.Enabled, nil
}

// SweepCache removes expired cache entries and returns how many were removed
func (c *Client) SweepCache(ctx context.Context) (int, error) {
	var out struct {
		RemovedCount int `json:"removed_count"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/cache/cleanup", nil, &out); err != nil {
		return 0, err
	}
	return out.RemovedCount, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	apiErr := &APIError{}
	req := c.http.R().SetContext(ctx).SetError(apiErr)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	if result != nil {
		req.SetResult(result)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		apiErr.StatusCode = resp.StatusCode()
		return apiErr
	}
	return nil
}

func paperPath(id int64, suffix string) string {
	return "/api/papers/" + strconv.FormatInt(id, 10) + suffix
}
