package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuemby/vim/pkg/api"
	"github.com/cuemby/vim/pkg/strategy"
)

// DefaultTimeout bounds a single request
const DefaultTimeout = 30 * time.Second

// APIError is a non-2xx response from the engine
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.StatusCode)
}

// IsNotFound reports whether err is a 404 from the engine
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client talks to the orchestration API over HTTP
type Client struct {
	base *url.URL
	http *http.Client
}

// NewClient creates a client for the engine at addr, either host:port or
// a full URL
func NewClient(addr string) (*Client, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	base, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid engine address %q: %w", addr, err)
	}
	return &Client{
		base: base,
		http: &http.Client{Timeout: DefaultTimeout},
	}, nil
}

func strategyPath(kind strategy.Kind) string {
	return "/api/orchestration/" + string(kind) + "/strategy"
}

// CreateStrategy creates a strategy of kind from intent
func (c *Client) CreateStrategy(ctx context.Context, kind strategy.Kind, intent strategy.Intent) (*strategy.Strategy, error) {
	var resp api.StrategyResponse
	if err := c.do(ctx, http.MethodPost, strategyPath(kind), nil, intent, &resp); err != nil {
		return nil, err
	}
	return resp.Strategy, nil
}

// GetStrategy returns the strategy of kind
func (c *Client) GetStrategy(ctx context.Context, kind strategy.Kind) (*strategy.Strategy, error) {
	var resp api.StrategyResponse
	if err := c.do(ctx, http.MethodGet, strategyPath(kind), nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Strategy, nil
}

// ApplyStrategy applies the strategy of kind, up to and including stage
// when stage is set
func (c *Client) ApplyStrategy(ctx context.Context, kind strategy.Kind, stage *int) (*strategy.Strategy, error) {
	return c.action(ctx, kind, api.ActionRequest{Action: api.ActionApply, StageID: stage})
}

// AbortStrategy aborts the strategy of kind
func (c *Client) AbortStrategy(ctx context.Context, kind strategy.Kind) (*strategy.Strategy, error) {
	return c.action(ctx, kind, api.ActionRequest{Action: api.ActionAbort})
}

func (c *Client) action(ctx context.Context, kind strategy.Kind, req api.ActionRequest) (*strategy.Strategy, error) {
	var resp api.StrategyResponse
	if err := c.do(ctx, http.MethodPost, strategyPath(kind)+"/actions", nil, req, &resp); err != nil {
		return nil, err
	}
	return resp.Strategy, nil
}

// DeleteStrategy deletes the strategy of kind
func (c *Client) DeleteStrategy(ctx context.Context, kind strategy.Kind, force bool) error {
	var query url.Values
	if force {
		query = url.Values{"force": {"true"}}
	}
	return c.do(ctx, http.MethodDelete, strategyPath(kind), query, nil, nil)
}

// History lists archived strategies, oldest first
func (c *Client) History(ctx context.Context) ([]strategy.Summary, error) {
	var resp api.HistoryResponse
	if err := c.do(ctx, http.MethodGet, "/api/orchestration/history", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Strategies, nil
}

// SwUpdate reports whether an update strategy is in progress
func (c *Client) SwUpdate(ctx context.Context) (*api.SwUpdateResponse, error) {
	var resp api.SwUpdateResponse
	if err := c.do(ctx, http.MethodGet, "/nfvi-plugins/v1/sw-update", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := c.base.JoinPath(path)
	u.RawQuery = query.Encode()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
