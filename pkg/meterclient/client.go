package meterclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client talks to a chainmeter broker on behalf of one access key.
type Client struct {
	httpClient *http.Client
	baseURL    string
	accessKey  string
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom http.Client (timeouts, proxies, test transports).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates a broker client. baseURL is the broker origin, e.g.
// "https://broker.example.com"; accessKey is the raw ak_ key.
func NewClient(baseURL, accessKey string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		accessKey:  accessKey,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call proxies one request to the listing's upstream through the broker.
// body may be nil for body-less methods.
func (c *Client) Call(ctx context.Context, method, path string, body json.RawMessage) (*CallResult, error) {
	payload, err := json.Marshal(map[string]any{
		"method": method,
		"path":   path,
		"body":   body,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/call", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(AccessKeyHeader, c.accessKey)

	var envelope struct {
		Success bool       `json:"success"`
		Data    CallResult `json:"data"`
	}
	if err := c.do(req, &envelope); err != nil {
		return nil, err
	}
	return &envelope.Data, nil
}

// Grant fetches the grant behind the client's access key.
func (c *Client) Grant(ctx context.Context) (*Grant, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/grants/me", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(AccessKeyHeader, c.accessKey)

	var envelope struct {
		Grant Grant `json:"grant"`
	}
	if err := c.do(req, &envelope); err != nil {
		return nil, err
	}
	return &envelope.Grant, nil
}

// Calls fetches the key's call history, newest first. limit <= 0 uses the
// broker default.
func (c *Client) Calls(ctx context.Context, limit int) ([]CallRecord, error) {
	u := c.baseURL + "/v1/grants/me/calls"
	if limit > 0 {
		u += "?limit=" + url.QueryEscape(strconv.Itoa(limit))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(AccessKeyHeader, c.accessKey)

	var envelope struct {
		Calls []CallRecord `json:"calls"`
		Count int          `json:"count"`
	}
	if err := c.do(req, &envelope); err != nil {
		return nil, err
	}
	return envelope.Calls, nil
}

// do executes the request and decodes either the success payload or the
// broker error envelope.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Code == "" {
			apiErr.Code = "http_error"
			apiErr.Message = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
