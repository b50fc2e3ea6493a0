package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxResponseSize = 5 * 1024 * 1024 // 5MB

// DefaultHTTPTimeout bounds one upstream round trip.
const DefaultHTTPTimeout = 30 * time.Second

var (
	// ErrUpstreamTimeout is returned when the upstream does not answer
	// within the forwarder's deadline.
	ErrUpstreamTimeout = errors.New("gateway: upstream timed out")

	// ErrUpstreamUnreachable is returned on dial or transport failures,
	// and when the listing's circuit breaker is open.
	ErrUpstreamUnreachable = errors.New("gateway: upstream unreachable")
)

// UpstreamError carries an upstream 5xx status through the error chain.
type UpstreamError struct {
	StatusCode int
	Body       []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("gateway: upstream returned HTTP %d", e.StatusCode)
}

// ForwardRequest is the input to the HTTP forwarder.
type ForwardRequest struct {
	BaseURL    string
	Method     string
	Path       string
	Body       []byte
	Credential string
}

// ForwardResponse is the HTTP forwarding result.
type ForwardResponse struct {
	StatusCode int
	Body       []byte
	LatencyMs  int64
}

// Forwarder sends brokered requests to upstream APIs with the listing's
// credential injected. It never retries: quota for the call is already
// spent, and blind replays against paid APIs double-charge the seller side.
type Forwarder struct {
	client *http.Client
}

// NewForwarder creates a new HTTP forwarder.
// Pass timeout=0 to use DefaultHTTPTimeout.
func NewForwarder(timeout time.Duration) *Forwarder {
	if timeout == 0 {
		timeout = DefaultHTTPTimeout
	}
	return &Forwarder{
		client: &http.Client{Timeout: timeout},
	}
}

// Forward sends one request upstream and normalizes the result.
// Upstream 4xx responses pass through as data; 5xx surfaces as
// *UpstreamError so callers can map it to a 502.
func (f *Forwarder) Forward(ctx context.Context, req ForwardRequest) (*ForwardResponse, error) {
	// Join only the path segment; JoinPath percent-encodes '?', which would
	// turn a query string into part of the path.
	pathPart, rawQuery, _ := strings.Cut(req.Path, "?")
	target, err := url.JoinPath(req.BaseURL, pathPart)
	if err != nil {
		return nil, fmt.Errorf("build upstream url: %w", err)
	}
	if rawQuery != "" {
		target += "?" + rawQuery
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.Credential)

	start := time.Now()
	resp, err := f.client.Do(httpReq)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, maxResponseSize)
	respBody, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUpstreamUnreachable, err)
	}

	fwdResp := &ForwardResponse{
		StatusCode: resp.StatusCode,
		Body:       respBody,
		LatencyMs:  latency,
	}

	if resp.StatusCode >= 500 {
		return fwdResp, &UpstreamError{StatusCode: resp.StatusCode, Body: respBody}
	}

	return fwdResp, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	// net/http wraps client timeouts in a plain *url.Error with this text.
	return strings.Contains(err.Error(), "Client.Timeout exceeded")
}
