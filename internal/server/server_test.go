package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/chainmeter/chainmeter/internal/chain"
	"github.com/chainmeter/chainmeter/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubSubmitter implements settlement.Submitter for testing
type stubSubmitter struct {
	nonce uint64
	count atomic.Uint64
}

func (m *stubSubmitter) PendingNonce(ctx context.Context) (uint64, error) {
	return m.nonce, nil
}

func (m *stubSubmitter) SubmitUsage(ctx context.Context, nonce uint64, record chain.UsageRecord) (string, error) {
	n := m.count.Add(1)
	return fmt.Sprintf("0xstub%04d", n), nil
}

func (m *stubSubmitter) Receipt(ctx context.Context, txHash string) (*chain.Receipt, error) {
	return &chain.Receipt{TxHash: txHash, BlockNumber: 1}, nil
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:            "0",
		Env:             "development",
		LogLevel:        "error",
		RPCURL:          "https://sepolia.base.org",
		ChainID:         84532,
		PrivateKey:      "0000000000000000000000000000000000000000000000000000000000000001",
		UsageContract:   "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		VaultMasterKey:  strings.Repeat("ab", 32),
		NonceTTL:        config.DefaultNonceTTL,
		SubmitDelay:     config.DefaultSubmitDelay,
		ConfirmInterval: config.DefaultConfirmInterval,
		QueueSize:       config.DefaultQueueSize,
		UpstreamTimeout: config.DefaultUpstreamTimeout,
	}
}

// newTestServer creates a server with a stub chain submitter
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(), WithSubmitter(&stubSubmitter{}))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/live", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/ready", nil)
	s.router.ServeHTTP(w, req)

	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"POST:/v1/call",
		"GET:/v1/grants/me",
		"GET:/v1/grants/me/calls",
	}

	routeSet := make(map[string]bool)
	for _, route := range routes {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Core route %s not registered", e)
		}
	}
}

// ---------------------------------------------------------------------------
// Gateway surface tests
// ---------------------------------------------------------------------------

func TestCallWithoutAccessKeyRejected(t *testing.T) {
	s := newTestServer(t)

	body := `{"method":"GET","path":"/data"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/call", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRequestIDHeaderSet(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	s.router.ServeHTTP(w, req)

	if w.Header().Get("X-Request-ID") == "" {
		t.Error("Expected X-Request-ID header")
	}
}

// ---------------------------------------------------------------------------
// 404 test
// ---------------------------------------------------------------------------

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/nonexistent", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
