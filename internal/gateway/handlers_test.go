package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(service *Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(service).RegisterRoutes(r.Group("/v1"))
	return r
}

func doCall(t *testing.T, router *gin.Engine, accessKey string, body map[string]interface{}) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/call", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if accessKey != "" {
		req.Header.Set("X-Access-Key", accessKey)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandler_CallSuccess(t *testing.T) {
	upstream := fakeUpstream(http.StatusOK, map[string]interface{}{"answer": 42})
	defer upstream.Close()
	f := newFixture(t, upstream.URL, 10)
	router := newTestRouter(f.service)

	w := doCall(t, router, f.rawKey, map[string]interface{}{
		"method": "GET",
		"path":   "/v1/answer",
	})

	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			StatusCode     int             `json:"statusCode"`
			Body           json.RawMessage `json:"body"`
			Cost           string          `json:"cost"`
			RemainingQuota int64           `json:"remainingQuota"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, http.StatusOK, resp.Data.StatusCode)
	assert.Contains(t, string(resp.Data.Body), "42")
	assert.Equal(t, "0.010000", resp.Data.Cost)
	assert.Equal(t, int64(9), resp.Data.RemainingQuota)
}

func TestHandler_CallMissingKey(t *testing.T) {
	upstream := fakeUpstream(http.StatusOK, nil)
	defer upstream.Close()
	f := newFixture(t, upstream.URL, 10)
	router := newTestRouter(f.service)

	w := doCall(t, router, "", map[string]interface{}{"method": "GET", "path": "/x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "missing_access_key")
}

func TestHandler_CallUnknownKey(t *testing.T) {
	upstream := fakeUpstream(http.StatusOK, nil)
	defer upstream.Close()
	f := newFixture(t, upstream.URL, 10)
	router := newTestRouter(f.service)

	w := doCall(t, router, "ak_nope", map[string]interface{}{"method": "GET", "path": "/x"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "unknown_access_key")
}

func TestHandler_CallInvalidMethod(t *testing.T) {
	upstream := fakeUpstream(http.StatusOK, nil)
	defer upstream.Close()
	f := newFixture(t, upstream.URL, 10)
	router := newTestRouter(f.service)

	w := doCall(t, router, f.rawKey, map[string]interface{}{"method": "TRACE", "path": "/x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_method")
}

func TestHandler_CallQuotaExhausted(t *testing.T) {
	upstream := fakeUpstream(http.StatusOK, nil)
	defer upstream.Close()
	f := newFixture(t, upstream.URL, 1)
	router := newTestRouter(f.service)

	w := doCall(t, router, f.rawKey, map[string]interface{}{"method": "GET", "path": "/x"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doCall(t, router, f.rawKey, map[string]interface{}{"method": "GET", "path": "/x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "quota_exhausted")
}

func TestHandler_CallUpstreamError(t *testing.T) {
	upstream := fakeUpstream(http.StatusInternalServerError, map[string]interface{}{"error": "down"})
	defer upstream.Close()
	f := newFixture(t, upstream.URL, 10)
	router := newTestRouter(f.service)

	w := doCall(t, router, f.rawKey, map[string]interface{}{"method": "GET", "path": "/x"})
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "upstream_error")
}

func TestHandler_CallUpstreamTimeout(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer upstream.Close()

	f := newFixture(t, upstream.URL, 10)
	f.service.forwarder = NewForwarder(50 * time.Millisecond)
	router := newTestRouter(f.service)

	w := doCall(t, router, f.rawKey, map[string]interface{}{"method": "GET", "path": "/slow"})
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.Contains(t, w.Body.String(), "upstream_timeout")
}

func TestHandler_MyGrant(t *testing.T) {
	upstream := fakeUpstream(http.StatusOK, nil)
	defer upstream.Close()
	f := newFixture(t, upstream.URL, 10)
	router := newTestRouter(f.service)

	req := httptest.NewRequest(http.MethodGet, "/v1/grants/me", nil)
	req.Header.Set("X-Access-Key", f.rawKey)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "grant_1")
	assert.Contains(t, w.Body.String(), "remainingQuota")
}

func TestHandler_MyCalls(t *testing.T) {
	upstream := fakeUpstream(http.StatusOK, map[string]interface{}{"ok": true})
	defer upstream.Close()
	f := newFixture(t, upstream.URL, 10)
	router := newTestRouter(f.service)

	doCall(t, router, f.rawKey, map[string]interface{}{"method": "GET", "path": "/a"})

	req := httptest.NewRequest(http.MethodGet, "/v1/grants/me/calls", nil)
	req.Header.Set("X-Access-Key", f.rawKey)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Calls []*CallRecord `json:"calls"`
		Count int           `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, "pending", string(resp.Calls[0].ChainStatus))
}

func TestHandler_CallMalformedKeyShape(t *testing.T) {
	upstream := fakeUpstream(http.StatusOK, nil)
	defer upstream.Close()
	f := newFixture(t, upstream.URL, 10)
	router := newTestRouter(f.service)

	// Correct prefix, wrong shape: rejected before any store lookup.
	for _, key := range []string{
		"ak_short",
		"ak_" + strings.Repeat("G", 64),
		"ak_" + strings.Repeat("AB", 32),
	} {
		w := doCall(t, router, key, map[string]interface{}{"method": "GET", "path": "/x"})
		assert.Equal(t, http.StatusNotFound, w.Code, "key %q", key)
		assert.Contains(t, w.Body.String(), "unknown_access_key")
	}
}
