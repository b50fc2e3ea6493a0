package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForwardPreservesQueryString(t *testing.T) {
	var gotPath, gotQuery string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	f := NewForwarder(0)
	resp, err := f.Forward(context.Background(), ForwardRequest{
		BaseURL:    upstream.URL,
		Method:     "GET",
		Path:       "/search?q=hello&limit=5",
		Credential: "secret",
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/search", gotPath)
	assert.Equal(t, "q=hello&limit=5", gotQuery)
}

func TestForwardPlainPathUnchanged(t *testing.T) {
	var gotPath, gotQuery string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	f := NewForwarder(0)
	_, err := f.Forward(context.Background(), ForwardRequest{
		BaseURL: upstream.URL,
		Method:  "GET",
		Path:    "/v2/widgets/42",
	})
	require.NoError(t, err)

	assert.Equal(t, "/v2/widgets/42", gotPath)
	assert.Empty(t, gotQuery)
}

func TestForwardInjectsCredential(t *testing.T) {
	var gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	f := NewForwarder(0)
	_, err := f.Forward(context.Background(), ForwardRequest{
		BaseURL:    upstream.URL,
		Method:     "GET",
		Path:       "/data?page=2",
		Credential: "upstream-secret",
	})
	require.NoError(t, err)
	assert.Equal(t, "Bearer upstream-secret", gotAuth)
}
