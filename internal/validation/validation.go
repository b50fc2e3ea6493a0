// Package validation provides input validation helpers for the gateway API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxPathLength bounds the upstream path a buyer may request
const MaxPathLength = 2048

// accessKeyRegex validates presented access keys (prefix + hex)
var accessKeyRegex = regexp.MustCompile(`^ak_[a-f0-9]{64}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidAccessKey checks the presented access key shape before any lookup.
// Keys that fail this never reach the store.
func IsValidAccessKey(key string) bool {
	return accessKeyRegex.MatchString(key)
}

// IsValidMethod reports whether the requested upstream verb is one the
// proxy will forward.
func IsValidMethod(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// SanitizePath normalizes a requested upstream path: trims whitespace,
// enforces a leading slash, and bounds the length.
func SanitizePath(p string) string {
	p = strings.TrimSpace(p)
	p = strings.ReplaceAll(p, "\x00", "")
	if p == "" || p[0] != '/' {
		p = "/" + p
	}
	if len(p) > MaxPathLength {
		p = p[:MaxPathLength]
	}
	return p
}
