package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/chainmeter/chainmeter/internal/grants"
	"github.com/chainmeter/chainmeter/internal/listings"
	"github.com/chainmeter/chainmeter/internal/validation"
	"github.com/chainmeter/chainmeter/internal/vault"
)

// Handler provides HTTP endpoints for the broker gateway.
type Handler struct {
	service *Service
}

// NewHandler creates a new gateway handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the brokered call and grant read endpoints.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/call", h.Call)
	r.GET("/grants/me", h.MyGrant)
	r.GET("/grants/me/calls", h.MyCalls)
}

type callBody struct {
	Method string          `json:"method"`
	Path   string          `json:"path"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// Call handles POST /v1/call
func (h *Handler) Call(c *gin.Context) {
	accessKey := c.GetHeader("X-Access-Key")
	if accessKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "missing_access_key",
			"message": "X-Access-Key header required",
		})
		return
	}
	if !validation.IsValidAccessKey(accessKey) {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   "unknown_access_key",
			"message": "Access key not recognized",
		})
		return
	}

	var body callBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if !validation.IsValidMethod(body.Method) {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "invalid_method",
			"message": "Method must be one of GET, POST, PUT, PATCH, DELETE",
		})
		return
	}

	path := validation.SanitizePath(body.Path)

	result, err := h.service.Call(c.Request.Context(), accessKey, CallRequest{
		Method: body.Method,
		Path:   path,
		Body:   body.Body,
	})
	if err != nil {
		status, code := mapCallError(err)
		c.JSON(status, gin.H{
			"success": false,
			"error":   code,
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"recordId":       result.RecordID,
			"statusCode":     result.StatusCode,
			"body":           json.RawMessage(normalizeBody(result.Body)),
			"latencyMs":      result.LatencyMs,
			"cost":           result.Cost,
			"remainingQuota": result.Remaining,
		},
	})
}

// MyGrant handles GET /v1/grants/me
func (h *Handler) MyGrant(c *gin.Context) {
	accessKey := c.GetHeader("X-Access-Key")
	grant, err := h.service.Grant(c.Request.Context(), accessKey)
	if err != nil {
		status, code := mapCallError(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"grant": gin.H{
		"id":             grant.ID,
		"listingId":      grant.ListingID,
		"buyerAddr":      grant.BuyerAddr,
		"totalQuota":     grant.TotalQuota,
		"usedQuota":      grant.UsedQuota,
		"remainingQuota": grant.RemainingQuota(),
		"status":         grant.Status,
		"expiresAt":      grant.ExpiresAt,
		"createdAt":      grant.CreatedAt,
	}})
}

// MyCalls handles GET /v1/grants/me/calls
func (h *Handler) MyCalls(c *gin.Context) {
	accessKey := c.GetHeader("X-Access-Key")

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	records, err := h.service.Calls(c.Request.Context(), accessKey, limit)
	if err != nil {
		status, code := mapCallError(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"calls": records, "count": len(records)})
}

// mapCallError translates pipeline errors to HTTP status + stable code.
func mapCallError(err error) (int, string) {
	var ue *UpstreamError
	switch {
	case errors.Is(err, grants.ErrInvalidAccessKey),
		errors.Is(err, grants.ErrGrantNotFound):
		return http.StatusNotFound, "unknown_access_key"
	case errors.Is(err, grants.ErrQuotaExhausted):
		return http.StatusBadRequest, "quota_exhausted"
	case errors.Is(err, grants.ErrGrantExpired):
		return http.StatusBadRequest, "grant_expired"
	case errors.Is(err, grants.ErrGrantSuspended):
		return http.StatusBadRequest, "grant_suspended"
	case errors.Is(err, listings.ErrListingNotFound),
		errors.Is(err, listings.ErrListingInactive):
		return http.StatusBadRequest, "listing_unavailable"
	case errors.Is(err, ErrUpstreamTimeout):
		return http.StatusGatewayTimeout, "upstream_timeout"
	case errors.Is(err, ErrUpstreamUnreachable):
		return http.StatusBadGateway, "upstream_unreachable"
	case errors.As(err, &ue):
		return http.StatusBadGateway, "upstream_error"
	case errors.Is(err, vault.ErrCredentialUnavailable):
		return http.StatusInternalServerError, "credential_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// normalizeBody keeps the buyer-facing body valid JSON: non-JSON upstream
// payloads are wrapped as a JSON string.
func normalizeBody(body []byte) []byte {
	if len(body) == 0 {
		return []byte("null")
	}
	if json.Valid(body) {
		return body
	}
	wrapped, err := json.Marshal(string(body))
	if err != nil {
		return []byte("null")
	}
	return wrapped
}
