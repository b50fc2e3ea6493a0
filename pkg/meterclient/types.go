// Package meterclient is a Go client for the chainmeter broker API.
// Buyers hold an access key; the client presents it on every request
// and decodes the broker's response envelope.
package meterclient

import (
	"encoding/json"
	"fmt"
	"time"
)

// AccessKeyHeader carries the buyer's access key.
const AccessKeyHeader = "X-Access-Key"

// CallResult is the decoded payload of a successful brokered call.
type CallResult struct {
	RecordID       string          `json:"recordId"`
	StatusCode     int             `json:"statusCode"`
	Body           json.RawMessage `json:"body"`
	LatencyMs      int64           `json:"latencyMs"`
	Cost           string          `json:"cost"`
	RemainingQuota int64           `json:"remainingQuota"`
}

// Grant describes the access grant behind a key.
type Grant struct {
	ID             string     `json:"id"`
	ListingID      string     `json:"listingId"`
	BuyerAddr      string     `json:"buyerAddr"`
	TotalQuota     int64      `json:"totalQuota"`
	UsedQuota      int64      `json:"usedQuota"`
	RemainingQuota int64      `json:"remainingQuota"`
	Status         string     `json:"status"`
	ExpiresAt      *time.Time `json:"expiresAt"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// CallRecord is one row of the buyer's call history, including the
// settlement attestation columns once the record is confirmed.
type CallRecord struct {
	ID          string    `json:"id"`
	GrantID     string    `json:"grant_id"`
	ListingID   string    `json:"listing_id"`
	Method      string    `json:"method"`
	Path        string    `json:"path"`
	StatusCode  int       `json:"status_code"`
	LatencyMs   int64     `json:"latency_ms"`
	Cost        string    `json:"cost"`
	TxHash      string    `json:"tx_hash,omitempty"`
	BlockNumber uint64    `json:"block_number,omitempty"`
	ChainStatus string    `json:"chain_status"`
	CreatedAt   time.Time `json:"created_at"`
}

// APIError is the broker's error envelope.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsQuotaExhausted reports whether the error is a quota-exhausted rejection.
func IsQuotaExhausted(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.Code == "quota_exhausted"
}

// IsUnknownKey reports whether the error is an unknown-access-key rejection.
func IsUnknownKey(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.Code == "unknown_access_key"
}
