// Package grants manages paid access grants: the quota ledger that decides
// whether a presented access key may make one more brokered call.
//
// Access model:
// - Buyers purchase a grant off-platform and receive a raw access key once.
// - Keys are stored as SHA-256 hashes; the raw key never touches the database.
// - Quota consumption is a single atomic compare-and-decrement, correct
//   across processes sharing one database.
package grants

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// Errors
var (
	ErrInvalidAccessKey = errors.New("grants: invalid access key")
	ErrGrantNotFound    = errors.New("grants: grant not found")
	ErrGrantExpired     = errors.New("grants: grant expired")
	ErrGrantSuspended   = errors.New("grants: grant suspended")
	ErrQuotaExhausted   = errors.New("grants: quota exhausted")
)

// Status represents the lifecycle state of a grant.
type Status string

const (
	StatusActive    Status = "active"
	StatusExhausted Status = "exhausted"
	StatusSuspended Status = "suspended"
	StatusExpired   Status = "expired"
)

// Grant represents one buyer's purchased access to one listing.
type Grant struct {
	ID string `json:"id"`

	// KeyHash is the SHA-256 hash of the raw access key. The raw key is
	// shown to the buyer exactly once at issue time.
	KeyHash string `json:"-"`

	BuyerAddr  string `json:"buyerAddr"`
	ListingID  string `json:"listingId"`
	TotalQuota int64  `json:"totalQuota"`
	UsedQuota  int64  `json:"usedQuota"`

	Status    Status     `json:"status"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// RemainingQuota returns the calls left on the grant, never negative.
func (g *Grant) RemainingQuota() int64 {
	remaining := g.TotalQuota - g.UsedQuota
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Expired reports whether the grant's expiry has passed.
func (g *Grant) Expired() bool {
	return g.ExpiresAt != nil && time.Now().After(*g.ExpiresAt)
}

// NewAccessKey generates a raw access key and its storage hash.
// The raw key is returned once; only the hash is persisted.
func NewAccessKey() (rawKey, keyHash string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	rawKey = "ak_" + hex.EncodeToString(b)
	return rawKey, HashKey(rawKey), nil
}

// HashKey returns the hex SHA-256 hash of a raw access key.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
