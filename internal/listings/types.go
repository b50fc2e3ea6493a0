// Package listings manages the catalog of upstream APIs available through
// the broker. Each listing names an upstream base URL, a per-call price,
// and an encrypted upstream credential that never leaves the broker.
package listings

import (
	"errors"
	"time"
)

var (
	// ErrListingNotFound is returned when a listing does not exist.
	ErrListingNotFound = errors.New("listings: listing not found")

	// ErrListingInactive is returned when a listing exists but has been
	// withdrawn by its seller.
	ErrListingInactive = errors.New("listings: listing is inactive")
)

// Listing describes one upstream API offered through the broker.
type Listing struct {
	ID          string `json:"id"`
	SellerAddr  string `json:"sellerAddr"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// BaseURL is the upstream origin that brokered calls are forwarded to.
	BaseURL string `json:"baseUrl"`

	// PricePerCall is the USDC price charged per brokered call,
	// as a decimal string (e.g. "0.010000").
	PricePerCall string `json:"pricePerCall"`

	// EncryptedCredential is the AES-256-GCM sealed upstream API key.
	// Never serialized to clients.
	EncryptedCredential []byte `json:"-"`

	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
