package gateway

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrRecordNotFound is returned when a call record does not exist.
	ErrRecordNotFound = errors.New("gateway: call record not found")
)

// ChainStatus is the settlement state of a call record.
type ChainStatus string

const (
	ChainPending   ChainStatus = "pending"
	ChainConfirmed ChainStatus = "confirmed"
	ChainFailed    ChainStatus = "failed"
)

// CallRecord is the off-chain record of one brokered call. It is created
// before the settlement transaction and carries the attestation outcome.
type CallRecord struct {
	ID        string `json:"id"`
	GrantID   string `json:"grantId"`
	BuyerAddr string `json:"buyerAddr"`
	ListingID string `json:"listingId"`

	Method     string `json:"method"`
	Path       string `json:"path"`
	StatusCode int    `json:"statusCode"`
	LatencyMs  int64  `json:"latencyMs"`

	// Cost is the USDC price of this call as a decimal string.
	Cost string `json:"cost"`

	// Attestation columns. TxHash is set at submission time, BlockNumber
	// at confirmation. ChainConfirmed is terminal and never reverts.
	TxHash      string      `json:"txHash,omitempty"`
	BlockNumber uint64      `json:"blockNumber,omitempty"`
	ChainStatus ChainStatus `json:"chainStatus"`

	CreatedAt time.Time `json:"createdAt"`
}

// RecordStore persists call records.
type RecordStore interface {
	Create(ctx context.Context, record *CallRecord) error
	Get(ctx context.Context, id string) (*CallRecord, error)

	// SetTxHash records the submitted transaction hash; chain status
	// stays pending until confirmation.
	SetTxHash(ctx context.Context, id, txHash string) error

	// UpdateChainStatus moves a record to confirmed (with block number)
	// or failed. Confirmed is terminal: updates against a confirmed
	// record are ignored.
	UpdateChainStatus(ctx context.Context, id string, status ChainStatus, blockNumber uint64) error

	ListByGrant(ctx context.Context, grantID string, limit int) ([]*CallRecord, error)

	// ListPendingOlderThan returns submitted records (tx hash set) still
	// pending past the cutoff, oldest first. The settlement confirmer
	// sweeps these to re-adopt records it lost track of.
	ListPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*CallRecord, error)
}
