package grants

import "context"

// Store persists access grants.
type Store interface {
	Create(ctx context.Context, grant *Grant) error
	Get(ctx context.Context, id string) (*Grant, error)
	GetByKeyHash(ctx context.Context, keyHash string) (*Grant, error)

	// Consume atomically takes one call from the grant's quota.
	// If the quota is already spent it marks the grant exhausted and
	// returns ErrQuotaExhausted. The decrement and the check are one
	// operation: two concurrent consumers of the last unit see exactly
	// one success.
	Consume(ctx context.Context, grantID string) error

	UpdateStatus(ctx context.Context, grantID string, status Status) error
	ListByBuyer(ctx context.Context, buyerAddr string, limit int) ([]*Grant, error)
}
