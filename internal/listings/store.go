package listings

import "context"

// Store persists listing data.
type Store interface {
	Create(ctx context.Context, listing *Listing) error
	Get(ctx context.Context, id string) (*Listing, error)
	Update(ctx context.Context, listing *Listing) error
	List(ctx context.Context, sellerAddr string, limit int) ([]*Listing, error)
	SetActive(ctx context.Context, id string, active bool) error
}
