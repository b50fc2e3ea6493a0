package listings

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory listing store for demo/development mode.
type MemoryStore struct {
	listings map[string]*Listing
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory listing store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{listings: make(map[string]*Listing)}
}

func (m *MemoryStore) Create(_ context.Context, listing *Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listings[listing.ID] = copyListing(listing)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.listings[id]
	if !ok {
		return nil, ErrListingNotFound
	}
	return copyListing(l), nil
}

func (m *MemoryStore) Update(_ context.Context, listing *Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.listings[listing.ID]; !ok {
		return ErrListingNotFound
	}
	m.listings[listing.ID] = copyListing(listing)
	return nil
}

func (m *MemoryStore) List(_ context.Context, sellerAddr string, limit int) ([]*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	addr := strings.ToLower(sellerAddr)
	var result []*Listing
	for _, l := range m.listings {
		if addr == "" || l.SellerAddr == addr {
			result = append(result, copyListing(l))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) SetActive(_ context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.listings[id]
	if !ok {
		return ErrListingNotFound
	}
	l.Active = active
	l.UpdatedAt = time.Now().UTC()
	return nil
}

func copyListing(l *Listing) *Listing {
	cp := *l
	if l.EncryptedCredential != nil {
		cp.EncryptedCredential = make([]byte, len(l.EncryptedCredential))
		copy(cp.EncryptedCredential, l.EncryptedCredential)
	}
	return &cp
}

// Compile-time assertion.
var _ Store = (*MemoryStore)(nil)
