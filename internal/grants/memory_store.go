package grants

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory grant store for demo/development mode.
type MemoryStore struct {
	grants map[string]*Grant
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory grant store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{grants: make(map[string]*Grant)}
}

func (m *MemoryStore) Create(_ context.Context, grant *Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *grant
	m.grants[grant.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.grants[id]
	if !ok {
		return nil, ErrGrantNotFound
	}
	cp := *g
	return &cp, nil
}

func (m *MemoryStore) GetByKeyHash(_ context.Context, keyHash string) (*Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, g := range m.grants {
		if g.KeyHash == keyHash {
			cp := *g
			return &cp, nil
		}
	}
	return nil, ErrGrantNotFound
}

// Consume takes one call from the grant's quota. The check and the
// increment run under one lock so the last unit is consumed exactly once
// regardless of concurrency.
func (m *MemoryStore) Consume(_ context.Context, grantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.grants[grantID]
	if !ok {
		return ErrGrantNotFound
	}

	if g.UsedQuota >= g.TotalQuota {
		g.Status = StatusExhausted
		g.UpdatedAt = time.Now().UTC()
		return ErrQuotaExhausted
	}

	g.UsedQuota++
	if g.UsedQuota >= g.TotalQuota {
		g.Status = StatusExhausted
	}
	g.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, grantID string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.grants[grantID]
	if !ok {
		return ErrGrantNotFound
	}
	g.Status = status
	g.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListByBuyer(_ context.Context, buyerAddr string, limit int) ([]*Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	addr := strings.ToLower(buyerAddr)
	var result []*Grant
	for _, g := range m.grants {
		if strings.ToLower(g.BuyerAddr) == addr {
			cp := *g
			result = append(result, &cp)
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

// Compile-time assertion.
var _ Store = (*MemoryStore)(nil)
