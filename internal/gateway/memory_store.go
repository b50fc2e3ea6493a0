package gateway

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRecordStore is an in-memory call record store for demo/development mode.
type MemoryRecordStore struct {
	records map[string]*CallRecord
	mu      sync.RWMutex
}

// NewMemoryRecordStore creates a new in-memory call record store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{records: make(map[string]*CallRecord)}
}

func (m *MemoryRecordStore) Create(_ context.Context, record *CallRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *record
	m.records[record.ID] = &cp
	return nil
}

func (m *MemoryRecordStore) Get(_ context.Context, id string) (*CallRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryRecordStore) SetTxHash(_ context.Context, id, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	r.TxHash = txHash
	return nil
}

func (m *MemoryRecordStore) UpdateChainStatus(_ context.Context, id string, status ChainStatus, blockNumber uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok {
		return ErrRecordNotFound
	}

	// Confirmed is terminal.
	if r.ChainStatus == ChainConfirmed {
		return nil
	}

	r.ChainStatus = status
	if status == ChainConfirmed {
		r.BlockNumber = blockNumber
	}
	return nil
}

func (m *MemoryRecordStore) ListByGrant(_ context.Context, grantID string, limit int) ([]*CallRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*CallRecord
	for _, r := range m.records {
		if r.GrantID == grantID {
			cp := *r
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

func (m *MemoryRecordStore) ListPendingOlderThan(_ context.Context, cutoff time.Time, limit int) ([]*CallRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*CallRecord
	for _, r := range m.records {
		if r.ChainStatus == ChainPending && r.TxHash != "" && r.CreatedAt.Before(cutoff) {
			cp := *r
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// Compile-time assertion.
var _ RecordStore = (*MemoryRecordStore)(nil)
