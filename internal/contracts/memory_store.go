package contracts

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory contract mirror for development mode and tests.
type MemoryStore struct {
	contracts map[string]*Contract
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory contract store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{contracts: make(map[string]*Contract)}
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.contracts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) Put(ctx context.Context, c *Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *c
	m.contracts[c.ID] = &cp
	return nil
}
