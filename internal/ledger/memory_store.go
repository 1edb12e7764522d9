package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/fundlock/fundlock/internal/idgen"
)

// MemoryStore is an in-memory ledger store for development mode and unit tests.
type MemoryStore struct {
	currency string
	balances map[string]*Balance
	txns     []*Transaction
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore(currency string) *MemoryStore {
	return &MemoryStore{
		currency: currency,
		balances: make(map[string]*Balance),
	}
}

func (m *MemoryStore) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if bal, ok := m.balances[userID]; ok {
		cp := *bal
		return &cp, nil
	}
	return &Balance{UserID: userID, Currency: m.currency, UpdatedAt: time.Now()}, nil
}

func (m *MemoryStore) Transactions(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for i := len(m.txns) - 1; i >= 0; i-- {
		if m.txns[i].UserID != userID {
			continue
		}
		cp := *m.txns[i]
		result = append(result, &cp)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) TransactionsByReference(ctx context.Context, refs []string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	refSet := make(map[string]bool, len(refs))
	for _, r := range refs {
		refSet[r] = true
	}

	var result []*Transaction
	for i := len(m.txns) - 1; i >= 0; i-- {
		if !refSet[m.txns[i].ReferenceID] {
			continue
		}
		cp := *m.txns[i]
		result = append(result, &cp)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) HasReference(ctx context.Context, reference string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, t := range m.txns {
		if t.ReferenceID == reference && t.Type == TxCredit && t.Status == TxCompleted {
			return true, nil
		}
	}
	return false, nil
}

// Apply validates all movements against current balances, then commits them
// under one lock. Nothing is mutated if any movement would violate a
// non-negativity invariant.
func (m *MemoryStore) Apply(ctx context.Context, movements []Movement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Validate first: no partial effects.
	staged := make(map[string]*Balance, len(movements))
	for _, mv := range movements {
		bal := staged[mv.UserID]
		if bal == nil {
			if cur, ok := m.balances[mv.UserID]; ok {
				cp := *cur
				bal = &cp
			} else {
				bal = &Balance{UserID: mv.UserID, Currency: m.currency}
			}
			staged[mv.UserID] = bal
		}
		bal.Available += mv.AvailableDelta
		bal.EscrowHeld += mv.EscrowDelta
		if bal.Available < 0 || bal.EscrowHeld < 0 {
			return ErrInsufficientFunds
		}
		if mv.Entry != "" && mv.Amount <= 0 {
			return ErrInvalidAmount
		}
	}

	now := time.Now()
	for userID, bal := range staged {
		bal.UpdatedAt = now
		m.balances[userID] = bal
	}
	for _, mv := range movements {
		if mv.Entry == "" {
			continue
		}
		completed := now
		m.txns = append(m.txns, &Transaction{
			ID:          idgen.WithPrefix("txn_"),
			UserID:      mv.UserID,
			Type:        mv.Entry,
			Amount:      mv.Amount,
			Currency:    m.currency,
			Status:      TxCompleted,
			Description: mv.Description,
			ReferenceID: mv.ReferenceID,
			CreatedAt:   now,
			CompletedAt: &completed,
		})
	}
	return nil
}
