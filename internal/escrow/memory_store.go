package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fundlock/fundlock/internal/ledger"
)

// MemoryStore is an in-memory escrow store for development mode and unit
// tests. Wallet movements are applied through the paired ledger store so the
// two stay consistent the same way the postgres store keeps them consistent
// in one transaction.
type MemoryStore struct {
	ledger     ledger.Store
	accounts   map[string]*Account
	byContract map[string]string // contract ID -> account ID
	milestones map[string]*Milestone
	idemKeys   map[string]*IdempotencyRecord
	mu         sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store backed by the given
// ledger store.
func NewMemoryStore(ledgerStore ledger.Store) *MemoryStore {
	return &MemoryStore{
		ledger:     ledgerStore,
		accounts:   make(map[string]*Account),
		byContract: make(map[string]string),
		milestones: make(map[string]*Milestone),
		idemKeys:   make(map[string]*IdempotencyRecord),
	}
}

func (m *MemoryStore) CreateAccount(ctx context.Context, acct *Account, milestones []*Milestone) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byContract[acct.ContractID]; exists {
		return ErrDuplicateEscrow
	}

	cp := *acct
	m.accounts[acct.ID] = &cp
	m.byContract[acct.ContractID] = acct.ID
	for _, ms := range milestones {
		mcp := *ms
		m.milestones[ms.ID] = &mcp
	}
	return nil
}

func (m *MemoryStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) GetMilestone(ctx context.Context, id string) (*Milestone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ms, ok := m.milestones[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ms
	return &cp, nil
}

func (m *MemoryStore) GetMilestones(ctx context.Context, accountID string) ([]*Milestone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Milestone
	for _, ms := range m.milestones {
		if ms.EscrowAccountID != accountID {
			continue
		}
		cp := *ms
		result = append(result, &cp)
	}
	sortMilestones(result)
	return result, nil
}

func (m *MemoryStore) ListForUser(ctx context.Context, userID string, status AccountStatus, limit int) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Account
	for _, acct := range m.accounts {
		if acct.ClientID != userID && acct.FreelancerID != userID {
			continue
		}
		if status != "" && acct.Status != status {
			continue
		}
		cp := *acct
		result = append(result, &cp)
	}
	sortAccountsNewestFirst(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) AddMilestone(ctx context.Context, ms *Milestone) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[ms.EscrowAccountID]; !ok {
		return ErrNotFound
	}
	cp := *ms
	m.milestones[ms.ID] = &cp
	return nil
}

// ApplyTransition applies the transition atomically: the compare-and-swap on
// the milestone status is checked first, then the wallet movements go through
// the ledger store (which commits all or nothing), and only then are the
// milestone and account records replaced. The escrow lock is held throughout
// so readers never observe a half-applied transition.
func (m *MemoryStore) ApplyTransition(ctx context.Context, tr *Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.milestones[tr.Milestone.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != tr.FromStatus {
		return ErrInvalidState
	}
	if _, ok := m.accounts[tr.Account.ID]; !ok {
		return ErrNotFound
	}

	if len(tr.Movements) > 0 {
		if err := m.ledger.Apply(ctx, tr.Movements); err != nil {
			return err
		}
	}

	mcp := *tr.Milestone
	m.milestones[tr.Milestone.ID] = &mcp
	acp := *tr.Account
	m.accounts[tr.Account.ID] = &acp

	if tr.IdempotencyKey != "" {
		m.idemKeys[tr.IdempotencyKey] = &IdempotencyRecord{
			Key:         tr.IdempotencyKey,
			MilestoneID: tr.Milestone.ID,
			Operation:   tr.Operation,
			CreatedAt:   time.Now(),
		}
	}
	return nil
}

func (m *MemoryStore) GetIdempotencyKey(ctx context.Context, key string) (*IdempotencyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.idemKeys[key]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func sortMilestones(ms []*Milestone) {
	// Stable order: creation time, then ID for same-instant rows.
	sort.Slice(ms, func(i, j int) bool {
		if !ms[i].CreatedAt.Equal(ms[j].CreatedAt) {
			return ms[i].CreatedAt.Before(ms[j].CreatedAt)
		}
		return ms[i].ID < ms[j].ID
	})
}

func sortAccountsNewestFirst(accts []*Account) {
	sort.Slice(accts, func(i, j int) bool {
		return accts[i].CreatedAt.After(accts[j].CreatedAt)
	})
}
