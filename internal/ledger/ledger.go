// Package ledger tracks wallet balances and the append-only transaction log.
//
// Every balance-affecting operation writes an immutable WalletTransaction row
// and mutates the cached WalletBalance in the same atomic unit. Completed
// transactions are never mutated or deleted; corrections are modeled as new
// offsetting transactions. A user's available balance must always equal the
// fold of their completed transactions from zero (see Ledger.ReplayBalance).
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrDuplicateReference = errors.New("reference already processed")
)

// TxType classifies a wallet transaction.
type TxType string

const (
	TxCredit TxType = "credit"
	TxDebit  TxType = "debit"
)

// TxStatus is the lifecycle state of a wallet transaction.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxCompleted TxStatus = "completed"
	TxFailed    TxStatus = "failed"
)

// Transaction is an immutable ledger entry.
type Transaction struct {
	ID          string     `json:"id"`
	UserID      string     `json:"userId"`
	Type        TxType     `json:"type"`
	Amount      int64      `json:"amount"` // minor units, always positive
	Currency    string     `json:"currency"`
	Status      TxStatus   `json:"status"`
	Description string     `json:"description,omitempty"`
	ReferenceID string     `json:"referenceId,omitempty"` // milestone or escrow account ID
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Balance is the cached wallet state for one user.
type Balance struct {
	UserID     string    `json:"userId"`
	Available  int64     `json:"available"`
	Pending    int64     `json:"pending"`
	EscrowHeld int64     `json:"escrowHeld"`
	Currency   string    `json:"currency"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Movement describes one user's balance change within an atomic unit.
// AvailableDelta and EscrowDelta adjust the cached balance; if Entry is set,
// an immutable transaction row is appended alongside.
type Movement struct {
	UserID         string
	AvailableDelta int64
	EscrowDelta    int64
	Entry          TxType // "" means balance-only movement, no ledger row
	Amount         int64  // entry amount, positive
	ReferenceID    string
	Description    string
}

// Store persists wallet balances and transactions.
type Store interface {
	GetBalance(ctx context.Context, userID string) (*Balance, error)
	Transactions(ctx context.Context, userID string, limit int) ([]*Transaction, error)
	TransactionsByReference(ctx context.Context, refs []string, limit int) ([]*Transaction, error)
	// Apply applies a set of movements atomically. Either all balance
	// changes and entries land, or none do.
	Apply(ctx context.Context, movements []Movement) error
	// HasReference reports whether a completed credit with this reference
	// already exists (deposit replay protection).
	HasReference(ctx context.Context, reference string) (bool, error)
}

// Ledger exposes wallet operations over a Store.
type Ledger struct {
	store    Store
	currency string
}

// New creates a ledger for the configured currency.
func New(store Store, currency string) *Ledger {
	return &Ledger{store: store, currency: currency}
}

// Store returns the underlying store, for wiring into the escrow store's
// atomic units.
func (l *Ledger) Store() Store { return l.store }

// Currency returns the deployment currency code.
func (l *Ledger) Currency() string { return l.currency }

// Balance returns a user's current wallet balance.
func (l *Ledger) Balance(ctx context.Context, userID string) (*Balance, error) {
	return l.store.GetBalance(ctx, userID)
}

// Transactions returns a user's ledger entries, newest first.
func (l *Ledger) Transactions(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.Transactions(ctx, userID, limit)
}

// TransactionsByReference returns entries referencing any of the given IDs.
func (l *Ledger) TransactionsByReference(ctx context.Context, refs []string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	return l.store.TransactionsByReference(ctx, refs, limit)
}

// Deposit credits externally captured funds into a user's available balance.
// The payment reference must not have been deposited before.
func (l *Ledger) Deposit(ctx context.Context, userID string, amount int64, paymentRef string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	exists, err := l.store.HasReference(ctx, paymentRef)
	if err != nil {
		return err
	}
	if exists {
		return ErrDuplicateReference
	}
	return l.store.Apply(ctx, []Movement{{
		UserID:         userID,
		AvailableDelta: amount,
		Entry:          TxCredit,
		Amount:         amount,
		ReferenceID:    paymentRef,
		Description:    "deposit",
	}})
}

// ReplayBalance folds a user's completed transactions from zero and returns
// the derived available balance. Used as a consistency check: the result must
// equal Balance(userID).Available at all times.
func (l *Ledger) ReplayBalance(ctx context.Context, userID string) (int64, error) {
	txns, err := l.store.Transactions(ctx, userID, 0)
	if err != nil {
		return 0, err
	}
	var sum int64
	for _, t := range txns {
		if t.Status != TxCompleted {
			continue
		}
		switch t.Type {
		case TxCredit:
			sum += t.Amount
		case TxDebit:
			sum -= t.Amount
		}
	}
	return sum, nil
}
