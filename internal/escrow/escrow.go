// Package escrow implements the escrow account, milestone state machine, and
// the orchestrating service that moves client funds against a contract.
//
// Flow:
//  1. Contract reaches "active" with a milestone plan → escrow account created
//  2. Client funds a milestone → available moves to escrow_held
//  3. Client (or dispute resolution) releases → funds paid to the freelancer
//  4. Either party disputes while funded → funds stay held pending resolution
//  5. Dispute resolution or cancellation refunds → funds return to the client
//
// Money is never created, destroyed, or double-spent: every transition applies
// its milestone update and wallet movements in one atomic unit against the
// ledger store, and transitions on the same account are serialized.
package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/fundlock/fundlock/internal/ledger"
)

var (
	ErrNotFound            = errors.New("escrow not found")
	ErrInvalidState        = errors.New("invalid milestone state for this operation")
	ErrUnauthorized        = errors.New("not authorized for this escrow operation")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrDuplicateEscrow     = errors.New("contract already has an escrow account")
	ErrContractNotReady    = errors.New("contract is not active")
	ErrConflictRetry       = errors.New("operation conflicted with concurrent updates, retry with the same idempotency key")
	ErrIdempotencyConflict = errors.New("idempotency key already used for a different operation")
)

// AccountStatus is the lifecycle state of an escrow account.
type AccountStatus string

const (
	AccountPending   AccountStatus = "pending"   // created, nothing funded yet
	AccountActive    AccountStatus = "active"    // at least one milestone funded
	AccountCompleted AccountStatus = "completed" // all milestones resolved, at least one released
	AccountCancelled AccountStatus = "cancelled" // all milestones resolved by refund
)

// MilestoneStatus is the lifecycle state of a milestone.
type MilestoneStatus string

const (
	MilestoneUnfunded MilestoneStatus = "unfunded"
	MilestoneFunded   MilestoneStatus = "funded"
	MilestoneReleased MilestoneStatus = "released"
	MilestoneDisputed MilestoneStatus = "disputed"
	MilestoneRefunded MilestoneStatus = "refunded"
)

// Action is a milestone state-machine input.
type Action string

const (
	ActionFund    Action = "fund"
	ActionRelease Action = "release"
	ActionDispute Action = "dispute"
	ActionRefund  Action = "refund"
)

// canTransition is the single source of truth for the milestone state
// machine. It returns the target state for (from, action), or ok=false when
// the transition is illegal. The full matrix is unit-tested.
func canTransition(from MilestoneStatus, action Action) (to MilestoneStatus, ok bool) {
	switch from {
	case MilestoneUnfunded:
		if action == ActionFund {
			return MilestoneFunded, true
		}
	case MilestoneFunded:
		switch action {
		case ActionRelease:
			return MilestoneReleased, true
		case ActionDispute:
			return MilestoneDisputed, true
		case ActionRefund:
			return MilestoneRefunded, true
		}
	case MilestoneDisputed:
		switch action {
		case ActionRelease:
			return MilestoneReleased, true
		case ActionRefund:
			return MilestoneRefunded, true
		}
	}
	return "", false
}

// Account is a holding record for all funds committed to a single contract.
// Invariant: 0 <= ReleasedAmount <= FundedAmount <= TotalAmount.
type Account struct {
	ID             string        `json:"id"`
	ContractID     string        `json:"contractId"`
	ClientID       string        `json:"clientId"`
	FreelancerID   string        `json:"freelancerId,omitempty"`
	TotalAmount    int64         `json:"totalAmount"`
	FundedAmount   int64         `json:"fundedAmount"`
	ReleasedAmount int64         `json:"releasedAmount"`
	Status         AccountStatus `json:"status"`
	Currency       string        `json:"currency"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// IsTerminal returns true if the account is in a final state.
func (a *Account) IsTerminal() bool {
	return a.Status == AccountCompleted || a.Status == AccountCancelled
}

// Milestone is a discrete, separately fundable and releasable unit of work
// and payment within an escrow account.
type Milestone struct {
	ID              string          `json:"id"`
	EscrowAccountID string          `json:"escrowAccountId"`
	Title           string          `json:"title"`
	Amount          int64           `json:"amount"`
	Status          MilestoneStatus `json:"status"`
	FundedAt        *time.Time      `json:"fundedAt,omitempty"`
	ReleasedAt      *time.Time      `json:"releasedAt,omitempty"`
	DisputeReason   string          `json:"disputeReason,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// IsTerminal returns true if the milestone is in a final state.
func (m *Milestone) IsTerminal() bool {
	return m.Status == MilestoneReleased || m.Status == MilestoneRefunded
}

// Transition is one atomic state change: the updated milestone (guarded by a
// compare-and-swap on FromStatus), the updated owning account, the wallet
// movements, and an optional idempotency record. A store either applies all
// of it or none of it.
type Transition struct {
	Milestone      *Milestone
	FromStatus     MilestoneStatus
	Account        *Account
	Movements      []ledger.Movement
	IdempotencyKey string
	Operation      Action
}

// IdempotencyRecord remembers which operation a key was first used for.
type IdempotencyRecord struct {
	Key         string
	MilestoneID string
	Operation   Action
	CreatedAt   time.Time
}

// Store persists escrow accounts and milestones.
type Store interface {
	// CreateAccount inserts the account and its milestone plan atomically.
	// Returns ErrDuplicateEscrow if the contract already has an account.
	CreateAccount(ctx context.Context, acct *Account, milestones []*Milestone) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	GetMilestone(ctx context.Context, id string) (*Milestone, error)
	GetMilestones(ctx context.Context, accountID string) ([]*Milestone, error)
	ListForUser(ctx context.Context, userID string, status AccountStatus, limit int) ([]*Account, error)
	// AddMilestone appends a milestone to an existing account.
	AddMilestone(ctx context.Context, ms *Milestone) error
	// ApplyTransition applies a Transition atomically. Returns
	// ErrInvalidState if the milestone no longer has FromStatus (a
	// concurrent transition won), ledger.ErrInsufficientFunds if a wallet
	// would go negative, and ledger.ErrSerialization on transient storage
	// conflicts.
	ApplyTransition(ctx context.Context, tr *Transition) error
	GetIdempotencyKey(ctx context.Context, key string) (*IdempotencyRecord, error)
}
