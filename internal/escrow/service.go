package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fundlock/fundlock/internal/contracts"
	"github.com/fundlock/fundlock/internal/idgen"
	"github.com/fundlock/fundlock/internal/ledger"
	"github.com/fundlock/fundlock/internal/logging"
	"github.com/fundlock/fundlock/internal/metrics"
	"github.com/fundlock/fundlock/internal/retry"
	"github.com/fundlock/fundlock/internal/syncutil"
	"github.com/fundlock/fundlock/internal/traces"
)

// Caller identifies the authenticated actor for an operation. Admin marks
// the dispute-resolution identity.
type Caller struct {
	ID    string
	Admin bool
}

// EventEmitter receives domain events after a transition commits.
// Implementations must not block; delivery is the webhook dispatcher's
// problem, not the ledger's.
type EventEmitter interface {
	EscrowCreated(acct *Account)
	MilestoneFunded(acct *Account, ms *Milestone)
	MilestoneReleased(acct *Account, ms *Milestone)
	MilestoneDisputed(acct *Account, ms *Milestone)
	MilestoneRefunded(acct *Account, ms *Milestone)
	AccountCompleted(acct *Account)
	AccountCancelled(acct *Account)
}

// MilestonePlan is one entry of a create request's milestone plan.
type MilestonePlan struct {
	Title  string
	Amount int64
}

// Service orchestrates escrow operations: it authorizes the caller, runs the
// milestone state machine, and applies each transition as one atomic unit
// against the store.
type Service struct {
	store     Store
	contracts contracts.Reader
	currency  string
	emitter   EventEmitter
	opTimeout time.Duration
	retries   int
	locks     *syncutil.ContextShardedMutex // per-account locks serializing transitions
}

// NewService creates a new escrow service.
func NewService(store Store, reader contracts.Reader, currency string) *Service {
	return &Service{
		store:     store,
		contracts: reader,
		currency:  currency,
		opTimeout: 5 * time.Second,
		retries:   3,
		locks:     syncutil.NewContextShardedMutex(),
	}
}

// WithEmitter adds a domain event emitter.
func (s *Service) WithEmitter(e EventEmitter) *Service {
	s.emitter = e
	return s
}

// WithTimeout sets the per-operation deadline for mutating calls.
func (s *Service) WithTimeout(d time.Duration) *Service {
	if d > 0 {
		s.opTimeout = d
	}
	return s
}

// WithRetries sets the bounded retry count for storage conflicts.
func (s *Service) WithRetries(n int) *Service {
	if n > 0 {
		s.retries = n
	}
	return s
}

// Create creates an escrow account with its milestone plan for a contract.
// The caller must be the contract's client and the contract must be active.
func (s *Service) Create(ctx context.Context, caller Caller, contractID string, totalAmount int64, plan []MilestonePlan) (*Account, []*Milestone, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.create",
		traces.ContractID(contractID), traces.Amount(totalAmount))
	defer span.End()

	if totalAmount <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	var planSum int64
	for _, p := range plan {
		if p.Amount <= 0 {
			return nil, nil, ErrInvalidAmount
		}
		planSum += p.Amount
	}
	if planSum > totalAmount {
		return nil, nil, fmt.Errorf("%w: milestone plan exceeds total amount", ErrInvalidAmount)
	}

	contract, err := s.contracts.Get(ctx, contractID)
	if err != nil {
		return nil, nil, err
	}
	if contract.Status != contracts.StatusActive {
		return nil, nil, ErrContractNotReady
	}
	if caller.ID != contract.ClientID && !caller.Admin {
		return nil, nil, ErrUnauthorized
	}

	now := time.Now()
	acct := &Account{
		ID:           idgen.WithPrefix("esc_"),
		ContractID:   contractID,
		ClientID:     contract.ClientID,
		FreelancerID: contract.FreelancerID,
		TotalAmount:  totalAmount,
		Status:       AccountPending,
		Currency:     s.currency,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	milestones := make([]*Milestone, 0, len(plan))
	for _, p := range plan {
		milestones = append(milestones, &Milestone{
			ID:              idgen.WithPrefix("ms_"),
			EscrowAccountID: acct.ID,
			Title:           p.Title,
			Amount:          p.Amount,
			Status:          MilestoneUnfunded,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
	}

	if err := s.store.CreateAccount(ctx, acct, milestones); err != nil {
		metrics.EscrowOperationsTotal.WithLabelValues("create", "error").Inc()
		return nil, nil, err
	}

	metrics.EscrowOperationsTotal.WithLabelValues("create", "ok").Inc()
	if s.emitter != nil {
		s.emitter.EscrowCreated(acct)
	}
	return acct, milestones, nil
}

// Get returns an account with its milestones. Only the account's parties and
// the admin identity may read it.
func (s *Service) Get(ctx context.Context, caller Caller, accountID string) (*Account, []*Milestone, error) {
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, nil, err
	}
	if caller.ID != acct.ClientID && caller.ID != acct.FreelancerID && !caller.Admin {
		return nil, nil, ErrUnauthorized
	}
	milestones, err := s.store.GetMilestones(ctx, accountID)
	if err != nil {
		return nil, nil, err
	}
	return acct, milestones, nil
}

// ListForUser returns accounts where the user is client or freelancer.
func (s *Service) ListForUser(ctx context.Context, caller Caller, userID string, status AccountStatus, limit int) ([]*Account, error) {
	if caller.ID != userID && !caller.Admin {
		return nil, ErrUnauthorized
	}
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListForUser(ctx, userID, status, limit)
}

// AddMilestone appends a milestone to a pending or active account. The sum
// of non-refunded milestone amounts must stay within the account total.
func (s *Service) AddMilestone(ctx context.Context, caller Caller, accountID, title string, amount int64) (*Milestone, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	// Account-level lock (not milestone-level): the committed-amount check
	// spans all milestones of the account.
	unlock, err := s.locks.LockContext(ctx, accountID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if caller.ID != acct.ClientID && !caller.Admin {
		return nil, ErrUnauthorized
	}
	if acct.Status != AccountPending && acct.Status != AccountActive {
		return nil, ErrInvalidState
	}

	existing, err := s.store.GetMilestones(ctx, accountID)
	if err != nil {
		return nil, err
	}
	committed := amount
	for _, m := range existing {
		if m.Status != MilestoneRefunded {
			committed += m.Amount
		}
	}
	if committed > acct.TotalAmount {
		return nil, fmt.Errorf("%w: milestone amounts exceed account total", ErrInvalidAmount)
	}

	now := time.Now()
	ms := &Milestone{
		ID:              idgen.WithPrefix("ms_"),
		EscrowAccountID: accountID,
		Title:           title,
		Amount:          amount,
		Status:          MilestoneUnfunded,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.AddMilestone(ctx, ms); err != nil {
		return nil, err
	}
	return ms, nil
}

// Fund records the transfer of already-captured client funds into escrow for
// a milestone. paymentRef doubles as the idempotency key: a replay with the
// same reference returns the committed state without moving money again.
func (s *Service) Fund(ctx context.Context, caller Caller, milestoneID, paymentRef string) (*Account, *Milestone, error) {
	return s.transition(ctx, caller, milestoneID, ActionFund, paymentRef, "")
}

// Release pays a funded (or disputed, via dispute resolution) milestone out
// to the freelancer. Only the client or the admin identity may release.
func (s *Service) Release(ctx context.Context, caller Caller, milestoneID, idemKey string) (*Account, *Milestone, error) {
	return s.transition(ctx, caller, milestoneID, ActionRelease, idemKey, "")
}

// Dispute freezes a funded milestone pending resolution. No money moves.
func (s *Service) Dispute(ctx context.Context, caller Caller, milestoneID, reason, idemKey string) (*Account, *Milestone, error) {
	return s.transition(ctx, caller, milestoneID, ActionDispute, idemKey, reason)
}

// Refund returns a funded or disputed milestone's money to the client.
func (s *Service) Refund(ctx context.Context, caller Caller, milestoneID, reason, idemKey string) (*Account, *Milestone, error) {
	return s.transition(ctx, caller, milestoneID, ActionRefund, idemKey, reason)
}

// transition runs one milestone state change end to end: idempotency check,
// authorization, state-machine check, atomic apply with bounded retry on
// storage conflicts, then event emission.
func (s *Service) transition(ctx context.Context, caller Caller, milestoneID string, action Action, idemKey, reason string) (*Account, *Milestone, error) {
	ctx, span := traces.StartSpan(ctx, "escrow."+string(action), traces.MilestoneID(milestoneID))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if action == ActionFund && idemKey == "" {
		return nil, nil, fmt.Errorf("%w: payment reference is required", ErrInvalidAmount)
	}

	// Locate the owning account before taking its lock. Account-level (not
	// milestone-level) because funded/released totals and the completion
	// decision span all milestones of the account.
	probe, err := s.store.GetMilestone(ctx, milestoneID)
	if err != nil {
		return nil, nil, err
	}
	unlock, err := s.locks.LockContext(ctx, probe.EscrowAccountID)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	if idemKey != "" {
		rec, err := s.store.GetIdempotencyKey(ctx, idemKey)
		if err != nil {
			return nil, nil, err
		}
		if rec != nil {
			if rec.MilestoneID != milestoneID || rec.Operation != action {
				return nil, nil, ErrIdempotencyConflict
			}
			return s.replay(ctx, milestoneID)
		}
	}

	var (
		acct *Account
		ms   *Milestone
	)
	err = retry.Do(ctx, s.retries, 25*time.Millisecond, func() error {
		var ferr error
		acct, ms, ferr = s.applyOnce(ctx, caller, milestoneID, action, idemKey, reason)
		if ferr == nil {
			return nil
		}
		if errors.Is(ferr, ledger.ErrSerialization) {
			return ferr
		}
		return retry.Permanent(ferr)
	})
	if err != nil {
		if errors.Is(err, ledger.ErrSerialization) {
			err = ErrConflictRetry
		}
		logging.L(ctx).Warn("escrow transition failed",
			"action", action, "milestone_id", milestoneID, "error", err)
		metrics.EscrowOperationsTotal.WithLabelValues(string(action), "error").Inc()
		return nil, nil, err
	}

	metrics.EscrowOperationsTotal.WithLabelValues(string(action), "ok").Inc()
	if acct.IsTerminal() {
		metrics.EscrowSettlementDuration.Observe(time.Since(acct.CreatedAt).Seconds())
	}
	s.emit(action, acct, ms)
	return acct, ms, nil
}

// applyOnce performs a single attempt of a transition against fresh state.
func (s *Service) applyOnce(ctx context.Context, caller Caller, milestoneID string, action Action, idemKey, reason string) (*Account, *Milestone, error) {
	cur, err := s.store.GetMilestone(ctx, milestoneID)
	if err != nil {
		return nil, nil, err
	}
	acct, err := s.store.GetAccount(ctx, cur.EscrowAccountID)
	if err != nil {
		return nil, nil, err
	}

	if err := s.authorize(caller, acct, action); err != nil {
		return nil, nil, err
	}

	to, ok := canTransition(cur.Status, action)
	if !ok {
		return nil, nil, fmt.Errorf("%w: cannot %s a %s milestone", ErrInvalidState, action, cur.Status)
	}

	now := time.Now()
	ms := *cur
	ms.Status = to
	ms.UpdatedAt = now

	up := *acct
	up.UpdatedAt = now

	var movements []ledger.Movement

	switch action {
	case ActionFund:
		ms.FundedAt = &now
		up.FundedAmount += ms.Amount
		if up.Status == AccountPending {
			up.Status = AccountActive
		}
		movements = []ledger.Movement{{
			UserID:         acct.ClientID,
			AvailableDelta: -ms.Amount,
			EscrowDelta:    ms.Amount,
			Entry:          ledger.TxDebit,
			Amount:         ms.Amount,
			ReferenceID:    ms.ID,
			Description:    "milestone_funded",
		}}

	case ActionRelease:
		if acct.FreelancerID == "" {
			return nil, nil, fmt.Errorf("%w: account has no payee", ErrInvalidState)
		}
		ms.ReleasedAt = &now
		up.ReleasedAmount += ms.Amount
		movements = []ledger.Movement{
			{
				UserID:      acct.ClientID,
				EscrowDelta: -ms.Amount,
			},
			{
				UserID:         acct.FreelancerID,
				AvailableDelta: ms.Amount,
				Entry:          ledger.TxCredit,
				Amount:         ms.Amount,
				ReferenceID:    ms.ID,
				Description:    "milestone_released",
			},
		}

	case ActionDispute:
		ms.DisputeReason = reason

	case ActionRefund:
		ms.DisputeReason = cur.DisputeReason
		if reason != "" && cur.DisputeReason == "" {
			ms.DisputeReason = reason
		}
		up.FundedAmount -= ms.Amount
		movements = []ledger.Movement{{
			UserID:         acct.ClientID,
			AvailableDelta: ms.Amount,
			EscrowDelta:    -ms.Amount,
			Entry:          ledger.TxCredit,
			Amount:         ms.Amount,
			ReferenceID:    ms.ID,
			Description:    "milestone_refunded",
		}}
	}

	if action == ActionRelease || action == ActionRefund {
		siblings, err := s.store.GetMilestones(ctx, acct.ID)
		if err != nil {
			return nil, nil, err
		}
		up.Status = resolveAccountStatus(up.Status, siblings, &ms)
	}

	tr := &Transition{
		Milestone:      &ms,
		FromStatus:     cur.Status,
		Account:        &up,
		Movements:      movements,
		IdempotencyKey: idemKey,
		Operation:      action,
	}
	if err := s.store.ApplyTransition(ctx, tr); err != nil {
		return nil, nil, err
	}
	for _, mv := range movements {
		if mv.Entry != "" {
			metrics.LedgerTransactionsTotal.WithLabelValues(string(mv.Entry)).Inc()
		}
	}
	return &up, &ms, nil
}

// resolveAccountStatus decides the account status after a milestone resolves.
// Policy: once every milestone is terminal, the account completes if at least
// one milestone was released; an account whose milestones were all refunded
// is cancelled. Until then it stays as-is.
func resolveAccountStatus(current AccountStatus, milestones []*Milestone, updated *Milestone) AccountStatus {
	anyReleased := false
	for _, m := range milestones {
		st := m.Status
		if m.ID == updated.ID {
			st = updated.Status
		}
		switch st {
		case MilestoneReleased:
			anyReleased = true
		case MilestoneRefunded:
			// terminal, keep scanning
		default:
			return current
		}
	}
	if anyReleased {
		return AccountCompleted
	}
	return AccountCancelled
}

// authorize enforces who may drive each action on an account.
func (s *Service) authorize(caller Caller, acct *Account, action Action) error {
	if caller.Admin {
		switch action {
		case ActionRelease, ActionRefund:
			// Dispute-resolution actor settles disputes either way.
			return nil
		}
	}
	switch action {
	case ActionFund, ActionRelease, ActionRefund:
		if caller.ID != acct.ClientID {
			return ErrUnauthorized
		}
	case ActionDispute:
		if caller.ID != acct.ClientID && caller.ID != acct.FreelancerID {
			return ErrUnauthorized
		}
	}
	return nil
}

// replay returns the committed state for an idempotent retry.
func (s *Service) replay(ctx context.Context, milestoneID string) (*Account, *Milestone, error) {
	ms, err := s.store.GetMilestone(ctx, milestoneID)
	if err != nil {
		return nil, nil, err
	}
	acct, err := s.store.GetAccount(ctx, ms.EscrowAccountID)
	if err != nil {
		return nil, nil, err
	}
	return acct, ms, nil
}

func (s *Service) emit(action Action, acct *Account, ms *Milestone) {
	if s.emitter == nil {
		return
	}
	switch action {
	case ActionFund:
		s.emitter.MilestoneFunded(acct, ms)
	case ActionRelease:
		s.emitter.MilestoneReleased(acct, ms)
	case ActionDispute:
		s.emitter.MilestoneDisputed(acct, ms)
	case ActionRefund:
		s.emitter.MilestoneRefunded(acct, ms)
	}
	switch acct.Status {
	case AccountCompleted:
		s.emitter.AccountCompleted(acct)
	case AccountCancelled:
		s.emitter.AccountCancelled(acct)
	}
}
