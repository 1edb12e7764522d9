package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fundlock/fundlock/internal/idgen"
	"github.com/fundlock/fundlock/internal/ledger"
	"github.com/fundlock/fundlock/internal/testutil"
)

// pgFixture seeds one account with one unfunded milestone and a client wallet
// holding `available` minor units.
type pgFixture struct {
	store  *PostgresStore
	wallet ledger.Store
	acct   *Account
	ms     *Milestone
}

func newPGFixture(t *testing.T, available int64) *pgFixture {
	t.Helper()

	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)

	store := NewPostgresStore(db, "USD")
	wallet := ledger.NewPostgresStore(db, "USD")
	ctx := context.Background()

	client := idgen.WithPrefix("user_")
	freelancer := idgen.WithPrefix("user_")
	if available > 0 {
		err := wallet.Apply(ctx, []ledger.Movement{{
			UserID:         client,
			AvailableDelta: available,
			Entry:          ledger.TxCredit,
			Amount:         available,
			ReferenceID:    idgen.WithPrefix("pay_"),
			Description:    "deposit",
		}})
		if err != nil {
			t.Fatalf("seed wallet: %v", err)
		}
	}

	now := time.Now().UTC()
	acct := &Account{
		ID:           idgen.WithPrefix("esc_"),
		ContractID:   idgen.WithPrefix("con_"),
		ClientID:     client,
		FreelancerID: freelancer,
		TotalAmount:  500_00,
		Status:       AccountPending,
		Currency:     "USD",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	ms := &Milestone{
		ID:              idgen.WithPrefix("ms_"),
		EscrowAccountID: acct.ID,
		Title:           "work",
		Amount:          500_00,
		Status:          MilestoneUnfunded,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := store.CreateAccount(ctx, acct, []*Milestone{ms}); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	return &pgFixture{store: store, wallet: wallet, acct: acct, ms: ms}
}

func (f *pgFixture) fundTransition(idemKey string) *Transition {
	now := time.Now().UTC()
	ms := *f.ms
	ms.Status = MilestoneFunded
	ms.FundedAt = &now
	ms.UpdatedAt = now
	acct := *f.acct
	acct.FundedAmount += ms.Amount
	acct.Status = AccountActive
	acct.UpdatedAt = now
	return &Transition{
		Milestone:  &ms,
		FromStatus: MilestoneUnfunded,
		Account:    &acct,
		Movements: []ledger.Movement{{
			UserID:         f.acct.ClientID,
			AvailableDelta: -ms.Amount,
			EscrowDelta:    ms.Amount,
			Entry:          ledger.TxDebit,
			Amount:         ms.Amount,
			ReferenceID:    ms.ID,
			Description:    "milestone_funded",
		}},
		IdempotencyKey: idemKey,
		Operation:      ActionFund,
	}
}

func TestPostgresStore_CreateAndRead(t *testing.T) {
	f := newPGFixture(t, 0)
	ctx := context.Background()

	got, err := f.store.GetAccount(ctx, f.acct.ID)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if got.ContractID != f.acct.ContractID || got.Status != AccountPending {
		t.Errorf("account mismatch: %+v", got)
	}

	ms, err := f.store.GetMilestones(ctx, f.acct.ID)
	if err != nil {
		t.Fatalf("GetMilestones: %v", err)
	}
	if len(ms) != 1 || ms[0].Status != MilestoneUnfunded {
		t.Errorf("milestones mismatch: %+v", ms)
	}

	// Duplicate contract ID is rejected.
	dup := *f.acct
	dup.ID = idgen.WithPrefix("esc_")
	if err := f.store.CreateAccount(ctx, &dup, nil); !errors.Is(err, ErrDuplicateEscrow) {
		t.Errorf("duplicate contract: got %v, want ErrDuplicateEscrow", err)
	}

	if _, err := f.store.GetAccount(ctx, "esc_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing account: got %v, want ErrNotFound", err)
	}

	accts, err := f.store.ListForUser(ctx, f.acct.ClientID, "", 10)
	if err != nil {
		t.Fatalf("ListForUser: %v", err)
	}
	if len(accts) != 1 {
		t.Errorf("ListForUser returned %d accounts, want 1", len(accts))
	}
}

func TestPostgresStore_ApplyTransition(t *testing.T) {
	f := newPGFixture(t, 500_00)
	ctx := context.Background()

	if err := f.store.ApplyTransition(ctx, f.fundTransition("pay_pg1")); err != nil {
		t.Fatalf("ApplyTransition: %v", err)
	}

	ms, err := f.store.GetMilestone(ctx, f.ms.ID)
	if err != nil {
		t.Fatalf("GetMilestone: %v", err)
	}
	if ms.Status != MilestoneFunded || ms.FundedAt == nil {
		t.Errorf("milestone after fund: %+v", ms)
	}

	bal, err := f.wallet.GetBalance(ctx, f.acct.ClientID)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if bal.Available != 0 || bal.EscrowHeld != 500_00 {
		t.Errorf("balance after fund: available=%d escrow=%d", bal.Available, bal.EscrowHeld)
	}

	rec, err := f.store.GetIdempotencyKey(ctx, "pay_pg1")
	if err != nil {
		t.Fatalf("GetIdempotencyKey: %v", err)
	}
	if rec == nil || rec.MilestoneID != f.ms.ID || rec.Operation != ActionFund {
		t.Errorf("idempotency record: %+v", rec)
	}

	// The CAS guard: replaying the unfunded->funded transition finds no
	// matching row.
	if err := f.store.ApplyTransition(ctx, f.fundTransition("pay_pg2")); !errors.Is(err, ErrInvalidState) {
		t.Errorf("stale transition: got %v, want ErrInvalidState", err)
	}

	// A reused key on a fresh transition conflicts on the primary key.
	ms2 := &Milestone{
		ID:              idgen.WithPrefix("ms_"),
		EscrowAccountID: f.acct.ID,
		Title:           "extra",
		Amount:          1_00,
		Status:          MilestoneUnfunded,
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}
	if err := f.store.AddMilestone(ctx, ms2); err != nil {
		t.Fatalf("AddMilestone: %v", err)
	}
}

func TestPostgresStore_InsufficientFundsRollsBack(t *testing.T) {
	f := newPGFixture(t, 100_00) // less than the 500.00 milestone
	ctx := context.Background()

	err := f.store.ApplyTransition(ctx, f.fundTransition("pay_pg1"))
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("got %v, want ErrInsufficientFunds", err)
	}

	// Everything in the transition must have rolled back.
	ms, err := f.store.GetMilestone(ctx, f.ms.ID)
	if err != nil {
		t.Fatalf("GetMilestone: %v", err)
	}
	if ms.Status != MilestoneUnfunded {
		t.Errorf("milestone status = %s after rollback, want unfunded", ms.Status)
	}
	acct, err := f.store.GetAccount(ctx, f.acct.ID)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acct.FundedAmount != 0 {
		t.Errorf("FundedAmount = %d after rollback, want 0", acct.FundedAmount)
	}
	rec, err := f.store.GetIdempotencyKey(ctx, "pay_pg1")
	if err != nil {
		t.Fatalf("GetIdempotencyKey: %v", err)
	}
	if rec != nil {
		t.Error("idempotency key survived a rolled-back transition")
	}
	bal, err := f.wallet.GetBalance(ctx, f.acct.ClientID)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if bal.Available != 100_00 {
		t.Errorf("available = %d after rollback, want 10000", bal.Available)
	}
}
