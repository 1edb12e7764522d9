package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/fundlock/fundlock/internal/ledger"
)

// PostgresStore implements Store with PostgreSQL. Each transition runs in a
// single serializable transaction spanning the milestone row, the account
// row, the wallet tables, and the idempotency key, so a crash or conflict
// rolls everything back together.
type PostgresStore struct {
	db       *sql.DB
	currency string
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB, currency string) *PostgresStore {
	return &PostgresStore{db: db, currency: currency}
}

func (p *PostgresStore) CreateAccount(ctx context.Context, acct *Account, milestones []*Milestone) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrow_accounts
			(id, contract_id, client_id, freelancer_id, total_amount, funded_amount,
			 released_amount, status, currency, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, 0, 0, $6, $7, $8, $9)
	`, acct.ID, acct.ContractID, acct.ClientID, acct.FreelancerID,
		acct.TotalAmount, string(acct.Status), acct.Currency, acct.CreatedAt, acct.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" { // unique_violation on contract_id
			return ErrDuplicateEscrow
		}
		return fmt.Errorf("insert escrow account: %w", err)
	}

	for _, ms := range milestones {
		if err := insertMilestone(ctx, tx, ms); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertMilestone(ctx context.Context, tx *sql.Tx, ms *Milestone) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO milestones
			(id, escrow_account_id, title, amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ms.ID, ms.EscrowAccountID, ms.Title, ms.Amount, string(ms.Status), ms.CreatedAt, ms.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert milestone: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	return scanAccount(p.db.QueryRowContext(ctx, `
		SELECT id, contract_id, client_id, freelancer_id, total_amount, funded_amount,
		       released_amount, status, currency, created_at, updated_at
		FROM escrow_accounts WHERE id = $1
	`, id))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*Account, error) {
	acct := &Account{}
	var freelancer sql.NullString
	err := row.Scan(&acct.ID, &acct.ContractID, &acct.ClientID, &freelancer,
		&acct.TotalAmount, &acct.FundedAmount, &acct.ReleasedAmount,
		&acct.Status, &acct.Currency, &acct.CreatedAt, &acct.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	acct.FreelancerID = freelancer.String
	return acct, nil
}

func (p *PostgresStore) GetMilestone(ctx context.Context, id string) (*Milestone, error) {
	return scanMilestone(p.db.QueryRowContext(ctx, `
		SELECT id, escrow_account_id, title, amount, status, funded_at, released_at,
		       dispute_reason, created_at, updated_at
		FROM milestones WHERE id = $1
	`, id))
}

func scanMilestone(row rowScanner) (*Milestone, error) {
	ms := &Milestone{}
	var fundedAt, releasedAt sql.NullTime
	var reason sql.NullString
	err := row.Scan(&ms.ID, &ms.EscrowAccountID, &ms.Title, &ms.Amount, &ms.Status,
		&fundedAt, &releasedAt, &reason, &ms.CreatedAt, &ms.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if fundedAt.Valid {
		ms.FundedAt = &fundedAt.Time
	}
	if releasedAt.Valid {
		ms.ReleasedAt = &releasedAt.Time
	}
	ms.DisputeReason = reason.String
	return ms, nil
}

func (p *PostgresStore) GetMilestones(ctx context.Context, accountID string) ([]*Milestone, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, escrow_account_id, title, amount, status, funded_at, released_at,
		       dispute_reason, created_at, updated_at
		FROM milestones
		WHERE escrow_account_id = $1
		ORDER BY created_at ASC, id ASC
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Milestone
	for rows.Next() {
		ms, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ms)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListForUser(ctx context.Context, userID string, status AccountStatus, limit int) ([]*Account, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, contract_id, client_id, freelancer_id, total_amount, funded_amount,
		       released_amount, status, currency, created_at, updated_at
		FROM escrow_accounts
		WHERE (client_id = $1 OR freelancer_id = $1)`
	args := []any{userID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, string(status))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, acct)
	}
	return result, rows.Err()
}

func (p *PostgresStore) AddMilestone(ctx context.Context, ms *Milestone) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertMilestone(ctx, tx, ms); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" { // foreign_key_violation
			return ErrNotFound
		}
		return err
	}
	return tx.Commit()
}

// ApplyTransition applies the whole transition in one serializable
// transaction. The milestone UPDATE carries the compare-and-swap guard: a
// concurrent transition that got there first leaves zero rows affected and
// the caller sees ErrInvalidState. CHECK constraints on escrow_accounts and
// wallet_balances backstop the amount invariants.
func (p *PostgresStore) ApplyTransition(ctx context.Context, tr *Transition) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ms := tr.Milestone
	res, err := tx.ExecContext(ctx, `
		UPDATE milestones
		SET status = $1, funded_at = $2, released_at = $3, dispute_reason = NULLIF($4, ''),
		    updated_at = $5
		WHERE id = $6 AND status = $7
	`, string(ms.Status), ms.FundedAt, ms.ReleasedAt, ms.DisputeReason, ms.UpdatedAt,
		ms.ID, string(tr.FromStatus))
	if err != nil {
		return ledger.MapPQError(fmt.Errorf("update milestone: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInvalidState
	}

	acct := tr.Account
	_, err = tx.ExecContext(ctx, `
		UPDATE escrow_accounts
		SET funded_amount = $1, released_amount = $2, status = $3, updated_at = $4
		WHERE id = $5
	`, acct.FundedAmount, acct.ReleasedAmount, string(acct.Status), acct.UpdatedAt, acct.ID)
	if err != nil {
		return ledger.MapPQError(fmt.Errorf("update escrow account: %w", err))
	}

	if err := ledger.ApplyMovementsTx(ctx, tx, p.currency, tr.Movements); err != nil {
		return err
	}

	if tr.IdempotencyKey != "" {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO idempotency_keys (key, milestone_id, operation, created_at)
			VALUES ($1, $2, $3, NOW())
		`, tr.IdempotencyKey, ms.ID, string(tr.Operation))
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				return ErrIdempotencyConflict
			}
			return ledger.MapPQError(fmt.Errorf("record idempotency key: %w", err))
		}
	}

	return ledger.MapPQError(tx.Commit())
}

func (p *PostgresStore) GetIdempotencyKey(ctx context.Context, key string) (*IdempotencyRecord, error) {
	rec := &IdempotencyRecord{}
	err := p.db.QueryRowContext(ctx, `
		SELECT key, milestone_id, operation, created_at
		FROM idempotency_keys WHERE key = $1
	`, key).Scan(&rec.Key, &rec.MilestoneID, &rec.Operation, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}
