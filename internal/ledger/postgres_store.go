package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/fundlock/fundlock/internal/idgen"
)

// ErrSerialization marks a transient storage conflict; callers retry a
// bounded number of times before surfacing a retryable error.
var ErrSerialization = errors.New("storage serialization conflict")

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db       *sql.DB
	currency string
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB, currency string) *PostgresStore {
	return &PostgresStore{db: db, currency: currency}
}

func (p *PostgresStore) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	bal := &Balance{UserID: userID}

	err := p.db.QueryRowContext(ctx, `
		SELECT available, pending, escrow_held, currency, updated_at
		FROM wallet_balances WHERE user_id = $1
	`, userID).Scan(&bal.Available, &bal.Pending, &bal.EscrowHeld, &bal.Currency, &bal.UpdatedAt)

	if err == sql.ErrNoRows {
		return &Balance{UserID: userID, Currency: p.currency}, nil
	}
	if err != nil {
		return nil, err
	}
	return bal, nil
}

func (p *PostgresStore) Transactions(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, type, amount, currency, status, description, reference_id, created_at, completed_at
		FROM wallet_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTransactions(rows)
}

func (p *PostgresStore) TransactionsByReference(ctx context.Context, refs []string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, type, amount, currency, status, description, reference_id, created_at, completed_at
		FROM wallet_transactions
		WHERE reference_id = ANY($1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, pq.Array(refs), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTransactions(rows)
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var txns []*Transaction
	for rows.Next() {
		t := &Transaction{}
		var description, reference sql.NullString
		var completedAt sql.NullTime
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &t.Amount, &t.Currency, &t.Status,
			&description, &reference, &t.CreatedAt, &completedAt); err != nil {
			return nil, err
		}
		t.Description = description.String
		t.ReferenceID = reference.String
		if completedAt.Valid {
			t.CompletedAt = &completedAt.Time
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

func (p *PostgresStore) HasReference(ctx context.Context, reference string) (bool, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM wallet_transactions
		WHERE reference_id = $1 AND type = 'credit' AND status = 'completed'
	`, reference).Scan(&count)
	return count > 0, err
}

func (p *PostgresStore) Apply(ctx context.Context, movements []Movement) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := ApplyMovementsTx(ctx, tx, p.currency, movements); err != nil {
		return err
	}
	return MapPQError(tx.Commit())
}

// ApplyMovementsTx applies movements inside an existing transaction. The
// escrow store uses this to combine milestone state changes and wallet
// movements into one atomic unit. CHECK constraints on wallet_balances
// backstop the non-negativity invariants.
func ApplyMovementsTx(ctx context.Context, tx *sql.Tx, currency string, movements []Movement) error {
	for _, mv := range movements {
		if mv.Entry != "" && mv.Amount <= 0 {
			return ErrInvalidAmount
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO wallet_balances (user_id, available, pending, escrow_held, currency, updated_at)
			VALUES ($1, $2, 0, $3, $4, NOW())
			ON CONFLICT (user_id) DO UPDATE SET
				available   = wallet_balances.available   + $2,
				escrow_held = wallet_balances.escrow_held + $3,
				updated_at  = NOW()
		`, mv.UserID, mv.AvailableDelta, mv.EscrowDelta, currency)
		if err != nil {
			return MapPQError(fmt.Errorf("update balance for %s: %w", mv.UserID, err))
		}

		if mv.Entry == "" {
			continue
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO wallet_transactions
				(id, user_id, type, amount, currency, status, description, reference_id, created_at, completed_at)
			VALUES ($1, $2, $3, $4, $5, 'completed', $6, $7, NOW(), NOW())
		`, idgen.WithPrefix("txn_"), mv.UserID, string(mv.Entry), mv.Amount, currency, mv.Description, mv.ReferenceID)
		if err != nil {
			return MapPQError(fmt.Errorf("record transaction for %s: %w", mv.UserID, err))
		}
	}
	return nil
}

// MapPQError translates PostgreSQL error codes into ledger sentinels:
// check-constraint violations become ErrInsufficientFunds (a balance would
// have gone negative) and serialization failures become ErrSerialization.
func MapPQError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23514": // check_violation
			return ErrInsufficientFunds
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return ErrSerialization
		}
	}
	return err
}
