package contracts

import (
	"context"
	"database/sql"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed contract store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Contract, error) {
	c := &Contract{}
	var freelancer, title sql.NullString

	err := p.db.QueryRowContext(ctx, `
		SELECT id, client_id, freelancer_id, title, status, created_at, updated_at
		FROM contracts WHERE id = $1
	`, id).Scan(&c.ID, &c.ClientID, &freelancer, &title, &c.Status, &c.CreatedAt, &c.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.FreelancerID = freelancer.String
	c.Title = title.String
	return c, nil
}

func (p *PostgresStore) Put(ctx context.Context, c *Contract) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO contracts (id, client_id, freelancer_id, title, status, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			client_id     = EXCLUDED.client_id,
			freelancer_id = EXCLUDED.freelancer_id,
			title         = EXCLUDED.title,
			status        = EXCLUDED.status,
			updated_at    = EXCLUDED.updated_at
	`, c.ID, c.ClientID, c.FreelancerID, c.Title, c.Status, c.CreatedAt, c.UpdatedAt)
	return err
}
