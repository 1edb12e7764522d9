// Package contracts holds the contract collaborator boundary. Contract
// negotiation and agreement live upstream; the escrow engine only needs to
// resolve a contract's parties and confirm it is active before money is
// committed against it.
package contracts

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("contract not found")
	ErrInvalidStatus = errors.New("invalid contract status for this operation")
)

// Status represents the state of a contract as reported by the upstream
// contract system.
type Status string

const (
	StatusDraft     Status = "draft"     // terms still being agreed
	StatusActive    Status = "active"    // fully agreed, escrow may be opened
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Contract is the slice of the upstream contract the escrow engine needs:
// who pays, who gets paid, and whether the agreement is in force.
type Contract struct {
	ID           string    `json:"id"`
	ClientID     string    `json:"clientId"`
	FreelancerID string    `json:"freelancerId,omitempty"`
	Title        string    `json:"title,omitempty"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Reader resolves contracts. The escrow service depends on this interface
// only; the backing store is a local mirror kept current by the upstream
// system (or seeded directly in development mode).
type Reader interface {
	Get(ctx context.Context, id string) (*Contract, error)
}

// Store extends Reader with the write side used by the mirror sync endpoint
// and by tests.
type Store interface {
	Reader
	Put(ctx context.Context, c *Contract) error
}
