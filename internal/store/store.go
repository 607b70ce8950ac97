// Package store defines the persistence interface for the ledger engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"time"

	"github.com/kai/ledger-engine/internal/model"
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer for the query path only — the
// atomic adjustment path always goes through the primary.
type Store interface {
	// --- Balances ---

	// GetBalance retrieves a balance record, or model.ErrNotFound.
	GetBalance(ctx context.Context, userID string) (*model.UserBalance, error)

	// CreateBalance persists a new balance record. Returns
	// model.ErrAlreadyExists if the user already has one.
	CreateBalance(ctx context.Context, b *model.UserBalance) error

	// ApplyAdjustment writes the updated balance iff the stored version
	// still equals expectedVersion, and appends txn in the same atomic
	// step. Returns model.ErrVersionConflict when the compare-and-swap
	// loses a race.
	ApplyAdjustment(ctx context.Context, b *model.UserBalance, expectedVersion int64, txn *model.Transaction) error

	// --- Transaction log (append-only) ---

	// GetTransaction retrieves a ledger entry by ID.
	GetTransaction(ctx context.Context, id string) (*model.Transaction, error)

	// ListTransactionsByUser returns a user's ledger entries ordered by
	// timestamp.
	ListTransactionsByUser(ctx context.Context, userID string) ([]model.Transaction, error)

	// HasRollback reports whether a rollback entry referencing txnID
	// already exists.
	HasRollback(ctx context.Context, txnID string) (bool, error)

	// --- Commitments ---

	CreateCommitment(ctx context.Context, c *model.Commitment) error
	GetCommitment(ctx context.Context, id string) (*model.Commitment, error)
	ListCommitmentsByMarket(ctx context.Context, marketID string) ([]model.Commitment, error)
	ListCommitmentsByUser(ctx context.Context, userID string) ([]model.Commitment, error)
	ListCommitmentsByUserMarket(ctx context.Context, userID, marketID string) ([]model.Commitment, error)

	// UpdateCommitmentStatus moves a commitment out of active. Returns
	// model.ErrNotFound for unknown IDs.
	UpdateCommitmentStatus(ctx context.Context, id, status string, resolvedAt *time.Time) error

	// --- Markets ---

	CreateMarket(ctx context.Context, m *model.Market) error
	GetMarket(ctx context.Context, id string) (*model.Market, error)
	ListMarkets(ctx context.Context) ([]model.Market, error)
	UpdateMarket(ctx context.Context, m *model.Market) error

	// --- Payout jobs ---

	CreatePayoutJob(ctx context.Context, j *model.PayoutJob) error
	GetPayoutJob(ctx context.Context, id string) (*model.PayoutJob, error)
	UpdatePayoutJob(ctx context.Context, j *model.PayoutJob) error
	ListPayoutJobsByStatus(ctx context.Context, status string) ([]model.PayoutJob, error)
}
