// Package model defines the core domain types shared across the ledger
// engine. Token amounts are whole int64 tokens; odds and fee rates use
// shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction types. The only defined entry points through which tokens
// enter or leave a user's balance.
const (
	TxnPurchase = "purchase"
	TxnCommit   = "commit"
	TxnWin      = "win"
	TxnLoss     = "loss"
	TxnRefund   = "refund"
	TxnRollback = "rollback"
)

// Transaction statuses.
const (
	TxnPending   = "pending"
	TxnCompleted = "completed"
	TxnFailed    = "failed"
)

// Commitment statuses.
const (
	CommitmentActive   = "active"
	CommitmentWon      = "won"
	CommitmentLost     = "lost"
	CommitmentRefunded = "refunded"
)

// Binary position aliases. Legacy binary markets store a position instead
// of an option ID; Options[0] of a binary market corresponds to "yes".
const (
	PositionYes = "yes"
	PositionNo  = "no"
)

// Market statuses.
const (
	MarketActive            = "active"
	MarketClosed            = "closed"
	MarketPendingResolution = "pending_resolution"
	MarketResolving         = "resolving"
	MarketResolved          = "resolved"
	MarketCancelled         = "cancelled"
)

// PayoutJob statuses.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// UserBalance is the per-user token balance record. Version is incremented
// on every mutation and used for optimistic concurrency: a write only
// succeeds if the stored version still matches the one that was read.
// Records are created lazily on first query and never deleted.
type UserBalance struct {
	UserID          string    `json:"user_id" db:"user_id"`
	AvailableTokens int64     `json:"available_tokens" db:"available_tokens"`
	CommittedTokens int64     `json:"committed_tokens" db:"committed_tokens"`
	TotalEarned     int64     `json:"total_earned" db:"total_earned"`
	TotalSpent      int64     `json:"total_spent" db:"total_spent"`
	Version         int64     `json:"version" db:"version"`
	LastUpdated     time.Time `json:"last_updated" db:"last_updated"`
}

// Transaction is an append-only ledger entry recording one balance
// mutation. Amount is the signed change to AvailableTokens (negative for
// debits). Never mutated after reaching completed/failed.
type Transaction struct {
	ID            string    `json:"id" db:"id"`
	UserID        string    `json:"user_id" db:"user_id"`
	Type          string    `json:"type" db:"type"`
	Amount        int64     `json:"amount" db:"amount"`
	BalanceBefore int64     `json:"balance_before" db:"balance_before"`
	BalanceAfter  int64     `json:"balance_after" db:"balance_after"`
	RelatedID     string    `json:"related_id,omitempty" db:"related_id"`
	Status        string    `json:"status" db:"status"`
	Timestamp     time.Time `json:"timestamp" db:"timestamp"`
}

// Commitment is a user's token stake on one market outcome.
// OptionID is canonical; Position is the legacy binary alias. Mutated only
// by settlement (status transition) or the commitment service (rollback);
// immutable once status leaves active.
type Commitment struct {
	ID               string          `json:"id" db:"id"`
	UserID           string          `json:"user_id" db:"user_id"`
	MarketID         string          `json:"market_id" db:"market_id"`
	OptionID         string          `json:"option_id,omitempty" db:"option_id"`
	Position         string          `json:"position,omitempty" db:"position"`
	TokensCommitted  int64           `json:"tokens_committed" db:"tokens_committed"`
	Odds             decimal.Decimal `json:"odds" db:"odds"`
	PotentialWinning int64           `json:"potential_winning" db:"potential_winning"`
	Status           string          `json:"status" db:"status"`
	CommitTxnID      string          `json:"commit_txn_id" db:"commit_txn_id"`
	CommittedAt      time.Time       `json:"committed_at" db:"committed_at"`
	ResolvedAt       *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`
}

// MarketOption is one mutually exclusive outcome of a market.
type MarketOption struct {
	ID               string `json:"id" db:"id"`
	Label            string `json:"label" db:"label"`
	TotalTokens      int64  `json:"total_tokens" db:"total_tokens"`
	ParticipantCount int    `json:"participant_count" db:"participant_count"`
}

// Market is a resolvable prediction with 2+ mutually exclusive options.
type Market struct {
	ID                string         `json:"id" db:"id"`
	Title             string         `json:"title" db:"title"`
	CreatorID         string         `json:"creator_id" db:"creator_id"`
	Status            string         `json:"status" db:"status"`
	Options           []MarketOption `json:"options" db:"options"`
	TotalTokensStaked int64          `json:"total_tokens_staked" db:"total_tokens_staked"`
	TotalParticipants int            `json:"total_participants" db:"total_participants"`
	WinningOptionID   string         `json:"winning_option_id,omitempty" db:"winning_option_id"`
	TotalPayout       int64          `json:"total_payout" db:"total_payout"`
	WinnerCount       int            `json:"winner_count" db:"winner_count"`
	EndsAt            time.Time      `json:"ends_at" db:"ends_at"`
	CreatedAt         time.Time      `json:"created_at" db:"created_at"`
	ResolvedAt        *time.Time     `json:"resolved_at,omitempty" db:"resolved_at"`
}

// Option returns the market option with the given ID, or nil.
func (m *Market) Option(id string) *MarketOption {
	for i := range m.Options {
		if m.Options[i].ID == id {
			return &m.Options[i]
		}
	}
	return nil
}

// PayoutJob drives one settlement (or refund) workflow for a market.
// Terminal states are completed, or failed after exhausting retries.
type PayoutJob struct {
	ID              string          `json:"id" db:"id"`
	MarketID        string          `json:"market_id" db:"market_id"`
	WinningOptionID string          `json:"winning_option_id,omitempty" db:"winning_option_id"`
	AdminID         string          `json:"admin_id,omitempty" db:"admin_id"`
	Evidence        []string        `json:"evidence,omitempty" db:"evidence"`
	CreatorFeeRate  decimal.Decimal `json:"creator_fee_rate" db:"creator_fee_rate"`
	Refund          bool            `json:"refund" db:"refund"`
	Status          string          `json:"status" db:"status"`
	RetryCount      int             `json:"retry_count" db:"retry_count"`
	MaxRetries      int             `json:"max_retries" db:"max_retries"`
	LastError       string          `json:"last_error,omitempty" db:"last_error"`
	TotalPayout     int64           `json:"total_payout" db:"total_payout"`
	WinnerCount     int             `json:"winner_count" db:"winner_count"`
	StartedAt       time.Time       `json:"started_at" db:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}
