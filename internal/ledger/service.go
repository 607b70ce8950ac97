// Package ledger implements the balance ledger service: atomic balance
// adjustments over the store's optimistic-concurrency primitives, with an
// append-only transaction log, rollback, and reconciliation.
//
// Every adjustment is a read-modify-write of one user's balance record
// guarded by the record's version counter. A lost race is retried from the
// read up to a bound, then surfaced as CONCURRENT_MODIFICATION. Two
// operations on different users never contend.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kai/ledger-engine/internal/metrics"
	"github.com/kai/ledger-engine/internal/model"
	"github.com/kai/ledger-engine/internal/store"
)

// defaultMaxAttempts bounds the compare-and-swap retry loop.
const defaultMaxAttempts = 5

// Service exposes atomic balance operations.
type Service struct {
	store        store.Store
	maxAttempts  int
	initialGrant int64
}

// NewService creates a balance ledger service.
func NewService(st store.Store) *Service {
	return &Service{
		store:       st,
		maxAttempts: defaultMaxAttempts,
	}
}

// SetInitialGrant sets the token balance new users start with.
func (s *Service) SetInitialGrant(tokens int64) {
	if tokens >= 0 {
		s.initialGrant = tokens
	}
}

// Adjustment describes one balance mutation. Tokens is the stake or
// purchase amount and must be positive; Payout is the amount credited to
// available tokens for win adjustments.
type Adjustment struct {
	UserID    string
	Type      string // model.TxnPurchase, TxnCommit, TxnWin, TxnRefund
	Tokens    int64
	Payout    int64
	RelatedID string
}

// ValidationResult is the outcome of a sufficiency pre-check.
type ValidationResult struct {
	IsValid         bool   `json:"is_valid"`
	AvailableAmount int64  `json:"available_amount"`
	ErrorMessage    string `json:"error_message,omitempty"`
}

// GetBalance returns a user's balance, creating a zero-balance record on
// first query. Balance records are never deleted.
func (s *Service) GetBalance(ctx context.Context, userID string) (*model.UserBalance, error) {
	b, err := s.store.GetBalance(ctx, userID)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}
	return s.CreateInitialBalance(ctx, userID)
}

// CreateInitialBalance creates a zero-balance record for a user, then
// credits the configured starting grant as a purchase so the grant is
// backed by a ledger entry. Idempotent: an existing record is returned
// unchanged and never re-granted.
func (s *Service) CreateInitialBalance(ctx context.Context, userID string) (*model.UserBalance, error) {
	b := &model.UserBalance{
		UserID:      userID,
		Version:     1,
		LastUpdated: time.Now().UTC(),
	}
	err := s.store.CreateBalance(ctx, b)
	if errors.Is(err, model.ErrAlreadyExists) {
		return s.store.GetBalance(ctx, userID)
	}
	if err != nil {
		return nil, err
	}
	if s.initialGrant > 0 {
		granted, _, err := s.AdjustBalance(ctx, Adjustment{
			UserID:    userID,
			Type:      model.TxnPurchase,
			Tokens:    s.initialGrant,
			RelatedID: "initial-grant",
		})
		if err != nil {
			return nil, err
		}
		return granted, nil
	}
	return b, nil
}

// ValidateSufficientBalance checks whether a user can cover amount from
// available tokens. This is a fail-fast pre-check only: the atomic
// adjustment's own check is the authoritative guard.
func (s *Service) ValidateSufficientBalance(ctx context.Context, userID string, amount int64) (*ValidationResult, error) {
	if amount <= 0 {
		return &ValidationResult{ErrorMessage: model.ErrInvalidAmount.Error()}, nil
	}
	b, err := s.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	res := &ValidationResult{AvailableAmount: b.AvailableTokens}
	if b.AvailableTokens >= amount {
		res.IsValid = true
	} else {
		res.ErrorMessage = fmt.Sprintf("insufficient balance: have %d, need %d",
			b.AvailableTokens, amount)
	}
	return res, nil
}

// AdjustBalance applies one adjustment atomically: it reads the balance
// (creating it if absent), applies the delta per the adjustment type,
// increments the version, and writes the balance together with a ledger
// entry in a single store transaction. Version conflicts retry the whole
// sequence up to a bound.
func (s *Service) AdjustBalance(ctx context.Context, adj Adjustment) (*model.UserBalance, *model.Transaction, error) {
	if adj.Tokens <= 0 {
		return nil, nil, model.E(model.CodeValidation, "ledger.adjust", model.ErrInvalidAmount)
	}

	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		bal, err := s.GetBalance(ctx, adj.UserID)
		if err != nil {
			return nil, nil, err
		}

		updated, txn, err := applyAdjustment(bal, adj)
		if err != nil {
			return nil, nil, err
		}

		err = s.store.ApplyAdjustment(ctx, updated, bal.Version, txn)
		if err == nil {
			slog.Info("balance adjusted",
				"user", adj.UserID,
				"type", adj.Type,
				"amount", txn.Amount,
				"available", updated.AvailableTokens,
				"committed", updated.CommittedTokens,
				"version", updated.Version,
			)
			return updated, txn, nil
		}
		if errors.Is(err, model.ErrVersionConflict) {
			metrics.VersionConflicts.Inc()
			continue
		}
		return nil, nil, err
	}

	return nil, nil, model.E(model.CodeConflict, "ledger.adjust", model.ErrConcurrentModification)
}

// applyAdjustment computes the updated balance and the ledger entry for
// one adjustment. Pure: no I/O, no mutation of bal.
func applyAdjustment(bal *model.UserBalance, adj Adjustment) (*model.UserBalance, *model.Transaction, error) {
	updated := *bal
	var amount int64

	switch adj.Type {
	case model.TxnPurchase:
		updated.AvailableTokens += adj.Tokens
		updated.TotalEarned += adj.Tokens
		amount = adj.Tokens

	case model.TxnCommit:
		if bal.AvailableTokens-adj.Tokens < 0 {
			metrics.InsufficientBalance.Inc()
			return nil, nil, model.E(model.CodeValidation, "ledger.adjust",
				fmt.Errorf("%w: have %d, need %d",
					model.ErrInsufficientBalance, bal.AvailableTokens, adj.Tokens))
		}
		updated.AvailableTokens -= adj.Tokens
		updated.CommittedTokens += adj.Tokens
		updated.TotalSpent += adj.Tokens
		amount = -adj.Tokens

	case model.TxnWin:
		if bal.CommittedTokens < adj.Tokens {
			return nil, nil, model.E(model.CodeFatal, "ledger.adjust",
				fmt.Errorf("%w: committed %d below stake %d",
					model.ErrCorruptLedger, bal.CommittedTokens, adj.Tokens))
		}
		updated.CommittedTokens -= adj.Tokens
		updated.AvailableTokens += adj.Payout
		updated.TotalEarned += adj.Payout
		amount = adj.Payout

	case model.TxnRefund:
		if bal.CommittedTokens < adj.Tokens {
			return nil, nil, model.E(model.CodeFatal, "ledger.adjust",
				fmt.Errorf("%w: committed %d below stake %d",
					model.ErrCorruptLedger, bal.CommittedTokens, adj.Tokens))
		}
		updated.CommittedTokens -= adj.Tokens
		updated.AvailableTokens += adj.Tokens
		amount = adj.Tokens

	default:
		return nil, nil, model.E(model.CodeValidation, "ledger.adjust",
			fmt.Errorf("unsupported adjustment type %q", adj.Type))
	}

	now := time.Now().UTC()
	updated.Version = bal.Version + 1
	updated.LastUpdated = now

	txn := &model.Transaction{
		ID:            uuid.New().String(),
		UserID:        adj.UserID,
		Type:          adj.Type,
		Amount:        amount,
		BalanceBefore: bal.AvailableTokens,
		BalanceAfter:  updated.AvailableTokens,
		RelatedID:     adj.RelatedID,
		Status:        model.TxnCompleted,
		Timestamp:     now,
	}
	return &updated, txn, nil
}

// RollbackTransaction applies the inverse of a prior transaction through
// the same atomic path, appending a rollback entry that references the
// original. A transaction that does not exist, or that has already been
// rolled back, fails with NOT_FOUND. Only commit and purchase entries
// support rollback; settlement credits are reversed by settlement itself.
//
// The HasRollback check up front is a fast path only: the store enforces
// rollback uniqueness per original transaction inside ApplyAdjustment
// itself, so two concurrent rollbacks cannot both release the stake.
func (s *Service) RollbackTransaction(ctx context.Context, txnID, reason string) (*model.Transaction, error) {
	orig, err := s.store.GetTransaction(ctx, txnID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, model.E(model.CodeNotFound, "ledger.rollback", model.ErrNotFound)
		}
		return nil, err
	}
	if orig.Type == model.TxnRollback {
		return nil, model.E(model.CodeNotFound, "ledger.rollback", model.ErrAlreadyRolledBack)
	}
	if orig.Status != model.TxnCompleted {
		return nil, model.E(model.CodeValidation, "ledger.rollback",
			fmt.Errorf("transaction %s is %s, not completed", txnID, orig.Status))
	}

	rolled, err := s.store.HasRollback(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if rolled {
		return nil, model.E(model.CodeNotFound, "ledger.rollback", model.ErrAlreadyRolledBack)
	}

	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		bal, err := s.GetBalance(ctx, orig.UserID)
		if err != nil {
			return nil, err
		}

		updated, txn, err := applyRollback(bal, orig)
		if err != nil {
			return nil, err
		}

		err = s.store.ApplyAdjustment(ctx, updated, bal.Version, txn)
		if err == nil {
			metrics.RollbacksTotal.Inc()
			slog.Info("transaction rolled back",
				"user", orig.UserID,
				"original", orig.ID,
				"rollback", txn.ID,
				"reason", reason,
			)
			return txn, nil
		}
		if errors.Is(err, model.ErrVersionConflict) {
			metrics.VersionConflicts.Inc()
			continue
		}
		if errors.Is(err, model.ErrAlreadyRolledBack) {
			// A concurrent rollback of the same transaction won the race.
			return nil, model.E(model.CodeNotFound, "ledger.rollback", model.ErrAlreadyRolledBack)
		}
		return nil, err
	}

	return nil, model.E(model.CodeConflict, "ledger.rollback", model.ErrConcurrentModification)
}

// applyRollback computes the inverse adjustment for a transaction.
func applyRollback(bal *model.UserBalance, orig *model.Transaction) (*model.UserBalance, *model.Transaction, error) {
	updated := *bal
	tokens := orig.Amount
	if tokens < 0 {
		tokens = -tokens
	}

	switch orig.Type {
	case model.TxnCommit:
		// Inverse of commit: release the committed stake back to available.
		if bal.CommittedTokens < tokens {
			return nil, nil, model.E(model.CodeFatal, "ledger.rollback",
				fmt.Errorf("%w: committed %d below rollback stake %d",
					model.ErrCorruptLedger, bal.CommittedTokens, tokens))
		}
		updated.CommittedTokens -= tokens
		updated.AvailableTokens += tokens

	case model.TxnPurchase:
		if bal.AvailableTokens < tokens {
			return nil, nil, model.E(model.CodeValidation, "ledger.rollback",
				fmt.Errorf("%w: have %d, rollback needs %d",
					model.ErrInsufficientBalance, bal.AvailableTokens, tokens))
		}
		updated.AvailableTokens -= tokens

	default:
		return nil, nil, model.E(model.CodeValidation, "ledger.rollback",
			fmt.Errorf("transactions of type %q cannot be rolled back", orig.Type))
	}

	now := time.Now().UTC()
	updated.Version = bal.Version + 1
	updated.LastUpdated = now

	txn := &model.Transaction{
		ID:            uuid.New().String(),
		UserID:        orig.UserID,
		Type:          model.TxnRollback,
		Amount:        -orig.Amount,
		BalanceBefore: bal.AvailableTokens,
		BalanceAfter:  updated.AvailableTokens,
		RelatedID:     orig.ID,
		Status:        model.TxnCompleted,
		Timestamp:     now,
	}
	return &updated, txn, nil
}

// Transactions returns a user's ledger entries ordered by timestamp.
func (s *Service) Transactions(ctx context.Context, userID string) ([]model.Transaction, error) {
	return s.store.ListTransactionsByUser(ctx, userID)
}
