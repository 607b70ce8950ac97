package ledger

import (
	"context"
	"log/slog"

	"github.com/kai/ledger-engine/internal/model"
)

// Discrepancy names one field where the stored balance drifts from the
// value recomputed out of the transaction history.
type Discrepancy struct {
	Field    string `json:"field"`
	Expected int64  `json:"expected"`
	Actual   int64  `json:"actual"`
}

// ReconcileResult reports a balance reconciliation. ReconciledBalance is
// the recomputed record; it is never written back — drift is surfaced for
// manual review, not silently corrected.
type ReconcileResult struct {
	UserID             string             `json:"user_id"`
	HadInconsistencies bool               `json:"had_inconsistencies"`
	Fatal              bool               `json:"fatal"`
	Discrepancies      []Discrepancy      `json:"discrepancies,omitempty"`
	ReconciledBalance  *model.UserBalance `json:"reconciled_balance"`
}

// ReconcileUserBalance replays a user's transaction history and active
// commitments to recompute the expected balance, comparing it against the
// stored record.
//
// Fatal inconsistencies — a broken before/after chain in the ledger, or a
// negative recomputed balance — are flagged but never auto-corrected.
func (s *Service) ReconcileUserBalance(ctx context.Context, userID string) (*ReconcileResult, error) {
	stored, err := s.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	txns, err := s.store.ListTransactionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	commitments, err := s.store.ListCommitmentsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	res := &ReconcileResult{UserID: userID}

	// Replay the ledger. Amount is the signed change to available tokens,
	// so available is the running sum of completed entries.
	var available, earned, spent int64
	prevAfter := int64(0)
	for _, t := range txns {
		if t.Status != model.TxnCompleted {
			continue
		}
		if t.BalanceBefore != prevAfter || t.BalanceBefore+t.Amount != t.BalanceAfter {
			res.Fatal = true
			slog.Error("transaction chain broken",
				"user", userID,
				"txn", t.ID,
				"before", t.BalanceBefore,
				"after", t.BalanceAfter,
				"amount", t.Amount,
				"expected_before", prevAfter,
			)
		}
		available += t.Amount
		prevAfter = t.BalanceAfter
		switch t.Type {
		case model.TxnPurchase, model.TxnWin:
			earned += t.Amount
		case model.TxnCommit:
			spent += -t.Amount
		}
	}

	// Committed tokens are the stakes of commitments that have not been
	// released. Lost stakes stay committed; only win and refund release.
	var committed int64
	for _, c := range commitments {
		if c.Status == model.CommitmentActive || c.Status == model.CommitmentLost {
			committed += c.TokensCommitted
		}
	}

	if available < 0 || committed < 0 {
		res.Fatal = true
		slog.Error("reconciled balance negative",
			"user", userID, "available", available, "committed", committed)
	}

	check := func(field string, expected, actual int64) {
		if expected != actual {
			res.Discrepancies = append(res.Discrepancies, Discrepancy{
				Field: field, Expected: expected, Actual: actual,
			})
		}
	}
	check("available_tokens", available, stored.AvailableTokens)
	check("committed_tokens", committed, stored.CommittedTokens)
	check("total_earned", earned, stored.TotalEarned)
	check("total_spent", spent, stored.TotalSpent)

	res.HadInconsistencies = len(res.Discrepancies) > 0 || res.Fatal

	reconciled := *stored
	reconciled.AvailableTokens = available
	reconciled.CommittedTokens = committed
	reconciled.TotalEarned = earned
	reconciled.TotalSpent = spent
	res.ReconciledBalance = &reconciled

	if res.HadInconsistencies {
		slog.Warn("balance reconciliation found drift",
			"user", userID,
			"discrepancies", len(res.Discrepancies),
			"fatal", res.Fatal,
		)
	}
	return res, nil
}
