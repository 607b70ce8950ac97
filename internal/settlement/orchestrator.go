// Package settlement orchestrates market resolution: it turns a resolution
// decision into a payout job, drives the job through per-winner ledger
// credits with retries, and finalizes the market. Jobs are durable so an
// interrupted settlement can be resumed by the background worker.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kai/ledger-engine/internal/events"
	"github.com/kai/ledger-engine/internal/ledger"
	"github.com/kai/ledger-engine/internal/metrics"
	"github.com/kai/ledger-engine/internal/model"
	"github.com/kai/ledger-engine/internal/payout"
	"github.com/kai/ledger-engine/internal/retry"
	"github.com/kai/ledger-engine/internal/store"
)

// DefaultMaxRetries is how many times a payout job is re-attempted after
// a failed run before it is marked failed for good.
const DefaultMaxRetries = 3

// Orchestrator resolves and refunds markets.
type Orchestrator struct {
	store   store.Store
	ledger  *ledger.Service
	retrier *retry.Retrier
	hub     *events.Hub
	now     func() time.Time
}

// NewOrchestrator creates a settlement orchestrator. hub may be nil.
func NewOrchestrator(st store.Store, led *ledger.Service, hub *events.Hub) *Orchestrator {
	return &Orchestrator{
		store:   st,
		ledger:  led,
		retrier: retry.New(retry.DefaultPolicy(), nil),
		hub:     hub,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetRetryPolicy replaces the per-payout retry policy.
func (o *Orchestrator) SetRetryPolicy(p retry.Policy) {
	o.retrier = retry.New(p, nil)
}

// ResolveRequest carries an admin's resolution decision.
type ResolveRequest struct {
	MarketID        string          `json:"market_id"`
	WinningOptionID string          `json:"winning_option_id"`
	AdminID         string          `json:"admin_id"`
	Evidence        []string        `json:"evidence,omitempty"`
	CreatorFeeRate  decimal.Decimal `json:"creator_fee_rate"`
}

// ResolveMarket records a resolution decision, creates the payout job, and
// runs it. A job that fails transiently is left pending for the background
// worker to pick up; callers get the job either way.
func (o *Orchestrator) ResolveMarket(ctx context.Context, req ResolveRequest) (*model.PayoutJob, error) {
	const op = "settlement.resolve"

	market, err := o.store.GetMarket(ctx, req.MarketID)
	if err != nil {
		return nil, err
	}
	switch market.Status {
	case model.MarketActive, model.MarketClosed, model.MarketPendingResolution:
	default:
		return nil, model.E(model.CodeConflict, op,
			fmt.Errorf("market is %s and cannot be resolved", market.Status))
	}
	if market.Option(req.WinningOptionID) == nil {
		return nil, model.E(model.CodeValidation, op,
			fmt.Errorf("%w: %s", model.ErrUnknownOption, req.WinningOptionID))
	}
	if req.CreatorFeeRate.IsNegative() || req.CreatorFeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, model.E(model.CodeValidation, op,
			fmt.Errorf("creator fee rate %s out of range [0,1)", req.CreatorFeeRate))
	}

	job := &model.PayoutJob{
		ID:              uuid.New().String(),
		MarketID:        req.MarketID,
		WinningOptionID: req.WinningOptionID,
		AdminID:         req.AdminID,
		Evidence:        req.Evidence,
		CreatorFeeRate:  req.CreatorFeeRate,
		Status:          model.JobPending,
		MaxRetries:      DefaultMaxRetries,
		StartedAt:       o.now(),
	}
	if err := o.store.CreatePayoutJob(ctx, job); err != nil {
		return nil, err
	}

	market.Status = model.MarketResolving
	market.WinningOptionID = req.WinningOptionID
	if err := o.store.UpdateMarket(ctx, market); err != nil {
		return nil, err
	}

	if err := o.RunJob(ctx, job); err != nil {
		slog.Error("settlement run failed", "job", job.ID, "market", job.MarketID, "err", err)
	}
	return job, nil
}

// RefundMarket cancels a market and returns every active stake to its
// owner. Like resolution it runs through a payout job, so partial refunds
// are resumed rather than repeated.
func (o *Orchestrator) RefundMarket(ctx context.Context, marketID, adminID, reason string) (*model.PayoutJob, error) {
	const op = "settlement.refund"

	market, err := o.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	switch market.Status {
	case model.MarketActive, model.MarketClosed, model.MarketPendingResolution:
	default:
		return nil, model.E(model.CodeConflict, op,
			fmt.Errorf("market is %s and cannot be refunded", market.Status))
	}

	job := &model.PayoutJob{
		ID:         uuid.New().String(),
		MarketID:   marketID,
		AdminID:    adminID,
		Evidence:   []string{reason},
		Refund:     true,
		Status:     model.JobPending,
		MaxRetries: DefaultMaxRetries,
		StartedAt:  o.now(),
	}
	if err := o.store.CreatePayoutJob(ctx, job); err != nil {
		return nil, err
	}

	market.Status = model.MarketResolving
	if err := o.store.UpdateMarket(ctx, market); err != nil {
		return nil, err
	}

	if err := o.RunJob(ctx, job); err != nil {
		slog.Error("refund run failed", "job", job.ID, "market", job.MarketID, "err", err)
	}
	return job, nil
}

// Preview computes what a resolution would pay without moving any tokens.
// A creator fee selects the full settlement math; otherwise the quote uses
// the simpler losing-pool split.
func (o *Orchestrator) Preview(ctx context.Context, marketID, winningOptionID string, creatorFeeRate decimal.Decimal) (*payout.Summary, error) {
	market, err := o.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if market.Option(winningOptionID) == nil {
		return nil, model.E(model.CodeValidation, "settlement.preview",
			fmt.Errorf("%w: %s", model.ErrUnknownOption, winningOptionID))
	}
	commitments, err := o.activeCommitments(ctx, marketID)
	if err != nil {
		return nil, err
	}

	var s payout.Summary
	if creatorFeeRate.IsPositive() {
		s = payout.Settle(commitments, market.Options, winningOptionID, payout.DefaultHouseFeeRate, creatorFeeRate)
	} else {
		s = payout.Preview(commitments, market.Options, winningOptionID)
	}
	if err := s.Validate(); err != nil {
		return nil, model.E(model.CodeFatal, "settlement.preview", err)
	}
	return &s, nil
}

// GetJob returns a payout job by ID.
func (o *Orchestrator) GetJob(ctx context.Context, jobID string) (*model.PayoutJob, error) {
	return o.store.GetPayoutJob(ctx, jobID)
}

// RunJob executes one attempt of a payout job. On success the job and its
// market reach their terminal states. On failure the job goes back to
// pending (or failed once retries are exhausted) with the error recorded.
//
// The run is idempotent: each commitment's status gates its credit, so a
// re-run after a partial failure only touches the stakes that have not
// been paid yet.
func (o *Orchestrator) RunJob(ctx context.Context, job *model.PayoutJob) error {
	start := time.Now()
	job.Status = model.JobProcessing
	if err := o.store.UpdatePayoutJob(ctx, job); err != nil {
		return err
	}

	runErr := o.runOnce(ctx, job)
	metrics.SettlementDuration.Observe(time.Since(start).Seconds())

	if runErr == nil {
		now := o.now()
		job.Status = model.JobCompleted
		job.CompletedAt = &now
		job.LastError = ""
		if err := o.store.UpdatePayoutJob(ctx, job); err != nil {
			return err
		}
		metrics.SettlementsTotal.WithLabelValues("completed").Inc()
		return nil
	}

	job.RetryCount++
	job.LastError = runErr.Error()
	if job.RetryCount > job.MaxRetries {
		job.Status = model.JobFailed
		metrics.SettlementsTotal.WithLabelValues("failed").Inc()
		slog.Error("payout job failed permanently",
			"job", job.ID, "market", job.MarketID, "retries", job.RetryCount, "err", runErr)
	} else {
		job.Status = model.JobPending
		slog.Warn("payout job attempt failed",
			"job", job.ID, "market", job.MarketID, "attempt", job.RetryCount, "err", runErr)
	}
	if err := o.store.UpdatePayoutJob(ctx, job); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

func (o *Orchestrator) runOnce(ctx context.Context, job *model.PayoutJob) error {
	market, err := o.store.GetMarket(ctx, job.MarketID)
	if err != nil {
		return err
	}
	commitments, err := o.store.ListCommitmentsByMarket(ctx, job.MarketID)
	if err != nil {
		return err
	}

	// The plan is computed over every stake that was in the pool at
	// resolution time, including ones already settled by a prior partial
	// run. Recomputing over only the still-active stakes would shrink the
	// pools and change the remaining payouts. Only pre-resolution
	// rollbacks (status refunded on a non-refund job) left the pool.
	var inPool []model.Commitment
	for _, c := range commitments {
		switch c.Status {
		case model.CommitmentActive, model.CommitmentWon, model.CommitmentLost:
			inPool = append(inPool, c)
		case model.CommitmentRefunded:
			// Refunded by this job on a prior attempt, as opposed to
			// rolled back by the user before the job started.
			if job.Refund && c.ResolvedAt != nil && !c.ResolvedAt.Before(job.StartedAt) {
				inPool = append(inPool, c)
			}
		}
	}

	var summary payout.Summary
	if job.Refund {
		summary = payout.RefundAll(inPool)
	} else {
		summary = payout.Settle(inPool, market.Options, job.WinningOptionID, payout.DefaultHouseFeeRate, job.CreatorFeeRate)
	}
	if err := summary.Validate(); err != nil {
		// A payout plan exceeding the pool is a bug; never apply it.
		return model.E(model.CodeFatal, "settlement.run", err)
	}
	for _, f := range summary.Flagged {
		slog.Warn("commitment excluded from settlement",
			"job", job.ID, "commitment", f.CommitmentID, "user", f.UserID, "reason", f.Reason)
	}

	if err := o.applyCalculations(ctx, job, summary); err != nil {
		return err
	}

	// The summary covers the whole pool, so its totals are correct even
	// when this run only applied the stakes a prior attempt missed.
	job.TotalPayout = summary.TotalPayout
	job.WinnerCount = summary.WinnerCount

	now := o.now()
	if job.Refund {
		market.Status = model.MarketCancelled
	} else {
		market.Status = model.MarketResolved
		market.WinningOptionID = job.WinningOptionID
		market.TotalPayout = summary.TotalPayout
		market.WinnerCount = summary.WinnerCount
	}
	market.ResolvedAt = &now
	if err := o.store.UpdateMarket(ctx, market); err != nil {
		return err
	}

	eventType := events.TypeMarketResolved
	if job.Refund {
		eventType = events.TypeMarketRefunded
	}
	o.hub.Broadcast(events.Message{
		Type:     eventType,
		MarketID: market.ID,
		OptionID: job.WinningOptionID,
		Payout:   summary.TotalPayout,
		Status:   market.Status,
	})
	slog.Info("market settled",
		"job", job.ID,
		"market", market.ID,
		"refund", job.Refund,
		"total_payout", summary.TotalPayout,
		"winners", summary.WinnerCount,
	)
	return nil
}

// applyCalculations applies each calculation as an independent ledger
// adjustment. Wins and refunds are retried individually; losses are a
// status change only, since the stake was already debited at commit time.
func (o *Orchestrator) applyCalculations(ctx context.Context, job *model.PayoutJob, summary payout.Summary) error {
	var failed int
	for _, calc := range summary.Calculations {
		if err := o.applyOne(ctx, job, calc); err != nil {
			failed++
			slog.Error("payout credit failed",
				"job", job.ID, "commitment", calc.CommitmentID, "user", calc.UserID, "err", err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("settlement: %d of %d payouts failed", failed, len(summary.Calculations))
	}
	return nil
}

func (o *Orchestrator) applyOne(ctx context.Context, job *model.PayoutJob, calc payout.Calculation) error {
	// Re-check status inside the retry loop so a credit that landed on a
	// prior attempt is not applied twice.
	key := "payout:" + calc.CommitmentID
	err := o.retrier.Do(ctx, key, func(ctx context.Context) error {
		c, err := o.store.GetCommitment(ctx, calc.CommitmentID)
		if err != nil {
			return err
		}
		if c.Status != model.CommitmentActive {
			return nil
		}

		now := o.now()
		switch {
		case job.Refund:
			if _, _, err := o.ledger.AdjustBalance(ctx, ledger.Adjustment{
				UserID:    calc.UserID,
				Type:      model.TxnRefund,
				Tokens:    calc.Stake,
				RelatedID: c.ID,
			}); err != nil {
				return err
			}
			metrics.PayoutsTotal.WithLabelValues("refund").Inc()
			return o.store.UpdateCommitmentStatus(ctx, c.ID, model.CommitmentRefunded, &now)

		case calc.Won:
			if _, _, err := o.ledger.AdjustBalance(ctx, ledger.Adjustment{
				UserID:    calc.UserID,
				Type:      model.TxnWin,
				Tokens:    calc.Stake,
				Payout:    calc.Payout,
				RelatedID: c.ID,
			}); err != nil {
				return err
			}
			metrics.PayoutsTotal.WithLabelValues("win").Inc()
			if err := o.store.UpdateCommitmentStatus(ctx, c.ID, model.CommitmentWon, &now); err != nil {
				return err
			}
			o.hub.Broadcast(events.Message{
				Type:         events.TypePayoutCredited,
				MarketID:     job.MarketID,
				UserID:       calc.UserID,
				CommitmentID: c.ID,
				Payout:       calc.Payout,
			})
			return nil

		default:
			// A loss moves no tokens; the stake stays recorded against
			// the commitment.
			return o.store.UpdateCommitmentStatus(ctx, c.ID, model.CommitmentLost, &now)
		}
	})
	return err
}

func (o *Orchestrator) activeCommitments(ctx context.Context, marketID string) ([]model.Commitment, error) {
	all, err := o.store.ListCommitmentsByMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	var open []model.Commitment
	for _, c := range all {
		if c.Status == model.CommitmentActive {
			open = append(open, c)
		}
	}
	return open, nil
}
