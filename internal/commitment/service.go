// Package commitment implements commitment creation and rollback: the
// validated entry point through which users stake tokens on a market
// outcome. Balance movement goes through the balance ledger; this service
// owns the commitment record and the market's option aggregates.
package commitment

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
	"github.com/kai/ledger-engine/internal/limits"
	"github.com/kai/ledger-engine/internal/metrics"
	"github.com/kai/ledger-engine/internal/model"
	"github.com/kai/ledger-engine/internal/odds"
	"github.com/kai/ledger-engine/internal/stake"
	"github.com/kai/ledger-engine/internal/store"
)

// DefaultRollbackWindow is how long after creation a commitment can be
// rolled back. Rollback is a short-window "change my mind" operation, not
// a general reversal tool.
const DefaultRollbackWindow = 24 * time.Hour

// Service validates and creates commitments.
type Service struct {
	store          store.Store
	ledger         *ledger.Service
	limiter        *limits.StakeLimiter
	hub            *events.Hub
	rollbackWindow time.Duration
	now            func() time.Time
}

// NewService creates a commitment service. limiter and hub may be nil.
func NewService(st store.Store, led *ledger.Service, limiter *limits.StakeLimiter, hub *events.Hub) *Service {
	return &Service{
		store:          st,
		ledger:         led,
		limiter:        limiter,
		hub:            hub,
		rollbackWindow: DefaultRollbackWindow,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// SetRollbackWindow overrides the rollback window.
func (s *Service) SetRollbackWindow(d time.Duration) {
	if d > 0 {
		s.rollbackWindow = d
	}
}

// Request names the stake being committed. Exactly one of OptionID and
// Position is required; when both are given they must agree.
type Request struct {
	UserID   string `json:"user_id"`
	MarketID string `json:"market_id"`
	OptionID string `json:"option_id,omitempty"`
	Position string `json:"position,omitempty"`
	Tokens   int64  `json:"tokens"`
}

// Create validates and creates a commitment.
//
// The balance pre-check exists only to fail fast with a friendly error;
// the ledger's atomic adjustment is the authoritative insufficiency guard,
// because the pre-check and the adjustment are separate transactions.
func (s *Service) Create(ctx context.Context, req Request) (*model.Commitment, error) {
	const op = "commitment.create"

	if req.Tokens <= 0 {
		metrics.CommitmentsTotal.WithLabelValues("rejected").Inc()
		return nil, model.E(model.CodeValidation, op, model.ErrInvalidAmount)
	}

	market, err := s.store.GetMarket(ctx, req.MarketID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, model.E(model.CodeValidation, op,
				fmt.Errorf("market %s: %w", req.MarketID, model.ErrNotFound))
		}
		return nil, err
	}
	if market.Status != model.MarketActive {
		metrics.CommitmentsTotal.WithLabelValues("rejected").Inc()
		return nil, model.E(model.CodeValidation, op,
			fmt.Errorf("%w: status %s", model.ErrMarketNotActive, market.Status))
	}
	now := s.now()
	if !market.EndsAt.IsZero() && now.After(market.EndsAt) {
		metrics.CommitmentsTotal.WithLabelValues("rejected").Inc()
		return nil, model.E(model.CodeValidation, op, model.ErrMarketEnded)
	}

	candidate := &model.Commitment{OptionID: req.OptionID, Position: req.Position}
	optionID, err := stake.Canonical(candidate, market.Options)
	if err != nil {
		metrics.CommitmentsTotal.WithLabelValues("rejected").Inc()
		return nil, model.E(model.CodeValidation, op, err)
	}

	if s.limiter != nil {
		if err := s.checkLimits(ctx, req.UserID, req.MarketID, req.Tokens); err != nil {
			metrics.CommitmentsTotal.WithLabelValues("rejected").Inc()
			return nil, err
		}
	}

	// Fail-fast sufficiency pre-check.
	check, err := s.ledger.ValidateSufficientBalance(ctx, req.UserID, req.Tokens)
	if err != nil {
		return nil, err
	}
	if !check.IsValid {
		metrics.CommitmentsTotal.WithLabelValues("rejected").Inc()
		return nil, model.E(model.CodeValidation, op,
			fmt.Errorf("%w: %s", model.ErrInsufficientBalance, check.ErrorMessage))
	}

	commitmentID := uuid.New().String()

	// Authoritative debit.
	_, txn, err := s.ledger.AdjustBalance(ctx, ledger.Adjustment{
		UserID:    req.UserID,
		Type:      model.TxnCommit,
		Tokens:    req.Tokens,
		RelatedID: commitmentID,
	})
	if err != nil {
		metrics.CommitmentsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	// Snapshot odds at commit time, with this stake included in the pools.
	opt := market.Option(optionID)
	impliedOdds, oddsErr := odds.Implied(market.TotalTokensStaked+req.Tokens, opt.TotalTokens+req.Tokens)
	potential, _ := odds.PotentialWinning(req.Tokens, market.TotalTokensStaked+req.Tokens, opt.TotalTokens+req.Tokens)
	if oddsErr != nil {
		// Pool totals should never be inconsistent here; keep the stake
		// placeable and record even odds.
		slog.Warn("odds snapshot failed", "market", req.MarketID, "err", oddsErr)
		impliedOdds = decimal.NewFromInt(1)
		potential = req.Tokens
	}

	c := &model.Commitment{
		ID:               commitmentID,
		UserID:           req.UserID,
		MarketID:         req.MarketID,
		OptionID:         optionID,
		Position:         stake.Position(optionID, market.Options),
		TokensCommitted:  req.Tokens,
		Odds:             impliedOdds,
		PotentialWinning: potential,
		Status:           model.CommitmentActive,
		CommitTxnID:      txn.ID,
		CommittedAt:      now,
	}

	if err := s.store.CreateCommitment(ctx, c); err != nil {
		// The debit landed but the commitment did not: undo the debit so
		// no tokens are stranded in committed.
		if _, rbErr := s.ledger.RollbackTransaction(ctx, txn.ID, "commitment create failed"); rbErr != nil {
			slog.Error("failed to undo commit debit",
				"user", req.UserID, "txn", txn.ID, "err", rbErr)
		}
		return nil, err
	}

	if err := s.refreshMarketAggregates(ctx, req.MarketID); err != nil {
		slog.Error("market aggregate update failed",
			"market", req.MarketID, "commitment", c.ID, "err", err)
	}

	metrics.CommitmentsTotal.WithLabelValues("created").Inc()
	slog.Info("commitment created",
		"id", c.ID,
		"user", c.UserID,
		"market", c.MarketID,
		"option", c.OptionID,
		"tokens", c.TokensCommitted,
		"odds", c.Odds.String(),
	)
	s.hub.Broadcast(events.Message{
		Type:         events.TypeCommitmentCreated,
		MarketID:     c.MarketID,
		UserID:       c.UserID,
		CommitmentID: c.ID,
		OptionID:     c.OptionID,
		Tokens:       c.TokensCommitted,
	})
	return c, nil
}

// checkLimits enforces per-market and aggregate stake limits.
func (s *Service) checkLimits(ctx context.Context, userID, marketID string, delta int64) error {
	existing, err := s.store.ListCommitmentsByUserMarket(ctx, userID, marketID)
	if err != nil {
		return err
	}
	var marketStake int64
	for _, c := range existing {
		if c.Status == model.CommitmentActive {
			marketStake += c.TokensCommitted
		}
	}
	bal, err := s.ledger.GetBalance(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.limiter.Check(marketStake, bal.CommittedTokens, delta); err != nil {
		return model.E(model.CodeValidation, "commitment.create", err)
	}
	return nil
}

// refreshMarketAggregates recomputes option totals and participant counts
// from the market's commitments and writes them back. The aggregates are
// derived data, so they are rebuilt from the commitment list rather than
// nudged by a delta: a write lost to a concurrent committer is corrected
// by the next refresh instead of drifting permanently. Rolled-back
// commitments drop out; resolved ones keep counting toward the pools.
func (s *Service) refreshMarketAggregates(ctx context.Context, marketID string) error {
	market, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return err
	}
	commitments, err := s.store.ListCommitmentsByMarket(ctx, marketID)
	if err != nil {
		return err
	}

	type optionTally struct {
		tokens int64
		users  map[string]struct{}
	}
	perOption := make(map[string]*optionTally, len(market.Options))
	for i := range market.Options {
		perOption[market.Options[i].ID] = &optionTally{users: make(map[string]struct{})}
	}
	marketUsers := make(map[string]struct{})
	var total int64
	for _, c := range commitments {
		if c.Status == model.CommitmentRefunded {
			continue
		}
		tally, ok := perOption[c.OptionID]
		if !ok {
			continue
		}
		tally.tokens += c.TokensCommitted
		tally.users[c.UserID] = struct{}{}
		marketUsers[c.UserID] = struct{}{}
		total += c.TokensCommitted
	}

	for i := range market.Options {
		tally := perOption[market.Options[i].ID]
		market.Options[i].TotalTokens = tally.tokens
		market.Options[i].ParticipantCount = len(tally.users)
	}
	market.TotalTokensStaked = total
	market.TotalParticipants = len(marketUsers)
	return s.store.UpdateMarket(ctx, market)
}

// CanRollback reports whether a commitment is still within its rollback
// window. Only active commitments qualify.
func (s *Service) CanRollback(ctx context.Context, commitmentID string) (bool, error) {
	c, err := s.store.GetCommitment(ctx, commitmentID)
	if err != nil {
		return false, err
	}
	return s.canRollback(c), nil
}

func (s *Service) canRollback(c *model.Commitment) bool {
	if c.Status != model.CommitmentActive {
		return false
	}
	return s.now().Sub(c.CommittedAt) <= s.rollbackWindow
}

// Rollback reverses a commitment: it re-validates ownership and the
// rollback window, rolls back the original commit transaction through the
// ledger, and marks the commitment refunded.
func (s *Service) Rollback(ctx context.Context, userID, commitmentID, reason string) (*model.Commitment, error) {
	const op = "commitment.rollback"

	c, err := s.store.GetCommitment(ctx, commitmentID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, model.E(model.CodeNotFound, op, model.ErrNotFound)
		}
		return nil, err
	}
	if c.UserID != userID {
		return nil, model.E(model.CodeValidation, op, model.ErrNotOwner)
	}
	if !s.canRollback(c) {
		if c.Status != model.CommitmentActive {
			return nil, model.E(model.CodeValidation, op,
				fmt.Errorf("commitment is %s, not active", c.Status))
		}
		return nil, model.E(model.CodeValidation, op, model.ErrRollbackWindow)
	}

	if _, err := s.ledger.RollbackTransaction(ctx, c.CommitTxnID, reason); err != nil {
		return nil, err
	}

	now := s.now()
	if err := s.store.UpdateCommitmentStatus(ctx, c.ID, model.CommitmentRefunded, &now); err != nil {
		return nil, err
	}
	c.Status = model.CommitmentRefunded
	c.ResolvedAt = &now

	if err := s.refreshMarketAggregates(ctx, c.MarketID); err != nil {
		slog.Error("market aggregate update failed",
			"market", c.MarketID, "commitment", c.ID, "err", err)
	}

	slog.Info("commitment rolled back",
		"id", c.ID, "user", userID, "reason", reason)
	s.hub.Broadcast(events.Message{
		Type:         events.TypeCommitmentRefunded,
		MarketID:     c.MarketID,
		UserID:       c.UserID,
		CommitmentID: c.ID,
		OptionID:     c.OptionID,
		Tokens:       c.TokensCommitted,
	})
	return c, nil
}

// Get returns a commitment by ID.
func (s *Service) Get(ctx context.Context, id string) (*model.Commitment, error) {
	return s.store.GetCommitment(ctx, id)
}
