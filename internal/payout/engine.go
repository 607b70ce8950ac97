// Package payout implements the pure payout calculation engine: given a
// market's commitments and a winning outcome, it computes per-user payouts
// and fees. No I/O — persistence and balance credits are the settlement
// orchestrator's job.
//
// Two modes exist:
//
//   - Preview mode: the house takes a fixed cut of the LOSING pool;
//     winners get their stake back in full plus a proportional share of
//     the fee-adjusted losing pool. Used for ad hoc payout previews.
//   - Settlement mode: house and creator fees come off the TOTAL pool,
//     and winners split what remains in proportion to their stakes. Used
//     by market resolution.
//
// Every division floors to integer tokens. The sum of payouts never
// exceeds the distributable pool; residual rounding dust is retained by
// the house, never distributed.
package payout

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/kai/ledger-engine/internal/model"
	"github.com/kai/ledger-engine/internal/stake"
)

// DefaultHouseFeeRate is the fixed house cut applied to the losing pool in
// preview mode, and the default total-pool house cut in settlement mode.
var DefaultHouseFeeRate = decimal.NewFromFloat(0.05)

// Calculation is the computed outcome for one commitment.
type Calculation struct {
	CommitmentID string `json:"commitment_id"`
	UserID       string `json:"user_id"`
	OptionID     string `json:"option_id"`
	Stake        int64  `json:"stake"`
	Payout       int64  `json:"payout"`
	Profit       int64  `json:"profit"`
	Won          bool   `json:"won"`
}

// Flag marks a commitment whose option and position disagree. Flagged
// commitments are excluded from pool math entirely; the caller records
// them in the audit trail instead of guessing a side.
type Flag struct {
	CommitmentID string `json:"commitment_id"`
	UserID       string `json:"user_id"`
	Reason       string `json:"reason"`
}

// Calculation modes.
const (
	ModePreview    = "preview"
	ModeSettlement = "settlement"
	ModeRefund     = "refund"
)

// Summary is the result of one payout calculation.
type Summary struct {
	Mode            string        `json:"mode"`
	WinningOptionID string        `json:"winning_option_id,omitempty"`
	TotalPool       int64         `json:"total_pool"`
	WinningPool     int64         `json:"winning_pool"`
	LosingPool      int64         `json:"losing_pool"`
	HouseFee        int64         `json:"house_fee"`
	CreatorFee      int64         `json:"creator_fee"`
	Distributable   int64         `json:"distributable"`
	TotalPayout     int64         `json:"total_payout"`
	WinnerCount     int           `json:"winner_count"`
	Calculations    []Calculation `json:"calculations"`
	Flagged         []Flag        `json:"flagged,omitempty"`
}

// partition splits commitments into winners and losers, excluding flagged
// ones, and accumulates the pools.
func partition(commitments []model.Commitment, options []model.MarketOption, winningOptionID string) (winners, losers []model.Commitment, flagged []Flag, winningPool, totalPool int64) {
	for _, c := range commitments {
		won, err := stake.IsWinner(&c, options, winningOptionID)
		if err != nil {
			flagged = append(flagged, Flag{
				CommitmentID: c.ID,
				UserID:       c.UserID,
				Reason:       err.Error(),
			})
			continue
		}
		totalPool += c.TokensCommitted
		if won {
			winningPool += c.TokensCommitted
			winners = append(winners, c)
		} else {
			losers = append(losers, c)
		}
	}
	return winners, losers, flagged, winningPool, totalPool
}

// feeOf floors rate * pool to whole tokens.
func feeOf(pool int64, rate decimal.Decimal) int64 {
	if pool <= 0 || rate.LessThanOrEqual(decimal.Zero) {
		return 0
	}
	return rate.Mul(decimal.NewFromInt(pool)).Floor().IntPart()
}

// shareOf computes floor(stake * pool / winningPool). The product is taken
// in decimal because stake * pool can overflow int64 on large markets.
func shareOf(stake, pool, winningPool int64) int64 {
	num := decimal.NewFromInt(stake).Mul(decimal.NewFromInt(pool))
	q, _ := num.QuoRem(decimal.NewFromInt(winningPool), 0)
	return q.IntPart()
}

// Preview computes payouts in losing-pool mode: the house fee is a fixed
// cut of the losing pool, winners get their stake back plus a
// proportional share of the remainder.
//
// When nobody staked the winning option every commitment loses, payouts
// are all zero, and the notional fee is still reported but nothing is
// distributed. When the losing pool is empty every winner receives
// exactly their stake and no fee applies.
func Preview(commitments []model.Commitment, options []model.MarketOption, winningOptionID string) Summary {
	winners, losers, flagged, winningPool, totalPool := partition(commitments, options, winningOptionID)
	losingPool := totalPool - winningPool

	houseFee := feeOf(losingPool, DefaultHouseFeeRate)
	distributable := losingPool - houseFee

	s := Summary{
		Mode:            ModePreview,
		WinningOptionID: winningOptionID,
		TotalPool:       totalPool,
		WinningPool:     winningPool,
		LosingPool:      losingPool,
		HouseFee:        houseFee,
		Distributable:   distributable,
		Flagged:         flagged,
	}

	if winningPool == 0 {
		for _, c := range losers {
			s.Calculations = append(s.Calculations, lossCalc(c))
		}
		return s
	}

	for _, c := range winners {
		share := shareOf(c.TokensCommitted, distributable, winningPool)
		payout := c.TokensCommitted + share
		s.Calculations = append(s.Calculations, Calculation{
			CommitmentID: c.ID,
			UserID:       c.UserID,
			OptionID:     winningOptionID,
			Stake:        c.TokensCommitted,
			Payout:       payout,
			Profit:       share,
			Won:          true,
		})
		s.TotalPayout += payout
		s.WinnerCount++
	}
	for _, c := range losers {
		s.Calculations = append(s.Calculations, lossCalc(c))
	}
	return s
}

// Settle computes payouts in total-pool mode: house and creator fees come
// off the total pool, and each winner receives
// floor(stake / totalWinnerStake * winnerPool).
func Settle(commitments []model.Commitment, options []model.MarketOption, winningOptionID string, houseFeeRate, creatorFeeRate decimal.Decimal) Summary {
	winners, losers, flagged, winningPool, totalPool := partition(commitments, options, winningOptionID)

	houseFee := feeOf(totalPool, houseFeeRate)
	creatorFee := feeOf(totalPool, creatorFeeRate)
	winnerPool := totalPool - houseFee - creatorFee

	s := Summary{
		Mode:            ModeSettlement,
		WinningOptionID: winningOptionID,
		TotalPool:       totalPool,
		WinningPool:     winningPool,
		LosingPool:      totalPool - winningPool,
		HouseFee:        houseFee,
		CreatorFee:      creatorFee,
		Distributable:   winnerPool,
		Flagged:         flagged,
	}

	if winningPool == 0 {
		for _, c := range losers {
			s.Calculations = append(s.Calculations, lossCalc(c))
		}
		return s
	}

	for _, c := range winners {
		payout := shareOf(c.TokensCommitted, winnerPool, winningPool)
		s.Calculations = append(s.Calculations, Calculation{
			CommitmentID: c.ID,
			UserID:       c.UserID,
			OptionID:     winningOptionID,
			Stake:        c.TokensCommitted,
			Payout:       payout,
			Profit:       payout - c.TokensCommitted,
			Won:          true,
		})
		s.TotalPayout += payout
		s.WinnerCount++
	}
	for _, c := range losers {
		s.Calculations = append(s.Calculations, lossCalc(c))
	}
	return s
}

// RefundAll treats every commitment as a winner with payout equal to its
// stake. Used when a market is cancelled.
func RefundAll(commitments []model.Commitment) Summary {
	s := Summary{Mode: ModeRefund}
	for _, c := range commitments {
		s.TotalPool += c.TokensCommitted
		s.Calculations = append(s.Calculations, Calculation{
			CommitmentID: c.ID,
			UserID:       c.UserID,
			OptionID:     c.OptionID,
			Stake:        c.TokensCommitted,
			Payout:       c.TokensCommitted,
			Won:          true,
		})
		s.TotalPayout += c.TokensCommitted
		s.WinnerCount++
	}
	s.WinningPool = s.TotalPool
	s.Distributable = s.TotalPool
	return s
}

func lossCalc(c model.Commitment) Calculation {
	return Calculation{
		CommitmentID: c.ID,
		UserID:       c.UserID,
		OptionID:     c.OptionID,
		Stake:        c.TokensCommitted,
		Payout:       0,
		Profit:       -c.TokensCommitted,
		Won:          false,
	}
}

// Validate checks the distribution invariant: the sum of payouts must not
// exceed the distributable pool plus returned stakes. Returns an error
// naming the overage; calculation bugs must never mint tokens.
func (s Summary) Validate() error {
	var sum int64
	for _, c := range s.Calculations {
		sum += c.Payout
	}
	limit := s.Distributable
	if s.Mode == ModePreview {
		// Preview mode pays stakes back on top of the distributable share.
		limit += s.WinningPool
	}
	if sum > limit {
		return fmt.Errorf("%w: payouts %d exceed distributable %d",
			model.ErrCorruptLedger, sum, limit)
	}
	return nil
}
