// Package odds computes pari-mutuel implied odds from market pool totals.
//
// The implied odds of an option are totalPool / optionPool: the multiple of
// their stake a bettor on that option would receive if the whole pool were
// distributed to that option, before fees. Odds use shopspring/decimal —
// never float64 for money. Token amounts stay integral; winnings estimates
// floor toward zero.
package odds

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrNegativePool is returned when a pool total is negative.
	ErrNegativePool = errors.New("odds: pool totals must be non-negative")

	// ErrPoolExceedsTotal is returned when an option's pool exceeds the
	// market's total pool.
	ErrPoolExceedsTotal = errors.New("odds: option pool exceeds total pool")
)

// OddsScale is the number of decimal places odds are rounded to.
const OddsScale int32 = 4

// Implied returns the pari-mutuel implied odds for an option given the
// market's total pool and the option's pool, both measured after the stake
// being quoted has been added. An empty option pool (a market with no
// stake yet) quotes even odds of 1.
func Implied(totalPool, optionPool int64) (decimal.Decimal, error) {
	if totalPool < 0 || optionPool < 0 {
		return decimal.Zero, ErrNegativePool
	}
	if optionPool > totalPool {
		return decimal.Zero, ErrPoolExceedsTotal
	}
	if optionPool == 0 {
		return decimal.NewFromInt(1), nil
	}
	return decimal.NewFromInt(totalPool).
		Div(decimal.NewFromInt(optionPool)).
		Round(OddsScale), nil
}

// PotentialWinning estimates the pre-fee payout of a stake at the given
// pools: floor(stake * totalPool / optionPool). Pools are measured with
// the stake included, so the estimate is never below the stake itself.
func PotentialWinning(stake, totalPool, optionPool int64) (int64, error) {
	if stake <= 0 {
		return 0, nil
	}
	if totalPool < 0 || optionPool < 0 {
		return 0, ErrNegativePool
	}
	if optionPool > totalPool {
		return 0, ErrPoolExceedsTotal
	}
	if optionPool == 0 {
		return stake, nil
	}
	// The product is taken in decimal because stake * totalPool can
	// overflow int64 on large markets; the division floors.
	num := decimal.NewFromInt(stake).Mul(decimal.NewFromInt(totalPool))
	q, _ := num.QuoRem(decimal.NewFromInt(optionPool), 0)
	return q.IntPart(), nil
}
