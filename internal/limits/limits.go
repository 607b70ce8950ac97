// Package limits enforces stake exposure limits per user: a cap on the
// tokens committed to any single market, and a cap on a user's aggregate
// committed tokens across all markets. Violations are validation errors,
// never retried.
package limits

import (
	"errors"
)

var (
	// ErrPerMarketLimitExceeded is returned when a commitment would push
	// a user's stake in one market beyond the per-market maximum.
	ErrPerMarketLimitExceeded = errors.New("limits: per-market stake limit exceeded")

	// ErrTotalCommittedExceeded is returned when a commitment would push
	// a user's aggregate committed tokens beyond the account maximum.
	ErrTotalCommittedExceeded = errors.New("limits: total committed stake limit exceeded")
)

// StakeLimiter enforces stake limits. Zero limits disable the
// corresponding check.
type StakeLimiter struct {
	// MaxPerMarket is the maximum tokens a user may have committed to a
	// single market, counting only active commitments.
	MaxPerMarket int64

	// MaxTotalCommitted is the maximum aggregate committed tokens across
	// all of a user's markets.
	MaxTotalCommitted int64
}

// NewStakeLimiter creates a limiter with the given caps.
func NewStakeLimiter(maxPerMarket, maxTotalCommitted int64) *StakeLimiter {
	return &StakeLimiter{
		MaxPerMarket:      maxPerMarket,
		MaxTotalCommitted: maxTotalCommitted,
	}
}

// Check validates whether adding delta tokens respects the limits.
//
// Parameters:
//   - marketStake: the user's current active stake in the target market
//   - totalCommitted: the user's current committed tokens across markets
//   - delta: tokens the new commitment would add
func (l *StakeLimiter) Check(marketStake, totalCommitted, delta int64) error {
	if l.MaxPerMarket > 0 && marketStake+delta > l.MaxPerMarket {
		return ErrPerMarketLimitExceeded
	}
	if l.MaxTotalCommitted > 0 && totalCommitted+delta > l.MaxTotalCommitted {
		return ErrTotalCommittedExceeded
	}
	return nil
}
