package limits

import (
	"errors"
	"testing"
)

func TestCheck(t *testing.T) {
	tests := []struct {
		name           string
		limiter        StakeLimiter
		marketStake    int64
		totalCommitted int64
		delta          int64
		wantErr        error
	}{
		{"under both limits", StakeLimiter{1000, 5000}, 500, 2000, 400, nil},
		{"exactly at per-market limit", StakeLimiter{1000, 5000}, 500, 500, 500, nil},
		{"per-market exceeded", StakeLimiter{1000, 5000}, 900, 900, 200, ErrPerMarketLimitExceeded},
		{"total exceeded", StakeLimiter{1000, 5000}, 0, 4900, 200, ErrTotalCommittedExceeded},
		{"per-market checked first", StakeLimiter{100, 100}, 100, 100, 1, ErrPerMarketLimitExceeded},
		{"zero per-market disables it", StakeLimiter{0, 5000}, 999999, 100, 100, nil},
		{"zero total disables it", StakeLimiter{1000, 0}, 0, 999999, 100, nil},
		{"both zero disables all", StakeLimiter{0, 0}, 999999, 999999, 999999, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.limiter.Check(tt.marketStake, tt.totalCommitted, tt.delta)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Check() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewStakeLimiter(t *testing.T) {
	l := NewStakeLimiter(100, 200)
	if l.MaxPerMarket != 100 || l.MaxTotalCommitted != 200 {
		t.Errorf("limiter not initialized: %+v", l)
	}
}
