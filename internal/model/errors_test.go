package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil", nil, ""},
		{"wrapped ledger error", E(CodeConflict, "op", ErrVersionConflict), CodeConflict},
		{"wrap wins over sentinel", E(CodeValidation, "op", ErrStakeMismatch), CodeValidation},
		{"insufficient balance", ErrInsufficientBalance, CodeValidation},
		{"deeply wrapped sentinel", fmt.Errorf("outer: %w", ErrMarketEnded), CodeValidation},
		{"version conflict", ErrVersionConflict, CodeConflict},
		{"not found", ErrNotFound, CodeNotFound},
		{"already rolled back", ErrAlreadyRolledBack, CodeNotFound},
		{"corrupt ledger", ErrCorruptLedger, CodeFatal},
		{"unclassified is transient", errors.New("connection reset"), CodeTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	if Retryable(ErrInsufficientBalance) {
		t.Error("validation failures must not retry")
	}
	if Retryable(ErrVersionConflict) {
		t.Error("conflicts are the CAS loop's job, not backoff's")
	}
	if !Retryable(errors.New("i/o timeout")) {
		t.Error("unknown failures should retry")
	}
}

func TestLedgerError_Unwrap(t *testing.T) {
	err := E(CodeValidation, "commitment.create", fmt.Errorf("wrap: %w", ErrInsufficientBalance))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Error("sentinel lost through LedgerError")
	}
	var le *LedgerError
	if !errors.As(err, &le) || le.Op != "commitment.create" {
		t.Errorf("As failed: %+v", le)
	}
}
