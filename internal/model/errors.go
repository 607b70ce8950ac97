package model

import (
	"errors"
	"fmt"
)

// ErrorCode classifies ledger failures for propagation and retry policy.
type ErrorCode string

const (
	// CodeValidation: insufficient balance, invalid amount, market
	// inactive, missing user/market. Never retried; surfaced directly.
	CodeValidation ErrorCode = "VALIDATION"

	// CodeConflict: optimistic version mismatch. Retried locally up to a
	// bound, then surfaced as CONCURRENT_MODIFICATION.
	CodeConflict ErrorCode = "CONFLICT"

	// CodeTransient: network timeout, rate limit, upstream server error.
	// Retried with backoff.
	CodeTransient ErrorCode = "TRANSIENT"

	// CodeNotFound: unknown commitment/job/transaction. Never retried.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeFatal: data corruption detected during reconciliation. Logged
	// and surfaced for manual review, never auto-corrected.
	CodeFatal ErrorCode = "FATAL"
)

var (
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrVersionConflict        = errors.New("balance version conflict")
	ErrNotFound               = errors.New("not found")
	ErrAlreadyExists          = errors.New("already exists")
	ErrAlreadyRolledBack      = errors.New("transaction already rolled back")
	ErrInvalidAmount          = errors.New("token amount must be positive")
	ErrMarketNotActive        = errors.New("market is not active")
	ErrMarketEnded            = errors.New("market end time has passed")
	ErrNotOwner               = errors.New("commitment owned by another user")
	ErrRollbackWindow         = errors.New("commitment outside rollback window")
	ErrUnknownOption          = errors.New("unknown market option")
	ErrStakeMismatch          = errors.New("stake option and position disagree")
	ErrCorruptLedger          = errors.New("ledger state corrupted")
)

// LedgerError wraps an underlying error with its taxonomy code and the
// operation that produced it.
type LedgerError struct {
	Code ErrorCode
	Op   string
	Err  error
}

func (e *LedgerError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *LedgerError) Unwrap() error { return e.Err }

// E wraps err with a code and operation name.
func E(code ErrorCode, op string, err error) error {
	return &LedgerError{Code: code, Op: op, Err: err}
}

// CodeOf extracts the taxonomy code for err. Sentinels map to their
// natural codes; anything unclassified is treated as TRANSIENT, since
// unknown store/network failures are the retryable kind.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var le *LedgerError
	if errors.As(err, &le) {
		return le.Code
	}
	switch {
	case errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrMarketNotActive),
		errors.Is(err, ErrMarketEnded),
		errors.Is(err, ErrNotOwner),
		errors.Is(err, ErrRollbackWindow),
		errors.Is(err, ErrUnknownOption),
		errors.Is(err, ErrAlreadyExists):
		return CodeValidation
	case errors.Is(err, ErrVersionConflict),
		errors.Is(err, ErrConcurrentModification):
		return CodeConflict
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrAlreadyRolledBack):
		return CodeNotFound
	case errors.Is(err, ErrStakeMismatch),
		errors.Is(err, ErrCorruptLedger):
		return CodeFatal
	}
	return CodeTransient
}

// Retryable reports whether err should be retried with backoff.
// Only TRANSIENT failures qualify; CONFLICT is retried by the ledger's
// own bounded CAS loop, not by the backoff helper.
func Retryable(err error) bool {
	return CodeOf(err) == CodeTransient
}
