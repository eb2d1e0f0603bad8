package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrValidation             = errors.New("validation failed")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrUserNotFound           = errors.New("user not found")
	ErrAlreadyProcessed       = errors.New("already processed")
	ErrPersistence            = errors.New("persistence failure")
	ErrReconciliationRequired = errors.New("reconciliation required")

	// ErrCommitUnknown is returned by stores when COMMIT itself failed and the
	// outcome of the unit cannot be known.
	ErrCommitUnknown = errors.New("commit outcome unknown")
	// ErrConflict means a compare-and-set lost against a concurrent writer.
	ErrConflict = errors.New("concurrent modification")
)

// ReconciliationError means a user's balance and ledger may have diverged.
// It must be escalated and never retried automatically.
type ReconciliationError struct {
	UserID   int64
	Currency Currency
	Observed int64
	Expected int64
	Reason   string
	Err      error
}

func (e *ReconciliationError) Error() string {
	msg := fmt.Sprintf("reconciliation required: user %d %s: %s", e.UserID, e.Currency, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ReconciliationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrReconciliationRequired}
	}
	return []error{ErrReconciliationRequired, e.Err}
}

// IsRetryable reports whether a failure is transient. Only idempotent
// callers may act on it.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPersistence) && !errors.Is(err, ErrReconciliationRequired)
}
