package bonus

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrNotFound      = errors.New("bonus: not found")
	ErrAlreadyExists = errors.New("bonus: already exists")
	ErrInvalidInput  = errors.New("bonus: invalid input")

	// Tree errors
	ErrNodeNotFound = errors.New("bonus: tree node not found")
	ErrTreeCycle    = errors.New("bonus: cycle in placement tree")

	// Ledger errors
	ErrLedgerNotFound   = errors.New("bonus: ledger not found")
	ErrNegativeVolume   = errors.New("bonus: leg volume would go negative")
	ErrInsufficientFund = errors.New("bonus: insufficient available balance")
	ErrConflict         = errors.New("bonus: concurrent update conflict")

	// Payout errors
	ErrPayoutNotFound    = errors.New("bonus: payout not found")
	ErrPayoutNotPending  = errors.New("bonus: payout is not pending")
	ErrNotWithdrawal     = errors.New("bonus: payout is not a withdrawal")
	ErrInvalidRankLadder = errors.New("bonus: invalid rank ladder")

	// Lock errors
	ErrLockTimeout = errors.New("bonus: timed out waiting for user lock")

	// Store errors
	ErrStoreNotReady     = errors.New("bonus: store not ready")
	ErrStoreClosed       = errors.New("bonus: store is closed")
	ErrTransactionFailed = errors.New("bonus: transaction failed")
	ErrMigrationFailed   = errors.New("bonus: migration failed")
)

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("bonus: validation failed for %s: %s", e.Field, e.Message)
}

// Is lets errors.Is(err, ErrInvalidInput) match any ValidationError.
func (e ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

// MultiError collects the per-user failures of a fan-out job.
type MultiError struct {
	Errors []error
}

func (e MultiError) Error() string {
	if len(e.Errors) == 0 {
		return "bonus: no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("bonus: %d errors occurred", len(e.Errors))
}

// Add adds an error to the multi-error.
func (e *MultiError) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

// HasErrors returns true if there are any errors.
func (e MultiError) HasErrors() bool {
	return len(e.Errors) > 0
}

// First returns the first error or nil.
func (e MultiError) First() error {
	if len(e.Errors) > 0 {
		return e.Errors[0]
	}
	return nil
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (e MultiError) Unwrap() []error { return e.Errors }

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrNodeNotFound) ||
		errors.Is(err, ErrLedgerNotFound) ||
		errors.Is(err, ErrPayoutNotFound)
}

// IsRetryable returns true if the error is temporary and the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrLockTimeout) ||
		errors.Is(err, ErrStoreNotReady) ||
		errors.Is(err, ErrTransactionFailed)
}

// IsInvariantViolation returns true for errors that indicate corrupt tree
// or ledger data rather than bad input or contention.
func IsInvariantViolation(err error) bool {
	return errors.Is(err, ErrTreeCycle) ||
		errors.Is(err, ErrNegativeVolume)
}
