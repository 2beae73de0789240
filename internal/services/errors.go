package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
)

// Error classes. Every error returned by this package matches exactly one of them with errors.Is.
var (
	ErrValidation          = errors.New("validation failed")
	ErrNotFound            = errors.New("not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrConflict            = errors.New("conflict")
	ErrAlreadyProcessed    = errors.New("already processed")
	ErrStorageUnavailable  = errors.New("storage unavailable")
)

var (
	ErrAccountNotFound = classified(ErrNotFound, "account not found")
	ErrRoundNotFound   = classified(ErrNotFound, "round not found")
	ErrWagerNotFound   = classified(ErrNotFound, "wager not found")
	ErrPaymentNotFound = classified(ErrNotFound, "payment request not found")
	ErrReportNotFound  = classified(ErrNotFound, "settlement report not found")

	ErrRoundClosed         = classified(ErrValidation, "round is not accepting wagers")
	ErrRoundNotEnded       = classified(ErrValidation, "round has not ended")
	ErrRoundNotSettleable  = classified(ErrValidation, "round is not in a settleable state")
	ErrPaymentTypeMismatch = classified(ErrValidation, "operation not allowed for this payment type")

	ErrResultMismatch    = classified(ErrConflict, "round already settled with a different result")
	ErrInvalidTransition = classified(ErrConflict, "invalid status transition")
	ErrOptimisticLock    = classified(ErrConflict, "optimistic lock failed")
	ErrWagerInFlight     = classified(ErrConflict, "wager with this idempotency key is already in flight")
	ErrIdempotencyReuse  = classified(ErrConflict, "idempotency key reused with different parameters")
	ErrReferralClaimed   = classified(ErrConflict, "referred account already rewarded another referrer")
)

type classifiedError struct {
	class error
	msg   string
}

func classified(class error, msg string) error {
	return &classifiedError{class: class, msg: msg}
}

func (e *classifiedError) Error() string { return e.msg }

func (e *classifiedError) Unwrap() error { return e.class }

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// storageError wraps a database failure with its class. Unique violations, serialization
// failures and deadlocks are conflicts; everything else means storage is unavailable.
type storageError struct {
	op    string
	class error
	err   error
}

func (e *storageError) Error() string { return e.op + ": " + e.err.Error() }

func (e *storageError) Unwrap() []error { return []error{e.class, e.err} }

func classifyStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrConflict) || errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(err, op)
	}

	class := ErrStorageUnavailable
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505", "40001", "40P01": // unique_violation, serialization_failure, deadlock_detected
			class = ErrConflict
		}
	}
	return &storageError{op: op, class: class, err: err}
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// ErrorClass names the class of err for metrics and logs.
func ErrorClass(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrAlreadyProcessed):
		return "already_processed"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrStorageUnavailable):
		return "storage_unavailable"
	default:
		return "error"
	}
}

// Retry budget for operations that lose a race on a row version or a unique key.
const (
	conflictAttempts = 3
	conflictBackoff  = 10 * time.Millisecond
)

// transientConflict reports whether err came from a lost race that a fresh attempt can win:
// a stale row version or a storage-level conflict. Domain conflicts such as a reused
// idempotency key never succeed on retry.
func transientConflict(err error) bool {
	if errors.Is(err, ErrOptimisticLock) {
		return true
	}
	var se *storageError
	return errors.As(err, &se) && se.class == ErrConflict
}

// RetryOnConflict runs fn until it succeeds, fails with anything but a transient conflict,
// or attempts run out. The delay doubles after each conflict starting from base.
func RetryOnConflict(ctx context.Context, attempts int, base time.Duration, fn func(context.Context) error) error {
	var err error
	delay := base
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil || !transientConflict(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
