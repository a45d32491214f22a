package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrNotFound           = errors.New("not found")
	ErrUnavailable        = errors.New("listing has no available quantity")
	ErrInvalidState       = errors.New("agreement is not in the expected state")
	ErrDuplicateAgreement = errors.New("renter already has an active agreement for this listing")
	ErrVersionConflict    = errors.New("listing was modified concurrently")
	ErrInvalidCode        = errors.New("invalid completion code")
	ErrCodeExpired        = errors.New("completion code expired")
	ErrRateLimited        = errors.New("too many code requests")
	ErrForbidden          = errors.New("caller is not allowed to perform this operation")
	ErrInternal           = errors.New("internal error")
	ErrLedgerRejected     = errors.New("ledger rejected the transaction")
	ErrLedgerTimeout      = errors.New("ledger outcome unknown")
)

type LedgerErrorKind string

const (
	LedgerRejected LedgerErrorKind = "REJECTED"
	LedgerTimeout  LedgerErrorKind = "TIMEOUT"
)

// LedgerError reports a failed or ambiguous ledger operation. It matches
// ErrLedgerRejected or ErrLedgerTimeout through errors.Is.
type LedgerError struct {
	Kind   LedgerErrorKind
	Op     LedgerOpKind
	Reason string
	TxHash string
	Err    error
}

func (e *LedgerError) Error() string {
	msg := fmt.Sprintf("ledger %s %s", e.Op, e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LedgerError) Unwrap() error { return e.Err }

func (e *LedgerError) Is(target error) bool {
	switch target {
	case ErrLedgerRejected:
		return e.Kind == LedgerRejected
	case ErrLedgerTimeout:
		return e.Kind == LedgerTimeout
	}
	return false
}

// ErrorKind is the caller-facing category of an error.
type ErrorKind string

const (
	KindValidation     ErrorKind = "VALIDATION"
	KindNotFound       ErrorKind = "NOT_FOUND"
	KindConflict       ErrorKind = "CONFLICT"
	KindLedgerRejected ErrorKind = "LEDGER_REJECTED"
	KindLedgerTimeout  ErrorKind = "LEDGER_TIMEOUT"
	KindInvalidCode    ErrorKind = "INVALID_CODE"
	KindCodeExpired    ErrorKind = "CODE_EXPIRED"
	KindRateLimited    ErrorKind = "RATE_LIMITED"
	KindForbidden      ErrorKind = "FORBIDDEN"
	KindInternal       ErrorKind = "INTERNAL"
)

// Kind maps any error to its caller-facing category. Unknown errors are internal.
func Kind(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrLedgerRejected):
		return KindLedgerRejected
	case errors.Is(err, ErrLedgerTimeout):
		return KindLedgerTimeout
	case errors.Is(err, ErrInternal):
		return KindInternal
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidAmount):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrUnavailable), errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrDuplicateAgreement), errors.Is(err, ErrVersionConflict):
		return KindConflict
	case errors.Is(err, ErrInvalidCode):
		return KindInvalidCode
	case errors.Is(err, ErrCodeExpired):
		return KindCodeExpired
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	default:
		return KindInternal
	}
}

// Validationf builds a validation error carrying a caller-facing message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Internal wraps a persistence or infrastructure failure.
func Internal(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrInternal, op, err)
}
