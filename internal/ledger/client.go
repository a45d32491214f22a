// Package ledger is the narrow ledger SDK the escrow engine depends on:
// keypairs, signed transactions and a Client that submits and looks them up.
package ledger

import (
	"context"
	"errors"
	"fmt"
)

// Client is a ledger node. Implementations must honour ctx deadlines and
// report them as ErrTimeout.
type Client interface {
	Account(ctx context.Context, address string) (*Account, error)
	Submit(ctx context.Context, tx SignedTransaction) (*TxResult, error)
	Transaction(ctx context.Context, hash string) (*TxResult, error)
}

var (
	ErrAccountNotFound = errors.New("ledger account not found")
	ErrTxNotFound      = errors.New("ledger transaction not found")
	ErrTimeout         = errors.New("ledger call timed out")
)

type RejectCode string

const (
	RejectBadSequence   RejectCode = "bad_seq"
	RejectBadAuth       RejectCode = "bad_auth"
	RejectUnderfunded   RejectCode = "underfunded"
	RejectNoDestination RejectCode = "no_destination"
	RejectAccountExists RejectCode = "account_exists"
	RejectTooLate       RejectCode = "too_late"
	RejectMalformed     RejectCode = "malformed"
)

// RejectedError is a definite refusal: the transaction was not applied and
// will never be.
type RejectedError struct {
	Code   RejectCode `json:"code"`
	Detail string     `json:"detail,omitempty"`
}

func (e *RejectedError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("transaction rejected: %s", e.Code)
	}
	return fmt.Sprintf("transaction rejected: %s: %s", e.Code, e.Detail)
}

// AsRejected unwraps a RejectedError.
func AsRejected(err error) (*RejectedError, bool) {
	var rej *RejectedError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

// Reject builds a RejectedError.
func Reject(code RejectCode, format string, args ...any) error {
	return &RejectedError{Code: code, Detail: fmt.Sprintf(format, args...)}
}
