package service

import (
	"context"
	"time"

	"rental-escrow-backend/internal/domain"
)

type CreateListingRequest struct {
	OwnerID           string
	OwnerAddress      string
	OwnerContact      string
	Title             string
	RentAmount        int64
	DepositAmount     int64
	AvailableQuantity int32
	LateFeeEnabled    bool
}

type BookRequest struct {
	ListingID     string
	RenterID      string
	RenterContact string
	// RenterSecret signs the funding transaction. It is used for the call
	// only and never stored.
	RenterSecret string
	Duration     time.Duration
}

// RentalLifecycle owns every Agreement transition. Nothing else mutates
// agreements.
type RentalLifecycle interface {
	CreateListing(ctx context.Context, req CreateListingRequest) (*domain.Listing, error)
	GetListing(ctx context.Context, listingID string) (*domain.Listing, error)
	CloseListing(ctx context.Context, ownerID, listingID string) (*domain.Listing, error)
	Book(ctx context.Context, req BookRequest) (*domain.Agreement, error)
	IssueCompletionCode(ctx context.Context, callerID, agreementID string) (time.Time, error)
	RequestCompletion(ctx context.Context, callerID, agreementID, code string) (*domain.Agreement, error)
	Cancel(ctx context.Context, callerID, agreementID string) (*domain.Agreement, error)
	AddPenalty(ctx context.Context, ownerID, agreementID string, amount int64, reason string) (*domain.Agreement, error)
	// ApplyLedgerOutcome folds a confirmed ledger outcome into business state.
	ApplyLedgerOutcome(ctx context.Context, rec domain.ReconciliationRecord) error
	OverdueAgreements(ctx context.Context, now time.Time) ([]domain.Agreement, error)
}

type OpenEscrowRequest struct {
	AgreementID   string
	ListingID     string
	RentAmount    int64
	DepositAmount int64
}

type FundEscrowRequest struct {
	AgreementID   string
	ListingID     string
	RenterSecret  string
	Escrow        domain.EscrowAccount
	RentAmount    int64
	DepositAmount int64
}

type SettleRequest struct {
	AgreementID   string
	ListingID     string
	Escrow        domain.EscrowAccount
	RenterAddress string
	OwnerAddress  string
	Refund        int64
	Remainder     int64
}

type RefundRequest struct {
	AgreementID   string
	ListingID     string
	Escrow        domain.EscrowAccount
	RenterAddress string
}

// Resolution is the ledger truth for a recorded operation.
type Resolution string

const (
	ResolutionApplied Resolution = "applied"
	ResolutionFailed  Resolution = "failed"
	ResolutionUnknown Resolution = "unknown"
)

// LedgerAccountManager is the only component that holds escrow secret keys
// or talks to the ledger. Errors from funds-moving calls are
// *domain.LedgerError when the ledger was reached.
type LedgerAccountManager interface {
	OpenEscrow(ctx context.Context, req OpenEscrowRequest) (domain.EscrowAccount, error)
	FundEscrow(ctx context.Context, req FundEscrowRequest) (string, error)
	Settle(ctx context.Context, req SettleRequest) (string, error)
	RefundAndClose(ctx context.Context, req RefundRequest) (string, error)
	Balance(ctx context.Context, escrow domain.EscrowAccount) (int64, error)
	Resolve(ctx context.Context, rec domain.ReconciliationRecord) (Resolution, error)
}

// OTPGate issues and verifies single-use completion codes.
type OTPGate interface {
	Issue(ctx context.Context, agreementID, destination string) (string, time.Time, error)
	Verify(ctx context.Context, agreementID, code string) error
	Revoke(agreementID string)
	Sweep(now time.Time) int
}

// ReconciliationLog is the append-only journal of requested ledger
// operations and their confirmed outcomes.
type ReconciliationLog interface {
	Record(ctx context.Context, rec domain.ReconciliationRecord) (domain.ReconciliationRecord, error)
	Confirm(ctx context.Context, opID string, state domain.ConfirmedState) error
	MarkResolved(ctx context.Context, opID string) error
	PendingSince(ctx context.Context, agreementID string) ([]domain.ReconciliationRecord, error)
	History(ctx context.Context, agreementID string) ([]domain.ReconciliationRecord, error)
	Latest(ctx context.Context, agreementID string, kind domain.LedgerOpKind) (*domain.ReconciliationRecord, error)
	Unconfirmed(ctx context.Context) ([]domain.ReconciliationRecord, error)
	Unresolved(ctx context.Context) ([]domain.ReconciliationRecord, error)
}

// Notifier delivers codes and notices. Destinations prefixed with "fcm:" are
// device tokens; anything else is an email address.
type Notifier interface {
	SendCode(ctx context.Context, destination, code string) error
	SendNotice(ctx context.Context, destination, subject, body string) error
}
