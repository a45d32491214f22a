package repository

import (
	"context"
	"time"

	"rental-escrow-backend/internal/domain"
)

// ListingRepository persists listings together with their agreements.
// Lookups that miss return domain.ErrNotFound.
type ListingRepository interface {
	Create(ctx context.Context, listing *domain.Listing) error
	GetByID(ctx context.Context, id string) (*domain.Listing, error)
	// Save writes the listing and its agreements if the stored version still
	// equals listing.Version, then bumps listing.Version. A stale version
	// returns domain.ErrVersionConflict and writes nothing.
	Save(ctx context.Context, listing *domain.Listing) error
	GetByAgreementID(ctx context.Context, agreementID string) (*domain.Listing, error)
	ListActiveDueBefore(ctx context.Context, before time.Time) ([]domain.Agreement, error)
}

// ReconciliationRepository stores ledger operation records. Records are
// appended once; only confirmation and resolution fields are filled in later.
type ReconciliationRepository interface {
	Append(ctx context.Context, rec *domain.ReconciliationRecord) error
	// Confirm sets the outcome once. Confirming again with the same state is a
	// no-op; a different state returns domain.ErrInvalidState.
	Confirm(ctx context.Context, opID string, state domain.ConfirmedState, at time.Time) error
	MarkResolved(ctx context.Context, opID string, at time.Time) error
	GetByID(ctx context.Context, opID string) (*domain.ReconciliationRecord, error)
	ListByAgreement(ctx context.Context, agreementID string) ([]domain.ReconciliationRecord, error)
	ListUnconfirmed(ctx context.Context) ([]domain.ReconciliationRecord, error)
	ListUnresolved(ctx context.Context) ([]domain.ReconciliationRecord, error)
}

// EscrowKeyRepository stores sealed escrow secret keys, at most one per agreement.
type EscrowKeyRepository interface {
	// Put stores key unless the agreement already has one, in which case the
	// stored key is returned unchanged.
	Put(ctx context.Context, key *domain.SealedKey) (*domain.SealedKey, error)
	GetByAddress(ctx context.Context, address string) (*domain.SealedKey, error)
	GetByAgreement(ctx context.Context, agreementID string) (*domain.SealedKey, error)
}
