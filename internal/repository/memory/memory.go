// Package memory holds in-process repositories used by tests and the
// development server.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"rental-escrow-backend/internal/domain"
	"rental-escrow-backend/internal/repository"
)

type Store struct {
	repository.ListingRepository
	repository.ReconciliationRepository
	repository.EscrowKeyRepository
}

func NewStore() *Store {
	return &Store{
		ListingRepository:        NewListingRepository(),
		ReconciliationRepository: NewReconciliationRepository(),
		EscrowKeyRepository:      NewEscrowKeyRepository(),
	}
}

type listingRepository struct {
	mu          sync.RWMutex
	listings    map[string]*domain.Listing
	byAgreement map[string]string
}

func NewListingRepository() repository.ListingRepository {
	return &listingRepository{
		listings:    make(map[string]*domain.Listing),
		byAgreement: make(map[string]string),
	}
}

func (r *listingRepository) Create(ctx context.Context, l *domain.Listing) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.listings[l.ID]; exists {
		return domain.Validationf("listing %s already exists", l.ID)
	}
	l.Version = 1
	r.store(l)
	return nil
}

func (r *listingRepository) GetByID(ctx context.Context, id string) (*domain.Listing, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.listings[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return l.Clone(), nil
}

func (r *listingRepository) Save(ctx context.Context, l *domain.Listing) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.listings[l.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if stored.Version != l.Version {
		return domain.ErrVersionConflict
	}
	next := l.Clone()
	// Terminal agreements are never rewritten.
	for i := range next.Agreements {
		if prev := stored.Agreement(next.Agreements[i].ID); prev != nil && prev.IsTerminal() {
			next.Agreements[i] = prev.Clone()
		}
	}
	next.Version = l.Version + 1
	r.store(next)
	l.Version = next.Version
	return nil
}

func (r *listingRepository) store(l *domain.Listing) {
	c := l.Clone()
	r.listings[c.ID] = c
	for _, a := range c.Agreements {
		r.byAgreement[a.ID] = c.ID
	}
}

func (r *listingRepository) GetByAgreementID(ctx context.Context, agreementID string) (*domain.Listing, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byAgreement[agreementID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return r.listings[id].Clone(), nil
}

func (r *listingRepository) ListActiveDueBefore(ctx context.Context, before time.Time) ([]domain.Agreement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Agreement
	for _, l := range r.listings {
		for _, a := range l.Agreements {
			if a.Status == domain.AgreementStatusActive && a.DueDate != nil && a.DueDate.Before(before) {
				out = append(out, a.Clone())
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueDate.Before(*out[j].DueDate) })
	return out, nil
}

type reconciliationRepository struct {
	mu      sync.RWMutex
	records map[string]*domain.ReconciliationRecord
	order   []string
}

func NewReconciliationRepository() repository.ReconciliationRepository {
	return &reconciliationRepository{records: make(map[string]*domain.ReconciliationRecord)}
}

func cloneRecord(rec *domain.ReconciliationRecord) domain.ReconciliationRecord {
	out := *rec
	if rec.ConfirmedState != nil {
		s := *rec.ConfirmedState
		out.ConfirmedState = &s
	}
	if rec.ConfirmedAt != nil {
		t := *rec.ConfirmedAt
		out.ConfirmedAt = &t
	}
	if rec.ResolvedAt != nil {
		t := *rec.ResolvedAt
		out.ResolvedAt = &t
	}
	return out
}

func (r *reconciliationRepository) Append(ctx context.Context, rec *domain.ReconciliationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.records[rec.OpID]; exists {
		return domain.ErrInvalidState
	}
	c := cloneRecord(rec)
	r.records[rec.OpID] = &c
	r.order = append(r.order, rec.OpID)
	return nil
}

func (r *reconciliationRepository) Confirm(ctx context.Context, opID string, state domain.ConfirmedState, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[opID]
	if !ok {
		return domain.ErrNotFound
	}
	if rec.ConfirmedState != nil {
		if *rec.ConfirmedState == state {
			return nil
		}
		return domain.ErrInvalidState
	}
	rec.ConfirmedState = &state
	rec.ConfirmedAt = &at
	return nil
}

func (r *reconciliationRepository) MarkResolved(ctx context.Context, opID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[opID]
	if !ok {
		return domain.ErrNotFound
	}
	if rec.ResolvedAt == nil {
		rec.ResolvedAt = &at
	}
	return nil
}

func (r *reconciliationRepository) GetByID(ctx context.Context, opID string) (*domain.ReconciliationRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[opID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := cloneRecord(rec)
	return &c, nil
}

func (r *reconciliationRepository) list(match func(*domain.ReconciliationRecord) bool) []domain.ReconciliationRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.ReconciliationRecord
	for _, id := range r.order {
		if rec := r.records[id]; match(rec) {
			out = append(out, cloneRecord(rec))
		}
	}
	return out
}

func (r *reconciliationRepository) ListByAgreement(ctx context.Context, agreementID string) ([]domain.ReconciliationRecord, error) {
	return r.list(func(rec *domain.ReconciliationRecord) bool { return rec.AgreementID == agreementID }), nil
}

func (r *reconciliationRepository) ListUnconfirmed(ctx context.Context) ([]domain.ReconciliationRecord, error) {
	return r.list(func(rec *domain.ReconciliationRecord) bool { return rec.ConfirmedState == nil }), nil
}

func (r *reconciliationRepository) ListUnresolved(ctx context.Context) ([]domain.ReconciliationRecord, error) {
	return r.list(func(rec *domain.ReconciliationRecord) bool {
		return rec.ConfirmedState != nil && rec.ResolvedAt == nil
	}), nil
}

type escrowKeyRepository struct {
	mu          sync.RWMutex
	byAddress   map[string]*domain.SealedKey
	byAgreement map[string]*domain.SealedKey
}

func NewEscrowKeyRepository() repository.EscrowKeyRepository {
	return &escrowKeyRepository{
		byAddress:   make(map[string]*domain.SealedKey),
		byAgreement: make(map[string]*domain.SealedKey),
	}
}

func (r *escrowKeyRepository) Put(ctx context.Context, key *domain.SealedKey) (*domain.SealedKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byAgreement[key.AgreementID]; ok {
		c := *existing
		return &c, nil
	}
	c := *key
	r.byAddress[key.Address] = &c
	r.byAgreement[key.AgreementID] = &c
	out := c
	return &out, nil
}

func (r *escrowKeyRepository) GetByAddress(ctx context.Context, address string) (*domain.SealedKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.byAddress[address]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := *k
	return &c, nil
}

func (r *escrowKeyRepository) GetByAgreement(ctx context.Context, agreementID string) (*domain.SealedKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.byAgreement[agreementID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := *k
	return &c, nil
}
