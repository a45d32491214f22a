package postgres

import (
	"context"
	"database/sql"
	"errors"

	"rental-escrow-backend/internal/domain"
	"rental-escrow-backend/internal/repository"
)

type escrowKeyRepository struct {
	db *sql.DB
}

func NewEscrowKeyRepository(db *sql.DB) repository.EscrowKeyRepository {
	return &escrowKeyRepository{db: db}
}

func (r *escrowKeyRepository) Put(ctx context.Context, k *domain.SealedKey) (*domain.SealedKey, error) {
	query := `INSERT INTO escrow_keys (address, agreement_id, ciphertext, nonce, created_on)
		VALUES ($1, $2, $3, $4, $5) ON CONFLICT DO NOTHING`
	if _, err := r.db.ExecContext(ctx, query, k.Address, k.AgreementID, k.Ciphertext, k.Nonce, k.CreatedOn); err != nil {
		return nil, err
	}
	return r.GetByAgreement(ctx, k.AgreementID)
}

func (r *escrowKeyRepository) GetByAddress(ctx context.Context, address string) (*domain.SealedKey, error) {
	return r.get(ctx, `SELECT address, agreement_id, ciphertext, nonce, created_on FROM escrow_keys WHERE address = $1`, address)
}

func (r *escrowKeyRepository) GetByAgreement(ctx context.Context, agreementID string) (*domain.SealedKey, error) {
	return r.get(ctx, `SELECT address, agreement_id, ciphertext, nonce, created_on FROM escrow_keys WHERE agreement_id = $1`, agreementID)
}

func (r *escrowKeyRepository) get(ctx context.Context, query, arg string) (*domain.SealedKey, error) {
	k := &domain.SealedKey{}
	err := r.db.QueryRowContext(ctx, query, arg).Scan(&k.Address, &k.AgreementID, &k.Ciphertext, &k.Nonce, &k.CreatedOn)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return k, nil
}
