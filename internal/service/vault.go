package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rental-escrow-backend/internal/domain"
	"rental-escrow-backend/internal/ledger"
	"rental-escrow-backend/internal/repository"
	"rental-escrow-backend/internal/security"
)

// KeyVault holds escrow secret keys sealed at rest. Each agreement maps to
// exactly one keypair for its whole life.
type KeyVault struct {
	repo   repository.EscrowKeyRepository
	sealer *security.Sealer
	now    func() time.Time
}

func NewKeyVault(repo repository.EscrowKeyRepository, sealer *security.Sealer) *KeyVault {
	return &KeyVault{repo: repo, sealer: sealer, now: time.Now}
}

// Ensure returns the agreement's keypair, generating and sealing one on
// first use.
func (v *KeyVault) Ensure(ctx context.Context, agreementID string) (*ledger.Keypair, error) {
	kp, err := v.ForAgreement(ctx, agreementID)
	if err == nil {
		return kp, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	kp, err = ledger.GenerateKeypair()
	if err != nil {
		return nil, domain.Internal("generate escrow keypair", err)
	}
	addr := kp.Address()
	ct, nonce, err := v.sealer.Seal([]byte(kp.Secret()), []byte(addr))
	if err != nil {
		return nil, domain.Internal("seal escrow key", err)
	}
	stored, err := v.repo.Put(ctx, &domain.SealedKey{
		Address:     addr,
		AgreementID: agreementID,
		Ciphertext:  ct,
		Nonce:       nonce,
		CreatedOn:   v.now(),
	})
	if err != nil {
		return nil, domain.Internal("store escrow key", err)
	}
	if stored.Address == addr {
		return kp, nil
	}
	// another caller stored first
	return v.open(stored)
}

func (v *KeyVault) ForAgreement(ctx context.Context, agreementID string) (*ledger.Keypair, error) {
	sk, err := v.repo.GetByAgreement(ctx, agreementID)
	if err != nil {
		return nil, err
	}
	return v.open(sk)
}

func (v *KeyVault) ForAddress(ctx context.Context, address string) (*ledger.Keypair, error) {
	sk, err := v.repo.GetByAddress(ctx, address)
	if err != nil {
		return nil, err
	}
	return v.open(sk)
}

func (v *KeyVault) open(sk *domain.SealedKey) (*ledger.Keypair, error) {
	secret, err := v.sealer.Open(sk.Ciphertext, sk.Nonce, []byte(sk.Address))
	if err != nil {
		return nil, domain.Internal("unseal escrow key", err)
	}
	kp, err := ledger.KeypairFromSecret(string(secret))
	if err != nil {
		return nil, domain.Internal("decode escrow key", err)
	}
	if kp.Address() != sk.Address {
		return nil, domain.Internal("unseal escrow key", fmt.Errorf("key does not match address %s", sk.Address))
	}
	return kp, nil
}
