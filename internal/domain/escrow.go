package domain

import "time"

// EscrowAccount references a custodial ledger account owned by one agreement.
// The secret key never lives here; it is sealed in the key vault.
type EscrowAccount struct {
	Address       string `json:"address"`
	AgreementID   string `json:"agreement_id"`
	Reserve       int64  `json:"reserve"`
	FundedBalance int64  `json:"funded_balance"`
}

// SealedKey is an escrow secret key encrypted at rest.
type SealedKey struct {
	Address     string    `json:"address"`
	AgreementID string    `json:"agreement_id"`
	Ciphertext  []byte    `json:"-"`
	Nonce       []byte    `json:"-"`
	CreatedOn   time.Time `json:"created_on"`
}
