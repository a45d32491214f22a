package domain

import "time"

type LedgerOpKind string

const (
	LedgerOpOpenEscrow LedgerOpKind = "OPEN_ESCROW"
	LedgerOpFundEscrow LedgerOpKind = "FUND_ESCROW"
	LedgerOpSettle     LedgerOpKind = "SETTLE"
	LedgerOpRefund     LedgerOpKind = "REFUND"
)

type ConfirmedState string

const (
	ConfirmedApplied ConfirmedState = "APPLIED"
	ConfirmedFailed  ConfirmedState = "FAILED"
)

// ReconciliationRecord pairs a requested ledger operation with its confirmed
// outcome. Records are appended, confirmed once, and marked resolved once the
// business state reflects the outcome.
type ReconciliationRecord struct {
	OpID           string          `json:"op_id"`
	AgreementID    string          `json:"agreement_id"`
	ListingID      string          `json:"listing_id"`
	Kind           LedgerOpKind    `json:"kind"`
	RequestedState AgreementStatus `json:"requested_state"`
	TxHash         string          `json:"tx_hash"`
	EscrowAddress  string          `json:"escrow_address"`
	RefundAmount   int64           `json:"refund_amount"`
	OwnerPayout    int64           `json:"owner_payout"`
	ExpiresAt      time.Time       `json:"expires_at"`
	ConfirmedState *ConfirmedState `json:"confirmed_state,omitempty"`
	RequestedAt    time.Time       `json:"requested_at"`
	ConfirmedAt    *time.Time      `json:"confirmed_at,omitempty"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
}

// IsConfirmed reports whether a definite ledger outcome was recorded.
func (r *ReconciliationRecord) IsConfirmed() bool {
	return r.ConfirmedState != nil
}

// Applied reports whether the ledger confirmed the operation.
func (r *ReconciliationRecord) Applied() bool {
	return r.ConfirmedState != nil && *r.ConfirmedState == ConfirmedApplied
}

// Failed reports whether the ledger definitely did not apply the operation.
func (r *ReconciliationRecord) Failed() bool {
	return r.ConfirmedState != nil && *r.ConfirmedState == ConfirmedFailed
}

// IsResolved reports whether business state already reflects the outcome.
func (r *ReconciliationRecord) IsResolved() bool {
	return r.ResolvedAt != nil
}
