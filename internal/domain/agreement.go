package domain

import "time"

type AgreementStatus string

const (
	AgreementStatusPending   AgreementStatus = "PENDING"
	AgreementStatusActive    AgreementStatus = "ACTIVE"
	AgreementStatusCompleted AgreementStatus = "COMPLETED"
	AgreementStatusCancelled AgreementStatus = "CANCELLED"
)

type PenaltyKind string

const (
	PenaltyKindManual  PenaltyKind = "MANUAL"
	PenaltyKindLateFee PenaltyKind = "LATE_FEE"
	// PenaltyKindRetained records deposit kept at settlement beyond the
	// recorded penalties.
	PenaltyKindRetained PenaltyKind = "RETAINED"
)

// Penalty is one deduction from the deposit. Penalties are append-only.
type Penalty struct {
	Amount  int64       `json:"amount"`
	Kind    PenaltyKind `json:"kind"`
	Reason  string      `json:"reason"`
	AddedBy string      `json:"added_by"`
	AddedOn time.Time   `json:"added_on"`
}

// Agreement is one renter's booking against a listing.
type Agreement struct {
	ID            string `json:"id"`
	ListingID     string `json:"listing_id"`
	RenterID      string `json:"renter_id"`
	RenterAddress string `json:"renter_address"`
	RenterContact string `json:"renter_contact"`
	// Amount snapshot fields, captured from the listing at booking time.
	RentAmount    int64           `json:"rent_amount"`
	DepositAmount int64           `json:"deposit_amount"`
	StartDate     time.Time       `json:"start_date"`
	DueDate       *time.Time      `json:"due_date,omitempty"`
	EndDate       *time.Time      `json:"end_date,omitempty"`
	Penalties     []Penalty       `json:"penalties"`
	Status        AgreementStatus `json:"status"`
	EscrowAddress string          `json:"escrow_address,omitempty"`
	EscrowReserve int64           `json:"escrow_reserve"`
	FundingTx     string          `json:"funding_tx,omitempty"`
	SettlementTx  string          `json:"settlement_tx,omitempty"`
	RefundAmount  int64           `json:"refund_amount"`
	OwnerPayout   int64           `json:"owner_payout"`
	CreatedOn     time.Time       `json:"created_on"`
	UpdatedOn     time.Time       `json:"updated_on"`
}

// IsTerminal reports whether the agreement is Completed or Cancelled.
func (a Agreement) IsTerminal() bool {
	return a.Status == AgreementStatusCompleted || a.Status == AgreementStatusCancelled
}

// PenaltyTotal sums every penalty recorded against the agreement.
func (a Agreement) PenaltyTotal() int64 {
	var total int64
	for _, p := range a.Penalties {
		total += p.Amount
	}
	return total
}

// Escrow returns the escrow account reference stored on the agreement.
func (a Agreement) Escrow() EscrowAccount {
	return EscrowAccount{
		Address:     a.EscrowAddress,
		Reserve:     a.EscrowReserve,
		AgreementID: a.ID,
	}
}

// Clone returns a deep copy of the agreement.
func (a Agreement) Clone() Agreement {
	out := a
	out.Penalties = append([]Penalty(nil), a.Penalties...)
	if a.DueDate != nil {
		d := *a.DueDate
		out.DueDate = &d
	}
	if a.EndDate != nil {
		e := *a.EndDate
		out.EndDate = &e
	}
	return out
}
