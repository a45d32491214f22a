package domain

import "time"

type ListingStatus string

const (
	ListingStatusCreated   ListingStatus = "CREATED"
	ListingStatusRented    ListingStatus = "RENTED"
	ListingStatusCompleted ListingStatus = "COMPLETED"
	ListingStatusCancelled ListingStatus = "CANCELLED"
)

// Listing is an item available for rent. Agreements are owned by the listing
// and persisted with it.
type Listing struct {
	ID                string        `json:"id"`
	OwnerID           string        `json:"owner_id"`
	OwnerAddress      string        `json:"owner_address"`
	OwnerContact      string        `json:"owner_contact"`
	Title             string        `json:"title"`
	RentAmount        int64         `json:"rent_amount"`
	DepositAmount     int64         `json:"deposit_amount"`
	AvailableQuantity int32         `json:"available_quantity"`
	LateFeeEnabled    bool          `json:"late_fee_enabled"`
	Closed            bool          `json:"closed"`
	Status            ListingStatus `json:"status"`
	Version           int64         `json:"version"`
	Agreements        []Agreement   `json:"agreements"`
	CreatedOn         time.Time     `json:"created_on"`
	UpdatedOn         time.Time     `json:"updated_on"`
}

// DeriveStatus computes the listing status from its agreements. A closed
// listing always reports Cancelled.
func (l *Listing) DeriveStatus() ListingStatus {
	if l.Closed {
		return ListingStatusCancelled
	}
	completed := false
	for i := range l.Agreements {
		switch l.Agreements[i].Status {
		case AgreementStatusPending, AgreementStatusActive:
			return ListingStatusRented
		case AgreementStatusCompleted:
			completed = true
		}
	}
	if completed {
		return ListingStatusCompleted
	}
	return ListingStatusCreated
}

// Refresh recomputes derived fields after a mutation.
func (l *Listing) Refresh(now time.Time) {
	l.Status = l.DeriveStatus()
	l.UpdatedOn = now
}

// Agreement returns a pointer into the listing's agreement slice.
func (l *Listing) Agreement(id string) *Agreement {
	for i := range l.Agreements {
		if l.Agreements[i].ID == id {
			return &l.Agreements[i]
		}
	}
	return nil
}

// OpenAgreementFor returns the renter's Pending or Active agreement, if any.
func (l *Listing) OpenAgreementFor(renterID string) *Agreement {
	for i := range l.Agreements {
		a := &l.Agreements[i]
		if a.RenterID == renterID && !a.IsTerminal() {
			return a
		}
	}
	return nil
}

// OpenAgreements counts Pending and Active agreements.
func (l *Listing) OpenAgreements() int {
	n := 0
	for i := range l.Agreements {
		if !l.Agreements[i].IsTerminal() {
			n++
		}
	}
	return n
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (l *Listing) Clone() *Listing {
	if l == nil {
		return nil
	}
	out := *l
	out.Agreements = make([]Agreement, len(l.Agreements))
	for i := range l.Agreements {
		out.Agreements[i] = l.Agreements[i].Clone()
	}
	return &out
}
