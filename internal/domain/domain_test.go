package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"Nil", nil, ""},
		{"Validation", Validationf("bad address %q", "x"), KindValidation},
		{"InvalidAmount", fmt.Errorf("penalty: %w", ErrInvalidAmount), KindValidation},
		{"NotFound", ErrNotFound, KindNotFound},
		{"Unavailable", ErrUnavailable, KindConflict},
		{"Duplicate", ErrDuplicateAgreement, KindConflict},
		{"InvalidState", ErrInvalidState, KindConflict},
		{"InvalidCode", ErrInvalidCode, KindInvalidCode},
		{"CodeExpired", ErrCodeExpired, KindCodeExpired},
		{"RateLimited", ErrRateLimited, KindRateLimited},
		{"Forbidden", ErrForbidden, KindForbidden},
		{"Rejected", &LedgerError{Kind: LedgerRejected, Op: LedgerOpFundEscrow}, KindLedgerRejected},
		{"Timeout", fmt.Errorf("book: %w", &LedgerError{Kind: LedgerTimeout}), KindLedgerTimeout},
		{"InternalWrapsNotFound", Internal("save listing", ErrNotFound), KindInternal},
		{"Unknown", errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Kind(tt.err))
		})
	}
}

func TestLedgerError(t *testing.T) {
	cause := errors.New("underfunded")
	err := &LedgerError{Kind: LedgerRejected, Op: LedgerOpSettle, Reason: "underfunded", Err: cause}

	assert.ErrorIs(t, err, ErrLedgerRejected)
	assert.NotErrorIs(t, err, ErrLedgerTimeout)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "SETTLE")
}

func TestListingDeriveStatus(t *testing.T) {
	l := &Listing{}
	assert.Equal(t, ListingStatusCreated, l.DeriveStatus())

	l.Agreements = []Agreement{{ID: "a", Status: AgreementStatusCancelled}}
	assert.Equal(t, ListingStatusCreated, l.DeriveStatus())

	l.Agreements = append(l.Agreements, Agreement{ID: "b", Status: AgreementStatusCompleted})
	assert.Equal(t, ListingStatusCompleted, l.DeriveStatus())

	l.Agreements = append(l.Agreements, Agreement{ID: "c", RenterID: "r", Status: AgreementStatusActive})
	assert.Equal(t, ListingStatusRented, l.DeriveStatus())
	assert.Equal(t, 1, l.OpenAgreements())
	assert.Equal(t, "c", l.OpenAgreementFor("r").ID)
	assert.Nil(t, l.OpenAgreementFor("other"))

	l.Closed = true
	assert.Equal(t, ListingStatusCancelled, l.DeriveStatus())
}

func TestListingClone(t *testing.T) {
	due := time.Now()
	l := &Listing{ID: "l", Agreements: []Agreement{{ID: "a", DueDate: &due, Penalties: []Penalty{{Amount: 5}}}}}
	c := l.Clone()
	c.Agreements[0].Penalties[0].Amount = 99
	c.Agreements[0].Status = AgreementStatusCancelled

	assert.Equal(t, int64(5), l.Agreements[0].Penalties[0].Amount)
	assert.Equal(t, AgreementStatus(""), l.Agreements[0].Status)
	assert.NotSame(t, l.Agreements[0].DueDate, c.Agreements[0].DueDate)
}

func TestAgreementPenaltyTotal(t *testing.T) {
	a := Agreement{Penalties: []Penalty{{Amount: 20}, {Amount: 5, Kind: PenaltyKindLateFee}}}
	assert.Equal(t, int64(25), a.PenaltyTotal())
	assert.False(t, a.IsTerminal())
	a.Status = AgreementStatusCompleted
	assert.True(t, a.IsTerminal())
}
