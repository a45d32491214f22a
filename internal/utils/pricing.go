package utils

import (
	"time"
)

const dayDuration = 24 * time.Hour

// PenaltyCalculator computes refunds and late fees. It never mutates state;
// callers persist the results.
type PenaltyCalculator struct {
	// LateFeePercent is charged per started day late, as a percentage of rent.
	LateFeePercent int64
}

// NewPenaltyCalculator returns a calculator charging percent of rent per day late.
func NewPenaltyCalculator(percent int64) PenaltyCalculator {
	return PenaltyCalculator{LateFeePercent: percent}
}

// Refund returns max(0, deposit - penalties).
func Refund(deposit, penalties int64) int64 {
	if penalties >= deposit {
		return 0
	}
	return deposit - penalties
}

// DaysLate returns the number of started days between due and now, or 0 when
// now is not after due.
func DaysLate(due, now time.Time) int64 {
	late := now.Sub(due)
	if late <= 0 {
		return 0
	}
	days := int64(late / dayDuration)
	if late%dayDuration > 0 {
		days++
	}
	return days
}

// LateFee returns daysLate * rent * percent / 100, rounded up to the next
// minor unit.
func (c PenaltyCalculator) LateFee(rent int64, due, now time.Time) int64 {
	days := DaysLate(due, now)
	if days == 0 || rent <= 0 || c.LateFeePercent <= 0 {
		return 0
	}
	scaled := days * rent * c.LateFeePercent
	fee := scaled / 100
	if scaled%100 != 0 {
		fee++
	}
	return fee
}

// Settlement splits the escrowed amounts once penalties are known.
type Settlement struct {
	Refund      int64 // to the renter
	OwnerPayout int64 // rent plus retained deposit
}

// Settle computes what each party receives from an escrow holding rent+deposit.
func (c PenaltyCalculator) Settle(rent, deposit, penalties int64) Settlement {
	refund := Refund(deposit, penalties)
	return Settlement{Refund: refund, OwnerPayout: rent + deposit - refund}
}

// CapPenalty reduces amount so total penalties never exceed the deposit.
func CapPenalty(amount, existing, deposit int64) int64 {
	room := deposit - existing
	if room <= 0 || amount <= 0 {
		return 0
	}
	if amount > room {
		return room
	}
	return amount
}
