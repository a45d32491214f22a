package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRefund(t *testing.T) {
	tests := []struct {
		name      string
		deposit   int64
		penalties int64
		expected  int64
	}{
		{"No penalties", 50, 0, 50},
		{"Partial penalty", 50, 20, 30},
		{"Penalty equals deposit", 50, 50, 0},
		{"Penalty exceeds deposit", 50, 80, 0},
		{"Zero deposit", 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			refund := Refund(tt.deposit, tt.penalties)
			assert.Equal(t, tt.expected, refund)
			assert.LessOrEqual(t, refund, tt.deposit)
			assert.GreaterOrEqual(t, refund, int64(0))
		})
	}
}

func TestDaysLate(t *testing.T) {
	due := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		now      time.Time
		expected int64
	}{
		{"Before due", due.Add(-time.Hour), 0},
		{"Exactly due", due, 0},
		{"One minute late", due.Add(time.Minute), 1},
		{"Exactly one day", due.Add(24 * time.Hour), 1},
		{"Just over one day", due.Add(24*time.Hour + time.Second), 2},
		{"Ten days", due.AddDate(0, 0, 10), 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, DaysLate(due, tt.now))
		})
	}
}

func TestLateFee(t *testing.T) {
	calc := NewPenaltyCalculator(10)
	due := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)

	t.Run("Not late", func(t *testing.T) {
		assert.Equal(t, int64(0), calc.LateFee(100, due, due.Add(-time.Hour)))
	})

	t.Run("Two days late", func(t *testing.T) {
		assert.Equal(t, int64(20), calc.LateFee(100, due, due.Add(36*time.Hour)))
	})

	t.Run("Rounds up fractional minor units", func(t *testing.T) {
		// 1 day * 15 * 10% = 1.5 -> 2
		assert.Equal(t, int64(2), calc.LateFee(15, due, due.Add(time.Hour)))
	})

	t.Run("Disabled percent", func(t *testing.T) {
		assert.Equal(t, int64(0), NewPenaltyCalculator(0).LateFee(100, due, due.AddDate(0, 0, 3)))
	})
}

func TestSettle(t *testing.T) {
	calc := NewPenaltyCalculator(10)

	s := calc.Settle(100, 50, 20)
	assert.Equal(t, int64(30), s.Refund)
	assert.Equal(t, int64(120), s.OwnerPayout)

	s = calc.Settle(100, 50, 0)
	assert.Equal(t, int64(50), s.Refund)
	assert.Equal(t, int64(100), s.OwnerPayout)

	s = calc.Settle(100, 50, 90)
	assert.Equal(t, int64(0), s.Refund)
	assert.Equal(t, int64(150), s.OwnerPayout)
}

func TestCapPenalty(t *testing.T) {
	assert.Equal(t, int64(10), CapPenalty(10, 0, 50))
	assert.Equal(t, int64(30), CapPenalty(40, 20, 50))
	assert.Equal(t, int64(0), CapPenalty(5, 50, 50))
	assert.Equal(t, int64(0), CapPenalty(-5, 0, 50))
}
