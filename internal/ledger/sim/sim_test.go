package sim

import (
	"context"
	"testing"
	"time"

	"rental-escrow-backend/internal/ledger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	ledger *Ledger
	now    time.Time
	funder *ledger.Keypair
	other  *ledger.Keypair
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: time.Unix(1_700_000_000, 0)}
	f.ledger = New(WithClock(func() time.Time { return f.now }))
	var err error
	f.funder, err = ledger.GenerateKeypair()
	require.NoError(t, err)
	f.other, err = ledger.GenerateKeypair()
	require.NoError(t, err)
	require.NoError(t, f.ledger.Fund(f.funder.Address(), 1_000))
	return f
}

func (f *fixture) sign(t *testing.T, kp *ledger.Keypair, seq uint64, ops ...ledger.Operation) ledger.SignedTransaction {
	t.Helper()
	stx, err := kp.Sign(ledger.Transaction{
		Source:     kp.Address(),
		Sequence:   seq,
		Fee:        1,
		MaxTime:    f.now.Add(30 * time.Second).Unix(),
		Operations: ops,
	})
	require.NoError(t, err)
	return stx
}

func balance(t *testing.T, l *Ledger, addr string) int64 {
	t.Helper()
	acct, err := l.Account(context.Background(), addr)
	require.NoError(t, err)
	return acct.Balance
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()

	t.Run("CreatePayMerge", func(t *testing.T) {
		f := newFixture(t)
		res, err := f.ledger.Submit(ctx, f.sign(t, f.funder, 1, ledger.CreateAccount(f.other.Address(), 10)))
		require.NoError(t, err)
		assert.Equal(t, uint64(1), res.Ledger)
		assert.Equal(t, int64(989), balance(t, f.ledger, f.funder.Address()))
		assert.Equal(t, int64(10), balance(t, f.ledger, f.other.Address()))

		_, err = f.ledger.Submit(ctx, f.sign(t, f.funder, 2,
			ledger.Payment(f.other.Address(), 100), ledger.Payment(f.other.Address(), 50)))
		require.NoError(t, err)
		assert.Equal(t, int64(160), balance(t, f.ledger, f.other.Address()))

		_, err = f.ledger.Submit(ctx, f.sign(t, f.other, 1,
			ledger.Payment(f.funder.Address(), 60), ledger.AccountMerge(f.funder.Address())))
		require.NoError(t, err)
		_, err = f.ledger.Account(ctx, f.other.Address())
		assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
		assert.Equal(t, int64(989-151+159), balance(t, f.ledger, f.funder.Address()))

		_, err = f.ledger.Transaction(ctx, res.Hash)
		assert.NoError(t, err)
	})

	t.Run("AtomicOnFailure", func(t *testing.T) {
		f := newFixture(t)
		stranger, _ := ledger.GenerateKeypair()
		stx := f.sign(t, f.funder, 1,
			ledger.CreateAccount(f.other.Address(), 10), ledger.Payment(stranger.Address(), 5))
		_, err := f.ledger.Submit(ctx, stx)
		rej, ok := ledger.AsRejected(err)
		require.True(t, ok)
		assert.Equal(t, ledger.RejectNoDestination, rej.Code)

		assert.Equal(t, int64(1_000), balance(t, f.ledger, f.funder.Address()))
		_, err = f.ledger.Account(ctx, f.other.Address())
		assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
		_, err = f.ledger.Transaction(ctx, stx.Hash)
		assert.ErrorIs(t, err, ledger.ErrTxNotFound)
	})

	rejections := []struct {
		name string
		code ledger.RejectCode
		tx   func(f *fixture) ledger.SignedTransaction
	}{
		{"BadSequence", ledger.RejectBadSequence, func(f *fixture) ledger.SignedTransaction {
			return f.sign(t, f.funder, 5, ledger.CreateAccount(f.other.Address(), 1))
		}},
		{"Underfunded", ledger.RejectUnderfunded, func(f *fixture) ledger.SignedTransaction {
			return f.sign(t, f.funder, 1, ledger.CreateAccount(f.other.Address(), 5_000))
		}},
		{"NoSource", ledger.RejectBadAuth, func(f *fixture) ledger.SignedTransaction {
			return f.sign(t, f.other, 1, ledger.Payment(f.funder.Address(), 1))
		}},
		{"ForgedSignature", ledger.RejectBadAuth, func(f *fixture) ledger.SignedTransaction {
			stx := f.sign(t, f.other, 1, ledger.Payment(f.other.Address(), 1))
			stx.Transaction.Source = f.funder.Address()
			stx.Hash, _ = stx.Transaction.Hash()
			return stx
		}},
		{"TooLate", ledger.RejectTooLate, func(f *fixture) ledger.SignedTransaction {
			stx := f.sign(t, f.funder, 1, ledger.CreateAccount(f.other.Address(), 1))
			f.now = f.now.Add(time.Minute)
			return stx
		}},
		{"Malformed", ledger.RejectMalformed, func(f *fixture) ledger.SignedTransaction {
			return f.sign(t, f.funder, 1)
		}},
	}
	for _, tt := range rejections {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.ledger.Submit(ctx, tt.tx(f))
			rej, ok := ledger.AsRejected(err)
			require.True(t, ok, "got %v", err)
			assert.Equal(t, tt.code, rej.Code)
		})
	}

	t.Run("AccountExists", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.ledger.Fund(f.other.Address(), 1))
		_, err := f.ledger.Submit(ctx, f.sign(t, f.funder, 1, ledger.CreateAccount(f.other.Address(), 1)))
		rej, ok := ledger.AsRejected(err)
		require.True(t, ok)
		assert.Equal(t, ledger.RejectAccountExists, rej.Code)
	})

	t.Run("CancelledContext", func(t *testing.T) {
		f := newFixture(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := f.ledger.Submit(cctx, f.sign(t, f.funder, 1, ledger.CreateAccount(f.other.Address(), 1)))
		assert.ErrorIs(t, err, ledger.ErrTimeout)
		assert.Equal(t, 0, f.ledger.Submissions())
	})
}

func TestFaults(t *testing.T) {
	ctx := context.Background()

	t.Run("Drop", func(t *testing.T) {
		f := newFixture(t)
		f.ledger.InjectFault(Fault{Drop: true})
		stx := f.sign(t, f.funder, 1, ledger.CreateAccount(f.other.Address(), 1))
		_, err := f.ledger.Submit(ctx, stx)
		assert.ErrorIs(t, err, ledger.ErrTimeout)
		_, err = f.ledger.Transaction(ctx, stx.Hash)
		assert.ErrorIs(t, err, ledger.ErrTxNotFound)
	})

	t.Run("TimeoutAfterApply", func(t *testing.T) {
		f := newFixture(t)
		f.ledger.InjectFault(Fault{TimeoutAfterApply: true})
		stx := f.sign(t, f.funder, 1, ledger.CreateAccount(f.other.Address(), 1))
		_, err := f.ledger.Submit(ctx, stx)
		assert.ErrorIs(t, err, ledger.ErrTimeout)
		res, err := f.ledger.Transaction(ctx, stx.Hash)
		require.NoError(t, err)
		assert.Equal(t, stx.Hash, res.Hash)
	})

	t.Run("Reject", func(t *testing.T) {
		f := newFixture(t)
		f.ledger.InjectFault(Fault{Reject: ledger.RejectUnderfunded})
		_, err := f.ledger.Submit(ctx, f.sign(t, f.funder, 1, ledger.CreateAccount(f.other.Address(), 1)))
		rej, ok := ledger.AsRejected(err)
		require.True(t, ok)
		assert.Equal(t, ledger.RejectUnderfunded, rej.Code)
		assert.Equal(t, 1, f.ledger.Submissions())

		// The fault is consumed; the same sequence now applies.
		_, err = f.ledger.Submit(ctx, f.sign(t, f.funder, 1, ledger.CreateAccount(f.other.Address(), 1)))
		assert.NoError(t, err)
	})
}
