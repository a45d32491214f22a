package postgres_test

import (
	"context"
	"testing"
	"time"

	"rental-escrow-backend/internal/domain"
	"rental-escrow-backend/internal/repository/postgres"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var recordCols = []string{"op_id", "agreement_id", "listing_id", "kind", "requested_state", "tx_hash",
	"escrow_address", "refund_amount", "owner_payout", "expires_at", "confirmed_state", "requested_at",
	"confirmed_at", "resolved_at"}

func TestReconciliationRepository_Confirm(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("error opening mock database: %v", err)
	}
	defer db.Close()

	repo := postgres.NewReconciliationRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("FirstConfirmation", func(t *testing.T) {
		mock.ExpectExec("UPDATE reconciliation_records SET confirmed_state").
			WithArgs("APPLIED", now, "op-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, repo.Confirm(ctx, "op-1", domain.ConfirmedApplied, now))
	})

	t.Run("SameStateIsNoop", func(t *testing.T) {
		mock.ExpectExec("UPDATE reconciliation_records SET confirmed_state").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT confirmed_state FROM reconciliation_records").
			WithArgs("op-1").
			WillReturnRows(sqlmock.NewRows([]string{"confirmed_state"}).AddRow("APPLIED"))

		assert.NoError(t, repo.Confirm(ctx, "op-1", domain.ConfirmedApplied, now))
	})

	t.Run("ConflictingState", func(t *testing.T) {
		mock.ExpectExec("UPDATE reconciliation_records SET confirmed_state").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT confirmed_state FROM reconciliation_records").
			WillReturnRows(sqlmock.NewRows([]string{"confirmed_state"}).AddRow("APPLIED"))

		err := repo.Confirm(ctx, "op-1", domain.ConfirmedFailed, now)
		assert.ErrorIs(t, err, domain.ErrInvalidState)
	})

	t.Run("Missing", func(t *testing.T) {
		mock.ExpectExec("UPDATE reconciliation_records SET confirmed_state").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT confirmed_state FROM reconciliation_records").
			WillReturnRows(sqlmock.NewRows([]string{"confirmed_state"}))

		err := repo.Confirm(ctx, "op-x", domain.ConfirmedFailed, now)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReconciliationRepository_ListUnconfirmed(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("error opening mock database: %v", err)
	}
	defer db.Close()

	repo := postgres.NewReconciliationRepository(db)
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT (.+) FROM reconciliation_records WHERE confirmed_state IS NULL").
		WillReturnRows(sqlmock.NewRows(recordCols).
			AddRow("op-1", "agr-1", "lst-1", "FUND_ESCROW", "ACTIVE", "hash1", "rent1escrow", 0, 0,
				now.Add(time.Minute), nil, now, nil, nil))

	recs, err := repo.ListUnconfirmed(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.LedgerOpFundEscrow, recs[0].Kind)
	assert.False(t, recs[0].IsConfirmed())
	assert.False(t, recs[0].IsResolved())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReconciliationRepository_MarkResolved(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("error opening mock database: %v", err)
	}
	defer db.Close()

	repo := postgres.NewReconciliationRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("AlreadyResolved", func(t *testing.T) {
		mock.ExpectExec("UPDATE reconciliation_records SET resolved_at").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("op-1").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		assert.NoError(t, repo.MarkResolved(ctx, "op-1", now))
	})

	t.Run("Missing", func(t *testing.T) {
		mock.ExpectExec("UPDATE reconciliation_records SET resolved_at").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT EXISTS").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		assert.ErrorIs(t, repo.MarkResolved(ctx, "op-x", now), domain.ErrNotFound)
	})
}

func TestEscrowKeyRepository_Put(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("error opening mock database: %v", err)
	}
	defer db.Close()

	repo := postgres.NewEscrowKeyRepository(db)
	now := time.Now().UTC()
	key := &domain.SealedKey{Address: "rent1new", AgreementID: "agr-1", Ciphertext: []byte("ct"), Nonce: []byte("n"), CreatedOn: now}

	// An earlier key for the agreement wins.
	mock.ExpectExec("INSERT INTO escrow_keys").
		WithArgs("rent1new", "agr-1", []byte("ct"), []byte("n"), now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM escrow_keys WHERE agreement_id = \\$1").
		WithArgs("agr-1").
		WillReturnRows(sqlmock.NewRows([]string{"address", "agreement_id", "ciphertext", "nonce", "created_on"}).
			AddRow("rent1old", "agr-1", []byte("old"), []byte("n0"), now))

	stored, err := repo.Put(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "rent1old", stored.Address)
	assert.NoError(t, mock.ExpectationsWereMet())
}
