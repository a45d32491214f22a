package postgres_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"rental-escrow-backend/internal/domain"
	"rental-escrow-backend/internal/repository/postgres"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var listingCols = []string{"id", "owner_id", "owner_address", "owner_contact", "title", "rent_amount",
	"deposit_amount", "available_quantity", "late_fee_enabled", "closed", "status", "version",
	"created_on", "updated_on"}

var agreementCols = []string{"id", "listing_id", "renter_id", "renter_address", "renter_contact",
	"rent_amount", "deposit_amount", "start_date", "due_date", "end_date", "penalties", "status",
	"escrow_address", "escrow_reserve", "funding_tx", "settlement_tx", "refund_amount", "owner_payout",
	"created_on", "updated_on"}

func sampleListing(now time.Time) *domain.Listing {
	return &domain.Listing{
		ID:                "lst-1",
		OwnerID:           "owner-1",
		OwnerAddress:      "rent1owner",
		OwnerContact:      "owner@example.com",
		Title:             "Cordless drill",
		RentAmount:        100,
		DepositAmount:     50,
		AvailableQuantity: 1,
		Status:            domain.ListingStatusCreated,
		Version:           3,
		CreatedOn:         now,
		UpdatedOn:         now,
	}
}

func TestListingRepository_Create(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("error opening mock database: %v", err)
	}
	defer db.Close()

	repo := postgres.NewListingRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("Success", func(t *testing.T) {
		l := sampleListing(now)
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO listings").
			WithArgs(l.ID, l.OwnerID, l.OwnerAddress, l.OwnerContact, l.Title, l.RentAmount, l.DepositAmount,
				l.AvailableQuantity, false, false, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, repo.Create(ctx, l))
		assert.Equal(t, int64(1), l.Version)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Duplicate", func(t *testing.T) {
		l := sampleListing(now)
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO listings").WillReturnError(&pq.Error{Code: "23505"})
		mock.ExpectRollback()

		err := repo.Create(ctx, l)
		assert.ErrorIs(t, err, domain.ErrValidation)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestListingRepository_GetByID(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("error opening mock database: %v", err)
	}
	defer db.Close()

	repo := postgres.NewListingRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("Success", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM listings WHERE id = \\$1").
			WithArgs("lst-1").
			WillReturnRows(sqlmock.NewRows(listingCols).
				AddRow("lst-1", "owner-1", "rent1owner", "", "Drill", 100, 50, 0, true, false, "RENTED", 4, now, now))
		mock.ExpectQuery("SELECT (.+) FROM agreements WHERE listing_id = \\$1").
			WithArgs("lst-1").
			WillReturnRows(sqlmock.NewRows(agreementCols).
				AddRow("agr-1", "lst-1", "renter-1", "rent1renter", "", 100, 50, now, now.Add(24*time.Hour), nil,
					[]byte(`[{"amount":20,"kind":"MANUAL","reason":"scratch","added_by":"owner-1","added_on":"2026-01-01T00:00:00Z"}]`),
					"ACTIVE", "rent1escrow", 10, "fundhash", "", 0, 0, now, now))

		l, err := repo.GetByID(ctx, "lst-1")
		require.NoError(t, err)
		assert.Equal(t, domain.ListingStatusRented, l.Status)
		assert.Equal(t, int64(4), l.Version)
		require.Len(t, l.Agreements, 1)
		a := l.Agreements[0]
		assert.Equal(t, domain.AgreementStatusActive, a.Status)
		require.NotNil(t, a.DueDate)
		assert.Nil(t, a.EndDate)
		assert.Equal(t, int64(20), a.PenaltyTotal())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("NotFound", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM listings WHERE id = \\$1").
			WithArgs("missing").
			WillReturnError(sql.ErrNoRows)

		_, err := repo.GetByID(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("CorruptPenalties", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM listings WHERE id = \\$1").
			WithArgs("lst-2").
			WillReturnRows(sqlmock.NewRows(listingCols).
				AddRow("lst-2", "owner-1", "rent1owner", "", "Drill", 100, 50, 0, false, false, "RENTED", 1, now, now))
		mock.ExpectQuery("SELECT (.+) FROM agreements").
			WillReturnRows(sqlmock.NewRows(agreementCols).
				AddRow("agr-2", "lst-2", "renter-1", "rent1renter", "", 100, 50, now, nil, nil,
					[]byte(`{not json`), "ACTIVE", "", 0, "", "", 0, 0, now, now))

		_, err := repo.GetByID(ctx, "lst-2")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "corrupt penalties")
	})
}

func TestListingRepository_Save(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("error opening mock database: %v", err)
	}
	defer db.Close()

	repo := postgres.NewListingRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	withAgreement := func() *domain.Listing {
		l := sampleListing(now)
		l.AvailableQuantity = 0
		l.Agreements = []domain.Agreement{{
			ID: "agr-1", ListingID: l.ID, RenterID: "renter-1", RenterAddress: "rent1renter",
			RentAmount: 100, DepositAmount: 50, StartDate: now, Status: domain.AgreementStatusPending,
			CreatedOn: now, UpdatedOn: now,
		}}
		l.Refresh(now)
		return l
	}

	t.Run("Success", func(t *testing.T) {
		l := withAgreement()
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE listings SET").
			WithArgs(l.OwnerContact, l.Title, int32(0), false, false, "RENTED", sqlmock.AnyArg(), l.ID, int64(3)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO agreements").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, repo.Save(ctx, l))
		assert.Equal(t, int64(4), l.Version)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("VersionConflict", func(t *testing.T) {
		l := withAgreement()
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE listings SET").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		err := repo.Save(ctx, l)
		assert.ErrorIs(t, err, domain.ErrVersionConflict)
		assert.Equal(t, int64(3), l.Version)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("SecondOpenAgreementForRenter", func(t *testing.T) {
		l := withAgreement()
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE listings SET").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO agreements").WillReturnError(&pq.Error{Code: "23505"})
		mock.ExpectRollback()

		err := repo.Save(ctx, l)
		assert.ErrorIs(t, err, domain.ErrDuplicateAgreement)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestListingRepository_GetByAgreementID(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("error opening mock database: %v", err)
	}
	defer db.Close()

	repo := postgres.NewListingRepository(db)

	mock.ExpectQuery("SELECT listing_id FROM agreements WHERE id = \\$1").
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"listing_id"}))

	_, err = repo.GetByAgreementID(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
