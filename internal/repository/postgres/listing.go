package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"rental-escrow-backend/internal/domain"
	"rental-escrow-backend/internal/logger"
	"rental-escrow-backend/internal/repository"
)

const listingColumns = `id, owner_id, owner_address, owner_contact, title, rent_amount, deposit_amount,
	available_quantity, late_fee_enabled, closed, status, version, created_on, updated_on`

const agreementColumns = `id, listing_id, renter_id, renter_address, renter_contact, rent_amount, deposit_amount,
	start_date, due_date, end_date, penalties, status, escrow_address, escrow_reserve, funding_tx,
	settlement_tx, refund_amount, owner_payout, created_on, updated_on`

// Terminal agreements are left untouched by the upsert.
const upsertAgreement = `INSERT INTO agreements (` + agreementColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	ON CONFLICT (id) DO UPDATE SET
		renter_contact = EXCLUDED.renter_contact,
		due_date = EXCLUDED.due_date,
		end_date = EXCLUDED.end_date,
		penalties = EXCLUDED.penalties,
		status = EXCLUDED.status,
		escrow_address = EXCLUDED.escrow_address,
		escrow_reserve = EXCLUDED.escrow_reserve,
		funding_tx = EXCLUDED.funding_tx,
		settlement_tx = EXCLUDED.settlement_tx,
		refund_amount = EXCLUDED.refund_amount,
		owner_payout = EXCLUDED.owner_payout,
		updated_on = EXCLUDED.updated_on
	WHERE agreements.status NOT IN ('COMPLETED', 'CANCELLED')`

type listingRepository struct {
	db *sql.DB
}

func NewListingRepository(db *sql.DB) repository.ListingRepository {
	return &listingRepository{db: db}
}

func (r *listingRepository) Create(ctx context.Context, l *domain.Listing) error {
	query := `INSERT INTO listings (` + listingColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 1, $12, $13)`
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, query, l.ID, l.OwnerID, l.OwnerAddress, l.OwnerContact, l.Title,
			l.RentAmount, l.DepositAmount, l.AvailableQuantity, l.LateFeeEnabled, l.Closed, l.Status,
			l.CreatedOn, l.UpdatedOn); err != nil {
			return err
		}
		return upsertAgreements(ctx, tx, l.Agreements)
	})
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Validationf("listing %s already exists", l.ID)
		}
		return err
	}
	l.Version = 1
	return nil
}

func (r *listingRepository) GetByID(ctx context.Context, id string) (*domain.Listing, error) {
	l := &domain.Listing{}
	query := `SELECT ` + listingColumns + ` FROM listings WHERE id = $1`
	err := r.db.QueryRowContext(ctx, query, id).Scan(&l.ID, &l.OwnerID, &l.OwnerAddress, &l.OwnerContact,
		&l.Title, &l.RentAmount, &l.DepositAmount, &l.AvailableQuantity, &l.LateFeeEnabled, &l.Closed,
		&l.Status, &l.Version, &l.CreatedOn, &l.UpdatedOn)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `SELECT `+agreementColumns+` FROM agreements WHERE listing_id = $1 ORDER BY created_on, id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if l.Agreements, err = scanAgreements(rows); err != nil {
		return nil, err
	}
	return l, nil
}

func (r *listingRepository) Save(ctx context.Context, l *domain.Listing) error {
	query := `UPDATE listings SET owner_contact = $1, title = $2, available_quantity = $3, late_fee_enabled = $4,
		closed = $5, status = $6, version = version + 1, updated_on = $7
		WHERE id = $8 AND version = $9`
	logger.DatabaseCall("save_listing", "UPDATE listings", "listing_id", l.ID, "version", l.Version)

	var affected int64
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, l.OwnerContact, l.Title, l.AvailableQuantity, l.LateFeeEnabled,
			l.Closed, l.Status, l.UpdatedOn, l.ID, l.Version)
		if err != nil {
			return err
		}
		if affected, err = res.RowsAffected(); err != nil {
			return err
		}
		if affected == 0 {
			return domain.ErrVersionConflict
		}
		return upsertAgreements(ctx, tx, l.Agreements)
	})
	if err != nil && !errors.Is(err, domain.ErrVersionConflict) {
		logger.DatabaseResult("save_listing", affected, err, "listing_id", l.ID)
		if isUniqueViolation(err) {
			return domain.ErrDuplicateAgreement
		}
		return err
	}
	if err != nil {
		return err
	}
	l.Version++
	return nil
}

func (r *listingRepository) GetByAgreementID(ctx context.Context, agreementID string) (*domain.Listing, error) {
	var listingID string
	err := r.db.QueryRowContext(ctx, `SELECT listing_id FROM agreements WHERE id = $1`, agreementID).Scan(&listingID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.GetByID(ctx, listingID)
}

func (r *listingRepository) ListActiveDueBefore(ctx context.Context, before time.Time) ([]domain.Agreement, error) {
	query := `SELECT ` + agreementColumns + ` FROM agreements WHERE status = 'ACTIVE' AND due_date < $1 ORDER BY due_date`
	rows, err := r.db.QueryContext(ctx, query, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAgreements(rows)
}

func upsertAgreements(ctx context.Context, tx *sql.Tx, agreements []domain.Agreement) error {
	for i := range agreements {
		a := &agreements[i]
		penalties, err := json.Marshal(nonNilPenalties(a.Penalties))
		if err != nil {
			return fmt.Errorf("encode penalties: %w", err)
		}
		if _, err := tx.ExecContext(ctx, upsertAgreement, a.ID, a.ListingID, a.RenterID, a.RenterAddress,
			a.RenterContact, a.RentAmount, a.DepositAmount, a.StartDate, a.DueDate, a.EndDate, penalties,
			a.Status, a.EscrowAddress, a.EscrowReserve, a.FundingTx, a.SettlementTx, a.RefundAmount,
			a.OwnerPayout, a.CreatedOn, a.UpdatedOn); err != nil {
			return err
		}
	}
	return nil
}

func scanAgreements(rows *sql.Rows) ([]domain.Agreement, error) {
	var out []domain.Agreement
	for rows.Next() {
		var a domain.Agreement
		var due, end sql.NullTime
		var penalties []byte
		if err := rows.Scan(&a.ID, &a.ListingID, &a.RenterID, &a.RenterAddress, &a.RenterContact,
			&a.RentAmount, &a.DepositAmount, &a.StartDate, &due, &end, &penalties, &a.Status,
			&a.EscrowAddress, &a.EscrowReserve, &a.FundingTx, &a.SettlementTx, &a.RefundAmount,
			&a.OwnerPayout, &a.CreatedOn, &a.UpdatedOn); err != nil {
			return nil, err
		}
		if due.Valid {
			a.DueDate = &due.Time
		}
		if end.Valid {
			a.EndDate = &end.Time
		}
		if len(penalties) > 0 {
			if err := json.Unmarshal(penalties, &a.Penalties); err != nil {
				// A corrupted penalty list must never be settled against.
				return nil, fmt.Errorf("agreement %s: corrupt penalties: %w", a.ID, err)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func nonNilPenalties(p []domain.Penalty) []domain.Penalty {
	if p == nil {
		return []domain.Penalty{}
	}
	return p
}
