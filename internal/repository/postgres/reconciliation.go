package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"rental-escrow-backend/internal/domain"
	"rental-escrow-backend/internal/repository"
)

const recordColumns = `op_id, agreement_id, listing_id, kind, requested_state, tx_hash, escrow_address,
	refund_amount, owner_payout, expires_at, confirmed_state, requested_at, confirmed_at, resolved_at`

type reconciliationRepository struct {
	db *sql.DB
}

func NewReconciliationRepository(db *sql.DB) repository.ReconciliationRepository {
	return &reconciliationRepository{db: db}
}

func (r *reconciliationRepository) Append(ctx context.Context, rec *domain.ReconciliationRecord) error {
	query := `INSERT INTO reconciliation_records (op_id, agreement_id, listing_id, kind, requested_state, tx_hash,
		escrow_address, refund_amount, owner_payout, expires_at, requested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := r.db.ExecContext(ctx, query, rec.OpID, rec.AgreementID, rec.ListingID, rec.Kind, rec.RequestedState,
		rec.TxHash, rec.EscrowAddress, rec.RefundAmount, rec.OwnerPayout, rec.ExpiresAt, rec.RequestedAt)
	if isUniqueViolation(err) {
		return domain.ErrInvalidState
	}
	return err
}

func (r *reconciliationRepository) Confirm(ctx context.Context, opID string, state domain.ConfirmedState, at time.Time) error {
	query := `UPDATE reconciliation_records SET confirmed_state = $1, confirmed_at = $2
		WHERE op_id = $3 AND confirmed_state IS NULL`
	res, err := r.db.ExecContext(ctx, query, state, at, opID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}

	var existing sql.NullString
	err = r.db.QueryRowContext(ctx, `SELECT confirmed_state FROM reconciliation_records WHERE op_id = $1`, opID).Scan(&existing)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	if existing.Valid && domain.ConfirmedState(existing.String) == state {
		return nil
	}
	return domain.ErrInvalidState
}

func (r *reconciliationRepository) MarkResolved(ctx context.Context, opID string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE reconciliation_records SET resolved_at = $1 WHERE op_id = $2 AND resolved_at IS NULL`, at, opID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM reconciliation_records WHERE op_id = $1)`, opID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return domain.ErrNotFound
	}
	return nil
}

func (r *reconciliationRepository) GetByID(ctx context.Context, opID string) (*domain.ReconciliationRecord, error) {
	recs, err := r.query(ctx, `SELECT `+recordColumns+` FROM reconciliation_records WHERE op_id = $1`, opID)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, domain.ErrNotFound
	}
	return &recs[0], nil
}

func (r *reconciliationRepository) ListByAgreement(ctx context.Context, agreementID string) ([]domain.ReconciliationRecord, error) {
	return r.query(ctx, `SELECT `+recordColumns+` FROM reconciliation_records WHERE agreement_id = $1 ORDER BY requested_at, op_id`, agreementID)
}

func (r *reconciliationRepository) ListUnconfirmed(ctx context.Context) ([]domain.ReconciliationRecord, error) {
	return r.query(ctx, `SELECT `+recordColumns+` FROM reconciliation_records WHERE confirmed_state IS NULL ORDER BY requested_at, op_id`)
}

func (r *reconciliationRepository) ListUnresolved(ctx context.Context) ([]domain.ReconciliationRecord, error) {
	return r.query(ctx, `SELECT `+recordColumns+` FROM reconciliation_records
		WHERE confirmed_state IS NOT NULL AND resolved_at IS NULL ORDER BY requested_at, op_id`)
}

func (r *reconciliationRepository) query(ctx context.Context, query string, args ...any) ([]domain.ReconciliationRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ReconciliationRecord
	for rows.Next() {
		var rec domain.ReconciliationRecord
		var confirmed sql.NullString
		var confirmedAt, resolvedAt sql.NullTime
		if err := rows.Scan(&rec.OpID, &rec.AgreementID, &rec.ListingID, &rec.Kind, &rec.RequestedState,
			&rec.TxHash, &rec.EscrowAddress, &rec.RefundAmount, &rec.OwnerPayout, &rec.ExpiresAt, &confirmed,
			&rec.RequestedAt, &confirmedAt, &resolvedAt); err != nil {
			return nil, err
		}
		if confirmed.Valid {
			s := domain.ConfirmedState(confirmed.String)
			rec.ConfirmedState = &s
		}
		if confirmedAt.Valid {
			rec.ConfirmedAt = &confirmedAt.Time
		}
		if resolvedAt.Valid {
			rec.ResolvedAt = &resolvedAt.Time
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
