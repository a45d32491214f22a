package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"rental-escrow-backend/internal/repository"
	"rental-escrow-backend/internal/repository/postgres/migrations"
)

type Store struct {
	db *sql.DB
	repository.ListingRepository
	repository.ReconciliationRepository
	repository.EscrowKeyRepository
}

func NewStore(db *sql.DB) *Store {
	return &Store{
		db:                       db,
		ListingRepository:        NewListingRepository(db),
		ReconciliationRepository: NewReconciliationRepository(db),
		EscrowKeyRepository:      NewEscrowKeyRepository(db),
	}
}

// RunMigrations applies the embedded goose migrations.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

// withTx runs fn in a transaction, committing on success and rolling back on
// error or panic.
func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()
	return fn(tx)
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
