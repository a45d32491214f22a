package service

import (
	"context"
	"time"

	"rental-escrow-backend/internal/domain"
	"rental-escrow-backend/internal/ids"
	"rental-escrow-backend/internal/logger"
	"rental-escrow-backend/internal/metrics"
	"rental-escrow-backend/internal/repository"
)

type reconciliationLog struct {
	repo repository.ReconciliationRepository
	now  func() time.Time
}

func NewReconciliationLog(repo repository.ReconciliationRepository, now func() time.Time) ReconciliationLog {
	if now == nil {
		now = time.Now
	}
	return &reconciliationLog{repo: repo, now: now}
}

// Record appends rec as requested and unconfirmed. An empty OpID is filled in.
func (l *reconciliationLog) Record(ctx context.Context, rec domain.ReconciliationRecord) (domain.ReconciliationRecord, error) {
	if rec.OpID == "" {
		rec.OpID = ids.NewOpID()
	}
	rec.RequestedAt = l.now()
	rec.ConfirmedState = nil
	rec.ConfirmedAt = nil
	rec.ResolvedAt = nil
	if err := l.repo.Append(ctx, &rec); err != nil {
		return domain.ReconciliationRecord{}, domain.Internal("record ledger op", err)
	}
	return rec, nil
}

func (l *reconciliationLog) Confirm(ctx context.Context, opID string, state domain.ConfirmedState) error {
	return l.repo.Confirm(ctx, opID, state, l.now())
}

func (l *reconciliationLog) MarkResolved(ctx context.Context, opID string) error {
	return l.repo.MarkResolved(ctx, opID, l.now())
}

// PendingSince returns the agreement's requested operations that have no
// confirmed outcome yet, oldest first.
func (l *reconciliationLog) PendingSince(ctx context.Context, agreementID string) ([]domain.ReconciliationRecord, error) {
	all, err := l.repo.ListByAgreement(ctx, agreementID)
	if err != nil {
		return nil, err
	}
	var out []domain.ReconciliationRecord
	for _, rec := range all {
		if !rec.IsConfirmed() {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (l *reconciliationLog) History(ctx context.Context, agreementID string) ([]domain.ReconciliationRecord, error) {
	return l.repo.ListByAgreement(ctx, agreementID)
}

// Latest returns the most recent record of kind for the agreement, or nil.
func (l *reconciliationLog) Latest(ctx context.Context, agreementID string, kind domain.LedgerOpKind) (*domain.ReconciliationRecord, error) {
	all, err := l.repo.ListByAgreement(ctx, agreementID)
	if err != nil {
		return nil, err
	}
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Kind == kind {
			rec := all[i]
			return &rec, nil
		}
	}
	return nil, nil
}

func (l *reconciliationLog) Unconfirmed(ctx context.Context) ([]domain.ReconciliationRecord, error) {
	return l.repo.ListUnconfirmed(ctx)
}

func (l *reconciliationLog) Unresolved(ctx context.Context) ([]domain.ReconciliationRecord, error) {
	return l.repo.ListUnresolved(ctx)
}

// SweepReport counts what one reconciliation pass did.
type SweepReport struct {
	Checked  int `json:"checked"`
	Applied  int `json:"applied"`
	Failed   int `json:"failed"`
	Unknown  int `json:"unknown"`
	Resolved int `json:"resolved"`
	Errors   int `json:"errors"`
}

// Reconciler aligns business state with ledger truth for operations whose
// outcome was never observed, e.g. after a crash or a timeout.
type Reconciler struct {
	log       ReconciliationLog
	ledger    LedgerAccountManager
	lifecycle RentalLifecycle
}

func NewReconciler(log ReconciliationLog, ledger LedgerAccountManager, lifecycle RentalLifecycle) *Reconciler {
	return &Reconciler{log: log, ledger: ledger, lifecycle: lifecycle}
}

// Sweep confirms unconfirmed records against the ledger, then applies every
// confirmed but unresolved record through the lifecycle.
func (r *Reconciler) Sweep(ctx context.Context) (SweepReport, error) {
	logger.EnterMethod("Reconciler.Sweep")
	var report SweepReport

	pending, err := r.log.Unconfirmed(ctx)
	if err != nil {
		logger.ExitMethodWithError("Reconciler.Sweep", err)
		return report, domain.Internal("list unconfirmed", err)
	}
	for _, rec := range pending {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Checked++
		res, err := r.ledger.Resolve(ctx, rec)
		if err != nil {
			logger.Warn("Ledger lookup failed during sweep", "op_id", rec.OpID, "kind", rec.Kind, "error", err)
		}
		var state domain.ConfirmedState
		switch res {
		case ResolutionApplied:
			state = domain.ConfirmedApplied
			report.Applied++
		case ResolutionFailed:
			state = domain.ConfirmedFailed
			report.Failed++
		default:
			report.Unknown++
			continue
		}
		if err := r.log.Confirm(ctx, rec.OpID, state); err != nil {
			report.Errors++
			logger.Error("Failed to confirm ledger op", "op_id", rec.OpID, "state", state, "error", err)
		}
	}
	metrics.ReconciliationPending.Set(float64(report.Unknown))

	unresolved, err := r.log.Unresolved(ctx)
	if err != nil {
		logger.ExitMethodWithError("Reconciler.Sweep", err)
		return report, domain.Internal("list unresolved", err)
	}
	for _, rec := range unresolved {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if err := r.lifecycle.ApplyLedgerOutcome(ctx, rec); err != nil {
			report.Errors++
			metrics.ReconciliationResolved.WithLabelValues(metrics.OutcomeFailed).Inc()
			logger.Error("Failed to apply ledger outcome", "op_id", rec.OpID, "agreement_id", rec.AgreementID, "kind", rec.Kind, "error", err)
			continue
		}
		if err := r.log.MarkResolved(ctx, rec.OpID); err != nil {
			report.Errors++
			logger.Error("Failed to mark ledger op resolved", "op_id", rec.OpID, "error", err)
			continue
		}
		report.Resolved++
		metrics.ReconciliationResolved.WithLabelValues(string(*rec.ConfirmedState)).Inc()
	}

	logger.ExitMethod("Reconciler.Sweep", "checked", report.Checked, "applied", report.Applied,
		"failed", report.Failed, "unknown", report.Unknown, "resolved", report.Resolved, "errors", report.Errors)
	return report, nil
}
