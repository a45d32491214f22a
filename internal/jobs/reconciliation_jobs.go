package jobs

import (
	"context"

	"rental-escrow-backend/internal/logger"
)

// RunReconciliationSweep confirms pending ledger operations and applies
// their outcomes to agreements.
func (jr *JobRunner) RunReconciliationSweep() {
	jr.runWithRecovery(JobReconciliationSweep, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), jr.sweepTimeout())
		defer cancel()

		report, err := jr.services.Reconciler.Sweep(ctx)
		if err != nil {
			return err
		}
		logger.Info("Reconciliation sweep finished",
			"checked", report.Checked,
			"applied", report.Applied,
			"failed", report.Failed,
			"unknown", report.Unknown,
			"resolved", report.Resolved,
			"errors", report.Errors)
		return nil
	})
}

// SweepExpiredCodes drops completion codes past their expiry.
func (jr *JobRunner) SweepExpiredCodes() {
	jr.runWithRecovery(JobSweepExpiredCodes, func() error {
		removed := jr.services.OTP.Sweep(jr.now())
		logger.Info("Expired completion codes removed", "count", removed)
		return nil
	})
}
