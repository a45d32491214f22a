package jobs

import (
	"context"
	"fmt"
	"time"

	"rental-escrow-backend/internal/config"
	"rental-escrow-backend/internal/logger"
	"rental-escrow-backend/internal/metrics"
	"rental-escrow-backend/internal/service"
)

// Job names accepted by RunJob.
const (
	JobReconciliationSweep  = "reconciliation-sweep"
	JobSweepExpiredCodes    = "sweep-expired-codes"
	JobSendOverdueReminders = "send-overdue-reminders"
)

// Sweeper settles ledger operations whose outcome was never observed.
type Sweeper interface {
	Sweep(ctx context.Context) (service.SweepReport, error)
}

// Services holds all service dependencies needed by jobs
type Services struct {
	Lifecycle  service.RentalLifecycle
	Reconciler Sweeper
	OTP        service.OTPGate
	Notifier   service.Notifier
}

// JobRunner coordinates all scheduled jobs
type JobRunner struct {
	services *Services
	config   *config.Config
	now      func() time.Time
}

// NewJobRunner creates a new job runner with all dependencies
func NewJobRunner(services *Services, cfg *config.Config) *JobRunner {
	return &JobRunner{
		services: services,
		config:   cfg,
		now:      time.Now,
	}
}

func (jr *JobRunner) Config() *config.Config {
	return jr.config
}

// runWithRecovery wraps job execution with panic recovery
func (jr *JobRunner) runWithRecovery(jobName string, jobFunc func() error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.JobRuns.WithLabelValues(jobName, "panic").Inc()
			logger.Error("Job panicked", "job", jobName, "panic", r)
		}
	}()

	logger.Info("Starting job", "job", jobName)
	start := time.Now()
	if err := jobFunc(); err != nil {
		metrics.JobRuns.WithLabelValues(jobName, metrics.OutcomeFailed).Inc()
		logger.Error("Job failed", "job", jobName, "duration", time.Since(start), "error", err)
		return
	}
	metrics.JobRuns.WithLabelValues(jobName, metrics.OutcomeSuccess).Inc()
	logger.Info("Job completed", "job", jobName, "duration", time.Since(start))
}

// RunJob runs one job by name (for manual execution)
func (jr *JobRunner) RunJob(name string) error {
	switch name {
	case JobReconciliationSweep:
		jr.RunReconciliationSweep()
	case JobSweepExpiredCodes:
		jr.SweepExpiredCodes()
	case JobSendOverdueReminders:
		jr.SendOverdueReminders()
	default:
		return fmt.Errorf("unknown job: %s", name)
	}
	return nil
}

// RunAllJobs runs every job once, reconciliation first
func (jr *JobRunner) RunAllJobs() {
	jr.RunReconciliationSweep()
	jr.SweepExpiredCodes()
	jr.SendOverdueReminders()
}

func (jr *JobRunner) sweepTimeout() time.Duration {
	if jr.config != nil && jr.config.TxTimeout() > 0 {
		return 10 * jr.config.TxTimeout()
	}
	return 5 * time.Minute
}
