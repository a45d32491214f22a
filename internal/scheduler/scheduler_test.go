package scheduler_test

import (
	"testing"

	"rental-escrow-backend/internal/config"
	"rental-escrow-backend/internal/jobs"
	"rental-escrow-backend/internal/scheduler"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewScheduler(t *testing.T) {
	t.Run("Registers every job", func(t *testing.T) {
		cfg := &config.Config{Scheduler: config.SchedulerConfig{
			ReconciliationSweep:  "0 */5 * * * *",
			SweepExpiredCodes:    "0 * * * * *",
			SendOverdueReminders: "0 0 3 * * *",
		}}
		s, err := scheduler.NewScheduler(jobs.NewJobRunner(&jobs.Services{}, cfg))
		require.NoError(t, err)
		assert.True(t, s.IsRunning())
		s.Start()
		s.Stop()
	})

	t.Run("Invalid schedule", func(t *testing.T) {
		cfg := &config.Config{Scheduler: config.SchedulerConfig{
			ReconciliationSweep:  "every five minutes",
			SweepExpiredCodes:    "0 * * * * *",
			SendOverdueReminders: "0 0 3 * * *",
		}}
		_, err := scheduler.NewScheduler(jobs.NewJobRunner(&jobs.Services{}, cfg))
		assert.Error(t, err)
	})
}
