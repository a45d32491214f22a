package jobs_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"rental-escrow-backend/internal/domain"
	"rental-escrow-backend/internal/jobs"
	"rental-escrow-backend/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type fixture struct {
	lifecycle *MockRentalLifecycle
	sweeper   *MockSweeper
	otp       *MockOTPGate
	notifier  *MockNotifier
	runner    *jobs.JobRunner
}

func newFixture() *fixture {
	f := &fixture{
		lifecycle: new(MockRentalLifecycle),
		sweeper:   new(MockSweeper),
		otp:       new(MockOTPGate),
		notifier:  new(MockNotifier),
	}
	f.runner = jobs.NewJobRunner(&jobs.Services{
		Lifecycle:  f.lifecycle,
		Reconciler: f.sweeper,
		OTP:        f.otp,
		Notifier:   f.notifier,
	}, nil)
	return f
}

func TestRunReconciliationSweep(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		f := newFixture()
		f.sweeper.On("Sweep", mock.Anything).Return(service.SweepReport{Checked: 2, Applied: 1, Unknown: 1}, nil).Once()
		f.runner.RunReconciliationSweep()
		f.sweeper.AssertExpectations(t)
	})

	t.Run("Error does not panic", func(t *testing.T) {
		f := newFixture()
		f.sweeper.On("Sweep", mock.Anything).Return(service.SweepReport{}, errors.New("db down")).Once()
		assert.NotPanics(t, f.runner.RunReconciliationSweep)
		f.sweeper.AssertExpectations(t)
	})

	t.Run("Panic is recovered", func(t *testing.T) {
		f := newFixture()
		f.sweeper.On("Sweep", mock.Anything).Run(func(mock.Arguments) { panic("boom") }).
			Return(service.SweepReport{}, nil).Once()
		assert.NotPanics(t, f.runner.RunReconciliationSweep)
	})
}

func TestSweepExpiredCodes(t *testing.T) {
	f := newFixture()
	f.otp.On("Sweep", mock.AnythingOfType("time.Time")).Return(3).Once()
	f.runner.SweepExpiredCodes()
	f.otp.AssertExpectations(t)
}

func TestSendOverdueReminders(t *testing.T) {
	due := time.Now().Add(-30 * time.Hour)
	overdue := []domain.Agreement{
		{ID: "agr-1", RenterID: "r1", RenterContact: "r1@example.com", DueDate: &due},
		{ID: "agr-2", RenterID: "r2", DueDate: &due},
		{ID: "agr-3", RenterID: "r3", RenterContact: "r3@example.com", DueDate: &due},
	}

	f := newFixture()
	f.lifecycle.On("OverdueAgreements", mock.Anything, mock.AnythingOfType("time.Time")).Return(overdue, nil).Once()
	f.notifier.On("SendNotice", mock.Anything, "r1@example.com", mock.Anything, mock.MatchedBy(func(body string) bool {
		return strings.Contains(body, "agr-1") && strings.Contains(body, "2 day(s)")
	})).Return(nil).Once()
	f.notifier.On("SendNotice", mock.Anything, "r3@example.com", mock.Anything, mock.Anything).Return(errors.New("bounced")).Once()

	f.runner.SendOverdueReminders()

	f.lifecycle.AssertExpectations(t)
	f.notifier.AssertExpectations(t)
	f.notifier.AssertNumberOfCalls(t, "SendNotice", 2)
}

func TestRunJob(t *testing.T) {
	f := newFixture()
	f.otp.On("Sweep", mock.Anything).Return(0).Once()
	assert.NoError(t, f.runner.RunJob(jobs.JobSweepExpiredCodes))
	assert.Error(t, f.runner.RunJob("bogus"))
	f.otp.AssertExpectations(t)
}
