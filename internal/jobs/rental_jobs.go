package jobs

import (
	"context"
	"fmt"
	"time"

	"rental-escrow-backend/internal/logger"
	"rental-escrow-backend/internal/utils"
)

// SendOverdueReminders notifies renters whose active agreements are past
// their due date.
func (jr *JobRunner) SendOverdueReminders() {
	jr.runWithRecovery(JobSendOverdueReminders, func() error {
		ctx := context.Background()
		now := jr.now()

		overdue, err := jr.services.Lifecycle.OverdueAgreements(ctx, now)
		if err != nil {
			return fmt.Errorf("failed to list overdue agreements: %w", err)
		}

		count := 0
		for _, a := range overdue {
			if a.RenterContact == "" {
				logger.Debug("Overdue agreement has no renter contact", "agreement_id", a.ID)
				continue
			}
			subject := "Reminder: overdue rental return"
			body := fmt.Sprintf(`This is a reminder that your rental (agreement %s) was due on %s and is %d day(s) overdue.

Please return the item as soon as possible. Late fees may be deducted from your deposit.`,
				a.ID, a.DueDate.Format(time.RFC1123), utils.DaysLate(*a.DueDate, now))

			if err := jr.services.Notifier.SendNotice(ctx, a.RenterContact, subject, body); err != nil {
				logger.Error("Failed to send overdue reminder",
					"agreement_id", a.ID,
					"renter_id", a.RenterID,
					"error", err)
				continue
			}
			count++
			logger.Debug("Sent overdue reminder", "agreement_id", a.ID, "renter_id", a.RenterID)
		}

		logger.Info("Sent overdue reminders", "count", count, "overdue", len(overdue))
		return nil
	})
}
