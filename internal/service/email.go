package service

import (
	"context"
	"fmt"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"rental-escrow-backend/internal/logger"
)

// sendFunc posts one message and reports the provider's HTTP status.
type sendFunc func(ctx context.Context, msg *mail.SGMailV3) (status int, body string, err error)

type emailNotifier struct {
	fromEmail string
	fromName  string
	send      sendFunc
}

// NewEmailNotifier delivers codes and notices through SendGrid.
func NewEmailNotifier(apiKey, fromEmail, fromName string) Notifier {
	client := sendgrid.NewSendClient(apiKey)
	return newEmailNotifier(fromEmail, fromName, func(ctx context.Context, msg *mail.SGMailV3) (int, string, error) {
		resp, err := client.SendWithContext(ctx, msg)
		if err != nil {
			return 0, "", err
		}
		return resp.StatusCode, resp.Body, nil
	})
}

func newEmailNotifier(fromEmail, fromName string, send sendFunc) *emailNotifier {
	return &emailNotifier{fromEmail: fromEmail, fromName: fromName, send: send}
}

func (s *emailNotifier) SendCode(ctx context.Context, destination, code string) error {
	subject := "Your rental completion code"
	plainText := fmt.Sprintf("Your completion code is %s.\n\nHand it to the renter when the item is returned. It expires shortly and can be used once.", code)
	htmlContent := fmt.Sprintf(`
		<html>
			<body>
				<h2>Rental completion code</h2>
				<p>Your completion code is <strong>%s</strong>.</p>
				<p>Hand it to the renter when the item is returned. It expires shortly and can be used once.</p>
			</body>
		</html>
	`, code)
	return s.sendEmail(ctx, destination, subject, plainText, htmlContent)
}

func (s *emailNotifier) SendNotice(ctx context.Context, destination, subject, body string) error {
	return s.sendEmail(ctx, destination, subject, body, "")
}

func (s *emailNotifier) sendEmail(ctx context.Context, to, subject, plainText, htmlContent string) error {
	from := mail.NewEmail(s.fromName, s.fromEmail)
	recipient := mail.NewEmail("", to)
	message := mail.NewSingleEmail(from, subject, recipient, plainText, htmlContent)

	logger.ExternalServiceCall("sendgrid", "send", "to", to, "subject", subject)
	status, body, err := s.send(ctx, message)
	if err == nil && status >= 400 {
		err = fmt.Errorf("sendgrid error: status %d, body: %s", status, body)
	}
	logger.ExternalServiceResult("sendgrid", "send", err, "to", to)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}
