package service

import (
	"context"
	"fmt"
	"strings"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"rental-escrow-backend/internal/logger"
)

// PushPrefix marks a destination as an FCM device token.
const PushPrefix = "fcm:"

type messagingClient interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

type pushNotifier struct {
	client messagingClient
}

// NewPushNotifier connects to Firebase Cloud Messaging with a service
// account credentials file.
func NewPushNotifier(ctx context.Context, credentialsFile string) (Notifier, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("init firebase messaging: %w", err)
	}
	return &pushNotifier{client: client}, nil
}

func (p *pushNotifier) SendCode(ctx context.Context, destination, code string) error {
	return p.send(ctx, destination, "Rental completion code",
		fmt.Sprintf("Your completion code is %s", code),
		map[string]string{"type": "completion_code"})
}

func (p *pushNotifier) SendNotice(ctx context.Context, destination, subject, body string) error {
	return p.send(ctx, destination, subject, body, map[string]string{"type": "notice"})
}

func (p *pushNotifier) send(ctx context.Context, destination, title, body string, data map[string]string) error {
	token := strings.TrimPrefix(destination, PushPrefix)
	if token == "" {
		return fmt.Errorf("empty device token")
	}
	msg := &messaging.Message{
		Token:        token,
		Notification: &messaging.Notification{Title: title, Body: body},
		Data:         data,
	}
	logger.ExternalServiceCall("fcm", "send", "kind", data["type"])
	_, err := p.client.Send(ctx, msg)
	logger.ExternalServiceResult("fcm", "send", err, "kind", data["type"])
	if err != nil {
		return fmt.Errorf("failed to send push: %w", err)
	}
	return nil
}
