// README: FCM push notifications addressed to per-driver topics.
package notify

import (
	"context"
	"errors"
	"fmt"

	"firebase.google.com/go/v4/messaging"

	"fleetswap/internal/types"
)

// Sender is the part of *messaging.Client used here.
type Sender interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
}

type FCM struct {
	client Sender
}

func NewFCM(client Sender) *FCM {
	return &FCM{client: client}
}

// Topic is the FCM topic a driver's devices subscribe to.
func Topic(userID types.ID) string {
	return "driver_" + string(userID)
}

func (f *FCM) Notify(ctx context.Context, userIDs []types.ID, title, body string) error {
	var errs []error
	for _, id := range userIDs {
		msg := &messaging.Message{
			Topic: Topic(id),
			Data: map[string]string{
				"type":    "swap",
				"user_id": string(id),
			},
			Notification: &messaging.Notification{
				Title: title,
				Body:  body,
			},
			Android: &messaging.AndroidConfig{
				Priority: "high",
			},
		}
		if _, err := f.client.Send(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("fcm %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
