// README: Firebase Cloud Messaging push for directed events (wakes offline phones).
package notify

import (
	"context"
	"fmt"

	"firebase.google.com/go/v4/messaging"
)

type messenger interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// PushNotifier sends directed events to the FCM topic "user_<id>" that the
// mobile app subscribes to after sign-in. Broadcasts are not pushed; ETA
// updates go out as silent data messages.
type PushNotifier struct {
	client messenger
}

func NewPushNotifier(client messenger) *PushNotifier {
	return &PushNotifier{client: client}
}

var pushTitles = map[EventType]string{
	HelperOffered:    "A helper offered to assist you",
	HelperConfirmed:  "You have been confirmed for a request",
	HelperCancelled:  "Your helper dropped the assignment",
	HelperStarted:    "Your helper is on the way",
	HelperCompleted:  "Your helper marked the job done",
	OfferRejected:    "Your offer was declined",
	RequestCancelled: "A request you were helping with was cancelled",
	RequestCompleted: "Request completed",
}

func (p *PushNotifier) Publish(ctx context.Context, ev Event) error {
	if ev.Audience != AudienceUser || ev.UserID == "" {
		return nil
	}
	msg := &messaging.Message{
		Topic: "user_" + string(ev.UserID),
		Data: map[string]string{
			"type":       string(ev.Type),
			"event_id":   ev.ID,
			"request_id": string(ev.RequestID),
		},
		Android: &messaging.AndroidConfig{Priority: "high"},
	}
	if title, ok := pushTitles[ev.Type]; ok {
		msg.Notification = &messaging.Notification{Title: title}
	}
	if _, err := p.client.Send(ctx, msg); err != nil {
		return fmt.Errorf("fcm send %s to %s: %w", ev.Type, ev.UserID, err)
	}
	return nil
}
