// README: Lifecycle event envelope and the publisher abstraction used by the engine.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"roadassist/internal/types"
)

type Audience string

const (
	AudienceBroadcast Audience = "broadcast"
	AudienceUser      Audience = "user"
)

type EventType string

// Broadcast events keep every map view current.
const (
	RequestAdded   EventType = "request.added"
	RequestUpdated EventType = "request.updated"
	RequestDeleted EventType = "request.deleted"
)

// Directed events go to a single user's channel.
const (
	HelperOffered    EventType = "helper.offered"
	HelperConfirmed  EventType = "helper.confirmed"
	HelperCancelled  EventType = "helper.cancelled"
	HelperStarted    EventType = "helper.started"
	HelperCompleted  EventType = "helper.completed"
	OfferRejected    EventType = "offer.rejected"
	RequestCancelled EventType = "request.cancelled"
	RequestCompleted EventType = "request.completed"
	ETAUpdated       EventType = "eta.updated"
)

type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Audience  Audience  `json:"audience"`
	UserID    types.ID  `json:"user_id,omitempty"`
	RequestID types.ID  `json:"request_id"`
	Payload   any       `json:"payload,omitempty"`
	At        time.Time `json:"at"`
}

// Broadcast builds an event for all connected subscribers. payload must be
// the public projection of the request.
func Broadcast(t EventType, requestID types.ID, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Audience:  AudienceBroadcast,
		RequestID: requestID,
		Payload:   payload,
		At:        time.Now().UTC(),
	}
}

// Direct builds an event for a single user.
func Direct(t EventType, userID, requestID types.ID, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Audience:  AudienceUser,
		UserID:    userID,
		RequestID: requestID,
		Payload:   payload,
		At:        time.Now().UTC(),
	}
}

// Publisher delivers an event to some transport.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Fanout publishes to every member and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dispatcher is the engine's fire-and-forget view of the fanout: failures
// are logged and never returned, the persisted transition stays authoritative.
type Dispatcher struct {
	pub Publisher
	log *slog.Logger
}

func NewDispatcher(pub Publisher, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{pub: pub, log: log}
}

func (d *Dispatcher) Notify(ctx context.Context, events ...Event) {
	if d == nil || d.pub == nil {
		return
	}
	for _, ev := range events {
		if err := d.pub.Publish(ctx, ev); err != nil {
			d.log.Warn("event delivery failed",
				"event", ev.Type, "request_id", ev.RequestID, "user_id", ev.UserID, "err", err)
		}
	}
}
