// README: Redis pub/sub bus so every API instance's hub sees every event.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"roadassist/internal/types"
)

const (
	broadcastChannel  = "assist:events:broadcast"
	userChannelPrefix = "assist:events:user:"
	channelPattern    = "assist:events:*"
)

type RedisBus struct {
	redis *redis.Client
	local *Hub
	log   *slog.Logger
}

func NewRedisBus(rdb *redis.Client, local *Hub, log *slog.Logger) *RedisBus {
	if log == nil {
		log = slog.Default()
	}
	return &RedisBus{redis: rdb, local: local, log: log}
}

func channelFor(ev Event) string {
	if ev.Audience == AudienceUser {
		return userChannelPrefix + string(ev.UserID)
	}
	return broadcastChannel
}

func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.Type, err)
	}
	if err := b.redis.Publish(ctx, channelFor(ev), data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", ev.Type, err)
	}
	return nil
}

// envelopeHeader is the routing part of an Event; the payload stays raw.
type envelopeHeader struct {
	Audience Audience `json:"audience"`
	UserID   types.ID `json:"user_id"`
}

// Run subscribes to all event channels and feeds the local hub until ctx is done.
func (b *RedisBus) Run(ctx context.Context) {
	sub := b.redis.PSubscribe(ctx, channelPattern)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var h envelopeHeader
			if err := json.Unmarshal([]byte(msg.Payload), &h); err != nil {
				b.log.Warn("discarding malformed event", "channel", msg.Channel, "err", err)
				continue
			}
			b.local.deliver(h.Audience, h.UserID, []byte(msg.Payload))
		}
	}
}
