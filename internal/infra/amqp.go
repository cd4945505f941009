// README: RabbitMQ connection with retry for the outbound event exporter.
package infra

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type RabbitMQ struct {
	Conn *amqp.Connection
	Chan *amqp.Channel
}

// NewRabbitMQ dials url with exponential backoff (1s, 2s, 4s, ...) for up to
// five attempts or until ctx is done.
func NewRabbitMQ(ctx context.Context, url string, log *slog.Logger) (*RabbitMQ, error) {
	var lastErr error
	backoff := time.Second
	for attempt := 1; attempt <= 5; attempt++ {
		conn, err := amqp.Dial(url)
		if err == nil {
			ch, chErr := conn.Channel()
			if chErr != nil {
				_ = conn.Close()
				return nil, fmt.Errorf("open amqp channel: %w", chErr)
			}
			log.Info("amqp connected")
			return &RabbitMQ{Conn: conn, Chan: ch}, nil
		}
		lastErr = err
		log.Warn("amqp dial failed", "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("connect amqp after retries: %w", lastErr)
}

func (r *RabbitMQ) Close() {
	if r.Chan != nil {
		_ = r.Chan.Close()
	}
	if r.Conn != nil {
		_ = r.Conn.Close()
	}
	r.Conn, r.Chan = nil, nil
}
