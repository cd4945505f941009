// README: Exports lifecycle events to a RabbitMQ topic exchange for collaborators
// (chat pairs a conversation on helper.confirmed, payment and analytics consume the rest).
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type AMQPExporter struct {
	mu       sync.Mutex
	ch       amqpChannel
	exchange string
}

func NewAMQPExporter(ch amqpChannel, exchange string) (*AMQPExporter, error) {
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPExporter{ch: ch, exchange: exchange}, nil
}

// Publish routes by event type, e.g. "helper.confirmed".
func (e *AMQPExporter) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.Type, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	err = e.ch.PublishWithContext(ctx, e.exchange, string(ev.Type), false, false, amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    ev.ID,
		Timestamp:    ev.At,
		Type:         string(ev.Type),
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("amqp publish %s: %w", ev.Type, err)
	}
	return nil
}
