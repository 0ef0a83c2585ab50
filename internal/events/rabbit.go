package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rabbitmq/amqp091-go"
)

// RabbitNotifier publishes events to a durable fanout exchange with the event
// topic as routing key.
type RabbitNotifier struct {
	conn     *amqp091.Connection
	exchange string
}

// NewRabbitNotifier dials url and declares exchange.
func NewRabbitNotifier(url, exchange string) (*RabbitNotifier, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()
	if err := ch.ExchangeDeclare(exchange, "fanout", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &RabbitNotifier{conn: conn, exchange: exchange}, nil
}

func (r *RabbitNotifier) Name() string { return "rabbitmq" }

func (r *RabbitNotifier) Notify(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()
	return ch.PublishWithContext(ctx, r.exchange, ev.Topic, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    ev.ID.String(),
		Timestamp:    ev.OccurredAt,
		Body:         body,
	})
}

// Close closes the connection.
func (r *RabbitNotifier) Close() error {
	return r.conn.Close()
}
