package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"delivery-core/internal/domain/entity"
	"delivery-core/internal/resilience/retry"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultExchange is the topic exchange outcome events are published to.
const DefaultExchange = "delivery.events"

// amqpChannel is the subset of *amqp.Channel the publisher needs.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes outcome events as persistent JSON messages with
// routing key "delivery.<status>", so consumers can bind to
// "delivery.failed" or "delivery.#".
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       amqpChannel
	exchange string
}

// DialAMQP connects to the broker at url, retrying while it starts up, and
// declares the exchange.
func DialAMQP(ctx context.Context, url, exchange string) (*AMQPPublisher, error) {
	var conn *amqp.Connection
	err := retry.WithBackoff(ctx, retry.BrokerConfig(), func() error {
		c, err := amqp.Dial(url)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	p, err := NewAMQPPublisher(ch, exchange)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

// NewAMQPPublisher declares a durable topic exchange on ch and returns a
// publisher bound to it. An empty exchange uses DefaultExchange.
func NewAMQPPublisher(ch amqpChannel, exchange string) (*AMQPPublisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPPublisher{ch: ch, exchange: exchange}, nil
}

// RoutingKey returns the routing key for status.
func RoutingKey(status entity.Status) string {
	return "delivery." + string(status)
}

// Publish implements Publisher.
func (p *AMQPPublisher) Publish(ctx context.Context, ev entity.OutcomeEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal outcome event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(ctx,
		p.exchange,
		RoutingKey(ev.Status),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    ev.ItemID,
			Timestamp:    ev.OccurredAt,
			Type:         "delivery.outcome",
			Body:         body,
		})
	if err != nil {
		return fmt.Errorf("publish outcome %s: %w", ev.ItemID, err)
	}
	return nil
}

// Close closes the channel and, when the publisher dialed it, the
// connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.ch.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
