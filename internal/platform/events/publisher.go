package events

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Publisher delivers one event to the broker.
type Publisher interface {
	Publish(ctx context.Context, e *Event) error
}

// NewBreaker returns the circuit breaker used in front of the broker: it
// opens after 3 consecutive failures and lets 3 trial requests through once
// timeout has passed.
func NewBreaker(name string, timeout time.Duration, logger zerolog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	})
}

// amqpChannel is the subset of *amqp.Channel used by RabbitMQPublisher.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitMQPublisher publishes events to a durable queue on the default
// exchange, routed by queue name.
type RabbitMQPublisher struct {
	conn  *amqp.Connection
	ch    amqpChannel
	queue string
	cb    *gobreaker.CircuitBreaker
}

// DialRabbitMQ connects to the broker and declares the queue.
func DialRabbitMQ(url, queue string, logger zerolog.Logger) (*RabbitMQPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	_, err = ch.QueueDeclare(
		queue,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}

	p := newPublisher(ch, queue, NewBreaker("rabbitmq-publisher", 30*time.Second, logger))
	p.conn = conn
	return p, nil
}

func newPublisher(ch amqpChannel, queue string, cb *gobreaker.CircuitBreaker) *RabbitMQPublisher {
	return &RabbitMQPublisher{ch: ch, queue: queue, cb: cb}
}

// Publish sends e as a persistent JSON message. While the breaker is open
// it fails fast with gobreaker.ErrOpenState.
func (p *RabbitMQPublisher) Publish(ctx context.Context, e *Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.ID.String(),
		Type:         e.Type,
		Timestamp:    e.CreatedAt,
		Headers:      amqp.Table{"aggregate_id": e.AggregateID.String()},
		Body:         e.Payload,
	}
	_, err := p.cb.Execute(func() (interface{}, error) {
		return nil, p.ch.PublishWithContext(ctx, "", p.queue, false, false, msg)
	})
	if err != nil {
		return fmt.Errorf("publish %s %s: %w", e.Type, e.ID, err)
	}
	return nil
}

// State reports the breaker state, for health checks.
func (p *RabbitMQPublisher) State() gobreaker.State { return p.cb.State() }

func (p *RabbitMQPublisher) Close() error {
	if p.ch != nil {
		if err := p.ch.Close(); err != nil {
			return err
		}
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// LogPublisher writes events to the log instead of a broker. Used when
// AMQP_URL is empty.
type LogPublisher struct {
	Logger zerolog.Logger
}

func (p LogPublisher) Publish(_ context.Context, e *Event) error {
	p.Logger.Info().Str("event_id", e.ID.String()).Str("event_type", e.Type).
		Str("aggregate_id", e.AggregateID.String()).RawJSON("payload", e.Payload).Msg("event")
	return nil
}
