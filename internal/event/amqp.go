package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const publishTimeout = 5 * time.Second

// AMQPPublisher sends events to a durable topic exchange, routed by event type.
type AMQPPublisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	log      zerolog.Logger
}

// NewAMQPPublisher dials the broker and declares the exchange.
func NewAMQPPublisher(url, exchange string, log zerolog.Logger) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %q: %w", exchange, err)
	}
	return &AMQPPublisher{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
		log:      log.With().Str("component", "amqp_publisher").Logger(),
	}, nil
}

// Publish sends e as a persistent JSON message with the event type as
// routing key. Each publish is bounded by publishTimeout.
func (p *AMQPPublisher) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}

	publishCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	return p.channel.PublishWithContext(
		publishCtx,
		p.exchange,
		string(e.Type),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    e.OccurredAt,
		},
	)
}

// Close shuts the channel and the connection.
func (p *AMQPPublisher) Close() error {
	chErr := p.channel.Close()
	connErr := p.conn.Close()
	p.log.Info().Msg("AMQP publisher closed")
	if chErr != nil {
		return chErr
	}
	return connErr
}
