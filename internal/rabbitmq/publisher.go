package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"relay-service/internal/observability"
	"relay-service/internal/telemetry"
)

// Publisher sends audit envelopes and websocket lifecycle events to the
// relay exchange.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
	PublishJSON(ctx context.Context, routingKey string, message interface{}, headers map[string]string) error
	Close() error
}

// NewPublisher connects to the relay exchange. When AMQP is disabled or the
// first dial fails, events are only logged.
func NewPublisher(amqpURL, exchange string) Publisher {
	if amqpURL == "" {
		return noopPublisher{reason: "empty amqp url"}
	}
	conn, ch, err := connect(amqpURL, exchange)
	if err != nil {
		log.Warn().Err(err).Msg("rabbitmq disabled, using noop")
		return noopPublisher{reason: err.Error()}
	}
	log.Info().Str("exchange", exchange).Msg("rabbitmq publisher connected")
	return &amqpPublisher{url: amqpURL, exchange: exchange, conn: conn, ch: ch}
}

// connect dials the broker, opens a channel and declares the durable topic
// exchange shared by the publisher and the project event consumer.
func connect(amqpURL, exchange string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, fmt.Errorf("declare exchange: %w", err)
	}
	return conn, ch, nil
}

// amqpPublisher redials on the next publish after the broker closes its
// channel, so a broker restart costs the events sent while it was down.
type amqpPublisher struct {
	url      string
	exchange string

	mu     sync.Mutex
	conn   *amqp.Connection
	ch     *amqp.Channel
	closed bool
}

func (p *amqpPublisher) Publish(ctx context.Context, routingKey string, event any) error {
	return p.PublishJSON(ctx, routingKey, event, nil)
}

func (p *amqpPublisher) PublishJSON(ctx context.Context, routingKey string, message interface{}, headers map[string]string) error {
	body, err := json.Marshal(message)
	if err != nil {
		return err
	}
	table := amqp.Table{}
	for k, v := range headers {
		table[k] = v
	}

	ch, err := p.channel()
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers:      table,
		Body:         body,
	})
	if err != nil {
		log.Warn().Err(err).Str("routing_key", routingKey).Msg("rabbitmq publish failed")
	}
	return err
}

func (p *amqpPublisher) channel() (*amqp.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, amqp.ErrClosed
	}
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}

	p.release()
	conn, ch, err := connect(p.url, p.exchange)
	if err != nil {
		return nil, fmt.Errorf("reconnect: %w", err)
	}
	log.Info().Str("exchange", p.exchange).Msg("rabbitmq publisher reconnected")
	p.conn, p.ch = conn, ch
	return ch, nil
}

// release must be called with mu held.
func (p *amqpPublisher) release() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

func (p *amqpPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.release()
	return nil
}

type noopPublisher struct {
	reason string
}

func (n noopPublisher) Publish(_ context.Context, routingKey string, event any) error {
	entry := log.Debug().Str("routing_key", routingKey)
	switch e := event.(type) {
	case telemetry.AuditEnvelope:
		entry = entry.Str("event_type", e.EventType).Str("request_id", e.RequestID)
	case observability.EventEnvelope:
		entry = entry.Str("event_type", e.EventType).Str("event_name", e.EventName)
	}
	entry.Msg("rabbitmq noop publish")
	return nil
}

func (n noopPublisher) PublishJSON(ctx context.Context, routingKey string, message interface{}, _ map[string]string) error {
	return n.Publish(ctx, routingKey, message)
}

func (noopPublisher) Close() error {
	return nil
}

// Describe reports the publisher mode and, for the noop mode, why AMQP is off.
func Describe(p Publisher) (mode, reason string) {
	switch pub := p.(type) {
	case *amqpPublisher:
		return "amqp", ""
	case noopPublisher:
		return "noop", pub.reason
	default:
		return "unknown", ""
	}
}
