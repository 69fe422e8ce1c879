package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"relay-service/internal/models"
	"relay-service/internal/observability"
)

// ProjectEventHandler applies a project membership change.
type ProjectEventHandler interface {
	ApplyProjectEvent(ctx context.Context, event models.ProjectEvent) error
}

// Consumer reads project membership events from a durable queue bound to
// the relay exchange.
type Consumer struct {
	conn    *amqp.Connection
	ch      *amqp.Channel
	queue   string
	handler ProjectEventHandler
	timeout time.Duration
}

const projectRoutingKey = "project.#"

func NewConsumer(amqpURL, exchange, queue string, handler ProjectEventHandler, timeout time.Duration) (*Consumer, error) {
	if amqpURL == "" {
		return nil, errors.New("empty amqp url")
	}

	conn, ch, err := connect(amqpURL, exchange)
	if err != nil {
		return nil, err
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(queue, projectRoutingKey, exchange, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("bind queue: %w", err)
	}
	if err := ch.Qos(16, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}

	return newConsumer(conn, ch, queue, handler, timeout), nil
}

func newConsumer(conn *amqp.Connection, ch *amqp.Channel, queue string, handler ProjectEventHandler, timeout time.Duration) *Consumer {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Consumer{conn: conn, ch: ch, queue: queue, handler: handler, timeout: timeout}
}

// Run consumes until ctx is done or the delivery channel closes.
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.ch.Consume(c.queue, "relay-service", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}
	log.Info().Str("queue", c.queue).Msg("project event consumer started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("amqp delivery channel closed")
			}
			c.handle(ctx, d)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	var event models.ProjectEvent
	if err := json.Unmarshal(d.Body, &event); err != nil || event.Type == "" {
		log.Warn().Err(err).Str("routing_key", d.RoutingKey).Msg("dropping malformed project event")
		observability.IncProjectEvent("unknown", "malformed")
		_ = d.Reject(false)
		return
	}

	hctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.handler.ApplyProjectEvent(hctx, event); err != nil {
		log.Error().Err(err).Str("type", event.Type).Int("project_id", event.ProjectID).Msg("apply project event failed")
		observability.IncProjectEvent(event.Type, "error")
		_ = d.Nack(false, !d.Redelivered)
		return
	}
	observability.IncProjectEvent(event.Type, "ok")
	_ = d.Ack(false)
}

func (c *Consumer) Close() error {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
