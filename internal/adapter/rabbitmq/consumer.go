package rabbitmq

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/api-sage/mpesa-ledger-bridge/internal/domain"
	"github.com/api-sage/mpesa-ledger-bridge/internal/logger"
	"github.com/api-sage/mpesa-ledger-bridge/internal/messaging"
)

// ErrRequeue tells the consumer the failure is infrastructural and the
// delivery should go back on the queue; every other handler error dead-letters
// the message.
var ErrRequeue = messaging.ErrRequeue

// Handler processes one delivery body. Handlers own their idempotency:
// deliveries may repeat or arrive out of order.
type Handler func(ctx context.Context, body []byte) error

// Consumer binds one queue per saga step topic and dispatches deliveries one
// message at a time.
type Consumer struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	handlers map[string]Handler
}

func NewConsumer(conn *amqp.Connection) (*Consumer, error) {
	channel, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open consumer channel: %w", err)
	}

	if err := channel.ExchangeDeclare(ExchangeName, "topic", true, false, false, false, nil); err != nil {
		_ = channel.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	if err := channel.Qos(1, 0, false); err != nil {
		_ = channel.Close()
		return nil, fmt.Errorf("set channel qos: %w", err)
	}

	return &Consumer{conn: conn, channel: channel, handlers: map[string]Handler{}}, nil
}

// Bind declares a durable queue for one topic and registers its handler.
func (c *Consumer) Bind(topic string, handler Handler) error {
	queueName := "saga." + topic

	queue, err := c.channel.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", queueName, err)
	}

	if err := c.channel.QueueBind(queue.Name, topic, ExchangeName, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", queueName, err)
	}

	c.handlers[queue.Name] = handler
	return nil
}

// Run consumes every bound queue until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	for queueName, handler := range c.handlers {
		deliveries, err := c.channel.Consume(queueName, "", false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("consume %s: %w", queueName, err)
		}
		go c.dispatch(ctx, queueName, deliveries, handler)
	}

	<-ctx.Done()
	return c.channel.Close()
}

func (c *Consumer) dispatch(ctx context.Context, queueName string, deliveries <-chan amqp.Delivery, handler Handler) {
	for delivery := range deliveries {
		err := handler(ctx, delivery.Body)
		switch {
		case err == nil:
			_ = delivery.Ack(false)
		case errors.Is(err, ErrRequeue):
			logger.Warn("rabbitmq delivery requeued", logger.Fields{
				"queue": queueName,
			})
			_ = delivery.Nack(false, true)
		default:
			// Terminal handler errors (state conflicts included) dead-letter
			// the message rather than loop forever; state-conflict errors in
			// particular indicate a race already resolved by another delivery.
			if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrTransactionTerminal) {
				logger.Error("rabbitmq delivery hit state conflict", err, logger.Fields{
					"queue": queueName,
				})
			} else {
				logger.Error("rabbitmq delivery failed", err, logger.Fields{
					"queue": queueName,
				})
			}
			_ = delivery.Nack(false, false)
		}
	}
}
