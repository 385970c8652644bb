package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/api-sage/mpesa-ledger-bridge/internal/logger"
)

const ExchangeName = "saga.transactions"

// Publisher publishes step messages as persistent JSON on a topic exchange.
// Delivery is at least once; consumers are expected to be idempotent.
type Publisher struct {
	conn *amqp.Connection

	mu      sync.Mutex
	channel *amqp.Channel
}

func NewPublisher(conn *amqp.Connection) (*Publisher, error) {
	channel, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open publisher channel: %w", err)
	}

	if err := channel.ExchangeDeclare(ExchangeName, "topic", true, false, false, false, nil); err != nil {
		_ = channel.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	return &Publisher{conn: conn, channel: channel}, nil
}

func (p *Publisher) Publish(ctx context.Context, topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal message for %s: %w", topic, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel == nil || p.channel.IsClosed() {
		channel, chanErr := p.conn.Channel()
		if chanErr != nil {
			return fmt.Errorf("reopen publisher channel: %w", chanErr)
		}
		p.channel = channel
	}

	err = p.channel.PublishWithContext(ctx, ExchangeName, topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		logger.Error("rabbitmq publish failed", err, logger.Fields{
			"topic": topic,
		})
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	logger.Info("rabbitmq message published", logger.Fields{
		"topic": topic,
	})
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		return p.channel.Close()
	}
	return nil
}
