package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/kelarsco/sneaklink-sub002/internal/types"
)

// ExchangeName is the topic exchange lifecycle events are published to.
const ExchangeName = "sneaklink.lifecycle.events"

var (
	_ Publisher = (*RabbitMQPublisher)(nil)
	_ Publisher = (*LogPublisher)(nil)
)

// Publisher emits lifecycle events for downstream consumers (billing emails,
// client sync, analytics). Publishing is best effort; callers log failures
// and continue, state changes never roll back over a lost event.
type Publisher interface {
	Publish(ctx context.Context, event types.Event) error
	Close() error
}

// RabbitMQPublisher publishes events to a durable topic exchange, routed by
// event name.
type RabbitMQPublisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   *slog.Logger
	mu       sync.Mutex
}

// NewRabbitMQPublisher connects to RabbitMQ and declares the exchange.
func NewRabbitMQPublisher(url string, logger *slog.Logger) (*RabbitMQPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		ExchangeName,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	logger.Info("RabbitMQ publisher connected", slog.String("exchange", ExchangeName))

	return &RabbitMQPublisher{
		conn:     conn,
		channel:  ch,
		exchange: ExchangeName,
		logger:   logger,
	}, nil
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, event types.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event %q: %w", event.Name, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(ctx,
		p.exchange,
		event.Name, // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		p.logger.Error("failed to publish event",
			slog.String("event", event.Name), slog.Any("error", err))
		return err
	}

	p.logger.Debug("event published",
		slog.String("event", event.Name), slog.String("accountID", event.AccountID.String()))
	return nil
}

func (p *RabbitMQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			p.logger.Warn("error closing channel", slog.Any("error", err))
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			return err
		}
	}

	p.logger.Info("RabbitMQ publisher closed")
	return nil
}

// LogPublisher writes events to the log only. Used in development and tests
// where no broker is configured.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, event types.Event) error {
	p.logger.InfoContext(ctx, "lifecycle event",
		slog.String("event", event.Name),
		slog.String("accountID", event.AccountID.String()),
		slog.Any("payload", event.Payload),
	)
	return nil
}

func (p *LogPublisher) Close() error {
	return nil
}
