package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	gUtil "github.com/OFFIS-RIT/strata/internal/util"
	"github.com/OFFIS-RIT/strata/pkg/logger"

	"github.com/rabbitmq/amqp091-go"
)

const (
	BuildQueue      = "build_queue"
	RebuildQueue    = "rebuild_queue"
	VectorSyncQueue = "vector_sync_queue"

	// EventsExchange carries build notifications for other services.
	EventsExchange = "strata_events"
)

// Queues are consumed by the worker in this order.
var Queues = []string{BuildQueue, RebuildQueue, VectorSyncQueue}

// Dial connects to RabbitMQ, retrying with backoff while the broker starts.
func Dial(ctx context.Context, url string) (*amqp091.Connection, error) {
	conn, err := gUtil.RetryWithBackoff(ctx, 5, time.Second, func(ctx context.Context) (*amqp091.Connection, error) {
		conn, err := amqp091.Dial(url)
		if err != nil {
			logger.Warn("[Queue] Failed to connect to RabbitMQ, retrying", "err", err)
		}
		return conn, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return conn, nil
}

// SetupQueues declares every queue with its dead letter queue and a retry
// queue that routes messages back after retryDelay.
func SetupQueues(ch *amqp091.Channel, queueNames []string, retryDelay time.Duration) error {
	err := ch.ExchangeDeclare(
		EventsExchange,
		"topic",
		true,  // durable
		false, // autoDelete
		false, // internal
		false, // noWait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", EventsExchange, err)
	}

	for _, name := range queueNames {
		for _, q := range declarations(name, retryDelay) {
			_, err := ch.QueueDeclare(
				q.name,
				true,  // durable
				false, // autoDelete
				false, // exclusive
				false, // noWait
				q.args,
			)
			if err != nil {
				return fmt.Errorf("failed to declare queue %s: %w", q.name, err)
			}
		}
	}

	return nil
}

type declaration struct {
	name string
	args amqp091.Table
}

func declarations(name string, retryDelay time.Duration) []declaration {
	return []declaration{
		{name: name},
		{name: DeadLetterQueue(name)},
		{
			name: RetryQueue(name),
			args: amqp091.Table{
				"x-message-ttl":             int32(retryDelay / time.Millisecond),
				"x-dead-letter-exchange":    "",
				"x-dead-letter-routing-key": name,
			},
		},
	}
}

func DeadLetterQueue(name string) string { return name + "_dlq" }
func RetryQueue(name string) string      { return name + "_retry" }

// Publisher serializes publishes on one channel.
type Publisher struct {
	mu sync.Mutex
	ch *amqp091.Channel
}

func NewPublisher(ch *amqp091.Channel) *Publisher {
	return &Publisher{ch: ch}
}

// PublishFIFO sends data to a queue through the default exchange.
func (p *Publisher) PublishFIFO(ctx context.Context, queueName string, data []byte, headers amqp091.Table) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	publishing := amqp091.Publishing{
		ContentType:  "application/json",
		Body:         data,
		Headers:      headers,
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
	}
	if err := p.ch.PublishWithContext(ctx, "", queueName, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", queueName, err)
	}
	return nil
}

// PublishTopic sends data to the events exchange.
func (p *Publisher) PublishTopic(ctx context.Context, topic string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	publishing := amqp091.Publishing{
		ContentType:  "application/json",
		Body:         data,
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
	}
	if err := p.ch.PublishWithContext(ctx, EventsExchange, topic, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish %s: %w", topic, err)
	}
	return nil
}
