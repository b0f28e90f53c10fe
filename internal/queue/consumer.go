package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/strata/internal/metrics"
	"github.com/OFFIS-RIT/strata/pkg/logger"

	"github.com/rabbitmq/amqp091-go"
)

const retriesHeader = "x-retries"

type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

type fifoPublisher interface {
	PublishFIFO(ctx context.Context, queueName string, data []byte, headers amqp091.Table) error
}

type messageHandler interface {
	Handle(ctx context.Context, queueName string, body []byte) error
}

// Consumer delivers messages of all queues to one handler, one at a time.
//
// A Consumer should be created using NewConsumer.
type Consumer struct {
	ch         *amqp091.Channel
	publisher  fifoPublisher
	handler    messageHandler
	queues     []string
	maxRetries int
	metrics    *metrics.Metrics
}

type NewConsumerParams struct {
	Channel    *amqp091.Channel
	Publisher  fifoPublisher
	Handler    messageHandler
	Queues     []string
	Prefetch   int
	MaxRetries int
	Metrics    *metrics.Metrics
}

func NewConsumer(params NewConsumerParams) (*Consumer, error) {
	prefetch := max(1, params.Prefetch)
	if err := params.Channel.Qos(prefetch, 0, true); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}
	return &Consumer{
		ch:         params.Channel,
		publisher:  params.Publisher,
		handler:    params.Handler,
		queues:     params.Queues,
		maxRetries: params.MaxRetries,
		metrics:    params.Metrics,
	}, nil
}

type queuedMessage struct {
	msg       amqp091.Delivery
	queueName string
}

// Run consumes until ctx is done or a delivery channel closes.
func (c *Consumer) Run(ctx context.Context) error {
	messageChan := make(chan queuedMessage)
	errChan := make(chan error, len(c.queues))

	for _, queueName := range c.queues {
		msgs, err := c.ch.Consume(
			queueName,
			queueName+"_consumer",
			false, // autoAck
			false, // exclusive
			false, // noLocal
			false, // noWait
			nil,   // args
		)
		if err != nil {
			return fmt.Errorf("failed to start consuming %s: %w", queueName, err)
		}

		go func(qName string, msgs <-chan amqp091.Delivery) {
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-msgs:
					if !ok {
						errChan <- fmt.Errorf("delivery channel of %s closed", qName)
						return
					}
					select {
					case messageChan <- queuedMessage{msg: msg, queueName: qName}:
					case <-ctx.Done():
						return
					}
				}
			}
		}(queueName, msgs)
	}

	logger.Info("[Queue] Listening for messages", "queues", c.queues)
	for {
		select {
		case <-ctx.Done():
			logger.Info("[Queue] Stopping consumer")
			return nil
		case err := <-errChan:
			return err
		case qm := <-messageChan:
			c.process(ctx, qm)
		}
	}
}

func (c *Consumer) process(ctx context.Context, qm queuedMessage) {
	startTime := time.Now()
	logger.Info("[Queue] Received message", "queue", qm.queueName)

	err := c.handler.Handle(ctx, qm.queueName, qm.msg.Body)
	if err != nil {
		logger.Error("[Queue] Error processing message", "queue", qm.queueName, "err", err)
		result := c.retryOrDeadLetter(ctx, qm.msg, qm.msg.Body, qm.msg.Headers, qm.queueName, err)
		c.metrics.ObserveQueueMessage(qm.queueName, result)
		return
	}

	if err := qm.msg.Ack(false); err != nil {
		logger.Error("[Queue] Failed to ack message", "err", err)
	}
	c.metrics.ObserveQueueMessage(qm.queueName, "ok")
	logger.Info("[Queue] Message processed successfully", "queue", qm.queueName, "duration", time.Since(startTime).Round(time.Millisecond))
}

// retryOrDeadLetter routes a failed message to the retry queue, or to the
// dead letter queue once its retries are used up or the message is invalid.
// It returns the routing result for metrics.
func (c *Consumer) retryOrDeadLetter(
	ctx context.Context,
	ack acknowledger,
	body []byte,
	headers amqp091.Table,
	queueName string,
	cause error,
) string {
	retries := retryCount(headers)

	target, result := RetryQueue(queueName), "retry"
	if errors.Is(cause, ErrInvalidMessage) || retries >= c.maxRetries {
		target, result = DeadLetterQueue(queueName), "dead_letter"
	}

	out := amqp091.Table{}
	for k, v := range headers {
		out[k] = v
	}
	out[retriesHeader] = int32(retries + 1)
	if result == "dead_letter" {
		out["x-error"] = cause.Error()
		logger.Info("[Queue] Sending message to DLQ", "dlq", target, "retries", retries)
	}

	if err := c.publisher.PublishFIFO(ctx, target, body, out); err != nil {
		logger.Error("[Queue] Failed to reroute message", "queue", target, "err", err)
		if nackErr := ack.Nack(false, true); nackErr != nil {
			logger.Error("[Queue] Failed to nack message", "err", nackErr)
		}
		return "requeued"
	}
	if err := ack.Ack(false); err != nil {
		logger.Error("[Queue] Failed to ack message", "err", err)
	}
	return result
}

// retryCount reads the retry header. Brokers and clients may hand it back as
// any integer width.
func retryCount(headers amqp091.Table) int {
	switch v := headers[retriesHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	case int16:
		return int(v)
	case int8:
		return int(v)
	default:
		return 0
	}
}
