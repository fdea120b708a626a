package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/chorusproject/chorus/shared/rabbitmq"
)

// AMQPQueue adapts the shared RabbitMQ client to the Queue interface.
// Unacked deliveries stay invisible to other consumers for the lifetime
// of the channel, so ExtendVisibility has nothing to do here.
type AMQPQueue struct {
	client      *rabbitmq.Client
	consumerTag string
	deliveries  <-chan amqp.Delivery
	logger      *slog.Logger
}

// NewAMQPQueue creates the adapter. Consumption starts on first Receive.
func NewAMQPQueue(client *rabbitmq.Client, consumerTag string, logger *slog.Logger) *AMQPQueue {
	return &AMQPQueue{
		client:      client,
		consumerTag: consumerTag,
		logger:      logger,
	}
}

// Receive waits up to wait for one delivery. A closed delivery channel
// is a transport failure and is returned as an error so the consumer
// loop can halt.
func (q *AMQPQueue) Receive(ctx context.Context, wait time.Duration) (*Message, error) {
	if q.deliveries == nil {
		deliveries, err := q.client.Consume(q.consumerTag)
		if err != nil {
			return nil, fmt.Errorf("failed to start consuming: %w", err)
		}
		q.deliveries = deliveries
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()

	case <-timer.C:
		return nil, nil

	case delivery, ok := <-q.deliveries:
		if !ok {
			return nil, fmt.Errorf("delivery channel closed")
		}

		id := delivery.MessageId
		if id == "" {
			id = strconv.FormatUint(delivery.DeliveryTag, 10)
		}

		return &Message{
			ID:      id,
			Body:    delivery.Body,
			Receipt: delivery.DeliveryTag,
		}, nil
	}
}

// Delete acks the delivery
func (q *AMQPQueue) Delete(ctx context.Context, msg *Message) error {
	channel := q.client.GetChannel()
	if channel == nil {
		return fmt.Errorf("rabbitmq channel is nil")
	}

	if err := channel.Ack(msg.Receipt, false); err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}

	q.logger.Debug("Message acked",
		slog.String("message_id", msg.ID),
		slog.Uint64("receipt", msg.Receipt),
	)

	return nil
}

// Release nacks the delivery with requeue so the broker redelivers it
func (q *AMQPQueue) Release(ctx context.Context, msg *Message) error {
	channel := q.client.GetChannel()
	if channel == nil {
		return fmt.Errorf("rabbitmq channel is nil")
	}

	if err := channel.Nack(msg.Receipt, false, true); err != nil {
		return fmt.Errorf("failed to nack message: %w", err)
	}

	q.logger.Debug("Message released for redelivery",
		slog.String("message_id", msg.ID),
		slog.Uint64("receipt", msg.Receipt),
	)

	return nil
}

// ExtendVisibility is a no-op: an unacked AMQP delivery cannot be
// redelivered while this channel is open
func (q *AMQPQueue) ExtendVisibility(ctx context.Context, msg *Message, d time.Duration) error {
	return nil
}
