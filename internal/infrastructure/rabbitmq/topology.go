// Package rabbitmq is the AMQP transport: topology, manual-ack consumer and confirming publisher.
package rabbitmq

import (
	"fmt"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"orderprocessor/internal/messaging"
)

// TopologyChannel is the subset of *amqp.Channel used to declare topology.
type TopologyChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// DeclareTopology declares the order exchanges, the inbound queue with its
// dead-letter routing, and the dead-letter queue. Safe to run on every start.
func DeclareTopology(ch TopologyChannel, logger *zap.Logger) error {
	for _, exchange := range []string{messaging.OrderEventsExchange, messaging.DeadLetterExchange} {
		if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
		}
	}

	// quorum queues stamp redeliveries with x-delivery-count, which the
	// consumer turns into an attempt number
	queueArgs := amqp.Table{
		"x-queue-type":              "quorum",
		"x-dead-letter-exchange":    messaging.DeadLetterExchange,
		"x-dead-letter-routing-key": messaging.OrderPlacedRoutingKey,
	}
	if _, err := ch.QueueDeclare(messaging.OrderPlacedQueue, true, false, false, false, queueArgs); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", messaging.OrderPlacedQueue, err)
	}
	if _, err := ch.QueueDeclare(messaging.DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", messaging.DeadLetterQueue, err)
	}

	bindings := []struct{ queue, key, exchange string }{
		{messaging.OrderPlacedQueue, messaging.OrderPlacedRoutingKey, messaging.OrderEventsExchange},
		{messaging.DeadLetterQueue, messaging.OrderPlacedRoutingKey, messaging.DeadLetterExchange},
	}
	for _, b := range bindings {
		if err := ch.QueueBind(b.queue, b.key, b.exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind %s to %s/%s: %w", b.queue, b.exchange, b.key, err)
		}
	}

	logger.Info("RabbitMQ topology declared",
		zap.String("exchange", messaging.OrderEventsExchange),
		zap.String("queue", messaging.OrderPlacedQueue),
		zap.String("dead_letter_queue", messaging.DeadLetterQueue),
	)
	return nil
}
