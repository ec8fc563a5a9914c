package rabbitmq

import (
	"context"
	"errors"
	"fmt"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"orderprocessor/internal/messaging"
)

var ErrDeliveriesClosed = errors.New("amqp delivery channel closed")

// DeliveryChannel is the subset of *amqp.Channel used by Consumer.
type DeliveryChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
}

type Consumer struct {
	ch       DeliveryChannel
	queue    string
	tag      string
	prefetch int
	workers  int
	handler  messaging.Handler
	logger   *zap.Logger
}

func NewConsumer(ch DeliveryChannel, queue, tag string, prefetch, workers int, handler messaging.Handler, logger *zap.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	if prefetch < workers {
		prefetch = workers
	}
	return &Consumer{
		ch:       ch,
		queue:    queue,
		tag:      tag,
		prefetch: prefetch,
		workers:  workers,
		handler:  handler,
		logger:   logger,
	}
}

// Consume runs the worker pool until ctx is cancelled or the broker closes the
// delivery channel. Deliveries are consumed with manual acknowledgement only.
// A handler already running when ctx is cancelled is allowed to finish and settle.
func (c *Consumer) Consume(ctx context.Context) error {
	if err := c.ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}
	deliveries, err := c.ch.Consume(c.queue, c.tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming %s: %w", c.queue, err)
	}

	c.logger.Info("RabbitMQ consumer starting",
		zap.String("queue", c.queue),
		zap.String("consumer_tag", c.tag),
		zap.Int("workers", c.workers),
		zap.Int("prefetch", c.prefetch),
	)

	handlerCtx := context.WithoutCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < c.workers; i++ {
		worker := i
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case d, ok := <-deliveries:
					if !ok {
						c.logger.Warn("Delivery channel closed", zap.Int("worker", worker))
						return ErrDeliveriesClosed
					}
					c.handler.HandleDelivery(handlerCtx, toDelivery(d))
				}
			}
		})
	}

	err = g.Wait()
	if cancelErr := c.ch.Cancel(c.tag, false); cancelErr != nil {
		c.logger.Debug("Failed to cancel consumer", zap.Error(cancelErr))
	}
	c.logger.Info("RabbitMQ consumer stopped", zap.String("queue", c.queue))
	return err
}

func toDelivery(d amqp.Delivery) messaging.Delivery {
	return messaging.Delivery{
		Payload:   d.Body,
		Handle:    deliveryHandle{d: d},
		MessageID: d.MessageId,
		Attempt:   deliveryAttempt(d),
	}
}

type deliveryHandle struct {
	d amqp.Delivery
}

func (h deliveryHandle) Ack() error {
	return h.d.Ack(false)
}

func (h deliveryHandle) Nack(requeue bool) error {
	return h.d.Nack(false, requeue)
}

// deliveryAttempt reads the quorum-queue x-delivery-count header, which counts
// earlier deliveries. Classic queues only expose the Redelivered flag.
func deliveryAttempt(d amqp.Delivery) int {
	if v, ok := d.Headers["x-delivery-count"]; ok {
		switch n := v.(type) {
		case int64:
			return int(n) + 1
		case int32:
			return int(n) + 1
		case int:
			return n + 1
		}
	}
	if d.Redelivered {
		return 2
	}
	return 1
}
