package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"orderprocessor/internal/messaging"
)

var ErrPublishNacked = errors.New("broker refused message")

// PublishChannel is the subset of *amqp.Channel used by Publisher.
type PublishChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Publisher publishes persistent messages in confirm mode and waits for the
// broker's confirmation of each one.
type Publisher struct {
	mu       sync.Mutex
	ch       PublishChannel
	confirms chan amqp.Confirmation
	nextTag  uint64
	logger   *zap.Logger
}

var _ messaging.Publisher = (*Publisher)(nil)

func NewPublisher(ch PublishChannel, logger *zap.Logger) (*Publisher, error) {
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("failed to put channel in confirm mode: %w", err)
	}
	return &Publisher{
		ch:       ch,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 16)),
		logger:   logger,
	}, nil
}

func (p *Publisher) Publish(ctx context.Context, msg messaging.OutgoingMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.ch.Publish(msg.Exchange, msg.RoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.MessageID,
		Timestamp:    time.Now(),
		Body:         msg.Body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s/%s: %w", msg.Exchange, msg.RoutingKey, err)
	}
	p.nextTag++
	tag := p.nextTag

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for publish confirmation: %w", ctx.Err())
		case conf, ok := <-p.confirms:
			if !ok {
				return fmt.Errorf("confirmation channel closed: %w", amqp.ErrClosed)
			}
			if conf.DeliveryTag < tag {
				// late confirmation of an earlier publish whose caller gave up
				continue
			}
			if !conf.Ack {
				return fmt.Errorf("%w: %s/%s", ErrPublishNacked, msg.Exchange, msg.RoutingKey)
			}
			p.logger.Debug("Message confirmed by broker",
				zap.String("exchange", msg.Exchange),
				zap.String("routing_key", msg.RoutingKey),
				zap.String("message_id", msg.MessageID),
			)
			return nil
		}
	}
}
