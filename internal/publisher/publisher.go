// Package publisher emits OrderProcessedEvent to the downstream exchange.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"orderprocessor/internal/domain"
	"orderprocessor/internal/messaging"
)

type EventPublisher interface {
	PublishProcessed(ctx context.Context, orderID string) error
}

// Deduplicator remembers which orders already had their event published.
// Marks are written only after a confirmed publish, so a lost mark can cause a
// duplicate event but never a missing one.
type Deduplicator interface {
	Published(ctx context.Context, orderID string) (bool, error)
	MarkPublished(ctx context.Context, orderID string) error
}

type ProcessedPublisher struct {
	producer messaging.Publisher
	dedup    Deduplicator
	now      func() time.Time
	logger   *zap.Logger
}

var _ EventPublisher = (*ProcessedPublisher)(nil)

// NewProcessedPublisher builds a publisher; dedup may be nil.
func NewProcessedPublisher(producer messaging.Publisher, dedup Deduplicator, logger *zap.Logger) *ProcessedPublisher {
	return &ProcessedPublisher{
		producer: producer,
		dedup:    dedup,
		now:      time.Now,
		logger:   logger,
	}
}

func (p *ProcessedPublisher) PublishProcessed(ctx context.Context, orderID string) error {
	if p.dedup != nil {
		published, err := p.dedup.Published(ctx, orderID)
		if err != nil {
			return fmt.Errorf("failed to check publish record for order %s: %w", orderID, err)
		}
		if published {
			p.logger.Info("OrderProcessedEvent already published, skipping", zap.String("order_id", orderID))
			return nil
		}
	}

	msg, err := NewProcessedMessage(orderID, p.now())
	if err != nil {
		return err
	}

	if err := p.producer.Publish(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish OrderProcessedEvent for order %s: %w", orderID, err)
	}
	p.logger.Info("Published OrderProcessedEvent", zap.String("order_id", orderID), zap.String("message_id", msg.MessageID))

	if p.dedup != nil {
		if err := p.dedup.MarkPublished(ctx, orderID); err != nil {
			// the event is out; a later redelivery may publish it again
			p.logger.Warn("Failed to record published OrderProcessedEvent", zap.String("order_id", orderID), zap.Error(err))
		}
	}
	return nil
}

// NewProcessedMessage renders the downstream event for orderID with its fixed routing.
func NewProcessedMessage(orderID string, processedAt time.Time) (messaging.OutgoingMessage, error) {
	body, err := json.Marshal(domain.NewOrderProcessedEvent(orderID, processedAt))
	if err != nil {
		return messaging.OutgoingMessage{}, fmt.Errorf("failed to marshal OrderProcessedEvent: %w", err)
	}
	return messaging.OutgoingMessage{
		Exchange:   messaging.OrderEventsExchange,
		RoutingKey: messaging.OrderProcessedRoutingKey,
		Key:        orderID,
		MessageID:  uuid.NewString(),
		Body:       body,
	}, nil
}

// NewProcessedOutboxMessage is NewProcessedMessage staged for the outbox relay.
func NewProcessedOutboxMessage(orderID string, processedAt time.Time) (*domain.OutboxMessage, error) {
	msg, err := NewProcessedMessage(orderID, processedAt)
	if err != nil {
		return nil, err
	}
	return &domain.OutboxMessage{
		ID:          msg.MessageID,
		AggregateID: orderID,
		Exchange:    msg.Exchange,
		RoutingKey:  msg.RoutingKey,
		Payload:     msg.Body,
		Status:      domain.OutboxStatusPending,
		CreatedAt:   processedAt,
	}, nil
}
