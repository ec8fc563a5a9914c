// Package events bridges broker deliveries to the order state machine.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"orderprocessor/internal/app/orders"
	"orderprocessor/internal/domain"
	"orderprocessor/internal/messaging"
)

type PlacementProcessor interface {
	ProcessPlacement(ctx context.Context, evt domain.OrderPlacedEvent) (orders.Outcome, error)
}

type OrderPlacedConsumer struct {
	processor   PlacementProcessor
	maxAttempts int
	logger      *zap.Logger
}

var _ messaging.Handler = (*OrderPlacedConsumer)(nil)

func NewOrderPlacedConsumer(processor PlacementProcessor, maxAttempts int, logger *zap.Logger) *OrderPlacedConsumer {
	return &OrderPlacedConsumer{processor: processor, maxAttempts: maxAttempts, logger: logger}
}

func (c *OrderPlacedConsumer) HandleDelivery(ctx context.Context, d messaging.Delivery) {
	c.OnMessage(ctx, d)
}

// OnMessage settles d only after ProcessPlacement has returned, so an ack is
// never issued for a transition that was not committed.
func (c *OrderPlacedConsumer) OnMessage(ctx context.Context, d messaging.Delivery) (decision Decision) {
	logger := c.logger.With(zap.String("message_id", d.MessageID), zap.Int("attempt", d.Attempt))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Recovered panic while handling OrderPlacedEvent", zap.Any("panic", r))
			decision = c.settle(logger, d, fmt.Errorf("panic: %v", r))
		}
	}()

	var evt domain.OrderPlacedEvent
	if err := json.Unmarshal(d.Payload, &evt); err != nil {
		logger.Error("Failed to decode OrderPlacedEvent",
			zap.ByteString("payload", d.Payload),
			zap.Error(err),
		)
		return c.settle(logger, d, fmt.Errorf("%w: %v", ErrPoisonMessage, err))
	}

	logger = logger.With(zap.String("order_id", evt.OrderID))
	logger.Info("Received OrderPlacedEvent")

	outcome, err := c.processor.ProcessPlacement(ctx, evt)
	if err != nil {
		logger.Error("Error processing OrderPlacedEvent", zap.Error(err))
		return c.settle(logger, d, err)
	}

	logger.Info("OrderPlacedEvent handled", zap.Stringer("outcome", outcome.Kind), zap.String("reason", outcome.Reason))
	return c.settle(logger, d, nil)
}

func (c *OrderPlacedConsumer) settle(logger *zap.Logger, d messaging.Delivery, procErr error) Decision {
	decision := Decide(procErr, d.Attempt, c.maxAttempts)

	var err error
	switch decision {
	case DecisionAck:
		err = d.Handle.Ack()
	case DecisionRequeue:
		err = d.Handle.Nack(true)
	case DecisionDeadLetter:
		logger.Warn("Routing delivery to dead-letter queue", zap.Int("max_attempts", c.maxAttempts), zap.Error(procErr))
		err = d.Handle.Nack(false)
	}
	if err != nil {
		// The broker redelivers unsettled messages once the channel drops; the
		// idempotency gate absorbs the repeat.
		logger.Error("Failed to settle delivery", zap.Stringer("decision", decision), zap.Error(err))
	}
	return decision
}
