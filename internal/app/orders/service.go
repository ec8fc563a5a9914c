// Package orders is the order state machine: it applies placement events to
// stored orders, one transaction per event.
package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"orderprocessor/internal/domain"
	"orderprocessor/internal/publisher"
	"orderprocessor/internal/repository"
	"orderprocessor/internal/repository/order_repo"
)

type PublishMode string

const (
	// PublishDirect publishes inside the store transaction, before commit.
	PublishDirect PublishMode = "direct"
	// PublishOutbox stages the event in the outbox table inside the transaction.
	PublishOutbox PublishMode = "outbox"
)

type OrderService interface {
	ProcessPlacement(ctx context.Context, evt domain.OrderPlacedEvent) (Outcome, error)
	MarkFailed(ctx context.Context, orderID string) error
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
}

type orderService struct {
	store     repository.Store
	publisher publisher.EventPublisher
	mode      PublishMode
	now       func() time.Time
	logger    *zap.Logger
}

type Option func(*orderService)

func WithClock(now func() time.Time) Option {
	return func(s *orderService) { s.now = now }
}

func WithPublishMode(mode PublishMode) Option {
	return func(s *orderService) { s.mode = mode }
}

func NewOrderService(store repository.Store, pub publisher.EventPublisher, logger *zap.Logger, opts ...Option) OrderService {
	s := &orderService{
		store:     store,
		publisher: pub,
		mode:      PublishDirect,
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *orderService) ProcessPlacement(ctx context.Context, evt domain.OrderPlacedEvent) (Outcome, error) {
	// field validation waits for the create branch so that a stored terminal
	// order is skipped whatever the redelivered payload carries
	if err := evt.ValidateOrderID(); err != nil {
		return Outcome{}, err
	}

	var outcome Outcome
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		outcome, err = s.processPlacementTx(ctx, tx, evt)
		return err
	})
	if err != nil {
		s.logger.Error("Failed to process OrderPlacedEvent, transaction rolled back", zap.String("order_id", evt.OrderID), zap.Error(err))
		return Outcome{}, fmt.Errorf("failed to process placement for order %s: %w", evt.OrderID, err)
	}

	switch outcome.Kind {
	case OutcomeSkipped:
		s.logger.Info("Duplicate OrderPlacedEvent ignored", zap.String("order_id", evt.OrderID), zap.String("reason", outcome.Reason))
	case OutcomeProcessed:
		s.logger.Info("Order processed successfully", zap.String("order_id", evt.OrderID), zap.String("publish_mode", string(s.mode)))
	}
	return outcome, nil
}

func (s *orderService) processPlacementTx(ctx context.Context, tx repository.Tx, evt domain.OrderPlacedEvent) (Outcome, error) {
	order, err := tx.GetForUpdate(ctx, evt.OrderID)
	prior := order_repo.NoPriorStatus
	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		order, err = domain.NewOrderFromPlacement(evt, s.now())
		if err != nil {
			return Outcome{}, err
		}
	case err != nil:
		return Outcome{}, fmt.Errorf("failed to load order: %w", err)
	default:
		prior = order.Status
	}

	if order.Status.Terminal() {
		return Skipped(order.ID, "order already "+string(order.Status)), nil
	}

	if err := order.MarkAsProcessing(s.now()); err != nil {
		return Outcome{}, err
	}
	if err := tx.CompareAndSave(ctx, order, prior); err != nil {
		return Outcome{}, fmt.Errorf("failed to save PROCESSING state: %w", err)
	}

	if err := order.MarkAsProcessed(s.now()); err != nil {
		return Outcome{}, err
	}
	if err := tx.CompareAndSave(ctx, order, domain.OrderStatusProcessing); err != nil {
		return Outcome{}, fmt.Errorf("failed to save PROCESSED state: %w", err)
	}

	if err := s.emitProcessed(ctx, tx, order); err != nil {
		return Outcome{}, err
	}
	return Processed(order.ID), nil
}

func (s *orderService) emitProcessed(ctx context.Context, tx repository.Tx, order *domain.Order) error {
	if s.mode == PublishOutbox {
		msg, err := publisher.NewProcessedOutboxMessage(order.ID, order.UpdatedAt)
		if err != nil {
			return err
		}
		if err := tx.CreateMessage(ctx, msg); err != nil {
			return fmt.Errorf("failed to stage OrderProcessedEvent: %w", err)
		}
		return nil
	}
	return s.publisher.PublishProcessed(ctx, order.ID)
}

// MarkFailed is the operator's escape hatch. It never runs on the placement path.
func (s *orderService) MarkFailed(ctx context.Context, orderID string) error {
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		order, err := tx.GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status == domain.OrderStatusFailed {
			return nil
		}
		prior := order.Status
		if err := order.MarkAsFailed(s.now()); err != nil {
			return err
		}
		return tx.CompareAndSave(ctx, order, prior)
	})
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			s.logger.Warn("Cannot mark unknown order FAILED", zap.String("order_id", orderID))
			return err
		}
		s.logger.Error("Failed to mark order FAILED", zap.String("order_id", orderID), zap.Error(err))
		return fmt.Errorf("failed to mark order %s failed: %w", orderID, err)
	}

	s.logger.Warn("Order marked FAILED", zap.String("order_id", orderID))
	return nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get order %s: %w", orderID, err)
	}
	return order, nil
}
