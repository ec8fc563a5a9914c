package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrStatusConflict    = errors.New("order status changed concurrently")
	ErrInvalidEvent      = errors.New("invalid order event")
	ErrIllegalTransition = errors.New("illegal order status transition")
)

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "PENDING"
	OrderStatusProcessing OrderStatus = "PROCESSING"
	OrderStatusProcessed  OrderStatus = "PROCESSED"
	OrderStatusFailed     OrderStatus = "FAILED"
)

// Rank orders the placement path PENDING < PROCESSING < PROCESSED.
// FAILED sits outside that path and ranks 0.
func (s OrderStatus) Rank() int {
	switch s {
	case OrderStatusPending:
		return 1
	case OrderStatusProcessing:
		return 2
	case OrderStatusProcessed:
		return 3
	default:
		return 0
	}
}

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusProcessing, OrderStatusProcessed, OrderStatusFailed:
		return true
	}
	return false
}

// Terminal reports whether the placement path may no longer mutate an order in this status.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusProcessed || s == OrderStatusFailed
}

type Order struct {
	ID         string
	ProductID  string
	CustomerID string
	Quantity   int
	Status     OrderStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// NewOrderFromPlacement materializes a PENDING order the first time its id is seen.
func NewOrderFromPlacement(evt OrderPlacedEvent, now time.Time) (*Order, error) {
	if err := evt.Validate(); err != nil {
		return nil, err
	}
	return &Order{
		ID:         evt.OrderID,
		ProductID:  evt.ProductID,
		CustomerID: evt.CustomerID,
		Quantity:   evt.Quantity,
		Status:     OrderStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func (o *Order) MarkAsProcessing(now time.Time) error {
	if o.Status != OrderStatusPending && o.Status != OrderStatusProcessing {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, o.Status, OrderStatusProcessing)
	}
	o.Status = OrderStatusProcessing
	o.touch(now)
	return nil
}

func (o *Order) MarkAsProcessed(now time.Time) error {
	if o.Status != OrderStatusProcessing {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, o.Status, OrderStatusProcessed)
	}
	o.Status = OrderStatusProcessed
	o.touch(now)
	return nil
}

func (o *Order) MarkAsFailed(now time.Time) error {
	if o.Status == OrderStatusFailed {
		return fmt.Errorf("%w: order %s is already %s", ErrIllegalTransition, o.ID, OrderStatusFailed)
	}
	o.Status = OrderStatusFailed
	o.touch(now)
	return nil
}

// touch never moves UpdatedAt backwards, even if the clock does.
func (o *Order) touch(now time.Time) {
	if now.Before(o.UpdatedAt) {
		return
	}
	o.UpdatedAt = now
}
