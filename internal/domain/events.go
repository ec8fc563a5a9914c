package domain

import (
	"fmt"
	"strings"
	"time"
)

// OrderPlacedEvent is received from the upstream order producer.
type OrderPlacedEvent struct {
	OrderID    string `json:"orderId"`
	ProductID  string `json:"productId"`
	Quantity   int    `json:"quantity"`
	CustomerID string `json:"customerId"`
	Timestamp  string `json:"timestamp"`
}

// ValidateOrderID checks only what is needed to look the order up.
func (e OrderPlacedEvent) ValidateOrderID() error {
	if strings.TrimSpace(e.OrderID) == "" {
		return fmt.Errorf("%w: orderId is required", ErrInvalidEvent)
	}
	return nil
}

// Validate checks every field a new order is built from.
func (e OrderPlacedEvent) Validate() error {
	if err := e.ValidateOrderID(); err != nil {
		return err
	}
	if e.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive, got %d", ErrInvalidEvent, e.Quantity)
	}
	return nil
}

// OrderProcessedEvent is emitted once an order reaches PROCESSED.
type OrderProcessedEvent struct {
	OrderID     string `json:"orderId"`
	Status      string `json:"status"`
	ProcessedAt string `json:"processedAt"`
}

func NewOrderProcessedEvent(orderID string, processedAt time.Time) OrderProcessedEvent {
	return OrderProcessedEvent{
		OrderID:     orderID,
		Status:      string(OrderStatusProcessed),
		ProcessedAt: processedAt.UTC().Format(time.RFC3339Nano),
	}
}
