package order_repo

import (
	"context"

	"orderprocessor/internal/domain"
)

// NoPriorStatus as the expected status of CompareAndSave means "insert, the order must not exist yet".
const NoPriorStatus domain.OrderStatus = ""

type OrderRepository interface {
	// GetForUpdate loads an order and holds its row lock until the transaction ends.
	// Returns domain.ErrOrderNotFound when absent.
	GetForUpdate(ctx context.Context, id string) (*domain.Order, error)
	// CompareAndSave writes order only if the stored status still equals expected.
	// Returns domain.ErrStatusConflict when another writer got there first.
	CompareAndSave(ctx context.Context, order *domain.Order, expected domain.OrderStatus) error
}
