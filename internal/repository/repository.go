// Package repository defines the unit of work shared by the order and outbox repositories.
package repository

import (
	"context"

	"orderprocessor/internal/domain"
	"orderprocessor/internal/repository/order_repo"
	"orderprocessor/internal/repository/outbox_repo"
)

// Tx is the set of repositories bound to one open transaction.
type Tx interface {
	order_repo.OrderRepository
	outbox_repo.OutboxRepository
}

// Store owns transactions. WithinTx commits only if fn returns nil and
// rolls back on error or panic, so every write made through tx lands together or not at all.
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
}
