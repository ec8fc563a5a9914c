package sqlrepo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"orderprocessor/internal/domain"
	"orderprocessor/internal/repository/order_repo"
)

const selectOrder = `SELECT id, product_id, customer_id, quantity, status, created_at, updated_at FROM orders WHERE id = ?`

func (r *txRepository) GetForUpdate(ctx context.Context, id string) (*domain.Order, error) {
	return r.getOrder(ctx, id, true)
}

func (r *txRepository) getOrder(ctx context.Context, id string, lock bool) (*domain.Order, error) {
	query := selectOrder
	if lock {
		query += " FOR UPDATE"
	}

	order := &domain.Order{}
	var productID, customerID sql.NullString
	err := r.q.QueryRowContext(ctx, r.dialect.rebind(query), id).Scan(
		&order.ID,
		&productID,
		&customerID,
		&order.Quantity,
		&order.Status,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to get order %s: %w", id, err)
	}
	order.ProductID = productID.String
	order.CustomerID = customerID.String
	return order, nil
}

func (r *txRepository) CompareAndSave(ctx context.Context, order *domain.Order, expected domain.OrderStatus) error {
	if expected == order_repo.NoPriorStatus {
		return r.insertOrder(ctx, order)
	}

	query := `UPDATE orders SET product_id = ?, customer_id = ?, quantity = ?, status = ?, updated_at = ? WHERE id = ? AND status = ?`
	res, err := r.q.ExecContext(ctx, r.dialect.rebind(query),
		nullString(order.ProductID),
		nullString(order.CustomerID),
		order.Quantity,
		string(order.Status),
		order.UpdatedAt,
		order.ID,
		string(expected),
	)
	if err != nil {
		return fmt.Errorf("failed to update order %s: %w", order.ID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for order %s: %w", order.ID, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("order %s is no longer %s: %w", order.ID, expected, domain.ErrStatusConflict)
	}
	return nil
}

func (r *txRepository) insertOrder(ctx context.Context, order *domain.Order) error {
	query := `INSERT INTO orders (id, product_id, customer_id, quantity, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := r.q.ExecContext(ctx, r.dialect.rebind(query),
		order.ID,
		nullString(order.ProductID),
		nullString(order.CustomerID),
		order.Quantity,
		string(order.Status),
		order.CreatedAt,
		order.UpdatedAt,
	)
	if err != nil {
		if r.dialect.isUniqueViolation(err) {
			return fmt.Errorf("order %s already exists: %w", order.ID, domain.ErrStatusConflict)
		}
		return fmt.Errorf("failed to create order %s: %w", order.ID, err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
