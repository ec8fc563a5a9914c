package sqlrepo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"orderprocessor/internal/domain"
)

func (r *txRepository) CreateMessage(ctx context.Context, msg *domain.OutboxMessage) error {
	query := `INSERT INTO outbox_messages (id, aggregate_id, exchange, routing_key, payload, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := r.q.ExecContext(ctx, r.dialect.rebind(query),
		msg.ID,
		msg.AggregateID,
		msg.Exchange,
		msg.RoutingKey,
		msg.Payload,
		string(msg.Status),
		msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create outbox message: %w", err)
	}
	return nil
}

func (r *txRepository) GetPendingMessages(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	query := `
		SELECT id, aggregate_id, exchange, routing_key, payload, status, created_at, sent_at
		FROM outbox_messages
		WHERE status = ?
		ORDER BY created_at ASC
		LIMIT ?
		FOR UPDATE SKIP LOCKED
	`
	rows, err := r.q.QueryContext(ctx, r.dialect.rebind(query), string(domain.OutboxStatusPending), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending outbox messages: %w", err)
	}
	defer rows.Close()

	var messages []domain.OutboxMessage
	for rows.Next() {
		msg := domain.OutboxMessage{}
		var sentAt sql.NullTime
		err := rows.Scan(
			&msg.ID,
			&msg.AggregateID,
			&msg.Exchange,
			&msg.RoutingKey,
			&msg.Payload,
			&msg.Status,
			&msg.CreatedAt,
			&sentAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox message: %w", err)
		}
		if sentAt.Valid {
			msg.SentAt = &sentAt.Time
		}
		messages = append(messages, msg)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox messages: %w", err)
	}
	return messages, nil
}

func (r *txRepository) MarkMessageSent(ctx context.Context, id string, sentAt time.Time) error {
	query := `UPDATE outbox_messages SET status = ?, sent_at = ? WHERE id = ?`
	res, err := r.q.ExecContext(ctx, r.dialect.rebind(query), string(domain.OutboxStatusSent), sentAt, id)
	if err != nil {
		return fmt.Errorf("failed to update outbox message status for id %s: %w", id, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for outbox update (id %s): %w", id, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("no outbox message found with id %s to update status", id)
	}
	return nil
}
