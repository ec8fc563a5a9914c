package outbox_repo

import (
	"context"
	"time"

	"orderprocessor/internal/domain"
)

type OutboxRepository interface {
	CreateMessage(ctx context.Context, msg *domain.OutboxMessage) error
	GetPendingMessages(ctx context.Context, limit int) ([]domain.OutboxMessage, error)
	MarkMessageSent(ctx context.Context, id string, sentAt time.Time) error
}
