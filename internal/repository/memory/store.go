// Package memory is an in-process order store. Transactions are serialized by
// a single mutex and their writes are staged until commit.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"orderprocessor/internal/domain"
	"orderprocessor/internal/repository"
	"orderprocessor/internal/repository/order_repo"
)

type Store struct {
	mu     sync.Mutex
	orders map[string]domain.Order
	outbox map[string]domain.OutboxMessage
}

var _ repository.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		orders: make(map[string]domain.Order),
		outbox: make(map[string]domain.OutboxMessage),
	}
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{
		store:  s,
		orders: make(map[string]domain.Order),
		outbox: make(map[string]domain.OutboxMessage),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}

	for id, o := range tx.orders {
		s.orders[id] = o
	}
	for id, m := range tx.outbox {
		s.outbox[id] = m
	}
	return nil
}

func (s *Store) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return &o, nil
}

// Put seeds an order outside any transaction.
func (s *Store) Put(order domain.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.ID] = order
}

// OutboxMessages returns a snapshot of every outbox row, oldest first.
func (s *Store) OutboxMessages() []domain.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedOutbox(s.outbox, nil)
}

type memTx struct {
	store  *Store
	orders map[string]domain.Order
	outbox map[string]domain.OutboxMessage
}

func (t *memTx) lookup(id string) (domain.Order, bool) {
	if o, ok := t.orders[id]; ok {
		return o, true
	}
	o, ok := t.store.orders[id]
	return o, ok
}

func (t *memTx) GetForUpdate(_ context.Context, id string) (*domain.Order, error) {
	o, ok := t.lookup(id)
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return &o, nil
}

func (t *memTx) CompareAndSave(_ context.Context, order *domain.Order, expected domain.OrderStatus) error {
	current, exists := t.lookup(order.ID)
	switch {
	case expected == order_repo.NoPriorStatus && exists:
		return fmt.Errorf("order %s already exists: %w", order.ID, domain.ErrStatusConflict)
	case expected != order_repo.NoPriorStatus && !exists:
		return fmt.Errorf("order %s not found: %w", order.ID, domain.ErrStatusConflict)
	case exists && current.Status != expected:
		return fmt.Errorf("order %s is %s, not %s: %w", order.ID, current.Status, expected, domain.ErrStatusConflict)
	}
	t.orders[order.ID] = *order
	return nil
}

func (t *memTx) CreateMessage(_ context.Context, msg *domain.OutboxMessage) error {
	if _, ok := t.store.outbox[msg.ID]; ok {
		return fmt.Errorf("outbox message %s already exists", msg.ID)
	}
	m := *msg
	m.Payload = append([]byte(nil), msg.Payload...)
	t.outbox[m.ID] = m
	return nil
}

func (t *memTx) GetPendingMessages(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	pending := sortedOutbox(t.store.outbox, t.outbox)
	out := pending[:0]
	for _, m := range pending {
		if m.Status == domain.OutboxStatusPending {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) MarkMessageSent(_ context.Context, id string, sentAt time.Time) error {
	m, ok := t.outbox[id]
	if !ok {
		m, ok = t.store.outbox[id]
	}
	if !ok {
		return fmt.Errorf("no outbox message found with id %s to update status", id)
	}
	m.Status = domain.OutboxStatusSent
	m.SentAt = &sentAt
	t.outbox[id] = m
	return nil
}

func sortedOutbox(base, staged map[string]domain.OutboxMessage) []domain.OutboxMessage {
	merged := make(map[string]domain.OutboxMessage, len(base)+len(staged))
	for id, m := range base {
		merged[id] = m
	}
	for id, m := range staged {
		merged[id] = m
	}
	out := make([]domain.OutboxMessage, 0, len(merged))
	for _, m := range merged {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
