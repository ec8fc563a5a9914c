package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"orderprocessor/internal/messaging"
	"orderprocessor/internal/repository"
)

// Processor relays PENDING outbox rows to the broker and marks them SENT.
type Processor struct {
	store          repository.Store
	publisher      messaging.Publisher
	pollInterval   time.Duration
	pollTimeout    time.Duration
	batchSize      int
	now            func() time.Time
	logger         *zap.Logger
	shutdownSignal chan struct{}
	shutdownOnce   sync.Once
}

func NewProcessor(
	store repository.Store,
	publisher messaging.Publisher,
	pollInterval time.Duration,
	pollTimeout time.Duration,
	batchSize int,
	logger *zap.Logger,
) *Processor {
	if batchSize <= 0 {
		batchSize = 10
	}
	return &Processor{
		store:          store,
		publisher:      publisher,
		pollInterval:   pollInterval,
		pollTimeout:    pollTimeout,
		batchSize:      batchSize,
		now:            time.Now,
		logger:         logger,
		shutdownSignal: make(chan struct{}),
	}
}

// Start polls until ctx is cancelled or Stop is called.
func (p *Processor) Start(ctx context.Context) error {
	p.logger.Info("Starting outbox processor...", zap.Duration("poll_interval", p.pollInterval))
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Outbox processor stopped.")
			return nil
		case <-p.shutdownSignal:
			p.logger.Info("Outbox processor stopped.")
			return nil
		case <-ticker.C:
			if _, err := p.ProcessOnce(ctx); err != nil {
				p.logger.Error("Outbox relay pass failed", zap.Error(err))
			}
		}
	}
}

func (p *Processor) Stop() {
	p.shutdownOnce.Do(func() {
		p.logger.Info("Signaling outbox processor to stop...")
		close(p.shutdownSignal)
	})
}

// ProcessOnce relays one batch and reports how many rows were marked SENT.
// The batch stops at the first publish failure; the rest stay PENDING for the next pass.
func (p *Processor) ProcessOnce(ctx context.Context) (int, error) {
	pollCtx, cancel := context.WithTimeout(ctx, p.pollTimeout)
	defer cancel()

	sent := 0
	var publishErr error
	err := p.store.WithinTx(pollCtx, func(ctx context.Context, tx repository.Tx) error {
		messages, err := tx.GetPendingMessages(ctx, p.batchSize)
		if err != nil {
			return fmt.Errorf("failed to get pending outbox messages: %w", err)
		}
		if len(messages) == 0 {
			p.logger.Debug("No pending outbox messages found.")
			return nil
		}
		p.logger.Info("Found pending outbox messages", zap.Int("count", len(messages)))

		for _, msg := range messages {
			out := messaging.OutgoingMessage{
				Exchange:   msg.Exchange,
				RoutingKey: msg.RoutingKey,
				Key:        msg.AggregateID,
				MessageID:  msg.ID,
				Body:       msg.Payload,
			}
			if err := p.publisher.Publish(ctx, out); err != nil {
				p.logger.Error("Failed to relay outbox message",
					zap.String("message_id", msg.ID),
					zap.String("routing_key", msg.RoutingKey),
					zap.Error(err))
				publishErr = fmt.Errorf("failed to relay outbox message %s: %w", msg.ID, err)
				break
			}
			if err := tx.MarkMessageSent(ctx, msg.ID, p.now()); err != nil {
				return fmt.Errorf("failed to mark outbox message %s as sent: %w", msg.ID, err)
			}
			sent++
		}
		// rows already published are committed as SENT even when a later one failed
		return nil
	})
	if err != nil {
		return 0, err
	}
	if publishErr != nil {
		return sent, publishErr
	}
	if sent > 0 {
		p.logger.Info("Outbox messages relayed", zap.Int("sent", sent))
	}
	return sent, nil
}
