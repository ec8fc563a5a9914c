package kafka_infra

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"orderprocessor/internal/messaging"
)

// MessageReader is the subset of *kafka.Reader used by Consumer.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer gives Kafka the same settle semantics as a RabbitMQ queue:
// ack commits the offset, a requeue retries the message in place after a
// backoff, and dead-lettering copies it to the dead-letter topic before committing.
type Consumer struct {
	reader       MessageReader
	deadLetters  messaging.Publisher
	handler      messaging.Handler
	retryBackoff time.Duration
	logger       *zap.Logger
}

func NewReader(brokerURLs []string, topic, groupID string, logger *zap.Logger) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokerURLs,
		GroupID:        groupID,
		Topic:          topic,
		MinBytes:       10e3,
		MaxBytes:       10e6,
		CommitInterval: 0,
		Logger:         kafka.LoggerFunc(func(msg string, args ...interface{}) { logger.Debug(fmt.Sprintf(msg, args...)) }),
		ErrorLogger:    kafka.LoggerFunc(func(msg string, args ...interface{}) { logger.Error(fmt.Sprintf(msg, args...)) }),
	})
}

func NewConsumer(reader MessageReader, deadLetters messaging.Publisher, handler messaging.Handler, retryBackoff time.Duration, logger *zap.Logger) *Consumer {
	return &Consumer{
		reader:       reader,
		deadLetters:  deadLetters,
		handler:      handler,
		retryBackoff: retryBackoff,
		logger:       logger,
	}
}

func (c *Consumer) Consume(ctx context.Context) error {
	c.logger.Info("Kafka consumer starting message consumption")

	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, kafka.ErrGroupClosed) || errors.Is(err, io.EOF) {
				c.logger.Info("Kafka consumer stopping", zap.Error(err))
				return nil
			}
			c.logger.Error("Error fetching message from Kafka", zap.Error(err))
			if !sleepCtx(ctx, time.Second) {
				return nil
			}
			continue
		}

		if err := c.process(ctx, m); err != nil {
			return err
		}
	}
}

func (c *Consumer) process(ctx context.Context, m kafka.Message) error {
	logger := c.logger.With(
		zap.String("topic", m.Topic),
		zap.Int("partition", m.Partition),
		zap.Int64("offset", m.Offset),
	)
	handlerCtx := context.WithoutCancel(ctx)

	for attempt := 1; ; attempt++ {
		h := &offsetHandle{}
		c.handler.HandleDelivery(handlerCtx, messaging.Delivery{
			Payload:   m.Value,
			Handle:    h,
			MessageID: headerValue(m, "message_id"),
			Attempt:   attempt,
		})

		switch {
		case h.acked:
			return c.commit(logger, m)
		case h.settled && !h.requeue:
			if err := c.deadLetter(handlerCtx, m); err != nil {
				// leave the offset uncommitted; the message comes back after a restart
				logger.Error("Failed to write message to dead-letter topic", zap.Error(err))
				return err
			}
			return c.commit(logger, m)
		}

		logger.Warn("Retrying Kafka message", zap.Int("attempt", attempt), zap.Duration("backoff", c.retryBackoff))
		if !sleepCtx(ctx, c.retryBackoff) {
			return nil
		}
	}
}

func (c *Consumer) deadLetter(ctx context.Context, m kafka.Message) error {
	return c.deadLetters.Publish(ctx, messaging.OutgoingMessage{
		Exchange:   messaging.DeadLetterExchange,
		RoutingKey: messaging.DeadLetterQueue,
		Key:        string(m.Key),
		MessageID:  headerValue(m, "message_id"),
		Body:       m.Value,
	})
}

func (c *Consumer) commit(logger *zap.Logger, m kafka.Message) error {
	commitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.reader.CommitMessages(commitCtx, m); err != nil {
		logger.Error("Failed to commit offset for message", zap.Error(err))
		return nil
	}
	logger.Debug("Kafka message offset committed")
	return nil
}

func (c *Consumer) Close() error {
	if err := c.reader.Close(); err != nil {
		c.logger.Error("Failed to close Kafka consumer reader", zap.Error(err))
		return fmt.Errorf("failed to close Kafka consumer reader: %w", err)
	}
	c.logger.Info("Kafka consumer reader closed.")
	return nil
}

// offsetHandle records how the handler settled a Kafka message.
type offsetHandle struct {
	settled bool
	acked   bool
	requeue bool
}

func (h *offsetHandle) Ack() error {
	h.settled, h.acked = true, true
	return nil
}

func (h *offsetHandle) Nack(requeue bool) error {
	h.settled, h.requeue = true, requeue
	return nil
}

func headerValue(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
