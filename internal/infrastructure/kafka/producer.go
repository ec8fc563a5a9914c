package kafka_infra

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"orderprocessor/internal/messaging"
)

// MessageWriter is the subset of *kafka.Writer used by Producer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer maps the routing key of an outgoing message onto a Kafka topic.
type Producer struct {
	writer       MessageWriter
	writeTimeout time.Duration
	logger       *zap.Logger
}

var _ messaging.Publisher = (*Producer)(nil)

func NewProducer(brokerURLs []string, logger *zap.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokerURLs...),
		Balancer:     &kafka.Hash{},
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		Logger:       kafka.LoggerFunc(func(msg string, args ...interface{}) { logger.Debug(fmt.Sprintf(msg, args...)) }),
		ErrorLogger:  kafka.LoggerFunc(func(msg string, args ...interface{}) { logger.Error(fmt.Sprintf(msg, args...)) }),
	}
	return newProducer(writer, writer.WriteTimeout, logger)
}

func newProducer(writer MessageWriter, writeTimeout time.Duration, logger *zap.Logger) *Producer {
	return &Producer{writer: writer, writeTimeout: writeTimeout, logger: logger}
}

func (p *Producer) Publish(ctx context.Context, msg messaging.OutgoingMessage) error {
	km := kafka.Message{
		Topic: msg.RoutingKey,
		Key:   []byte(msg.Key),
		Value: msg.Body,
	}
	if msg.MessageID != "" {
		km.Headers = []kafka.Header{{Key: "message_id", Value: []byte(msg.MessageID)}}
	}

	produceCtx, cancel := context.WithTimeout(ctx, p.writeTimeout)
	defer cancel()

	if err := p.writer.WriteMessages(produceCtx, km); err != nil {
		p.logger.Error("Failed to produce message to Kafka",
			zap.String("topic", km.Topic),
			zap.String("key", msg.Key),
			zap.Error(err),
		)
		return fmt.Errorf("failed to produce message to Kafka: %w", err)
	}
	p.logger.Debug("Message produced to Kafka successfully",
		zap.String("topic", km.Topic),
		zap.String("key", msg.Key),
	)
	return nil
}

func (p *Producer) Close() error {
	if p.writer == nil {
		return nil
	}
	if err := p.writer.Close(); err != nil {
		p.logger.Error("Failed to close Kafka producer", zap.Error(err))
		return fmt.Errorf("failed to close Kafka producer: %w", err)
	}
	p.logger.Info("Kafka Producer closed.")
	return nil
}
