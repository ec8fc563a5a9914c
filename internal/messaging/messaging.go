// Package messaging holds the broker-neutral contracts shared by the
// RabbitMQ and Kafka transports.
package messaging

import "context"

const (
	OrderEventsExchange      = "order.events"
	OrderPlacedRoutingKey    = "order.placed"
	OrderPlacedQueue         = "order.placed.queue"
	OrderProcessedRoutingKey = "order.processed"
	DeadLetterExchange       = "dlx.order.events"
	DeadLetterQueue          = "order.dlq"
)

// DeliveryHandle settles one delivery with the broker.
type DeliveryHandle interface {
	Ack() error
	Nack(requeue bool) error
}

type Delivery struct {
	Payload   []byte
	Handle    DeliveryHandle
	MessageID string
	// Attempt is 1 on first delivery and grows with every redelivery the broker reports.
	Attempt int
}

// Handler must settle every delivery it receives through its Handle.
type Handler interface {
	HandleDelivery(ctx context.Context, d Delivery)
}

type HandlerFunc func(ctx context.Context, d Delivery)

func (f HandlerFunc) HandleDelivery(ctx context.Context, d Delivery) { f(ctx, d) }

type OutgoingMessage struct {
	Exchange   string
	RoutingKey string
	Key        string
	MessageID  string
	Body       []byte
}

// Publisher sends one message and returns once the broker accepted it.
type Publisher interface {
	Publish(ctx context.Context, msg OutgoingMessage) error
}
