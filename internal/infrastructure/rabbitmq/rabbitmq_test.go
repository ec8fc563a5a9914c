package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"orderprocessor/internal/handler/events"
	"orderprocessor/internal/messaging"
)

type declaredQueue struct {
	durable bool
	args    amqp.Table
}

type fakeTopology struct {
	exchanges map[string]string
	queues    map[string]declaredQueue
	bindings  []string
	failOn    string
}

func newFakeTopology() *fakeTopology {
	return &fakeTopology{exchanges: map[string]string{}, queues: map[string]declaredQueue{}}
}

func (f *fakeTopology) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	if f.failOn == name {
		return errors.New("access refused")
	}
	f.exchanges[name] = kind
	return nil
}

func (f *fakeTopology) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	f.queues[name] = declaredQueue{durable: durable, args: args}
	return amqp.Queue{Name: name}, nil
}

func (f *fakeTopology) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	f.bindings = append(f.bindings, exchange+"/"+key+"->"+name)
	return nil
}

func TestDeclareTopology(t *testing.T) {
	ch := newFakeTopology()
	require.NoError(t, DeclareTopology(ch, zaptest.NewLogger(t)))

	assert.Equal(t, map[string]string{"order.events": "topic", "dlx.order.events": "topic"}, ch.exchanges)

	placed := ch.queues["order.placed.queue"]
	assert.True(t, placed.durable)
	assert.Equal(t, "dlx.order.events", placed.args["x-dead-letter-exchange"])
	assert.Equal(t, "order.placed", placed.args["x-dead-letter-routing-key"])
	assert.Equal(t, "quorum", placed.args["x-queue-type"])
	assert.True(t, ch.queues["order.dlq"].durable)

	assert.ElementsMatch(t, []string{
		"order.events/order.placed->order.placed.queue",
		"dlx.order.events/order.placed->order.dlq",
	}, ch.bindings)
}

func TestDeclareTopologyPropagatesErrors(t *testing.T) {
	ch := newFakeTopology()
	ch.failOn = "dlx.order.events"
	assert.ErrorContains(t, DeclareTopology(ch, zaptest.NewLogger(t)), "dlx.order.events")
}

type settlement struct {
	tag     uint64
	ack     bool
	requeue bool
}

type fakeAcknowledger struct {
	mu   sync.Mutex
	done []settlement
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.done = append(a.done, settlement{tag: tag, ack: true})
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.done = append(a.done, settlement{tag: tag, requeue: requeue})
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcknowledger) settled() []settlement {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]settlement(nil), a.done...)
}

type fakeDeliveryChannel struct {
	deliveries chan amqp.Delivery
	autoAck    bool
	prefetch   int
	cancelled  bool
}

func (f *fakeDeliveryChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	f.prefetch = prefetchCount
	return nil
}

func (f *fakeDeliveryChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	f.autoAck = autoAck
	return f.deliveries, nil
}

func (f *fakeDeliveryChannel) Cancel(consumer string, noWait bool) error {
	f.cancelled = true
	return nil
}

func TestConsumerSettlesThroughHandlerWithManualAck(t *testing.T) {
	ack := &fakeAcknowledger{}
	ch := &fakeDeliveryChannel{deliveries: make(chan amqp.Delivery, 3)}
	ch.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte("ok")}
	ch.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 2, Body: []byte("retry"), Redelivered: true}
	ch.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 3, Body: []byte("dead")}
	close(ch.deliveries)

	var mu sync.Mutex
	attempts := map[string]int{}
	handler := messaging.HandlerFunc(func(ctx context.Context, d messaging.Delivery) {
		mu.Lock()
		attempts[string(d.Payload)] = d.Attempt
		mu.Unlock()
		switch string(d.Payload) {
		case "ok":
			_ = d.Handle.Ack()
		case "retry":
			_ = d.Handle.Nack(true)
		default:
			_ = d.Handle.Nack(false)
		}
	})

	c := NewConsumer(ch, messaging.OrderPlacedQueue, "test", 1, 2, handler, zaptest.NewLogger(t))
	err := c.Consume(context.Background())
	assert.ErrorIs(t, err, ErrDeliveriesClosed)

	assert.False(t, ch.autoAck)
	assert.Equal(t, 2, ch.prefetch, "prefetch is raised to the worker count")
	assert.True(t, ch.cancelled)
	assert.ElementsMatch(t, []settlement{
		{tag: 1, ack: true},
		{tag: 2, requeue: true},
		{tag: 3, requeue: false},
	}, ack.settled())
	assert.Equal(t, map[string]int{"ok": 1, "retry": 2, "dead": 1}, attempts)
}

func TestConsumerStopsOnContextCancel(t *testing.T) {
	ch := &fakeDeliveryChannel{deliveries: make(chan amqp.Delivery)}
	c := NewConsumer(ch, messaging.OrderPlacedQueue, "test", 10, 4, messaging.HandlerFunc(func(context.Context, messaging.Delivery) {}), zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Consume(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestDeliveryAttempt(t *testing.T) {
	tests := []struct {
		name string
		d    amqp.Delivery
		want int
	}{
		{"first delivery", amqp.Delivery{}, 1},
		{"redelivered flag", amqp.Delivery{Redelivered: true}, 2},
		{"quorum header int64", amqp.Delivery{Headers: amqp.Table{"x-delivery-count": int64(3)}}, 4},
		{"quorum header int32", amqp.Delivery{Headers: amqp.Table{"x-delivery-count": int32(1)}, Redelivered: true}, 2},
		{"unexpected header type", amqp.Delivery{Headers: amqp.Table{"x-delivery-count": "7"}}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, deliveryAttempt(tt.d))
		})
	}
}

// A quorum queue omits the header on first delivery and counts earlier
// deliveries afterwards, so a failing message reaches the attempt limit.
func TestQuorumRedeliveriesReachAttemptLimit(t *testing.T) {
	const maxAttempts = 5
	transient := errors.New("store unavailable")

	var decisions []events.Decision
	for count := 0; count < maxAttempts; count++ {
		d := amqp.Delivery{}
		if count > 0 {
			d.Redelivered = true
			d.Headers = amqp.Table{"x-delivery-count": int64(count)}
		}
		decisions = append(decisions, events.Decide(transient, deliveryAttempt(d), maxAttempts))
	}

	assert.Equal(t, []events.Decision{
		events.DecisionRequeue,
		events.DecisionRequeue,
		events.DecisionRequeue,
		events.DecisionRequeue,
		events.DecisionDeadLetter,
	}, decisions)
}

type fakePublishChannel struct {
	mu        sync.Mutex
	confirms  chan amqp.Confirmation
	published []amqp.Publishing
	keys      []string
	tag       uint64
	nack      bool
	silent    bool
}

func (f *fakePublishChannel) Confirm(noWait bool) error { return nil }

func (f *fakePublishChannel) NotifyPublish(c chan amqp.Confirmation) chan amqp.Confirmation {
	f.confirms = c
	return c
}

func (f *fakePublishChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tag++
	f.published = append(f.published, msg)
	f.keys = append(f.keys, exchange+"/"+key)
	if !f.silent {
		f.confirms <- amqp.Confirmation{DeliveryTag: f.tag, Ack: !f.nack}
	}
	return nil
}

func TestPublisherWaitsForConfirmation(t *testing.T) {
	ch := &fakePublishChannel{}
	p, err := NewPublisher(ch, zaptest.NewLogger(t))
	require.NoError(t, err)

	err = p.Publish(context.Background(), messaging.OutgoingMessage{
		Exchange:   messaging.OrderEventsExchange,
		RoutingKey: messaging.OrderProcessedRoutingKey,
		MessageID:  "m1",
		Body:       []byte(`{"orderId":"o1"}`),
	})
	require.NoError(t, err)

	require.Len(t, ch.published, 1)
	assert.Equal(t, []string{"order.events/order.processed"}, ch.keys)
	assert.Equal(t, amqp.Persistent, ch.published[0].DeliveryMode)
	assert.Equal(t, "application/json", ch.published[0].ContentType)
	assert.Equal(t, "m1", ch.published[0].MessageId)
}

func TestPublisherReportsBrokerNack(t *testing.T) {
	ch := &fakePublishChannel{nack: true}
	p, err := NewPublisher(ch, zaptest.NewLogger(t))
	require.NoError(t, err)

	err = p.Publish(context.Background(), messaging.OutgoingMessage{Exchange: "order.events", RoutingKey: "order.processed"})
	assert.ErrorIs(t, err, ErrPublishNacked)
}

func TestPublisherSkipsStaleConfirmations(t *testing.T) {
	ch := &fakePublishChannel{silent: true}
	p, err := NewPublisher(ch, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = p.Publish(ctx, messaging.OutgoingMessage{Exchange: "order.events", RoutingKey: "order.processed"})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// the first publish is confirmed late, right before the second one
	ch.confirms <- amqp.Confirmation{DeliveryTag: 1, Ack: false}
	ch.silent = false
	require.NoError(t, p.Publish(context.Background(), messaging.OutgoingMessage{Exchange: "order.events", RoutingKey: "order.processed"}))
}
