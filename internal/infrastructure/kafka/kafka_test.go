package kafka_infra

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"orderprocessor/internal/messaging"
)

type fakeReader struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.pending) > 0 {
		m := r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

func (r *fakeReader) Committed() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []messaging.OutgoingMessage
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, msg messaging.OutgoingMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *recordingPublisher) Messages() []messaging.OutgoingMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]messaging.OutgoingMessage(nil), p.msgs...)
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func runUntil(t *testing.T, c *Consumer, done func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Consume(ctx) }()

	require.Eventually(t, done, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)
}

func TestConsumerCommitsAckedMessage(t *testing.T) {
	reader := &fakeReader{pending: []kafka.Message{{Topic: "order.placed", Offset: 7, Value: []byte(`{}`)}}}
	dlq := &recordingPublisher{}
	var attempts []int
	handler := messaging.HandlerFunc(func(_ context.Context, d messaging.Delivery) {
		attempts = append(attempts, d.Attempt)
		_ = d.Handle.Ack()
	})

	c := NewConsumer(reader, dlq, handler, time.Millisecond, zaptest.NewLogger(t))
	runUntil(t, c, func() bool { return len(reader.Committed()) == 1 })

	assert.Equal(t, []int64{7}, reader.Committed())
	assert.Equal(t, []int{1}, attempts)
	assert.Empty(t, dlq.Messages())
}

func TestConsumerRetriesRequeuedMessageInPlace(t *testing.T) {
	reader := &fakeReader{pending: []kafka.Message{{Offset: 3, Value: []byte(`x`)}}}
	var mu sync.Mutex
	var attempts []int
	handler := messaging.HandlerFunc(func(_ context.Context, d messaging.Delivery) {
		mu.Lock()
		attempts = append(attempts, d.Attempt)
		mu.Unlock()
		if d.Attempt < 3 {
			_ = d.Handle.Nack(true)
			return
		}
		_ = d.Handle.Ack()
	})

	c := NewConsumer(reader, &recordingPublisher{}, handler, time.Millisecond, zaptest.NewLogger(t))
	runUntil(t, c, func() bool { return len(reader.Committed()) == 1 })

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, attempts)
}

func TestConsumerDeadLettersThenCommits(t *testing.T) {
	msg := kafka.Message{
		Offset:  11,
		Key:     []byte("order-1"),
		Value:   []byte(`not json`),
		Headers: []kafka.Header{{Key: "message_id", Value: []byte("m-1")}},
	}
	reader := &fakeReader{pending: []kafka.Message{msg}}
	dlq := &recordingPublisher{}
	handler := messaging.HandlerFunc(func(_ context.Context, d messaging.Delivery) {
		assert.Equal(t, "m-1", d.MessageID)
		_ = d.Handle.Nack(false)
	})

	c := NewConsumer(reader, dlq, handler, time.Millisecond, zaptest.NewLogger(t))
	runUntil(t, c, func() bool { return len(reader.Committed()) == 1 })

	require.Len(t, dlq.Messages(), 1)
	got := dlq.Messages()[0]
	assert.Equal(t, messaging.DeadLetterQueue, got.RoutingKey)
	assert.Equal(t, "order-1", got.Key)
	assert.Equal(t, []byte(`not json`), got.Body)
}

func TestConsumerKeepsOffsetWhenDeadLetterFails(t *testing.T) {
	reader := &fakeReader{pending: []kafka.Message{{Offset: 1}}}
	dlq := &recordingPublisher{err: errors.New("broker down")}
	handler := messaging.HandlerFunc(func(_ context.Context, d messaging.Delivery) {
		_ = d.Handle.Nack(false)
	})

	c := NewConsumer(reader, dlq, handler, time.Millisecond, zaptest.NewLogger(t))
	err := c.Consume(context.Background())

	require.Error(t, err)
	assert.Empty(t, reader.Committed())
}

func TestConsumerCloseClosesReader(t *testing.T) {
	reader := &fakeReader{}
	c := NewConsumer(reader, &recordingPublisher{}, messaging.HandlerFunc(func(context.Context, messaging.Delivery) {}), time.Millisecond, zaptest.NewLogger(t))

	require.NoError(t, c.Close())
	assert.True(t, reader.closed)
}

func TestProducerMapsRoutingKeyToTopic(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, time.Second, zaptest.NewLogger(t))

	err := p.Publish(context.Background(), messaging.OutgoingMessage{
		Exchange:   messaging.OrderEventsExchange,
		RoutingKey: messaging.OrderProcessedRoutingKey,
		Key:        "order-9",
		MessageID:  "msg-9",
		Body:       []byte(`{"orderId":"order-9"}`),
	})
	require.NoError(t, err)

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "order.processed", w.msgs[0].Topic)
	assert.Equal(t, []byte("order-9"), w.msgs[0].Key)
	assert.Equal(t, "msg-9", headerValue(w.msgs[0], "message_id"))
}

func TestProducerWrapsWriteError(t *testing.T) {
	boom := errors.New("leader not available")
	p := newProducer(&fakeWriter{err: boom}, time.Second, zaptest.NewLogger(t))

	err := p.Publish(context.Background(), messaging.OutgoingMessage{RoutingKey: "order.processed"})
	assert.ErrorIs(t, err, boom)
}
