package kafka

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/framesift/framesift/internal/domain/analysis"
	"github.com/framesift/framesift/internal/domain/events"
	"github.com/framesift/framesift/internal/infra/eventbus/serialization"
	"github.com/framesift/framesift/pkg/common/logger"
)

// stubConsumerSession is a manual stub of sarama.ConsumerGroupSession that
// records which messages were marked and how many commits happened.
type stubConsumerSession struct {
	ctx context.Context

	mu            sync.Mutex
	markedOffsets []int64
	commits       int
}

func newStubConsumerSession(ctx context.Context) *stubConsumerSession {
	return &stubConsumerSession{ctx: ctx}
}

func (s *stubConsumerSession) Claims() map[string][]int32 { return nil }
func (s *stubConsumerSession) MemberID() string           { return "test-member" }
func (s *stubConsumerSession) GenerationID() int32        { return 1 }

func (s *stubConsumerSession) MarkOffset(topic string, partition int32, offset int64, metadata string) {
}

func (s *stubConsumerSession) ResetOffset(topic string, partition int32, offset int64, metadata string) {
}

func (s *stubConsumerSession) MarkMessage(msg *sarama.ConsumerMessage, metadata string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markedOffsets = append(s.markedOffsets, msg.Offset)
}

func (s *stubConsumerSession) Commit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits++
}

func (s *stubConsumerSession) Context() context.Context { return s.ctx }

func (s *stubConsumerSession) marked() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.markedOffsets...)
}

// stubConsumerClaim feeds a fixed set of messages through the claim channel.
type stubConsumerClaim struct {
	topic    string
	messages chan *sarama.ConsumerMessage
}

func newStubConsumerClaim(topic string, msgs ...*sarama.ConsumerMessage) *stubConsumerClaim {
	ch := make(chan *sarama.ConsumerMessage, len(msgs))
	for _, m := range msgs {
		ch <- m
	}
	close(ch)
	return &stubConsumerClaim{topic: topic, messages: ch}
}

func (c *stubConsumerClaim) Topic() string                            { return c.topic }
func (c *stubConsumerClaim) Partition() int32                         { return 0 }
func (c *stubConsumerClaim) InitialOffset() int64                     { return 0 }
func (c *stubConsumerClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *stubConsumerClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

type countingBusMetrics struct {
	mu          sync.Mutex
	consumed    int
	consumeErrs int
}

func (m *countingBusMetrics) IncMessagePublished(ctx context.Context, topic string) {}
func (m *countingBusMetrics) IncPublishError(ctx context.Context, topic string)     {}

func (m *countingBusMetrics) IncMessageConsumed(ctx context.Context, topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumed++
}

func (m *countingBusMetrics) IncConsumeError(ctx context.Context, topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumeErrs++
}

func newTestGroupHandler(t *testing.T, handler events.HandlerFunc) (*consumerGroupHandler, *countingBusMetrics) {
	t.Helper()

	metrics := new(countingBusMetrics)
	return &consumerGroupHandler{
		userHandler:   handler,
		retryInterval: time.Millisecond,
		maxRetries:    3,
		logger:        logger.New(io.Discard, logger.LevelDebug, "test", nil),
		tracer:        tracenoop.NewTracerProvider().Tracer("test"),
		metrics:       metrics,
	}, metrics
}

func startedMessage(t *testing.T, offset int64) *sarama.ConsumerMessage {
	t.Helper()

	evt := analysis.NewJobStartedEvent(uuid.New(), uuid.New(), "worker-1")
	value, err := serialization.SerializeEventEnvelope(analysis.EventTypeJobStarted, evt)
	require.NoError(t, err)

	return &sarama.ConsumerMessage{
		Topic:  "progress",
		Offset: offset,
		Key:    []byte(evt.JobID.String()),
		Value:  value,
	}
}

func TestConsumeClaimMarksOnlyAckedMessages(t *testing.T) {
	t.Parallel()

	var handled []int64
	cgHandler, metrics := newTestGroupHandler(t, func(ctx context.Context, env events.EventEnvelope, ack events.AckFunc) error {
		handled = append(handled, env.Metadata.Offset)
		ack(nil)
		return nil
	})

	sess := newStubConsumerSession(context.Background())
	claim := newStubConsumerClaim("progress", startedMessage(t, 10), startedMessage(t, 11))

	err := cgHandler.ConsumeClaim(sess, claim)
	require.NoError(t, err)

	assert.Equal(t, []int64{10, 11}, handled)
	assert.Equal(t, []int64{10, 11}, sess.marked())
	assert.Equal(t, 2, metrics.consumed)
}

func TestConsumeClaimRetriesDeclinedMessageInPlace(t *testing.T) {
	t.Parallel()

	attempts := 0
	cgHandler, metrics := newTestGroupHandler(t, func(ctx context.Context, env events.EventEnvelope, ack events.AckFunc) error {
		attempts++
		if attempts < 3 {
			ack(errors.New("store unavailable"))
			return nil
		}
		ack(nil)
		return nil
	})

	sess := newStubConsumerSession(context.Background())
	claim := newStubConsumerClaim("progress", startedMessage(t, 20), startedMessage(t, 21))

	err := cgHandler.ConsumeClaim(sess, claim)
	require.NoError(t, err)

	assert.Equal(t, 3, attempts, "declined message should be redelivered to the handler")
	assert.Equal(t, []int64{20, 21}, sess.marked(),
		"offset advances only after the declined message finally acks")
	assert.Equal(t, 2, metrics.consumed)
	assert.Equal(t, 2, metrics.consumeErrs)
}

func TestConsumeClaimStopsAtPersistentlyDeclinedMessage(t *testing.T) {
	t.Parallel()

	var handledOffsets []int64
	cgHandler, _ := newTestGroupHandler(t, func(ctx context.Context, env events.EventEnvelope, ack events.AckFunc) error {
		handledOffsets = append(handledOffsets, env.Metadata.Offset)
		if env.Metadata.Offset == 30 {
			ack(errors.New("store unavailable"))
			return nil
		}
		ack(nil)
		return nil
	})

	sess := newStubConsumerSession(context.Background())
	claim := newStubConsumerClaim("progress", startedMessage(t, 30), startedMessage(t, 31))

	err := cgHandler.ConsumeClaim(sess, claim)
	require.Error(t, err)

	// The declined message keeps its place: nothing is marked past it and the
	// following message is never delivered, so the partition resumes from the
	// last committed offset on the next session.
	assert.Empty(t, sess.marked())
	for _, offset := range handledOffsets {
		assert.Equal(t, int64(30), offset)
	}
}

func TestConsumeClaimSkipsUndecodableMessage(t *testing.T) {
	t.Parallel()

	var handled int
	cgHandler, metrics := newTestGroupHandler(t, func(ctx context.Context, env events.EventEnvelope, ack events.AckFunc) error {
		handled++
		ack(nil)
		return nil
	})

	garbage := &sarama.ConsumerMessage{
		Topic:  "progress",
		Offset: 40,
		Value:  []byte("not an envelope"),
	}

	sess := newStubConsumerSession(context.Background())
	claim := newStubConsumerClaim("progress", garbage, startedMessage(t, 41))

	err := cgHandler.ConsumeClaim(sess, claim)
	require.NoError(t, err)

	assert.Equal(t, 1, handled, "handler should only see the decodable message")
	assert.Equal(t, []int64{40, 41}, sess.marked(),
		"undecodable messages are marked so they are not redelivered")
	assert.Equal(t, 1, metrics.consumed)
}
