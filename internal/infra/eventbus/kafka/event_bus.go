// Package kafka provides a Kafka-based implementation of the event bus for
// asynchronous messaging between the controller and workers.
package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/framesift/framesift/internal/domain/analysis"
	"github.com/framesift/framesift/internal/domain/events"
	"github.com/framesift/framesift/internal/infra/eventbus/serialization"
	"github.com/framesift/framesift/pkg/common/logger"
)

// EventBusMetrics defines metrics operations needed to monitor Kafka message
// handling. It enables tracking of successful and failed message
// publishing/consumption.
type EventBusMetrics interface {
	IncMessagePublished(ctx context.Context, topic string)
	IncMessageConsumed(ctx context.Context, topic string)
	IncPublishError(ctx context.Context, topic string)
	IncConsumeError(ctx context.Context, topic string)
}

// Config contains settings for connecting to and interacting with Kafka
// brokers. It defines the topics, consumer group, and client identifiers
// needed for message routing.
type Config struct {
	// Brokers is a list of Kafka broker addresses to connect to.
	Brokers []string

	// TaskTopic carries task envelopes from the controller to workers.
	TaskTopic string
	// ProgressTopic carries job start and progress reports from workers.
	ProgressTopic string
	// ResultsTopic carries terminal job outcomes from workers.
	ResultsTopic string

	// GroupID identifies the consumer group for this bus instance.
	GroupID string
	// ClientID uniquely identifies this client to the Kafka cluster.
	ClientID string

	// ServiceType identifies the kind of service ("controller", "worker").
	ServiceType string
}

var _ events.EventBus = (*EventBus)(nil)

// EventBus implements events.EventBus on Kafka. Messages are keyed by job ID
// through a hash partitioner so every event for one job lands on the same
// partition and is consumed in order. Offsets are committed manually, only
// after a handler acks, giving at-least-once delivery.
type EventBus struct {
	producer      sarama.SyncProducer
	consumerGroup sarama.ConsumerGroup

	// Maps domain event types to their Kafka topics.
	topicMap map[events.EventType]string

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

// NewEventBusFromConfig creates a new Kafka-based event bus from the provided
// configuration. It establishes connections to Kafka brokers and configures
// both producer and consumer components for reliable message delivery.
func NewEventBusFromConfig(
	cfg *Config,
	logger *logger.Logger,
	metrics EventBusMetrics,
	tracer trace.Tracer,
) (*EventBus, error) {
	if metrics == nil {
		return nil, fmt.Errorf("metrics are required for kafka event bus")
	}

	logger = logger.With(
		"component", "kafka_event_bus",
		"client_id", cfg.ClientID,
		"group_id", cfg.GroupID,
		"service_type", cfg.ServiceType,
	)

	producerConfig := sarama.NewConfig()
	producerConfig.Producer.RequiredAcks = sarama.WaitForAll
	producerConfig.Producer.Return.Successes = true
	producerConfig.Producer.Partitioner = sarama.NewHashPartitioner
	producerConfig.ClientID = cfg.ClientID

	producer, err := sarama.NewSyncProducer(cfg.Brokers, producerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	// Auto-commit stays off: offsets are committed only after the handler
	// acks, so an envelope whose worker dies mid-task gets redelivered.
	consumerConfig := sarama.NewConfig()
	consumerConfig.ClientID = cfg.ClientID
	consumerConfig.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	consumerConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	consumerConfig.Consumer.Group.Session.Timeout = 20 * time.Second
	consumerConfig.Consumer.Group.Heartbeat.Interval = 6 * time.Second
	consumerConfig.Consumer.Offsets.AutoCommit.Enable = false
	consumerConfig.Version = sarama.V2_8_0_0

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, consumerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	// Map domain events to their corresponding Kafka topics.
	topicMap := map[events.EventType]string{
		analysis.EventTypeAnalysisScheduled: cfg.TaskTopic,     // controller -> worker
		analysis.EventTypeJobStarted:        cfg.ProgressTopic, // worker -> controller
		analysis.EventTypeJobProgressed:     cfg.ProgressTopic, // worker -> controller
		analysis.EventTypeJobCompleted:      cfg.ResultsTopic,  // worker -> controller
		analysis.EventTypeJobFailed:         cfg.ResultsTopic,  // worker -> controller
	}

	return &EventBus{
		producer:      producer,
		consumerGroup: consumerGroup,
		topicMap:      topicMap,
		logger:        logger,
		metrics:       metrics,
		tracer:        tracer,
	}, nil
}

// Publish sends a domain event to the Kafka topic mapped to its type. It
// handles serialization, key-based partition routing, and observability
// instrumentation.
func (b *EventBus) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	topic, ok := b.topicMap[event.Type]
	if !ok {
		return fmt.Errorf("unknown event type '%s', no topic mapped", event.Type)
	}

	ctx, span := startProducerSpan(ctx, topic, b.tracer)
	defer span.End()

	var pParams events.PublishParams
	for _, opt := range opts {
		opt(&pParams)
	}

	if pParams.Key != "" {
		event.Key = pParams.Key
		span.SetAttributes(attribute.String("event.key", event.Key))
	}

	msgBytes, err := serialization.SerializeEventEnvelope(event.Type, event.Payload)
	if err != nil {
		span.RecordError(err)
		b.metrics.IncPublishError(ctx, topic)
		return fmt.Errorf("failed to serialize payload for event %s: %w", event.Type, err)
	}

	kafkaMsg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(event.Key),
		Value: sarama.ByteEncoder(msgBytes),
	}

	injectTraceContext(ctx, kafkaMsg)

	partition, offset, err := b.producer.SendMessage(kafkaMsg)
	if err != nil {
		span.RecordError(err)
		b.metrics.IncPublishError(ctx, topic)
		return fmt.Errorf("failed to send message to kafka topic %s: %w", topic, err)
	}

	b.metrics.IncMessagePublished(ctx, topic)
	b.logger.Debug(ctx, "Published message to Kafka",
		"topic", topic,
		"partition", partition,
		"offset", offset,
		"event_type", event.Type,
		"key", event.Key,
	)

	return nil
}

// Subscribe registers a handler function to process domain events of the
// specified types. It manages consumer group membership and message
// processing in a separate goroutine.
func (b *EventBus) Subscribe(
	ctx context.Context,
	eventTypes []events.EventType,
	handler events.HandlerFunc,
) error {
	ctx, span := b.tracer.Start(ctx, "kafka_event_bus.subscribe",
		trace.WithAttributes(
			attribute.String("component", "kafka_event_bus"),
		))
	defer span.End()

	// Collect unique topics for the requested event types.
	topicSet := make(map[string]struct{})
	for _, et := range eventTypes {
		topic, ok := b.topicMap[et]
		if !ok {
			span.RecordError(fmt.Errorf("subscribe: unknown event type %s", et))
			span.SetStatus(codes.Error, "unknown event type")
			return fmt.Errorf("subscribe: unknown event type %s", et)
		}
		topicSet[topic] = struct{}{}
	}

	topics := make([]string, 0, len(topicSet))
	for t := range topicSet {
		topics = append(topics, t)
	}
	span.AddEvent("topics_collected", trace.WithAttributes(attribute.StringSlice("topics", topics)))

	go b.consumeLoop(ctx, topics, handler)
	b.logger.Info(ctx, "Subscribed to events", "event_types", eventTypes)

	return nil
}

// consumeLoop maintains a continuous consumer group session.
func (b *EventBus) consumeLoop(ctx context.Context, topics []string, handler events.HandlerFunc) {
	cgHandler := &consumerGroupHandler{
		userHandler:   handler,
		retryInterval: handlerRetryInterval,
		maxRetries:    maxHandlerRetries,
		logger:        b.logger,
		tracer:        b.tracer,
		metrics:       b.metrics,
	}

	for {
		if err := b.consumerGroup.Consume(ctx, topics, cgHandler); err != nil {
			b.logger.Error(ctx, "Error from consumer group", "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

const (
	// handlerRetryInterval seeds the backoff between handler retries on a
	// declined acknowledgement.
	handlerRetryInterval = 500 * time.Millisecond

	// maxHandlerRetries bounds in-place retries before the session is ended
	// and the partition resumes from the last committed offset.
	maxHandlerRetries = 5
)

// consumerGroupHandler implements sarama.ConsumerGroupHandler, converting
// Kafka messages into domain event envelopes and deferring offset marking to
// the handler's ack.
type consumerGroupHandler struct {
	userHandler events.HandlerFunc

	retryInterval time.Duration
	maxRetries    uint64

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

func (h *consumerGroupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(context.Background(),
		"Consumer group session setup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (h *consumerGroupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(context.Background(),
		"Consumer group session cleanup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

// ConsumeClaim processes messages from an assigned partition. Offsets are
// marked only inside the ack callback, and a message is never passed over: a
// declined message is retried in place with bounded backoff, and if it still
// will not ack the claim returns an error so the session ends and the
// partition resumes from the last committed offset.
func (h *consumerGroupHandler) ConsumeClaim(
	sess sarama.ConsumerGroupSession,
	claim sarama.ConsumerGroupClaim,
) error {
	consumeLogger := h.logger.With("operation", "consume_claim", "partition", claim.Partition())
	consumeLogger.Info(sess.Context(), "Starting to consume from partition", "member_id", sess.MemberID())

	lastCommit := time.Now()
	commitInterval := 1 * time.Second

	for msg := range claim.Messages() {
		if err := h.processMessage(sess, claim, msg, consumeLogger, &lastCommit, commitInterval); err != nil {
			consumeLogger.Error(sess.Context(), "Giving up claim, message would not acknowledge",
				"topic", msg.Topic,
				"offset", msg.Offset,
				"error", err,
			)
			sess.Commit()
			return err
		}
	}

	// Final commit before exiting.
	sess.Commit()

	return nil
}

// processMessage decodes one Kafka message and drives it through the handler
// until it acks. A non-nil return means the message was declined past the
// retry budget and its offset was deliberately left unmarked.
func (h *consumerGroupHandler) processMessage(
	sess sarama.ConsumerGroupSession,
	claim sarama.ConsumerGroupClaim,
	msg *sarama.ConsumerMessage,
	consumeLogger *logger.Logger,
	lastCommit *time.Time,
	commitInterval time.Duration,
) error {
	msgCtx := extractTraceContext(sess.Context(), msg)
	msgCtx, span := startConsumerSpan(msgCtx, msg, h.tracer)
	defer span.End()

	evtType, payloadBytes, err := serialization.UnmarshalUniversalEnvelope(msg.Value)
	if err != nil {
		// Undecodable messages can never succeed; skip past them.
		sess.MarkMessage(msg, "")
		span.RecordError(err)
		return nil
	}

	payloadObj, err := serialization.DeserializePayload(evtType, payloadBytes)
	if err != nil {
		sess.MarkMessage(msg, "")
		span.RecordError(err)
		return nil
	}

	envelope := events.EventEnvelope{
		Type:      evtType,
		Key:       string(msg.Key),
		Timestamp: time.Now(),
		Payload:   payloadObj,
		Metadata: events.EventMetadata{
			Partition: claim.Partition(),
			Offset:    msg.Offset,
		},
	}

	consumeLogger.Debug(msgCtx, "Received Kafka message",
		"topic", msg.Topic,
		"offset", msg.Offset,
		"event_type", evtType,
		"key", envelope.Key,
	)

	var acked bool
	var declined error

	ack := func(err error) {
		ackCtx, ackSpan := h.tracer.Start(msgCtx, "kafka_consumer.acknowledge",
			trace.WithLinks(trace.LinkFromContext(msgCtx)),
		)
		defer ackSpan.End()

		if err != nil {
			declined = err
			consumeLogger.Error(ackCtx, "Handler declined to acknowledge message", "error", err)
			h.metrics.IncConsumeError(ackCtx, msg.Topic)
			ackSpan.RecordError(err)
			ackSpan.SetStatus(codes.Error, "message not acknowledged")
			return
		}
		acked = true
		h.metrics.IncMessageConsumed(ackCtx, msg.Topic)

		sess.MarkMessage(msg, "")

		if time.Since(*lastCommit) > commitInterval {
			sess.Commit()
			*lastCommit = time.Now()
			consumeLogger.Debug(ackCtx, "Committed offsets",
				"topic", msg.Topic,
				"offset", msg.Offset,
			)
		}
	}

	deliver := func() error {
		declined = nil
		if err := h.userHandler(msgCtx, envelope, ack); err != nil {
			consumeLogger.Error(msgCtx, "Failed to handle message", "error", err)
			span.RecordError(err)
			if !acked {
				return err
			}
		}
		if acked {
			return nil
		}
		if declined != nil {
			return declined
		}
		// The handler neither acked nor declined. Leave the offset unmarked
		// so the message is redelivered after rebalance or restart.
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(h.retryInterval), h.maxRetries),
		sess.Context(),
	)
	if err := backoff.Retry(deliver, policy); err != nil {
		return fmt.Errorf("message at offset %d not acknowledged after retries: %w", msg.Offset, err)
	}

	return nil
}

// Close gracefully shuts down the event bus by closing both producer and
// consumer connections.
func (b *EventBus) Close() error {
	logger := b.logger.With("operation", "close")
	ctx, span := b.tracer.Start(context.Background(), "kafka_event_bus.close")
	defer span.End()

	if err := b.producer.Close(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to close producer")
		logger.Error(ctx, "Failed to close producer", "error", err)
		return err
	}
	if err := b.consumerGroup.Close(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to close consumer group")
		logger.Error(ctx, "Failed to close consumer group", "error", err)
		return err
	}

	span.AddEvent("closed_event_bus")
	span.SetStatus(codes.Ok, "closed event bus")
	logger.Info(ctx, "Closed event bus")

	return nil
}
