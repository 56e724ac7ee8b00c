package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"stock-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Producer writes events to the topic named on each message.
type Producer struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewProducer creates a new Kafka producer
func NewProducer(brokers []string) *Producer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            3,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		AllowAutoTopicCreation: true,
	}

	return &Producer{writer: writer, logger: util.GetLogger()}
}

// PublishEvent publishes an event to Kafka, carrying the caller's trace context in the headers
func (p *Producer) PublishEvent(ctx context.Context, topic, key string, event interface{}) error {
	ctx, span := util.StartSpan(ctx, "kafka.publish "+topic)
	defer span.End()

	eventBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: eventBytes,
		Time:  time.Now(),
	}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier{headers: &msg.Headers})

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}

	p.logger.Debug("Published event", zap.String("topic", topic), zap.String("key", key))
	return nil
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// Forward copies msg onto topic, keeping its key and headers. It backs the
// consumers' dead-letter path.
func (p *Producer) Forward(ctx context.Context, topic string, msg kafka.Message, cause error) error {
	out := kafka.Message{
		Topic:   topic,
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: append(append([]kafka.Header(nil), msg.Headers...), kafka.Header{Key: "x-error", Value: []byte(cause.Error())}),
		Time:    time.Now(),
	}
	if err := p.writer.WriteMessages(ctx, out); err != nil {
		return fmt.Errorf("failed to forward message to %s: %w", topic, err)
	}
	return nil
}

// messageReader is the part of *kafka.Reader the consumer loop uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// DeadLetterWriter receives messages whose handler kept failing.
type DeadLetterWriter interface {
	Forward(ctx context.Context, topic string, msg kafka.Message, cause error) error
}

// RetryPolicy controls how a failing message is retried before the consumer
// moves on. With MaxAttempts <= 0 or no dead-letter topic the message is
// retried until it succeeds or the consumer stops.
type RetryPolicy struct {
	MaxAttempts     int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	DeadLetterTopic string
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.BackoffBase
	if d <= 0 {
		d = 100 * time.Millisecond
	}
	for i := 1; i < attempt && (p.BackoffMax <= 0 || d < p.BackoffMax); i++ {
		d *= 2
	}
	if p.BackoffMax > 0 && d > p.BackoffMax {
		d = p.BackoffMax
	}
	return d
}

// Consumer represents a Kafka consumer
type Consumer struct {
	reader     messageReader
	topic      string
	policy     RetryPolicy
	deadLetter DeadLetterWriter
	logger     *zap.Logger
}

// NewConsumer creates a new Kafka consumer. deadLetter may be nil.
func NewConsumer(brokers []string, topic, groupID string, policy RetryPolicy, deadLetter DeadLetterWriter) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		StartOffset:    kafka.FirstOffset,
	})

	return newConsumer(reader, topic, policy, deadLetter)
}

func newConsumer(reader messageReader, topic string, policy RetryPolicy, deadLetter DeadLetterWriter) *Consumer {
	return &Consumer{
		reader:     reader,
		topic:      topic,
		policy:     policy,
		deadLetter: deadLetter,
		logger:     util.GetLogger(),
	}
}

// Close closes the consumer
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// MessageHandler is a function type for handling messages
type MessageHandler func(ctx context.Context, msg kafka.Message) error

// StartConsuming fetches messages until ctx is cancelled. Each message is handled
// until it succeeds or is dead-lettered, and only then committed, so the group
// offset never moves past a message that was not processed. A message still
// failing when ctx ends stays uncommitted and is redelivered on restart.
func (c *Consumer) StartConsuming(ctx context.Context, handler MessageHandler) error {
	c.logger.Info("Starting Kafka consumer", zap.String("topic", c.topic))

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				c.logger.Info("Consumer context cancelled, stopping", zap.String("topic", c.topic))
				return ctx.Err()
			}
			c.logger.Error("Error fetching message", zap.String("topic", c.topic), zap.Error(err))
			if err := sleepCtx(ctx, time.Second); err != nil {
				return err
			}
			continue
		}

		if err := c.process(ctx, msg, handler); err != nil {
			c.logger.Info("Consumer stopped with message uncommitted",
				zap.String("topic", msg.Topic),
				zap.Int64("offset", msg.Offset))
			return err
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Error("Error committing message", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

// process returns nil once msg is handled or dead-lettered, and ctx.Err() if the
// consumer stops first.
func (c *Consumer) process(ctx context.Context, msg kafka.Message, handler MessageHandler) error {
	for attempt := 1; ; attempt++ {
		err := c.handle(ctx, msg, handler)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		logger := util.WithTrace(otel.GetTextMapPropagator().Extract(ctx, headerCarrier{headers: &msg.Headers}), c.logger).With(
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if c.canDeadLetter() && attempt >= c.policy.MaxAttempts {
			ferr := c.deadLetter.Forward(ctx, c.policy.DeadLetterTopic, msg, err)
			if ferr == nil {
				util.ConsumerDeadLetteredTotal.WithLabelValues(msg.Topic).Inc()
				logger.Error("Message dead-lettered", zap.String("dead_letter_topic", c.policy.DeadLetterTopic))
				return nil
			}
			logger.Error("Failed to dead-letter message, retrying", zap.NamedError("forward_error", ferr))
		} else {
			logger.Warn("Error handling message, retrying")
		}

		util.ConsumerRetriesTotal.WithLabelValues(msg.Topic).Inc()
		if err := sleepCtx(ctx, c.policy.backoff(attempt)); err != nil {
			return err
		}
	}
}

func (c *Consumer) canDeadLetter() bool {
	return c.policy.MaxAttempts > 0 && c.deadLetter != nil && c.policy.DeadLetterTopic != ""
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message, handler MessageHandler) error {
	ctx = otel.GetTextMapPropagator().Extract(ctx, headerCarrier{headers: &msg.Headers})
	ctx, span := util.GetTracer().Start(ctx, "kafka.consume "+msg.Topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination", msg.Topic),
			attribute.Int64("messaging.kafka.offset", msg.Offset),
		))
	defer span.End()

	if err := handler(ctx, msg); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}
