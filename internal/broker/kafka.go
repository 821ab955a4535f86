package broker

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/segmentio/kafka-go"

	"sheetwatch/internal/config"
	"sheetwatch/internal/constants"
	"sheetwatch/internal/logger"
	"sheetwatch/pkg/errors"
	"sheetwatch/pkg/logging"
	"sheetwatch/pkg/metrics"
	"sheetwatch/pkg/models"
	"sheetwatch/pkg/retry"
	"sheetwatch/pkg/tracing"
)

// DedupKeyHeader lets consumers drop redelivered events.
const DedupKeyHeader = "dedup-key"

// fetchErrorPause is how long the consumer waits after a failed fetch.
const fetchErrorPause = time.Second

type KafkaProducer struct {
	writer  *kafka.Writer
	service string
}

func NewKafkaProducer(cfg config.KafkaConfig, service string) *KafkaProducer {
	return &KafkaProducer{
		writer: &kafka.Writer{
			Addr: kafka.TCP(cfg.Brokers...),
			// Hash keeps every event of a source on one partition, in order.
			Balancer:     &kafka.Hash{},
			BatchTimeout: constants.KafkaBatchTimeout,
			WriteTimeout: constants.KafkaWriteTimeout,
			RequiredAcks: kafka.RequireAll,
		},
		service: service,
	}
}

func (p *KafkaProducer) Publish(ctx context.Context, topic string, event models.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return p.write(ctx, kafka.Message{
		Topic:   topic,
		Key:     []byte(event.SourceID),
		Value:   body,
		Headers: []kafka.Header{{Key: DedupKeyHeader, Value: []byte(event.DedupKey())}},
	})
}

func (p *KafkaProducer) PublishDeadLetter(ctx context.Context, topic string, letter models.DeadLetter) error {
	body, err := json.Marshal(letter)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}
	return p.write(ctx, kafka.Message{Topic: topic, Value: body})
}

func (p *KafkaProducer) write(ctx context.Context, m kafka.Message) error {
	m.Headers = tracing.InjectTraceContext(ctx, m.Headers)
	m.Time = time.Now()

	start := time.Now()
	err := p.writer.WriteMessages(ctx, m)
	metrics.ObserveKafkaWriteDuration(p.service, m.Topic, time.Since(start))
	if err != nil {
		return fmt.Errorf("failed to write kafka message to %s: %w", m.Topic, err)
	}

	metrics.IncKafkaMessagesWritten(p.service, m.Topic)
	metrics.ObserveKafkaMessageSize(p.service, m.Topic, "out", len(m.Value))
	return nil
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

// KafkaConsumer reads change notifications from one topic. Messages that
// cannot be decoded, or whose handler keeps failing, go to the DLQ topic.
type KafkaConsumer struct {
	cfg     config.KafkaConfig
	service string
	logger  logger.Logger
	clock   clock.Clock
	dlq     Producer

	mu     sync.Mutex
	reader *kafka.Reader
}

func NewKafkaConsumer(cfg config.KafkaConfig, service string, log logger.Logger) *KafkaConsumer {
	c := &KafkaConsumer{
		cfg:     cfg,
		service: service,
		logger:  log,
		clock:   clock.WallClock,
	}
	if cfg.DLQTopic != "" {
		c.dlq = NewKafkaProducer(cfg, service)
	}
	return c
}

// Consume blocks until ctx is cancelled. Each message is committed once it
// was handled or dead-lettered.
func (c *KafkaConsumer) Consume(ctx context.Context, topic string, handler HandlerFunc) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  c.cfg.Brokers,
		GroupID:  c.cfg.GroupID,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	c.mu.Lock()
	c.reader = reader
	c.mu.Unlock()

	ctx = logging.WithServiceName(ctx, c.service)
	c.logger.InfowCtx(ctx, "Started consuming",
		"topic", topic,
		"brokers", c.cfg.Brokers,
		"group_id", c.cfg.GroupID,
	)

	for {
		fetchStart := time.Now()
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.InfowCtx(ctx, "Stopped consuming", "topic", topic)
				return ctx.Err()
			}
			c.logger.ErrorwCtx(ctx, "Error fetching kafka message", "error", err, "topic", topic)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.clock.After(fetchErrorPause):
			}
			continue
		}

		metrics.ObserveKafkaReadDuration(c.service, topic, time.Since(fetchStart))
		metrics.IncKafkaMessagesRead(c.service, topic)
		metrics.SetKafkaConsumerLag(c.service, topic, m.Partition, m.HighWaterMark-m.Offset-1)
		metrics.ObserveKafkaMessageSize(c.service, topic, "in", len(m.Value))

		c.handleMessage(ctx, m, handler)

		if err := reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.logger.ErrorwCtx(ctx, "Failed to commit message", "error", err, "topic", topic, "offset", m.Offset)
		}
	}
}

func (c *KafkaConsumer) handleMessage(ctx context.Context, m kafka.Message, handler HandlerFunc) {
	ctx, span := tracing.StartConsumeSpan(ctx, m)
	defer span.End()
	if sc := span.SpanContext(); sc.HasTraceID() {
		ctx = logging.WithTraceID(ctx, sc.TraceID().String())
	}

	event, err := DecodeNotification(m.Value, c.clock.Now())
	if err != nil {
		c.logger.WarnwCtx(ctx, "Discarding malformed notification", "error", err, "topic", m.Topic, "offset", m.Offset)
		c.deadLetter(ctx, m, err, "malformed")
		return
	}
	ctx = logging.WithSourceID(ctx, event.SourceID)

	if err := c.dispatch(ctx, m.Topic, event, handler); err != nil {
		c.logger.ErrorwCtx(ctx, "Failed to process notification", "error", err, "topic", m.Topic)
		c.deadLetter(ctx, m, err, "rejected")
	}
}

// DecodeNotification parses the hook payload carried on the input topic.
func DecodeNotification(body []byte, receivedAt time.Time) (models.ChangeEvent, error) {
	var n models.Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return models.ChangeEvent{}, fmt.Errorf("failed to unmarshal notification: %w", err)
	}
	return n.ToChangeEvent(models.OriginKafka, receivedAt)
}

// dispatch runs the handler under the configured retry policy. Panics become
// fatal errors and are not retried.
func (c *KafkaConsumer) dispatch(ctx context.Context, topic string, event models.ChangeEvent, handler HandlerFunc) error {
	policy := retry.PolicyFromConfig(c.cfg.Retry)
	onPanic := func(err error) {
		c.logger.ErrorwCtx(ctx, "Panic recovered during message processing", "error", err, "topic", topic)
	}

	return retry.Do(ctx, policy, func() error {
		return errors.Guard(func() error { return handler(ctx, event) }, onPanic)
	}, retry.WithClock(c.clock), retry.OnRetry(func(attempt int, err error, next time.Duration) {
		metrics.RetryAttemptsTotal.WithLabelValues(c.service, topic).Inc()
		c.logger.WarnwCtx(ctx, "Retrying message processing",
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"next_delay", next,
			"error", err,
		)
	}))
}

// newDeadLetter wraps a failed message. Payloads that are not JSON are kept
// as a JSON string.
func newDeadLetter(m kafka.Message, cause error, failedAt time.Time) models.DeadLetter {
	payload := json.RawMessage(m.Value)
	if !json.Valid(m.Value) {
		payload, _ = json.Marshal(string(m.Value))
	}
	return models.DeadLetter{
		Payload:     payload,
		Reason:      cause.Error(),
		SourceTopic: m.Topic,
		Partition:   m.Partition,
		Offset:      m.Offset,
		FailedAt:    failedAt.UTC(),
	}
}

func (c *KafkaConsumer) deadLetter(ctx context.Context, m kafka.Message, cause error, reason string) {
	if c.dlq == nil {
		c.logger.WarnwCtx(ctx, "No DLQ configured, dropping message", "topic", m.Topic, "offset", m.Offset)
		return
	}

	if err := c.dlq.PublishDeadLetter(ctx, c.cfg.DLQTopic, newDeadLetter(m, cause, c.clock.Now())); err != nil {
		c.logger.ErrorwCtx(ctx, "Failed to send message to DLQ", "error", err, "topic", m.Topic)
		return
	}

	metrics.DLQMessagesTotal.WithLabelValues(c.service, m.Topic, reason).Inc()
	c.logger.InfowCtx(ctx, "Message sent to DLQ", "source_topic", m.Topic, "dlq_topic", c.cfg.DLQTopic, "reason", reason)
}

func (c *KafkaConsumer) Close() error {
	c.mu.Lock()
	reader := c.reader
	c.mu.Unlock()

	var errs []error
	if reader != nil {
		errs = append(errs, reader.Close())
	}
	if c.dlq != nil {
		errs = append(errs, c.dlq.Close())
	}
	return stderrors.Join(errs...)
}
