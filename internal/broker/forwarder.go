package broker

import (
	"context"
	"time"

	"github.com/juju/clock"

	"sheetwatch/internal/config"
	"sheetwatch/internal/logger"
	"sheetwatch/pkg/logging"
	"sheetwatch/pkg/metrics"
	"sheetwatch/pkg/models"
	"sheetwatch/pkg/retry"
)

// Acker is told about every event once the broker has accepted it.
type Acker interface {
	Ack(ctx context.Context, event models.Event) error
}

// Forwarder drains the outbound event stream into Kafka. Delivery is at
// least once: an event is retried until it is written or the context ends.
type Forwarder struct {
	producer Producer
	topic    string
	policy   retry.Policy
	clock    clock.Clock
	logger   logger.Logger
	acker    Acker
}

func NewForwarder(producer Producer, cfg config.KafkaConfig, clk clock.Clock, log logger.Logger) *Forwarder {
	policy := retry.PolicyFromConfig(cfg.Retry)
	// Publishing is retried in rounds until ctx ends, so one round has no
	// elapsed-time cap.
	policy.MaxElapsedTime = 0

	if clk == nil {
		clk = clock.WallClock
	}

	return &Forwarder{
		producer: producer,
		topic:    cfg.OutputTopic,
		policy:   policy,
		clock:    clk,
		logger:   log,
	}
}

// AckWith makes the forwarder confirm every written event to a.
func (f *Forwarder) AckWith(a Acker) *Forwarder {
	f.acker = a
	return f
}

// Run forwards events until the stream is closed or ctx is done.
func (f *Forwarder) Run(ctx context.Context, events <-chan models.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			metrics.SetOutboundQueueSize(len(events))
			f.forward(ctx, event)
		}
	}
}

func (f *Forwarder) forward(ctx context.Context, event models.Event) {
	ctx = logging.WithSourceID(ctx, event.SourceID)
	if event.Metadata.TraceID != "" {
		ctx = logging.WithTraceID(ctx, event.Metadata.TraceID)
	}

	for round := 1; ; round++ {
		err := retry.Do(ctx, f.policy, func() error {
			return f.producer.Publish(ctx, f.topic, event)
		}, retry.WithClock(f.clock), retry.OnRetry(func(attempt int, err error, nextDelay time.Duration) {
			metrics.RetryAttemptsTotal.WithLabelValues("scan-service", f.topic).Inc()
			f.logger.WarnwCtx(ctx, "Retrying event publish",
				"event_id", event.ID,
				"attempt", attempt,
				"next_delay", nextDelay,
				"error", err,
			)
		}))

		if err == nil {
			f.logger.DebugwCtx(ctx, "Event published",
				"event_id", event.ID,
				"kind", event.Kind,
				"seq", event.Seq,
			)
			f.ack(ctx, event)
			return
		}
		if ctx.Err() != nil {
			f.logger.ErrorwCtx(ctx, "Event not published before shutdown",
				"event_id", event.ID,
				"kind", event.Kind,
				"seq", event.Seq,
			)
			return
		}

		f.logger.ErrorwCtx(ctx, "Event publish failing, still retrying",
			"event_id", event.ID,
			"round", round,
			"error", err,
		)
	}
}

// ack failures only cost a duplicate after restart, so they are logged.
func (f *Forwarder) ack(ctx context.Context, event models.Event) {
	if f.acker == nil {
		return
	}
	if err := f.acker.Ack(ctx, event); err != nil {
		f.logger.WarnwCtx(ctx, "Failed to confirm published event",
			"event_id", event.ID,
			"seq", event.Seq,
			"error", err,
		)
	}
}
