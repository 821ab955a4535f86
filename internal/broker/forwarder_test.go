package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sheetwatch/internal/config"
	"sheetwatch/internal/logger"
	"sheetwatch/pkg/models"
)

type fakeProducer struct {
	mu        sync.Mutex
	failures  int
	published []models.Event
	topics    []string
	letters   []models.DeadLetter
	attempts  chan struct{}
}

func newFakeProducer(failures int) *fakeProducer {
	return &fakeProducer{failures: failures, attempts: make(chan struct{}, 64)}
}

func (p *fakeProducer) Publish(ctx context.Context, topic string, event models.Event) error {
	p.mu.Lock()
	defer func() {
		p.mu.Unlock()
		p.attempts <- struct{}{}
	}()

	if p.failures > 0 {
		p.failures--
		return errors.New("broker unavailable")
	}
	p.published = append(p.published, event)
	p.topics = append(p.topics, topic)
	return nil
}

func (p *fakeProducer) PublishDeadLetter(ctx context.Context, topic string, letter models.DeadLetter) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.letters = append(p.letters, letter)
	return nil
}

func (p *fakeProducer) Close() error { return nil }

func (p *fakeProducer) snapshot() []models.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.Event(nil), p.published...)
}

func kafkaConfig() config.KafkaConfig {
	return config.KafkaConfig{
		OutputTopic: "sheet_events",
		Retry: config.RetryConfig{
			MaxAttempts:     2,
			InitialInterval: time.Second,
			MaxInterval:     2 * time.Second,
			Multiplier:      2,
		},
	}
}

func TestForwarder_PublishesInOrder(t *testing.T) {
	producer := newFakeProducer(0)
	fwd := NewForwarder(producer, kafkaConfig(), testclock.NewClock(time.Now()), logger.NopLogger())

	events := make(chan models.Event, 3)
	for seq := uint64(1); seq <= 3; seq++ {
		events <- models.Event{ID: "e", Kind: models.EventKindDiff, SourceID: "kos", Seq: seq}
	}
	close(events)

	require.NoError(t, fwd.Run(context.Background(), events))

	published := producer.snapshot()
	require.Len(t, published, 3)
	for i, event := range published {
		assert.Equal(t, uint64(i+1), event.Seq)
	}
	assert.Equal(t, []string{"sheet_events", "sheet_events", "sheet_events"}, producer.topics)
}

func TestForwarder_RetriesUntilPublished(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	producer := newFakeProducer(3)
	fwd := NewForwarder(producer, kafkaConfig(), clk, logger.NopLogger())

	events := make(chan models.Event, 1)
	events <- models.Event{ID: "e1", Kind: models.EventKindGuard, SourceID: "fort", Seq: 4}
	close(events)

	done := make(chan error, 1)
	go func() { done <- fwd.Run(context.Background(), events) }()

	// Three failures span two retry rounds of two attempts each; the
	// fourth attempt succeeds.
	for i := 0; i < 2; i++ {
		<-producer.attempts
		require.NoError(t, clk.WaitAdvance(5*time.Second, 5*time.Second, 1))
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("forwarder did not finish")
	}

	published := producer.snapshot()
	require.Len(t, published, 1)
	assert.Equal(t, "e1", published[0].ID)
}

type recordingAcker struct {
	mu    sync.Mutex
	acked []uint64
	err   error
}

func (a *recordingAcker) Ack(ctx context.Context, event models.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, event.Seq)
	return a.err
}

func TestForwarder_AcksWrittenEvents(t *testing.T) {
	producer := newFakeProducer(0)
	acker := &recordingAcker{err: errors.New("store down")}
	fwd := NewForwarder(producer, kafkaConfig(), testclock.NewClock(time.Now()), logger.NopLogger()).AckWith(acker)

	events := make(chan models.Event, 2)
	events <- models.Event{ID: "e1", Kind: models.EventKindDiff, SourceID: "kos", Seq: 1}
	events <- models.Event{ID: "e2", Kind: models.EventKindDiff, SourceID: "kos", Seq: 2}
	close(events)

	require.NoError(t, fwd.Run(context.Background(), events))
	assert.Len(t, producer.snapshot(), 2)
	assert.Equal(t, []uint64{1, 2}, acker.acked)
}

func TestForwarder_NoAckWithoutWrite(t *testing.T) {
	producer := newFakeProducer(100)
	acker := &recordingAcker{}
	fwd := NewForwarder(producer, kafkaConfig(), testclock.NewClock(time.Now()), logger.NopLogger()).AckWith(acker)

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan models.Event, 1)
	events <- models.Event{ID: "e1", Kind: models.EventKindDiff, SourceID: "kos", Seq: 1}

	done := make(chan error, 1)
	go func() { done <- fwd.Run(ctx, events) }()

	<-producer.attempts
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("forwarder did not stop")
	}
	assert.Empty(t, producer.snapshot())
	assert.Empty(t, acker.acked)
}

func TestForwarder_StopsOnCancel(t *testing.T) {
	producer := newFakeProducer(0)
	fwd := NewForwarder(producer, kafkaConfig(), nil, logger.NopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.NoError(t, fwd.Run(ctx, make(chan models.Event)))
	assert.Empty(t, producer.snapshot())
}

func TestDecodeNotification(t *testing.T) {
	received := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	event, err := DecodeNotification([]byte(`{"scanner":"fort","timestamp":1772366400}`), received)
	require.NoError(t, err)
	assert.Equal(t, "fort", event.SourceID)
	assert.Equal(t, models.OriginKafka, event.Origin)
	assert.Equal(t, int64(1772366400), event.ObservedAt.Unix())

	_, err = DecodeNotification([]byte(`{"scanner":`), received)
	assert.Error(t, err)

	_, err = DecodeNotification([]byte(`{"timestamp":1}`), received)
	assert.Error(t, err)
}
