//go:build integration

package broker

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"

	"sheetwatch/internal/config"
	"sheetwatch/internal/logger"
	"sheetwatch/pkg/models"
)

func setupKafka(t *testing.T) []string {
	t.Helper()
	ctx := context.Background()

	if os.Getenv("TESTCONTAINERS_RYUK_DISABLED") == "" {
		os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")
	}

	container, err := tckafka.Run(ctx, "confluentinc/confluent-local:7.5.0",
		tckafka.WithClusterID("sheetwatch-test"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { container.Terminate(ctx) })

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)
	return brokers
}

func TestKafkaProducer_KeysEventsBySource(t *testing.T) {
	brokers := setupKafka(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	producer := NewKafkaProducer(config.KafkaConfig{Brokers: brokers}, "scan-service")
	producer.writer.AllowAutoTopicCreation = true
	defer producer.Close()

	event := models.Event{
		ID:       "evt-1",
		Kind:     models.EventKindDiff,
		SourceID: "fort",
		Seq:      1,
		Diff:     &models.DiffEvent{SourceID: "fort", Seq: 1, RowCount: 2},
	}
	require.Eventually(t, func() bool {
		return producer.Publish(ctx, "sheet_events", event) == nil
	}, 30*time.Second, time.Second)

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       "sheet_events",
		StartOffset: kafka.FirstOffset,
	})
	defer reader.Close()

	m, err := reader.ReadMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fort", string(m.Key))

	var dedup string
	for _, h := range m.Headers {
		if h.Key == DedupKeyHeader {
			dedup = string(h.Value)
		}
	}
	assert.Equal(t, "fort/1", dedup)

	var got models.Event
	require.NoError(t, json.Unmarshal(m.Value, &got))
	assert.Equal(t, event.ID, got.ID)
	assert.Equal(t, uint64(1), got.Seq)
}

func TestKafkaConsumer_DeliversNotifications(t *testing.T) {
	brokers := setupKafka(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		AllowAutoTopicCreation: true,
	}
	defer writer.Close()

	require.Eventually(t, func() bool {
		return writer.WriteMessages(ctx, kafka.Message{
			Topic: "sheet_changes",
			Value: []byte(`{"scanner":"kos","timestamp":1772366400}`),
		}) == nil
	}, 30*time.Second, time.Second)

	consumer := NewKafkaConsumer(config.KafkaConfig{
		Brokers: brokers,
		GroupID: "sheetwatch-test",
	}, "scan-service", logger.NopLogger())

	received := make(chan models.ChangeEvent, 1)
	consumeCtx, stop := context.WithCancel(ctx)
	go consumer.Consume(consumeCtx, "sheet_changes", func(ctx context.Context, event models.ChangeEvent) error {
		received <- event
		return nil
	})

	select {
	case event := <-received:
		assert.Equal(t, "kos", event.SourceID)
		assert.Equal(t, models.OriginKafka, event.Origin)
	case <-ctx.Done():
		t.Fatal("no notification consumed")
	}

	stop()
	require.NoError(t, consumer.Close())
}
