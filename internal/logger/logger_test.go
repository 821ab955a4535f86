package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"sheetwatch/pkg/logging"
)

func TestContextFieldsAreAttached(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := FromZap(zap.New(core), "scan-service")

	ctx := logging.WithSourceID(context.Background(), "kos")
	ctx = logging.WithScanID(ctx, "scan-1")
	log.InfowCtx(ctx, "scan committed", "seq", 4)

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "kos", fields["source_id"])
	assert.Equal(t, "scan-1", fields["scan_id"])
	assert.Equal(t, "scan-service", fields["service_name"])
	assert.Equal(t, int64(4), fields["seq"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warn"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("verbose"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("fatal"))
}

func TestContextServiceNameWins(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	log := FromZap(zap.New(core), "scan-service")

	ctx := logging.WithServiceName(context.Background(), "kafka-consumer")
	log.WarnwCtx(ctx, "retrying")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "kafka-consumer", logs.All()[0].ContextMap()["service_name"])
}

func TestNew(t *testing.T) {
	log, err := New("debug", "console", "scan-service")
	require.NoError(t, err)
	assert.NotNil(t, log)
}
