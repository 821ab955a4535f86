package sheets

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sheetwatch/internal/config"
	"sheetwatch/pkg/models"
)

type fakeClient struct {
	rows  models.RawRows
	err   error
	calls int
}

func (f *fakeClient) Fetch(ctx context.Context, sourceID string) (models.RawRows, error) {
	f.calls++
	return f.rows, f.err
}

func breakerConfig() config.CircuitBreakerConfig {
	return config.CircuitBreakerConfig{
		Enabled:      true,
		Timeout:      time.Minute,
		FailureRatio: 0.5,
		MinRequests:  2,
	}
}

func TestCircuitBreakerClientOpensOnTransientErrors(t *testing.T) {
	inner := &fakeClient{err: NewTransientError("kos", ReasonUnavailable, errors.New("503"))}
	client := NewCircuitBreakerClient(inner, breakerConfig())

	for i := 0; i < 2; i++ {
		_, err := client.Fetch(context.Background(), "kos")
		require.Error(t, err)
	}
	require.True(t, client.IsOpen())

	_, err := client.Fetch(context.Background(), "kos")
	fetchErr := AsFetchError("kos", err)
	assert.Equal(t, Transient, fetchErr.Kind)
	assert.Equal(t, ReasonCircuitOpen, fetchErr.Reason)
	assert.Equal(t, 2, inner.calls)
}

func TestCircuitBreakerClientIgnoresPermanentErrors(t *testing.T) {
	inner := &fakeClient{err: NewPermanentError("kos", ReasonMissingPage, errors.New("400"))}
	client := NewCircuitBreakerClient(inner, breakerConfig())

	for i := 0; i < 4; i++ {
		_, err := client.Fetch(context.Background(), "kos")
		require.True(t, IsPermanent(err))
	}
	assert.False(t, client.IsOpen())
	assert.Equal(t, 4, inner.calls)
}

func TestCircuitBreakerClientDisabled(t *testing.T) {
	inner := &fakeClient{rows: models.RawRows{{"a"}}}
	client := NewCircuitBreakerClient(inner, config.CircuitBreakerConfig{})

	rows, err := client.Fetch(context.Background(), "kos")
	require.NoError(t, err)
	assert.Equal(t, models.RawRows{{"a"}}, rows)
	assert.Equal(t, "disabled", client.State())
	assert.False(t, client.IsOpen())
}

func TestRateLimitedClient(t *testing.T) {
	inner := &fakeClient{rows: models.RawRows{{"a"}}}
	client := NewRateLimitedClient(inner, 1, 1)

	_, err := client.Fetch(context.Background(), "kos")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = client.Fetch(ctx, "kos")
	require.Error(t, err)
	assert.Equal(t, ReasonRateLimited, AsFetchError("kos", err).Reason)
	assert.Equal(t, 1, inner.calls)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ReasonTimeout, AsFetchError("kos", context.DeadlineExceeded).Reason)
	assert.Equal(t, ReasonNetwork, AsFetchError("kos", errors.New("connection reset")).Reason)
	assert.Nil(t, AsFetchError("kos", nil))

	fetchErr := NewPermanentError("kos", ReasonDuplicateKeys, nil)
	assert.True(t, fetchErr.IsFatal())
	assert.False(t, fetchErr.IsRetryable())
	assert.Contains(t, fetchErr.Error(), "duplicate_keys")
}
