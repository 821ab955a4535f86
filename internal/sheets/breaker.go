package sheets

import (
	"context"

	"sheetwatch/internal/config"
	"sheetwatch/pkg/circuitbreaker"
	"sheetwatch/pkg/models"
)

const breakerName = "sheets-api"

// CircuitBreakerClient stops calling the API while it keeps failing.
// Permanent errors do not count against the breaker: one broken page must
// not block the healthy ones.
type CircuitBreakerClient struct {
	next Client
	cb   *circuitbreaker.Breaker
}

func NewCircuitBreakerClient(next Client, cfg config.CircuitBreakerConfig) *CircuitBreakerClient {
	c := &CircuitBreakerClient{next: next}
	if cfg.Enabled {
		c.cb = circuitbreaker.New(breakerName, cfg, IsPermanent)
	}
	return c
}

func (c *CircuitBreakerClient) Fetch(ctx context.Context, sourceID string) (models.RawRows, error) {
	rows, err := circuitbreaker.Do(ctx, c.cb, func(ctx context.Context) (models.RawRows, error) {
		return c.next.Fetch(ctx, sourceID)
	})
	if circuitbreaker.IsBreakerError(err) {
		return nil, NewTransientError(sourceID, ReasonCircuitOpen, err)
	}
	return rows, err
}

func (c *CircuitBreakerClient) Name() string {
	return breakerName
}

func (c *CircuitBreakerClient) IsOpen() bool {
	return c.cb != nil && c.cb.IsOpen()
}

func (c *CircuitBreakerClient) State() string {
	if c.cb == nil {
		return "disabled"
	}
	return c.cb.State().String()
}
