package sheets

import (
	"context"

	"golang.org/x/time/rate"

	"sheetwatch/pkg/metrics"
	"sheetwatch/pkg/models"
)

// RateLimitedClient paces calls to stay under the API read quota.
type RateLimitedClient struct {
	next    Client
	limiter *rate.Limiter
}

func NewRateLimitedClient(next Client, rps float64, burst int) *RateLimitedClient {
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedClient{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (c *RateLimitedClient) Fetch(ctx context.Context, sourceID string) (models.RawRows, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		metrics.RateLimitRequestsTotal.WithLabelValues("rejected").Inc()
		return nil, NewTransientError(sourceID, ReasonRateLimited, err)
	}
	metrics.RateLimitRequestsTotal.WithLabelValues("allowed").Inc()
	return c.next.Fetch(ctx, sourceID)
}
