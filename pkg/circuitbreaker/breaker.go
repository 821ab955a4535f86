package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"sheetwatch/internal/config"
	"sheetwatch/pkg/metrics"
)

const (
	defaultMaxRequests  = 3
	defaultWindow       = time.Minute
	defaultMinRequests  = 3
	defaultFailureRatio = 0.5
)

// Breaker wraps a gobreaker.CircuitBreaker and keeps the breaker metrics
// current. Cancelled calls never count as failures.
type Breaker struct {
	cb        *gobreaker.CircuitBreaker
	succeeded func(error) bool
}

// New builds a breaker named name from cfg. Zero fields fall back to
// defaults. tolerated, when set, marks errors that say nothing about the
// backend's health, so they pass through without counting as failures.
func New(name string, cfg config.CircuitBreakerConfig, tolerated func(error) bool) *Breaker {
	b := &Breaker{
		succeeded: func(err error) bool {
			return err == nil ||
				errors.Is(err, context.Canceled) ||
				(tolerated != nil && tolerated(err))
		},
	}

	minRequests := cfg.MinRequests
	ratio := cfg.FailureRatio
	if minRequests == 0 || ratio <= 0 {
		minRequests, ratio = defaultMinRequests, defaultFailureRatio
	}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: orDefault(cfg.MaxRequests, defaultMaxRequests),
		Interval:    orDefault(cfg.Interval, defaultWindow),
		Timeout:     orDefault(cfg.Timeout, defaultWindow),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= minRequests &&
				float64(counts.TotalFailures)/float64(counts.Requests) >= ratio
		},
		IsSuccessful: b.succeeded,
		OnStateChange: func(name string, _, to gobreaker.State) {
			setStateGauge(name, to)
		},
	})
	setStateGauge(name, b.cb.State())
	return b
}

func orDefault[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

// Do runs fn through b. A nil breaker calls fn directly.
func Do[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	if b == nil {
		return fn(ctx)
	}

	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	out, err := b.cb.Execute(func() (interface{}, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return fn(ctx)
	})
	b.record(err)
	if err != nil {
		return zero, err
	}
	v, _ := out.(T)
	return v, nil
}

func (b *Breaker) record(err error) {
	name := b.cb.Name()
	metrics.CircuitBreakerRequests.WithLabelValues(name, b.cb.State().String()).Inc()
	if !b.succeeded(err) {
		metrics.CircuitBreakerFailures.WithLabelValues(name).Inc()
	}
}

func (b *Breaker) Name() string {
	return b.cb.Name()
}

func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

func (b *Breaker) Counts() gobreaker.Counts {
	return b.cb.Counts()
}

func (b *Breaker) IsOpen() bool {
	return b.cb.State() == gobreaker.StateOpen
}

// IsBreakerError reports whether err was produced by the breaker itself
// rather than the wrapped call.
func IsBreakerError(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// setStateGauge publishes closed as 0, half-open as 1 and open as 2.
func setStateGauge(name string, state gobreaker.State) {
	value := map[gobreaker.State]float64{
		gobreaker.StateClosed:   0,
		gobreaker.StateHalfOpen: 1,
		gobreaker.StateOpen:     2,
	}[state]
	metrics.CircuitBreakerState.WithLabelValues(name).Set(value)
}
