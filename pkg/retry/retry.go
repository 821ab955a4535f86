package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/juju/clock"

	"sheetwatch/internal/config"
)

type fatal interface{ IsFatal() bool }

type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }
func (e *fatalError) IsFatal() bool { return true }

// NewFatalError marks err so that Do returns it without another attempt.
func NewFatalError(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err, or anything it wraps, refuses a retry. Errors
// of other packages opt in by implementing IsFatal() bool.
func IsFatal(err error) bool {
	var f fatal
	return errors.As(err, &f) && f.IsFatal()
}

// Policy bounds one retry loop. MaxAttempts counts the first call.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxElapsedTime  time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		MaxElapsedTime:  5 * time.Minute,
	}
}

// PolicyFromConfig overlays the non-zero fields of cfg on DefaultPolicy.
func PolicyFromConfig(cfg config.RetryConfig) Policy {
	p := DefaultPolicy()
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.InitialInterval > 0 {
		p.InitialInterval = cfg.InitialInterval
	}
	if cfg.MaxInterval > 0 {
		p.MaxInterval = cfg.MaxInterval
	}
	if cfg.Multiplier > 0 {
		p.Multiplier = cfg.Multiplier
	}
	if cfg.MaxElapsedTime > 0 {
		p.MaxElapsedTime = cfg.MaxElapsedTime
	}
	return p
}

type options struct {
	clock   clock.Clock
	jitter  float64
	onRetry func(attempt int, err error, next time.Duration)
}

type Option func(*options)

// WithClock makes backoff waits and elapsed-time accounting use clk.
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// WithJitter sets the randomization factor. Zero gives exact intervals.
func WithJitter(factor float64) Option {
	return func(o *options) { o.jitter = factor }
}

// OnRetry is called before each wait with the attempt that just failed.
func OnRetry(fn func(attempt int, err error, next time.Duration)) Option {
	return func(o *options) { o.onRetry = fn }
}

// Do runs fn until it succeeds, returns a fatal error, ctx ends or the policy
// is exhausted. The last error is returned as is.
func Do(ctx context.Context, policy Policy, fn func() error, opts ...Option) error {
	o := options{clock: clock.WallClock, jitter: backoff.DefaultRandomizationFactor}
	for _, opt := range opts {
		opt(&o)
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultPolicy().MaxAttempts
	}

	attempt := 0
	operation := func() error {
		attempt++
		err := fn()
		if err != nil && IsFatal(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	var notify backoff.Notify
	if o.onRetry != nil {
		notify = func(err error, next time.Duration) { o.onRetry(attempt, err, next) }
	}

	b := backoff.WithContext(backoff.WithMaxRetries(newBackOff(policy, o), uint64(policy.MaxAttempts-1)), ctx)
	return backoff.RetryNotifyWithTimer(operation, b, notify, &clockTimer{clock: o.clock})
}
