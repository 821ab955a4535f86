package retry

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/juju/clock"
)

func newBackOff(policy Policy, o options) *backoff.ExponentialBackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = policy.InitialInterval
	exp.MaxInterval = policy.MaxInterval
	exp.Multiplier = policy.Multiplier
	exp.MaxElapsedTime = policy.MaxElapsedTime
	exp.RandomizationFactor = o.jitter
	exp.Clock = o.clock
	exp.Reset()
	return exp
}

// clockTimer drives backoff waits from a juju clock so retries can run
// against a test clock.
type clockTimer struct {
	clock clock.Clock
	timer clock.Timer
}

func (t *clockTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = t.clock.NewTimer(d)
		return
	}
	t.timer.Reset(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *clockTimer) C() <-chan time.Time {
	return t.timer.Chan()
}
