// Package retry runs an operation a fixed number of times with a fixed pause between attempts.
// Pauses are taken on a clockwork clock so tests can drive them.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
)

// Policy bounds one retry loop. Attempts below 1 count as 1; Sleep 0 retries immediately.
type Policy struct {
	Attempts int
	Sleep    time.Duration
}

// Notify is called before each pause with the attempt that just failed.
type Notify func(attempt int, err error, next time.Duration)

// Permanent stops the loop after the current attempt; Do returns err itself.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a Permanent error, the attempts are used up or ctx is done.
// It returns nil, the last attempt's error, or ctx.Err() when ctx ended the loop.
func Do(ctx context.Context, clock clockwork.Clock, p Policy, op func(attempt int) error, notify Notify) error {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Sleep), uint64(attempts-1)),
		ctx,
	)

	attempt := 0
	return backoff.RetryNotifyWithTimer(
		func() error {
			attempt++
			return op(attempt)
		},
		b,
		func(err error, next time.Duration) {
			if notify != nil {
				notify(attempt, err, next)
			}
		},
		&clockTimer{clock: clock},
	)
}

// clockTimer adapts a clockwork clock to backoff.Timer.
type clockTimer struct {
	clock clockwork.Clock
	timer clockwork.Timer
	now   chan time.Time
}

func (t *clockTimer) Start(d time.Duration) {
	t.Stop()
	if d <= 0 {
		t.now = make(chan time.Time, 1)
		t.now <- t.clock.Now()
		return
	}
	t.now = nil
	t.timer = t.clock.NewTimer(d)
}

func (t *clockTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *clockTimer) C() <-chan time.Time {
	if t.now != nil {
		return t.now
	}
	if t.timer == nil {
		return nil
	}
	return t.timer.Chan()
}
