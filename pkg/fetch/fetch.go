// Package fetch runs a batch of independent fetch operations on a shared bounded pool and
// collects their optional results in completion order.
package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/delegate-collector/pkg/errors"
	"github.com/delegate-collector/pkg/pool"
)

// DefaultCeiling bounds the wait for each individual result.
const DefaultCeiling = 3 * time.Minute

// Op is one fetch. Returning ok=false with a nil error yields an absent result.
type Op[T any] func(ctx context.Context) (value T, ok bool, err error)

// Result is an optional value.
type Result[T any] struct {
	Value T
	OK    bool
}

// Executor fans ops out on a pool.
type Executor struct {
	pool    pool.Submitter
	ceiling time.Duration
	clock   clockwork.Clock
}

type Option func(*Executor)

func WithCeiling(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.ceiling = d
		}
	}
}

func WithClock(c clockwork.Clock) Option {
	return func(e *Executor) { e.clock = c }
}

func NewExecutor(p pool.Submitter, opts ...Option) *Executor {
	e := &Executor{pool: p, ceiling: DefaultCeiling, clock: clockwork.NewRealClock()}
	for _, o := range opts {
		o(e)
	}
	return e
}

type outcome[T any] struct {
	res Result[T]
	err error
}

// Execute submits every op and waits up to the ceiling for each result in turn. Any op error or a
// single timeout fails the whole batch; the batch context is cancelled on return so stragglers stop.
// Results are in completion order, so callers must correlate through the value, never the index.
func Execute[T any](ctx context.Context, e *Executor, ops []Op[T]) ([]Result[T], error) {
	if len(ops) == 0 {
		return nil, nil
	}
	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan outcome[T], len(ops))
	for _, op := range ops {
		op := op
		e.pool.Submit(func() {
			var o outcome[T]
			defer func() {
				if r := recover(); r != nil {
					o = outcome[T]{err: errors.New(errors.CodeInternal, "fetch operation panicked: %v", r)}
				}
				results <- o
			}()
			v, ok, err := op(batchCtx)
			o = outcome[T]{res: Result[T]{Value: v, OK: ok}, err: err}
		})
	}

	out := make([]Result[T], 0, len(ops))
	for i := range ops {
		timer := e.clock.NewTimer(e.ceiling)
		select {
		case o := <-results:
			timer.Stop()
			if o.err != nil {
				if errors.IsCancelled(o.err) && ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, errors.Mark(o.err, errors.CodeTransient)
			}
			out = append(out, o.res)
		case <-timer.Chan():
			return nil, errors.New(errors.CodeTimeout, "fetch timed out after %s waiting for result %d of %d", e.ceiling, i+1, len(ops))
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("fetch batch: %w", ctx.Err())
		}
	}
	return out, nil
}

// Present drops absent results.
func Present[T any](rs []Result[T]) []T {
	out := make([]T, 0, len(rs))
	for _, r := range rs {
		if r.OK {
			out = append(out, r.Value)
		}
	}
	return out
}
