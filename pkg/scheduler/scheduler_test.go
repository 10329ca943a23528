package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delegate-collector/pkg/errors"
	"github.com/delegate-collector/pkg/pool"
	"github.com/delegate-collector/pkg/task"
)

// fakeUnit scripts Tick outcomes per call; calls beyond the script return (false, nil).
type fakeUnit struct {
	initErr error
	script  []func(ctx context.Context) (bool, error)
	calls   int32
}

func (u *fakeUnit) Init(context.Context) error { return u.initErr }

func (u *fakeUnit) Tick(ctx context.Context) (bool, error) {
	n := int(atomic.AddInt32(&u.calls, 1))
	if n <= len(u.script) {
		return u.script[n-1](ctx)
	}
	return false, nil
}

func (u *fakeUnit) Calls() int { return int(atomic.LoadInt32(&u.calls)) }

func fail(msg string) func(context.Context) (bool, error) {
	return func(context.Context) (bool, error) { return false, errors.Mark(fmt.Errorf("%s", msg), errors.CodeTransient) }
}

func succeed(done bool) func(context.Context) (bool, error) {
	return func(context.Context) (bool, error) { return done, nil }
}

func newScheduler(t *testing.T, u Unit, cfg Config, opts ...Option) (*Scheduler, *clockwork.FakeClock) {
	t.Helper()
	p := pool.New("tick-test", 2)
	t.Cleanup(p.Stop)
	clock := clockwork.NewFakeClock()
	cfg.JobID = "job-" + t.Name()
	cfg.Provider = "test"
	return New(cfg, u, p, append([]Option{WithClock(clock)}, opts...)...), clock
}

func TestRetryKeepsFirstFailureMessage(t *testing.T) {
	u := &fakeUnit{script: []func(context.Context) (bool, error){
		fail("connection reset"),
		fail("connection refused"),
		succeed(true),
	}}
	s, _ := newScheduler(t, u, Config{Period: time.Minute, Retries: 3, RetrySleep: 0})

	res := s.Run(context.Background())

	assert.Equal(t, task.StatusSuccess, res.Status)
	assert.Equal(t, "connection reset", res.ErrorMessage)
	assert.False(t, res.Cancelled)
	assert.Equal(t, 3, u.Calls())
	assert.Equal(t, StateCompleted, s.State())
}

func TestRetryExhaustionFailsJob(t *testing.T) {
	u := &fakeUnit{script: []func(context.Context) (bool, error){
		fail("attempt 1"), fail("attempt 2"), fail("attempt 3"), fail("attempt 4"),
	}}
	s, clock := newScheduler(t, u, Config{Period: time.Minute, Retries: 3, RetrySleep: 0})

	res := s.Run(context.Background())
	assert.Equal(t, task.StatusFailure, res.Status)
	assert.Equal(t, "attempt 1", res.ErrorMessage)
	assert.Equal(t, 3, u.Calls())
	assert.Equal(t, StateFailed, s.State())

	clock.Advance(5 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 3, u.Calls(), "no tick may run after the job failed")

	s.Shutdown()
	s.Shutdown()
	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, res, s.result())
}

func TestConfigErrorIsNotRetried(t *testing.T) {
	u := &fakeUnit{script: []func(context.Context) (bool, error){
		func(context.Context) (bool, error) { return false, errors.New(errors.CodeConfig, "no metrics configured") },
	}}
	s, _ := newScheduler(t, u, Config{Retries: 3})

	res := s.Run(context.Background())
	assert.Equal(t, task.StatusFailure, res.Status)
	assert.Equal(t, 1, u.Calls())
}

func TestRetrySleepsOnClock(t *testing.T) {
	u := &fakeUnit{script: []func(context.Context) (bool, error){fail("timeout"), succeed(true)}}
	s, clock := newScheduler(t, u, Config{Period: time.Hour, Retries: 3, RetrySleep: 10 * time.Second})

	done := make(chan task.Result, 1)
	go func() { done <- s.Run(context.Background()) }()

	require.Eventually(t, func() bool { return s.State() == StateRetrying }, time.Second, time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	// ticker and retry timer
	require.NoError(t, clock.BlockUntilContext(ctx, 2))
	assert.Equal(t, 1, u.Calls())

	clock.Advance(10 * time.Second)
	res := <-done
	assert.Equal(t, task.StatusSuccess, res.Status)
	assert.Equal(t, "timeout", res.ErrorMessage)
}

func TestInitFailureNeverTicks(t *testing.T) {
	u := &fakeUnit{initErr: fmt.Errorf("decrypt: key not found")}
	started := false
	s, _ := newScheduler(t, u, Config{}, WithOnStart(func(task.Result) { started = true }))

	res := s.Run(context.Background())
	assert.Equal(t, task.StatusFailure, res.Status)
	assert.Equal(t, "decrypt: key not found", res.ErrorMessage)
	assert.Zero(t, u.Calls())
	assert.False(t, started)
	assert.Equal(t, StateFailed, s.State())
}

func TestTicksEveryPeriodUntilDone(t *testing.T) {
	u := &fakeUnit{script: []func(context.Context) (bool, error){succeed(false), succeed(false), succeed(true)}}
	var start []task.Result
	s, clock := newScheduler(t, u, Config{Period: time.Minute}, WithOnStart(func(r task.Result) { start = append(start, r) }))

	done := make(chan task.Result, 1)
	go func() { done <- s.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		clock.Advance(time.Minute)
		return u.Calls() >= 3
	}, 2*time.Second, 5*time.Millisecond)

	res := <-done
	assert.Equal(t, task.StatusSuccess, res.Status)
	assert.Empty(t, res.ErrorMessage)
	assert.Equal(t, 3, u.Calls())
	require.Len(t, start, 1)
	assert.Equal(t, task.StatusRunning, start[0].Status)
}

func TestOverlappingFiresCoalesce(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	u := &fakeUnit{script: []func(context.Context) (bool, error){
		func(context.Context) (bool, error) {
			close(entered)
			<-release
			return false, nil
		},
	}}
	s, clock := newScheduler(t, u, Config{Period: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan task.Result, 1)
	go func() { done <- s.Run(ctx) }()
	<-entered

	clock.Advance(time.Minute)
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.pending
	}, time.Second, time.Millisecond)
	clock.Advance(time.Minute)
	clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)

	close(release)
	require.Eventually(t, func() bool { return u.Calls() == 2 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, u.Calls(), "fires while busy must coalesce into a single rerun")

	cancel()
	res := <-done
	assert.True(t, res.Cancelled)
}

func TestCancellationUnblocksCaller(t *testing.T) {
	var once sync.Once
	entered := make(chan struct{})
	u := &fakeUnit{script: []func(context.Context) (bool, error){
		func(ctx context.Context) (bool, error) {
			once.Do(func() { close(entered) })
			<-ctx.Done()
			return false, ctx.Err()
		},
	}}
	s, _ := newScheduler(t, u, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan task.Result, 1)
	go func() { done <- s.Run(ctx) }()
	<-entered
	cancel()

	select {
	case res := <-done:
		assert.Equal(t, task.StatusSuccess, res.Status)
		assert.True(t, res.Cancelled)
		assert.Empty(t, res.ErrorMessage)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.Equal(t, StateCancelled, s.State())
}

func TestShutdownIsIdempotent(t *testing.T) {
	u := &fakeUnit{}
	s, _ := newScheduler(t, u, Config{})

	done := make(chan task.Result, 1)
	go func() { done <- s.Run(context.Background()) }()
	require.Eventually(t, func() bool { return u.Calls() >= 1 }, time.Second, time.Millisecond)

	s.Shutdown()
	first := <-done
	s.Shutdown()

	assert.True(t, first.Cancelled)
	assert.Equal(t, first, s.result())
	assert.Equal(t, StateCancelled, s.State())
	select {
	case <-s.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestShutdownBeforeFirstTickStopsTicker(t *testing.T) {
	u := &fakeUnit{}
	var s *Scheduler
	s, clock := newScheduler(t, u, Config{Period: time.Minute}, WithOnStart(func(task.Result) { s.Shutdown() }))

	res := s.Run(context.Background())
	assert.True(t, res.Cancelled)
	assert.Equal(t, StateCancelled, s.State())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 0), "ticker must not outlive the job")

	clock.Advance(3 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, u.Calls())
}
