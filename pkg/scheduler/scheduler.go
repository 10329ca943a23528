// Package scheduler drives a multi-tick collection job on a fixed period until it completes,
// fails after exhausting its retries, or is cancelled.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/delegate-collector/pkg/errors"
	"github.com/delegate-collector/pkg/logger"
	"github.com/delegate-collector/pkg/metrics"
	"github.com/delegate-collector/pkg/pool"
	"github.com/delegate-collector/pkg/retry"
	"github.com/delegate-collector/pkg/task"
)

// errStopped ends the retry loop of a job that was already terminated.
var errStopped = fmt.Errorf("job stopped")

const (
	DefaultPeriod     = time.Minute
	DefaultRetries    = 3
	DefaultRetrySleep = 10 * time.Second
)

// Unit is the per-job work the scheduler drives.
type Unit interface {
	// Init validates and decrypts the job. An error fails the job before the first tick.
	Init(ctx context.Context) error
	// Tick runs one collection cycle and reports whether the job has collected everything.
	Tick(ctx context.Context) (done bool, err error)
}

// Config tunes one scheduler.
type Config struct {
	JobID      string
	Provider   string
	Period     time.Duration
	Retries    int
	RetrySleep time.Duration
}

func (c *Config) applyDefaults() {
	if c.Period <= 0 {
		c.Period = DefaultPeriod
	}
	if c.Retries <= 0 {
		c.Retries = DefaultRetries
	}
	if c.RetrySleep < 0 {
		c.RetrySleep = DefaultRetrySleep
	}
}

// Scheduler runs one job. It is single use.
type Scheduler struct {
	cfg     Config
	unit    Unit
	pool    pool.Submitter
	clock   clockwork.Clock
	metrics *metrics.CollectorMetrics
	log     *zap.Logger
	onStart func(task.Result)

	machine *fsm.FSM

	mu      sync.Mutex
	running bool
	pending bool
	diag    string
	status  task.Status
	cancel  bool

	ctx      context.Context
	stopCtx  context.CancelFunc
	ticker   clockwork.Ticker
	done     chan struct{}
	stopOnce sync.Once
}

type Option func(*Scheduler)

func WithClock(c clockwork.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

func WithMetrics(m *metrics.CollectorMetrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithOnStart registers a callback receiving the RUNNING result once init succeeds.
func WithOnStart(cb func(task.Result)) Option {
	return func(s *Scheduler) { s.onStart = cb }
}

func New(cfg Config, unit Unit, p pool.Submitter, opts ...Option) *Scheduler {
	cfg.applyDefaults()
	s := &Scheduler{
		cfg:   cfg,
		unit:  unit,
		pool:  p,
		clock: clockwork.NewRealClock(),
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.NewNopMetrics()
	}
	s.log = logger.Named("scheduler", zap.String("job_id", cfg.JobID), zap.String("provider", cfg.Provider))
	s.machine = newMachine(func(e *fsm.Event) {
		s.log.Debug("state transition", zap.String("event", e.Event), zap.String("from", e.Src), zap.String("to", e.Dst))
		s.metrics.SetJobState(s.cfg.JobID, e.Dst, States)
	})
	return s
}

// State returns the current state machine state.
func (s *Scheduler) State() string {
	return s.machine.Current()
}

// Done is closed once the job reaches a terminal state.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// Run initializes the unit, ticks it every period and blocks until the job completes, fails or ctx
// is cancelled. Cancellation yields a SUCCESS result with Cancelled set; the diagnostic is left as is.
func (s *Scheduler) Run(ctx context.Context) task.Result {
	s.metrics.JobsActive.Inc()
	defer s.metrics.JobsActive.Dec()

	s.ctx, s.stopCtx = context.WithCancel(ctx)
	defer s.stopCtx()

	if err := s.unit.Init(s.ctx); err != nil {
		if errors.IsCancelled(err) && ctx.Err() != nil {
			s.terminate(EventCancel, task.StatusSuccess, "")
		} else {
			s.log.Error("job init failed", zap.Error(err))
			s.terminate(EventFail, task.StatusFailure, err.Error())
		}
		return s.result()
	}
	s.event(EventSchedule)
	s.log.Info("job scheduled", zap.Duration("period", s.cfg.Period), zap.Int("retries", s.cfg.Retries))
	if s.onStart != nil {
		s.onStart(task.Result{Status: task.StatusRunning})
	}

	s.mu.Lock()
	s.ticker = s.clock.NewTicker(s.cfg.Period)
	stopped := isTerminal(s.machine.Current()) || s.status != ""
	if stopped {
		s.ticker.Stop()
	}
	s.mu.Unlock()
	if !stopped {
		go s.loop()
		s.fire()
	}

	select {
	case <-s.done:
	case <-ctx.Done():
		s.log.Info("job cancelled", zap.Error(ctx.Err()))
		s.terminate(EventCancel, task.StatusSuccess, "")
	}
	return s.result()
}

// Shutdown stops the job as cancelled. Calling it more than once, or after the job finished, has
// no further effect.
func (s *Scheduler) Shutdown() {
	s.terminate(EventCancel, task.StatusSuccess, "")
}

func (s *Scheduler) loop() {
	for {
		select {
		case <-s.ticker.Chan():
			s.fire()
		case <-s.done:
			return
		}
	}
}

// fire submits the next unit unless one is in flight, in which case a single rerun is recorded.
func (s *Scheduler) fire() {
	s.mu.Lock()
	if s.status != "" {
		s.mu.Unlock()
		return
	}
	if s.running {
		if !s.pending {
			s.log.Debug("previous tick still running, coalescing")
		}
		s.pending = true
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()
	s.pool.Submit(s.runUnit)
}

func (s *Scheduler) runUnit() {
	s.tickWithRetry()

	s.mu.Lock()
	s.running = false
	rerun := s.pending && s.status == ""
	s.pending = false
	if rerun {
		s.running = true
	}
	s.mu.Unlock()

	if rerun {
		s.pool.Submit(s.runUnit)
	}
}

func (s *Scheduler) tickWithRetry() {
	policy := retry.Policy{Attempts: s.cfg.Retries, Sleep: s.cfg.RetrySleep}
	attempts := 0
	err := retry.Do(s.ctx, s.clock, policy, func(attempt int) error {
		if s.finished() {
			return retry.Permanent(errStopped)
		}
		attempts = attempt
		s.event(EventTick)
		done, err := s.safeTick()
		if err == nil {
			if done {
				s.log.Info("job completed")
				s.terminate(EventComplete, task.StatusSuccess, "")
			} else {
				s.event(EventWait)
			}
			return nil
		}
		if s.ctx.Err() != nil {
			return retry.Permanent(err)
		}
		s.recordDiagnostic(err)
		if !errors.IsRetryable(err) {
			return retry.Permanent(err)
		}
		return err
	}, func(attempt int, err error, next time.Duration) {
		s.log.Warn("tick failed, retrying", zap.Int("attempt", attempt), zap.Duration("sleep", next), zap.Error(err))
		s.metrics.Retries.WithLabelValues(s.cfg.Provider, "tick").Inc()
		s.event(EventRetry)
	})
	if err == nil || s.ctx.Err() != nil || errors.Is(err, errStopped) {
		return
	}
	s.log.Error("job failed", zap.Int("attempts", attempts), zap.Error(err))
	s.terminate(EventFail, task.StatusFailure, "")
}

func (s *Scheduler) safeTick() (done bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New(errors.CodeTransient, "tick panicked: %v", r)
		}
	}()
	return s.unit.Tick(s.ctx)
}

// recordDiagnostic keeps the first failure message of the job.
func (s *Scheduler) recordDiagnostic(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.diag == "" {
		s.diag = err.Error()
	}
}

func (s *Scheduler) finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status != ""
}

// terminate records the first terminal outcome and stops the job. Later calls are ignored.
func (s *Scheduler) terminate(event string, status task.Status, msg string) {
	s.mu.Lock()
	if s.status != "" {
		s.mu.Unlock()
		return
	}
	s.status = status
	s.cancel = event == EventCancel
	if msg != "" && s.diag == "" {
		s.diag = msg
	}
	ticker := s.ticker
	s.mu.Unlock()

	s.event(event)
	s.stopOnce.Do(func() {
		if ticker != nil {
			ticker.Stop()
		}
		if s.stopCtx != nil {
			s.stopCtx()
		}
		close(s.done)
	})
}

func (s *Scheduler) event(name string) {
	if err := s.machine.Event(context.Background(), name); err != nil {
		s.log.Debug("ignored state event", zap.String("event", name), zap.String("state", s.machine.Current()), zap.Error(err))
	}
}

func (s *Scheduler) result() task.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return task.Result{
		Status:       s.status,
		ErrorMessage: s.diag,
		Cancelled:    s.cancel,
	}
}

func (s *Scheduler) String() string {
	return fmt.Sprintf("scheduler(%s/%s)", s.cfg.Provider, s.cfg.JobID)
}
