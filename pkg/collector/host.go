package collector

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/delegate-collector/pkg/logger"
	"github.com/delegate-collector/pkg/pool"
	"github.com/delegate-collector/pkg/scheduler"
	"github.com/delegate-collector/pkg/task"
)

// Host is the synchronous entry point: it runs one job to a terminal result.
type Host struct {
	Deps       Deps
	TickPool   pool.Submitter
	Retries    int
	RetrySleep time.Duration
	// OnStart receives the RUNNING result once the job initialized.
	OnStart func(task.Result)
	// OnComplete receives the terminal result exactly once.
	OnComplete func(task.Result)
	// PreExecute may veto the run.
	PreExecute func() bool
}

// Run builds an engine for job and p, schedules it and blocks until it finishes.
func (h *Host) Run(ctx context.Context, job *Job, p Provider) task.Result {
	job.Normalize()
	retrySleep := h.RetrySleep
	if job.RetrySleep > 0 {
		retrySleep = job.RetrySleep
	}

	opts := []task.Option{}
	if h.OnComplete != nil {
		opts = append(opts, task.WithCompletion(h.OnComplete))
	}
	if h.PreExecute != nil {
		opts = append(opts, task.WithPreExecute(h.PreExecute))
	}

	unit := func(ctx context.Context, params task.Params) (*task.Result, error) {
		engine := NewEngine(job, p, h.Deps)
		tickPool := h.TickPool
		if tickPool == nil {
			tickPool = pool.Go{}
		}
		s := scheduler.New(scheduler.Config{
			JobID:      params.StateExecutionID,
			Provider:   p.Name(),
			Period:     job.Period,
			Retries:    h.Retries,
			RetrySleep: retrySleep,
		}, engine, tickPool,
			scheduler.WithClock(engine.deps.Clock),
			scheduler.WithMetrics(engine.deps.Metrics),
			scheduler.WithOnStart(h.OnStart),
		)
		res := s.Run(ctx)
		logger.Info("collection finished",
			zap.String("task_id", params.TaskID),
			zap.String("provider", p.Name()),
			zap.String("status", string(res.Status)),
			zap.Bool("cancelled", res.Cancelled),
			zap.String("error", res.ErrorMessage),
		)
		return &res, nil
	}

	return task.NewRunner(unit, opts...).Run(ctx, task.Params{TaskID: job.TaskID, StateExecutionID: job.StateExecutionID})
}
