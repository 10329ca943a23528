// Package task wraps a single unit of work so that exactly one terminal result reaches the
// registered completion callback, whatever the unit does.
package task

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/delegate-collector/pkg/logger"
)

// Status of a task result.
type Status string

const (
	StatusRunning Status = "RUNNING"
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

// NoResponseMessage is reported when a unit finishes without producing a result.
const NoResponseMessage = "no response from task"

// Result is the terminal outcome handed to the host process.
type Result struct {
	Status           Status `json:"status"`
	ErrorMessage     string `json:"errorMessage,omitempty"`
	StateExecutionID string `json:"stateExecutionId,omitempty"`
	TaskID           string `json:"taskId,omitempty"`
	Cancelled        bool   `json:"cancelled,omitempty"`
	// Vetoed is set when the pre-execution guard refused to run the unit.
	Vetoed bool `json:"-"`
}

func (r Result) Failed() bool {
	return r.Status == StatusFailure
}

// Params identify the task being run.
type Params struct {
	TaskID           string
	StateExecutionID string
}

// Unit is the work being wrapped. A nil result with a nil error is treated as "no response".
type Unit func(ctx context.Context, p Params) (*Result, error)

// Runner executes a Unit.
type Runner struct {
	unit       Unit
	preExecute func() bool
	onComplete func(Result)
}

type Option func(*Runner)

// WithPreExecute installs a guard; returning false skips the unit and the callback.
func WithPreExecute(guard func() bool) Option {
	return func(r *Runner) { r.preExecute = guard }
}

// WithCompletion registers the callback that receives the terminal result.
func WithCompletion(cb func(Result)) Option {
	return func(r *Runner) { r.onComplete = cb }
}

func NewRunner(unit Unit, opts ...Option) *Runner {
	r := &Runner{unit: unit}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run executes the unit and never panics. The returned result is also delivered, once, to the
// completion callback unless the guard vetoed execution.
func (r *Runner) Run(ctx context.Context, p Params) (res Result) {
	if r.preExecute != nil && !r.preExecute() {
		logger.Info("task execution vetoed", zap.String("task_id", p.TaskID))
		return Result{Vetoed: true, TaskID: p.TaskID, StateExecutionID: p.StateExecutionID}
	}

	var once sync.Once
	deliver := func(out Result) {
		once.Do(func() {
			if r.onComplete != nil {
				r.onComplete(out)
			}
		})
	}

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("task panicked", zap.String("task_id", p.TaskID), zap.Any("panic", rec))
			res = failure(p, fmt.Sprint(rec))
		}
		deliver(res)
	}()

	out, err := r.unit(ctx, p)
	switch {
	case err != nil:
		logger.Warn("task failed", zap.String("task_id", p.TaskID), zap.Error(err))
		return failure(p, err.Error())
	case out == nil:
		return failure(p, NoResponseMessage)
	}
	res = *out
	if res.TaskID == "" {
		res.TaskID = p.TaskID
	}
	if res.StateExecutionID == "" {
		res.StateExecutionID = p.StateExecutionID
	}
	return res
}

func failure(p Params, msg string) Result {
	return Result{Status: StatusFailure, ErrorMessage: msg, TaskID: p.TaskID, StateExecutionID: p.StateExecutionID}
}
