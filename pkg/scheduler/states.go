package scheduler

import (
	"context"

	"github.com/looplab/fsm"
)

const (
	StateInit      = "init"
	StateScheduled = "scheduled"
	StateTicking   = "ticking"
	StateRetrying  = "retrying"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
)

const (
	EventSchedule = "schedule"
	EventTick     = "tick"
	EventRetry    = "retry"
	EventWait     = "wait"
	EventComplete = "complete"
	EventFail     = "fail"
	EventCancel   = "cancel"
)

// States lists every scheduler state, in lifecycle order.
var States = []string{StateInit, StateScheduled, StateTicking, StateRetrying, StateCompleted, StateFailed, StateCancelled}

func isTerminal(state string) bool {
	return state == StateCompleted || state == StateFailed || state == StateCancelled
}

func newMachine(onEnter func(e *fsm.Event)) *fsm.FSM {
	return fsm.NewFSM(
		StateInit,
		fsm.Events{
			{Name: EventSchedule, Src: []string{StateInit}, Dst: StateScheduled},
			{Name: EventTick, Src: []string{StateScheduled, StateRetrying}, Dst: StateTicking},
			{Name: EventRetry, Src: []string{StateTicking}, Dst: StateRetrying},
			{Name: EventWait, Src: []string{StateTicking}, Dst: StateScheduled},
			{Name: EventComplete, Src: []string{StateTicking}, Dst: StateCompleted},
			{Name: EventFail, Src: []string{StateInit, StateTicking, StateRetrying}, Dst: StateFailed},
			{Name: EventCancel, Src: []string{StateInit, StateScheduled, StateTicking, StateRetrying}, Dst: StateCancelled},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				onEnter(e)
			},
		},
	)
}
