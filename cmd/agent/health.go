package agent

import (
	"fmt"
	"sync"
	"time"

	"github.com/delegate-collector/pkg/collector"
	"github.com/delegate-collector/pkg/task"
)

// jobStatus is what /status reports for the running job.
type jobStatus struct {
	Provider         string      `json:"provider"`
	StateExecutionID string      `json:"state_execution_id"`
	TaskID           string      `json:"task_id,omitempty"`
	Status           task.Status `json:"status"`
	Cancelled        bool        `json:"cancelled,omitempty"`
	Error            string      `json:"error,omitempty"`
	StartedAt        *time.Time  `json:"started_at,omitempty"`
	FinishedAt       *time.Time  `json:"finished_at,omitempty"`
}

// health tracks the job for /health and /status. The host is healthy while the job runs and after it
// succeeds.
type health struct {
	mu  sync.RWMutex
	cur jobStatus
	res *task.Result
	now func() time.Time
}

func newHealth(job *collector.Job) *health {
	h := &health{now: time.Now}
	if job != nil {
		h.cur.Provider = job.Provider
		h.cur.StateExecutionID = job.StateExecutionID
	}
	return h
}

func (h *health) started(r task.Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := h.now()
	h.cur.TaskID = r.TaskID
	h.cur.Status = r.Status
	h.cur.StartedAt = &t
}

func (h *health) set(r task.Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := h.now()
	h.res = &r
	if r.TaskID != "" {
		h.cur.TaskID = r.TaskID
	}
	h.cur.Status = r.Status
	h.cur.Cancelled = r.Cancelled
	h.cur.Error = r.ErrorMessage
	h.cur.FinishedAt = &t
}

func (h *health) check() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.res != nil && h.res.Failed() {
		return fmt.Errorf("job %s failed: %s", h.res.TaskID, h.res.ErrorMessage)
	}
	return nil
}

func (h *health) snapshot() any {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cur
}
