package sink

import (
	"context"
	"sync"

	"github.com/delegate-collector/pkg/record"
)

// Batch is one Save call captured by Memory.
type Batch struct {
	AccountID        string
	ApplicationID    string
	StateExecutionID string
	TaskID           string
	Records          []*record.MetricRecord
}

// Memory keeps every batch in memory. SaveFunc, when set, decides the outcome of each call
// (attempt counts from 1) before the batch is stored.
type Memory struct {
	SaveFunc func(attempt int, records []*record.MetricRecord) (bool, error)

	mu       sync.Mutex
	attempts int
	batches  []Batch
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Save(ctx context.Context, accountID, applicationID, stateExecutionID, taskID string, records []*record.MetricRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if m.SaveFunc != nil {
		ok, err := m.SaveFunc(m.attempts, records)
		if !ok || err != nil {
			return ok, err
		}
	}
	m.batches = append(m.batches, Batch{
		AccountID:        accountID,
		ApplicationID:    applicationID,
		StateExecutionID: stateExecutionID,
		TaskID:           taskID,
		Records:          records,
	})
	return true, nil
}

func (m *Memory) Batches() []Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Batch(nil), m.batches...)
}

func (m *Memory) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Records flattens every stored batch.
func (m *Memory) Records() []*record.MetricRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*record.MetricRecord
	for _, b := range m.batches {
		out = append(out, b.Records...)
	}
	return out
}
