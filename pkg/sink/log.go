package sink

import (
	"context"

	"go.uber.org/zap"

	"github.com/delegate-collector/pkg/record"
)

// Log writes a per-group summary of every batch to the logger and keeps nothing.
type Log struct {
	log *zap.Logger
}

func NewLog(log *zap.Logger) *Log {
	return &Log{log: log}
}

func (l *Log) Save(_ context.Context, accountID, applicationID, stateExecutionID, taskID string, records []*record.MetricRecord) (bool, error) {
	perGroup := make(map[string]int)
	heartbeats := 0
	for _, r := range records {
		if r.IsHeartbeat() {
			heartbeats++
			continue
		}
		perGroup[r.GroupName]++
	}
	l.log.Info("records received",
		zap.String("account_id", accountID),
		zap.String("application_id", applicationID),
		zap.String("state_execution_id", stateExecutionID),
		zap.String("task_id", taskID),
		zap.Int("records", len(records)),
		zap.Int("heartbeats", heartbeats),
		zap.Any("per_group", perGroup),
	)
	return true, nil
}
