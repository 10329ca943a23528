// Package sink holds the metric sink contract and its implementations.
package sink

import (
	"context"

	"github.com/delegate-collector/pkg/record"
)

// MetricSink durably stores the records of one tick. A false return or an error both count as a
// failed save and are retried by the caller.
type MetricSink interface {
	Save(ctx context.Context, accountID, applicationID, stateExecutionID, taskID string, records []*record.MetricRecord) (bool, error)
}
