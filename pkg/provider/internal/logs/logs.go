// Package logs folds raw log lines into counted log records.
package logs

import (
	"strconv"

	"github.com/delegate-collector/pkg/collector"
	"github.com/delegate-collector/pkg/record"
)

// CountKey is the value key of log records.
const CountKey = "count"

type logKey struct {
	host, message string
	minute        int64
}

// Aggregator folds log lines into one record per host, message and minute with a count value.
type Aggregator struct {
	tick    *collector.Tick
	name    string
	allowed map[string]struct{}
	order   []logKey
	counts  map[logKey]*record.MetricRecord
}

// NewAggregator collects lines for hosts; an empty host list accepts any host.
func NewAggregator(t *collector.Tick, name string, hosts []string) *Aggregator {
	a := &Aggregator{tick: t, name: name, counts: make(map[logKey]*record.MetricRecord)}
	if len(hosts) > 0 {
		a.allowed = make(map[string]struct{}, len(hosts))
		for _, h := range hosts {
			a.allowed[h] = struct{}{}
		}
	}
	return a
}

// Add counts one line. Lines from hosts outside the request are dropped.
func (a *Aggregator) Add(host, message string, ts int64) bool {
	if a.allowed != nil {
		if _, ok := a.allowed[host]; !ok {
			return false
		}
	}
	k := logKey{host: host, message: message, minute: record.FloorMinute(ts)}
	if r, ok := a.counts[k]; ok {
		r.Values[CountKey]++
		return true
	}
	r := a.tick.NewRecord(a.name, host, ts, map[string]float64{CountKey: 1})
	r.Message = message
	r.ClusterLabel = strconv.Itoa(len(a.order))
	a.counts[k] = r
	a.order = append(a.order, k)
	return true
}

// Records returns the aggregated records in first-seen order.
func (a *Aggregator) Records() []*record.MetricRecord {
	out := make([]*record.MetricRecord, 0, len(a.order))
	for _, k := range a.order {
		out = append(out, a.counts[k])
	}
	return out
}
