// Package collector is the generic per-tick collection engine. A provider plugs in request building
// and response parsing; the engine owns throttling, windows, fan-out, merging, heartbeats and saving.
package collector

import (
	"context"
	"time"

	"github.com/delegate-collector/pkg/record"
	"github.com/delegate-collector/pkg/template"
)

// Provider is the per-provider capability set.
type Provider interface {
	Name() string
	// Init validates the provider queries of a job whose connection is already decrypted.
	Init(ctx context.Context, job *Job) error
	BuildRequests(ctx context.Context, t *Tick) ([]Request, error)
	// ParseResponse turns one response body into records. Timestamps are those of the fetched
	// window; the engine realigns day-shifted results.
	ParseResponse(t *Tick, req Request, body []byte) ([]*record.MetricRecord, error)
}

// Fetcher is implemented by providers that do not fetch through a single HTTP call.
type Fetcher interface {
	Fetch(ctx context.Context, t *Tick, req Request) ([]*record.MetricRecord, error)
}

// Tag correlates a response with the request that produced it.
type Tag struct {
	Hosts     []string
	DayOffset int
	// Key is provider specific, e.g. a metric name or a query id.
	Key string
}

// Request is one fetch unit.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
	Tag     Tag
}

// Tick is the state a provider sees while building and parsing one tick.
type Tick struct {
	Job *Job
	// Window is the live window; shifted windows derive from it.
	Window     record.Window
	DayOffsets []int
	// Minute is the cursor position that triggered this tick.
	Minute int
}

// WindowFor returns the live window shifted back dayOffset days.
func (t *Tick) WindowFor(dayOffset int) record.Window {
	return t.Window.ShiftDays(dayOffset)
}

// Vars returns template variables for a host and day offset.
func (t *Tick) Vars(host string, dayOffset int) template.Vars {
	return template.Vars{Host: host, Window: t.WindowFor(dayOffset), Secrets: t.Job.Connection.Secrets}
}

// Secret returns a decrypted connection field.
func (t *Tick) Secret(name string) string {
	return t.Job.Connection.Secret(name)
}

// NewRecord builds a sample for host at ts (millis), pre-filled with the host group.
func (t *Tick) NewRecord(name, host string, ts int64, values map[string]float64) *record.MetricRecord {
	return &record.MetricRecord{
		Name:      name,
		Host:      host,
		GroupName: t.Job.Group(host),
		Timestamp: record.FloorMinute(ts),
		Values:    values,
	}
}

// InWindow reports whether ts (millis) falls inside the window of dayOffset.
func (t *Tick) InWindow(ts int64, dayOffset int) bool {
	w := t.WindowFor(dayOffset)
	return ts >= w.StartMillis() && ts < w.EndMillis()
}

// Time converts a millisecond timestamp.
func Time(ms int64) time.Time {
	return time.UnixMilli(ms)
}
