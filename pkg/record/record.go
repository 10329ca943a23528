// Package record defines the in-memory data point produced by a collection tick and the
// table used to merge records coming back from concurrent fetches.
package record

import (
	"fmt"
	"time"
)

// Level distinguishes ordinary samples from heartbeat samples.
type Level string

const (
	LevelSample    Level = ""
	LevelHeartbeat Level = "H0"
)

const (
	HeartbeatName = "Harness heartbeat metric"
	HeartbeatHost = "dummy"
	// ControlHostPrefix names the synthetic host that day-shifted baseline data is reported under.
	ControlHostPrefix = "control-host-"
)

// MetricRecord is one observed value vector for one series at one minute.
type MetricRecord struct {
	Name                 string             `json:"name"`
	Host                 string             `json:"host"`
	GroupName            string             `json:"groupName"`
	Values               map[string]float64 `json:"values"`
	Timestamp            int64              `json:"timestamp"`
	DataCollectionMinute int                `json:"dataCollectionMinute"`
	WorkflowID           string             `json:"workflowId"`
	WorkflowExecutionID  string             `json:"workflowExecutionId"`
	StateExecutionID     string             `json:"stateExecutionId"`
	ServiceID            string             `json:"serviceId"`
	StateType            string             `json:"stateType"`
	Level                Level              `json:"level,omitempty"`
	Message              string             `json:"message,omitempty"`
	ClusterLabel         string             `json:"clusterLabel,omitempty"`
	// OriginHost is the live host a control-host record was fetched for.
	OriginHost           string             `json:"originHost,omitempty"`
}

// Key identifies a series independently of time.
type Key struct {
	Name       string
	Host       string
	OriginHost string
	GroupName  string
	Message    string
}

func (k Key) String() string {
	host := k.Host
	if k.OriginHost != "" {
		host += "(" + k.OriginHost + ")"
	}
	if k.Message == "" {
		return fmt.Sprintf("%s/%s/%s", k.Name, host, k.GroupName)
	}
	return fmt.Sprintf("%s/%s/%s/%s", k.Name, host, k.GroupName, k.Message)
}

func (r *MetricRecord) Key() Key {
	return Key{Name: r.Name, Host: r.Host, OriginHost: r.OriginHost, GroupName: r.GroupName, Message: r.Message}
}

// IsHeartbeat reports whether r is a synthetic liveness record.
func (r *MetricRecord) IsHeartbeat() bool {
	return r.Level == LevelHeartbeat
}

// Clone returns a deep copy of r.
func (r *MetricRecord) Clone() *MetricRecord {
	c := *r
	c.Values = make(map[string]float64, len(r.Values))
	for k, v := range r.Values {
		c.Values[k] = v
	}
	return &c
}

// FloorMinute truncates a millisecond timestamp to its minute boundary.
func FloorMinute(ms int64) int64 {
	m := time.Minute.Milliseconds()
	if ms < 0 {
		return ((ms - m + 1) / m) * m
	}
	return (ms / m) * m
}

// DataCollectionMinute is the delay-independent minute offset of ts from the job start. It depends
// only on the sample timestamp, never on when the record was built or saved.
func DataCollectionMinute(ts, jobStart int64) int {
	d := ts - FloorMinute(jobStart)
	m := time.Minute.Milliseconds()
	if d < 0 {
		return int((d - m + 1) / m)
	}
	return int(d / m)
}

// ControlHost returns the synthetic host name for a day offset.
func ControlHost(dayOffset int) string {
	return fmt.Sprintf("%s%d", ControlHostPrefix, dayOffset)
}
