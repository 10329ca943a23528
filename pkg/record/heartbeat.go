package record

// Meta carries the correlation identifiers stamped on every record of a job.
type Meta struct {
	WorkflowID          string
	WorkflowExecutionID string
	StateExecutionID    string
	ServiceID           string
	StateType           string
}

// Stamp copies the job identifiers onto r and computes its collection minute from its timestamp.
func (m Meta) Stamp(r *MetricRecord, jobStart int64) {
	r.WorkflowID = m.WorkflowID
	r.WorkflowExecutionID = m.WorkflowExecutionID
	r.StateExecutionID = m.StateExecutionID
	r.ServiceID = m.ServiceID
	r.StateType = m.StateType
	r.DataCollectionMinute = DataCollectionMinute(r.Timestamp, jobStart)
}

// Heartbeats builds one zero valued H0 record per group, stamped at the last minute of w.
func Heartbeats(groups []string, w Window, jobStart int64, meta Meta) []*MetricRecord {
	ts := w.LastMinute().UnixMilli()
	out := make([]*MetricRecord, 0, len(groups))
	for _, g := range groups {
		r := &MetricRecord{
			Name:      HeartbeatName,
			Host:      HeartbeatHost,
			GroupName: g,
			Values:    map[string]float64{},
			Timestamp: ts,
			Level:     LevelHeartbeat,
		}
		meta.Stamp(r, jobStart)
		out = append(out, r)
	}
	return out
}
