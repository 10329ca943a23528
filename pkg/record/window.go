package record

import (
	"fmt"
	"time"
)

const day = 24 * time.Hour

// Window is a minute aligned [Start, End) range.
type Window struct {
	Start time.Time
	End   time.Time
}

// WindowFor resolves the window covering minutes [fromMinute, toMinute) after startTime.
func WindowFor(startTime time.Time, fromMinute, toMinute int) Window {
	base := startTime.Truncate(time.Minute)
	return Window{
		Start: base.Add(time.Duration(fromMinute) * time.Minute),
		End:   base.Add(time.Duration(toMinute) * time.Minute),
	}
}

// ShiftDays moves the window back d days.
func (w Window) ShiftDays(d int) Window {
	off := time.Duration(d) * day
	return Window{Start: w.Start.Add(-off), End: w.End.Add(-off)}
}

func (w Window) Minutes() int {
	return int(w.End.Sub(w.Start) / time.Minute)
}

// LastMinute is the first instant of the last minute inside the window.
func (w Window) LastMinute() time.Time {
	return w.End.Add(-time.Minute)
}

func (w Window) StartMillis() int64 { return w.Start.UnixMilli() }
func (w Window) EndMillis() int64   { return w.End.UnixMilli() }

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.UTC().Format(time.RFC3339), w.End.UTC().Format(time.RFC3339))
}

// ComparisonStrategy selects how the baseline for analysis is built.
type ComparisonStrategy string

const (
	CompareWithPrevious ComparisonStrategy = "COMPARE_WITH_PREVIOUS"
	CompareWithCurrent  ComparisonStrategy = "COMPARE_WITH_CURRENT"
)

// CanaryLookbackDays is the number of day-shifted windows fetched for COMPARE_WITH_CURRENT.
const CanaryLookbackDays = 7

func (s ComparisonStrategy) Valid() bool {
	return s == CompareWithPrevious || s == CompareWithCurrent
}

// DayOffsets returns the day offsets to fetch: [0] or [0..CanaryLookbackDays].
func DayOffsets(s ComparisonStrategy) []int {
	if s != CompareWithCurrent {
		return []int{0}
	}
	offsets := make([]int, 0, CanaryLookbackDays+1)
	for d := 0; d <= CanaryLookbackDays; d++ {
		offsets = append(offsets, d)
	}
	return offsets
}

// AlignToCurrent rewrites a record fetched from a window shifted back dayOffset days so that it lines
// up with the live window: the host becomes the control host and the timestamp moves forward.
func AlignToCurrent(r *MetricRecord, dayOffset int) {
	if dayOffset == 0 {
		return
	}
	if r.OriginHost == "" {
		r.OriginHost = r.Host
	}
	r.Host = ControlHost(dayOffset)
	r.Timestamp += (time.Duration(dayOffset) * day).Milliseconds()
}
