package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// JobStatus describes whether a scheduled job fires.
type JobStatus string

const (
	JobStatusActive JobStatus = "active"
	JobStatusPaused JobStatus = "paused"
)

// RunStatus describes the state of an individual job invocation.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusSkipped   RunStatus = "skipped"
)

// Job is a named trigger firing one engine operation on a cron schedule.
type Job struct {
	Name      string
	Cron      string
	Status    JobStatus
	LastRunAt *time.Time
	NextRunAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// JobRun captures a single invocation of a job.
type JobRun struct {
	ID          string
	Job         string
	Status      RunStatus
	ScheduledAt time.Time
	StartedAt   *time.Time
	EndedAt     *time.Time
	Error       *string
	CreatedAt   time.Time
}

// RuntimeSnapshot maps machine name to its current cumulative runtime hours.
type RuntimeSnapshot map[string]float64

// DueTask is a task currently due on a machine, with the runtime threshold
// at which it became due.
type DueTask struct {
	Task           string  `json:"task"`
	RuntimeWhenDue float64 `json:"runtime_when_due"`
}

// DueSet maps machine name to its currently due tasks, in catalog order.
type DueSet map[string][]DueTask

// Find returns the due entry for an exactly named task.
func (d DueSet) Find(machine, task string) (DueTask, bool) {
	for _, t := range d[machine] {
		if t.Task == task {
			return t, true
		}
	}
	return DueTask{}, false
}

// Count returns the number of due tasks across all machines.
func (d DueSet) Count() int {
	n := 0
	for _, tasks := range d {
		n += len(tasks)
	}
	return n
}

// RuntimeValue is a runtime reading that may be unknown. It serialises as
// a JSON number, or the string "unknown".
type RuntimeValue struct {
	Hours float64
	Known bool
}

// KnownRuntime returns a known runtime value.
func KnownRuntime(hours float64) RuntimeValue {
	return RuntimeValue{Hours: hours, Known: true}
}

// UnknownRuntime is the value recorded when telemetry had no reading.
var UnknownRuntime = RuntimeValue{}

// OrZero returns the hours, treating unknown as zero.
func (v RuntimeValue) OrZero() float64 {
	if !v.Known {
		return 0
	}
	return v.Hours
}

func (v RuntimeValue) String() string {
	if !v.Known {
		return "unknown"
	}
	return FormatHours(v.Hours)
}

func (v RuntimeValue) MarshalJSON() ([]byte, error) {
	if !v.Known {
		return []byte(`"unknown"`), nil
	}
	return json.Marshal(v.Hours)
}

func (v *RuntimeValue) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*v = UnknownRuntime
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			*v = KnownRuntime(f)
			return nil
		}
		*v = UnknownRuntime
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("runtime value: %w", err)
	}
	*v = KnownRuntime(f)
	return nil
}

// CompletionRecord is an immutable log entry asserting a task was performed
// on a machine by a user. Task and machine are stored lower-case.
type CompletionRecord struct {
	User                string       `json:"user"`
	Task                string       `json:"task"`
	Machine             string       `json:"machine"`
	Timestamp           time.Time    `json:"timestamp"`
	RuntimeWhenDue      float64      `json:"runtime_when_due"`
	RuntimeAtCompletion RuntimeValue `json:"runtime_at_completion"`
}

func (r *CompletionRecord) UnmarshalJSON(data []byte) error {
	var raw struct {
		User                string       `json:"user"`
		Task                string       `json:"task"`
		Machine             string       `json:"machine"`
		Timestamp           string       `json:"timestamp"`
		RuntimeWhenDue      float64      `json:"runtime_when_due"`
		RuntimeAtCompletion RuntimeValue `json:"runtime_at_completion"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Task == "" || raw.Machine == "" {
		return fmt.Errorf("completion record missing task or machine")
	}
	ts, err := ParseTimestamp(raw.Timestamp)
	if err != nil {
		return err
	}
	*r = CompletionRecord{
		User:                raw.User,
		Task:                raw.Task,
		Machine:             raw.Machine,
		Timestamp:           ts,
		RuntimeWhenDue:      raw.RuntimeWhenDue,
		RuntimeAtCompletion: raw.RuntimeAtCompletion,
	}
	return nil
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp accepts RFC 3339 instants and zone-less ISO-8601 local
// times.
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, value, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", value)
}

// FormatHours renders a runtime without trailing zeros.
func FormatHours(hours float64) string {
	return strconv.FormatFloat(hours, 'f', -1, 64)
}
