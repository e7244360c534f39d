package runstore

import (
	"slices"
	"time"

	"github.com/ethpandaops/dvtoor/pkg/result"
)

// Status is the lifecycle state of a run.
type Status string

// Run statuses.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ErrorKind classifies why a run failed.
type ErrorKind string

// Failure kinds.
const (
	ErrorKindExecution ErrorKind = "execution"
	ErrorKindCancelled ErrorKind = "cancelled"
	ErrorKindTimeout   ErrorKind = "timeout"
)

// Run is one execution of a suite against a device.
type Run struct {
	ID         string      `json:"id"`
	Category   string      `json:"category"`
	SuiteType  string      `json:"suite_type"`
	Status     Status      `json:"status"`
	StartTime  time.Time   `json:"start_time"`
	EndTime    *time.Time  `json:"end_time,omitempty"`
	Results    *result.Set `json:"results,omitempty"`
	Error      *string     `json:"error,omitempty"`
	ErrorKind  ErrorKind   `json:"error_kind,omitempty"`
	DevicePath string      `json:"device_path"`
	Devices    []string    `json:"devices,omitempty"`
}

// Clone returns a deep copy of the run.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}

	out := *r
	out.Results = r.Results.Clone()
	out.Devices = slices.Clone(r.Devices)

	if r.EndTime != nil {
		t := *r.EndTime
		out.EndTime = &t
	}

	if r.Error != nil {
		msg := *r.Error
		out.Error = &msg
	}

	return &out
}

// Complete moves the run to completed with the given results.
func (r *Run) Complete(at time.Time, results *result.Set) {
	r.Status = StatusCompleted
	r.EndTime = &at
	r.Results = results
	r.Error = nil
	r.ErrorKind = ""
}

// Fail moves the run to failed with the given reason.
func (r *Run) Fail(at time.Time, kind ErrorKind, msg string) {
	r.Status = StatusFailed
	r.EndTime = &at
	r.Results = nil
	r.Error = &msg
	r.ErrorKind = kind
}
