package job

import (
	"context"
	"io"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// StartReason tells why a run started.
type StartReason int

const (
	StartSchedule StartReason = iota
	StartOverride
	StartForce
)

func (r StartReason) String() string {
	switch r {
	case StartSchedule:
		return "schedule"
	case StartOverride:
		return "override"
	case StartForce:
		return "force"
	default:
		return "unknown"
	}
}

func (r StartReason) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *StartReason) UnmarshalText(b []byte) error {
	for _, v := range []StartReason{StartSchedule, StartOverride, StartForce} {
		if v.String() == string(b) {
			*r = v
			return nil
		}
	}
	return errors.Newf("unknown start reason %q", b)
}

type RunStatus int

const (
	StatusRunning RunStatus = iota
	StatusSucceeded
	StatusFaulted
	StatusCanceled
	StatusUnknown
)

func (s RunStatus) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFaulted:
		return "faulted"
	case StatusCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

func (s RunStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *RunStatus) UnmarshalText(b []byte) error {
	for _, v := range []RunStatus{StatusRunning, StatusSucceeded, StatusFaulted, StatusCanceled, StatusUnknown} {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return errors.Newf("unknown run status %q", b)
}

// RunInfo describes one run. Finished runs are never mutated.
type RunInfo struct {
	ID                   uuid.UUID   `json:"id"`
	Job                  string      `json:"job"`
	Index                int         `json:"index"`
	Reason               StartReason `json:"reason"`
	DueTime              time.Time   `json:"due_time"`
	DueTimeWasOverridden bool        `json:"due_time_was_overridden"`
	StartTime            time.Time   `json:"start_time"`
	EndTime              *time.Time  `json:"end_time,omitempty"`
	Status               RunStatus   `json:"status"`
	Output               string      `json:"output,omitempty"`
	Err                  error       `json:"-"`
	Progress             *float64    `json:"progress,omitempty"`
	ETA                  *time.Time  `json:"eta,omitempty"`
}

// Finished reports whether the run has an end time.
func (r RunInfo) Finished() bool { return r.EndTime != nil }

// Duration is the run time so far (or in total, once finished).
func (r RunInfo) Duration(now time.Time) time.Duration {
	if r.EndTime != nil {
		return r.EndTime.Sub(r.StartTime)
	}
	return now.Sub(r.StartTime)
}

// ErrString returns the error text, or "".
func (r RunInfo) ErrString() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Info is a point-in-time view of a job.
type Info struct {
	Name      string      `json:"name"`
	Enabled   bool        `json:"enabled"`
	Schedule  string      `json:"schedule"`
	DueTime   DueTimeInfo `json:"due_time"`
	Current   *RunInfo    `json:"current,omitempty"`
	Runs      []RunInfo   `json:"runs"`
	TotalRuns int         `json:"total_runs"`
}

// ProgressSink receives progress reports from a running routine. Nil values
// leave the previous report unchanged.
type ProgressSink interface {
	UpdateProgress(percent *float64, eta *time.Time)
}

// RunContext is what a routine gets besides its context.
type RunContext struct {
	Job       string
	RunIndex  int
	Parameter any
	Progress  ProgressSink
	Output    io.Writer
}

// Routine is the user work of a job. It must honor ctx cancellation.
type Routine func(ctx context.Context, rc RunContext) error
