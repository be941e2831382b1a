package manager

import "jobloop/internal/job"

// Bus topics published by the manager.
const (
	TopicJobChanged  = "job.changed"
	TopicRunStarted  = "job.run.started"
	TopicRunFinished = "job.run.finished"
)

type ChangeKind int

const (
	Registered ChangeKind = iota
	ParameterChanged
	ScheduleChanged
	DueTimeChanged
	DueTimeReset
	ForceStarted
	Canceled
	IsEnabledChanged
	Removed
)

var changeKindNames = [...]string{
	Registered:       "registered",
	ParameterChanged: "parameter_changed",
	ScheduleChanged:  "schedule_changed",
	DueTimeChanged:   "due_time_changed",
	DueTimeReset:     "due_time_reset",
	ForceStarted:     "force_started",
	Canceled:         "canceled",
	IsEnabledChanged: "is_enabled_changed",
	Removed:          "removed",
}

func (k ChangeKind) String() string {
	if k >= 0 && int(k) < len(changeKindNames) {
		return changeKindNames[k]
	}
	return "unknown"
}

func (k ChangeKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// JobChanged is published on TopicJobChanged after a successful change.
type JobChanged struct {
	JobName string     `json:"job"`
	Kind    ChangeKind `json:"kind"`
}

// RunStarted is published on TopicRunStarted.
type RunStarted struct {
	JobName string          `json:"job"`
	Reason  job.StartReason `json:"reason"`
}

// RunFinished is published on TopicRunFinished with the finalized run.
type RunFinished struct {
	Run job.RunInfo `json:"run"`
}
