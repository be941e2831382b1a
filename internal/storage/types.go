package storage

import (
	"time"

	"github.com/cockroachdb/errors"

	"jobloop/internal/job"
)

var ErrClosed = errors.New("storage closed")

// MaxOutputTail bounds the run output kept in a record.
const MaxOutputTail = 4 << 10

// Config configures storage. An empty Driver or "none" disables it.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// RunRecord is one finished run. Keep it compact and schema-stable.
type RunRecord struct {
	RunID      string    `json:"run_id"`
	Job        string    `json:"job"`
	Index      int       `json:"index"`
	Reason     string    `json:"reason"`
	Status     string    `json:"status"`
	DueTime    time.Time `json:"due_time"`
	Overridden bool      `json:"overridden,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	TookMS     int64     `json:"took_ms"`
	Error      string    `json:"error,omitempty"`
	OutputTail string    `json:"output_tail,omitempty"`
}

// EventRecord is one job change (registered, removed, ...).
type EventRecord struct {
	At   time.Time `json:"at"`
	Job  string    `json:"job"`
	Kind string    `json:"kind"`
}

// RecordFromRun converts a finished run. Output keeps its last MaxOutputTail bytes.
func RecordFromRun(r job.RunInfo) RunRecord {
	rec := RunRecord{
		RunID:      r.ID.String(),
		Job:        r.Job,
		Index:      r.Index,
		Reason:     r.Reason.String(),
		Status:     r.Status.String(),
		DueTime:    r.DueTime,
		Overridden: r.DueTimeWasOverridden,
		StartedAt:  r.StartTime,
		Error:      r.ErrString(),
		OutputTail: tail(r.Output, MaxOutputTail),
	}
	if r.EndTime != nil {
		rec.EndedAt = *r.EndTime
		rec.TookMS = r.EndTime.Sub(r.StartTime).Milliseconds()
	}
	return rec
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
