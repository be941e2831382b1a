package job

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"jobloop/internal/clock"
	"jobloop/internal/schedule"
	logx "jobloop/pkg/logx"
)

// DueTimeInfo is a snapshot of a job's due times.
type DueTimeInfo struct {
	ScheduleDueTime   time.Time  `json:"schedule_due_time"`
	OverriddenDueTime *time.Time `json:"overridden_due_time,omitempty"`
}

// EffectiveDueTime is the override when present, else the schedule value.
func (d DueTimeInfo) EffectiveDueTime() time.Time {
	if d.OverriddenDueTime != nil {
		return *d.OverriddenDueTime
	}
	return d.ScheduleDueTime
}

func (d DueTimeInfo) IsOverridden() bool { return d.OverriddenDueTime != nil }

var ErrNilSchedule = errors.New("schedule is nil")

// Tracker holds a job's schedule and its due times.
type Tracker struct {
	clock clock.Clock
	log   logx.Logger

	mu          sync.Mutex
	schedule    schedule.Source
	scheduleDue time.Time
	override    *time.Time
}

func NewTracker(src schedule.Source, clk clock.Clock, log logx.Logger) (*Tracker, error) {
	if src == nil {
		return nil, ErrNilSchedule
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	t := &Tracker{clock: clock.OrSystem(clk), log: log, schedule: src}
	t.scheduleDue = t.computeLocked()
	return t, nil
}

// SetSchedule replaces the schedule, clears any override and recomputes the due time.
func (t *Tracker) SetSchedule(src schedule.Source) error {
	if src == nil {
		return ErrNilSchedule
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.schedule = src
	t.override = nil
	t.scheduleDue = t.computeLocked()
	return nil
}

// SetScheduleUnlessOverridden replaces the schedule only while no override is
// set, checking and replacing under one lock. It reports whether it applied.
func (t *Tracker) SetScheduleUnlessOverridden(src schedule.Source) (bool, error) {
	if src == nil {
		return false, ErrNilSchedule
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.override != nil {
		return false, nil
	}
	t.schedule = src
	t.scheduleDue = t.computeLocked()
	return true, nil
}

// SetOverride makes at the effective due time. A nil at reverts to the
// schedule, recomputed from now.
func (t *Tracker) SetOverride(at *time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if at != nil {
		v := *at
		t.override = &v
		return
	}
	t.override = nil
	t.scheduleDue = t.computeLocked()
}

// RefreshScheduleDueTime recomputes the schedule due time and returns it.
func (t *Tracker) RefreshScheduleDueTime() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scheduleDue = t.computeLocked()
	return t.scheduleDue
}

func (t *Tracker) Info() DueTimeInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	info := DueTimeInfo{ScheduleDueTime: t.scheduleDue}
	if t.override != nil {
		v := *t.override
		info.OverriddenDueTime = &v
	}
	return info
}

func (t *Tracker) Schedule() schedule.Source {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.schedule
}

// consume returns the due info and advances past it: an override is
// cleared, otherwise the schedule moves to its next occurrence.
func (t *Tracker) consume() DueTimeInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	info := DueTimeInfo{ScheduleDueTime: t.scheduleDue}
	if t.override != nil {
		v := *t.override
		info.OverriddenDueTime = &v
		t.override = nil
	}
	t.scheduleDue = t.computeLocked()
	return info
}

func (t *Tracker) computeLocked() (due time.Time) {
	after := t.clock.Now().Add(clock.Tick)
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("schedule panicked; job will not be due", logx.Any("panic", r))
			due = schedule.Never
		}
	}()
	due = t.schedule.DueTimeAfter(after)
	if !due.After(after) && !schedule.IsNever(due) {
		t.log.Warn("schedule returned a due time not after its argument; treating as never",
			logx.Time("after", after), logx.Time("due", due), logx.String("schedule", schedule.Describe(t.schedule)))
		return schedule.Never
	}
	return due
}
