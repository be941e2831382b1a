package scheduler

import (
	"time"

	"jobloop/internal/job"
	"jobloop/internal/schedule"
)

// Handle addresses one job of a scheduler by name.
type Handle struct {
	s    *Scheduler
	name string
}

func (h *Handle) Name() string { return h.name }

func (h *Handle) Info(maxRuns int) (job.Info, error) { return h.s.GetInfo(h.name, maxRuns) }

func (h *Handle) ForceStart() (bool, error) { return h.s.ForceStart(h.name) }

func (h *Handle) Cancel() (bool, error) { return h.s.Cancel(h.name) }

func (h *Handle) ChangeSchedule(src schedule.Source) error { return h.s.ChangeSchedule(h.name, src) }

func (h *Handle) OverrideDueTime(at *time.Time) error { return h.s.OverrideDueTime(h.name, at) }

func (h *Handle) SetEnabled(enabled bool) (bool, error) { return h.s.setEnabled(h.name, enabled) }

func (h *Handle) Remove() error { return h.s.Remove(h.name) }
