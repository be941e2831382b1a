package app

import (
	"context"
	"time"

	"jobloop/internal/lifecycle"
	logx "jobloop/pkg/logx"
)

// JobStatus is one line of the status report.
type JobStatus struct {
	Name      string    `json:"name"`
	Enabled   bool      `json:"enabled"`
	Schedule  string    `json:"schedule"`
	DueTime   time.Time `json:"due_time"`
	Running   bool      `json:"running"`
	TotalRuns int       `json:"total_runs"`
}

// Status is a point-in-time view of the app.
type Status struct {
	State      lifecycle.State `json:"state"`
	Jobs       []JobStatus     `json:"jobs"`
	Running    int             `json:"running"`
	NextJob    string          `json:"next_job,omitempty"`
	NextDue    time.Time       `json:"next_due,omitempty"`
	LoopFails  uint64          `json:"loop_failures"`
	BusDropped uint64          `json:"bus_dropped"`
	ActiveRuns int64           `json:"active_runs"`
}

func (a *App) Status() Status {
	sched := a.mgr.Scheduler()
	st := Status{
		State:      a.mgr.State(),
		LoopFails:  sched.Failures(),
		BusDropped: a.bus.Dropped(),
	}
	for _, name := range a.mgr.Names() {
		info, err := a.mgr.GetInfo(name, 0)
		if err != nil {
			continue
		}
		js := JobStatus{
			Name:      info.Name,
			Enabled:   info.Enabled,
			Schedule:  info.Schedule,
			DueTime:   info.DueTime.EffectiveDueTime(),
			Running:   info.Current != nil,
			TotalRuns: info.TotalRuns,
		}
		if js.Running {
			st.Running++
		}
		st.Jobs = append(st.Jobs, js)
	}
	if name, due, ok := sched.NextDue(); ok {
		st.NextJob, st.NextDue = name, due
	}
	st.ActiveRuns = sched.Runs().Counters.Active
	return st
}

func (a *App) statusLoop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.logStatus()
		}
	}
}

func (a *App) logStatus() {
	st := a.Status()
	for _, js := range st.Jobs {
		a.log.Debug("job status",
			logx.String("job", js.Name),
			logx.Bool("enabled", js.Enabled),
			logx.String("schedule", js.Schedule),
			logx.Time("due", js.DueTime),
			logx.Bool("running", js.Running),
			logx.Int("total_runs", js.TotalRuns))
	}
	fields := []logx.Field{
		logx.String("state", st.State.String()),
		logx.Int("jobs", len(st.Jobs)),
		logx.Int("running", st.Running),
		logx.Uint64("loop_failures", st.LoopFails),
		logx.Uint64("bus_dropped", st.BusDropped),
	}
	if st.NextJob != "" {
		fields = append(fields, logx.String("next_job", st.NextJob), logx.Time("next_due", st.NextDue))
	}
	a.log.Info("status", fields...)
}
