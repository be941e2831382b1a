package app

import (
	"slices"
	"time"

	"jobloop/internal/config"
	"jobloop/internal/job"
	"jobloop/internal/schedule"
	logx "jobloop/pkg/logx"
)

// syncJobs brings the manager in line with cfg.Jobs. diff names the jobs to
// touch; resolveAll re-resolves every other job too (timezone or default
// timeout changed). Errors are logged per job so one bad job never blocks
// the rest.
func (a *App) syncJobs(cfg *config.Config, diff config.JobDiff, resolveAll bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, name := range diff.Removed {
		if err := a.mgr.Remove(name); err != nil {
			a.log.Warn("remove job failed", logx.String("job", name), logx.Err(err))
		}
		delete(a.applied, name)
	}

	touched := make(map[string]bool, len(diff.Added)+len(diff.Changed))
	for _, name := range diff.Added {
		touched[name] = true
		jc, ok := cfg.Job(name)
		if !ok {
			continue
		}
		a.createJobLocked(jc)
	}
	for _, name := range diff.Changed {
		touched[name] = true
		jc, ok := cfg.Job(name)
		if !ok {
			continue
		}
		prev, known := a.applied[name]
		if !known {
			a.createJobLocked(jc)
			continue
		}
		a.updateJobLocked(prev, jc, false)
	}

	if resolveAll {
		for _, jc := range cfg.Jobs {
			if touched[jc.Name] {
				continue
			}
			if prev, ok := a.applied[jc.Name]; ok {
				a.updateJobLocked(prev, jc, true)
			}
		}
	}
}

func (a *App) resolve(jc config.JobConfig) (config.JobSpec, bool) {
	spec, err := jc.Resolve(a.settings.Location, a.settings.DefaultTimeout)
	if err != nil {
		a.log.Warn("invalid job; skipped", logx.String("job", jc.Name), logx.Err(err))
		return config.JobSpec{}, false
	}
	return spec, true
}

// scheduleFor applies the optional first-run spread.
func (a *App) scheduleFor(spec config.JobSpec) schedule.Source {
	if spec.Spread <= 0 {
		return spec.Schedule
	}
	src, jitter := schedule.NewSpread(spec.Schedule, time.Now(), spec.Spread, spec.Name)
	if jitter > 0 {
		a.log.Debug("first run spread", logx.String("job", spec.Name), logx.Duration("jitter", jitter))
	}
	return src
}

func (a *App) createJobLocked(jc config.JobConfig) {
	spec, ok := a.resolve(jc)
	if !ok {
		return
	}
	err := a.mgr.Create(spec.Name, routineFor(spec),
		job.WithSchedule(a.scheduleFor(spec)),
		job.WithParameter(spec.Parameter),
		job.WithTimeout(spec.Timeout),
		job.WithEnabled(spec.Enabled),
	)
	if err != nil {
		a.log.Warn("create job failed", logx.String("job", spec.Name), logx.Err(err))
		return
	}
	a.applied[spec.Name] = jc
	a.log.Info("job registered",
		logx.String("job", spec.Name),
		logx.String("schedule", schedule.Describe(spec.Schedule)),
		logx.Bool("enabled", spec.Enabled))
}

// updateJobLocked applies the differences between prev and next. With
// force the schedule and timeout are reapplied even if unchanged.
func (a *App) updateJobLocked(prev, next config.JobConfig, force bool) {
	spec, ok := a.resolve(next)
	if !ok {
		return
	}
	name := spec.Name
	warn := func(op string, err error) {
		if err != nil {
			a.log.Warn("update job failed", logx.String("job", name), logx.String("op", op), logx.Err(err))
		}
	}

	if force || prev.Schedule != next.Schedule || prev.Spread != next.Spread {
		if info, err := a.mgr.GetDueTime(name); err == nil && info.IsOverridden() {
			a.log.Info("due time override dropped by schedule change", logx.String("job", name))
			warn("reset due time", a.mgr.ChangeDueTime(name, nil))
		}
		warn("change schedule", a.mgr.ChangeSchedule(name, a.scheduleFor(spec)))
	}
	if prev.Command != next.Command || prev.Dir != next.Dir || !slices.Equal(prev.Env, next.Env) ||
		prev.Unit != next.Unit || prev.UnitAction != next.UnitAction {
		warn("set routine", a.mgr.SetRoutine(name, routineFor(spec)))
	}
	if force || prev.Timeout != next.Timeout {
		warn("set timeout", a.mgr.SetTimeout(name, spec.Timeout))
	}
	if prev.Parameter != next.Parameter {
		warn("change parameter", a.mgr.ChangeParameter(name, spec.Parameter))
	}
	if prev.IsEnabled() != next.IsEnabled() {
		warn("enable", a.mgr.Enable(name, spec.Enabled))
	}
	a.applied[name] = next
}
