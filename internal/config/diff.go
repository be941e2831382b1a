package config

import (
	"reflect"
	"sort"
	"strings"

	logx "jobloop/pkg/logx"
)

// JobDiff lists job names by how they changed between two configs.
type JobDiff struct {
	Added   []string
	Removed []string
	Changed []string
}

func (d JobDiff) Empty() bool { return len(d.Added)+len(d.Removed)+len(d.Changed) == 0 }

// SummarizeConfigChange returns (1) a sorted list of changed sections,
// (2) structured attrs for logging, and (3) the per-job diff.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, JobDiff) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}

	if !reflect.DeepEqual(trimScheduler(oldCfg.Scheduler), trimScheduler(newCfg.Scheduler)) {
		s := trimScheduler(newCfg.Scheduler)
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.timezone", s.Timezone),
			logx.String("scheduler.error_timeout", s.ErrorTimeout),
			logx.String("scheduler.leeway", s.Leeway),
			logx.Int("scheduler.history_size", s.HistorySize),
			logx.String("scheduler.disable_policy", s.DisablePolicy),
		)
	}

	// Nil means disabled.
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	if s := oldCfg.Storage; s != nil {
		oDriver, oBusy, oPathSet = strings.TrimSpace(s.Driver), strings.TrimSpace(s.BusyTimeout), strings.TrimSpace(s.Path) != ""
	}
	if s := newCfg.Storage; s != nil {
		nDriver, nBusy, nPathSet = strings.TrimSpace(s.Driver), strings.TrimSpace(s.BusyTimeout), strings.TrimSpace(s.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	if oldCfg.Diagnostics != newCfg.Diagnostics {
		d := newCfg.Diagnostics
		changed = append(changed, "diagnostics")
		attrs = append(attrs,
			logx.Bool("diagnostics.enabled", d.Enabled),
			logx.String("diagnostics.addr", d.Addr),
			logx.Bool("diagnostics.token_set", d.Token != ""),
			logx.Bool("diagnostics.pprof", d.Pprof),
		)
	}

	jobs := diffJobs(oldCfg.Jobs, newCfg.Jobs)
	if !jobs.Empty() {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Int("jobs.added", len(jobs.Added)),
			logx.Int("jobs.removed", len(jobs.Removed)),
			logx.Int("jobs.changed", len(jobs.Changed)),
			logx.Int("jobs.total", len(newCfg.Jobs)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, jobs
}

func trimScheduler(s SchedulerConfig) SchedulerConfig {
	s.Timezone = strings.TrimSpace(s.Timezone)
	s.ErrorTimeout = strings.TrimSpace(s.ErrorTimeout)
	s.Leeway = strings.TrimSpace(s.Leeway)
	s.DisablePolicy = strings.TrimSpace(s.DisablePolicy)
	s.DefaultTimeout = strings.TrimSpace(s.DefaultTimeout)
	s.StatusInterval = strings.TrimSpace(s.StatusInterval)
	return s
}

func diffJobs(oldJobs, newJobs []JobConfig) JobDiff {
	index := func(jobs []JobConfig) map[string]JobConfig {
		m := make(map[string]JobConfig, len(jobs))
		for _, j := range jobs {
			m[strings.TrimSpace(j.Name)] = j
		}
		return m
	}
	oldM, newM := index(oldJobs), index(newJobs)

	var d JobDiff
	for name, n := range newM {
		o, ok := oldM[name]
		switch {
		case !ok:
			d.Added = append(d.Added, name)
		case !reflect.DeepEqual(o, n):
			d.Changed = append(d.Changed, name)
		}
	}
	for name := range oldM {
		if _, ok := newM[name]; !ok {
			d.Removed = append(d.Removed, name)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Changed)
	return d
}
