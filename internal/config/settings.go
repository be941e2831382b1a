package config

import (
	"net"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kballard/go-shellquote"

	"jobloop/internal/job"
	"jobloop/internal/loop"
	"jobloop/internal/schedule"
	logx "jobloop/pkg/logx"
	"jobloop/pkg/unitctl"
)

// Settings is the resolved scheduler section.
type Settings struct {
	Location       *time.Location
	ErrorTimeout   time.Duration
	Leeway         time.Duration
	HistorySize    int
	DisablePolicy  job.DisablePolicy
	DefaultTimeout time.Duration
	StatusInterval time.Duration
}

const defaultLeeway = 10 * time.Millisecond

// Resolve parses the scheduler section and applies defaults.
func (s SchedulerConfig) Resolve() (Settings, error) {
	out := Settings{Location: time.Local, HistorySize: job.DefaultHistoryLimit}

	if tz := strings.TrimSpace(s.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return Settings{}, errors.Wrapf(err, "scheduler.timezone: unknown zone %q", tz)
		}
		out.Location = loc
	}

	var err error
	if out.ErrorTimeout, err = ParseDurationOrDefault("scheduler.error_timeout", s.ErrorTimeout, loop.DefaultErrorTimeout); err != nil {
		return Settings{}, err
	}
	if err := loop.ValidateErrorTimeout(out.ErrorTimeout); err != nil {
		return Settings{}, errors.Wrap(err, "scheduler.error_timeout")
	}

	out.Leeway = defaultLeeway
	if strings.TrimSpace(s.Leeway) != "" {
		if out.Leeway, err = ParseDurationField("scheduler.leeway", s.Leeway); err != nil {
			return Settings{}, err
		}
	}

	if s.HistorySize < 0 {
		return Settings{}, errors.Newf("scheduler.history_size: must be >= 0, got %d", s.HistorySize)
	}
	if s.HistorySize > 0 {
		out.HistorySize = s.HistorySize
	}
	if out.DisablePolicy, err = job.ParseDisablePolicy(s.DisablePolicy); err != nil {
		return Settings{}, errors.Wrap(err, "scheduler.disable_policy")
	}
	if out.DefaultTimeout, err = ParseDurationField("scheduler.default_timeout", s.DefaultTimeout); err != nil {
		return Settings{}, err
	}
	if out.StatusInterval, err = ParseDurationField("scheduler.status_interval", s.StatusInterval); err != nil {
		return Settings{}, err
	}
	return out, nil
}

// JobSpec is a resolved job declaration.
type JobSpec struct {
	Name     string
	Schedule schedule.Source
	Argv     []string
	Dir      string
	Env      []string

	// Unit is set for unit jobs; Argv is empty then.
	Unit       string
	UnitAction unitctl.Action

	Timeout   time.Duration
	Spread    time.Duration
	Enabled   bool
	Parameter string
}

// Resolve parses the job's schedule in loc and splits its command (or
// checks its unit action).
// defaultTimeout applies when the job sets none.
func (j JobConfig) Resolve(loc *time.Location, defaultTimeout time.Duration) (JobSpec, error) {
	name := strings.TrimSpace(j.Name)
	if name == "" {
		return JobSpec{}, errors.New("name required")
	}
	field := func(f string) string { return "jobs[" + name + "]." + f }

	src, err := schedule.Parse(j.Schedule, loc)
	if err != nil {
		return JobSpec{}, errors.Wrap(err, field("schedule"))
	}
	var (
		argv   []string
		unit   string
		action unitctl.Action
	)
	switch hasCmd, hasUnit := strings.TrimSpace(j.Command) != "", strings.TrimSpace(j.Unit) != ""; {
	case hasCmd && hasUnit:
		return JobSpec{}, errors.Newf("%s: command and unit are mutually exclusive", field("unit"))
	case hasUnit:
		unit = unitctl.NormalizeUnit(j.Unit)
		if action, err = unitctl.ParseAction(j.UnitAction); err != nil {
			return JobSpec{}, errors.Wrap(err, field("unit_action"))
		}
	default:
		if argv, err = shellquote.Split(j.Command); err != nil {
			return JobSpec{}, errors.Wrap(err, field("command"))
		}
		if len(argv) == 0 {
			return JobSpec{}, errors.Newf("%s: required", field("command"))
		}
	}
	timeout, err := ParseDurationOrDefault(field("timeout"), j.Timeout, defaultTimeout)
	if err != nil {
		return JobSpec{}, err
	}
	spread, err := ParseDurationField(field("spread"), j.Spread)
	if err != nil {
		return JobSpec{}, err
	}
	return JobSpec{
		Name:       name,
		Schedule:   src,
		Argv:       argv,
		Dir:        j.Dir,
		Env:        j.Env,
		Unit:       unit,
		UnitAction: action,
		Timeout:    timeout,
		Spread:     spread,
		Enabled:    j.IsEnabled(),
		Parameter:  j.Parameter,
	}, nil
}

// Validate checks the whole config and reports every problem found.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("invalid config: nil")
	}
	var problems []string
	add := func(err error) {
		if err != nil {
			problems = append(problems, err.Error())
		}
	}

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" {
		if !logx.ValidLevel(lvl) {
			add(errors.Newf("logging.level: unknown level %q", lvl))
		}
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add(errors.New("logging.file.path: required when file logging is enabled"))
	}
	if a := cfg.Logging.Alert; a.Enabled && strings.TrimSpace(a.MinLevel) != "" {
		if !logx.ValidLevel(a.MinLevel) {
			add(errors.Newf("logging.alert.min_level: unknown level %q", a.MinLevel))
		}
	}

	settings, err := cfg.Scheduler.Resolve()
	add(err)
	if err != nil {
		settings = Settings{Location: time.Local}
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				add(errors.New("storage.path: required"))
			}
		default:
			add(errors.Newf("storage.driver: unknown driver %q", s.Driver))
		}
		_, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout)
		add(err)
	}

	if d := cfg.Diagnostics; d.Enabled && strings.TrimSpace(d.Addr) != "" {
		if _, _, err := net.SplitHostPort(strings.TrimSpace(d.Addr)); err != nil {
			add(errors.Wrap(err, "diagnostics.addr"))
		}
	}

	seen := make(map[string]bool, len(cfg.Jobs))
	for i, j := range cfg.Jobs {
		spec, err := j.Resolve(settings.Location, settings.DefaultTimeout)
		if err != nil {
			add(errors.Wrapf(err, "jobs[%d]", i))
			continue
		}
		if seen[spec.Name] {
			add(errors.Newf("jobs[%d]: duplicate name %q", i, spec.Name))
		}
		seen[spec.Name] = true
	}

	if len(problems) > 0 {
		return errors.Newf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
