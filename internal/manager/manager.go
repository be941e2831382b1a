// Package manager is the job management facade used by the CLI and the app.
//
// It wraps a scheduler, turns every successful change into a JobChanged
// notification, and mirrors run activity onto an event bus.
package manager

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"jobloop/internal/eventbus"
	"jobloop/internal/job"
	"jobloop/internal/lifecycle"
	"jobloop/internal/scheduler"
	"jobloop/internal/schedule"
	logx "jobloop/pkg/logx"
)

type options struct {
	bus       eventbus.Bus
	log       logx.Logger
	schedOpts []scheduler.Option
}

type Option func(*options)

// WithBus publishes events on bus (default: a private bus).
func WithBus(bus eventbus.Bus) Option { return func(o *options) { o.bus = bus } }

func WithLogger(log logx.Logger) Option { return func(o *options) { o.log = log } }

// WithSchedulerOptions passes options to the underlying scheduler.
func WithSchedulerOptions(opts ...scheduler.Option) Option {
	return func(o *options) { o.schedOpts = append(o.schedOpts, opts...) }
}

type Manager struct {
	sched *scheduler.Scheduler
	bus   eventbus.Bus
	log   logx.Logger

	mu        sync.RWMutex
	listeners map[uint64]func(JobChanged)
	seq       atomic.Uint64
}

func New(opts ...Option) (*Manager, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.log.IsZero() {
		o.log = logx.Nop()
	}
	if o.bus == nil {
		o.bus = eventbus.New()
	}
	m := &Manager{
		bus:       o.bus,
		log:       o.log.With(logx.String("type", "manager")),
		listeners: map[uint64]func(JobChanged){},
	}
	schedOpts := append([]scheduler.Option{scheduler.WithLogger(o.log)}, o.schedOpts...)
	schedOpts = append(schedOpts, scheduler.WithEventSink(m.onRunEvent))
	sched, err := scheduler.New(schedOpts...)
	if err != nil {
		return nil, opErr("create manager", "", err)
	}
	m.sched = sched
	return m, nil
}

// Scheduler exposes the underlying scheduler for diagnostics.
func (m *Manager) Scheduler() *scheduler.Scheduler { return m.sched }

// Bus returns the bus events are published on.
func (m *Manager) Bus() eventbus.Bus { return m.bus }

func (m *Manager) State() lifecycle.State { return m.sched.State() }

func (m *Manager) Start() error   { return opErr("start", "", m.sched.Start()) }
func (m *Manager) Stop() error    { return opErr("stop", "", m.sched.Stop()) }
func (m *Manager) Dispose() error { return opErr("dispose", "", m.sched.Dispose()) }

// Subscribe registers fn for JobChanged notifications. fn runs synchronously
// on the caller of the change and must not call back into the manager.
func (m *Manager) Subscribe(fn func(JobChanged)) (unsubscribe func()) {
	id := m.seq.Add(1)
	m.mu.Lock()
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

func (m *Manager) changed(name string, kind ChangeKind) {
	ev := JobChanged{JobName: name, Kind: kind}
	m.log.Debug("job changed", logx.String("job", name), logx.String("kind", kind.String()))
	m.bus.Publish(eventbus.Event{Topic: TopicJobChanged, Data: ev})

	m.mu.RLock()
	fns := make([]func(JobChanged), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.RUnlock()
	for _, fn := range fns {
		m.notify(fn, ev)
	}
}

func (m *Manager) notify(fn func(JobChanged), ev JobChanged) {
	defer func() {
		if p := recover(); p != nil {
			m.log.Error("job change listener panicked", logx.Any("panic", p))
		}
	}()
	fn(ev)
}

func (m *Manager) onRunEvent(ev scheduler.Event) {
	switch ev.Kind {
	case scheduler.EventRunStarted:
		m.bus.Publish(eventbus.Event{Topic: TopicRunStarted, Data: RunStarted{JobName: ev.Job, Reason: ev.Reason}})
	case scheduler.EventRunFinished:
		m.bus.Publish(eventbus.Event{Topic: TopicRunFinished, Data: RunFinished{Run: ev.Run}})
	}
}

func (m *Manager) Create(name string, routine job.Routine, opts ...job.Option) error {
	if _, err := m.sched.CreateJob(name, routine, opts...); err != nil {
		return opErr("create", name, err)
	}
	m.changed(name, Registered)
	return nil
}

func (m *Manager) Remove(name string) error {
	if err := m.sched.Remove(name); err != nil {
		return opErr("remove", name, err)
	}
	m.changed(name, Removed)
	return nil
}

func (m *Manager) ChangeSchedule(name string, src schedule.Source) error {
	if err := m.sched.ChangeSchedule(name, src); err != nil {
		return opErr("change schedule", name, err)
	}
	m.changed(name, ScheduleChanged)
	return nil
}

// ChangeDueTime overrides the due time; nil resets it to the schedule.
func (m *Manager) ChangeDueTime(name string, at *time.Time) error {
	if err := m.sched.OverrideDueTime(name, at); err != nil {
		return opErr("change due time", name, err)
	}
	if at == nil {
		m.changed(name, DueTimeReset)
	} else {
		m.changed(name, DueTimeChanged)
	}
	return nil
}

func (m *Manager) GetDueTime(name string) (job.DueTimeInfo, error) {
	r, err := m.sched.Job(name)
	if err != nil {
		return job.DueTimeInfo{}, opErr("get due time", name, err)
	}
	return r.Tracker().Info(), nil
}

// ManualStart forces a run. It reports false when one is already running.
func (m *Manager) ManualStart(name string) (bool, error) {
	started, err := m.sched.ForceStart(name)
	if err != nil {
		return false, opErr("manual start", name, err)
	}
	if started {
		m.changed(name, ForceStarted)
	}
	return started, nil
}

// RedirectOutput forwards the output of future runs to w (nil to stop).
func (m *Manager) RedirectOutput(name string, w io.Writer) error {
	r, err := m.sched.Job(name)
	if err != nil {
		return opErr("redirect output", name, err)
	}
	r.SetOutput(w)
	return nil
}

func (m *Manager) ChangeParameter(name string, p any) error {
	r, err := m.sched.Job(name)
	if err != nil {
		return opErr("change parameter", name, err)
	}
	r.SetParameter(p)
	m.changed(name, ParameterChanged)
	return nil
}

func (m *Manager) Enable(name string, enabled bool) error {
	op := "disable"
	if enabled {
		op = "enable"
	}
	var (
		changed bool
		err     error
	)
	if enabled {
		changed, err = m.sched.Enable(name)
	} else {
		changed, err = m.sched.Disable(name)
	}
	if err != nil {
		return opErr(op, name, err)
	}
	if changed {
		m.changed(name, IsEnabledChanged)
	}
	return nil
}

func (m *Manager) IsEnabled(name string) (bool, error) {
	enabled, err := m.sched.IsEnabled(name)
	return enabled, opErr("is enabled", name, err)
}

// Cancel reports whether a run was in progress.
func (m *Manager) Cancel(name string) (bool, error) {
	ok, err := m.sched.Cancel(name)
	if err != nil {
		return false, opErr("cancel", name, err)
	}
	if ok {
		m.changed(name, Canceled)
	}
	return ok, nil
}

func (m *Manager) GetInfo(name string, maxRuns int) (job.Info, error) {
	info, err := m.sched.GetInfo(name, maxRuns)
	return info, opErr("get info", name, err)
}

// SetTimeout bounds future runs of a job; zero removes the limit.
func (m *Manager) SetTimeout(name string, d time.Duration) error {
	r, err := m.sched.Job(name)
	if err != nil {
		return opErr("set timeout", name, err)
	}
	return opErr("set timeout", name, r.SetTimeout(d))
}

// SetRoutine replaces the routine used by future runs.
func (m *Manager) SetRoutine(name string, routine job.Routine) error {
	r, err := m.sched.Job(name)
	if err != nil {
		return opErr("set routine", name, err)
	}
	return opErr("set routine", name, r.SetRoutine(routine))
}

func (m *Manager) Names() []string { return m.sched.Jobs() }
