// Package scheduler runs jobs at their due times.
//
// A Scheduler is a loop engine whose work cycle scans the job table,
// dispatches every job whose effective due time has passed, and sleeps until
// the earliest remaining one (minus a small leeway). Job runs execute on their
// own goroutines, so a slow job never delays the scan.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"jobloop/internal/clock"
	"jobloop/internal/job"
	"jobloop/internal/lifecycle"
	"jobloop/internal/loop"
	"jobloop/internal/runtime/supervisor"
	"jobloop/internal/schedule"
	logx "jobloop/pkg/logx"
)

// DefaultLeeway is how early the loop wakes before a due time.
const DefaultLeeway = 10 * time.Millisecond

var (
	ErrJobExists         = errors.New("job already exists")
	ErrJobNotFound       = errors.New("job not found")
	ErrDueTimeOverridden = errors.New("due time is overridden; clear the override first")
)

type EventKind int

const (
	EventRunStarted EventKind = iota
	EventRunFinished
)

func (k EventKind) String() string {
	if k == EventRunFinished {
		return "run.finished"
	}
	return "run.started"
}

// Event reports run activity. Run is a snapshot; for EventRunStarted only
// Job, Reason and Index are meaningful.
type Event struct {
	Kind   EventKind
	Job    string
	Reason job.StartReason
	Run    job.RunInfo
}

// EventSink receives events synchronously and must not block.
type EventSink func(Event)

type options struct {
	name         string
	clock        clock.Clock
	leeway       time.Duration
	log          logx.Logger
	errorTimeout time.Duration
	historyLimit int
	policy       job.DisablePolicy
	sink         EventSink
}

type Option func(*options)

// WithName names the scheduler in logs and errors (default "scheduler").
func WithName(name string) Option { return func(o *options) { o.name = name } }

func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

func WithLeeway(d time.Duration) Option { return func(o *options) { o.leeway = d } }

func WithLogger(log logx.Logger) Option { return func(o *options) { o.log = log } }

func WithErrorTimeout(d time.Duration) Option { return func(o *options) { o.errorTimeout = d } }

// WithHistoryLimit sets the default run history retained per job.
func WithHistoryLimit(n int) Option { return func(o *options) { o.historyLimit = n } }

func WithDisablePolicy(p job.DisablePolicy) Option { return func(o *options) { o.policy = p } }

func WithEventSink(sink EventSink) Option { return func(o *options) { o.sink = sink } }

type Scheduler struct {
	*loop.Engine

	clock        clock.Clock
	leeway       time.Duration
	log          logx.Logger
	jobLog       logx.Logger
	historyLimit int
	policy       job.DisablePolicy
	sink         EventSink
	changed      chan struct{}

	// Runs are bound to runs, not to the loop: stopping the scheduler
	// leaves in-flight runs alone, disposing it cancels them.
	runs *supervisor.Supervisor

	mu   sync.RWMutex
	jobs map[string]*job.Runner
}

// New creates a stopped scheduler.
func New(opts ...Option) (*Scheduler, error) {
	o := options{
		name:         "scheduler",
		leeway:       DefaultLeeway,
		errorTimeout: loop.DefaultErrorTimeout,
		historyLimit: job.DefaultHistoryLimit,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if err := loop.ValidateErrorTimeout(o.errorTimeout); err != nil {
		return nil, err
	}
	if o.leeway < 0 || o.leeway >= loop.VeryLongVacation {
		return nil, errors.Wrapf(loop.ErrOutOfRange, "leeway %s must be within [0, %s)", o.leeway, loop.VeryLongVacation)
	}
	if o.log.IsZero() {
		o.log = logx.Nop()
	}

	s := &Scheduler{
		clock:        clock.OrSystem(o.clock),
		leeway:       o.leeway,
		jobLog:       o.log,
		historyLimit: o.historyLimit,
		policy:       o.policy,
		sink:         o.sink,
		changed:      make(chan struct{}, 1),
		jobs:         map[string]*job.Runner{},
	}
	s.Engine = loop.New(o.name, loop.WorkerFunc(s.doWork),
		loop.WithKind("scheduler"),
		loop.WithLogger(o.log),
		loop.WithErrorTimeout(o.errorTimeout),
		loop.WithPausing(true),
		loop.WithSignal(s.changed),
		loop.WithHooks(lifecycle.Hooks{AfterDisposed: s.disposeJobs}),
	)
	s.log = s.Engine.Log()
	s.runs = supervisor.New(context.Background(), supervisor.WithLogger(s.log))
	return s, nil
}

// Leeway returns how early the loop wakes before a due time.
func (s *Scheduler) Leeway() time.Duration { return s.leeway }

// signalChanged wakes the loop to rescan the job table. Signals coalesce.
func (s *Scheduler) signalChanged() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

func (s *Scheduler) doWork(ctx context.Context) (time.Duration, error) {
	now := s.clock.Now()
	var (
		next  time.Time
		found bool
	)
	for _, r := range s.snapshot() {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		due := r.Tracker().Info().EffectiveDueTime()
		if schedule.IsNever(due) {
			continue
		}
		if !due.After(now) {
			s.dispatch(r)
			due = r.Tracker().Info().EffectiveDueTime()
			if schedule.IsNever(due) {
				continue
			}
		}
		if !found || due.Before(next) {
			next, found = due, true
		}
	}
	if !found {
		return loop.VeryLongVacation, nil
	}

	wait := next.Sub(now)
	// Wake early only when there is room; close to the due time sleep the
	// exact remainder so the next scan lands on it.
	if wait > s.leeway {
		wait -= s.leeway
	}
	return wait, nil
}

func (s *Scheduler) dispatch(r *job.Runner) {
	reason, ok := r.Dispatch(s.runs.Context())
	if !ok {
		s.log.Debug("due job not started",
			logx.String("job", r.Name()),
			logx.Bool("enabled", r.Enabled()),
			logx.Bool("running", r.IsRunning()))
		return
	}
	s.emit(Event{Kind: EventRunStarted, Job: r.Name(), Reason: reason})
}

func (s *Scheduler) emit(ev Event) {
	if s.sink == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("event sink panicked", logx.Any("panic", p))
		}
	}()
	s.sink(ev)
}

func (s *Scheduler) snapshot() []*job.Runner {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*job.Runner, 0, len(s.jobs))
	for _, r := range s.jobs {
		out = append(out, r)
	}
	return out
}

func (s *Scheduler) runner(op, name string) (*job.Runner, error) {
	if err := s.CheckNot(op); err != nil {
		return nil, err
	}
	s.mu.RLock()
	r := s.jobs[name]
	s.mu.RUnlock()
	if r == nil {
		return nil, errors.Wrapf(ErrJobNotFound, "%s %q", op, name)
	}
	return r, nil
}

// CreateJob registers a job. Without job.WithSchedule it is never due and
// only runs when forced.
func (s *Scheduler) CreateJob(name string, routine job.Routine, opts ...job.Option) (*Handle, error) {
	if err := s.CheckNot("create job"); err != nil {
		return nil, err
	}
	base := []job.Option{
		job.WithClock(s.clock),
		job.WithLogger(s.jobLog),
		job.WithHistoryLimit(s.historyLimit),
		job.WithDisablePolicy(s.policy),
		job.WithSupervisor(s.runs),
	}
	r, err := job.NewRunner(name, routine, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	r.OnFinished(func(info job.RunInfo) {
		s.emit(Event{Kind: EventRunFinished, Job: info.Job, Reason: info.Reason, Run: info})
	})

	s.mu.Lock()
	if _, exists := s.jobs[name]; exists {
		s.mu.Unlock()
		r.Dispose()
		return nil, errors.Wrapf(ErrJobExists, "%q", name)
	}
	s.jobs[name] = r
	s.mu.Unlock()

	s.log.Debug("job created", logx.String("job", name), logx.String("schedule", schedule.Describe(r.Tracker().Schedule())))
	s.signalChanged()
	return &Handle{s: s, name: name}, nil
}

// Remove unregisters a job and cancels its in-flight run.
func (s *Scheduler) Remove(name string) error {
	if err := s.CheckNot("remove job"); err != nil {
		return err
	}
	s.mu.Lock()
	r := s.jobs[name]
	delete(s.jobs, name)
	s.mu.Unlock()
	if r == nil {
		return errors.Wrapf(ErrJobNotFound, "remove job %q", name)
	}
	r.Dispose()
	s.signalChanged()
	return nil
}

// ChangeSchedule replaces a job's schedule. It fails while the due time is
// overridden.
func (s *Scheduler) ChangeSchedule(name string, src schedule.Source) error {
	r, err := s.runner("change schedule", name)
	if err != nil {
		return err
	}
	applied, err := r.Tracker().SetScheduleUnlessOverridden(src)
	if err != nil {
		return err
	}
	if !applied {
		return errors.Wrapf(ErrDueTimeOverridden, "change schedule %q", name)
	}
	s.signalChanged()
	return nil
}

// OverrideDueTime sets (or, with nil, clears) a job's overridden due time.
func (s *Scheduler) OverrideDueTime(name string, at *time.Time) error {
	r, err := s.runner("override due time", name)
	if err != nil {
		return err
	}
	r.Tracker().SetOverride(at)
	s.signalChanged()
	return nil
}

// Enable reports whether the flag changed.
func (s *Scheduler) Enable(name string) (bool, error) { return s.setEnabled(name, true) }

// Disable reports whether the flag changed.
func (s *Scheduler) Disable(name string) (bool, error) { return s.setEnabled(name, false) }

func (s *Scheduler) setEnabled(name string, enabled bool) (bool, error) {
	op := "disable job"
	if enabled {
		op = "enable job"
	}
	r, err := s.runner(op, name)
	if err != nil {
		return false, err
	}
	changed := r.SetEnabled(enabled)
	if changed {
		s.signalChanged()
	}
	return changed, nil
}

func (s *Scheduler) IsEnabled(name string) (bool, error) {
	r, err := s.runner("query job", name)
	if err != nil {
		return false, err
	}
	return r.Enabled(), nil
}

// Cancel requests cancellation of a job's current run and reports whether
// one was in progress.
func (s *Scheduler) Cancel(name string) (bool, error) {
	r, err := s.runner("cancel job", name)
	if err != nil {
		return false, err
	}
	return r.Cancel(), nil
}

// ForceStart runs a job now, even when disabled or when the scheduler is
// stopped. It reports false when a run is already in progress.
func (s *Scheduler) ForceStart(name string) (bool, error) {
	r, err := s.runner("force start", name)
	if err != nil {
		return false, err
	}
	if !r.Start(job.StartForce, s.runs.Context()) {
		return false, nil
	}
	s.emit(Event{Kind: EventRunStarted, Job: name, Reason: job.StartForce})
	return true, nil
}

// GetInfo returns a job's state with up to maxRuns finished runs.
func (s *Scheduler) GetInfo(name string, maxRuns int) (job.Info, error) {
	r, err := s.runner("get info", name)
	if err != nil {
		return job.Info{}, err
	}
	return r.Info(maxRuns)
}

// Job returns the runner registered under name.
func (s *Scheduler) Job(name string) (*job.Runner, error) { return s.runner("get job", name) }

// Jobs returns the registered job names, sorted.
func (s *Scheduler) Jobs() []string {
	s.mu.RLock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	return names
}

// NextDue returns the job with the earliest effective due time.
func (s *Scheduler) NextDue() (string, time.Time, bool) {
	var (
		name string
		next time.Time
	)
	for _, r := range s.snapshot() {
		due := r.Tracker().Info().EffectiveDueTime()
		if schedule.IsNever(due) {
			continue
		}
		if name == "" || due.Before(next) || (due.Equal(next) && r.Name() < name) {
			name, next = r.Name(), due
		}
	}
	return name, next, name != ""
}

// Runs returns goroutine statistics for job runs.
func (s *Scheduler) Runs() supervisor.Snapshot { return s.runs.Snapshot() }

func (s *Scheduler) disposeJobs() error {
	s.mu.Lock()
	runners := make([]*job.Runner, 0, len(s.jobs))
	for _, r := range s.jobs {
		runners = append(runners, r)
	}
	s.jobs = map[string]*job.Runner{}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, r := range runners {
		wg.Add(1)
		go func(r *job.Runner) {
			defer wg.Done()
			r.Dispose()
		}(r)
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), job.DisposeWait)
	defer cancel()
	if err := s.runs.Stop(ctx); err != nil && errors.Is(err, context.DeadlineExceeded) {
		s.log.Warn("job runs still active after dispose", logx.Int64("active", s.runs.Counters().Active))
	}
	return nil
}
