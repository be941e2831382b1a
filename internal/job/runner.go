// Package job runs a single job: its due-time tracker, its runs and their history.
package job

import (
	"context"
	"io"
	"math"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"jobloop/internal/clock"
	"jobloop/internal/lifecycle"
	"jobloop/internal/runtime/supervisor"
	"jobloop/internal/schedule"
	logx "jobloop/pkg/logx"
)

const (
	// DefaultHistoryLimit is how many finished runs a job keeps.
	DefaultHistoryLimit = 200
	// AllRuns asks Info for the whole retained history.
	AllRuns = math.MaxInt32
	// DisposeWait bounds how long Dispose waits for a canceled run to return.
	DisposeWait = 5 * time.Second
)

var (
	ErrEmptyName       = errors.New("job name is empty")
	ErrNilRoutine      = errors.New("routine is nil")
	ErrNegativeMaxRuns = errors.New("max run count must not be negative")
	ErrNegativeTimeout = errors.New("timeout must not be negative")
)

// DisablePolicy decides what disabling a job does to its in-flight run.
type DisablePolicy int

const (
	// DisableLetFinish lets the current run complete.
	DisableLetFinish DisablePolicy = iota
	// DisableCancelRun cancels the current run.
	DisableCancelRun
)

func (p DisablePolicy) String() string {
	if p == DisableCancelRun {
		return "cancel"
	}
	return "let-finish"
}

// ParseDisablePolicy accepts "let-finish" (or "") and "cancel".
func ParseDisablePolicy(s string) (DisablePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "let-finish", "let_finish", "finish":
		return DisableLetFinish, nil
	case "cancel":
		return DisableCancelRun, nil
	default:
		return DisableLetFinish, errors.Newf("unknown disable policy %q (use let-finish or cancel)", s)
	}
}

type Option func(*Runner)

// WithSchedule sets the initial schedule (default: never due).
func WithSchedule(src schedule.Source) Option { return func(r *Runner) { r.initial = src } }

func WithClock(c clock.Clock) Option { return func(r *Runner) { r.clock = c } }

func WithLogger(log logx.Logger) Option { return func(r *Runner) { r.log = log } }

func WithParameter(p any) Option { return func(r *Runner) { r.parameter = p } }

// WithOutput forwards run output to w in addition to the captured copy.
func WithOutput(w io.Writer) Option { return func(r *Runner) { r.output = w } }

// WithTimeout bounds every run; zero means no limit.
func WithTimeout(d time.Duration) Option { return func(r *Runner) { r.timeout = d } }

func WithEnabled(enabled bool) Option { return func(r *Runner) { r.enabled = enabled } }

// WithHistoryLimit sets how many finished runs are retained (minimum 1).
func WithHistoryLimit(n int) Option { return func(r *Runner) { r.historyLimit = n } }

func WithDisablePolicy(p DisablePolicy) Option { return func(r *Runner) { r.policy = p } }

// WithSupervisor hosts run goroutines on sup. Its context is linked into
// every run, so canceling sup cancels in-flight runs.
func WithSupervisor(sup *supervisor.Supervisor) Option { return func(r *Runner) { r.sup = sup } }

// WithDisposeWait overrides DisposeWait for this runner.
func WithDisposeWait(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.disposeWait = d
		}
	}
}

type run struct {
	info   RunInfo
	cancel context.CancelFunc
	out    *captureWriter
	done   chan struct{}
}

// Runner owns one job's runs. At most one run is in progress at a time.
type Runner struct {
	name         string
	initial      schedule.Source
	clock        clock.Clock
	log          logx.Logger
	tracker      *Tracker
	historyLimit int
	policy       DisablePolicy
	sup          *supervisor.Supervisor
	ownSup       bool
	disposeWait  time.Duration

	mu         sync.Mutex
	routine    Routine
	parameter  any
	output     io.Writer
	timeout    time.Duration
	enabled    bool
	disposed   bool
	current    *run
	history    []RunInfo
	total      int
	onFinished []func(RunInfo)
}

// NewRunner creates an enabled job.
func NewRunner(name string, routine Routine, opts ...Option) (*Runner, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrEmptyName
	}
	if routine == nil {
		return nil, ErrNilRoutine
	}
	r := &Runner{
		name:         name,
		routine:      routine,
		enabled:      true,
		historyLimit: DefaultHistoryLimit,
		disposeWait:  DisposeWait,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.timeout < 0 {
		return nil, errors.Wrapf(ErrNegativeTimeout, "job %q", name)
	}
	if r.historyLimit < 1 {
		r.historyLimit = 1
	}
	if r.initial == nil {
		r.initial = schedule.NeverSchedule{}
	}
	r.clock = clock.OrSystem(r.clock)
	if r.log.IsZero() {
		r.log = logx.Nop()
	}
	r.log = r.log.With(logx.String("type", "job"), logx.String("name", name))
	if r.sup == nil {
		r.sup = supervisor.New(context.Background(), supervisor.WithLogger(r.log))
		r.ownSup = true
	}

	tracker, err := NewTracker(r.initial, r.clock, r.log)
	if err != nil {
		return nil, err
	}
	r.tracker = tracker
	return r, nil
}

func (r *Runner) Name() string { return r.name }

func (r *Runner) Tracker() *Tracker { return r.tracker }

// OnFinished registers fn to be called with every finalized run.
func (r *Runner) OnFinished(fn func(RunInfo)) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.onFinished = append(r.onFinished, fn)
	r.mu.Unlock()
}

// Start begins a run unless one is in progress, the runner is disposed, or
// the job is disabled and reason is not StartForce. A declined start on a
// disabled job still refreshes the schedule due time.
func (r *Runner) Start(reason StartReason, parent context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed || r.current != nil {
		return false
	}
	if !r.enabled && reason != StartForce {
		r.tracker.RefreshScheduleDueTime()
		return false
	}
	due := r.tracker.Info()
	if reason == StartSchedule {
		r.tracker.RefreshScheduleDueTime()
	}
	r.startLocked(reason, due, parent)
	return true
}

// Dispatch consumes the current due time and starts a run for it. The
// reason is StartOverride when the due time was overridden. The due time
// is consumed even when the run is declined.
func (r *Runner) Dispatch(parent context.Context) (StartReason, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	due := r.tracker.consume()
	reason := StartSchedule
	if due.IsOverridden() {
		reason = StartOverride
	}
	if r.disposed || r.current != nil || !r.enabled {
		return reason, false
	}
	r.startLocked(reason, due, parent)
	return reason, true
}

func (r *Runner) startLocked(reason StartReason, due DueTimeInfo, parent context.Context) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	if r.timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, r.timeout)
		base := cancel
		cancel = func() { cancelTimeout(); base() }
	}

	cur := &run{
		info: RunInfo{
			ID:                   uuid.New(),
			Job:                  r.name,
			Index:                r.total,
			Reason:               reason,
			DueTime:              due.EffectiveDueTime(),
			DueTimeWasOverridden: due.IsOverridden(),
			StartTime:            r.clock.Now(),
			Status:               StatusRunning,
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	index := r.total
	cur.out = newCaptureWriter(r.output, func(err error) {
		r.log.Warn("output sink failed; output is still captured", logx.Int("run", index), logx.Err(err))
	})
	r.total++
	r.current = cur

	rc := RunContext{
		Job:       r.name,
		RunIndex:  cur.info.Index,
		Parameter: r.parameter,
		Progress:  progressSink{r: r, run: cur},
		Output:    cur.out,
	}
	routine := r.routine

	r.log.Debug("run started",
		logx.Int("run", cur.info.Index),
		logx.String("reason", reason.String()),
		logx.Time("due", cur.info.DueTime))

	r.sup.Go("job."+r.name, func(supCtx context.Context) error {
		stop := context.AfterFunc(supCtx, cancel)
		defer stop()
		r.execute(ctx, cur, routine, rc)
		return nil
	})
}

func (r *Runner) execute(ctx context.Context, cur *run, routine Routine, rc RunContext) {
	var err error
	returned := false
	defer func() {
		if p := recover(); p != nil {
			err = panicError(p)
			returned = true
			r.log.Warn("routine panicked", logx.Int("run", rc.RunIndex), logx.Any("panic", p), logx.Stack(string(debug.Stack())))
		}
		r.finish(cur, classify(err, returned), err)
	}()
	err = routine(ctx, rc)
	returned = true
}

// panicError keeps error panic values (runtime errors included) as they are.
func panicError(p any) error {
	if err, ok := p.(error); ok {
		return err
	}
	return errors.Newf("routine panicked: %v", p)
}

func classify(err error, returned bool) RunStatus {
	switch {
	case !returned:
		// runtime.Goexit: the routine neither returned nor panicked.
		return StatusUnknown
	case err == nil:
		return StatusSucceeded
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return StatusCanceled
	default:
		return StatusFaulted
	}
}

func (r *Runner) finish(cur *run, status RunStatus, err error) {
	end := r.clock.Now()

	r.mu.Lock()
	cur.info.EndTime = &end
	cur.info.Status = status
	cur.info.Err = err
	cur.info.Output = cur.out.String()
	final := cur.info
	r.history = append(r.history, final)
	if over := len(r.history) - r.historyLimit; over > 0 {
		r.history = append([]RunInfo(nil), r.history[over:]...)
	}
	if r.current == cur {
		r.current = nil
	}
	callbacks := append(([]func(RunInfo))(nil), r.onFinished...)
	r.mu.Unlock()

	cur.cancel()
	close(cur.done)

	fields := []logx.Field{
		logx.Int("run", final.Index),
		logx.String("status", status.String()),
		logx.Duration("took", end.Sub(final.StartTime)),
	}
	switch status {
	case StatusSucceeded:
		r.log.Debug("run finished", fields...)
	case StatusCanceled:
		r.log.Info("run canceled", append(fields, logx.Err(err))...)
	case StatusFaulted:
		r.log.Warn("run faulted", append(fields, logx.Err(err))...)
	default:
		r.log.Warn("run ended without a result", fields...)
	}

	for _, fn := range callbacks {
		r.notify(fn, final)
	}
}

func (r *Runner) notify(fn func(RunInfo), info RunInfo) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("run finished callback panicked", logx.Any("panic", p))
		}
	}()
	fn(info)
}

// Cancel requests cancellation of the current run. It reports whether a run
// was in progress.
func (r *Runner) Cancel() bool {
	r.mu.Lock()
	cur := r.current
	r.mu.Unlock()
	if cur == nil {
		return false
	}
	cur.cancel()
	r.log.Debug("run cancel requested", logx.Int("run", cur.info.Index))
	return true
}

// IsRunning reports whether a run is in progress.
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current != nil
}

// Wait blocks until the current run (if any) finishes or ctx is done.
func (r *Runner) Wait(ctx context.Context) error {
	r.mu.Lock()
	cur := r.current
	r.mu.Unlock()
	if cur == nil {
		return nil
	}
	select {
	case <-cur.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Info returns the current run, up to maxRuns most recent finished runs
// (oldest first), the total run count and the due times.
func (r *Runner) Info(maxRuns int) (Info, error) {
	if maxRuns < 0 {
		return Info{}, errors.Wrapf(ErrNegativeMaxRuns, "got %d", maxRuns)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	info := Info{
		Name:      r.name,
		Enabled:   r.enabled,
		Schedule:  schedule.Describe(r.tracker.Schedule()),
		DueTime:   r.tracker.Info(),
		TotalRuns: r.total,
	}
	if r.current != nil {
		c := r.current.info
		c.Output = r.current.out.String()
		info.Current = &c
	}
	n := min(maxRuns, len(r.history))
	info.Runs = append([]RunInfo(nil), r.history[len(r.history)-n:]...)
	return info, nil
}

// SetEnabled changes the enable flag and reports whether it changed.
// Disabling with DisableCancelRun also cancels the current run.
func (r *Runner) SetEnabled(enabled bool) bool {
	r.mu.Lock()
	changed := r.enabled != enabled
	r.enabled = enabled
	cur := r.current
	r.mu.Unlock()

	if changed && !enabled && cur != nil && r.policy == DisableCancelRun {
		cur.cancel()
		r.log.Info("run canceled by disable", logx.Int("run", cur.info.Index))
	}
	return changed
}

func (r *Runner) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// SetParameter takes effect from the next run.
func (r *Runner) SetParameter(p any) {
	r.mu.Lock()
	r.parameter = p
	r.mu.Unlock()
}

func (r *Runner) Parameter() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.parameter
}

// SetOutput sets the sink for future runs; nil only captures.
func (r *Runner) SetOutput(w io.Writer) {
	r.mu.Lock()
	r.output = w
	r.mu.Unlock()
}

func (r *Runner) SetRoutine(routine Routine) error {
	if routine == nil {
		return ErrNilRoutine
	}
	r.mu.Lock()
	r.routine = routine
	r.mu.Unlock()
	return nil
}

// SetTimeout bounds future runs; zero means no limit.
func (r *Runner) SetTimeout(d time.Duration) error {
	if d < 0 {
		return errors.Wrapf(ErrNegativeTimeout, "job %q", r.name)
	}
	r.mu.Lock()
	r.timeout = d
	r.mu.Unlock()
	return nil
}

// Dispose cancels the current run and waits (up to DisposeWait) for it to
// return. A run still going after that is detached: it is no longer
// reported as current and lands in the history whenever it returns.
// Later starts are declined. Calling Dispose again is a no-op.
func (r *Runner) Dispose() {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	r.disposed = true
	cur := r.current
	r.mu.Unlock()

	if cur != nil {
		cur.cancel()
		t := time.NewTimer(r.disposeWait)
		defer t.Stop()
		select {
		case <-cur.done:
		case <-t.C:
			r.log.Warn("run did not return after cancellation; detached", logx.Int("run", cur.info.Index))
			r.mu.Lock()
			if r.current == cur {
				r.current = nil
			}
			r.mu.Unlock()
		}
	}
	if r.ownSup {
		r.sup.Cancel()
	}
}

// Disposed reports whether Dispose was called.
func (r *Runner) Disposed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disposed
}

// Check returns lifecycle.ErrDisposed once the runner is disposed.
func (r *Runner) Check(op string) error {
	if r.Disposed() {
		return errors.Wrapf(lifecycle.ErrDisposed, "job %q: cannot %s", r.name, op)
	}
	return nil
}

type progressSink struct {
	r   *Runner
	run *run
}

func (p progressSink) UpdateProgress(percent *float64, eta *time.Time) {
	p.r.mu.Lock()
	defer p.r.mu.Unlock()
	if p.r.current != p.run {
		return
	}
	// Out-of-range and NaN percentages are dropped.
	if percent != nil && *percent >= 0 && *percent <= 100 {
		v := *percent
		p.run.info.Progress = &v
	}
	if eta != nil {
		v := *eta
		p.run.info.ETA = &v
	}
}
