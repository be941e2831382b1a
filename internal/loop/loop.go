package loop

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"jobloop/internal/lifecycle"
	"jobloop/internal/runtime/supervisor"
	logx "jobloop/pkg/logx"
)

const (
	// TimeQuantum is the shortest vacation the loop takes.
	TimeQuantum = time.Millisecond
	// VeryLongVacation is the longest vacation (the max millisecond timer value, ~24.8 days).
	VeryLongVacation = time.Duration(math.MaxInt32) * time.Millisecond
	// DefaultErrorTimeout is the backoff applied after a failed DoWork.
	DefaultErrorTimeout = 5 * time.Second
)

var ErrOutOfRange = errors.New("value out of range")

// Worker performs one cycle of work and returns how long the loop should rest.
type Worker interface {
	DoWork(ctx context.Context) (time.Duration, error)
}

// WorkerFunc adapts a function to Worker.
type WorkerFunc func(ctx context.Context) (time.Duration, error)

func (f WorkerFunc) DoWork(ctx context.Context) (time.Duration, error) { return f(ctx) }

// ClampVacation bounds d to [TimeQuantum, VeryLongVacation].
func ClampVacation(d time.Duration) time.Duration {
	if d < TimeQuantum {
		return TimeQuantum
	}
	if d > VeryLongVacation {
		return VeryLongVacation
	}
	return d
}

// ValidateErrorTimeout checks that d lies in [TimeQuantum, VeryLongVacation].
func ValidateErrorTimeout(d time.Duration) error {
	if d < TimeQuantum || d > VeryLongVacation {
		return errors.Wrapf(ErrOutOfRange, "error timeout %s must be within [%s, %s]", d, TimeQuantum, VeryLongVacation)
	}
	return nil
}

type options struct {
	kind         string
	log          logx.Logger
	errorTimeout time.Duration
	pausing      bool
	hooks        lifecycle.Hooks
	signal       <-chan struct{}
}

type Option func(*options)

func WithLogger(log logx.Logger) Option { return func(o *options) { o.log = log } }

// WithKind sets the component type reported in errors and logs (default "loop").
func WithKind(kind string) Option { return func(o *options) { o.kind = kind } }

// WithErrorTimeout sets the failure backoff. New panics if it is out of range.
func WithErrorTimeout(d time.Duration) Option { return func(o *options) { o.errorTimeout = d } }

// WithPausing enables Pause/Resume.
func WithPausing(enabled bool) Option { return func(o *options) { o.pausing = enabled } }

// WithHooks adds lifecycle hooks that run after the engine's own hooks.
func WithHooks(h lifecycle.Hooks) Option { return func(o *options) { o.hooks = h } }

// WithSignal adds a channel that wakes the loop from its vacation.
func WithSignal(ch <-chan struct{}) Option { return func(o *options) { o.signal = ch } }

// Engine runs a Worker on a dedicated goroutine under lifecycle control.
type Engine struct {
	*lifecycle.Controller

	worker Worker
	log    logx.Logger
	signal <-chan struct{}
	abort  chan struct{}

	errorTimeout atomic.Int64
	throttle     *logx.Throttle

	mu  sync.Mutex
	sup *supervisor.Supervisor
	// relaunch records that a Stop or Pause in progress halted a live loop.
	// Only touched from hooks, which the controller serializes.
	relaunch bool

	cycles       atomic.Uint64
	failures     atomic.Uint64
	lastVacation atomic.Int64
}

// New creates a stopped Engine.
func New(name string, worker Worker, opts ...Option) *Engine {
	if worker == nil {
		panic("loop: nil worker")
	}
	o := options{kind: "loop", errorTimeout: DefaultErrorTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if err := ValidateErrorTimeout(o.errorTimeout); err != nil {
		panic(err)
	}
	if o.log.IsZero() {
		o.log = logx.Nop()
	}

	e := &Engine{
		worker:   worker,
		signal:   o.signal,
		abort:    make(chan struct{}, 1),
		throttle: logx.NewThrottle(time.Minute),
	}
	e.errorTimeout.Store(int64(o.errorTimeout))

	user := o.hooks
	hooks := lifecycle.Hooks{
		BeforeStarting: user.BeforeStarting,
		OnStarting:     user.OnStarting,
		AfterStarted:   e.launchThen(user.AfterStarted),
		BeforeStopping: user.BeforeStopping,
		OnStopping:     e.haltThen(user.OnStopping),
		AfterStopped:   e.relaunchOnFailure(user.AfterStopped),
		BeforePausing:  user.BeforePausing,
		OnPausing:      e.haltThen(user.OnPausing),
		AfterPaused:    e.relaunchOnFailure(user.AfterPaused),
		BeforeResuming: user.BeforeResuming,
		OnResuming:     user.OnResuming,
		AfterResumed:   e.launchThen(user.AfterResumed),
		// Dispose marks the engine disposed even when stopping failed, so
		// the loop is joined here unconditionally.
		AfterDisposed: e.haltThenDispose(user.AfterDisposed),
		PauseSupported: o.pausing || user.PauseSupported,
	}
	e.Controller = lifecycle.New(o.kind, name, hooks, o.log)
	e.log = e.Controller.Log()
	return e
}

// launchThen starts the loop goroutine, then runs next. If next fails or
// panics the loop is joined again so a rolled-back start leaves nothing
// running.
func (e *Engine) launchThen(next func() error) func() error {
	return func() (err error) {
		e.launch()
		if next == nil {
			return nil
		}
		ok := false
		defer func() {
			if !ok {
				e.halt()
			}
		}()
		err = next()
		ok = err == nil
		return err
	}
}

// haltThen joins the loop, then runs next. A failing next restarts the loop
// so the state the controller rolls back to matches what is running.
func (e *Engine) haltThen(next func() error) func() error {
	return func() error {
		e.relaunch = e.halt()
		return e.relaunchOnFailure(next)()
	}
}

// relaunchOnFailure runs next; on error or panic it restarts a loop halted
// earlier in the same operation.
func (e *Engine) relaunchOnFailure(next func() error) func() error {
	return func() (err error) {
		ok := false
		defer func() {
			if ok {
				return
			}
			if e.relaunch {
				e.relaunch = false
				e.launch()
			}
		}()
		if next != nil {
			err = next()
		}
		ok = err == nil
		return err
	}
}

func (e *Engine) haltThenDispose(next func() error) func() error {
	return func() error {
		e.relaunch = false
		e.halt()
		if next != nil {
			return next()
		}
		return nil
	}
}

func (e *Engine) launch() {
	sup := supervisor.New(context.Background(), supervisor.WithLogger(e.log))
	ready := make(chan struct{})
	sup.Go("loop."+e.Name(), func(ctx context.Context) error {
		close(ready)
		e.run(ctx)
		return nil
	})
	<-ready

	e.mu.Lock()
	e.sup = sup
	e.mu.Unlock()
}

// halt joins the loop goroutine and reports whether one was running.
func (e *Engine) halt() bool {
	e.mu.Lock()
	sup := e.sup
	e.sup = nil
	e.mu.Unlock()
	if sup == nil {
		return false
	}
	_ = sup.Stop(context.Background())
	return true
}

// AbortVacation wakes the loop if it is resting. Signals coalesce: several
// calls before the loop observes them produce a single wake-up.
func (e *Engine) AbortVacation() {
	select {
	case e.abort <- struct{}{}:
	default:
	}
}

// ErrorTimeout returns the backoff applied after a failed cycle.
func (e *Engine) ErrorTimeout() time.Duration { return time.Duration(e.errorTimeout.Load()) }

// SetErrorTimeout changes the failure backoff; d must lie in [TimeQuantum, VeryLongVacation].
func (e *Engine) SetErrorTimeout(d time.Duration) error {
	if e.State() == lifecycle.Disposed {
		return e.Check("set error timeout")
	}
	if err := ValidateErrorTimeout(d); err != nil {
		return err
	}
	e.errorTimeout.Store(int64(d))
	return nil
}

// Cycles returns how many DoWork calls completed.
func (e *Engine) Cycles() uint64 { return e.cycles.Load() }

// Failures returns how many DoWork calls failed.
func (e *Engine) Failures() uint64 { return e.failures.Load() }

// LastVacation returns the most recent rest the loop took (or is taking).
func (e *Engine) LastVacation() time.Duration { return time.Duration(e.lastVacation.Load()) }

func (e *Engine) run(ctx context.Context) {
	e.log.Debug("loop entered", logx.String("state", e.State().String()))
	defer e.log.Debug("loop exited", logx.String("state", e.State().String()))

	for ctx.Err() == nil {
		vacation, err := e.doWork(ctx)
		e.cycles.Add(1)

		wakeable := true
		if err != nil {
			if ctx.Err() != nil {
				// Cancellation requested by Stop/Pause.
				return
			}
			e.failures.Add(1)
			e.reportFailure(err)
			vacation = e.ErrorTimeout()
			wakeable = false
		} else {
			e.throttle.Forget("dowork")
			vacation = ClampVacation(vacation)
		}

		e.lastVacation.Store(int64(vacation))
		if !e.rest(ctx, vacation, wakeable) {
			return
		}
	}
}

func (e *Engine) doWork(ctx context.Context) (d time.Duration, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("DoWork panicked: %v", r)
		}
	}()
	return e.worker.DoWork(ctx)
}

func (e *Engine) reportFailure(err error) {
	ok, suppressed := e.throttle.Allow("dowork")
	if !ok {
		return
	}
	fields := []logx.Field{
		logx.String("state", e.State().String()),
		logx.Duration("backoff", e.ErrorTimeout()),
		logx.Err(err),
	}
	if suppressed > 0 {
		fields = append(fields, logx.Int("suppressed", suppressed))
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		e.log.Warn("unsolicited cancellation in work cycle", fields...)
		return
	}
	e.log.Error("work cycle failed", fields...)
}

// rest blocks for d. It returns false when the loop context was canceled.
// A non-wakeable rest (error backoff) only ends early for cancellation.
func (e *Engine) rest(ctx context.Context, d time.Duration, wakeable bool) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	abort := e.abort
	signal := e.signal
	if !wakeable {
		abort, signal = nil, nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
	case <-abort:
	case <-signal:
	}
	return ctx.Err() == nil
}
