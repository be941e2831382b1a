// Package lifecycle implements the start/stop/pause/resume/dispose state machine
// shared by every background component in jobloop.
package lifecycle

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	logx "jobloop/pkg/logx"
)

// Hooks customize a Controller. Every hook is optional.
//
// For each operation the order is Before* (old state), On* (transient state),
// After* (new stable state). A failing hook restores the state the operation
// started from and its error is returned to the caller.
type Hooks struct {
	BeforeStarting func() error
	OnStarting     func() error
	AfterStarted   func() error

	BeforeStopping func() error
	OnStopping     func() error
	AfterStopped   func() error

	BeforePausing func() error
	OnPausing     func() error
	AfterPaused   func() error

	BeforeResuming func() error
	OnResuming     func() error
	AfterResumed   func() error

	AfterDisposed func() error

	// PauseSupported enables Pause/Resume. Without it both fail with ErrNotSupported.
	PauseSupported bool
}

// Then returns hooks running h first and next afterwards for every phase.
func (h Hooks) Then(next Hooks) Hooks {
	return Hooks{
		BeforeStarting: chain(h.BeforeStarting, next.BeforeStarting),
		OnStarting:     chain(h.OnStarting, next.OnStarting),
		AfterStarted:   chain(h.AfterStarted, next.AfterStarted),
		BeforeStopping: chain(h.BeforeStopping, next.BeforeStopping),
		OnStopping:     chain(h.OnStopping, next.OnStopping),
		AfterStopped:   chain(h.AfterStopped, next.AfterStopped),
		BeforePausing:  chain(h.BeforePausing, next.BeforePausing),
		OnPausing:      chain(h.OnPausing, next.OnPausing),
		AfterPaused:    chain(h.AfterPaused, next.AfterPaused),
		BeforeResuming: chain(h.BeforeResuming, next.BeforeResuming),
		OnResuming:     chain(h.OnResuming, next.OnResuming),
		AfterResumed:   chain(h.AfterResumed, next.AfterResumed),
		AfterDisposed:  chain(h.AfterDisposed, next.AfterDisposed),
		PauseSupported: h.PauseSupported || next.PauseSupported,
	}
}

func chain(a, b func() error) func() error {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func() error {
		if err := a(); err != nil {
			return err
		}
		return b()
	}
}

// Controller is a thread-safe lifecycle state machine.
//
// Control operations are serialized by a single non-reentrant lock; calling a
// control operation from inside one of its own hooks deadlocks.
// State() never takes that lock, so loop goroutines can observe transitions
// while a control operation is in progress.
type Controller struct {
	kind  string
	name  string
	hooks Hooks
	log   logx.Logger

	ctl   sync.Mutex
	state atomic.Int32
}

// New creates a Controller in the Stopped state.
// kind names the concrete component type for errors and logs (e.g. "scheduler").
func New(kind, name string, hooks Hooks, log logx.Logger) *Controller {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Controller{
		kind:  kind,
		name:  name,
		hooks: hooks,
		log:   log.With(logx.String("type", kind), logx.String("name", name)),
	}
	c.state.Store(int32(Stopped))
	return c
}

func (c *Controller) Kind() string { return c.kind }
func (c *Controller) Name() string { return c.name }

func (c *Controller) State() State { return State(c.state.Load()) }

// PauseSupported reports whether Pause/Resume are available.
func (c *Controller) PauseSupported() bool { return c.hooks.PauseSupported }

// Log returns the controller's logger, tagged with type and name.
func (c *Controller) Log() logx.Logger { return c.log }

// Check returns nil if the current state is one of allowed.
// Otherwise it returns an ErrDisposed-wrapped error once disposed, or a *StateError.
func (c *Controller) Check(op string, allowed ...State) error {
	return c.check(op, c.State(), allowed)
}

// CheckNot returns nil unless the current state is one of denied (or Disposed).
func (c *Controller) CheckNot(op string, denied ...State) error {
	st := c.State()
	if st == Disposed {
		return c.disposedErr(op)
	}
	if !st.In(denied...) {
		return nil
	}
	allowed := make([]State, 0, 8)
	for s := Stopped; s < Disposed; s++ {
		if !s.In(denied...) {
			allowed = append(allowed, s)
		}
	}
	return &StateError{Kind: c.kind, Name: c.name, Op: op, Actual: st, Allowed: allowed}
}

func (c *Controller) check(op string, st State, allowed []State) error {
	if st == Disposed {
		return c.disposedErr(op)
	}
	if st.In(allowed...) {
		return nil
	}
	return &StateError{Kind: c.kind, Name: c.name, Op: op, Actual: st, Allowed: allowed}
}

func (c *Controller) disposedErr(op string) error {
	return errors.Wrapf(ErrDisposed, "%s %q: %s", c.kind, c.name, op)
}

func (c *Controller) set(s State) {
	c.state.Store(int32(s))
}

func (c *Controller) Start() error {
	c.ctl.Lock()
	defer c.ctl.Unlock()
	return c.transition("start", []State{Stopped}, Starting, Running,
		c.hooks.BeforeStarting, c.hooks.OnStarting, c.hooks.AfterStarted)
}

func (c *Controller) Stop() error {
	c.ctl.Lock()
	defer c.ctl.Unlock()
	return c.stopLocked()
}

func (c *Controller) stopLocked() error {
	return c.transition("stop", []State{Running, Paused}, Stopping, Stopped,
		c.hooks.BeforeStopping, c.hooks.OnStopping, c.hooks.AfterStopped)
}

func (c *Controller) Pause() error {
	c.ctl.Lock()
	defer c.ctl.Unlock()
	if err := c.supportsPause("pause"); err != nil {
		return err
	}
	return c.transition("pause", []State{Running}, Pausing, Paused,
		c.hooks.BeforePausing, c.hooks.OnPausing, c.hooks.AfterPaused)
}

func (c *Controller) Resume() error {
	c.ctl.Lock()
	defer c.ctl.Unlock()
	if err := c.supportsPause("resume"); err != nil {
		return err
	}
	return c.transition("resume", []State{Paused}, Resuming, Running,
		c.hooks.BeforeResuming, c.hooks.OnResuming, c.hooks.AfterResumed)
}

func (c *Controller) supportsPause(op string) error {
	if c.State() == Disposed {
		return c.disposedErr(op)
	}
	if !c.hooks.PauseSupported {
		return errors.Wrapf(ErrNotSupported, "%s %q: %s", c.kind, c.name, op)
	}
	return nil
}

// Dispose stops the controller if needed and moves it to Disposed.
//
// A second call is a no-op. Hook errors are returned, but the controller is
// marked disposed regardless.
func (c *Controller) Dispose() error {
	c.ctl.Lock()
	defer c.ctl.Unlock()

	if c.State() == Disposed {
		return nil
	}

	var errs error
	if c.State() != Stopped {
		if err := c.stopLocked(); err != nil && !errors.Is(err, ErrInvalidState) {
			errs = err
		}
	}
	c.set(Disposed)
	c.log.Debug("disposed", logx.String("state", Disposed.String()))

	if err := c.call("dispose", "after-disposed", c.hooks.AfterDisposed); err != nil {
		errs = errors.CombineErrors(errs, err)
	}
	return errs
}

// transition runs before -> [transient] -> on -> [target] -> after.
// Call with c.ctl held.
func (c *Controller) transition(op string, allowed []State, transient, target State, before, on, after func() error) error {
	prev := c.State()
	if err := c.check(op, prev, allowed); err != nil {
		return err
	}
	c.log.Trace(op+" requested", logx.String("state", prev.String()))

	if err := c.call(op, "before", before); err != nil {
		return c.rollback(op, prev, err)
	}
	c.set(transient)
	if err := c.call(op, "on", on); err != nil {
		return c.rollback(op, prev, err)
	}
	c.set(target)
	if err := c.call(op, "after", after); err != nil {
		return c.rollback(op, prev, err)
	}
	c.log.Debug(op+" completed", logx.String("state", target.String()))
	return nil
}

func (c *Controller) rollback(op string, prev State, err error) error {
	c.set(prev)
	c.log.Warn(op+" failed; state restored", logx.String("state", prev.String()), logx.Err(err))
	return err
}

func (c *Controller) call(op, phase string, fn func() error) (err error) {
	if fn == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("%s %q: %s %s hook panicked: %v", c.kind, c.name, op, phase, r)
		}
	}()
	if err := fn(); err != nil {
		return errors.Wrapf(err, "%s %q: %s %s hook", c.kind, c.name, op, phase)
	}
	return nil
}

func (c *Controller) String() string {
	return fmt.Sprintf("%s(%s, %s)", c.kind, c.name, c.State())
}
