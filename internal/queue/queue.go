// Package queue provides Engine, a loop engine that processes assignments in FIFO order.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"jobloop/internal/lifecycle"
	"jobloop/internal/loop"
	logx "jobloop/pkg/logx"
)

// Handler processes one assignment.
type Handler[T any] func(ctx context.Context, item T) error

type options[T any] struct {
	loopOpts  []loop.Option
	validator func(T) error
}

type Option[T any] func(*options[T])

func WithLogger[T any](log logx.Logger) Option[T] {
	return func(o *options[T]) { o.loopOpts = append(o.loopOpts, loop.WithLogger(log)) }
}

// WithValidator rejects assignments before they are enqueued.
func WithValidator[T any](fn func(T) error) Option[T] {
	return func(o *options[T]) { o.validator = fn }
}

// WithLoopOptions passes options to the underlying loop engine.
func WithLoopOptions[T any](opts ...loop.Option) Option[T] {
	return func(o *options[T]) { o.loopOpts = append(o.loopOpts, opts...) }
}

// Engine drains a FIFO queue of assignments on its loop goroutine.
//
// Pending assignments are dropped when the engine stops.
type Engine[T any] struct {
	*loop.Engine

	handle   Handler[T]
	validate func(T) error
	log      logx.Logger

	mu      sync.Mutex
	pending []T
}

func New[T any](name string, handle Handler[T], opts ...Option[T]) *Engine[T] {
	if handle == nil {
		panic("queue: nil handler")
	}
	var o options[T]
	for _, opt := range opts {
		opt(&o)
	}
	q := &Engine[T]{handle: handle, validate: o.validator}

	loopOpts := []loop.Option{loop.WithKind("queue"), loop.WithPausing(true)}
	loopOpts = append(loopOpts, o.loopOpts...)
	loopOpts = append(loopOpts, loop.WithHooks(lifecycle.Hooks{AfterStopped: q.clear}))
	q.Engine = loop.New(name, loop.WorkerFunc(q.doWork), loopOpts...)
	q.log = q.Engine.Log()
	return q
}

// AddAssignment enqueues item and wakes the loop.
//
// It fails once disposed, and while Stopped or Stopping: a stopped pipeline
// would only drop the item later.
func (q *Engine[T]) AddAssignment(item T) error {
	if err := q.CheckNot("add assignment", lifecycle.Stopped, lifecycle.Stopping); err != nil {
		return err
	}
	if q.validate != nil {
		if err := q.validate(item); err != nil {
			return errors.Wrap(err, "invalid assignment")
		}
	}
	q.mu.Lock()
	q.pending = append(q.pending, item)
	q.mu.Unlock()
	q.AbortVacation()
	return nil
}

// Len returns the number of pending assignments.
func (q *Engine[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Engine[T]) next() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.pending) == 0 {
		return zero, false
	}
	item := q.pending[0]
	q.pending[0] = zero
	q.pending = q.pending[1:]
	if len(q.pending) == 0 {
		q.pending = nil
	}
	return item, true
}

func (q *Engine[T]) clear() error {
	q.mu.Lock()
	n := len(q.pending)
	q.pending = nil
	q.mu.Unlock()
	if n > 0 {
		q.log.Debug("pending assignments dropped", logx.Int("count", n))
	}
	return nil
}

func (q *Engine[T]) doWork(ctx context.Context) (time.Duration, error) {
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		item, ok := q.next()
		if !ok {
			return loop.VeryLongVacation, nil
		}
		if err := q.process(ctx, item); err != nil {
			if ctx.Err() != nil {
				return 0, err
			}
			q.log.Warn("assignment failed", logx.String("state", q.State().String()), logx.Err(err))
		}
	}
}

func (q *Engine[T]) process(ctx context.Context, item T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("assignment panicked: %v", r)
		}
	}()
	return q.handle(ctx, item)
}

func (q *Engine[T]) String() string {
	return fmt.Sprintf("%s[%d pending]", q.Engine.Controller.String(), q.Len())
}
