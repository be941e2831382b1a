package manager

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"jobloop/internal/eventbus"
	"jobloop/internal/job"
	"jobloop/internal/scheduler"
	"jobloop/internal/schedule"
)

type recorder struct {
	mu     sync.Mutex
	events []JobChanged
}

func (r *recorder) add(ev JobChanged) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) kinds() []ChangeKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ChangeKind, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func newManager(t *testing.T, opts ...Option) (*Manager, *recorder) {
	t.Helper()
	m, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Dispose() })
	rec := &recorder{}
	m.Subscribe(rec.add)
	return m, rec
}

func blockUntilCanceled(ctx context.Context, _ job.RunContext) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestChangesAreReported(t *testing.T) {
	m, rec := newManager(t)
	require.NoError(t, m.Create("J1", blockUntilCanceled))
	require.NoError(t, m.ChangeParameter("J1", 42))
	require.NoError(t, m.ChangeSchedule("J1", schedule.Interval{Every: time.Hour}))
	at := time.Now().Add(time.Hour)
	require.NoError(t, m.ChangeDueTime("J1", &at))
	require.NoError(t, m.ChangeDueTime("J1", nil))

	started, err := m.ManualStart("J1")
	require.NoError(t, err)
	require.True(t, started)
	started, err = m.ManualStart("J1")
	require.NoError(t, err)
	require.False(t, started, "already running")

	canceled, err := m.Cancel("J1")
	require.NoError(t, err)
	require.True(t, canceled)

	require.NoError(t, m.Enable("J1", false))
	require.NoError(t, m.Enable("J1", false))
	enabled, err := m.IsEnabled("J1")
	require.NoError(t, err)
	require.False(t, enabled)

	require.NoError(t, m.Remove("J1"))

	require.Equal(t, []ChangeKind{
		Registered,
		ParameterChanged,
		ScheduleChanged,
		DueTimeChanged,
		DueTimeReset,
		ForceStarted,
		Canceled,
		IsEnabledChanged,
		Removed,
	}, rec.kinds())
}

func TestFailedOperationsAreOpErrors(t *testing.T) {
	m, rec := newManager(t)
	err := m.Remove("ghost")
	var opErr *OpError
	require.True(t, errors.As(err, &opErr))
	require.Equal(t, "ghost", opErr.Job)
	require.Equal(t, "remove", opErr.Op)
	require.ErrorIs(t, err, scheduler.ErrJobNotFound)
	require.Contains(t, err.Error(), `remove "ghost"`)

	require.NoError(t, m.Create("J1", blockUntilCanceled))
	require.ErrorIs(t, m.Create("J1", blockUntilCanceled), scheduler.ErrJobExists)

	at := time.Now()
	require.NoError(t, m.ChangeDueTime("J1", &at))
	require.ErrorIs(t, m.ChangeSchedule("J1", schedule.NeverSchedule{}), scheduler.ErrDueTimeOverridden)

	_, err = m.GetInfo("J1", -1)
	require.ErrorIs(t, err, job.ErrNegativeMaxRuns)

	canceled, err := m.Cancel("J1")
	require.NoError(t, err)
	require.False(t, canceled)

	require.Equal(t, []ChangeKind{Registered, DueTimeChanged}, rec.kinds())
}

func TestGetDueTime(t *testing.T) {
	m, _ := newManager(t)
	require.NoError(t, m.Create("J1", blockUntilCanceled, job.WithSchedule(schedule.NeverSchedule{})))
	info, err := m.GetDueTime("J1")
	require.NoError(t, err)
	require.True(t, schedule.IsNever(info.EffectiveDueTime()))

	at := time.Date(2031, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, m.ChangeDueTime("J1", &at))
	info, err = m.GetDueTime("J1")
	require.NoError(t, err)
	require.True(t, info.IsOverridden())
	require.Equal(t, at, info.EffectiveDueTime())
}

func TestRunEventsReachTheBus(t *testing.T) {
	bus := eventbus.New()
	finished, unsub := bus.Subscribe(4, TopicRunFinished)
	defer unsub()
	m, _ := newManager(t, WithBus(bus))

	var out bytes.Buffer
	require.NoError(t, m.Create("J1", func(_ context.Context, rc job.RunContext) error {
		_, err := fmt.Fprintf(rc.Output, "param=%v", rc.Parameter)
		return err
	}, job.WithParameter("a")))
	require.NoError(t, m.RedirectOutput("J1", &out))
	_, err := m.ManualStart("J1")
	require.NoError(t, err)

	select {
	case ev := <-finished:
		rf := ev.Data.(RunFinished)
		require.Equal(t, "J1", rf.Run.Job)
		require.Equal(t, job.StatusSucceeded, rf.Run.Status)
		require.Equal(t, "param=a", rf.Run.Output)
	case <-time.After(2 * time.Second):
		t.Fatal("no run finished event")
	}
	require.Equal(t, "param=a", out.String())
}

func TestJobChangedOnBus(t *testing.T) {
	bus := eventbus.New()
	changes, unsub := bus.Subscribe(4, TopicJobChanged)
	defer unsub()
	m, _ := newManager(t, WithBus(bus))
	require.NoError(t, m.Create("J1", blockUntilCanceled))

	ev := <-changes
	require.Equal(t, JobChanged{JobName: "J1", Kind: Registered}, ev.Data)
	require.Equal(t, []string{"J1"}, m.Names())
}

func TestLifecycle(t *testing.T) {
	m, err := New(WithSchedulerOptions(scheduler.WithLeeway(time.Millisecond)))
	require.NoError(t, err)
	require.NoError(t, m.Start())
	require.NoError(t, m.Stop())
	require.NoError(t, m.Dispose())
	require.NoError(t, m.Dispose())
	require.Error(t, m.Create("late", blockUntilCanceled))

	_, err = New(WithSchedulerOptions(scheduler.WithLeeway(-1)))
	require.Error(t, err)
}

func TestChangeKindString(t *testing.T) {
	require.Equal(t, "is_enabled_changed", IsEnabledChanged.String())
	require.Equal(t, "unknown", ChangeKind(99).String())
}
