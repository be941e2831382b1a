package job

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"jobloop/internal/schedule"
)

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 2*time.Millisecond)
}

func newRunner(t *testing.T, routine Routine, opts ...Option) *Runner {
	t.Helper()
	r, err := NewRunner("J1", routine, opts...)
	require.NoError(t, err)
	t.Cleanup(r.Dispose)
	return r
}

func lastRun(t *testing.T, r *Runner) RunInfo {
	t.Helper()
	info, err := r.Info(1)
	require.NoError(t, err)
	require.Len(t, info.Runs, 1)
	return info.Runs[0]
}

func blockUntilCanceled(ctx context.Context, _ RunContext) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestNewRunnerValidation(t *testing.T) {
	_, err := NewRunner("", blockUntilCanceled)
	require.ErrorIs(t, err, ErrEmptyName)
	_, err = NewRunner("x", nil)
	require.ErrorIs(t, err, ErrNilRoutine)
	_, err = NewRunner("x", blockUntilCanceled, WithTimeout(-time.Second))
	require.ErrorIs(t, err, ErrNegativeTimeout)
}

func TestSingleConcurrency(t *testing.T) {
	var running, maxRunning atomic.Int32
	release := make(chan struct{})
	r := newRunner(t, func(ctx context.Context, _ RunContext) error {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}
		<-release
		return nil
	})

	require.True(t, r.Start(StartForce, context.Background()))
	for i := 0; i < 10; i++ {
		require.False(t, r.Start(StartForce, context.Background()))
	}
	close(release)
	eventually(t, func() bool { return !r.IsRunning() })
	require.EqualValues(t, 1, maxRunning.Load())

	info, err := r.Info(AllRuns)
	require.NoError(t, err)
	require.Equal(t, 1, info.TotalRuns)
}

func TestRunIndexIsMonotonicAcrossReasons(t *testing.T) {
	r := newRunner(t, func(context.Context, RunContext) error { return nil })
	reasons := []StartReason{StartForce, StartSchedule, StartOverride, StartForce}
	for _, reason := range reasons {
		require.True(t, r.Start(reason, context.Background()))
		require.NoError(t, r.Wait(context.Background()))
	}
	info, err := r.Info(AllRuns)
	require.NoError(t, err)
	require.Len(t, info.Runs, len(reasons))
	for i, run := range info.Runs {
		require.Equal(t, i, run.Index)
		require.Equal(t, reasons[i], run.Reason)
		require.Equal(t, StatusSucceeded, run.Status)
		require.NotNil(t, run.EndTime)
	}
}

func TestDivideByZeroPanicFaultsTheRun(t *testing.T) {
	r := newRunner(t, func(_ context.Context, rc RunContext) error {
		divisor := rc.Parameter.(int)
		_ = 10 / divisor
		return nil
	}, WithParameter(0))

	require.True(t, r.Start(StartForce, context.Background()))
	require.NoError(t, r.Wait(context.Background()))

	run := lastRun(t, r)
	require.Equal(t, StatusFaulted, run.Status)
	var rerr runtime.Error
	require.True(t, errors.As(run.Err, &rerr), "got %T: %v", run.Err, run.Err)
	require.Contains(t, rerr.Error(), "divide by zero")

	// The runner keeps working after a fault.
	require.NoError(t, r.SetRoutine(func(context.Context, RunContext) error { return nil }))
	require.True(t, r.Start(StartForce, context.Background()))
	require.NoError(t, r.Wait(context.Background()))
	require.Equal(t, StatusSucceeded, lastRun(t, r).Status)
}

func TestErrorFaultsTheRun(t *testing.T) {
	boom := errors.New("boom")
	r := newRunner(t, func(context.Context, RunContext) error { return boom })
	require.True(t, r.Start(StartForce, context.Background()))
	require.NoError(t, r.Wait(context.Background()))
	run := lastRun(t, r)
	require.Equal(t, StatusFaulted, run.Status)
	require.ErrorIs(t, run.Err, boom)
	require.Equal(t, "boom", run.ErrString())
}

func TestGoexitEndsAsUnknown(t *testing.T) {
	r := newRunner(t, func(context.Context, RunContext) error {
		runtime.Goexit()
		return nil
	})
	require.True(t, r.Start(StartForce, context.Background()))
	eventually(t, func() bool { return !r.IsRunning() })
	require.Equal(t, StatusUnknown, lastRun(t, r).Status)
}

func TestCancel(t *testing.T) {
	r := newRunner(t, blockUntilCanceled)
	require.False(t, r.Cancel(), "no run in progress")

	require.True(t, r.Start(StartForce, context.Background()))
	require.True(t, r.Cancel())
	require.NoError(t, r.Wait(context.Background()))
	run := lastRun(t, r)
	require.Equal(t, StatusCanceled, run.Status)
	require.ErrorIs(t, run.Err, context.Canceled)
	require.False(t, r.Cancel())
}

func TestParentContextCancelsRun(t *testing.T) {
	r := newRunner(t, blockUntilCanceled)
	ctx, cancel := context.WithCancel(context.Background())
	require.True(t, r.Start(StartForce, ctx))
	cancel()
	require.NoError(t, r.Wait(context.Background()))
	require.Equal(t, StatusCanceled, lastRun(t, r).Status)
}

func TestTimeoutCancelsRun(t *testing.T) {
	r := newRunner(t, blockUntilCanceled, WithTimeout(20*time.Millisecond))
	require.True(t, r.Start(StartForce, context.Background()))
	require.NoError(t, r.Wait(context.Background()))
	run := lastRun(t, r)
	require.Equal(t, StatusCanceled, run.Status)
	require.ErrorIs(t, run.Err, context.DeadlineExceeded)
}

func TestNegativeMaxRunsIsAnError(t *testing.T) {
	r := newRunner(t, blockUntilCanceled)
	_, err := r.Info(-1)
	require.ErrorIs(t, err, ErrNegativeMaxRuns)

	info, err := r.Info(0)
	require.NoError(t, err)
	require.Empty(t, info.Runs)
	require.Equal(t, "J1", info.Name)
}

func TestDisabledDeclinesUnlessForced(t *testing.T) {
	var calls atomic.Int32
	src := schedule.Func(func(after time.Time) time.Time {
		calls.Add(1)
		return after.Add(time.Hour)
	})
	r := newRunner(t, func(context.Context, RunContext) error { return nil }, WithSchedule(src), WithEnabled(false))
	require.False(t, r.Enabled())

	before := calls.Load()
	require.False(t, r.Start(StartSchedule, context.Background()))
	require.Greater(t, calls.Load(), before, "declined start refreshes the due time")

	require.True(t, r.Start(StartForce, context.Background()))
	require.NoError(t, r.Wait(context.Background()))

	require.True(t, r.SetEnabled(true))
	require.False(t, r.SetEnabled(true))
	require.True(t, r.Start(StartSchedule, context.Background()))
}

func TestDisablePolicy(t *testing.T) {
	letFinish := newRunner(t, blockUntilCanceled)
	require.True(t, letFinish.Start(StartForce, context.Background()))
	letFinish.SetEnabled(false)
	time.Sleep(10 * time.Millisecond)
	require.True(t, letFinish.IsRunning())
	require.True(t, letFinish.Cancel())

	cancelRun := newRunner(t, blockUntilCanceled, WithDisablePolicy(DisableCancelRun))
	require.True(t, cancelRun.Start(StartForce, context.Background()))
	cancelRun.SetEnabled(false)
	require.NoError(t, cancelRun.Wait(context.Background()))
	require.Equal(t, StatusCanceled, lastRun(t, cancelRun).Status)
}

func TestParseDisablePolicy(t *testing.T) {
	p, err := ParseDisablePolicy("")
	require.NoError(t, err)
	require.Equal(t, DisableLetFinish, p)
	p, err = ParseDisablePolicy("Cancel")
	require.NoError(t, err)
	require.Equal(t, DisableCancelRun, p)
	_, err = ParseDisablePolicy("explode")
	require.Error(t, err)
}

type failingWriter struct{ calls atomic.Int32 }

func (w *failingWriter) Write([]byte) (int, error) {
	w.calls.Add(1)
	return 0, errors.New("sink closed")
}

func TestOutputIsCapturedAndForwarded(t *testing.T) {
	var sink syncBuffer
	r := newRunner(t, func(_ context.Context, rc RunContext) error {
		fmt.Fprintf(rc.Output, "hello %v", rc.Parameter)
		return nil
	}, WithParameter("world"), WithOutput(&sink))

	require.True(t, r.Start(StartForce, context.Background()))
	require.NoError(t, r.Wait(context.Background()))
	require.Equal(t, "hello world", lastRun(t, r).Output)
	require.Equal(t, "hello world", sink.String())

	bad := &failingWriter{}
	r.SetOutput(bad)
	r.SetParameter("again")
	require.NoError(t, r.SetRoutine(func(_ context.Context, rc RunContext) error {
		for i := 0; i < 3; i++ {
			if _, err := fmt.Fprint(rc.Output, rc.Parameter); err != nil {
				return err
			}
		}
		return nil
	}))
	require.True(t, r.Start(StartForce, context.Background()))
	require.NoError(t, r.Wait(context.Background()))
	run := lastRun(t, r)
	require.Equal(t, StatusSucceeded, run.Status)
	require.Equal(t, "againagainagain", run.Output)
	require.EqualValues(t, 1, bad.calls.Load(), "sink is dropped after its first failure")
}

func TestCapturedOutputIsBounded(t *testing.T) {
	chunk := bytes.Repeat([]byte("x"), 64<<10)
	r := newRunner(t, func(_ context.Context, rc RunContext) error {
		for i := 0; i < 8; i++ {
			_, _ = rc.Output.Write(chunk)
		}
		return nil
	})
	require.True(t, r.Start(StartForce, context.Background()))
	require.NoError(t, r.Wait(context.Background()))
	out := lastRun(t, r).Output
	require.Len(t, out, MaxCapturedOutput+len(truncatedMarker))
}

func TestProgressIsVisibleOnCurrentRun(t *testing.T) {
	reported := make(chan struct{})
	r := newRunner(t, func(ctx context.Context, rc RunContext) error {
		pct := 42.0
		eta := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
		rc.Progress.UpdateProgress(&pct, &eta)
		_, _ = rc.Output.Write([]byte("working"))
		close(reported)
		<-ctx.Done()
		return nil
	})
	require.True(t, r.Start(StartForce, context.Background()))
	<-reported

	info, err := r.Info(AllRuns)
	require.NoError(t, err)
	require.NotNil(t, info.Current)
	require.Equal(t, StatusRunning, info.Current.Status)
	require.Equal(t, 42.0, *info.Current.Progress)
	require.Equal(t, "working", info.Current.Output)

	r.Cancel()
	require.NoError(t, r.Wait(context.Background()))
	// Returning nil after cancellation still counts as success.
	run := lastRun(t, r)
	require.Equal(t, StatusSucceeded, run.Status)
	require.Equal(t, 42.0, *run.Progress)
}

func TestHistoryLimitKeepsTotalRuns(t *testing.T) {
	r := newRunner(t, func(context.Context, RunContext) error { return nil }, WithHistoryLimit(3))
	for i := 0; i < 5; i++ {
		require.True(t, r.Start(StartForce, context.Background()))
		require.NoError(t, r.Wait(context.Background()))
	}
	info, err := r.Info(AllRuns)
	require.NoError(t, err)
	require.Equal(t, 5, info.TotalRuns)
	require.Len(t, info.Runs, 3)
	require.Equal(t, 2, info.Runs[0].Index)
	require.Equal(t, 4, info.Runs[2].Index)
}

func TestOnFinishedReceivesFinalRun(t *testing.T) {
	got := make(chan RunInfo, 1)
	r := newRunner(t, func(context.Context, RunContext) error { return nil })
	r.OnFinished(func(info RunInfo) { got <- info })
	r.OnFinished(func(RunInfo) { panic("listener bug") })

	require.True(t, r.Start(StartForce, context.Background()))
	select {
	case info := <-got:
		require.Equal(t, StatusSucceeded, info.Status)
		require.Equal(t, "J1", info.Job)
	case <-time.After(2 * time.Second):
		t.Fatal("no finish callback")
	}
}

func TestDispatchConsumesOverride(t *testing.T) {
	r := newRunner(t, func(context.Context, RunContext) error { return nil },
		WithSchedule(schedule.Interval{Every: time.Hour}))
	at := time.Now()
	r.Tracker().SetOverride(&at)

	reason, ok := r.Dispatch(context.Background())
	require.True(t, ok)
	require.Equal(t, StartOverride, reason)
	require.False(t, r.Tracker().Info().IsOverridden())
	require.NoError(t, r.Wait(context.Background()))

	run := lastRun(t, r)
	require.True(t, run.DueTimeWasOverridden)
	require.True(t, run.DueTime.Equal(at))

	// A declined dispatch still consumes the override.
	r.SetEnabled(false)
	r.Tracker().SetOverride(&at)
	reason, ok = r.Dispatch(context.Background())
	require.False(t, ok)
	require.Equal(t, StartOverride, reason)
	require.False(t, r.Tracker().Info().IsOverridden())
}

func TestDisposeCancelsRunAndDeclinesStarts(t *testing.T) {
	r, err := NewRunner("J1", blockUntilCanceled)
	require.NoError(t, err)
	require.True(t, r.Start(StartForce, context.Background()))

	r.Dispose()
	require.False(t, r.IsRunning())
	require.Equal(t, StatusCanceled, lastRun(t, r).Status)
	require.False(t, r.Start(StartForce, context.Background()))
	require.Error(t, r.Check("start"))
	r.Dispose()
}

func TestDisposeDetachesRunThatIgnoresCancellation(t *testing.T) {
	release := make(chan struct{})
	r, err := NewRunner("J1", func(context.Context, RunContext) error {
		<-release
		return nil
	}, WithDisposeWait(20*time.Millisecond))
	require.NoError(t, err)
	require.True(t, r.Start(StartForce, context.Background()))

	r.Dispose()
	require.False(t, r.IsRunning())
	info, err := r.Info(AllRuns)
	require.NoError(t, err)
	require.Nil(t, info.Current)
	require.Empty(t, info.Runs)

	close(release)
	eventually(t, func() bool {
		info, err := r.Info(AllRuns)
		return err == nil && len(info.Runs) == 1
	})
}

func TestProgressOutOfRangeIsIgnored(t *testing.T) {
	reported := make(chan struct{})
	r := newRunner(t, func(ctx context.Context, rc RunContext) error {
		for _, pct := range []float64{10, -1, 100.5, math.NaN()} {
			rc.Progress.UpdateProgress(&pct, nil)
		}
		close(reported)
		<-ctx.Done()
		return nil
	})
	require.True(t, r.Start(StartForce, context.Background()))
	<-reported

	info, err := r.Info(0)
	require.NoError(t, err)
	require.NotNil(t, info.Current)
	require.Equal(t, 10.0, *info.Current.Progress)
	r.Cancel()
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
