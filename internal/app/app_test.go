package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"jobloop/internal/config"
	"jobloop/internal/job"
	"jobloop/internal/storage"
	"jobloop/pkg/unitctl"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "jobloop.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func startApp(t *testing.T, body string) (*App, string) {
	t.Helper()
	dir := t.TempDir()
	body = strings.ReplaceAll(body, "$DIR", dir)
	a, err := New(writeConfig(t, dir, body))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { _ = a.Stop(context.Background(), StopAppStop) })
	return a, dir
}

func waitRuns(t *testing.T, a *App, name string, n int) job.Info {
	t.Helper()
	var info job.Info
	require.Eventually(t, func() bool {
		var err error
		info, err = a.Manager().GetInfo(name, n)
		return err == nil && len(info.Runs) >= n
	}, 5*time.Second, 10*time.Millisecond)
	return info
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	_, err := New(writeConfig(t, dir, `
jobs:
  - name: bad
    schedule: "not a schedule at all ???"
    command: "true"
`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid config")
}

func TestApp_RunsCommandAndJournals(t *testing.T) {
	a, dir := startApp(t, `
logging:
  level: error
storage:
  driver: file
  path: $DIR/journal
jobs:
  - name: hello
    schedule: never
    command: sh -c 'echo hello; echo "$JOBLOOP_JOB:$JOBLOOP_PARAMETER"'
    parameter: p1
`)
	started, err := a.Manager().ManualStart("hello")
	require.NoError(t, err)
	require.True(t, started)

	info := waitRuns(t, a, "hello", 1)
	run := info.Runs[0]
	require.Equal(t, job.StatusSucceeded, run.Status, run.ErrString())
	require.Equal(t, job.StartForce, run.Reason)
	require.Contains(t, run.Output, "hello\n")
	require.Contains(t, run.Output, "hello:p1")

	require.NoError(t, a.Stop(context.Background(), StopAppStop))

	b, err := os.ReadFile(filepath.Join(dir, "journal.runs.jsonl"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 1)
	var rec storage.RunRecord
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	require.Equal(t, "hello", rec.Job)
	require.Equal(t, "succeeded", rec.Status)
	require.Equal(t, run.ID.String(), rec.RunID)

	ev, err := os.ReadFile(filepath.Join(dir, "journal.events.jsonl"))
	require.NoError(t, err)
	require.Contains(t, string(ev), `"kind":"registered"`)
	require.Contains(t, string(ev), `"kind":"force_started"`)
}

func TestApp_FailingCommandFaults(t *testing.T) {
	a, _ := startApp(t, `
logging:
  level: error
jobs:
  - name: fail
    schedule: never
    command: sh -c 'echo oops >&2; exit 3'
`)
	_, err := a.Manager().ManualStart("fail")
	require.NoError(t, err)

	run := waitRuns(t, a, "fail", 1).Runs[0]
	require.Equal(t, job.StatusFaulted, run.Status)
	require.Contains(t, run.ErrString(), "exit status 3")
	require.Contains(t, run.Output, "oops")
}

func TestApp_TimeoutCancelsCommand(t *testing.T) {
	a, _ := startApp(t, `
logging:
  level: error
jobs:
  - name: slow
    schedule: never
    command: sleep 5
    timeout: 100ms
`)
	_, err := a.Manager().ManualStart("slow")
	require.NoError(t, err)

	run := waitRuns(t, a, "slow", 1).Runs[0]
	require.Equal(t, job.StatusCanceled, run.Status)
	require.Less(t, run.Duration(time.Now()), 3*time.Second)
}

func TestApp_DisabledJobsAreRegistered(t *testing.T) {
	a, _ := startApp(t, `
logging:
  level: error
jobs:
  - name: off
    schedule: 1h
    command: "true"
    enabled: false
`)
	enabled, err := a.Manager().IsEnabled("off")
	require.NoError(t, err)
	require.False(t, enabled)

	st := a.Status()
	require.Len(t, st.Jobs, 1)
	require.Equal(t, "off", st.Jobs[0].Name)
	require.False(t, st.Jobs[0].Enabled)
	require.Equal(t, "off", st.NextJob)
}

func TestApplyConfig_SyncsJobs(t *testing.T) {
	a, _ := startApp(t, `
logging:
  level: error
jobs:
  - name: a
    schedule: 1h
    command: "true"
  - name: b
    schedule: 1h
    command: "true"
`)
	prev := a.cfgm.Get()
	before, err := a.Manager().GetInfo("b", 0)
	require.NoError(t, err)

	override := time.Now().Add(time.Hour)
	require.NoError(t, a.Manager().ChangeDueTime("b", &override))

	disabled := false
	next := &config.Config{
		Logging: prev.Logging,
		Jobs: []config.JobConfig{
			{Name: "b", Schedule: "2h", Command: "true", Enabled: &disabled, Parameter: "x"},
			{Name: "c", Schedule: "never", Command: "echo c"},
		},
	}
	a.applyConfig(prev, next)

	require.Equal(t, []string{"b", "c"}, a.Manager().Names())

	after, err := a.Manager().GetInfo("b", 0)
	require.NoError(t, err)
	require.NotEqual(t, before.Schedule, after.Schedule)
	require.False(t, after.Enabled)
	require.False(t, after.DueTime.IsOverridden())

	// Unchanged configs are a no-op.
	a.applyConfig(next, next)
	require.Equal(t, []string{"b", "c"}, a.Manager().Names())
}

func TestApplyConfig_TimezoneChangeReschedulesAll(t *testing.T) {
	a, _ := startApp(t, `
logging:
  level: error
scheduler:
  timezone: UTC
jobs:
  - name: daily
    schedule: "0 12 * * *"
    command: "true"
`)
	prev := a.cfgm.Get()
	before, err := a.Manager().GetDueTime("daily")
	require.NoError(t, err)

	next := *prev
	next.Scheduler.Timezone = "Asia/Tokyo"
	a.applyConfig(prev, &next)

	after, err := a.Manager().GetDueTime("daily")
	require.NoError(t, err)
	require.NotEqual(t, before.EffectiveDueTime(), after.EffectiveDueTime())
	require.Equal(t, "Asia/Tokyo", a.currentSettings().Location.String())
}

func TestCommandRoutine(t *testing.T) {
	spec := config.JobSpec{
		Name: "env",
		Argv: []string{"sh", "-c", `echo "$JOBLOOP_RUN $FOO"`},
		Env:  []string{"FOO=bar"},
	}
	var out bytes.Buffer
	err := commandRoutine(spec)(context.Background(), job.RunContext{Job: "env", RunIndex: 4, Output: &out})
	require.NoError(t, err)
	require.Equal(t, "4 bar\n", out.String())
}

func TestCommandRoutine_CanceledContext(t *testing.T) {
	spec := config.JobSpec{Name: "slow", Argv: []string{"sleep", "5"}}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := commandRoutine(spec)(ctx, job.RunContext{Output: &bytes.Buffer{}})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestParameterString(t *testing.T) {
	require.Equal(t, "", parameterString(nil))
	require.Equal(t, "s", parameterString("s"))
	require.Equal(t, "42", parameterString(42))
	require.Equal(t, "1s", parameterString(time.Second))
}

func TestPreview(t *testing.T) {
	cfg := &config.Config{
		Scheduler: config.SchedulerConfig{Timezone: "UTC"},
		Jobs: []config.JobConfig{
			{Name: "tick", Schedule: "1h", Command: "true"},
			{Name: "nope", Schedule: "never", Command: "true"},
		},
	}
	after := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	out, err := Preview(cfg, after, 3)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, []time.Time{
		time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC),
	}, out[0].Due)
	require.Empty(t, out[1].Due)
}

func TestMapStorageConfig(t *testing.T) {
	_, ok, err := mapStorageConfig(&config.Config{})
	require.NoError(t, err)
	require.False(t, ok)

	sc, ok, err := mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "SQLite", Path: "x.db"}})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "sqlite", sc.Driver)
	require.Equal(t, time.Second, sc.BusyTimeout)

	_, _, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "file"}})
	require.Error(t, err)

	_, _, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "mongo", Path: "x"}})
	require.Error(t, err)
}

func TestApp_DiagnosticsEndpoints(t *testing.T) {
	a, _ := startApp(t, `
logging:
  level: error
diagnostics:
  enabled: true
  addr: 127.0.0.1:0
jobs:
  - name: hi
    schedule: never
    command: echo hi
`)
	require.NotNil(t, a.diag)
	base := "http://" + a.diag.Addr()

	resp, err := http.Get(base + "/status")
	require.NoError(t, err)
	var st Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	resp.Body.Close()
	require.Len(t, st.Jobs, 1)
	require.Equal(t, "hi", st.Jobs[0].Name)

	resp, err = http.Get(base + "/jobs/missing")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post(base+"/jobs/hi/start", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	waitRuns(t, a, "hi", 1)
	resp, err = http.Get(base + "/jobs/hi?runs=1")
	require.NoError(t, err)
	var info job.Info
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	resp.Body.Close()
	require.Len(t, info.Runs, 1)
	require.Equal(t, "hi\n", info.Runs[0].Output)
}

type fakeUnits struct {
	did    []string
	err    error
	closed bool
}

func (f *fakeUnits) Do(_ context.Context, unit string, action unitctl.Action) error {
	f.did = append(f.did, string(action)+" "+unit)
	return f.err
}

func (f *fakeUnits) Status(_ context.Context, unit string) (unitctl.Status, error) {
	return unitctl.Status{Name: unit, Active: "active", SubState: "running"}, nil
}

func (f *fakeUnits) Close() error { f.closed = true; return nil }

func TestUnitRoutine(t *testing.T) {
	fake := &fakeUnits{}
	prev := unitConnect
	unitConnect = func(context.Context) (unitctl.Controller, error) { return fake, nil }
	t.Cleanup(func() { unitConnect = prev })

	spec := config.JobSpec{Name: "web", Unit: "nginx.service", UnitAction: unitctl.Restart}
	var out bytes.Buffer
	require.NoError(t, routineFor(spec)(context.Background(), job.RunContext{Output: &out}))
	require.Equal(t, []string{"restart nginx.service"}, fake.did)
	require.True(t, fake.closed)
	require.Contains(t, out.String(), "nginx.service: active (running)")

	fake.err = unitctl.ErrJobFailed
	err := routineFor(spec)(context.Background(), job.RunContext{Output: &out})
	require.ErrorIs(t, err, unitctl.ErrJobFailed)
}
