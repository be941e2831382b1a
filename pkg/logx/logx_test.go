package logx

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewWriterEmitsStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("type", "loop"), String("name", "sched"))

	log.Warn("cycle failed", String("state", "running"), Duration("backoff", 5*time.Second))

	var m map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &m))
	require.Equal(t, "warn", m["level"])
	require.Equal(t, "cycle failed", m["message"])
	require.Equal(t, "loop", m["type"])
	require.Equal(t, "sched", m["name"])
	require.Equal(t, "running", m["state"])
}

func TestNewWriterRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Debug("hidden")
	log.Info("hidden too")
	require.Zero(t, buf.Len())
	log.Error("shown")
	require.Contains(t, buf.String(), `"message":"shown"`)
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var log Logger
	require.True(t, log.IsZero())
	log.Error("nothing happens", Err(nil))
	require.False(t, Nop().IsZero())
}

func TestThrottleSuppressesRepeats(t *testing.T) {
	th := NewThrottle(time.Hour)

	ok, n := th.Allow("k")
	require.True(t, ok)
	require.Zero(t, n)

	for i := 0; i < 3; i++ {
		ok, _ = th.Allow("k")
		require.False(t, ok)
	}

	// Other keys are independent.
	ok, _ = th.Allow("other")
	require.True(t, ok)

	th.Forget("k")
	ok, n = th.Allow("k")
	require.True(t, ok)
	require.Zero(t, n)
}

func TestAlertSinkFormatsAndFilters(t *testing.T) {
	var alerts bytes.Buffer
	svc, log := New(Config{Level: "debug", File: FileConfig{}, Alert: AlertConfig{Enabled: true, MinLevel: "error", RatePerSec: 10}}, &alerts)
	t.Cleanup(func() { _ = svc.Close() })

	log.Warn("not an alert")
	log.Error("job faulted", String("job", "J1"), Stack("goroutine 1"))

	out := alerts.String()
	require.NotContains(t, out, "not an alert")
	require.True(t, strings.HasPrefix(out, "[ERROR] job faulted"), out)
	require.Contains(t, out, "job=J1")
	require.NotContains(t, out, "goroutine 1")
	require.NotContains(t, out, "caller=")
}

func TestAlertSinkIsRateLimited(t *testing.T) {
	var alerts bytes.Buffer
	svc, log := New(Config{Level: "error", Alert: AlertConfig{Enabled: true, RatePerSec: 1}}, &alerts)
	t.Cleanup(func() { _ = svc.Close() })

	for i := 0; i < 5; i++ {
		log.Error("burst")
	}
	require.Equal(t, 1, strings.Count(alerts.String(), "[ERROR] burst"))
}

func TestApplySwitchesLevelForExistingLoggers(t *testing.T) {
	var alerts bytes.Buffer
	alert := AlertConfig{Enabled: true, MinLevel: "debug", RatePerSec: 100}
	svc, log := New(Config{Level: "error", Alert: alert}, &alerts)
	t.Cleanup(func() { _ = svc.Close() })
	child := log.With(String("comp", "x"))

	child.Info("before")
	svc.Apply(Config{Level: "info", Alert: alert})
	child.Info("after")

	out := alerts.String()
	require.NotContains(t, out, "before")
	require.Contains(t, out, "[INFO] after comp=x")
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}}, &bytes.Buffer{})
	log.Info("to file", Int("n", 1))
	require.NoError(t, svc.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(b), `"message":"to file"`)
	require.Contains(t, string(b), `"n":1`)
}

func TestValidLevel(t *testing.T) {
	require.True(t, ValidLevel(" debug "))
	require.True(t, ValidLevel("WARNING"))
	require.False(t, ValidLevel("loud"))
}
