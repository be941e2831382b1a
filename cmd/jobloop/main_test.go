package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobloop.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const sample = `
scheduler:
  timezone: UTC
jobs:
  - name: hourly
    schedule: 1h
    command: "true"
`

func TestValidateCmd(t *testing.T) {
	out, err := runCLI(t, "validate", "-c", writeConfig(t, sample))
	require.NoError(t, err)
	require.Contains(t, out, "ok (1 jobs)")

	_, err = runCLI(t, "validate", "-c", writeConfig(t, "jobs:\n  - name: x\n    command: \"\"\n"))
	require.Error(t, err)
}

func TestNextCmd(t *testing.T) {
	out, err := runCLI(t, "next", "-c", writeConfig(t, sample), "-n", "2", "--from", "2026-03-01T10:30:00Z")
	require.NoError(t, err)
	require.Contains(t, out, "hourly")
	require.Contains(t, out, "2026-03-01T11:00:00Z")
	require.Contains(t, out, "2026-03-01T12:00:00Z")
	require.NotContains(t, out, "2026-03-01T13:00:00Z")
}

func TestNextCmd_JSON(t *testing.T) {
	out, err := runCLI(t, "next", "-c", writeConfig(t, sample), "--json", "-n", "1", "--from", "2026-03-01T10:30:00Z")
	require.NoError(t, err)
	require.Contains(t, out, `"name": "hourly"`)
}
