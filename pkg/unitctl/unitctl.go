// Package unitctl starts, stops and restarts systemd units over D-Bus and
// waits for systemd's job result.
package unitctl

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
)

var (
	ErrUnsupported = errors.New("unitctl: unsupported OS (linux only)")
	ErrClosed      = errors.New("unitctl: systemd connection is closed")
	// ErrJobFailed is returned when systemd finishes a job with a result other than "done".
	ErrJobFailed = errors.New("unitctl: systemd job failed")
)

type Action string

const (
	Start           Action = "start"
	Stop            Action = "stop"
	Restart         Action = "restart"
	ReloadOrRestart Action = "reload-or-restart"
)

// ParseAction accepts the action names above; empty means Start.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case "":
		return Start, nil
	case Start, Stop, Restart, ReloadOrRestart:
		return a, nil
	default:
		return "", errors.Newf("unknown unit action %q (start|stop|restart|reload-or-restart)", s)
	}
}

// NormalizeUnit appends ".service" to names without a unit type suffix.
func NormalizeUnit(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	for _, suffix := range []string{".service", ".timer", ".target", ".socket", ".mount", ".path", ".scope", ".slice"} {
		if strings.HasSuffix(name, suffix) {
			return name
		}
	}
	return name + ".service"
}

// Status is the core state of a unit.
type Status struct {
	Name        string `json:"name"`
	Active      string `json:"active"`    // active, inactive, failed, ...
	SubState    string `json:"sub_state"` // running, dead, ...
	LoadState   string `json:"load_state"`
	Description string `json:"description,omitempty"`
}

// Controller is what jobs need from systemd.
type Controller interface {
	Do(ctx context.Context, unit string, action Action) error
	Status(ctx context.Context, unit string) (Status, error)
	Close() error
}

// jobResult maps a systemd job result to an error.
func jobResult(unit string, action Action, result string) error {
	if result == "done" {
		return nil
	}
	return errors.Wrapf(ErrJobFailed, "%s %s: result %q", action, unit, result)
}

func isNoSuchUnitErr(err error) bool {
	if err == nil {
		return false
	}
	es := err.Error()
	// systemd returns org.freedesktop.systemd1.NoSuchUnit for missing units.
	return strings.Contains(es, "NoSuchUnit") || strings.Contains(es, "not-found")
}
