//go:build linux

package unitctl

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/coreos/go-systemd/v22/dbus"
)

// Conn is a Controller backed by the system bus.
type Conn struct {
	mu   sync.RWMutex
	conn *dbus.Conn
}

// Connect opens a system bus connection to systemd.
func Connect(ctx context.Context) (*Conn, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "connect to systemd")
	}
	return &Conn{conn: conn}, nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	return nil
}

// Do queues action for unit in "replace" mode and waits for the job result.
func (c *Conn) Do(ctx context.Context, unit string, action Action) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return ErrClosed
	}
	unit = NormalizeUnit(unit)

	ch := make(chan string, 1)
	var err error
	switch action {
	case Start:
		_, err = c.conn.StartUnitContext(ctx, unit, "replace", ch)
	case Stop:
		_, err = c.conn.StopUnitContext(ctx, unit, "replace", ch)
	case Restart:
		_, err = c.conn.RestartUnitContext(ctx, unit, "replace", ch)
	case ReloadOrRestart:
		_, err = c.conn.ReloadOrRestartUnitContext(ctx, unit, "replace", ch)
	default:
		return errors.Newf("unknown unit action %q", action)
	}
	if err != nil {
		return errors.Wrapf(err, "%s %s", action, unit)
	}

	select {
	case result := <-ch:
		return jobResult(unit, action, result)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) Status(ctx context.Context, unit string) (Status, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return Status{}, ErrClosed
	}
	unit = NormalizeUnit(unit)
	notFound := Status{Name: unit, Active: "unknown", SubState: "not-found", LoadState: "not-found"}

	props, err := c.conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		if isNoSuchUnitErr(err) {
			return notFound, nil
		}
		return Status{}, errors.Wrapf(err, "status %s", unit)
	}
	str := func(key string) string {
		s, _ := props[key].(string)
		return s
	}
	if str("LoadState") == "not-found" {
		return notFound, nil
	}
	return Status{
		Name:        unit,
		Active:      str("ActiveState"),
		SubState:    str("SubState"),
		LoadState:   str("LoadState"),
		Description: str("Description"),
	}, nil
}
