//go:build !linux

package unitctl

import "context"

type Conn struct{}

func Connect(context.Context) (*Conn, error) { return nil, ErrUnsupported }

func (c *Conn) Close() error { return nil }

func (c *Conn) Do(context.Context, string, Action) error { return ErrUnsupported }

func (c *Conn) Status(context.Context, string) (Status, error) { return Status{}, ErrUnsupported }
