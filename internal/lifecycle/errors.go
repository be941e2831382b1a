package lifecycle

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	ErrDisposed     = errors.New("object disposed")
	ErrNotSupported = errors.New("operation not supported")
	ErrInvalidState = errors.New("invalid operation for current state")
)

// StateError reports a control or accessor call made from a state that forbids it.
// It matches ErrInvalidState via errors.Is.
type StateError struct {
	Kind    string
	Name    string
	Op      string
	Actual  State
	Allowed []State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s %q: cannot %s while %s (allowed: %s)", e.Kind, e.Name, e.Op, e.Actual, joinStates(e.Allowed))
}

func (e *StateError) Unwrap() error { return ErrInvalidState }
