package manager

import "fmt"

// OpError reports a failed manager operation on a job.
type OpError struct {
	Job string
	Op  string
	Err error
}

func (e *OpError) Error() string {
	if e.Job == "" {
		return fmt.Sprintf("jobs: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("jobs: %s %q: %v", e.Op, e.Job, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

func opErr(op, name string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Job: name, Op: op, Err: err}
}
