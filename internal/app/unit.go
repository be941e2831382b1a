package app

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"

	"jobloop/internal/config"
	"jobloop/internal/job"
	"jobloop/pkg/unitctl"
)

// unitConnect opens a systemd connection per run.
var unitConnect = func(ctx context.Context) (unitctl.Controller, error) {
	c, err := unitctl.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// routineFor picks the routine kind of spec.
func routineFor(spec config.JobSpec) job.Routine {
	if spec.Unit != "" {
		return unitRoutine(spec)
	}
	return commandRoutine(spec)
}

// unitRoutine queues the unit action and waits for systemd's job result.
// The unit state afterwards goes to the run output.
func unitRoutine(spec config.JobSpec) job.Routine {
	unit, action := spec.Unit, spec.UnitAction
	return func(ctx context.Context, rc job.RunContext) error {
		ctl, err := unitConnect(ctx)
		if err != nil {
			return err
		}
		defer ctl.Close()

		fmt.Fprintf(rc.Output, "%s %s\n", action, unit)
		if err := ctl.Do(ctx, unit, action); err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return errors.WithSecondaryError(cerr, err)
			}
			return err
		}
		if st, err := ctl.Status(ctx, unit); err == nil {
			fmt.Fprintf(rc.Output, "%s: %s (%s)\n", st.Name, st.Active, st.SubState)
		}
		return nil
	}
}
