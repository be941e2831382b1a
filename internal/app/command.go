package app

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"

	"jobloop/internal/config"
	"jobloop/internal/job"
)

// commandWaitDelay bounds how long a canceled command may keep its output
// pipes open after being killed.
const commandWaitDelay = 2 * time.Second

// Environment passed to every command.
const (
	EnvJob       = "JOBLOOP_JOB"
	EnvRun       = "JOBLOOP_RUN"
	EnvParameter = "JOBLOOP_PARAMETER"
)

// commandRoutine runs spec's argv directly (no shell). Stdout and stderr go
// to the run output. Cancellation kills the process and the run ends as
// canceled.
func commandRoutine(spec config.JobSpec) job.Routine {
	argv := slices.Clone(spec.Argv)
	env := slices.Clone(spec.Env)
	dir := spec.Dir

	return func(ctx context.Context, rc job.RunContext) error {
		if len(argv) == 0 {
			return errors.New("empty command")
		}
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(), env...)
		cmd.Env = append(cmd.Env,
			EnvJob+"="+rc.Job,
			EnvRun+"="+strconv.Itoa(rc.RunIndex),
			EnvParameter+"="+parameterString(rc.Parameter),
		)
		cmd.Stdout = rc.Output
		cmd.Stderr = rc.Output
		cmd.WaitDelay = commandWaitDelay

		err := cmd.Run()
		if err == nil {
			return nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return errors.WithSecondaryError(cerr, err)
		}
		return errors.Wrapf(err, "command %s", argv[0])
	}
}

func parameterString(p any) string {
	switch v := p.(type) {
	case nil:
		return ""
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}
