package app

import (
	"time"

	"github.com/cockroachdb/errors"

	"jobloop/internal/config"
	"jobloop/internal/schedule"
)

// JobPreview lists the upcoming due times of one configured job.
type JobPreview struct {
	Name     string      `json:"name"`
	Schedule string      `json:"schedule"`
	Enabled  bool        `json:"enabled"`
	Due      []time.Time `json:"due"`
}

// Preview resolves cfg's jobs and lists up to n due times after after.
// Spread is ignored: it is random per process start.
func Preview(cfg *config.Config, after time.Time, n int) ([]JobPreview, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	settings, err := cfg.Scheduler.Resolve()
	if err != nil {
		return nil, err
	}
	out := make([]JobPreview, 0, len(cfg.Jobs))
	for _, jc := range cfg.Jobs {
		spec, err := jc.Resolve(settings.Location, settings.DefaultTimeout)
		if err != nil {
			return nil, errors.Wrapf(err, "job %q", jc.Name)
		}
		out = append(out, JobPreview{
			Name:     spec.Name,
			Schedule: schedule.Describe(spec.Schedule),
			Enabled:  spec.Enabled,
			Due:      schedule.Preview(spec.Schedule, after, n),
		})
	}
	return out, nil
}
