package app

import (
	"jobloop/internal/config"
	"jobloop/internal/scheduler"
	logx "jobloop/pkg/logx"
)

func mapLogConfig(lc config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    lc.Alert.Enabled,
			MinLevel:   lc.Alert.MinLevel,
			RatePerSec: lc.Alert.RatePerSec,
		},
	}
}

// schedulerOptions maps resolved settings. Leeway, history size and the
// disable policy are fixed for the scheduler's lifetime.
func schedulerOptions(s config.Settings) []scheduler.Option {
	return []scheduler.Option{
		scheduler.WithErrorTimeout(s.ErrorTimeout),
		scheduler.WithLeeway(s.Leeway),
		scheduler.WithHistoryLimit(s.HistorySize),
		scheduler.WithDisablePolicy(s.DisablePolicy),
	}
}
