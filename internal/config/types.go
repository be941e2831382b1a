package config

import "strings"

// Config is the jobloop configuration file (JSON or YAML).
//
// Example (YAML):
//
//	logging:
//	  level: info
//	  console: true
//	scheduler:
//	  timezone: Europe/Berlin
//	  leeway: 10ms
//	storage:
//	  driver: file
//	  path: ./jobloop_store
//	jobs:
//	  - name: backup
//	    schedule: "0 3 * * *"
//	    command: /usr/local/bin/backup --full
//	    timeout: 2h
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
	Storage     *StorageConfig    `json:"storage,omitempty"`
	Diagnostics DiagnosticsConfig `json:"diagnostics"`
	Jobs        []JobConfig       `json:"jobs"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert mirrors high-severity events to stderr, rate limited.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig tunes the scheduling loop.
//
// All durations are Go duration strings (e.g. "10ms", "5s").
//
// Defaults (when fields are omitted/zero):
//   - timezone: Local
//   - error_timeout: "5s"
//   - leeway: "10ms"
//   - history_size: 200
//   - disable_policy: "let-finish"
//   - default_timeout: "0s" (no limit)
//   - status_interval: "0s" (no periodic status log)
type SchedulerConfig struct {
	Timezone       string `json:"timezone,omitempty"`
	ErrorTimeout   string `json:"error_timeout,omitempty"`
	Leeway         string `json:"leeway,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	DisablePolicy  string `json:"disable_policy,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	StatusInterval string `json:"status_interval,omitempty"`
}

// StorageConfig controls the run journal.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./jobloop_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// DiagnosticsConfig controls the diagnostics HTTP server.
//
// Example:
//
//	"diagnostics": { "enabled": true, "addr": "127.0.0.1:6060", "pprof": true }
//
// A non-loopback addr requires token or allow_insecure.
type DiagnosticsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}

// JobConfig declares one job: a command or a systemd unit action.
//
// Enabled is a pointer so an omitted field means enabled.
type JobConfig struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	// Command is split shell-style into argv; it is not run through a shell.
	Command string   `json:"command,omitempty"`
	Dir     string   `json:"dir,omitempty"`
	Env     []string `json:"env,omitempty"`
	// Unit runs a systemd unit action instead of a command
	// (unit_action: start|stop|restart|reload-or-restart, default start).
	Unit       string `json:"unit,omitempty"`
	UnitAction string `json:"unit_action,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
	Enabled    *bool  `json:"enabled,omitempty"`
	// Spread delays the first occurrence by a random jitter up to this duration.
	Spread    string `json:"spread,omitempty"`
	Parameter string `json:"parameter,omitempty"`
}

func (j JobConfig) IsEnabled() bool { return j.Enabled == nil || *j.Enabled }

// Job returns the job named name.
func (c *Config) Job(name string) (JobConfig, bool) {
	if c == nil {
		return JobConfig{}, false
	}
	for _, j := range c.Jobs {
		if strings.TrimSpace(j.Name) == name {
			return j, true
		}
	}
	return JobConfig{}, false
}
