package logx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Alert   AlertConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// AlertConfig mirrors events at or above MinLevel (default error) to the
// alert writer as one plain line each, at most RatePerSec per second.
type AlertConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

const (
	defaultLogFile = "./jobloop.log"
	maxAlertValue  = 600
)

// Service owns the log sinks. Apply swaps them while Loggers from New keep
// working.
type Service struct {
	root atomic.Pointer[zerolog.Logger]

	mu       sync.Mutex
	file     *os.File
	alertOut io.Writer
	limiter  *rate.Limiter
	minLevel zerolog.Level
}

// New applies cfg and returns the service with its root Logger. Alert lines
// go to alertOut, or stderr when nil.
func New(cfg Config, alertOut io.Writer) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat

	if alertOut == nil {
		alertOut = os.Stderr
	}
	s := &Service{alertOut: alertOut}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Apply rebuilds the sinks from cfg. A log file that cannot be opened is
// reported on stderr and skipped.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.minLevel = parseLevel(cfg.Alert.MinLevel, zerolog.ErrorLevel)
	rps := max(1, cfg.Alert.RatePerSec)
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, consoleWriter(os.Stdout))
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogFile
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open log file %q: %v\n", path, err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}
	if len(writers) == 0 {
		writers = append(writers, consoleWriter(os.Stdout))
	}
	if cfg.Alert.Enabled {
		writers = append(writers, alertWriter{s})
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: timeFormat}
}

// Stderr is the default alert destination.
func Stderr() io.Writer { return os.Stderr }

type alertWriter struct{ s *Service }

func (w alertWriter) Write(p []byte) (int, error) { return w.WriteLevel(zerolog.NoLevel, p) }

// WriteLevel never fails: alerting must not break the primary sinks.
func (w alertWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	w.s.mu.Lock()
	out, lim, minLevel := w.s.alertOut, w.s.limiter, w.s.minLevel
	w.s.mu.Unlock()

	if level == zerolog.NoLevel || level < minLevel || !lim.Allow() {
		return len(p), nil
	}
	_, _ = io.WriteString(out, alertLine(p)+"\n")
	return len(p), nil
}

// alertLine renders a zerolog JSON event as "[LEVEL] message k=v ...",
// keys sorted, without time, caller or stack.
func alertLine(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(p), &m); err != nil {
		return strings.TrimSpace(string(p))
	}
	var b strings.Builder
	if lvl, _ := m[zerolog.LevelFieldName].(string); lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case zerolog.TimestampFieldName, zerolog.LevelFieldName, zerolog.MessageFieldName,
			zerolog.CallerFieldName, "stack":
			continue
		}
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		v := fmt.Sprint(m[k])
		if len(v) > maxAlertValue {
			v = v[:maxAlertValue-3] + "..."
		}
		b.WriteString(" " + k + "=" + v)
	}
	return b.String()
}
