package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	logx "jobloop/pkg/logx"
)

// fileStore appends JSON Lines:
//   - <prefix>.runs.jsonl   (finished runs)
//   - <prefix>.events.jsonl (job changes)
type fileStore struct {
	log logx.Logger

	mu     sync.Mutex
	runs   *os.File
	events *os.File
}

// filePaths derives the journal file names from the configured path.
func filePaths(path string) (runs, events string) {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)
	return prefix + ".runs.jsonl", prefix + ".events.jsonl"
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create storage dir")
	}

	runsPath, eventsPath := filePaths(path)
	rf, err := os.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "open run journal")
	}
	ef, err := os.OpenFile(eventsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = rf.Close()
		return nil, errors.Wrap(err, "open event journal")
	}
	log.Debug("journal opened", logx.String("runs", runsPath), logx.String("events", eventsPath))
	return &fileStore{log: log, runs: rf, events: ef}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs error
	if s.runs != nil {
		errs = errors.CombineErrors(errs, s.runs.Close())
		s.runs = nil
	}
	if s.events != nil {
		errs = errors.CombineErrors(errs, s.events.Close())
		s.events = nil
	}
	return errs
}

func (s *fileStore) AppendRun(ctx context.Context, r RunRecord) error {
	return s.append(ctx, func() *os.File { return s.runs }, r)
}

func (s *fileStore) AppendEvent(ctx context.Context, e EventRecord) error {
	return s.append(ctx, func() *os.File { return s.events }, e)
}

func (s *fileStore) append(ctx context.Context, file func() *os.File, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// Encode outside the lock; one Write per record keeps lines whole.
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encode record")
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	f := file()
	if f == nil {
		return ErrClosed
	}
	if _, err := f.Write(b); err != nil {
		return errors.Wrap(err, "append record")
	}
	return nil
}
