package storage

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"

	logx "jobloop/pkg/logx"
)

// Store is the journal API used by the app.
type Store interface {
	AppendRun(ctx context.Context, r RunRecord) error
	AppendEvent(ctx context.Context, e EventRecord) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("type", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.Newf("unknown storage driver %q", driver)
	}
}
