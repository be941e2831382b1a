package app

import (
	"context"
	"time"

	"jobloop/internal/eventbus"
	"jobloop/internal/manager"
	"jobloop/internal/storage"
	logx "jobloop/pkg/logx"
)

const (
	journalBuffer       = 256
	journalWriteTimeout = 2 * time.Second
)

var journalThrottle = logx.NewThrottle(30 * time.Second)

// runJournal appends run and job-change events to the store until stop is
// closed, then drains what is already buffered.
func (a *App) runJournal(events <-chan eventbus.Event, stop <-chan struct{}) {
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			a.journal(e)
		case <-stop:
			for {
				select {
				case e, ok := <-events:
					if !ok {
						return
					}
					a.journal(e)
				default:
					return
				}
			}
		}
	}
}

func (a *App) journal(e eventbus.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
	defer cancel()

	var err error
	switch d := e.Data.(type) {
	case manager.RunFinished:
		err = a.store.AppendRun(ctx, storage.RecordFromRun(d.Run))
	case manager.JobChanged:
		err = a.store.AppendEvent(ctx, storage.EventRecord{At: e.Time, Job: d.JobName, Kind: d.Kind.String()})
	default:
		return
	}
	if err == nil {
		return
	}
	if ok, suppressed := journalThrottle.Allow(e.Topic); ok {
		a.log.Warn("journal append failed",
			logx.String("topic", e.Topic),
			logx.Int("suppressed", suppressed),
			logx.Err(err))
	}
}
