// Package app hosts the scheduler as a service: it loads the config file,
// registers command jobs, keeps them in sync on hot reload and journals
// every run.
package app

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"jobloop/internal/config"
	"jobloop/internal/diag"
	"jobloop/internal/eventbus"
	"jobloop/internal/job"
	"jobloop/internal/manager"
	"jobloop/internal/runtime/supervisor"
	"jobloop/internal/storage"
	logx "jobloop/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	mgr   *manager.Manager
	diag  *diag.Server

	// mu guards settings and applied.
	mu       sync.Mutex
	settings config.Settings
	applied  map[string]config.JobConfig

	journalStop chan struct{}
	stopOnce    sync.Once
}

// New loads and validates the config at cfgPath and builds every component.
// Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	settings, err := cfg.Scheduler.Resolve()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg.Logging), logx.Stderr())
	appLog := log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		appLog.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	mgr, err := manager.New(
		manager.WithBus(bus),
		manager.WithLogger(log),
		manager.WithSchedulerOptions(schedulerOptions(settings)...),
	)
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, err
	}

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      appLog,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		mgr:      mgr,
		settings: settings,
		applied:  map[string]config.JobConfig{},
	}
	if dc, enabled := mapDiagConfig(cfg.Diagnostics); enabled {
		a.diag = a.newDiagServer(dc, log)
	}
	return a, nil
}

// Manager exposes the job manager.
func (a *App) Manager() *manager.Manager { return a.mgr }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})

	// Subscribe before the first job exists so no run escapes the journal.
	a.journalStop = make(chan struct{})
	if a.store != nil {
		events, unsub := a.bus.Subscribe(journalBuffer, manager.TopicRunFinished, manager.TopicJobChanged)
		a.sup.Go("journal", func(context.Context) error {
			defer unsub()
			a.runJournal(events, a.journalStop)
			return nil
		})
	}

	cfg := a.cfgm.Get()
	_, _, diff := config.SummarizeConfigChange(nil, cfg)
	a.syncJobs(cfg, diff, false)

	if err := a.mgr.Start(); err != nil {
		return err
	}

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := cfg
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if a.diag != nil {
		if err := a.diag.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	if every := a.currentSettings().StatusInterval; every > 0 {
		a.sup.Go("status", func(c context.Context) error {
			a.statusLoop(c, every)
			return nil
		})
	}

	a.log.Info("app started",
		logx.String("config", a.cfgPath),
		logx.Int("jobs", len(a.mgr.Names())))
	return nil
}

func (a *App) currentSettings() config.Settings {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settings
}

// applyConfig moves the running app from prev to next.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs, diff := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	resolveAll := false
	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLogConfig(next.Logging))
		case "storage", "diagnostics":
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		case "scheduler":
			resolveAll = a.applySchedulerConfig(next.Scheduler)
		}
	}
	a.syncJobs(next, diff, resolveAll)

	a.log.Info("config reloaded", fields...)
}

// applySchedulerConfig applies what can change live and reports whether job
// schedules and timeouts must be re-resolved.
func (a *App) applySchedulerConfig(sc config.SchedulerConfig) bool {
	next, err := sc.Resolve()
	if err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		return false
	}

	a.mu.Lock()
	prev := a.settings
	a.settings = next
	a.mu.Unlock()

	if next.ErrorTimeout != prev.ErrorTimeout {
		if err := a.mgr.Scheduler().SetErrorTimeout(next.ErrorTimeout); err != nil {
			a.log.Warn("set error timeout failed", logx.Err(err))
		}
	}
	if next.Leeway != prev.Leeway || next.HistorySize != prev.HistorySize ||
		next.DisablePolicy != prev.DisablePolicy || next.StatusInterval != prev.StatusInterval {
		a.log.Warn("scheduler config changed; restart required for leeway, history_size, disable_policy and status_interval")
	}
	return next.Location.String() != prev.Location.String() || next.DefaultTimeout != prev.DefaultTimeout
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.stopOnce.Do(func() { a.stop(ctx, reason) })
	return nil
}

func (a *App) stop(ctx context.Context, reason StopReason) {
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- errors.Newf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; if it doesn't, log a leak signal.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)))
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	step("diagnostics", 2*time.Second, func(c context.Context) error {
		if a.diag != nil {
			return a.diag.Stop(c)
		}
		return nil
	})

	// Stop scheduling first, then cancel in-flight runs. Their final
	// events still reach the journal, which drains before it exits.
	step("scheduler", 2*time.Second, func(context.Context) error { return a.mgr.Stop() })
	step("jobs", job.DisposeWait+time.Second, func(context.Context) error { return a.mgr.Dispose() })
	close(a.journalStop)

	// Wait for supervised goroutines (journal, config watch/reload, status).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 1*time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
