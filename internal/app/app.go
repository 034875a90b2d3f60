// Package app wires configuration, storage, the scheduler, the dashboard
// API, and the alert notifier into one runnable service.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	"coursebot/internal/api"
	"coursebot/internal/catalog"
	"coursebot/internal/config"
	"coursebot/internal/eventbus"
	"coursebot/internal/executor"
	"coursebot/internal/notifier"
	"coursebot/internal/projector"
	rtsup "coursebot/internal/runtime/supervisor"
	"coursebot/internal/scheduler"
	"coursebot/internal/store"
	logx "coursebot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	st   store.Store

	sched *scheduler.Scheduler
	proj  *projector.Projector
	api   *api.Server
	notif *notifier.Service
	cron  *cron.Cron

	cat atomic.Pointer[catalog.Catalog]
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("component", "app"))

	bus := eventbus.New()

	st, err := store.Open(store.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: mustDuration(cfg.Storage.BusyTimeout),
	}, log.With(logx.String("component", "storage")))
	if err != nil {
		logSvc.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	log.Info("storage ready", logx.String("driver", cfg.Storage.Driver))

	execCfg, err := mapExecutorConfig(cfg)
	if err != nil {
		return nil, err
	}
	exec, err := executor.New(execCfg,
		executor.FileCredentials{Dir: cfg.Executor.CredentialsDir},
		log.With(logx.String("component", "executor")))
	if err != nil {
		return nil, err
	}

	schedOpts, err := mapSchedulerOptions(cfg)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(st, exec, bus, log, schedOpts)

	cat, err := catalog.Load(cfg.Catalog, cfg.Accounts)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	sched.SetCatalog(cat)

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		st:      st,
		sched:   sched,
	}
	a.cat.Store(cat)

	a.proj = projector.New(st, sched, a.currentCatalog, nil)

	if cfg.API.Enabled {
		a.api = api.New(api.Config{
			Addr:         cfg.API.Addr,
			ReadTimeout:  mustDuration(cfg.API.ReadTimeout),
			WriteTimeout: mustDuration(cfg.API.WriteTimeout),
		}, a.proj, sched, log)
	}

	if nc := cfg.Notifier; nc != nil && nc.Enabled {
		sender, err := notifier.NewTelegramSender(nc.Token, nc.ChatID)
		if err != nil {
			return nil, fmt.Errorf("telegram sender: %w", err)
		}
		ncfg, err := mapNotifierConfig(nc)
		if err != nil {
			return nil, err
		}
		a.notif = notifier.New(ncfg, sender, st, log)
	}

	return a, nil
}

// currentCatalog returns the catalog the scheduler is running with; the
// projector reads through this so reloads are visible immediately.
func (a *App) currentCatalog() *catalog.Catalog {
	return a.cat.Load()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("component", "config")))
	a.cfgm.SetValidator(validateConfig)

	cfg := a.cfgm.Get()

	if cfg.Scheduler.Enabled {
		if err := a.sched.Rebuild(runCtx); err != nil {
			return fmt.Errorf("initial rebuild: %w", err)
		}
		a.sup.Go("scheduler", a.sched.Run)
		a.startCron(cfg)
	} else {
		a.log.Warn("scheduler disabled; nothing will be registered")
	}

	if a.api != nil {
		a.sup.Go("api", a.api.Run)
	}

	if a.notif != nil && a.notif.Enabled() {
		a.notif.Start(runCtx)
		a.sup.Go0("notifier.watch", func(c context.Context) {
			a.notif.Watch(c, a.bus)
		})
	}

	a.sup.Go("config.watch", a.cfgm.Watch)
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})

	a.startWatchdog()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	a.log.Info("coursebot started")
	return nil
}

// reloadLoop applies committed config changes: logging live, catalog and
// schedule via rebuild. Storage changes require a restart.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts, keep the newest.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			a.logs.Apply(logx.Config{
				Level:   newCfg.Logging.Level,
				Console: newCfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: newCfg.Logging.File.Enabled,
					Path:    newCfg.Logging.File.Path,
				},
			})

			cat, err := catalog.Load(newCfg.Catalog, newCfg.Accounts)
			if err != nil {
				a.log.Warn("reload: invalid catalog; keeping previous", logx.Err(err))
				continue
			}
			a.cat.Store(cat)
			a.sched.SetCatalog(cat)
			if err := a.sched.Rebuild(ctx); err != nil {
				a.log.Error("reload: rebuild failed", logx.Err(err))
				continue
			}
			a.log.Info("config reloaded",
				logx.Int("courses", len(newCfg.Catalog)),
				logx.Int("accounts", len(newCfg.Accounts)))
		}
	}
}

// startCron schedules the nightly rebuild that rolls every pair forward
// to its next weekly occurrence.
func (a *App) startCron(cfg *config.Config) {
	spec := cfg.Scheduler.RebuildCron
	if spec == "" {
		spec = "5 0 * * *"
	}
	opts := []cron.Option{}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			opts = append(opts, cron.WithLocation(loc))
		}
	}
	a.cron = cron.New(opts...)
	_, err := a.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(a.sup.Context(), time.Minute)
		defer cancel()
		if err := a.sched.Rebuild(ctx); err != nil {
			a.log.Error("nightly rebuild failed", logx.Err(err))
		}
	})
	if err != nil {
		a.log.Error("invalid rebuild cron spec; nightly rebuild disabled",
			logx.String("spec", spec), logx.Err(err))
		a.cron = nil
		return
	}
	a.cron.Start()
}

// startWatchdog feeds the systemd watchdog when one is configured.
func (a *App) startWatchdog() {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
}

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Stop shuts the app down in stages, each with its own deadline.
func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	if a.cron != nil {
		stopCtx := a.cron.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
		}
	}

	if a.notif != nil {
		nctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		a.notif.Stop(nctx)
		cancel()
	}

	if a.sup != nil {
		a.sup.Cancel()
		wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := a.sup.Wait(wctx)
		cancel()
		if err != nil {
			a.log.Warn("shutdown incomplete", logx.Err(err))
		}
	}

	if a.st != nil {
		if err := a.st.Close(); err != nil {
			a.log.Warn("store close", logx.Err(err))
		}
	}

	a.log.Info("coursebot stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
