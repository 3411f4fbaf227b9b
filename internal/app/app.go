// Package app wires the daemon together: logging, config (with hot reload),
// the change store, the applier registry, and the dispatch service.
package app

import (
	"context"
	"time"

	"untild/internal/apply"
	"untild/internal/config"
	"untild/internal/content"
	"untild/internal/eventbus"
	"untild/internal/hook"
	"untild/internal/notify"
	rtsup "untild/internal/runtime/supervisor"
	"untild/internal/sched"
	"untild/internal/store"
	logx "untild/pkg/logx"
)

// FeaturedFlag is the boolean item flag the default flag applier toggles.
const FeaturedFlag = "featured"

type App struct {
	logs *logx.Service
	log  logx.Logger

	cfgm *config.Manager
	st   store.Store
	bus  eventbus.Bus
	feed *notify.Feed
	svc  *sched.Service

	sup *rtsup.Supervisor
}

// New builds the application from the config file at cfgPath. The host
// content system comes in as library; extra post-execution hooks may be nil.
func New(cfgPath string, library content.Library, hooks ...hook.Hook) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logCfg(cfg.Logging))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	st, err := openStore(cfg.Storage, log)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}

	bus := eventbus.New()
	feed := notify.NewFeed(notify.DefaultCap, log.With(logx.String("comp", "notify")))
	hd := hook.NewDispatcher(10, log.With(logx.String("comp", "hooks")))
	for _, h := range hooks {
		if h != nil {
			hd.Register(h)
		}
	}

	registry := apply.NewRegistry(
		apply.StatusApplier{Library: library},
		apply.FlagApplier{Library: library, Flag: FeaturedFlag},
	)

	var auth content.Authorizer = content.AllowAll{}
	if len(cfg.Admins) > 0 {
		auth = content.AdminList(cfg.Admins)
	}

	schedCfg, err := schedConfig(cfg.Scheduler)
	if err != nil {
		_ = st.Close()
		_ = logs.Close()
		return nil, err
	}

	svc := sched.New(schedCfg, sched.Deps{
		Store:    st,
		Registry: registry,
		Library:  library,
		Auth:     auth,
		Bus:      bus,
		Feed:     feed,
		Hooks:    hd,
		Logger:   log.With(logx.String("comp", "sched")),
	})

	return &App{
		logs: logs,
		log:  log,
		cfgm: cfgm,
		st:   st,
		bus:  bus,
		feed: feed,
		svc:  svc,
	}, nil
}

// Scheduler exposes the dispatch service for host integrations.
func (a *App) Scheduler() *sched.Service { return a.svc }

// Feed exposes the notification feed for host integrations.
func (a *App) Feed() *notify.Feed { return a.feed }

func (a *App) Logger() logx.Logger { return a.log }

func (a *App) Start(ctx context.Context) error {
	if err := a.svc.Start(ctx); err != nil {
		return err
	}

	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))
	a.sup.Go("config-watch", a.cfgm.Watch)

	sub := a.cfgm.Subscribe(2)
	a.sup.Go("config-apply", func(ctx context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return nil
			case cfg, ok := <-sub:
				if !ok {
					return nil
				}
				a.applyConfig(ctx, cfg)
			}
		}
	})
	return nil
}

func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(logCfg(cfg.Logging))

	schedCfg, err := schedConfig(cfg.Scheduler)
	if err != nil {
		a.log.Warn("scheduler config invalid; keeping previous", logx.Err(err))
		return
	}
	if err := a.svc.Apply(ctx, schedCfg); err != nil {
		a.log.Error("scheduler config apply failed", logx.Err(err))
	}
}

func (a *App) Stop(ctx context.Context) error {
	var first error
	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil && first == nil {
			first = err
		}
	}
	if err := a.svc.Stop(ctx); err != nil && first == nil {
		first = err
	}
	if err := a.st.Close(); err != nil && first == nil {
		first = err
	}
	_ = a.logs.Close()
	return first
}

func logCfg(in config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   in.Level,
		Console: in.Console,
		File:    logx.FileConfig{Enabled: in.File.Enabled, Path: in.File.Path},
	}
}

func openStore(in config.StorageConfig, log logx.Logger) (store.Store, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", in.BusyTimeout)
	if err != nil {
		return nil, err
	}
	return store.Open(store.Config{
		Driver:      in.Driver,
		Path:        in.Path,
		BusyTimeout: busy,
	}, log.With(logx.String("comp", "store")))
}

func schedConfig(in config.SchedulerConfig) (sched.Config, error) {
	tick, err := config.ParseDurationOrDefault("scheduler.tick_interval", in.TickInterval, 60*time.Second)
	if err != nil {
		return sched.Config{}, err
	}
	maint, err := config.ParseDurationOrDefault("scheduler.maintenance_interval", in.MaintenanceInterval, 24*time.Hour)
	if err != nil {
		return sched.Config{}, err
	}
	notifAge, err := config.ParseDurationOrDefault("scheduler.notification_max_age", in.NotificationMaxAge, 30*24*time.Hour)
	if err != nil {
		return sched.Config{}, err
	}
	return sched.Config{
		Enabled:             in.Enabled,
		Timezone:            in.Timezone,
		TickInterval:        tick,
		MaxBatch:            in.MaxBatch,
		RetryMax:            in.RetryMax,
		MaintenanceInterval: maint,
		RetentionDays:       in.RetentionDays,
		NotificationMaxAge:  notifAge,
	}, nil
}
