package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"tabrunner/internal/automation"
	"tabrunner/internal/config"
	"tabrunner/internal/control"
	"tabrunner/internal/document"
	"tabrunner/internal/eventbus"
	"tabrunner/internal/history"
	"tabrunner/internal/queue"
	"tabrunner/internal/runtime/supervisor"
	"tabrunner/internal/schedule"
	"tabrunner/internal/storage"
	"tabrunner/internal/telegram"
	"tabrunner/internal/timeline"
	logx "tabrunner/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	cfg  *config.Config // as built; cfgm.Get() wins once attached
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    *storage.Store
	queue    *queue.Queue
	history  *history.Log
	timeline *timeline.Reporter
	opener   document.Opener
	engine   *automation.Engine
	sched    *schedule.Trigger
	control  *control.Server
	bot      *telegram.Bot // nil when telegram is disabled

	notify func(state string)
}

// New loads the config and builds every component. Nothing runs until Start.
func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	loaded, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	cfg := loaded
	if len(opts) > 0 {
		cp := *loaded
		cfg = &cp
		for _, opt := range opts {
			opt(cfg)
		}
	}
	if err := validateRuntime(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	appLog := log.With(logx.String("comp", "app"))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	appLog.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	a, err := build(cfg, store, logSvc, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.cfgm = cfgm
	return a, nil
}

// build wires the components around an open store.
func build(cfg *config.Config, store *storage.Store, logSvc *logx.Service, log logx.Logger) (*App, error) {
	bus := eventbus.New()
	a := &App{
		cfg:      cfg,
		log:      log.With(logx.String("comp", "app")),
		logs:     logSvc,
		bus:      bus,
		store:    store,
		queue:    queue.New(store, bus),
		history:  history.New(store, bus, cfg.Automation.HistoryMax),
		timeline: timeline.New(store, bus, log),
		notify:   sdNotify,
	}

	opener, err := newOpener(cfg, log)
	if err != nil {
		return nil, err
	}
	a.opener = opener

	profiles, err := mapProfiles(cfg)
	if err != nil {
		return nil, err
	}
	timing, err := mapTiming(cfg)
	if err != nil {
		return nil, err
	}
	defaults := mapDefaults(cfg)
	a.engine = automation.New(context.Background(), automation.Options{
		Store:    store,
		Queue:    a.queue,
		History:  a.history,
		Timeline: a.timeline,
		Opener:   opener,
		Profiles: profiles,
		Bus:      bus,
		Log:      log,
		Defaults: &defaults,
		Timing:   timing,
	})

	a.sched = schedule.New(mapSchedule(cfg), a.engine, a.queue, log)
	a.control = control.New(control.Deps{
		Engine:        a.engine,
		Queue:         a.queue,
		History:       a.history,
		Timeline:      a.timeline,
		Bus:           bus,
		NextAutoStart: a.sched.Next,
	}, log)

	if cfg.Telegram.Enabled {
		tc, err := mapTelegram(cfg)
		if err != nil {
			return nil, err
		}
		bot, err := telegram.New(tc, telegram.Deps{
			Engine:        a.engine,
			Queue:         a.queue,
			History:       a.history,
			Timeline:      a.timeline,
			Bus:           bus,
			NextAutoStart: a.sched.Next,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		a.bot = bot
		logSvc.SetSink(bot)
	}
	return a, nil
}

// validateRuntime checks what config.Validate cannot: values owned by other
// packages.
func validateRuntime(cfg *config.Config) error {
	if _, err := mapProfiles(cfg); err != nil {
		return err
	}
	if cfg.Automation.AutoStart != "" {
		if _, err := schedule.Parse(cfg.Automation.AutoStart); err != nil {
			return fmt.Errorf("automation.auto_start: %w", err)
		}
	}
	return nil
}

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
	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
			return validateRuntime(cfg)
		})
	}

	if err := a.timeline.Load(ctx); err != nil {
		a.log.Debug("no timeline snapshot restored", logx.Err(err))
	}

	cfg := a.currentConfig()
	if err := a.control.Apply(ctx, mapControl(cfg)); err != nil {
		return fmt.Errorf("control: %w", err)
	}
	if a.bot != nil {
		if err := a.bot.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
	}
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("schedule: %w", err)
	}

	if cfg.Automation.Resume() {
		if resumed, err := a.engine.Resume(ctx); err != nil {
			a.log.Warn("resume failed", logx.Err(err))
		} else if resumed {
			a.log.Info("interrupted run resumed")
		}
	}

	a.sup.Go0("eventbus.log", func(c context.Context) {
		sub := a.bus.Subscribe(128)
		defer sub.Close()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-sub.C():
				if !ok {
					return
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if a.cfgm != nil {
		a.startReload()
		// A broken watcher must not take the daemon down with it.
		a.sup.GoRestart("config.watch", supervisor.Backoff{Min: time.Second, Max: time.Minute}, a.cfgm.Watch)
	}

	a.notify("READY=1")
	a.log.Info("app started")
	return nil
}

func (a *App) currentConfig() *config.Config {
	if a.cfgm != nil {
		if cfg := a.cfgm.Get(); cfg != nil {
			return cfg
		}
	}
	return a.cfg
}

// Stop shuts down in reverse dependency order. The automation loop is closed,
// not stopped, so a run in progress resumes on the next start.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notify("STOPPING=1")

	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max <= 0 {
				a.log.Warn("stop step skipped (no time left)", logx.String("name", name))
				return
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("schedule", time.Second, a.sched.Stop)
	step("control", 2*time.Second, func(c context.Context) error { a.control.Stop(c); return nil })
	step("telegram", 2*time.Second, func(c context.Context) error {
		if a.bot == nil {
			return nil
		}
		return a.bot.Stop(c)
	})
	step("automation", 5*time.Second, a.engine.Close)
	step("browser", 3*time.Second, func(context.Context) error {
		if c, ok := a.opener.(io.Closer); ok {
			return c.Close()
		}
		return nil
	})
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.SetSink(nil)
		_ = a.logs.Close()
	}
	return nil
}
