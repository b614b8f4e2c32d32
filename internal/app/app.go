package app

import (
	"context"
	"fmt"
	"io"
	"time"

	"scripthost/internal/admin"
	"scripthost/internal/client"
	"scripthost/internal/config"
	"scripthost/internal/eventbus"
	"scripthost/internal/profile"
	"scripthost/internal/report"
	"scripthost/internal/runtime/supervisor"
	"scripthost/internal/script"
	logx "scripthost/pkg/logx"
)

// App wires one profile running one script, plus the optional file watcher
// and admin server, under a single supervisor.
type App struct {
	cfgm *config.Manager
	cfg  *config.Config

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	rep  *report.Log

	prof  *profile.Profile
	stdio *Stdio
	watch *script.Watcher

	sup *supervisor.Supervisor
}

func NewApp(cfgPath string, in io.Reader, out io.Writer) (*App, error) {
	cfgm := config.NewManager(cfgPath, logx.NewConsole("INFO").With(logx.String("comp", "config")))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	tp, err := cfg.TimeoutPolicy()
	if err != nil {
		return nil, err
	}
	debounce, err := cfg.ScriptDebounce()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.NewService(cfg.LogConfig())
	bus := eventbus.New()

	loader := script.Loader{
		Path: cfg.Script.Path,
		Opts: script.Options{
			Restricted: cfg.Script.Restricted,
			Logger:     log,
		},
	}
	name := cfg.Script.Name
	if name == "" {
		name = loader.Name()
	}

	rep := report.NewLog(log, bus, name, report.Config{
		RatePerSec: cfg.Reporter.RatePerSec,
		Burst:      cfg.Reporter.Burst,
	})
	coord := client.NewCoordinator(tp,
		client.WithReporter(rep),
		client.WithBus(bus),
		client.WithLogger(log),
		client.WithProfileName(name),
	)

	stdio := NewStdio(in, out, log)
	prof := profile.New(coord, profile.Options{
		Name:      name,
		Script:    loader.Name(),
		Factory:   loader.Load,
		Transport: stdio,
		Display:   stdio,
		Reporter:  rep,
		Bus:       bus,
		Logger:    log,
	})

	a := &App{
		cfgm:  cfgm,
		cfg:   cfg,
		log:   log.With(logx.String("comp", "app")),
		logs:  logSvc,
		bus:   bus,
		rep:   rep,
		prof:  prof,
		stdio: stdio,
	}
	if cfg.Script.Watch {
		a.watch = script.NewWatcher(cfg.Script.Path, debounce, log, bus, func() {
			if err := prof.Restart(); err != nil {
				a.log.Debug("restart after edit skipped", logx.Err(err))
			}
		})
	}
	return a, nil
}

func (a *App) Profile() *profile.Profile { return a.prof }

// Done is closed when the supervisor context is cancelled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal task error, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return fmt.Errorf("app already started")
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.sup.Go("profile.dispatch", func(c context.Context) error {
		err := a.prof.Run(c)
		// The profile closed itself (script or admin request): take the app down too.
		a.sup.Cancel()
		return err
	})
	a.sup.Go("stdio.input", func(c context.Context) error {
		return a.stdio.Run(c, a.prof)
	})
	if a.watch != nil {
		a.sup.GoRestart("script.watch", 250*time.Millisecond, 5*time.Second, a.watch.Run)
	}
	if a.cfg.Admin.Enabled {
		srv := admin.New(a.cfg.AdminAddr(), a.prof, a.sup, a.log)
		a.sup.GoRestart("admin.http", time.Second, 30*time.Second, srv.Run)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Uint64("slot", e.SlotID), logx.Any("data", e.Data))
			}
		}
	})

	a.log.Info("scripthost started",
		logx.String("profile", a.prof.Name()),
		logx.String("profile_id", a.prof.ID()),
		logx.String("script", a.cfg.Script.Path),
		logx.Bool("watch", a.watch != nil),
		logx.Bool("admin", a.cfg.Admin.Enabled),
	)
	return nil
}

// Stop closes the profile (shutting down the live script), then stops every
// other task. ctx bounds the whole sequence.
func (a *App) Stop(ctx context.Context) error {
	defer func() { _ = a.logs.Close() }()
	if a.sup == nil {
		return nil
	}
	a.prof.Close()
	select {
	case <-a.prof.Done():
	case <-ctx.Done():
		a.log.Warn("profile did not close in time", logx.Err(ctx.Err()))
	}
	if n := a.rep.Suppressed(); n > 0 {
		a.log.Warn("script errors suppressed by rate limit", logx.Int("count", n))
	}
	err := a.sup.Stop(ctx)
	a.log.Info("scripthost stopped")
	return err
}
