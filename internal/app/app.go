// Package app wires the process together: config, logging, storage, the
// destination registry, the validation engine, the orchestrator and the
// scheduler. It owns startup order, config hot-reload fanout and shutdown.
package app

import (
	"context"
	"fmt"
	"time"

	"postflow/internal/adapter"
	"postflow/internal/config"
	"postflow/internal/eventbus"
	"postflow/internal/orchestrator"
	"postflow/internal/runtime/supervisor"
	"postflow/internal/scheduler"
	"postflow/internal/service"
	"postflow/internal/store"
	"postflow/internal/validation"
	logx "postflow/pkg/logx"
)

// loginSweepInterval paces the background login-status refresh.
const loginSweepInterval = 30 * time.Minute

// EvtLogins carries the refreshed login snapshot (map of destination id to
// adapter.LoginStatus) after each sweep.
const EvtLogins = "logins.updated"

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    store.Store
	registry *adapter.Registry

	// available holds every constructed adapter keyed by id; the registry
	// carries only the currently enabled subset.
	available map[string]adapter.Adapter

	orch  *orchestrator.Service
	sched *scheduler.Service
	subs  *service.Service
}

func New(cfgPath string, adapters ...adapter.Adapter) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var st store.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		s, err := store.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		st = s
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	available := make(map[string]adapter.Adapter, len(adapters))
	for _, a := range adapters {
		if a != nil {
			available[a.ID()] = a
		}
	}
	registry := adapter.NewRegistry(log.With(logx.String("comp", "registry")))
	if err := validateDestinations(cfg, available); err != nil {
		return nil, err
	}
	if err := applyDestinations(cfg, available, registry, log); err != nil {
		return nil, err
	}

	engine := validation.NewEngine(registry)

	orchCfg, err := mapOrchestratorConfig(cfg)
	if err != nil {
		return nil, err
	}
	orch := orchestrator.New(orchCfg, st, registry, engine, log.With(logx.String("comp", "orchestrator")), bus)

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	var sched *scheduler.Service
	if st != nil {
		sched = scheduler.New(schedCfg, st, orch, log.With(logx.String("comp", "scheduler")))
	} else if schedCfg.Enabled {
		return nil, fmt.Errorf("scheduler.enabled requires storage to be configured")
	}

	subs := service.New(st, orch, registry, log.With(logx.String("comp", "submissions")))

	return &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     st,
		registry:  registry,
		available: available,
		orch:      orch,
		sched:     sched,
		subs:      subs,
	}, nil
}

// Submissions exposes the write API (used by the command surface).
func (a *App) Submissions() *service.Service { return a.subs }

func (a *App) Registry() *adapter.Registry { return a.registry }

func (a *App) Orchestrator() *orchestrator.Service { return a.orch }

// Events subscribes to the in-process event stream (posting lifecycle, login
// sweeps). The returned unsubscribe must be called when done.
func (a *App) Events(buffer int) (<-chan eventbus.Event, func()) {
	return a.bus.Subscribe(buffer)
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

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if _, err := mapOrchestratorConfig(cfg); err != nil {
			return err
		}
		if _, err := mapSchedulerConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		return validateDestinations(cfg, a.available)
	})

	if a.orch.Enabled() {
		a.orch.Start(a.sup.Context())
	}
	if a.sched != nil && a.sched.Enabled() {
		if err := a.sched.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	// Login sweep: one pass up front, then refresh on an interval so the read
	// API serves reasonably fresh session state. Each sweep resolves into an
	// EvtLogins event once the slow per-adapter checks finish.
	a.sup.Go0("registry.logins", func(c context.Context) {
		sweep := func() {
			a.bus.PublishAfter(EvtLogins, func() (any, error) {
				sctx, cancel := context.WithTimeout(c, 60*time.Second)
				defer cancel()
				return a.registry.CheckLogins(sctx), nil
			})
		}
		sweep()
		t := time.NewTicker(loginSweepInterval)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				sweep()
			}
		}
	})

	// Debug-level event mirror (components subscribe themselves for real work).
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
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
				a.applyReload(c, newCfg)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyReload pushes a validated config into the running components.
// The validator already rejected bad values, so mapping errors here are
// logged and the previous component config is kept.
func (a *App) applyReload(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(mapLoggingConfig(cfg))

	if _, enabled, err := mapStorageConfig(cfg); err == nil {
		hadStore := a.store != nil
		if enabled != hadStore {
			a.log.Warn("storage config changed; restart required for changes to take effect")
		}
	}

	if err := applyDestinations(cfg, a.available, a.registry, a.log); err != nil {
		a.log.Warn("destination config rejected; keeping previous", logx.Err(err))
	}

	if orchCfg, err := mapOrchestratorConfig(cfg); err != nil {
		a.log.Warn("invalid orchestrator config; keeping previous", logx.Err(err))
	} else {
		prevEnabled := a.orch.Enabled()
		a.orch.Apply(ctx, orchCfg)
		if prevEnabled && !orchCfg.Enabled {
			a.log.Info("orchestrator disabled via config")
		} else if !prevEnabled && orchCfg.Enabled {
			a.log.Info("orchestrator enabled via config")
			a.orch.Start(ctx)
		}
	}

	if a.sched != nil {
		if schedCfg, err := mapSchedulerConfig(cfg); err != nil {
			a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		} else {
			prevEnabled := a.sched.Enabled()
			if err := a.sched.Apply(schedCfg); err != nil {
				a.log.Warn("invalid scan spec; keeping previous", logx.Err(err))
			} else {
				if prevEnabled && !schedCfg.Enabled {
					a.log.Info("scheduler disabled via config")
					stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
					a.sched.Stop(stopCtx)
					cancel()
				} else if !prevEnabled && schedCfg.Enabled {
					a.log.Info("scheduler enabled via config")
					if err := a.sched.Start(ctx); err != nil {
						a.log.Warn("scheduler start failed", logx.Err(err))
					}
				}
			}
		}
	}

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Run each shutdown step with an upper bound so one component can't stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
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
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Scheduler first so nothing new is promoted, then the orchestrator so
	// in-flight posts can settle, storage last.
	step("scheduler", 2*time.Second, func(c context.Context) error {
		if a.sched != nil {
			a.sched.Stop(c)
		}
		return nil
	})
	step("orchestrator", 5*time.Second, func(c context.Context) error { a.orch.Stop(c); return nil })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
