package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"jobsched/internal/config"
	"jobsched/internal/container"
	"jobsched/internal/eventbus"
	"jobsched/internal/executor"
	"jobsched/internal/jobs"
	"jobsched/internal/lock"
	"jobsched/internal/observability/pprof"
	"jobsched/internal/pipeline"
	"jobsched/internal/registry"
	"jobsched/internal/runtime/supervisor"
	"jobsched/internal/scheduler"
	"jobsched/internal/store"
	logx "jobsched/pkg/logx"
)

// App wires config, storage, locking, the execution pipeline and the
// scheduler into one process.
type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store store.Store
	locks lock.Provider

	container *container.Container
	stats     *pipeline.Stats
	circuit   *pipeline.CircuitBreaker
	exec      *executor.Executor
	sched     *scheduler.Scheduler
	pprofMu   sync.Mutex
	pprof     *pprof.Service

	stopTimeout time.Duration
	managed     map[string]bool // job names registered from config
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(cfg.LogConfig())
	a := &App{
		cfgm:        cfgm,
		log:         log.With(logx.Comp("app")),
		logs:        logSvc,
		bus:         eventbus.New(),
		stats:       pipeline.NewStats(),
		stopTimeout: cfg.StopTimeout(),
		managed:     map[string]bool{},
	}
	if err := a.build(cfg, log); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, log logx.Logger) error {
	sc, err := cfg.StoreConfig()
	if err != nil {
		return err
	}
	if a.store, err = store.Open(sc, log); err != nil {
		return err
	}
	lc, err := cfg.LockConfig()
	if err != nil {
		return err
	}
	if a.locks, err = lock.Open(lc, log); err != nil {
		return err
	}

	a.container = container.New()
	if err := jobs.Register(a.container); err != nil {
		return err
	}
	if err := jobs.ProvideSystemd(a.container); err != nil {
		return err
	}
	if err := a.container.Instance(jobs.ServiceStore, a.store); err != nil {
		return err
	}
	if err := a.container.Instance(jobs.ServiceStats, a.stats); err != nil {
		return err
	}
	if err := a.container.Instance(jobs.ServiceEvents, a.bus); err != nil {
		return err
	}

	cc, err := cfg.CircuitConfig()
	if err != nil {
		return err
	}
	a.circuit = pipeline.NewCircuitBreaker(cc)
	limits, defLimit := cfg.GroupLimits()
	pipe := pipeline.New(
		pipeline.Logging(log),
		pipeline.Events(a.bus),
		a.stats,
		a.circuit,
		pipeline.NewConcurrencyGroup(limits, defLimit),
	)

	ec, err := cfg.ExecutorConfig()
	if err != nil {
		return err
	}
	a.exec = executor.New(ec, a.store, a.container, pipe, log, a.bus)

	schedCfg, err := cfg.SchedulerConfig()
	if err != nil {
		return err
	}
	a.sched, err = scheduler.New(schedCfg, scheduler.Deps{
		Registry: registry.New(registry.NewTriggerManager()),
		Executor: a.exec,
		Types:    a.container,
		Store:    a.store,
		Locks:    a.locks,
		Bus:      a.bus,
		Log:      log,
	})
	if err != nil {
		return err
	}
	a.pprof = a.newPprof(cfg)
	return nil
}

func (a *App) newPprof(cfg *config.Config) *pprof.Service {
	return pprof.New(cfg.PprofConfig(), a.logs.Logger(), func() error {
		if !a.sched.Running() {
			return errors.New("scheduler not running")
		}
		return nil
	})
}

// Scheduler exposes the scheduler for manual triggers and introspection.
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

// Store exposes the job store for history queries.
func (a *App) Store() store.Store { return a.store }

// Stats returns per-job attempt counters since start.
func (a *App) Stats() []pipeline.JobStats { return a.stats.Snapshot() }

// Done is closed when the app supervisor stops (fatal error or Stop).
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

// Start registers configured jobs, starts the scheduler and begins watching
// the config file.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log)
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		for _, jc := range cfg.Jobs {
			if !a.container.Has(jc.Type) {
				return fmt.Errorf("job %q: unknown type %q", jc.Name, jc.Type)
			}
		}
		return nil
	})

	if err := a.syncJobs(a.cfgm.Get()); err != nil {
		return err
	}
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}

	if err := a.pprof.Start(a.sup.Context()); err != nil {
		a.log.Warn("pprof not started", logx.Err(err))
	}
	a.startEventLog()
	a.startReload()
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.Int("jobs", len(a.sched.GetAllJobs())), logx.String("config", a.cfgm.Path()))
	return nil
}

func (a *App) startEventLog() {
	events, unsub := a.bus.Subscribe(128, eventbus.TypeJobSkipped, eventbus.TypeJobFinished)
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
				je, _ := e.Data.(eventbus.JobEvent)
				switch e.Type {
				case eventbus.TypeJobSkipped:
					a.log.Debug("job skipped", logx.Job(je.Job), logx.String("reason", je.Reason))
				case eventbus.TypeJobFinished:
					a.log.Trace("job finished",
						logx.Job(je.Job),
						logx.Instance(je.InstanceID),
						logx.String("status", je.Status),
						logx.Duration("took", je.Duration),
					)
				}
			}
		}
	})
}

// Stop shuts down in dependency order: scheduler (drains jobs), background
// loops, lock provider, store, then logging.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	a.step(ctx, "scheduler", a.stopTimeout, a.sched.Stop)
	a.step(ctx, "pprof", 3*time.Second, a.pprofStop)
	a.sup.Cancel()
	a.step(ctx, "supervisor", 3*time.Second, a.sup.Wait)
	a.closeResources()
	return nil
}

func (a *App) pprofStop(ctx context.Context) error {
	a.pprofMu.Lock()
	p := a.pprof
	a.pprofMu.Unlock()
	return p.Stop(ctx)
}

func (a *App) closeResources() {
	if a.locks != nil {
		if err := a.locks.Close(); err != nil {
			a.log.Warn("lock provider close failed", logx.Err(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("store close failed", logx.Err(err))
		}
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

// step runs one shutdown step bounded by max and by ctx's own deadline.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	if max <= 0 {
		a.log.Warn("stop step skipped; no time left", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

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
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
