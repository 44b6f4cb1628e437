package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"jobsched/internal/eventbus"
	"jobsched/internal/job"
	"jobsched/internal/lock"
	"jobsched/internal/registry"
	"jobsched/internal/runtime/supervisor"
	"jobsched/internal/store"
	"jobsched/internal/trigger"
	logx "jobsched/pkg/logx"
)

// jobTaskPrefix names supervised dispatch goroutines.
const jobTaskPrefix = "job:"

type Scheduler struct {
	cfg Config
	loc *time.Location

	reg      *registry.Registry
	triggers *registry.TriggerManager
	exec     Executor
	types    TypeChecker
	store    store.Store
	locks    lock.Provider
	bus      eventbus.Bus
	log      logx.Logger
	seq      *atomic.Uint64
	now      func() time.Time

	// mu guards the lifecycle. Manual dispatch holds the read side so Stop
	// can't drain the supervisor underneath it.
	mu        sync.RWMutex
	sup       *supervisor.Supervisor
	running   bool
	recovered bool

	// dispatchLocks holds one *sync.Mutex per job name. It makes the
	// running-instance check and instance creation atomic within this process
	// without serializing unrelated jobs.
	dispatchLocks sync.Map

	warnMu sync.Mutex
	warn   map[string]*rate.Limiter

	fired   atomic.Uint64
	skipped atomic.Uint64
	failed  atomic.Uint64
}

func New(cfg Config, deps Deps) (*Scheduler, error) {
	if deps.Registry == nil || deps.Executor == nil || deps.Types == nil {
		return nil, errors.New("scheduler: registry, executor and types are required")
	}
	cfg = cfg.withDefaults()
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("scheduler: timezone %q: %w", tz, err)
		}
		loc = l
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	st := deps.Store
	if st == nil {
		st = store.NewMemory()
	}
	seq := deps.Seq
	if seq == nil {
		seq = new(atomic.Uint64)
	}
	return &Scheduler{
		cfg:      cfg,
		loc:      loc,
		reg:      deps.Registry,
		triggers: deps.Registry.Triggers(),
		exec:     deps.Executor,
		types:    deps.Types,
		store:    st,
		locks:    deps.Locks,
		bus:      deps.Bus,
		log:      log.With(logx.Comp("scheduler")),
		seq:      seq,
		now:      time.Now,
		warn:     map[string]*rate.Limiter{},
	}, nil
}

// Start launches the control loop. Calling it while running is a no-op.
// Cancelling ctx has the same effect on in-flight jobs as Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	now := s.now()
	if !s.recovered {
		s.recoverOrphans(ctx, now)
		s.recovered = true
	}
	s.reanchor(now)

	sup := supervisor.New(ctx, supervisor.WithLogger(s.log))
	sup.GoRestart("scheduler.loop", func(ctx context.Context) error {
		return s.loop(ctx, sup)
	}, supervisor.Backoff{Min: 250 * time.Millisecond, Max: 10 * time.Second})
	s.sup = sup
	s.running = true
	s.log.Info("scheduler started",
		logx.Duration("tick", s.cfg.Tick),
		logx.Int("jobs", s.reg.Len()),
		logx.String("node", s.cfg.Node),
		logx.String("tz", s.loc.String()),
		logx.Bool("locking", s.locks != nil),
	)
	return nil
}

// Stop halts the loop and cancels in-flight executions, which finish as
// Canceled. It waits for them until ctx ends. Calling it while stopped is a no-op.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	sup := s.sup
	s.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	inflight := sup.Active(jobTaskPrefix)
	err := sup.Stop(ctx)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.log.Warn("scheduler stop timed out; some jobs still draining", logx.Int("active", sup.Active(jobTaskPrefix)))
		return err
	}
	if err != nil {
		// Loop errors were already logged by the supervisor.
		s.log.Debug("scheduler stopped with error", logx.Err(err))
	}
	s.log.Info("scheduler stopped", logx.Int("drained", inflight))
	return nil
}

func (s *Scheduler) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Scheduler) loop(ctx context.Context, sup *supervisor.Supervisor) error {
	t := time.NewTicker(s.cfg.Tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.tick(ctx, sup, s.now())
		}
	}
}

// tick fires every enabled job that is due at now.
func (s *Scheduler) tick(ctx context.Context, sup *supervisor.Supervisor, now time.Time) {
	for _, info := range s.reg.List() {
		if ctx.Err() != nil {
			return
		}
		if !info.Enabled {
			continue
		}
		if _, due := s.triggers.Due(info.Name, now); !due {
			continue
		}
		s.fireDue(ctx, sup, info, now)
	}
}

// fireDue has its own panic boundary so one broken job can't stop the tick.
func (s *Scheduler) fireDue(ctx context.Context, sup *supervisor.Supervisor, info job.Info, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			s.failed.Add(1)
			s.log.Error("dispatch panicked", logx.Job(info.Name), logx.Any("panic", r))
		}
	}()
	_, err := s.dispatch(ctx, sup, info, now, info.Trigger, nil, true)
	if err != nil && !errors.Is(err, ErrOverlapSkip) && !errors.Is(err, ErrLockHeld) {
		s.failed.Add(1)
		s.log.Warn("dispatch failed", logx.Job(info.Name), logx.Err(err))
	}
}

// dispatch creates an instance and starts its execution. advance records the
// fire and moves the trigger to its next time; manual fires only count.
func (s *Scheduler) dispatch(ctx context.Context, sup *supervisor.Supervisor, info job.Info, now time.Time, trig job.TriggerType, params map[string]string, advance bool) (string, error) {
	mu := s.dispatchLock(info.Name)
	mu.Lock()
	in, tok, err := s.admit(ctx, info, now, trig, params)
	mu.Unlock()
	if err != nil {
		return "", err
	}

	if advance {
		var nextPtr *time.Time
		if next, ok := s.afterFire(info, now); ok {
			nextPtr = &next
		}
		if _, ok := s.triggers.Fire(info.Name, now, nextPtr); !ok {
			s.log.Debug("job unregistered during dispatch", logx.Job(info.Name))
		}
	} else if _, ok := s.triggers.GetState(info.Name); ok {
		s.triggers.RecordFire(info.Name, now)
	}
	s.fired.Add(1)

	eventbus.Publish(s.bus, eventbus.TypeJobScheduled, eventbus.JobEvent{InstanceID: in.ID, Job: in.JobName, Status: string(in.Status)})
	s.log.Debug("job dispatched",
		logx.Job(in.JobName),
		logx.Instance(in.ID),
		logx.Uint64("seq", in.Sequence),
		logx.String("trigger", string(trig)),
	)

	sup.Go(jobTaskPrefix+info.Name, func(runCtx context.Context) error {
		if tok != nil {
			defer func() {
				rctx, cancel := context.WithTimeout(context.WithoutCancel(runCtx), 5*time.Second)
				defer cancel()
				if err := tok.Release(rctx); err != nil {
					s.log.Warn("lock release failed", logx.Job(info.Name), logx.Err(err))
				}
			}()
		}
		s.exec.Execute(runCtx, in, nil)
		return nil
	})
	return in.ID, nil
}

// admit applies the overlap and lock checks and persists a new instance.
// dispatchLock returns the admission mutex for name. Entries outlive
// unregistration so a re-registered job shares the lock of in-flight admits.
func (s *Scheduler) dispatchLock(name string) *sync.Mutex {
	if mu, ok := s.dispatchLocks.Load(name); ok {
		return mu.(*sync.Mutex)
	}
	mu, _ := s.dispatchLocks.LoadOrStore(name, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (s *Scheduler) admit(ctx context.Context, info job.Info, now time.Time, trig job.TriggerType, params map[string]string) (*job.Instance, lock.Token, error) {
	var tok lock.Token
	if !info.AllowConcurrent {
		running, err := s.store.GetRunningInstances(ctx, info.Name)
		if err != nil {
			return nil, nil, fmt.Errorf("check running instances: %w", err)
		}
		if len(running) > 0 {
			s.skip(info.Name, "running", logx.Instance(running[0].ID))
			return nil, nil, ErrOverlapSkip
		}
		if s.locks != nil {
			t, ok, err := s.locks.TryAcquire(ctx, info.Name, s.lease(info))
			if err != nil {
				return nil, nil, fmt.Errorf("acquire lock: %w", err)
			}
			if !ok {
				s.skip(info.Name, "locked")
				return nil, nil, ErrLockHeld
			}
			tok = t
		}
	}

	in := &job.Instance{
		ID:          uuid.NewString(),
		JobName:     info.Name,
		Info:        info,
		TriggerType: trig,
		Sequence:    s.seq.Add(1),
		ScheduledAt: now,
		Params:      job.MergeParams(info.DefaultParams, params),
		TraceID:     uuid.NewString(),
		Node:        s.cfg.Node,
	}
	if err := in.Transition(job.StatusScheduled); err != nil {
		s.releaseQuiet(tok)
		return nil, nil, err
	}
	if err := s.store.SaveInstance(ctx, in); err != nil {
		s.releaseQuiet(tok)
		return nil, nil, fmt.Errorf("save instance: %w", err)
	}
	return in, tok, nil
}

func (s *Scheduler) releaseQuiet(tok lock.Token) {
	if tok == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = tok.Release(ctx)
}

// skip logs a skipped fire, at most once per SkipLogEvery per job at warn level.
func (s *Scheduler) skip(name, reason string, fields ...logx.Field) {
	s.skipped.Add(1)
	eventbus.Publish(s.bus, eventbus.TypeJobSkipped, eventbus.JobEvent{Job: name, Reason: reason})

	s.warnMu.Lock()
	lim := s.warn[name]
	if lim == nil {
		lim = rate.NewLimiter(rate.Every(s.cfg.SkipLogEvery), 1)
		s.warn[name] = lim
	}
	s.warnMu.Unlock()

	fields = append([]logx.Field{logx.Job(name), logx.String("reason", reason)}, fields...)
	if lim.Allow() {
		s.log.Warn("job fire skipped", fields...)
	} else {
		s.log.Debug("job fire skipped", fields...)
	}
}

func (s *Scheduler) lease(info job.Info) time.Duration {
	lease := s.cfg.LockLease
	if info.Timeout > 0 {
		attempts := info.Retry.MaxAttempts
		if attempts < 1 {
			attempts = 1
		}
		if worst := time.Duration(attempts)*info.Timeout + s.cfg.Tick; worst > lease {
			lease = worst
		}
	}
	return lease
}

// nextFire evaluates cron expressions in the scheduler's timezone.
func (s *Scheduler) nextFire(info job.Info, ref time.Time) (time.Time, bool) {
	return trigger.NextFireTime(info, ref.In(s.loc))
}

func (s *Scheduler) afterFire(info job.Info, firedAt time.Time) (time.Time, bool) {
	return trigger.AfterFire(info, firedAt.In(s.loc))
}

// reanchor recomputes next fire times from now so time spent stopped is not
// replayed. One-shot delay jobs that already fired stay finished.
func (s *Scheduler) reanchor(now time.Time) {
	for _, info := range s.reg.List() {
		st, ok := s.triggers.GetState(info.Name)
		if ok && info.Trigger == job.TriggerDelay && st.FireCount > 0 {
			continue
		}
		var next *time.Time
		if t, ok := s.nextFire(info, now); ok {
			next = &t
		}
		s.triggers.Ensure(info.Name, next)
	}
}

// recoverOrphans finalizes instances this node left unfinished in a
// persistent store, e.g. after a crash. Without it a non-concurrent job would
// stay blocked on an instance that will never complete.
func (s *Scheduler) recoverOrphans(ctx context.Context, now time.Time) {
	for _, info := range s.reg.List() {
		running, err := s.store.GetRunningInstances(ctx, info.Name)
		if err != nil {
			s.log.Warn("orphan scan failed", logx.Job(info.Name), logx.Err(err))
			continue
		}
		for _, in := range running {
			if in.Node != s.cfg.Node || !in.ScheduledAt.Before(now) {
				continue
			}
			if err := in.Transition(job.StatusCanceled); err != nil {
				continue
			}
			in.CompletedAt = now
			if !in.StartedAt.IsZero() {
				in.Duration = now.Sub(in.StartedAt)
			}
			in.ErrorMessage = "canceled: abandoned by previous run"
			if err := s.store.SaveInstance(ctx, in); err != nil {
				s.log.Warn("orphan save failed", logx.Instance(in.ID), logx.Err(err))
				continue
			}
			if h, err := job.NewHistory(in); err == nil {
				if err := s.store.SaveHistory(ctx, h); err != nil {
					s.log.Warn("orphan history failed", logx.Instance(in.ID), logx.Err(err))
				}
			}
			s.log.Info("orphaned instance canceled", logx.Job(in.JobName), logx.Instance(in.ID))
		}
	}
}
