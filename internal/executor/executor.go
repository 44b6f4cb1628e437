// Package executor runs one job instance to a terminal status.
//
// It owns the retry loop: each attempt gets its own timeout and a freshly
// built pipeline chain. Persistence failures are logged and never change the
// returned result.
package executor

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"jobsched/internal/container"
	"jobsched/internal/eventbus"
	"jobsched/internal/job"
	"jobsched/internal/pipeline"
	"jobsched/internal/store"
	logx "jobsched/pkg/logx"
)

type Config struct {
	// DefaultTimeout applies to jobs without Info.Timeout. 0 disables it.
	DefaultTimeout time.Duration
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RetryJitter    float64
	// PersistTimeout bounds store writes made after the run context is gone.
	PersistTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 5 * time.Second
	}
	return c
}

type Executor struct {
	cfg   Config
	store store.Store
	c     *container.Container
	p     *pipeline.Pipeline
	log   logx.Logger
	bus   eventbus.Bus
}

func New(cfg Config, st store.Store, c *container.Container, p *pipeline.Pipeline, log logx.Logger, bus eventbus.Bus) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	if st == nil {
		st = store.NewMemory()
	}
	if c == nil {
		c = container.New()
	}
	if p == nil {
		p = pipeline.New()
	}
	return &Executor{
		cfg:   cfg.withDefaults(),
		store: st,
		c:     c,
		p:     p,
		log:   log.With(logx.Comp("executor")),
		bus:   bus,
	}
}

// Execute drives in from scheduled to a terminal status and returns the final
// result. params, when non-nil, replaces in.Params.
func (e *Executor) Execute(ctx context.Context, in *job.Instance, params map[string]string) job.Result {
	if ctx == nil {
		ctx = context.Background()
	}
	log := e.log.With(logx.Job(in.JobName), logx.Instance(in.ID))
	if params != nil {
		in.Params = params
	}

	start := time.Now()
	if err := in.Transition(job.StatusRunning); err != nil {
		log.Error("instance not runnable", logx.Err(err))
		return job.Failure("", job.NoRetry(err))
	}
	in.StartedAt = start
	e.persist(ctx, log, "save running instance", func(pctx context.Context) error {
		return e.store.SaveInstance(pctx, in)
	})
	eventbus.Publish(e.bus, eventbus.TypeJobStarted, eventbus.JobEvent{InstanceID: in.ID, Job: in.JobName, Status: string(in.Status)})
	log.Debug("job.started", logx.String("trigger", string(in.TriggerType)))

	res, attempts := e.run(ctx, log, in)
	e.finalize(ctx, log, in, res, attempts)
	return res.WithDuration(in.Duration)
}

func (e *Executor) run(ctx context.Context, log logx.Logger, in *job.Instance) (job.Result, int) {
	scope := e.c.CreateScope()
	defer func() {
		if err := scope.Close(); err != nil {
			log.Warn("scope close failed", logx.Err(err))
		}
	}()

	body, err := scope.Resolve(in.Info.Type)
	if err != nil {
		return job.Failure("", err), 0
	}

	maxAttempts := in.Info.Retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	timeout := in.Info.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	snapshot := in.Clone()

	var res job.Result
	attempts := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		runCtx, cancel := ctx, context.CancelFunc(func() {})
		if timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		jc := job.NewContext(runCtx, snapshot, in.Params, attempt, scope, log)
		res = e.p.Run(jc, body)
		cancel()

		if res.Succeeded() || res.IsCanceled() {
			break
		}
		if job.IsNoRetry(res.Err) || job.IsConstructionError(res.Err) {
			break
		}
		if attempt >= maxAttempts {
			break
		}

		delay := e.backoff(in.Info.Retry, attempt, res.Err)
		log.Debug("job retry scheduled", logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.String("msg", res.Message))
		if delay > 0 {
			tmr := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				tmr.Stop()
				out := job.Canceled()
				out.Err = ctx.Err()
				out.Message = "canceled: " + ctx.Err().Error()
				return out, attempts
			case <-tmr.C:
			}
		}
	}
	return res, attempts
}

func (e *Executor) finalize(ctx context.Context, log logx.Logger, in *job.Instance, res job.Result, attempts int) {
	end := time.Now()
	in.CompletedAt = end
	in.Duration = end.Sub(in.StartedAt)
	in.RetryCount = attempts
	if !res.Succeeded() {
		in.ErrorMessage = res.Message
		in.StackTrace = res.Stack
	}
	if err := in.Transition(res.Status()); err != nil {
		log.Error("final transition rejected", logx.Err(err))
	}

	fields := []logx.Field{logx.String("status", string(in.Status)), logx.Duration("dur", in.Duration), logx.Int("attempts", attempts)}
	switch {
	case res.Succeeded():
		log.Info("job.completed", fields...)
	case res.IsCanceled():
		log.Info("job.canceled", append(fields, logx.String("reason", res.Message))...)
	default:
		log.Warn("job.failed", append(fields, logx.String("msg", res.Message), logx.Err(res.Err))...)
	}

	e.persist(ctx, log, "save final instance", func(pctx context.Context) error {
		return e.store.SaveInstance(pctx, in)
	})
	if h, err := job.NewHistory(in); err != nil {
		log.Error("history snapshot failed", logx.Err(err))
	} else {
		e.persist(ctx, log, "save history", func(pctx context.Context) error {
			return e.store.SaveHistory(pctx, h)
		})
	}

	ev := eventbus.JobEvent{InstanceID: in.ID, Job: in.JobName, Status: string(in.Status), Attempt: attempts, Duration: in.Duration}
	if !res.Succeeded() {
		ev.Error = res.Message
	}
	eventbus.Publish(e.bus, eventbus.TypeJobFinished, ev)
}

// persist runs a store write that must happen even after ctx is canceled.
func (e *Executor) persist(ctx context.Context, log logx.Logger, what string, fn func(ctx context.Context) error) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.PersistTimeout)
	defer cancel()
	if err := fn(pctx); err != nil {
		log.Warn(what+" failed", logx.Err(err))
	}
}

func (e *Executor) backoff(p job.RetryPolicy, attempt int, err error) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = e.cfg.RetryBaseDelay
	}
	maxD := p.MaxDelay
	if maxD <= 0 {
		maxD = e.cfg.RetryMaxDelay
	}
	if maxD < base {
		maxD = base
	}
	jitter := p.Jitter
	if jitter <= 0 {
		jitter = e.cfg.RetryJitter
	}
	return backoffDelay(base, maxD, jitter, p.Exponential, attempt, err, rand.Float64())
}

// backoffDelay computes the wait before attempt+1. r is a uniform sample in [0,1).
// An explicit job.RetryAfter hint replaces the computed base.
func backoffDelay(base, maxD time.Duration, jitter float64, exponential bool, attempt int, err error, r float64) time.Duration {
	d := base
	var ra job.RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d = ra.RetryAfter()
	} else if exponential {
		for i := 1; i < attempt; i++ {
			d *= 2
			if d > maxD {
				break
			}
		}
	}
	if d > maxD {
		d = maxD
	}
	if jitter > 0 && d > 0 {
		d = time.Duration(float64(d) * (1 + (r*2-1)*jitter))
	}
	if d < 0 {
		d = 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}
