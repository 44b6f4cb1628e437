package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"jobsched/internal/container"
	"jobsched/internal/executor"
	"jobsched/internal/job"
	"jobsched/internal/lock"
	"jobsched/internal/registry"
	"jobsched/internal/runtime/supervisor"
	"jobsched/internal/store"
	logx "jobsched/pkg/logx"
)

type fixture struct {
	s       *Scheduler
	store   *store.Memory
	locks   *lock.Memory
	release chan struct{}
	calls   atomic.Int32
}

func newFixture(t *testing.T, cfg Config, withLocks bool) *fixture {
	t.Helper()
	f := &fixture{store: store.NewMemory(), release: make(chan struct{})}
	c := container.New()
	_ = c.Register("ok", func(*container.Scope) (job.Body, error) {
		return job.BodyFunc(func(*job.Context) error { f.calls.Add(1); return nil }), nil
	})
	_ = c.Register("block", func(*container.Scope) (job.Body, error) {
		return job.BodyFunc(func(jc *job.Context) error {
			select {
			case <-f.release:
				return nil
			case <-jc.Done():
				return jc.Err()
			}
		}), nil
	})
	_ = c.Register("panic", func(*container.Scope) (job.Body, error) {
		return job.BodyFunc(func(*job.Context) error { panic("broken job") }), nil
	})

	deps := Deps{
		Registry: registry.New(registry.NewTriggerManager()),
		Executor: executor.New(executor.Config{}, f.store, c, nil, logx.Nop(), nil),
		Types:    c,
		Store:    f.store,
		Log:      logx.Nop(),
	}
	if withLocks {
		f.locks = lock.NewMemory()
		deps.Locks = f.locks
	}
	if cfg.Node == "" {
		cfg.Node = "node-test"
	}
	s, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.s = s
	return f
}

// tickAndWait runs one tick with its own supervisor and waits for dispatched jobs.
func (f *fixture) tickAndWait(t *testing.T, now time.Time) {
	t.Helper()
	sup := supervisor.New(context.Background())
	f.s.tick(context.Background(), sup, now)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sup.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func (f *fixture) history(t *testing.T, name string) []job.History {
	t.Helper()
	hs, err := f.store.GetHistory(context.Background(), name, 1, 100)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	return hs
}

func interval(name, typ string, every time.Duration) job.Info {
	return job.Info{Name: name, Type: typ, Trigger: job.TriggerInterval, Interval: every, Enabled: true}
}

func TestIntervalFiresTwiceInWindow(t *testing.T) {
	f := newFixture(t, Config{Tick: 50 * time.Millisecond}, false)
	if err := f.s.RegisterJob(interval("cleanup", "ok", 500*time.Millisecond)); err != nil {
		t.Fatalf("RegisterJob: %v", err)
	}
	if err := f.s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(1250 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	hs := f.history(t, "cleanup")
	if len(hs) != 2 {
		t.Fatalf("fires = %d, want 2", len(hs))
	}
	for _, h := range hs {
		if h.Status != job.StatusSucceeded || h.DurationMs < 0 {
			t.Fatalf("history = %+v", h)
		}
	}
}

func TestTickFiresDueJobAndAdvances(t *testing.T) {
	f := newFixture(t, Config{}, false)
	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	f.s.now = func() time.Time { return t0 }
	if err := f.s.RegisterJob(interval("j", "ok", 5*time.Second)); err != nil {
		t.Fatalf("RegisterJob: %v", err)
	}
	if next, ok := f.s.GetNextFireTime("j"); !ok || !next.Equal(t0.Add(5*time.Second)) {
		t.Fatalf("next = %v, %v", next, ok)
	}

	f.tickAndWait(t, t0.Add(time.Second))
	if f.calls.Load() != 0 {
		t.Fatal("fired before due")
	}

	fireAt := t0.Add(5 * time.Second)
	f.tickAndWait(t, fireAt)
	if f.calls.Load() != 1 {
		t.Fatalf("calls = %d", f.calls.Load())
	}
	st, _ := f.s.GetState("j")
	if st.FireCount != 1 || !st.LastFireTime.Equal(fireAt) || !st.NextFireTime.Equal(fireAt.Add(5*time.Second)) {
		t.Fatalf("state = %+v", st)
	}
	hs := f.history(t, "j")
	if len(hs) != 1 || !hs[0].IsSuccess || hs[0].ExecutionNode != "node-test" || hs[0].TriggerType != job.TriggerInterval {
		t.Fatalf("history = %+v", hs)
	}
}

func TestDisabledJobNeverFires(t *testing.T) {
	f := newFixture(t, Config{}, false)
	t0 := time.Now()
	f.s.now = func() time.Time { return t0 }
	info := interval("off", "ok", time.Second)
	info.Enabled = false
	_ = f.s.RegisterJob(info)
	f.tickAndWait(t, t0.Add(time.Hour))
	if f.calls.Load() != 0 {
		t.Fatal("disabled job fired")
	}
}

func TestNonConcurrentJobSkipsWhileRunning(t *testing.T) {
	f := newFixture(t, Config{}, false)
	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	f.s.now = func() time.Time { return t0 }
	_ = f.s.RegisterJob(interval("single", "block", time.Second))

	sup := supervisor.New(context.Background())
	f.s.tick(context.Background(), sup, t0.Add(time.Second))
	f.s.tick(context.Background(), sup, t0.Add(3*time.Second))

	running, _ := f.store.GetRunningInstances(context.Background(), "single")
	if len(running) != 1 {
		t.Fatalf("non-terminal instances = %d, want 1", len(running))
	}
	st, _ := f.s.GetState("single")
	if st.FireCount != 1 {
		t.Fatalf("fire count = %d", st.FireCount)
	}
	// The skipped fire is not rescheduled early: the job stays due.
	if _, due := f.s.triggers.Due("single", t0.Add(3*time.Second)); !due {
		t.Fatal("skipped job should remain due")
	}

	close(f.release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = sup.Wait(ctx)

	f.tickAndWait(t, t0.Add(4*time.Second))
	if hs := f.history(t, "single"); len(hs) != 2 {
		t.Fatalf("history = %d, want 2", len(hs))
	}
	if f.s.Snapshot().Skipped != 1 {
		t.Fatalf("skipped = %d", f.s.Snapshot().Skipped)
	}
}

func TestConcurrentJobOverlaps(t *testing.T) {
	f := newFixture(t, Config{}, false)
	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	f.s.now = func() time.Time { return t0 }
	info := interval("multi", "block", time.Second)
	info.AllowConcurrent = true
	_ = f.s.RegisterJob(info)

	sup := supervisor.New(context.Background())
	f.s.tick(context.Background(), sup, t0.Add(time.Second))
	f.s.tick(context.Background(), sup, t0.Add(2*time.Second))
	running, _ := f.store.GetRunningInstances(context.Background(), "multi")
	if len(running) != 2 {
		t.Fatalf("running = %d, want 2", len(running))
	}
	close(f.release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = sup.Wait(ctx)
}

func TestLockHeldElsewhereSkips(t *testing.T) {
	f := newFixture(t, Config{}, true)
	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	f.s.now = func() time.Time { return t0 }
	_ = f.s.RegisterJob(interval("locked", "ok", time.Second))

	tok, ok, _ := f.locks.TryAcquire(context.Background(), "locked", time.Minute)
	if !ok {
		t.Fatal("pre-acquire failed")
	}
	f.tickAndWait(t, t0.Add(time.Second))
	if f.calls.Load() != 0 {
		t.Fatal("fired while lock held elsewhere")
	}

	_ = tok.Release(context.Background())
	f.tickAndWait(t, t0.Add(2*time.Second))
	if f.calls.Load() != 1 {
		t.Fatalf("calls = %d", f.calls.Load())
	}
	if f.locks.Held("locked") {
		t.Fatal("lock not released after run")
	}
}

func TestPauseResumeDoesNotReplayMissedFires(t *testing.T) {
	f := newFixture(t, Config{}, false)
	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	now := t0
	f.s.now = func() time.Time { return now }
	_ = f.s.RegisterJob(interval("p", "ok", 5*time.Second))

	if !f.s.PauseJob("p") {
		t.Fatal("PauseJob returned false")
	}
	f.tickAndWait(t, t0.Add(5*time.Second))
	f.tickAndWait(t, t0.Add(20*time.Second))
	if f.calls.Load() != 0 {
		t.Fatal("paused job fired")
	}

	now = t0.Add(21 * time.Second)
	if !f.s.ResumeJob("p") {
		t.Fatal("ResumeJob returned false")
	}
	f.tickAndWait(t, now)
	if f.calls.Load() != 0 {
		t.Fatal("missed fire replayed on resume")
	}
	f.tickAndWait(t, now.Add(5*time.Second))
	if f.calls.Load() != 1 {
		t.Fatalf("calls after resume = %d", f.calls.Load())
	}
	if f.s.PauseJob("nope") || f.s.ResumeJob("nope") {
		t.Fatal("pause/resume of unknown job should be false")
	}
}

func TestFaultyJobDoesNotStopScheduling(t *testing.T) {
	f := newFixture(t, Config{}, false)
	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	f.s.now = func() time.Time { return t0 }
	bad := interval("bad", "panic", time.Second)
	bad.Priority = 10
	_ = f.s.RegisterJob(bad)
	_ = f.s.RegisterJob(interval("good", "ok", time.Second))

	f.tickAndWait(t, t0.Add(time.Second))
	f.tickAndWait(t, t0.Add(2*time.Second))

	badHist := f.history(t, "bad")
	if len(badHist) != 2 || badHist[0].IsSuccess || badHist[0].ErrorMessage == "" {
		t.Fatalf("bad history = %+v", badHist)
	}
	if len(f.history(t, "good")) != 2 {
		t.Fatal("good job stopped being scheduled after a fault")
	}
}

func TestDelayJobFiresOnce(t *testing.T) {
	f := newFixture(t, Config{}, false)
	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	f.s.now = func() time.Time { return t0 }
	_ = f.s.RegisterJob(job.Info{Name: "once", Type: "ok", Trigger: job.TriggerDelay, Delay: 2 * time.Second, Enabled: true})

	f.tickAndWait(t, t0.Add(2*time.Second))
	if _, ok := f.s.GetNextFireTime("once"); ok {
		t.Fatal("delay job rescheduled after firing")
	}
	f.tickAndWait(t, t0.Add(time.Hour))
	if f.calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", f.calls.Load())
	}
}

func TestReRegisterKeepsTriggerState(t *testing.T) {
	f := newFixture(t, Config{}, false)
	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	now := t0
	f.s.now = func() time.Time { return now }

	once := job.Info{Name: "once", Type: "ok", Trigger: job.TriggerDelay, Delay: 2 * time.Second, Enabled: true}
	hourly := interval("hourly", "ok", time.Hour)
	_ = f.s.RegisterJob(once)
	_ = f.s.RegisterJob(hourly)
	f.tickAndWait(t, t0.Add(2*time.Second))
	if f.calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", f.calls.Load())
	}

	now = t0.Add(10 * time.Second)
	once.DefaultParams = map[string]string{"note": "edited"}
	_ = f.s.RegisterJob(once)
	_ = f.s.RegisterJob(hourly)
	if _, ok := f.s.GetNextFireTime("once"); ok {
		t.Fatal("fired delay job re-armed by re-registration")
	}
	if next, _ := f.s.GetNextFireTime("hourly"); !next.Equal(t0.Add(time.Hour)) {
		t.Fatalf("unchanged interval job moved to %v", next)
	}
	f.tickAndWait(t, t0.Add(time.Minute))
	if f.calls.Load() != 1 {
		t.Fatalf("delay job fired again: calls = %d", f.calls.Load())
	}

	// A changed schedule is recomputed from now.
	once.Delay = 3 * time.Second
	_ = f.s.RegisterJob(once)
	if next, ok := f.s.GetNextFireTime("once"); !ok || !next.Equal(now.Add(3*time.Second)) {
		t.Fatalf("changed delay next = %v, %v", next, ok)
	}

	// Re-enabling does not replay fires missed while disabled.
	hourly.Enabled = false
	_ = f.s.RegisterJob(hourly)
	now = t0.Add(3 * time.Hour)
	hourly.Enabled = true
	_ = f.s.RegisterJob(hourly)
	if next, _ := f.s.GetNextFireTime("hourly"); !next.Equal(now.Add(time.Hour)) {
		t.Fatalf("re-enabled job next = %v", next)
	}
}

func TestRegisterJobRejectsBadDefinitions(t *testing.T) {
	f := newFixture(t, Config{}, false)
	cases := []job.Info{
		{Name: "", Type: "ok", Trigger: job.TriggerManual},
		{Name: "cron", Type: "ok", Trigger: job.TriggerCron, CronExpr: "not a cron"},
		{Name: "iv", Type: "ok", Trigger: job.TriggerInterval},
		{Name: "type", Type: "missing", Trigger: job.TriggerManual},
	}
	for _, info := range cases {
		err := f.s.RegisterJob(info)
		if !job.IsConfigError(err) {
			t.Fatalf("%q: err = %v, want config error", info.Name, err)
		}
		if _, ok := f.s.reg.Get(info.Name); ok {
			t.Fatalf("%q registered despite error", info.Name)
		}
	}
}

func TestUnregisterRemovesTriggerState(t *testing.T) {
	f := newFixture(t, Config{}, false)
	_ = f.s.RegisterJob(interval("gone", "ok", time.Second))
	if !f.s.UnregisterJob("gone") {
		t.Fatal("UnregisterJob returned false")
	}
	if _, ok := f.s.GetState("gone"); ok {
		t.Fatal("trigger state survived unregister")
	}
	if len(f.s.GetAllJobs()) != 0 {
		t.Fatal("job still listed")
	}
}

func TestManualTrigger(t *testing.T) {
	f := newFixture(t, Config{Tick: time.Hour}, false)
	_ = f.s.RegisterJob(job.Info{Name: "m", Type: "ok", Trigger: job.TriggerManual, Enabled: true, DefaultParams: map[string]string{"a": "1"}})

	if _, err := f.s.TriggerJobAsync(context.Background(), "m", nil); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("before start err = %v", err)
	}
	_ = f.s.Start(context.Background())
	defer f.s.Stop(context.Background())

	id, err := f.s.TriggerJobAsync(context.Background(), "m", map[string]string{"b": "2"})
	if err != nil || id == "" {
		t.Fatalf("TriggerJobAsync = %q, %v", id, err)
	}
	if _, err := f.s.TriggerJobAsync(context.Background(), "nope", nil); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("unknown job err = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		in, err := f.store.GetInstance(context.Background(), id)
		if err == nil && in.Status.Terminal() {
			if in.TriggerType != job.TriggerManual || in.Params["a"] != "1" || in.Params["b"] != "2" {
				t.Fatalf("instance = %+v", in)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("instance never finished: %+v, %v", in, err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, ok := f.s.GetNextFireTime("m"); ok {
		t.Fatal("manual trigger set a next fire time")
	}
	st, _ := f.s.GetState("m")
	if st.FireCount != 1 {
		t.Fatalf("fire count = %d", st.FireCount)
	}
	if hs := f.history(t, "m"); len(hs) != 1 {
		t.Fatalf("instances = %d, want exactly 1", len(hs))
	}
}

func TestDispatchLocksArePerJob(t *testing.T) {
	f := newFixture(t, Config{Tick: time.Hour}, false)
	for _, name := range []string{"a", "b"} {
		if err := f.s.RegisterJob(job.Info{Name: name, Type: "ok", Trigger: job.TriggerManual, Enabled: true}); err != nil {
			t.Fatalf("RegisterJob(%s): %v", name, err)
		}
	}
	if err := f.s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.s.Stop(context.Background())

	if f.s.dispatchLock("a") != f.s.dispatchLock("a") {
		t.Fatal("same job got two locks")
	}
	held := f.s.dispatchLock("a")
	held.Lock()
	defer held.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := f.s.TriggerJobAsync(context.Background(), "b", nil)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("TriggerJobAsync(b): %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch of b blocked behind a")
	}

	blocked := make(chan struct{})
	go func() {
		_, _ = f.s.TriggerJobAsync(context.Background(), "a", nil)
		close(blocked)
	}()
	select {
	case <-blocked:
		t.Fatal("dispatch of a ran while its lock was held")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStopCancelsInFlight(t *testing.T) {
	f := newFixture(t, Config{Tick: time.Hour}, false)
	_ = f.s.RegisterJob(job.Info{Name: "long", Type: "block", Trigger: job.TriggerManual, Enabled: true})
	_ = f.s.Start(context.Background())

	id, err := f.s.TriggerJobAsync(context.Background(), "long", nil)
	if err != nil {
		t.Fatalf("TriggerJobAsync: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := f.s.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	in, err := f.store.GetInstance(context.Background(), id)
	if err != nil || in.Status != job.StatusCanceled {
		t.Fatalf("instance = %+v, %v", in, err)
	}
	if f.s.Running() {
		t.Fatal("still running after Stop")
	}
}

func TestStartRecoversOrphans(t *testing.T) {
	f := newFixture(t, Config{Tick: time.Hour}, false)
	_ = f.s.RegisterJob(job.Info{Name: "o", Type: "ok", Trigger: job.TriggerManual, Enabled: true})
	past := time.Now().Add(-time.Minute)
	mine := &job.Instance{ID: "mine", JobName: "o", Status: job.StatusRunning, ScheduledAt: past, StartedAt: past, Node: "node-test"}
	theirs := &job.Instance{ID: "theirs", JobName: "o", Status: job.StatusRunning, ScheduledAt: past, Node: "other"}
	_ = f.store.SaveInstance(context.Background(), mine)
	_ = f.store.SaveInstance(context.Background(), theirs)

	_ = f.s.Start(context.Background())
	defer f.s.Stop(context.Background())

	got, _ := f.store.GetInstance(context.Background(), "mine")
	if got.Status != job.StatusCanceled {
		t.Fatalf("own orphan status = %s", got.Status)
	}
	got, _ = f.store.GetInstance(context.Background(), "theirs")
	if got.Status != job.StatusRunning {
		t.Fatalf("foreign instance touched: %s", got.Status)
	}
	if hs := f.history(t, "o"); len(hs) != 1 || hs[0].InstanceID != "mine" {
		t.Fatalf("history = %+v", hs)
	}
}

func TestSequenceIsInjected(t *testing.T) {
	f := newFixture(t, Config{}, false)
	seq := new(atomic.Uint64)
	seq.Store(100)
	f.s.seq = seq
	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	f.s.now = func() time.Time { return t0 }
	_ = f.s.RegisterJob(interval("seq", "ok", time.Second))
	f.tickAndWait(t, t0.Add(time.Second))
	if seq.Load() != 101 {
		t.Fatalf("seq = %d", seq.Load())
	}
}
