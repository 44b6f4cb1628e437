package jobs

import (
	"context"
	"strings"
	"testing"
	"time"

	"jobsched/internal/container"
	"jobsched/internal/eventbus"
	"jobsched/internal/job"
	"jobsched/internal/pipeline"
	"jobsched/internal/store"
	logx "jobsched/pkg/logx"
)

func newScope(t *testing.T, setup func(c *container.Container)) (*container.Container, *container.Scope) {
	t.Helper()
	c := container.New()
	if err := Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if setup != nil {
		setup(c)
	}
	sc := c.CreateScope()
	t.Cleanup(func() { _ = sc.Close() })
	return c, sc
}

func run(t *testing.T, ctx context.Context, sc *container.Scope, typ string, params map[string]string, attempt int) job.Result {
	t.Helper()
	body, err := sc.Resolve(typ)
	if err != nil {
		t.Fatalf("Resolve(%s): %v", typ, err)
	}
	in := &job.Instance{ID: "i1", JobName: "test-" + typ}
	return body.Execute(job.NewContext(ctx, in, params, attempt, sc, logx.Nop()))
}

func TestRegisterAllTypes(t *testing.T) {
	c, _ := newScope(t, nil)
	got := strings.Join(c.Types(), ",")
	if got != "echo,history-cleanup,runtime-stats,systemd-unit" {
		t.Fatalf("types=%s", got)
	}
}

func TestEcho(t *testing.T) {
	_, sc := newScope(t, nil)
	ctx := context.Background()

	res := run(t, ctx, sc, TypeEcho, map[string]string{"message": "hello"}, 1)
	if !res.Succeeded() || res.Message != "hello" {
		t.Fatalf("res=%+v", res)
	}

	res = run(t, ctx, sc, TypeEcho, map[string]string{"fail_attempts": "2"}, 2)
	if !res.Failed() || job.IsNoRetry(res.Err) {
		t.Fatalf("attempt 2 should fail retryably: %+v", res)
	}
	res = run(t, ctx, sc, TypeEcho, map[string]string{"fail_attempts": "2"}, 3)
	if !res.Succeeded() {
		t.Fatalf("attempt 3 should succeed: %+v", res)
	}

	res = run(t, ctx, sc, TypeEcho, map[string]string{"sleep": "forever"}, 1)
	if !res.Failed() || !job.IsNoRetry(res.Err) {
		t.Fatalf("bad sleep should be a permanent failure: %+v", res)
	}
}

func TestEchoSleepHonorsCancel(t *testing.T) {
	_, sc := newScope(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	res := run(t, ctx, sc, TypeEcho, map[string]string{"sleep": "10s"}, 1)
	if !res.IsCanceled() {
		t.Fatalf("res=%+v", res)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("sleep ignored cancellation")
	}
}

func TestHistoryCleanup(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	old := time.Now().Add(-10 * 24 * time.Hour)
	for i, at := range []time.Time{old, old, time.Now()} {
		h := job.History{InstanceID: string(rune('a' + i)), JobName: "j", Status: job.StatusSucceeded, StartedAt: at, CompletedAt: at}
		if err := st.SaveHistory(ctx, h); err != nil {
			t.Fatalf("SaveHistory: %v", err)
		}
	}
	_, sc := newScope(t, func(c *container.Container) { _ = c.Instance(ServiceStore, store.Store(st)) })

	res := run(t, ctx, sc, TypeHistoryCleanup, map[string]string{"retention_days": "7"}, 1)
	if !res.Succeeded() || res.Message != "removed 2 records" {
		t.Fatalf("res=%+v", res)
	}
	page, err := st.GetHistory(ctx, "j", 1, 10)
	if err != nil || len(page) != 1 {
		t.Fatalf("history=%v err=%v", page, err)
	}

	res = run(t, ctx, sc, TypeHistoryCleanup, nil, 1)
	if !res.Failed() || !job.IsNoRetry(res.Err) {
		t.Fatalf("missing retention should fail permanently: %+v", res)
	}
}

func TestHistoryCleanupWithoutStore(t *testing.T) {
	_, sc := newScope(t, nil)
	res := run(t, context.Background(), sc, TypeHistoryCleanup, map[string]string{"retention_days": "1"}, 1)
	if !res.Failed() || !job.IsNoRetry(res.Err) {
		t.Fatalf("res=%+v", res)
	}
}

func TestRuntimeStats(t *testing.T) {
	stats := pipeline.NewStats()
	h := stats.Invoke
	jc := job.NewContext(context.Background(), &job.Instance{JobName: "flaky"}, nil, 1, nil, logx.Nop())
	h(jc, func(*job.Context) job.Result { return job.Failure("x", nil) })

	bus := eventbus.New()
	_, _ = bus.Subscribe(1)
	eventbus.Publish(bus, eventbus.TypeJobAttempt, nil)
	eventbus.Publish(bus, eventbus.TypeJobAttempt, nil)

	_, sc := newScope(t, func(c *container.Container) {
		_ = c.Instance(ServiceStats, stats)
		_ = c.Instance(ServiceEvents, bus)
	})
	res := run(t, context.Background(), sc, TypeRuntimeStats, nil, 1)
	if !res.Succeeded() || res.Message != "1 jobs tracked" {
		t.Fatalf("res=%+v", res)
	}

	_, bare := newScope(t, nil)
	if res := run(t, context.Background(), bare, TypeRuntimeStats, nil, 1); !res.Succeeded() {
		t.Fatalf("res=%+v", res)
	}
}
