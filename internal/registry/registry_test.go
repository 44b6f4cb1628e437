package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"jobsched/internal/job"
)

func TestRegisterUpsertAndList(t *testing.T) {
	t.Parallel()
	r := New(nil)
	if r.Register(job.Info{Name: "b", Priority: 1}) {
		t.Fatal("first register should not report replace")
	}
	r.Register(job.Info{Name: "a", Priority: 1})
	r.Register(job.Info{Name: "z", Priority: 5})
	if !r.Register(job.Info{Name: "b", Priority: 1, Type: "v2"}) {
		t.Fatal("second register should report replace")
	}

	got, ok := r.Get("b")
	if !ok || got.Type != "v2" {
		t.Fatalf("Get(b) = %+v, %v", got, ok)
	}

	list := r.List()
	names := []string{}
	for _, i := range list {
		names = append(names, i.Name)
	}
	if fmt.Sprint(names) != "[z a b]" {
		t.Fatalf("unexpected order: %v", names)
	}
}

func TestListIsSnapshot(t *testing.T) {
	t.Parallel()
	r := New(nil)
	r.Register(job.Info{Name: "a", DefaultParams: map[string]string{"k": "v"}})
	list := r.List()
	list[0].DefaultParams["k"] = "mutated"
	r.Register(job.Info{Name: "b"})
	if len(list) != 1 {
		t.Fatal("snapshot must not grow")
	}
	got, _ := r.Get("a")
	if got.DefaultParams["k"] != "v" {
		t.Fatal("registered definition was mutated through a snapshot")
	}
}

func TestUnregisterCascadesTriggerState(t *testing.T) {
	t.Parallel()
	r := New(nil)
	next := time.Now().Add(time.Minute)
	r.Register(job.Info{Name: "cleanup"})
	r.Triggers().Ensure("cleanup", &next)

	if !r.Unregister("cleanup") {
		t.Fatal("Unregister should report removal")
	}
	if _, ok := r.Get("cleanup"); ok {
		t.Fatal("definition still present")
	}
	if _, ok := r.Triggers().GetState("cleanup"); ok {
		t.Fatal("trigger state still present")
	}
	if r.Unregister("cleanup") {
		t.Fatal("second Unregister should report nothing removed")
	}
}

func TestTriggerManagerPauseResume(t *testing.T) {
	t.Parallel()
	m := NewTriggerManager()
	if m.Pause("ghost") || m.Resume("ghost", time.Now(), nil) {
		t.Fatal("pause/resume of unknown job must be a no-op")
	}
	if _, ok := m.GetState("ghost"); ok {
		t.Fatal("pause must not create state")
	}

	now := time.Now()
	past := now.Add(-time.Second)
	m.Ensure("a", &past)
	if _, due := m.Due("a", now); !due {
		t.Fatal("expected due")
	}
	m.Pause("a")
	if _, due := m.Due("a", now); due {
		t.Fatal("paused job must not be due")
	}
	m.Resume("a", now, nil)
	if _, due := m.Due("a", now); !due {
		t.Fatal("resumed job without a replacement time should be due again")
	}

	m.UpdateNextFireTime("a", nil)
	if st, due := m.Due("a", now); due || st.NextFireTime != nil {
		t.Fatal("nil next fire time means never due")
	}
}

func TestTriggerManagerResumeReanchorsAtomically(t *testing.T) {
	t.Parallel()
	m := NewTriggerManager()
	now := time.Now()
	past := now.Add(-time.Minute)
	next := now.Add(time.Minute)
	m.Ensure("a", &past)
	m.Pause("a")

	stop := make(chan struct{})
	var sawStale atomic.Bool
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			if st, due := m.Due("a", now); due && st.NextFireTime.Equal(past) {
				sawStale.Store(true)
			}
		}
	}()
	if !m.Resume("a", now, &next) {
		t.Fatal("Resume of a known job must succeed")
	}
	close(stop)

	st, _ := m.GetState("a")
	if st.Paused || !st.NextFireTime.Equal(next) {
		t.Fatalf("state after resume: %+v", st)
	}
	if sawStale.Load() {
		t.Fatal("stale next fire time was visible unpaused")
	}

	// A future next fire time is left alone.
	later := now.Add(time.Hour)
	m.Ensure("b", &later)
	m.Pause("b")
	m.Resume("b", now, &next)
	if st, _ := m.GetState("b"); !st.NextFireTime.Equal(later) {
		t.Fatalf("future next fire time replaced: %v", st.NextFireTime)
	}
}

func TestTriggerManagerFire(t *testing.T) {
	t.Parallel()
	m := NewTriggerManager()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	next := at.Add(5 * time.Second)

	if _, ok := m.Fire("a", at, &next); ok {
		t.Fatal("Fire must not create state")
	}
	m.Ensure("a", &at)
	st, ok := m.Fire("a", at, &next)
	if !ok || st.FireCount != 1 || !st.LastFireTime.Equal(at) || !st.NextFireTime.Equal(next) {
		t.Fatalf("unexpected state: %+v", st)
	}

	// The returned state is a copy.
	*st.NextFireTime = at
	cur, _ := m.GetState("a")
	if !cur.NextFireTime.Equal(next) {
		t.Fatal("state leaked through returned pointer")
	}

	st = m.RecordFire("b", at)
	if st.FireCount != 1 {
		t.Fatalf("RecordFire should upsert, got %+v", st)
	}
}

func TestConcurrentAccess(t *testing.T) {
	t.Parallel()
	r := New(nil)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("job-%d", i%4)
			for j := 0; j < 200; j++ {
				r.Register(job.Info{Name: name, Priority: j})
				r.Triggers().RecordFire(name, time.Now())
				_ = r.List()
				_, _ = r.Get(name)
			}
		}(i)
	}
	wg.Wait()
	if r.Len() != 4 {
		t.Fatalf("Len = %d, want 4", r.Len())
	}
	st, _ := r.Triggers().GetState("job-0")
	if st.FireCount != 4*200 {
		t.Fatalf("FireCount = %d, want %d", st.FireCount, 4*200)
	}
}
