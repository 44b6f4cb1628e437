package registry

import (
	"sync"
	"time"

	"jobsched/internal/job"
)

// TriggerManager owns the mutable scheduling state of each job.
//
// It is kept apart from the Registry so pausing or rescheduling a job never
// touches its definition. Each job has its own lock; the map lock is only held
// while looking an entry up, so independent jobs don't block each other.
type TriggerManager struct {
	mu      sync.RWMutex
	entries map[string]*triggerEntry
}

type triggerEntry struct {
	mu    sync.Mutex
	state job.TriggerState
}

func NewTriggerManager() *TriggerManager {
	return &TriggerManager{entries: map[string]*triggerEntry{}}
}

func (m *TriggerManager) lookup(name string) *triggerEntry {
	m.mu.RLock()
	e := m.entries[name]
	m.mu.RUnlock()
	return e
}

func (m *TriggerManager) upsert(name string) *triggerEntry {
	if e := m.lookup(name); e != nil {
		return e
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[name]
	if e == nil {
		e = &triggerEntry{}
		m.entries[name] = e
	}
	return e
}

// Ensure creates the state for name if missing and sets its next fire time.
// Pause flag and fire count of an existing state are kept.
func (m *TriggerManager) Ensure(name string, next *time.Time) job.TriggerState {
	e := m.upsert(name)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.NextFireTime = copyTime(next)
	return e.state.Clone()
}

// RecordFire bumps the fire count and last-fire time, creating the state if needed.
func (m *TriggerManager) RecordFire(name string, at time.Time) job.TriggerState {
	e := m.upsert(name)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.FireCount++
	e.state.LastFireTime = at
	return e.state.Clone()
}

// UpdateNextFireTime sets (or clears, with nil) the next fire time.
// It is a no-op for unknown jobs.
func (m *TriggerManager) UpdateNextFireTime(name string, next *time.Time) bool {
	e := m.lookup(name)
	if e == nil {
		return false
	}
	e.mu.Lock()
	e.state.NextFireTime = copyTime(next)
	e.mu.Unlock()
	return true
}

// Fire records a fire and sets the following fire time in one step, so a
// concurrent reader never sees the new count with the old due time.
// Unlike RecordFire it does not resurrect state for a job removed meanwhile.
func (m *TriggerManager) Fire(name string, at time.Time, next *time.Time) (job.TriggerState, bool) {
	e := m.lookup(name)
	if e == nil {
		return job.TriggerState{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.FireCount++
	e.state.LastFireTime = at
	e.state.NextFireTime = copyTime(next)
	return e.state.Clone(), true
}

func (m *TriggerManager) Pause(name string) bool {
	e := m.lookup(name)
	if e == nil {
		return false
	}
	e.mu.Lock()
	e.state.Paused = true
	e.mu.Unlock()
	return true
}

// Resume clears the pause flag. A next fire time before now is replaced by
// next in the same step, so a concurrent Due never sees the stale time
// unpaused. A nil next keeps the stale time.
func (m *TriggerManager) Resume(name string, now time.Time, next *time.Time) bool {
	e := m.lookup(name)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if next != nil && e.state.NextFireTime != nil && e.state.NextFireTime.Before(now) {
		e.state.NextFireTime = copyTime(next)
	}
	e.state.Paused = false
	return true
}

func (m *TriggerManager) GetState(name string) (job.TriggerState, bool) {
	e := m.lookup(name)
	if e == nil {
		return job.TriggerState{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone(), true
}

// Due reports whether name is unpaused and its next fire time is at or before now.
func (m *TriggerManager) Due(name string, now time.Time) (job.TriggerState, bool) {
	st, ok := m.GetState(name)
	if !ok || st.Paused || st.NextFireTime == nil {
		return st, false
	}
	return st, !st.NextFireTime.After(now)
}

func (m *TriggerManager) Remove(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[name]; !ok {
		return false
	}
	delete(m.entries, name)
	return true
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
