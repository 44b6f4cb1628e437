package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"jobsched/internal/job"
)

// Memory keeps everything in process memory. Values are copied in and out.
type Memory struct {
	mu        sync.RWMutex
	instances map[string]*job.Instance
	history   map[string][]job.History // by job name, append order
	closed    bool
}

func NewMemory() *Memory {
	return &Memory{instances: map[string]*job.Instance{}, history: map[string][]job.History{}}
}

func (m *Memory) SaveInstance(_ context.Context, in *job.Instance) error {
	if in == nil || in.ID == "" {
		return errors.New("store: instance without id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.instances[in.ID] = in.Clone()
	return nil
}

func (m *Memory) UpdateStatus(_ context.Context, id string, status job.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	in, ok := m.instances[id]
	if !ok {
		return ErrNotFound
	}
	if in.Status == status {
		return nil
	}
	return in.Transition(status)
}

func (m *Memory) SaveHistory(_ context.Context, h job.History) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.history[h.JobName] = append(m.history[h.JobName], h)
	return nil
}

func (m *Memory) GetInstance(_ context.Context, id string) (*job.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	in, ok := m.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	return in.Clone(), nil
}

func (m *Memory) GetHistory(_ context.Context, name string, page, pageSize int) ([]job.History, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrClosed
	}
	hs := append([]job.History(nil), m.history[name]...)
	m.mu.RUnlock()

	sortHistory(hs)
	return pageOf(hs, page, pageSize), nil
}

func (m *Memory) GetRunningInstances(_ context.Context, name string) ([]*job.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []*job.Instance
	for _, in := range m.instances {
		if in.JobName == name && !in.Status.Terminal() {
			out = append(out, in.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out, nil
}

func (m *Memory) CleanupHistory(_ context.Context, retentionDays int) (int64, error) {
	cutoff, ok := retentionCutoff(time.Now(), retentionDays)
	if !ok {
		return 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	var removed int64
	for name, hs := range m.history {
		kept := hs[:0]
		for _, h := range hs {
			if h.CompletedAt.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, h)
		}
		if len(kept) == 0 {
			delete(m.history, name)
		} else {
			m.history[name] = kept
		}
	}
	for id, in := range m.instances {
		if in.Status.Terminal() && in.CompletedAt.Before(cutoff) {
			delete(m.instances, id)
		}
	}
	return removed, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// restore loads records without copying; used by the file driver on replay.
func (m *Memory) restoreInstance(in *job.Instance) { m.instances[in.ID] = in }

func (m *Memory) restoreHistory(h job.History) {
	m.history[h.JobName] = append(m.history[h.JobName], h)
}
