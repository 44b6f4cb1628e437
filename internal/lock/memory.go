package lock

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process provider. Expired leases are taken over on the next
// TryAcquire.
type Memory struct {
	mu     sync.Mutex
	held   map[string]memHold
	seq    uint64
	now    func() time.Time
	closed bool
}

type memHold struct {
	id      uint64
	expires time.Time // zero means no expiry
}

func NewMemory() *Memory {
	return &Memory{held: map[string]memHold{}, now: time.Now}
}

func (m *Memory) TryAcquire(_ context.Context, key string, lease time.Duration) (Token, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	now := m.now()
	if h, ok := m.held[key]; ok && (h.expires.IsZero() || now.Before(h.expires)) {
		return nil, false, nil
	}
	m.seq++
	h := memHold{id: m.seq}
	if lease > 0 {
		h.expires = now.Add(lease)
	}
	m.held[key] = h
	return &memToken{m: m, key: key, id: h.id}, true, nil
}

// Held reports whether key is currently locked.
func (m *Memory) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.held[key]
	return ok && (h.expires.IsZero() || m.now().Before(h.expires))
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.held = map[string]memHold{}
	m.mu.Unlock()
	return nil
}

type memToken struct {
	m    *Memory
	key  string
	id   uint64
	once sync.Once
}

func (t *memToken) Key() string { return t.key }

func (t *memToken) Release(context.Context) error {
	t.once.Do(func() {
		t.m.mu.Lock()
		// A lease that expired may already belong to someone else.
		if h, ok := t.m.held[t.key]; ok && h.id == t.id {
			delete(t.m.held, t.key)
		}
		t.m.mu.Unlock()
	})
	return nil
}
