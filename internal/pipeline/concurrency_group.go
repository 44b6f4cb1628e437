package pipeline

import (
	"strings"
	"sync"

	"jobsched/internal/job"
)

// groupSemaphore is a channel-based semaphore pre-filled up to limit.
//
// The limit is fixed for the life of the semaphore.
type groupSemaphore struct {
	ch chan struct{}
}

func newGroupSemaphore(limit int) *groupSemaphore {
	if limit <= 0 {
		limit = 1
	}
	gs := &groupSemaphore{ch: make(chan struct{}, limit)}
	for i := 0; i < limit; i++ {
		gs.ch <- struct{}{}
	}
	return gs
}

func (g *groupSemaphore) release() {
	// Never block on release.
	select {
	case g.ch <- struct{}{}:
	default:
	}
}

// ConcurrencyGroup bounds how many attempts of jobs sharing Info.Group run at once.
//
// Limits maps a group name to its permit count; groups missing from the map use
// defaultLimit, and defaultLimit <= 0 leaves them unbounded. An attempt waiting
// for a permit returns Canceled when its context ends.
type ConcurrencyGroup struct {
	limits       map[string]int
	defaultLimit int

	mu     sync.Mutex
	groups map[string]*groupSemaphore
}

func NewConcurrencyGroup(limits map[string]int, defaultLimit int) *ConcurrencyGroup {
	m := make(map[string]int, len(limits))
	for k, v := range limits {
		m[strings.TrimSpace(k)] = v
	}
	return &ConcurrencyGroup{limits: m, defaultLimit: defaultLimit, groups: map[string]*groupSemaphore{}}
}

func (g *ConcurrencyGroup) Invoke(jc *job.Context, next Handler) job.Result {
	if jc.Instance == nil {
		return next(jc)
	}
	gs := g.get(jc.Instance.Info.Group)
	if gs == nil {
		return next(jc)
	}
	select {
	case <-gs.ch:
	case <-jc.Done():
		return canceled(jc)
	}
	defer gs.release()
	return next(jc)
}

// InUse reports the permits currently held in group.
func (g *ConcurrencyGroup) InUse(group string) int {
	g.mu.Lock()
	gs := g.groups[strings.TrimSpace(group)]
	g.mu.Unlock()
	if gs == nil {
		return 0
	}
	return cap(gs.ch) - len(gs.ch)
}

func (g *ConcurrencyGroup) get(group string) *groupSemaphore {
	k := strings.TrimSpace(group)
	if k == "" {
		return nil
	}
	limit, ok := g.limits[k]
	if !ok {
		limit = g.defaultLimit
	}
	if limit <= 0 {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	gs := g.groups[k]
	if gs == nil {
		gs = newGroupSemaphore(limit)
		g.groups[k] = gs
	}
	return gs
}
