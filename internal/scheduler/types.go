package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"jobsched/internal/eventbus"
	"jobsched/internal/job"
	"jobsched/internal/lock"
	"jobsched/internal/registry"
	"jobsched/internal/store"
	logx "jobsched/pkg/logx"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobDisabled = errors.New("job disabled")
	ErrNotRunning  = errors.New("scheduler not running")
	// ErrOverlapSkip means a non-concurrent job still has an unfinished instance.
	ErrOverlapSkip = errors.New("job already running")
	// ErrLockHeld means another node holds the job's lock.
	ErrLockHeld = errors.New("job lock held elsewhere")
)

// Config controls the control loop.
type Config struct {
	Tick     time.Duration // default 1s
	Node     string        // recorded on every instance
	Timezone string        // IANA TZ for cron expressions; empty means local

	// LockLease is the minimum lease taken for non-concurrent jobs when a lock
	// provider is configured. Jobs with a timeout get at least their worst-case
	// run time.
	LockLease time.Duration
	// SkipLogEvery throttles repeated skip warnings per job.
	SkipLogEvery time.Duration
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	if c.LockLease <= 0 {
		c.LockLease = 10 * time.Minute
	}
	if c.SkipLogEvery <= 0 {
		c.SkipLogEvery = time.Minute
	}
	return c
}

// Executor runs one instance to completion.
type Executor interface {
	Execute(ctx context.Context, in *job.Instance, params map[string]string) job.Result
}

// TypeChecker reports whether a body type tag can be resolved.
type TypeChecker interface {
	Has(tag string) bool
}

// Deps are the collaborators of a Scheduler. Registry, Executor and Types are
// required; the rest fall back to in-memory or disabled implementations.
type Deps struct {
	Registry *registry.Registry
	Executor Executor
	Types    TypeChecker
	Store    store.Store
	Locks    lock.Provider // nil disables cross-node locking
	Bus      eventbus.Bus
	Log      logx.Logger
	// Seq numbers instances in creation order. Owned by the caller so tests stay isolated.
	Seq *atomic.Uint64
}

// Snapshot is a point-in-time view for status output.
type Snapshot struct {
	Running  bool          `json:"running"`
	Node     string        `json:"node"`
	Tick     time.Duration `json:"tick"`
	Timezone string        `json:"timezone"`
	Jobs     []JobSnapshot `json:"jobs"`
	InFlight int           `json:"in_flight"`
	Fired    uint64        `json:"fired"`
	Skipped  uint64        `json:"skipped"`
	Failed   uint64        `json:"dispatch_failed"`
}

type JobSnapshot struct {
	Name      string          `json:"name"`
	Trigger   job.TriggerType `json:"trigger"`
	Schedule  string          `json:"schedule"`
	Enabled   bool            `json:"enabled"`
	Paused    bool            `json:"paused"`
	FireCount int64           `json:"fire_count"`
	LastFire  time.Time       `json:"last_fire,omitempty"`
	NextFire  *time.Time      `json:"next_fire,omitempty"`
}
