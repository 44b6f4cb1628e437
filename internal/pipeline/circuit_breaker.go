package pipeline

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"jobsched/internal/job"
)

// ErrCircuitOpen is returned while a job's breaker is cooling down.
var ErrCircuitOpen = errors.New("circuit open")

// CircuitConfig tunes the per-job breaker.
//
// TripFailures 0 uses the default (5); a negative value disables the breaker.
type CircuitConfig struct {
	TripFailures int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	ResetAfter   time.Duration
}

func (c CircuitConfig) withDefaults() CircuitConfig {
	if c.TripFailures == 0 {
		c.TripFailures = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 5 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Minute
	}
	if c.ResetAfter <= 0 {
		c.ResetAfter = 5 * time.Minute
	}
	return c
}

// circuitState tracks consecutive failures for a single job.
//
// On success: resets failures and closes the circuit.
// On failure: increments failures and, once failures >= trip,
// opens the circuit for an exponentially increasing cooldown.
type circuitState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

// CircuitBreaker short-circuits a job after repeated failed attempts.
// Canceled attempts are not counted.
type CircuitBreaker struct {
	cfg CircuitConfig
	now func() time.Time

	mu sync.Mutex
	m  map[string]*circuitState
}

func NewCircuitBreaker(cfg CircuitConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg.withDefaults(), now: time.Now, m: map[string]*circuitState{}}
}

func (b *CircuitBreaker) Invoke(jc *job.Context, next Handler) job.Result {
	if b.cfg.TripFailures < 0 || jc.Instance == nil {
		return next(jc)
	}
	name := jc.Instance.JobName
	if open, until := b.isOpen(name, b.now()); open {
		return job.Failure("", job.NoRetry(fmt.Errorf("%w for %q until %s", ErrCircuitOpen, name, until.Format(time.RFC3339))))
	}
	res := next(jc)
	if !res.IsCanceled() {
		b.record(name, b.now(), res.Succeeded())
	}
	return res
}

func (b *CircuitBreaker) isOpen(name string, now time.Time) (bool, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.m[name]
	if st == nil {
		return false, time.Time{}
	}
	b.maybeReset(st, now)
	if !st.openUntil.IsZero() && now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

func (b *CircuitBreaker) record(name string, now time.Time, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.m[name]
	if st == nil {
		if ok {
			return
		}
		st = &circuitState{}
		b.m[name] = st
	}
	b.maybeReset(st, now)
	if ok {
		delete(b.m, name)
		return
	}

	st.fails++
	st.lastFailure = now
	if st.fails < b.cfg.TripFailures {
		return
	}
	// Exponential cooldown after tripping.
	d := b.cfg.BaseDelay
	for i := 0; i < st.fails-b.cfg.TripFailures; i++ {
		d *= 2
		if d >= b.cfg.MaxDelay {
			break
		}
	}
	if d > b.cfg.MaxDelay {
		d = b.cfg.MaxDelay
	}
	st.openUntil = now.Add(d)
}

// Opportunistic reset if the last failure was long ago.
func (b *CircuitBreaker) maybeReset(st *circuitState, now time.Time) {
	if !st.lastFailure.IsZero() && now.Sub(st.lastFailure) > b.cfg.ResetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
	}
}

// Open lists jobs whose circuit is currently open.
func (b *CircuitBreaker) Open() []string {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for name, st := range b.m {
		if !st.openUntil.IsZero() && now.Before(st.openUntil) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
