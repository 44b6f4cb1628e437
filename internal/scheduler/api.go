package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"jobsched/internal/job"
	"jobsched/internal/trigger"
	logx "jobsched/pkg/logx"
)

// RegisterJob validates info and adds or replaces the job.
//
// Re-registering with the same schedule keeps the trigger state, so a reload
// neither postpones the next fire nor re-arms a one-shot delay that already
// ran. A changed schedule recomputes the next fire time from now; the pause
// flag and fire count are kept either way. The body type must already be
// registered with the container.
func (s *Scheduler) RegisterJob(info job.Info) error {
	info.Name = strings.TrimSpace(info.Name)
	if info.Name == "" {
		return &job.ConfigError{Field: "name", Reason: "required"}
	}
	if err := trigger.Validate(info); err != nil {
		return err
	}
	if !s.types.Has(info.Type) {
		return &job.ConfigError{Job: info.Name, Field: "type", Reason: fmt.Sprintf("%q", info.Type), Err: job.ErrUnknownType}
	}

	now := s.now()
	prev, hadPrev := s.reg.Get(info.Name)
	st, hasState := s.triggers.GetState(info.Name)
	replaced := s.reg.Register(info)
	if !hasState || !hadPrev || !prev.SameSchedule(info) || s.staleOnEnable(prev, info, st, now) {
		var next *time.Time
		if t, ok := s.nextFire(info, now); ok {
			next = &t
		}
		s.triggers.Ensure(info.Name, next)
	}

	fields := []logx.Field{
		logx.Job(info.Name),
		logx.String("type", info.Type),
		logx.String("schedule", info.Schedule()),
		logx.Bool("enabled", info.Enabled),
		logx.Bool("replaced", replaced),
	}
	if preview := trigger.FormatPreview(trigger.Preview(info, now.In(s.loc), 3), s.loc); preview != "" {
		fields = append(fields, logx.String("next", preview))
	}
	s.log.Debug("job registered", fields...)
	return nil
}

// staleOnEnable reports whether a job being re-enabled carries a next fire
// time that passed while it was disabled. Disabled jobs are never advanced,
// so the time is moved forward like on resume.
func (s *Scheduler) staleOnEnable(prev, info job.Info, st job.TriggerState, now time.Time) bool {
	return !prev.Enabled && info.Enabled && info.Trigger != job.TriggerDelay &&
		st.NextFireTime != nil && st.NextFireTime.Before(now)
}

// UnregisterJob removes the job and its trigger state. Running instances are not affected.
func (s *Scheduler) UnregisterJob(name string) bool {
	ok := s.reg.Unregister(name)
	if ok {
		s.warnMu.Lock()
		delete(s.warn, name)
		s.warnMu.Unlock()
		s.log.Debug("job unregistered", logx.Job(name))
	}
	return ok
}

// PauseJob stops new fires. An already dispatched execution keeps running.
func (s *Scheduler) PauseJob(name string) bool {
	ok := s.triggers.Pause(name)
	if ok {
		s.log.Info("job paused", logx.Job(name))
	}
	return ok
}

// ResumeJob re-enables fires. A next fire time that passed while paused is
// moved forward from now, so missed fires are not replayed. A one-shot delay
// job that never fired keeps its owed run.
func (s *Scheduler) ResumeJob(name string) bool {
	info, ok := s.reg.Get(name)
	if !ok {
		return false
	}
	now := s.now()
	var next *time.Time
	if info.Trigger != job.TriggerDelay {
		if t, ok := s.nextFire(info, now); ok {
			next = &t
		}
	}
	if !s.triggers.Resume(name, now, next) {
		return false
	}
	s.log.Info("job resumed", logx.Job(name))
	return true
}

// TriggerJobAsync dispatches one run of name now and returns the instance id.
//
// It skips the due check and leaves the next fire time alone, but honors
// AllowConcurrent and locking exactly like a scheduled fire (ErrOverlapSkip,
// ErrLockHeld). params overlay the job's default parameters.
func (s *Scheduler) TriggerJobAsync(ctx context.Context, name string, params map[string]string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return "", ErrNotRunning
	}
	info, ok := s.reg.Get(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	if !info.Enabled {
		return "", fmt.Errorf("%w: %s", ErrJobDisabled, name)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return s.dispatch(ctx, s.sup, info, s.now(), job.TriggerManual, params, false)
}

// GetNextFireTime returns false for unknown jobs and jobs with no further fire.
func (s *Scheduler) GetNextFireTime(name string) (time.Time, bool) {
	st, ok := s.triggers.GetState(name)
	if !ok || st.NextFireTime == nil {
		return time.Time{}, false
	}
	return *st.NextFireTime, true
}

// GetAllJobs lists definitions by priority, then name.
func (s *Scheduler) GetAllJobs() []job.Info { return s.reg.List() }

func (s *Scheduler) GetState(name string) (job.TriggerState, bool) {
	return s.triggers.GetState(name)
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.RLock()
	running := s.running
	sup := s.sup
	s.mu.RUnlock()

	snap := Snapshot{
		Running:  running,
		Node:     s.cfg.Node,
		Tick:     s.cfg.Tick,
		Timezone: s.loc.String(),
		Fired:    s.fired.Load(),
		Skipped:  s.skipped.Load(),
		Failed:   s.failed.Load(),
	}
	if running {
		snap.InFlight = sup.Active(jobTaskPrefix)
	}
	for _, info := range s.reg.List() {
		js := JobSnapshot{Name: info.Name, Trigger: info.Trigger, Schedule: info.Schedule(), Enabled: info.Enabled}
		if st, ok := s.triggers.GetState(info.Name); ok {
			js.Paused = st.Paused
			js.FireCount = st.FireCount
			js.LastFire = st.LastFireTime
			js.NextFire = st.NextFireTime
		}
		snap.Jobs = append(snap.Jobs, js)
	}
	return snap
}
