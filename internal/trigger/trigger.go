package trigger

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"jobsched/internal/job"
)

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a cron expression with the scheduler's dialect.
func ParseCron(expr string) (cron.Schedule, error) {
	return parser.Parse(strings.TrimSpace(expr))
}

// NextFireTime returns the first due time strictly derived from ref.
// ok is false when the job has no further automatic fire time
// (manual trigger, malformed cron, non-positive interval/delay).
func NextFireTime(info job.Info, ref time.Time) (next time.Time, ok bool) {
	switch info.Trigger {
	case job.TriggerCron:
		sched, err := ParseCron(info.CronExpr)
		if err != nil {
			return time.Time{}, false
		}
		next = sched.Next(ref)
		if next.IsZero() {
			return time.Time{}, false
		}
		return next, true
	case job.TriggerInterval:
		if info.Interval <= 0 {
			return time.Time{}, false
		}
		return ref.Add(info.Interval), true
	case job.TriggerDelay:
		if info.Delay <= 0 {
			return time.Time{}, false
		}
		return ref.Add(info.Delay), true
	default:
		return time.Time{}, false
	}
}

// AfterFire computes the next due time once a job has fired at firedAt.
//
// Delay jobs are one-shot: after their fire there is no next time.
func AfterFire(info job.Info, firedAt time.Time) (time.Time, bool) {
	if info.Trigger == job.TriggerDelay {
		return time.Time{}, false
	}
	return NextFireTime(info, firedAt)
}

// Validate checks the trigger fields of a definition.
// It returns a *job.ConfigError describing the first problem found.
func Validate(info job.Info) error {
	switch info.Trigger {
	case job.TriggerCron:
		if strings.TrimSpace(info.CronExpr) == "" {
			return &job.ConfigError{Job: info.Name, Field: "cron", Reason: "expression required"}
		}
		if _, err := ParseCron(info.CronExpr); err != nil {
			return &job.ConfigError{Job: info.Name, Field: "cron", Reason: "malformed expression " + `"` + info.CronExpr + `"`, Err: err}
		}
	case job.TriggerInterval:
		if info.Interval <= 0 {
			return &job.ConfigError{Job: info.Name, Field: "interval", Reason: "must be > 0"}
		}
	case job.TriggerDelay:
		if info.Delay <= 0 {
			return &job.ConfigError{Job: info.Name, Field: "delay", Reason: "must be > 0"}
		}
	case job.TriggerManual:
	default:
		return &job.ConfigError{Job: info.Name, Field: "trigger", Reason: "unknown type " + `"` + string(info.Trigger) + `"`}
	}
	if info.Timeout < 0 {
		return &job.ConfigError{Job: info.Name, Field: "timeout", Reason: "must be >= 0"}
	}
	if info.Retry.MaxAttempts < 0 {
		return &job.ConfigError{Job: info.Name, Field: "retry.max_attempts", Reason: "must be >= 0"}
	}
	if info.Retry.BaseDelay < 0 {
		return &job.ConfigError{Job: info.Name, Field: "retry.base_delay", Reason: "must be >= 0"}
	}
	return nil
}

// Preview returns up to n upcoming fire times starting from `from`.
// Useful for debug logs when a job is registered.
func Preview(info job.Info, from time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	t := from
	for i := 0; i < n; i++ {
		var ok bool
		if i == 0 {
			t, ok = NextFireTime(info, t)
		} else {
			t, ok = AfterFire(info, t)
		}
		if !ok {
			break
		}
		out = append(out, t)
	}
	return out
}

// FormatPreview renders Preview output in the given location.
func FormatPreview(times []time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	var b strings.Builder
	for i, t := range times {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.In(loc).Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
