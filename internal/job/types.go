package job

import (
	"fmt"
	"maps"
	"reflect"
	"strings"
	"time"
)

// TriggerType selects how a job becomes due.
type TriggerType string

const (
	TriggerCron     TriggerType = "cron"
	TriggerInterval TriggerType = "interval"
	TriggerDelay    TriggerType = "delay"
	TriggerManual   TriggerType = "manual"
)

func ParseTriggerType(s string) (TriggerType, error) {
	switch t := TriggerType(strings.ToLower(strings.TrimSpace(s))); t {
	case TriggerCron, TriggerInterval, TriggerDelay, TriggerManual:
		return t, nil
	default:
		return "", fmt.Errorf("unknown trigger type %q", s)
	}
}

// RetryPolicy controls how many times the executor attempts a failing job.
//
// MaxAttempts counts the first run; 0 and 1 both mean "no retry".
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Exponential bool

	// MaxDelay caps a single backoff wait. 0 uses the executor default.
	MaxDelay time.Duration
	// Jitter is a +/- fraction applied to each wait (0.2 = 20%). 0 uses the executor default.
	Jitter float64
}

// Info is the immutable definition of a job.
//
// Exactly one of CronExpr, Interval and Delay is meaningful, as selected by Trigger.
// Re-registering a job with the same Name replaces the definition wholesale.
type Info struct {
	Name    string
	Type    string // body type tag, resolved through the container
	Trigger TriggerType

	CronExpr string
	Interval time.Duration
	Delay    time.Duration

	AllowConcurrent bool
	Enabled         bool
	DefaultParams   map[string]string
	Priority        int
	Timeout         time.Duration
	Retry           RetryPolicy

	// Group names a concurrency group shared with other jobs. Empty means ungrouped.
	Group string
}

// Clone returns a deep copy so callers can't mutate a registered definition.
func (i Info) Clone() Info {
	i.DefaultParams = maps.Clone(i.DefaultParams)
	return i
}

// Equal reports whether o is the same definition as i.
func (i Info) Equal(o Info) bool {
	params := maps.Equal(i.DefaultParams, o.DefaultParams)
	i.DefaultParams, o.DefaultParams = nil, nil
	return params && reflect.DeepEqual(i, o)
}

// SameSchedule reports whether o fires on the same trigger definition as i.
func (i Info) SameSchedule(o Info) bool {
	return i.Trigger == o.Trigger && i.CronExpr == o.CronExpr && i.Interval == o.Interval && i.Delay == o.Delay
}

// Schedule renders the trigger definition for logs and listings.
func (i Info) Schedule() string {
	switch i.Trigger {
	case TriggerCron:
		return i.CronExpr
	case TriggerInterval:
		return "@every " + i.Interval.String()
	case TriggerDelay:
		return "@once " + i.Delay.String()
	default:
		return string(i.Trigger)
	}
}

// TriggerState is the mutable scheduling state kept per registered job.
//
// A nil NextFireTime means the job will not fire again on its own.
type TriggerState struct {
	LastFireTime time.Time
	NextFireTime *time.Time
	Paused       bool
	FireCount    int64
}

// Clone copies the state including the NextFireTime pointee.
func (s TriggerState) Clone() TriggerState {
	if s.NextFireTime != nil {
		t := *s.NextFireTime
		s.NextFireTime = &t
	}
	return s
}

// MergeParams overlays call-site params on top of the job defaults.
func MergeParams(defaults, overrides map[string]string) map[string]string {
	out := make(map[string]string, len(defaults)+len(overrides))
	maps.Copy(out, defaults)
	maps.Copy(out, overrides)
	return out
}
