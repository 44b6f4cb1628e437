package trigger

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"jobsched/internal/job"
)

// Spec is a schedule string normalized onto a trigger type.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "0 30 * * * *", "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//   - One-shot delay: "delay:30s", "@once 30s"
//   - "manual"
//
// Optional prefixes force a kind: "cron:", "interval:" / "every:", "delay:" / "once:".
type Spec struct {
	Trigger job.TriggerType
	Cron    string
	Every   time.Duration
	Delay   time.Duration
	Source  string // "cron" | "duration" | "hhmm" | "manual"
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseSchedule parses a schedule string. Cron expressions are validated here
// so a typo is reported when the job is declared, not when it should fire.
func ParseSchedule(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Spec{}, fmt.Errorf("schedule required")
	}
	low := strings.ToLower(s)

	switch {
	case low == "manual":
		return Spec{Trigger: job.TriggerManual, Source: "manual"}, nil
	case strings.HasPrefix(low, "cron:"):
		return cronSpec(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "interval:"):
		return intervalSpec(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return intervalSpec(s[len("every:"):])
	case strings.HasPrefix(low, "delay:"):
		return delaySpec(s[len("delay:"):])
	case strings.HasPrefix(low, "once:"):
		return delaySpec(s[len("once:"):])
	case strings.HasPrefix(low, "@once"):
		return delaySpec(s[len("@once"):])
	}

	// Any whitespace or a leading '@' means cron.
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return cronSpec(s)
	}
	if reHHMM.MatchString(s) {
		d, err := parseHHMMDuration(s)
		if err != nil {
			return Spec{}, err
		}
		return Spec{Trigger: job.TriggerInterval, Every: d, Source: "hhmm"}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return Spec{}, fmt.Errorf("interval must be > 0")
		}
		return Spec{Trigger: job.TriggerInterval, Every: d, Source: "duration"}, nil
	}

	return Spec{}, fmt.Errorf(
		"invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', duration like '55m', 'delay:30s' or 'manual')",
		raw,
	)
}

// Apply copies the trigger fields of the spec onto info, clearing the others.
func (s Spec) Apply(info *job.Info) {
	info.Trigger = s.Trigger
	info.CronExpr = s.Cron
	info.Interval = s.Every
	info.Delay = s.Delay
}

func cronSpec(expr string) (Spec, error) {
	if expr == "" {
		return Spec{}, fmt.Errorf("cron expression required")
	}
	if _, err := ParseCron(expr); err != nil {
		return Spec{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return Spec{Trigger: job.TriggerCron, Cron: expr, Source: "cron"}, nil
}

func intervalSpec(v string) (Spec, error) {
	d, src, err := parseDurationish(v)
	if err != nil {
		return Spec{}, err
	}
	return Spec{Trigger: job.TriggerInterval, Every: d, Source: src}, nil
}

func delaySpec(v string) (Spec, error) {
	d, src, err := parseDurationish(v)
	if err != nil {
		return Spec{}, err
	}
	return Spec{Trigger: job.TriggerDelay, Delay: d, Source: src}, nil
}

func parseDurationish(v string) (time.Duration, string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, "", fmt.Errorf("duration required")
	}
	if reHHMM.MatchString(v) {
		d, err := parseHHMMDuration(v)
		return d, "hhmm", err
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, "", fmt.Errorf("invalid duration %q (use HH:MM or Go duration like '55m'/'2h30m')", v)
	}
	if d <= 0 {
		return 0, "", fmt.Errorf("duration must be > 0")
	}
	return d, "duration", nil
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	hh, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("invalid hours in %q", v)
	}
	mm, err := strconv.Atoi(m[2])
	if err != nil || mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, fmt.Errorf("duration must be > 0")
	}
	return d, nil
}
