package trigger

import (
	"testing"
	"time"

	"jobsched/internal/job"
)

func TestNextFireTime(t *testing.T) {
	t.Parallel()
	ref := time.Date(2024, 3, 10, 12, 0, 30, 0, time.UTC)
	tests := []struct {
		name   string
		info   job.Info
		want   time.Time
		wantOK bool
	}{
		{name: "interval", info: job.Info{Trigger: job.TriggerInterval, Interval: 5 * time.Second}, want: ref.Add(5 * time.Second), wantOK: true},
		{name: "zero interval", info: job.Info{Trigger: job.TriggerInterval}, wantOK: false},
		{name: "negative interval", info: job.Info{Trigger: job.TriggerInterval, Interval: -time.Second}, wantOK: false},
		{name: "delay", info: job.Info{Trigger: job.TriggerDelay, Delay: time.Minute}, want: ref.Add(time.Minute), wantOK: true},
		{name: "manual", info: job.Info{Trigger: job.TriggerManual}, wantOK: false},
		{name: "cron 5 field", info: job.Info{Trigger: job.TriggerCron, CronExpr: "*/5 * * * *"}, want: time.Date(2024, 3, 10, 12, 5, 0, 0, time.UTC), wantOK: true},
		{name: "cron with seconds", info: job.Info{Trigger: job.TriggerCron, CronExpr: "0 * * * * *"}, want: time.Date(2024, 3, 10, 12, 1, 0, 0, time.UTC), wantOK: true},
		{name: "cron descriptor", info: job.Info{Trigger: job.TriggerCron, CronExpr: "@hourly"}, want: time.Date(2024, 3, 10, 13, 0, 0, 0, time.UTC), wantOK: true},
		{name: "malformed cron", info: job.Info{Trigger: job.TriggerCron, CronExpr: "not a cron"}, wantOK: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NextFireTime(tt.info, ref)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && !got.Equal(tt.want) {
				t.Fatalf("next = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAfterFireDelayIsOneShot(t *testing.T) {
	t.Parallel()
	ref := time.Now()
	if _, ok := AfterFire(job.Info{Trigger: job.TriggerDelay, Delay: time.Second}, ref); ok {
		t.Fatal("delay job must not get a next fire time after firing")
	}
	next, ok := AfterFire(job.Info{Trigger: job.TriggerInterval, Interval: time.Second}, ref)
	if !ok || !next.Equal(ref.Add(time.Second)) {
		t.Fatalf("interval AfterFire = %v, %v", next, ok)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	bad := []job.Info{
		{Name: "a", Trigger: job.TriggerCron, CronExpr: "61 * * * *"},
		{Name: "b", Trigger: job.TriggerCron},
		{Name: "c", Trigger: job.TriggerInterval},
		{Name: "d", Trigger: job.TriggerDelay, Delay: -1},
		{Name: "e", Trigger: "weekly"},
		{Name: "f", Trigger: job.TriggerManual, Timeout: -time.Second},
	}
	for _, info := range bad {
		err := Validate(info)
		if err == nil {
			t.Fatalf("Validate(%s) expected error", info.Name)
		}
		if !job.IsConfigError(err) {
			t.Fatalf("Validate(%s) error is not a ConfigError: %v", info.Name, err)
		}
	}
	if err := Validate(job.Info{Name: "ok", Trigger: job.TriggerCron, CronExpr: "@every 5m"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPreview(t *testing.T) {
	t.Parallel()
	ref := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	got := Preview(job.Info{Trigger: job.TriggerInterval, Interval: time.Hour}, ref, 3)
	if len(got) != 3 || !got[2].Equal(ref.Add(3*time.Hour)) {
		t.Fatalf("unexpected preview: %v", got)
	}
	if got := Preview(job.Info{Trigger: job.TriggerDelay, Delay: time.Hour}, ref, 3); len(got) != 1 {
		t.Fatalf("delay preview should have one entry, got %v", got)
	}
	if s := FormatPreview(got[:1], time.UTC); s != "2024-01-01 01:00:00" {
		t.Fatalf("FormatPreview = %q", s)
	}
}

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		raw     string
		trigger job.TriggerType
		source  string
		dur     time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", trigger: job.TriggerCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", trigger: job.TriggerCron, source: "cron"},
		{name: "descriptor", raw: "@daily", trigger: job.TriggerCron, source: "cron"},
		{name: "duration", raw: "10m", trigger: job.TriggerInterval, source: "duration", dur: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", trigger: job.TriggerInterval, source: "duration", dur: 45 * time.Second},
		{name: "hhmm", raw: "01:30", trigger: job.TriggerInterval, source: "hhmm", dur: 90 * time.Minute},
		{name: "delay", raw: "delay:30s", trigger: job.TriggerDelay, source: "duration", dur: 30 * time.Second},
		{name: "once", raw: "@once 2m", trigger: job.TriggerDelay, source: "duration", dur: 2 * time.Minute},
		{name: "manual", raw: "Manual", trigger: job.TriggerManual, source: "manual"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Trigger != tt.trigger {
				t.Fatalf("Trigger = %v, want %v", got.Trigger, tt.trigger)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			switch tt.trigger {
			case job.TriggerInterval:
				if got.Every != tt.dur {
					t.Fatalf("Every = %v, want %v", got.Every, tt.dur)
				}
			case job.TriggerDelay:
				if got.Delay != tt.dur {
					t.Fatalf("Delay = %v, want %v", got.Delay, tt.dur)
				}
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "cron:", "cron:99 * * * *", "interval:-5s", "delay:abc", "00:00"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q) expected error", raw)
		}
	}
}

func TestSpecApply(t *testing.T) {
	t.Parallel()
	info := job.Info{Name: "x", CronExpr: "stale", Interval: time.Hour}
	spec, err := ParseSchedule("delay:5s")
	if err != nil {
		t.Fatal(err)
	}
	spec.Apply(&info)
	if info.Trigger != job.TriggerDelay || info.Delay != 5*time.Second || info.CronExpr != "" || info.Interval != 0 {
		t.Fatalf("unexpected info after Apply: %+v", info)
	}
}
