// Package trigger computes when a job is next due.
//
// Calculators are pure functions of a job definition and a reference time:
//   - cron: robfig/cron (5 or 6 fields, descriptors like "@hourly" and "@every 5m")
//   - interval: reference + interval
//   - delay: reference + delay, fired once
//   - manual: never due on its own
package trigger
