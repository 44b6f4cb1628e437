// Package registry keeps job definitions (Registry) and their per-job
// scheduling state (TriggerManager). Both are safe for concurrent use by the
// scheduler's control loop and external callers.
package registry
