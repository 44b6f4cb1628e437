// Package jobs holds the built-in job types.
package jobs

import (
	"errors"

	"jobsched/internal/container"
	"jobsched/internal/job"
)

// Job type tags.
const (
	TypeEcho           = "echo"
	TypeHistoryCleanup = "history-cleanup"
	TypeRuntimeStats   = "runtime-stats"
	TypeSystemdUnit    = "systemd-unit"
)

// Service names the bodies look up through the execution scope.
const (
	ServiceStore   = "store"   // store.Store
	ServiceStats   = "stats"   // *pipeline.Stats
	ServiceEvents  = "events"  // eventbus.Bus
	ServiceSystemd = "systemd" // UnitController
)

// Register adds every built-in type to c.
func Register(c *container.Container) error {
	return errors.Join(
		c.Register(TypeEcho, func(*container.Scope) (job.Body, error) { return Echo{}, nil }),
		c.Register(TypeHistoryCleanup, func(*container.Scope) (job.Body, error) { return HistoryCleanup{}, nil }),
		c.Register(TypeRuntimeStats, func(*container.Scope) (job.Body, error) { return RuntimeStats{}, nil }),
		c.Register(TypeSystemdUnit, func(*container.Scope) (job.Body, error) { return SystemdUnit{}, nil }),
	)
}
