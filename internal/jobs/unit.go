package jobs

import (
	"context"
	"fmt"
	"time"

	"jobsched/internal/container"
	"jobsched/internal/job"
	logx "jobsched/pkg/logx"
	"jobsched/pkg/systemdmanager"
)

// UnitController is the part of systemdmanager.Manager the unit job needs.
type UnitController interface {
	Status(ctx context.Context, unit string) (systemdmanager.Status, error)
	Restart(ctx context.Context, unit string) error
}

// ProvideSystemd registers a per-execution system bus connection under
// ServiceSystemd. The scope closes it when the run ends.
func ProvideSystemd(c *container.Container) error {
	return c.Provide(ServiceSystemd, func(*container.Scope) (any, error) {
		return systemdmanager.Connect(context.Background())
	})
}

// SystemdUnit checks a systemd unit and optionally brings it back.
//
//	unit      unit name; ".service" is implied
//	action    "check" (default) fails when the unit is down,
//	          "recover" restarts it once it has been down for min_down,
//	          "restart" restarts it unconditionally
//	min_down  grace period before "recover" acts (default 3s)
//
// A missing unit fails without retry.
type SystemdUnit struct{}

func (SystemdUnit) Execute(jc *job.Context) job.Result {
	unit := systemdmanager.UnitName(jc.Param("unit", ""))
	if unit == "" {
		return job.Failure("unit param required", job.NoRetry(fmt.Errorf("systemd-unit: no unit")))
	}
	minDown, err := time.ParseDuration(jc.Param("min_down", "3s"))
	if err != nil {
		return job.Failure("bad min_down param", job.NoRetry(err))
	}
	ctl, err := container.Lookup[UnitController](jc.Services, ServiceSystemd)
	if err != nil {
		return job.Failure("systemd unavailable", job.NoRetry(err))
	}
	log := jc.Log.With(logx.String("unit", unit))

	action := jc.Param("action", "check")
	if action == "restart" {
		if err := ctl.Restart(jc, unit); err != nil {
			return job.Failure("restart failed", err)
		}
		log.Info("unit restarted")
		return job.Result{Outcome: job.OutcomeSuccess, Message: "restarted " + unit}
	}

	st, err := ctl.Status(jc, unit)
	if err != nil {
		return job.Failure("status failed", err)
	}
	if !st.Found() {
		return job.Failure(unit+" not found", job.NoRetry(fmt.Errorf("systemd-unit: %s not found", unit)))
	}
	if st.Healthy() {
		return job.Result{Outcome: job.OutcomeSuccess, Message: unit + " " + st.Active}
	}

	switch action {
	case "check":
		return job.Failure(fmt.Sprintf("%s is %s (%s)", unit, st.Active, st.SubState), nil)
	case "recover":
		down := st.DownFor(time.Now())
		if down < minDown {
			// Still inside the grace period; retry later.
			return job.Failure(fmt.Sprintf("%s down for %s", unit, down.Truncate(time.Millisecond)), job.RetryAfter(fmt.Errorf("systemd-unit: %s in grace period", unit), minDown-down))
		}
		log.Warn("unit down; restarting", logx.String("state", st.Active), logx.Duration("down", down))
		if err := ctl.Restart(jc, unit); err != nil {
			return job.Failure("recover failed", err)
		}
		log.Info("unit recovered")
		return job.Result{Outcome: job.OutcomeSuccess, Message: "recovered " + unit}
	default:
		return job.Failure("unknown action "+action, job.NoRetry(fmt.Errorf("systemd-unit: action %q", action)))
	}
}
