package jobs

import (
	"errors"
	"fmt"
	"strconv"

	"jobsched/internal/container"
	"jobsched/internal/job"
	"jobsched/internal/store"
	logx "jobsched/pkg/logx"
)

// HistoryCleanup deletes history records older than retention_days.
type HistoryCleanup struct{}

func (HistoryCleanup) Execute(jc *job.Context) job.Result {
	days, err := strconv.Atoi(jc.Param("retention_days", ""))
	if err != nil || days <= 0 {
		return job.Failure("retention_days must be a positive integer", job.NoRetry(errors.New("history-cleanup: bad retention_days")))
	}
	st, err := container.Lookup[store.Store](jc.Services, ServiceStore)
	if err != nil {
		return job.Failure("store unavailable", job.NoRetry(err))
	}
	n, err := st.CleanupHistory(jc, days)
	if err != nil {
		return job.Failure("cleanup failed", err)
	}
	if n > 0 {
		jc.Log.Info("history cleaned", logx.Int64("removed", n), logx.Int("retention_days", days))
	}
	return job.Result{Outcome: job.OutcomeSuccess, Message: fmt.Sprintf("removed %d records", n)}
}
