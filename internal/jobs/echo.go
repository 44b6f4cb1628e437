package jobs

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"jobsched/internal/job"
	logx "jobsched/pkg/logx"
)

// Echo logs its message. It is mostly useful for smoke tests and examples:
//
//	message        text to log (default "echo")
//	sleep          duration to wait before finishing, honoring cancellation
//	fail_attempts  fail while the attempt number is <= N
type Echo struct{}

func (Echo) Execute(jc *job.Context) job.Result {
	msg := jc.Param("message", "echo")

	if raw := jc.Param("sleep", ""); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return job.Failure("bad sleep param", job.NoRetry(err))
		}
		t := time.NewTimer(d)
		select {
		case <-jc.Done():
			t.Stop()
			return job.Canceled()
		case <-t.C:
		}
	}

	if raw := jc.Param("fail_attempts", ""); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return job.Failure("bad fail_attempts param", job.NoRetry(err))
		}
		if jc.Attempt <= n {
			return job.Failure(fmt.Sprintf("attempt %d failed on purpose", jc.Attempt), errors.New("echo: forced failure"))
		}
	}

	jc.Log.Info(msg, logx.Int("attempt", jc.Attempt))
	return job.Result{Outcome: job.OutcomeSuccess, Message: msg}
}
