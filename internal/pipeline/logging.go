package pipeline

import (
	"time"

	"jobsched/internal/eventbus"
	"jobsched/internal/job"
	logx "jobsched/pkg/logx"
)

// slowAttempt promotes successful attempts to info level.
const slowAttempt = 750 * time.Millisecond

// Logging writes one line per attempt and hands the body a logger scoped to it.
func Logging(log logx.Logger) Middleware {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.Comp("pipeline"))
	return MiddlewareFunc(func(jc *job.Context, next Handler) job.Result {
		l := log.With(instanceFields(jc)...)
		jc.Log = l
		start := time.Now()
		l.Debug("job.attempt.started")

		res := next(jc)
		dur := time.Since(start)
		switch res.Outcome {
		case job.OutcomeSuccess:
			if dur >= slowAttempt {
				l.Info("job.attempt.completed", logx.Duration("dur", dur))
			} else {
				l.Debug("job.attempt.completed", logx.Duration("dur", dur))
			}
		case job.OutcomeCanceled:
			l.Info("job.attempt.canceled", logx.String("reason", res.Message), logx.Duration("dur", dur))
		default:
			l.Warn("job.attempt.failed", logx.String("msg", res.Message), logx.Err(res.Err), logx.Duration("dur", dur))
		}
		return res
	})
}

// Events publishes a job.attempt event after every attempt.
func Events(bus eventbus.Bus) Middleware {
	return MiddlewareFunc(func(jc *job.Context, next Handler) job.Result {
		start := time.Now()
		res := next(jc)
		ev := eventbus.JobEvent{
			Status:   string(res.Status()),
			Attempt:  jc.Attempt,
			Duration: time.Since(start),
		}
		if in := jc.Instance; in != nil {
			ev.InstanceID = in.ID
			ev.Job = in.JobName
		}
		if !res.Succeeded() {
			ev.Error = res.Message
		}
		eventbus.Publish(bus, eventbus.TypeJobAttempt, ev)
		return res
	})
}

func instanceFields(jc *job.Context) []logx.Field {
	fields := []logx.Field{logx.Int("attempt", jc.Attempt)}
	if in := jc.Instance; in != nil {
		fields = append(fields,
			logx.Job(in.JobName),
			logx.Instance(in.ID),
			logx.String("trace_id", in.TraceID),
		)
	}
	return fields
}
