package job

import "time"

// Outcome is the coarse result of one pass through the pipeline.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeFailure  Outcome = "failure"
	OutcomeCanceled Outcome = "canceled"
)

// Result is returned by every pipeline stage. Faults travel inside it; they are
// never raised across the pipeline boundary.
type Result struct {
	Outcome  Outcome
	Message  string
	Err      error
	Stack    string
	Duration time.Duration
}

func Success() Result { return Result{Outcome: OutcomeSuccess} }

// Failure builds a failed result. An empty msg falls back to err.Error().
func Failure(msg string, err error) Result {
	if msg == "" && err != nil {
		msg = err.Error()
	}
	if msg == "" {
		msg = "job failed"
	}
	return Result{Outcome: OutcomeFailure, Message: msg, Err: err}
}

func Canceled() Result {
	return Result{Outcome: OutcomeCanceled, Message: "canceled"}
}

func (r Result) Succeeded() bool { return r.Outcome == OutcomeSuccess }
func (r Result) Failed() bool    { return r.Outcome == OutcomeFailure }
func (r Result) IsCanceled() bool {
	return r.Outcome == OutcomeCanceled
}

// Status maps the outcome onto the terminal instance status.
func (r Result) Status() Status {
	switch r.Outcome {
	case OutcomeSuccess:
		return StatusSucceeded
	case OutcomeCanceled:
		return StatusCanceled
	default:
		return StatusFailed
	}
}

// WithDuration returns a copy carrying d.
func (r Result) WithDuration(d time.Duration) Result {
	r.Duration = d
	return r
}
