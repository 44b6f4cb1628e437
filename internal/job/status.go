package job

import "fmt"

// Status is the lifecycle stage of an Instance:
//
//	scheduled -> running -> succeeded | failed | canceled
//
// No transition leaves a terminal state.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

func (s Status) rank() int {
	switch s {
	case StatusScheduled:
		return 1
	case StatusRunning:
		return 2
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return 3
	default:
		return 0
	}
}

// CanTransition reports whether from -> to is a legal forward move.
// Skipping a stage is allowed (a construction failure goes scheduled -> failed
// only if the executor never marked it running); going back or sideways is not.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to.rank() == 0 {
		return false
	}
	return to.rank() > from.rank()
}

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusScheduled, StatusRunning, StatusSucceeded, StatusFailed, StatusCanceled:
		return st, nil
	default:
		return "", fmt.Errorf("unknown job status %q", s)
	}
}
