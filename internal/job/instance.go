package job

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

// Instance is one concrete execution of a job.
//
// It is created by the scheduler in StatusScheduled, then owned by the executor
// until it reaches a terminal status.
type Instance struct {
	ID          string
	JobName     string
	Info        Info
	TriggerType TriggerType
	Sequence    uint64

	ScheduledAt time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	Duration    time.Duration

	Status       Status
	Params       map[string]string
	RetryCount   int
	ErrorMessage string
	StackTrace   string

	TraceID string
	Node    string
}

// Transition moves the instance to the next status.
// It fails with ErrInvalidTransition when leaving a terminal state or moving backwards.
func (in *Instance) Transition(to Status) error {
	if !CanTransition(in.Status, to) {
		return fmt.Errorf("%w: %s -> %s (instance %s)", ErrInvalidTransition, in.Status, to, in.ID)
	}
	in.Status = to
	return nil
}

func (in *Instance) Clone() *Instance {
	if in == nil {
		return nil
	}
	cp := *in
	cp.Info = in.Info.Clone()
	cp.Params = maps.Clone(in.Params)
	return &cp
}

// History is the append-only audit record written once an instance terminates.
type History struct {
	InstanceID    string      `json:"instanceId"`
	JobName       string      `json:"jobName"`
	Status        Status      `json:"status"`
	StartedAt     time.Time   `json:"startedAt"`
	CompletedAt   time.Time   `json:"completedAt"`
	DurationMs    int64       `json:"durationMs"`
	TriggerType   TriggerType `json:"triggerType"`
	IsSuccess     bool        `json:"isSuccess"`
	ErrorMessage  string      `json:"errorMessage,omitempty"`
	StackTrace    string      `json:"stackTrace,omitempty"`
	RetryCount    int         `json:"retryCount"`
	ExecutionNode string      `json:"executionNode"`
	TraceID       string      `json:"traceId"`
	Parameters    string      `json:"parametersAsText"`
}

// NewHistory snapshots a terminal instance.
func NewHistory(in *Instance) (History, error) {
	if in == nil {
		return History{}, fmt.Errorf("nil instance")
	}
	if !in.Status.Terminal() {
		return History{}, fmt.Errorf("instance %s is %s, not terminal", in.ID, in.Status)
	}
	dur := in.Duration
	if dur < 0 {
		dur = 0
	}
	return History{
		InstanceID:    in.ID,
		JobName:       in.JobName,
		Status:        in.Status,
		StartedAt:     in.StartedAt,
		CompletedAt:   in.CompletedAt,
		DurationMs:    dur.Milliseconds(),
		TriggerType:   in.TriggerType,
		IsSuccess:     in.Status == StatusSucceeded,
		ErrorMessage:  in.ErrorMessage,
		StackTrace:    in.StackTrace,
		RetryCount:    in.RetryCount,
		ExecutionNode: in.Node,
		TraceID:       in.TraceID,
		Parameters:    ParamsText(in.Params),
	}, nil
}

// ParamsText renders params as a JSON object with sorted keys ("{}" when empty).
func ParamsText(params map[string]string) string {
	if len(params) == 0 {
		return "{}"
	}
	b, err := json.Marshal(params)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// ParseParamsText is the inverse of ParamsText.
func ParseParamsText(s string) (map[string]string, error) {
	if s == "" || s == "{}" {
		return map[string]string{}, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}
