package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"jobsched/internal/job"
)

// Handler runs one attempt and reports its outcome.
type Handler func(jc *job.Context) job.Result

type Middleware interface {
	Invoke(jc *job.Context, next Handler) job.Result
}

// MiddlewareFunc adapts a function to Middleware.
type MiddlewareFunc func(jc *job.Context, next Handler) job.Result

func (f MiddlewareFunc) Invoke(jc *job.Context, next Handler) job.Result { return f(jc, next) }

// ErrEmptyResult is reported when a body returns the zero Result.
var ErrEmptyResult = errors.New("job body returned an empty result")

type Pipeline struct {
	mu  sync.RWMutex
	mws []Middleware
}

func New(mws ...Middleware) *Pipeline {
	p := &Pipeline{}
	p.Use(mws...)
	return p
}

// Use appends middleware. The first registered middleware is the outermost.
func (p *Pipeline) Use(mws ...Middleware) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range mws {
		if m != nil {
			p.mws = append(p.mws, m)
		}
	}
}

func (p *Pipeline) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.mws)
}

// Build composes the chain right-to-left around a guarded body.
func (p *Pipeline) Build(body job.Body) Handler {
	p.mu.RLock()
	mws := append([]Middleware(nil), p.mws...)
	p.mu.RUnlock()

	h := guard(body)
	for i := len(mws) - 1; i >= 0; i-- {
		m, next := mws[i], h
		h = func(jc *job.Context) job.Result { return m.Invoke(jc, next) }
	}
	return h
}

// Run builds a fresh chain and executes it. Panics raised by middleware are
// converted the same way the innermost guard converts body panics.
func (p *Pipeline) Run(jc *job.Context, body job.Body) (res job.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = recovered(jc, r, string(debug.Stack()))
		}
	}()
	return normalize(jc, p.Build(body)(jc))
}

func guard(body job.Body) Handler {
	return func(jc *job.Context) (res job.Result) {
		if err := jc.Err(); err != nil {
			return canceled(jc)
		}
		if body == nil {
			return job.Failure("", job.NoRetry(errors.New("nil job body")))
		}
		defer func() {
			if r := recover(); r != nil {
				res = recovered(jc, r, string(debug.Stack()))
			}
		}()
		return normalize(jc, body.Execute(jc))
	}
}

func normalize(jc *job.Context, res job.Result) job.Result {
	switch res.Outcome {
	case job.OutcomeSuccess, job.OutcomeCanceled:
		return res
	case job.OutcomeFailure:
		// Errors caused by the context going away are cancellation, not failure.
		if jc.Err() != nil {
			out := canceled(jc)
			out.Duration = res.Duration
			return out
		}
		return res
	default:
		if jc.Err() != nil {
			return canceled(jc)
		}
		return job.Failure("", ErrEmptyResult)
	}
}

func recovered(jc *job.Context, r any, stack string) job.Result {
	if jc != nil && jc.Err() != nil {
		return canceled(jc)
	}
	err, ok := r.(error)
	if !ok {
		err = fmt.Errorf("%v", r)
	}
	res := job.Failure(fmt.Sprintf("panic: %v", r), err)
	res.Stack = stack
	return res
}

func canceled(jc *job.Context) job.Result {
	res := job.Canceled()
	cause := context.Cause(jc)
	if cause == nil {
		cause = jc.Err()
	}
	if cause != nil {
		res.Err = cause
		if errors.Is(cause, context.DeadlineExceeded) {
			res.Message = "canceled: timeout"
		} else {
			res.Message = "canceled: " + cause.Error()
		}
	}
	return res
}
