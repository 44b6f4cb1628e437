package job

import (
	"context"
	"sync"

	logx "jobsched/pkg/logx"
)

// Services is the scoped dependency lookup handed to job bodies.
// It is implemented by container.Scope.
type Services interface {
	Get(name string) (any, error)
}

// Context is what a job body and every middleware see for one attempt.
//
// It embeds the attempt's context.Context, so it carries the cancellation
// signal (timeout, scheduler stop) and can be passed to any ctx-aware API.
type Context struct {
	context.Context

	Instance *Instance // read-only snapshot
	Params   map[string]string
	Attempt  int
	Services Services
	Log      logx.Logger

	mu    sync.Mutex
	items map[string]any
}

func NewContext(ctx context.Context, in *Instance, params map[string]string, attempt int, svc Services, log logx.Logger) *Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Context{Context: ctx, Instance: in, Params: params, Attempt: attempt, Services: svc, Log: log}
}

// Param returns the named parameter or def when unset.
func (c *Context) Param(name, def string) string {
	if v, ok := c.Params[name]; ok {
		return v
	}
	return def
}

// Set stores per-call middleware state.
func (c *Context) Set(key string, v any) {
	c.mu.Lock()
	if c.items == nil {
		c.items = map[string]any{}
	}
	c.items[key] = v
	c.mu.Unlock()
}

// Get returns state stored with Set.
func (c *Context) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.items[key]
	return v, ok
}

// Body is the unit of work behind a job type.
type Body interface {
	Execute(jc *Context) Result
}

// BodyFunc adapts a plain function to Body: nil error is Success, anything else Failure.
type BodyFunc func(jc *Context) error

func (f BodyFunc) Execute(jc *Context) Result {
	if err := f(jc); err != nil {
		return Failure("", err)
	}
	return Success()
}
