// Package container resolves job bodies and shared services by name.
//
// Factories are registered once at startup. Every execution opens its own
// Scope, so services created through a Provider live exactly as long as one
// instance.
package container

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"jobsched/internal/job"
)

var ErrServiceNotFound = errors.New("service not registered")

// Factory builds a job body for one execution.
type Factory func(s *Scope) (job.Body, error)

// Provider builds a scoped service. Values implementing io.Closer are closed
// with the scope.
type Provider func(s *Scope) (any, error)

type Container struct {
	mu        sync.RWMutex
	factories map[string]Factory
	providers map[string]Provider
}

func New() *Container {
	return &Container{factories: map[string]Factory{}, providers: map[string]Provider{}}
}

// Register binds a body factory to a type tag. Re-registering replaces it.
func (c *Container) Register(tag string, f Factory) error {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return errors.New("container: empty type tag")
	}
	if f == nil {
		return fmt.Errorf("container: nil factory for %q", tag)
	}
	c.mu.Lock()
	c.factories[tag] = f
	c.mu.Unlock()
	return nil
}

// Provide binds a scoped service constructor to name.
func (c *Container) Provide(name string, p Provider) error {
	name = strings.TrimSpace(name)
	if name == "" || p == nil {
		return fmt.Errorf("container: invalid provider %q", name)
	}
	c.mu.Lock()
	c.providers[name] = p
	c.mu.Unlock()
	return nil
}

// Instance registers an already-built service shared by all scopes.
// It is never closed by a scope.
func (c *Container) Instance(name string, v any) error {
	return c.Provide(name, func(*Scope) (any, error) { return shared{v}, nil })
}

func (c *Container) Has(tag string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.factories[strings.TrimSpace(tag)]
	return ok
}

// Types lists registered type tags.
func (c *Container) Types() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.factories))
	for k := range c.factories {
		out = append(out, k)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (c *Container) CreateScope() *Scope {
	return &Scope{c: c, items: map[string]any{}}
}

type shared struct{ v any }

// Scope memoizes services for one execution. It is safe for concurrent use.
type Scope struct {
	c *Container

	mu     sync.Mutex
	items  map[string]any
	order  []io.Closer
	closed bool
}

// Resolve builds the body for tag. Every failure is a *job.ConstructionError.
func (s *Scope) Resolve(tag string) (body job.Body, err error) {
	s.c.mu.RLock()
	f, ok := s.c.factories[strings.TrimSpace(tag)]
	s.c.mu.RUnlock()
	if !ok {
		return nil, &job.ConstructionError{Type: tag, Err: job.ErrUnknownType}
	}
	defer func() {
		if r := recover(); r != nil {
			body, err = nil, &job.ConstructionError{Type: tag, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	body, err = f(s)
	if err != nil {
		return nil, &job.ConstructionError{Type: tag, Err: err}
	}
	if body == nil {
		return nil, &job.ConstructionError{Type: tag, Err: errors.New("factory returned nil body")}
	}
	return body, nil
}

// Get returns the named service, building it on first use within the scope.
func (s *Scope) Get(name string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("container: scope closed")
	}
	if v, ok := s.items[name]; ok {
		return v, nil
	}
	s.c.mu.RLock()
	p, ok := s.c.providers[name]
	s.c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	// Providers may not call Get on the same scope; the lock is held.
	v, err := p(s)
	if err != nil {
		return nil, fmt.Errorf("container: build %s: %w", name, err)
	}
	if sh, ok := v.(shared); ok {
		v = sh.v
	} else if cl, ok := v.(io.Closer); ok {
		s.order = append(s.order, cl)
	}
	s.items[name] = v
	return v, nil
}

// Close closes scoped services in reverse creation order.
func (s *Scope) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	order := s.order
	s.order = nil
	s.items = nil
	s.mu.Unlock()

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		if err := order[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Lookup is a typed helper over Services.
func Lookup[T any](svc job.Services, name string) (T, error) {
	var zero T
	if svc == nil {
		return zero, fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	v, err := svc.Get(name)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("container: service %s has type %T", name, v)
	}
	return t, nil
}
