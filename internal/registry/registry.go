package registry

import (
	"sort"
	"strings"
	"sync"

	"jobsched/internal/job"
)

// Registry maps job names to their definitions.
//
// Register is an upsert (last writer wins, no merge). Unregister also drops the
// job's trigger state.
type Registry struct {
	jobs     sync.Map // string -> job.Info
	triggers *TriggerManager
}

func New(triggers *TriggerManager) *Registry {
	if triggers == nil {
		triggers = NewTriggerManager()
	}
	return &Registry{triggers: triggers}
}

func (r *Registry) Triggers() *TriggerManager { return r.triggers }

// Register stores a copy of info and reports whether it replaced an existing definition.
func (r *Registry) Register(info job.Info) (replaced bool) {
	name := strings.TrimSpace(info.Name)
	info.Name = name
	_, replaced = r.jobs.Swap(name, info.Clone())
	return replaced
}

func (r *Registry) Unregister(name string) bool {
	name = strings.TrimSpace(name)
	_, ok := r.jobs.LoadAndDelete(name)
	r.triggers.Remove(name)
	return ok
}

func (r *Registry) Get(name string) (job.Info, bool) {
	v, ok := r.jobs.Load(strings.TrimSpace(name))
	if !ok {
		return job.Info{}, false
	}
	return v.(job.Info).Clone(), true
}

// List returns a snapshot ordered by priority (highest first), then name.
func (r *Registry) List() []job.Info {
	out := []job.Info{}
	r.jobs.Range(func(_, v any) bool {
		out = append(out, v.(job.Info).Clone())
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (r *Registry) Len() int {
	n := 0
	r.jobs.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
