package config

import (
	"reflect"
	"sort"
	"strings"

	logx "jobsched/pkg/logx"
)

// Change summarizes a reload. Jobs are compared by name; a job whose
// declaration differs in any field is listed in JobsChanged.
type Change struct {
	Sections    []string
	JobsAdded   []string
	JobsRemoved []string
	JobsChanged []string
}

func (c Change) Empty() bool {
	return len(c.Sections) == 0
}

// Fields renders the change for logging. Section contents are never logged,
// so tokens stay out of the log.
func (c Change) Fields() []logx.Field {
	return []logx.Field{
		logx.String("sections", strings.Join(c.Sections, ",")),
		logx.Int("jobs_added", len(c.JobsAdded)),
		logx.Int("jobs_removed", len(c.JobsRemoved)),
		logx.Int("jobs_changed", len(c.JobsChanged)),
	}
}

// Diff compares two configs section by section.
func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(name string, differ bool) {
		if differ {
			ch.Sections = append(ch.Sections, name)
		}
	}
	mark("node_id", strings.TrimSpace(oldCfg.NodeID) != strings.TrimSpace(newCfg.NodeID))
	mark("logging", oldCfg.Logging != newCfg.Logging)
	mark("scheduler", oldCfg.Scheduler != newCfg.Scheduler)
	mark("executor", oldCfg.Executor != newCfg.Executor)
	mark("pipeline", !reflect.DeepEqual(oldCfg.Pipeline, newCfg.Pipeline))
	mark("storage", !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage))
	mark("lock", !reflect.DeepEqual(oldCfg.Lock, newCfg.Lock))
	mark("pprof", !reflect.DeepEqual(oldCfg.Pprof, newCfg.Pprof))

	oldJobs := indexJobs(oldCfg.Jobs)
	newJobs := indexJobs(newCfg.Jobs)
	for name, nj := range newJobs {
		oj, ok := oldJobs[name]
		switch {
		case !ok:
			ch.JobsAdded = append(ch.JobsAdded, name)
		case hashJSON(oj) != hashJSON(nj):
			ch.JobsChanged = append(ch.JobsChanged, name)
		}
	}
	for name := range oldJobs {
		if _, ok := newJobs[name]; !ok {
			ch.JobsRemoved = append(ch.JobsRemoved, name)
		}
	}
	sort.Strings(ch.JobsAdded)
	sort.Strings(ch.JobsRemoved)
	sort.Strings(ch.JobsChanged)
	mark("jobs", len(ch.JobsAdded)+len(ch.JobsRemoved)+len(ch.JobsChanged) > 0)
	sort.Strings(ch.Sections)
	return ch
}

func indexJobs(jobs []JobConfig) map[string]JobConfig {
	out := make(map[string]JobConfig, len(jobs))
	for _, j := range jobs {
		out[strings.TrimSpace(j.Name)] = j
	}
	return out
}

// RequiresRestart reports sections that cannot be applied to a running process.
func (c Change) RequiresRestart() []string {
	var out []string
	for _, s := range c.Sections {
		switch s {
		case "node_id", "scheduler", "executor", "pipeline", "storage", "lock":
			out = append(out, s)
		}
	}
	return out
}
