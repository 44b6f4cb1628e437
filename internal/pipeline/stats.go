package pipeline

import (
	"sort"
	"sync"
	"time"

	"jobsched/internal/job"
)

// JobStats aggregates attempt outcomes for one job since process start.
type JobStats struct {
	Job       string        `json:"job"`
	Attempts  int64         `json:"attempts"`
	Succeeded int64         `json:"succeeded"`
	Failed    int64         `json:"failed"`
	Canceled  int64         `json:"canceled"`
	Total     time.Duration `json:"total"`
	Last      time.Time     `json:"last"`
}

// Stats counts attempts per job.
type Stats struct {
	mu sync.Mutex
	m  map[string]*JobStats
}

func NewStats() *Stats { return &Stats{m: map[string]*JobStats{}} }

func (s *Stats) Invoke(jc *job.Context, next Handler) job.Result {
	start := time.Now()
	res := next(jc)
	if jc.Instance == nil {
		return res
	}
	dur := time.Since(start)

	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.m[jc.Instance.JobName]
	if st == nil {
		st = &JobStats{Job: jc.Instance.JobName}
		s.m[st.Job] = st
	}
	st.Attempts++
	st.Total += dur
	st.Last = start
	switch res.Outcome {
	case job.OutcomeSuccess:
		st.Succeeded++
	case job.OutcomeCanceled:
		st.Canceled++
	default:
		st.Failed++
	}
	return res
}

// Snapshot returns a copy sorted by job name.
func (s *Stats) Snapshot() []JobStats {
	s.mu.Lock()
	out := make([]JobStats, 0, len(s.m))
	for _, st := range s.m {
		out = append(out, *st)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Job < out[j].Job })
	return out
}

// Forget drops the counters of a job, e.g. after it was unregistered.
func (s *Stats) Forget(name string) {
	s.mu.Lock()
	delete(s.m, name)
	s.mu.Unlock()
}
