package jobs

import (
	"fmt"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"jobsched/internal/container"
	"jobsched/internal/eventbus"
	"jobsched/internal/job"
	"jobsched/internal/pipeline"
	logx "jobsched/pkg/logx"
)

var processStart = time.Now()

// RuntimeStats logs process health and per-job attempt counters.
// Jobs whose failure count is at least warn_failures (default 1) are logged at warn.
type RuntimeStats struct{}

func (RuntimeStats) Execute(jc *job.Context) job.Result {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	up := time.Since(processStart).Truncate(time.Second)
	jc.Log.Info("runtime stats",
		logx.Duration("uptime", up),
		logx.Int("goroutines", runtime.NumGoroutine()),
		logx.Uint64("heap_alloc", m.HeapAlloc),
		logx.Uint64("sys", m.Sys),
		logx.Int64("gc", int64(m.NumGC)),
	)
	logHost(jc)
	if bus, err := container.Lookup[eventbus.Bus](jc.Services, ServiceEvents); err == nil {
		if n := bus.Dropped(); n > 0 {
			jc.Log.Warn("lifecycle events dropped by slow listeners", logx.Uint64("dropped", n))
		}
	}

	stats, err := container.Lookup[*pipeline.Stats](jc.Services, ServiceStats)
	if err != nil {
		return job.Result{Outcome: job.OutcomeSuccess, Message: "no job stats available"}
	}
	warnAt := int64(1)
	if v := jc.Param("warn_failures", ""); v != "" {
		if _, err := fmt.Sscan(v, &warnAt); err != nil {
			return job.Failure("bad warn_failures param", job.NoRetry(err))
		}
	}
	snap := stats.Snapshot()
	for _, s := range snap {
		fields := []logx.Field{
			logx.Job(s.Job),
			logx.Int64("attempts", s.Attempts),
			logx.Int64("succeeded", s.Succeeded),
			logx.Int64("failed", s.Failed),
			logx.Int64("canceled", s.Canceled),
		}
		if s.Failed >= warnAt && warnAt > 0 {
			jc.Log.Warn("job stats", fields...)
		} else {
			jc.Log.Debug("job stats", fields...)
		}
	}
	return job.Result{Outcome: job.OutcomeSuccess, Message: fmt.Sprintf("%d jobs tracked", len(snap))}
}

// logHost adds host memory and load. Platforms without a source are skipped.
func logHost(jc *job.Context) {
	var fields []logx.Field
	if vm, err := mem.VirtualMemoryWithContext(jc); err == nil {
		fields = append(fields,
			logx.Uint64("mem_total", vm.Total),
			logx.Uint64("mem_available", vm.Available),
			logx.String("mem_used_pct", fmt.Sprintf("%.1f", vm.UsedPercent)),
		)
	}
	if avg, err := load.AvgWithContext(jc); err == nil {
		fields = append(fields, logx.String("load", fmt.Sprintf("%.2f %.2f %.2f", avg.Load1, avg.Load5, avg.Load15)))
	}
	if len(fields) > 0 {
		jc.Log.Info("host stats", fields...)
	}
}
