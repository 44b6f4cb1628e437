package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"jobsched/internal/job"
	logx "jobsched/pkg/logx"
)

var (
	ErrNotFound = errors.New("instance not found")
	ErrClosed   = errors.New("store closed")
)

const (
	defaultPageSize = 20
	maxPageSize     = 500
)

// Config selects and configures a driver.
//
// Driver values: "memory" (default, also ""), "file", "sqlite".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the scheduler and executor.
type Store interface {
	// SaveInstance inserts or replaces the instance by ID.
	SaveInstance(ctx context.Context, in *job.Instance) error
	// UpdateStatus moves a stored instance forward; illegal moves return job.ErrInvalidTransition.
	UpdateStatus(ctx context.Context, id string, status job.Status) error
	// SaveHistory appends an audit record. Records are never updated.
	SaveHistory(ctx context.Context, h job.History) error

	GetInstance(ctx context.Context, id string) (*job.Instance, error)
	// GetHistory pages through a job's history newest first. page is 1-based.
	GetHistory(ctx context.Context, name string, page, pageSize int) ([]job.History, error)
	// GetRunningInstances lists instances of name in scheduled or running status.
	GetRunningInstances(ctx context.Context, name string) ([]*job.Instance, error)
	// CleanupHistory deletes history older than retentionDays and returns the
	// number of history records removed. Terminal instances of the same age go too.
	CleanupHistory(ctx context.Context, retentionDays int) (int64, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.Comp("store"))

	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "memory", "mem":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func normalizePage(page, pageSize int) (offset, limit int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return (page - 1) * pageSize, pageSize
}

func retentionCutoff(now time.Time, days int) (time.Time, bool) {
	if days <= 0 {
		return time.Time{}, false
	}
	return now.Add(-time.Duration(days) * 24 * time.Hour), true
}

// sortHistory orders newest first; ties break on instance id for stable pages.
func sortHistory(hs []job.History) {
	sort.SliceStable(hs, func(i, j int) bool {
		a, b := hs[i], hs[j]
		if !a.CompletedAt.Equal(b.CompletedAt) {
			return a.CompletedAt.After(b.CompletedAt)
		}
		return a.InstanceID > b.InstanceID
	})
}

func pageOf(hs []job.History, page, pageSize int) []job.History {
	off, lim := normalizePage(page, pageSize)
	if off >= len(hs) {
		return []job.History{}
	}
	end := off + lim
	if end > len(hs) {
		end = len(hs)
	}
	return append([]job.History(nil), hs[off:end]...)
}
