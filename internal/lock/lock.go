// Package lock provides lease-based mutual exclusion keyed by job name.
//
// Failing to acquire is a normal outcome (somebody else runs the job), so
// TryAcquire reports it with ok=false rather than an error.
package lock

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "jobsched/pkg/logx"
)

var ErrClosed = errors.New("lock provider closed")

// Token is a held lock. Release is idempotent.
type Token interface {
	Key() string
	Release(ctx context.Context) error
}

type Provider interface {
	// TryAcquire never blocks waiting for a holder. The lease bounds how long
	// the lock survives a holder that disappears without releasing.
	TryAcquire(ctx context.Context, key string, lease time.Duration) (tok Token, ok bool, err error)
	Close() error
}

// Config selects a driver.
//
// Driver values: "" or "none" (no provider), "memory", "etcd".
type Config struct {
	Driver      string
	Endpoints   []string
	DialTimeout time.Duration
	Prefix      string
}

// Open initializes the configured provider.
// It returns (nil, nil) if locking is disabled.
func Open(cfg Config, log logx.Logger) (Provider, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.Comp("lock"))

	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "none":
		return nil, nil
	case "memory", "mem":
		return NewMemory(), nil
	case "etcd":
		return openEtcd(cfg, log)
	default:
		return nil, errors.New("unknown lock driver: " + driver)
	}
}
