package lock

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"

	logx "jobsched/pkg/logx"
)

const defaultEtcdPrefix = "/jobsched/locks/"

// etcdProvider maps each acquisition onto its own session. The session lease
// is kept alive while the token is held and expires lease after the holder dies.
type etcdProvider struct {
	client *clientv3.Client
	prefix string
	log    logx.Logger
}

func openEtcd(cfg Config, log logx.Logger) (Provider, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("lock.endpoints is required for etcd driver")
	}
	dial := cfg.DialTimeout
	if dial <= 0 {
		dial = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dial,
		Logger:      etcdClientLogger(),
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd: %w", err)
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = defaultEtcdPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	log.Info("etcd lock provider ready", logx.Any("endpoints", cfg.Endpoints), logx.String("prefix", prefix))
	return &etcdProvider{client: cli, prefix: prefix, log: log}, nil
}

// etcdClientLogger keeps the client's own zap output to warnings and above;
// lock outcomes are reported through logx by the provider.
func etcdClientLogger() *zap.Logger {
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	zc.Sampling = nil
	zl, err := zc.Build()
	if err != nil {
		return zap.NewNop()
	}
	return zl.Named("etcd")
}

func (p *etcdProvider) TryAcquire(ctx context.Context, key string, lease time.Duration) (Token, bool, error) {
	ttl := int(math.Ceil(lease.Seconds()))
	if ttl < 1 {
		ttl = 60
	}
	sess, err := concurrency.NewSession(p.client, concurrency.WithTTL(ttl))
	if err != nil {
		return nil, false, fmt.Errorf("etcd session: %w", err)
	}
	mu := concurrency.NewMutex(sess, p.prefix+key)
	if err := mu.TryLock(ctx); err != nil {
		_ = sess.Close()
		if errors.Is(err, concurrency.ErrLocked) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("etcd lock %s: %w", key, err)
	}
	return &etcdToken{key: key, sess: sess, mu: mu, log: p.log}, true, nil
}

func (p *etcdProvider) Close() error { return p.client.Close() }

type etcdToken struct {
	key  string
	sess *concurrency.Session
	mu   *concurrency.Mutex
	log  logx.Logger

	once sync.Once
	err  error
}

func (t *etcdToken) Key() string { return t.key }

func (t *etcdToken) Release(ctx context.Context) error {
	t.once.Do(func() {
		if err := t.mu.Unlock(ctx); err != nil {
			t.log.Warn("etcd unlock failed; lease will expire", logx.String("key", t.key), logx.Err(err))
			t.err = err
		}
		// Closing the session revokes the lease, which drops the key either way.
		if err := t.sess.Close(); err != nil && t.err == nil {
			t.err = err
		}
	})
	return t.err
}
