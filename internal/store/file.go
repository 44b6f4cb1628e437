package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"jobsched/internal/job"
	logx "jobsched/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.history.jsonl            (append-only JSON Lines)
//   - <prefix>.instances.snapshot.json  (periodic snapshot)
//   - <prefix>.instances.journal.jsonl  (append-only journal)
//
// Queries are served from memory; the journal is periodically compacted into
// the snapshot and the history file is rewritten by CleanupHistory.
type fileStore struct {
	log logx.Logger
	mem *Memory

	mu sync.Mutex

	historyPath  string
	historyFile  *os.File
	snapshotPath string
	journalFile  *os.File

	journalWrites int
}

const compactEvery = 1000

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		mem:          NewMemory(),
		historyPath:  prefix + ".history.jsonl",
		snapshotPath: prefix + ".instances.snapshot.json",
	}
	journalPath := prefix + ".instances.journal.jsonl"

	if err := loadSnapshot(s.snapshotPath, s.mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("instance snapshot unreadable, starting empty", logx.Err(err))
	}
	if err := replayLines(journalPath, func(b []byte) {
		var in job.Instance
		if json.Unmarshal(b, &in) == nil && in.ID != "" {
			s.mem.restoreInstance(&in)
		}
	}); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := replayLines(s.historyPath, func(b []byte) {
		var h job.History
		if json.Unmarshal(b, &h) == nil && h.InstanceID != "" {
			s.mem.restoreHistory(h)
		}
	}); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	hf, err := os.OpenFile(s.historyPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = hf.Close()
		return nil, err
	}
	s.historyFile = hf
	s.journalFile = jf
	return s, nil
}

func (s *fileStore) SaveInstance(ctx context.Context, in *job.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	if err := s.mem.SaveInstance(ctx, in); err != nil {
		return err
	}
	return s.journalLocked(in)
}

func (s *fileStore) UpdateStatus(ctx context.Context, id string, status job.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	if err := s.mem.UpdateStatus(ctx, id, status); err != nil {
		return err
	}
	in, err := s.mem.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	return s.journalLocked(in)
}

func (s *fileStore) SaveHistory(ctx context.Context, h job.History) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.historyFile).Encode(h); err != nil {
		return err
	}
	return s.mem.SaveHistory(ctx, h)
}

func (s *fileStore) GetInstance(ctx context.Context, id string) (*job.Instance, error) {
	return s.mem.GetInstance(ctx, id)
}

func (s *fileStore) GetHistory(ctx context.Context, name string, page, pageSize int) ([]job.History, error) {
	return s.mem.GetHistory(ctx, name, page, pageSize)
}

func (s *fileStore) GetRunningInstances(ctx context.Context, name string) ([]*job.Instance, error) {
	return s.mem.GetRunningInstances(ctx, name)
}

func (s *fileStore) CleanupHistory(ctx context.Context, retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyFile == nil {
		return 0, ErrClosed
	}
	n, err := s.mem.CleanupHistory(ctx, retentionDays)
	if err != nil || n == 0 {
		return n, err
	}
	if err := s.rewriteHistoryLocked(); err != nil {
		return n, err
	}
	return n, s.compactLocked()
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journalFile != nil {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("instance compact failed", logx.Err(err))
		}
		errs = append(errs, s.journalFile.Close())
		s.journalFile = nil
	}
	if s.historyFile != nil {
		errs = append(errs, s.historyFile.Close())
		s.historyFile = nil
	}
	errs = append(errs, s.mem.Close())
	return errors.Join(errs...)
}

func (s *fileStore) journalLocked(in *job.Instance) error {
	if err := json.NewEncoder(s.journalFile).Encode(in); err != nil {
		return err
	}
	s.journalWrites++
	if s.journalWrites%compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("instance compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	s.mem.mu.RLock()
	all := make([]*job.Instance, 0, len(s.mem.instances))
	for _, in := range s.mem.instances {
		all = append(all, in)
	}
	err := writeFileAtomic(s.snapshotPath, func(w io.Writer) error {
		return json.NewEncoder(w).Encode(all)
	})
	s.mem.mu.RUnlock()
	if err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, io.SeekEnd)
	return err
}

func (s *fileStore) rewriteHistoryLocked() error {
	s.mem.mu.RLock()
	err := writeFileAtomic(s.historyPath, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		for _, hs := range s.mem.history {
			for _, h := range hs {
				if err := enc.Encode(h); err != nil {
					return err
				}
			}
		}
		return nil
	})
	s.mem.mu.RUnlock()
	if err != nil {
		return err
	}
	// The old descriptor points at the replaced inode.
	_ = s.historyFile.Close()
	hf, err := os.OpenFile(s.historyPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.historyFile = nil
		return err
	}
	s.historyFile = hf
	return nil
}

func writeFileAtomic(path string, write func(w io.Writer) error) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	if err := write(bw); err != nil {
		_ = f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func loadSnapshot(path string, mem *Memory) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var all []*job.Instance
	if err := json.NewDecoder(f).Decode(&all); err != nil {
		return err
	}
	for _, in := range all {
		if in != nil && in.ID != "" {
			mem.restoreInstance(in)
		}
	}
	return nil
}

func replayLines(path string, fn func([]byte)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		fn(sc.Bytes())
	}
	return sc.Err()
}

