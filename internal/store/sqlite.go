package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"jobsched/internal/job"
	logx "jobsched/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes every read and write, which is what makes the
	// running-instance check consistent within this file.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const instanceColumns = `id, job_name, status, trigger_type, sequence, scheduled_at, started_at, completed_at,
	duration_ms, params, retry_count, error_message, stack_trace, trace_id, node, info`

func (s *sqliteStore) SaveInstance(ctx context.Context, in *job.Instance) error {
	if in == nil || in.ID == "" {
		return errors.New("store: instance without id")
	}
	info, err := json.Marshal(in.Info)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO job_instances(`+instanceColumns+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   job_name=excluded.job_name, status=excluded.status, trigger_type=excluded.trigger_type,
		   sequence=excluded.sequence, scheduled_at=excluded.scheduled_at, started_at=excluded.started_at,
		   completed_at=excluded.completed_at, duration_ms=excluded.duration_ms, params=excluded.params,
		   retry_count=excluded.retry_count, error_message=excluded.error_message,
		   stack_trace=excluded.stack_trace, trace_id=excluded.trace_id, node=excluded.node, info=excluded.info`,
		in.ID, in.JobName, string(in.Status), string(in.TriggerType), int64(in.Sequence),
		toMillis(in.ScheduledAt), toMillis(in.StartedAt), toMillis(in.CompletedAt), in.Duration.Milliseconds(),
		job.ParamsText(in.Params), in.RetryCount, nullStr(in.ErrorMessage), nullStr(in.StackTrace),
		nullStr(in.TraceID), nullStr(in.Node), string(info),
	)
	return err
}

func (s *sqliteStore) UpdateStatus(ctx context.Context, id string, status job.Status) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var cur string
	err = tx.QueryRowContext(ctx, `SELECT status FROM job_instances WHERE id = ?`, id).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if job.Status(cur) == status {
		return nil
	}
	if !job.CanTransition(job.Status(cur), status) {
		return fmt.Errorf("%w: %s -> %s (instance %s)", job.ErrInvalidTransition, cur, status, id)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE job_instances SET status = ? WHERE id = ?`, string(status), id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) SaveHistory(ctx context.Context, h job.History) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_history(instance_id, job_name, status, started_at, completed_at, duration_ms,
		   trigger_type, is_success, error_message, stack_trace, retry_count, execution_node, trace_id, parameters)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		h.InstanceID, h.JobName, string(h.Status), toMillis(h.StartedAt), toMillis(h.CompletedAt), h.DurationMs,
		string(h.TriggerType), boolInt(h.IsSuccess), nullStr(h.ErrorMessage), nullStr(h.StackTrace),
		h.RetryCount, nullStr(h.ExecutionNode), nullStr(h.TraceID), h.Parameters,
	)
	return err
}

func (s *sqliteStore) GetInstance(ctx context.Context, id string) (*job.Instance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM job_instances WHERE id = ?`, id)
	in, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return in, err
}

func (s *sqliteStore) GetHistory(ctx context.Context, name string, page, pageSize int) ([]job.History, error) {
	off, lim := normalizePage(page, pageSize)
	rows, err := s.db.QueryContext(ctx,
		`SELECT instance_id, job_name, status, started_at, completed_at, duration_ms, trigger_type,
		   is_success, error_message, stack_trace, retry_count, execution_node, trace_id, parameters
		 FROM job_history WHERE job_name = ?
		 ORDER BY completed_at DESC, instance_id DESC LIMIT ? OFFSET ?`,
		name, lim, off,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []job.History{}
	for rows.Next() {
		var (
			h                                  job.History
			status, trig                       string
			started, completed                 int64
			success                            int
			errMsg, stack, node, trace, params sql.NullString
		)
		if err := rows.Scan(&h.InstanceID, &h.JobName, &status, &started, &completed, &h.DurationMs, &trig,
			&success, &errMsg, &stack, &h.RetryCount, &node, &trace, &params); err != nil {
			return nil, err
		}
		h.Status = job.Status(status)
		h.TriggerType = job.TriggerType(trig)
		h.StartedAt = fromMillis(started)
		h.CompletedAt = fromMillis(completed)
		h.IsSuccess = success != 0
		h.ErrorMessage = errMsg.String
		h.StackTrace = stack.String
		h.ExecutionNode = node.String
		h.TraceID = trace.String
		h.Parameters = params.String
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetRunningInstances(ctx context.Context, name string) ([]*job.Instance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+instanceColumns+` FROM job_instances
		 WHERE job_name = ? AND status IN (?, ?) ORDER BY scheduled_at`,
		name, string(job.StatusScheduled), string(job.StatusRunning),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*job.Instance
	for rows.Next() {
		in, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CleanupHistory(ctx context.Context, retentionDays int) (int64, error) {
	cutoff, ok := retentionCutoff(time.Now(), retentionDays)
	if !ok {
		return 0, nil
	}
	ms := cutoff.UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_history WHERE completed_at < ?`, ms)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM job_instances WHERE status IN (?, ?, ?) AND completed_at < ?`,
		string(job.StatusSucceeded), string(job.StatusFailed), string(job.StatusCanceled), ms,
	); err != nil {
		s.log.Warn("instance cleanup failed", logx.Err(err))
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(r rowScanner) (*job.Instance, error) {
	var (
		in                             job.Instance
		status, trig, params, info     string
		seq, sched, started, completed int64
		durMs                          int64
		errMsg, stack, trace, node     sql.NullString
	)
	if err := r.Scan(&in.ID, &in.JobName, &status, &trig, &seq, &sched, &started, &completed,
		&durMs, &params, &in.RetryCount, &errMsg, &stack, &trace, &node, &info); err != nil {
		return nil, err
	}
	in.Status = job.Status(status)
	in.TriggerType = job.TriggerType(trig)
	in.Sequence = uint64(seq)
	in.ScheduledAt = fromMillis(sched)
	in.StartedAt = fromMillis(started)
	in.CompletedAt = fromMillis(completed)
	in.Duration = time.Duration(durMs) * time.Millisecond
	in.ErrorMessage = errMsg.String
	in.StackTrace = stack.String
	in.TraceID = trace.String
	in.Node = node.String
	p, err := job.ParseParamsText(params)
	if err != nil {
		return nil, fmt.Errorf("instance %s params: %w", in.ID, err)
	}
	in.Params = p
	if err := json.Unmarshal([]byte(info), &in.Info); err != nil {
		return nil, fmt.Errorf("instance %s info: %w", in.ID, err)
	}
	return &in, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
