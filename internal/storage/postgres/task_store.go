// Package postgres provides a Postgres-backed scan.TaskStore.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/scan-engine/internal/scan"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for task rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	AutoMigrate     bool
}

// pgxPool is the subset of *pgxpool.Pool the store needs; pgxmock satisfies it.
type pgxPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// TaskStore keeps each task as a JSONB document alongside the columns the
// claim query filters and orders on. Claims use SELECT ... FOR UPDATE SKIP
// LOCKED so concurrent workers, in this process or others, never share a task.
type TaskStore struct {
	pool  pgxPool
	table string
}

// NewTaskStore connects to Postgres and optionally creates the schema.
func NewTaskStore(ctx context.Context, cfg Config) (*TaskStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewTaskStoreWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if cfg.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return store, nil
}

// NewTaskStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewTaskStoreWithPool(pool pgxPool, table string) (*TaskStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "scan_tasks"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &TaskStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *TaskStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *TaskStore) Ping(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "SELECT 1"); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// EnsureSchema creates the task table and claim index when missing.
func (s *TaskStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id              TEXT PRIMARY KEY,
	seq             BIGSERIAL NOT NULL,
	status          TEXT NOT NULL,
	priority        INTEGER NOT NULL DEFAULT 0,
	tenant_key      TEXT NOT NULL DEFAULT '',
	available_at    TIMESTAMPTZ NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	lock_expires_at TIMESTAMPTZ,
	doc             JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS %[1]s_claim_idx ON %[1]s (status, priority DESC, seq);
CREATE INDEX IF NOT EXISTS %[1]s_created_idx ON %[1]s (status, created_at);`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// CreateTask inserts a task. The seq column is assigned by the database and
// read back on every load; the stored document never carries it.
func (s *TaskStore) CreateTask(ctx context.Context, task scan.Task) error {
	if task.ID == "" {
		return fmt.Errorf("task id is required")
	}
	doc, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, status, priority, tenant_key, available_at, created_at, lock_expires_at, doc)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, s.table)
	_, err = s.pool.Exec(ctx, query,
		task.ID,
		string(task.Status),
		task.Priority,
		task.TenantKey,
		task.AvailableAt,
		task.CreatedAt,
		nullableTime(task.LockExpiresAt),
		doc,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask loads a task by id.
func (s *TaskStore) GetTask(ctx context.Context, id string) (scan.Task, error) {
	query := fmt.Sprintf(`SELECT seq, doc FROM %s WHERE id = $1`, s.table)
	task, err := scanTask(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		return scan.Task{}, err
	}
	return task, nil
}

// UpdateTask locks the row, applies fn and writes the result back in one transaction.
func (s *TaskStore) UpdateTask(ctx context.Context, id string, fn func(*scan.Task) error) (scan.Task, error) {
	var updated scan.Task
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		query := fmt.Sprintf(`SELECT seq, doc FROM %s WHERE id = $1 FOR UPDATE`, s.table)
		task, err := scanTask(tx.QueryRow(ctx, query, id))
		if err != nil {
			return err
		}
		if err := fn(&task); err != nil {
			return err
		}
		task.ID = id
		if err := s.writeTask(ctx, tx, task); err != nil {
			return err
		}
		updated = task
		return nil
	})
	if err != nil {
		return scan.Task{}, err
	}
	return updated, nil
}

// ClaimNext selects the next eligible task with SKIP LOCKED and activates it.
func (s *TaskStore) ClaimNext(
	ctx context.Context,
	workerID string,
	now, leaseExpiresAt time.Time,
) (scan.Task, bool, error) {
	var (
		claimed scan.Task
		found   bool
	)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		query := fmt.Sprintf(`
SELECT seq, doc FROM %s
WHERE status = $1 AND available_at <= $2
ORDER BY priority DESC, seq, created_at
FOR UPDATE SKIP LOCKED
LIMIT 1`, s.table)
		task, err := scanTask(tx.QueryRow(ctx, query, string(scan.TaskStatusQueued), now))
		if errors.Is(err, scan.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		task.Claim(workerID, now, leaseExpiresAt)
		if err := s.writeTask(ctx, tx, task); err != nil {
			return err
		}
		claimed, found = task, true
		return nil
	})
	if err != nil {
		return scan.Task{}, false, err
	}
	return claimed, found, nil
}

// ListTasks returns tasks in status ordered oldest first. A limit <= 0 means no limit.
func (s *TaskStore) ListTasks(ctx context.Context, status scan.TaskStatus, limit int) ([]scan.Task, error) {
	query := fmt.Sprintf(`SELECT seq, doc FROM %s WHERE status = $1 ORDER BY created_at, seq LIMIT $2`, s.table)
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := s.pool.Query(ctx, query, string(status), limitArg)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	out := make([]scan.Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

// CountTasks tallies tasks per status.
func (s *TaskStore) CountTasks(ctx context.Context) (map[scan.TaskStatus]int, error) {
	query := fmt.Sprintf(`SELECT status, count(*) FROM %s GROUP BY status`, s.table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()
	counts := make(map[scan.TaskStatus]int, len(scan.AllStatuses))
	for _, status := range scan.AllStatuses {
		counts[status] = 0
	}
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[scan.TaskStatus(status)] = int(n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}
	return counts, nil
}

func (s *TaskStore) writeTask(ctx context.Context, tx pgx.Tx, task scan.Task) error {
	doc, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	query := fmt.Sprintf(`
UPDATE %s SET status = $2, priority = $3, available_at = $4, lock_expires_at = $5, doc = $6
WHERE id = $1`, s.table)
	tag, err := tx.Exec(ctx, query,
		task.ID,
		string(task.Status),
		task.Priority,
		task.AvailableAt,
		nullableTime(task.LockExpiresAt),
		doc,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return scan.NewErrNotFound("task")
	}
	return nil
}

func (s *TaskStore) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (scan.Task, error) {
	var (
		seq int64
		doc []byte
	)
	if err := row.Scan(&seq, &doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scan.Task{}, scan.NewErrNotFound("task")
		}
		return scan.Task{}, fmt.Errorf("scan task: %w", err)
	}
	var task scan.Task
	if err := json.Unmarshal(doc, &task); err != nil {
		return scan.Task{}, fmt.Errorf("decode task: %w", err)
	}
	task.Seq = seq
	return task, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
