package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scan-engine/internal/scan"
)

func newMockStore(t *testing.T) (*TaskStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewTaskStoreWithPool(mock, "scan_tasks")
	require.NoError(t, err)
	return store, mock
}

func sampleTask(now time.Time) scan.Task {
	return scan.Task{
		ID:          "task-1",
		Payload:     scan.NewPageScan(scan.PageScan{URL: "https://example.com"}),
		Priority:    3,
		TenantKey:   "tenant-a",
		Status:      scan.TaskStatusQueued,
		MaxAttempts: 3,
		BackoffBase: time.Second,
		CreatedAt:   now,
		UpdatedAt:   now,
		AvailableAt: now,
	}
}

func TestNewTaskStoreWithPoolRejectsBadTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewTaskStoreWithPool(mock, "tasks; DROP TABLE x")
	require.Error(t, err)
	_, err = NewTaskStoreWithPool(nil, "")
	require.Error(t, err)
}

func TestCreateTaskInsertsRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1_700_000_000, 0).UTC()
	task := sampleTask(now)

	mock.ExpectExec("INSERT INTO scan_tasks").
		WithArgs(
			task.ID,
			string(task.Status),
			task.Priority,
			task.TenantKey,
			task.AvailableAt,
			task.CreatedAt,
			nil,
			pgxmock.AnyArg(),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateTask(context.Background(), task))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTaskPropagatesInsertError(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	task := sampleTask(time.Unix(1_700_000_000, 0).UTC())

	mock.ExpectExec("INSERT INTO scan_tasks").WillReturnError(errors.New("duplicate key"))

	err := store.CreateTask(context.Background(), task)
	require.ErrorContains(t, err, "insert task: duplicate key")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextLocksAndActivates(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1_700_000_000, 0).UTC()
	task := sampleTask(now)
	doc, err := json.Marshal(task)
	require.NoError(t, err)
	lease := now.Add(time.Minute)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs(string(scan.TaskStatusQueued), now).
		WillReturnRows(pgxmock.NewRows([]string{"seq", "doc"}).AddRow(int64(7), doc))
	mock.ExpectExec("UPDATE scan_tasks SET status").
		WithArgs(task.ID, string(scan.TaskStatusActive), task.Priority, task.AvailableAt, lease, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	claimed, ok, err := store.ClaimNext(context.Background(), "worker-1", now, lease)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(7), claimed.Seq)
	require.Equal(t, scan.TaskStatusActive, claimed.Status)
	require.Equal(t, "worker-1", claimed.LockOwner)
	require.Equal(t, task.Payload, claimed.Payload)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextEmptyQueue(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1_700_000_000, 0).UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs(string(scan.TaskStatusQueued), now).
		WillReturnRows(pgxmock.NewRows([]string{"seq", "doc"}))
	mock.ExpectCommit()

	_, ok, err := store.ClaimNext(context.Background(), "worker-1", now, now.Add(time.Minute))
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateTaskRollsBackOnCallbackError(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1_700_000_000, 0).UTC()
	doc, err := json.Marshal(sampleTask(now))
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT seq, doc FROM scan_tasks WHERE id").
		WithArgs("task-1").
		WillReturnRows(pgxmock.NewRows([]string{"seq", "doc"}).AddRow(int64(1), doc))
	mock.ExpectRollback()

	_, err = store.UpdateTask(context.Background(), "task-1", func(*scan.Task) error {
		return scan.ErrInvalidTransition
	})
	require.ErrorIs(t, err, scan.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTaskNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT seq, doc FROM scan_tasks WHERE id").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{"seq", "doc"}))

	_, err := store.GetTask(context.Background(), "missing")
	require.ErrorIs(t, err, scan.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountTasksFillsEveryStatus(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT status, count").
		WillReturnRows(pgxmock.NewRows([]string{"status", "count"}).
			AddRow("queued", int64(4)).
			AddRow("dead_lettered", int64(1)))

	counts, err := store.CountTasks(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, counts[scan.TaskStatusQueued])
	require.Equal(t, 1, counts[scan.TaskStatusDeadLettered])
	require.Equal(t, 0, counts[scan.TaskStatusActive])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListTasksWithoutLimit(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1_700_000_000, 0).UTC()
	task := sampleTask(now)
	task.Status = scan.TaskStatusDeadLettered
	doc, err := json.Marshal(task)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT seq, doc FROM scan_tasks WHERE status").
		WithArgs(string(scan.TaskStatusDeadLettered), nil).
		WillReturnRows(pgxmock.NewRows([]string{"seq", "doc"}).AddRow(int64(2), doc))

	tasks, err := store.ListTasks(context.Background(), scan.TaskStatusDeadLettered, 0)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, int64(2), tasks[0].Seq)
	require.NoError(t, mock.ExpectationsWereMet())
}
