package bolt

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scan-engine/internal/scan"
)

func newTestStore(t *testing.T) *TaskStore {
	t.Helper()
	store, err := NewTaskStore(Config{Path: filepath.Join(t.TempDir(), "tasks.db")})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return store
}

func queuedTask(id string, priority int, created time.Time) scan.Task {
	return scan.Task{
		ID:          id,
		Payload:     scan.NewSiteScan(scan.SiteScan{URLs: []string{"https://example.com/" + id}, MaxPages: 3}),
		Priority:    priority,
		Status:      scan.TaskStatusQueued,
		MaxAttempts: 3,
		BackoffBase: time.Second,
		CreatedAt:   created,
		AvailableAt: created,
	}
}

func TestTaskStoreRoundTripsPayload(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0).UTC()
	task := queuedTask("t1", 2, now)
	task.Payload = scan.NewPageScan(scan.PageScan{
		URL:          "https://example.com",
		WaitSelector: "#app",
		Viewport:     &scan.Viewport{Width: 1024, Height: 768},
		Headers:      map[string]string{"Accept-Language": "en"},
	})
	require.NoError(t, store.CreateTask(ctx, task))

	claimed, ok, err := store.ClaimNext(ctx, "w1", now, now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, task.Payload, claimed.Payload)
	require.Equal(t, time.Second, claimed.BackoffBase)
	require.Equal(t, now.Add(time.Minute), claimed.LockExpiresAt)

	_, err = store.GetTask(ctx, "missing")
	require.ErrorIs(t, err, scan.ErrNotFound)
}

func TestTaskStoreClaimOrderAndBackoff(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0).UTC()
	require.NoError(t, store.CreateTask(ctx, queuedTask("neg", -1, base)))
	require.NoError(t, store.CreateTask(ctx, queuedTask("low-1", 0, base)))
	require.NoError(t, store.CreateTask(ctx, queuedTask("high", 7, base.Add(time.Second))))
	require.NoError(t, store.CreateTask(ctx, queuedTask("low-2", 0, base)))
	waiting := queuedTask("waiting", 100, base)
	waiting.AvailableAt = base.Add(time.Hour)
	require.NoError(t, store.CreateTask(ctx, waiting))

	now := base.Add(time.Minute)
	var order []string
	for {
		task, ok, err := store.ClaimNext(ctx, "w1", now, now.Add(time.Minute))
		require.NoError(t, err)
		if !ok {
			break
		}
		order = append(order, task.ID)
	}
	require.Equal(t, []string{"high", "low-1", "low-2", "neg"}, order)

	later := base.Add(2 * time.Hour)
	task, ok, err := store.ClaimNext(ctx, "w2", later, later.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "waiting", task.ID)
}

func TestTaskStoreUpdateMaintainsIndex(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0).UTC()
	require.NoError(t, store.CreateTask(ctx, queuedTask("t1", 0, now)))

	_, err := store.UpdateTask(ctx, "t1", func(task *scan.Task) error {
		task.Status = scan.TaskStatusDeadLettered
		return nil
	})
	require.NoError(t, err)

	_, ok, err := store.ClaimNext(ctx, "w1", now, now.Add(time.Minute))
	require.NoError(t, err)
	require.False(t, ok)

	_, err = store.UpdateTask(ctx, "t1", func(task *scan.Task) error {
		task.Status = scan.TaskStatusQueued
		return nil
	})
	require.NoError(t, err)

	claimed, ok, err := store.ClaimNext(ctx, "w1", now, now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "t1", claimed.ID)

	counts, err := store.CountTasks(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts[scan.TaskStatusActive])

	active, err := store.ListTasks(ctx, scan.TaskStatusActive, 0)
	require.NoError(t, err)
	require.Len(t, active, 1)
}

func TestTaskStoreSurvivesReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tasks.db")
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0).UTC()

	store, err := NewTaskStore(Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, store.CreateTask(ctx, queuedTask("t1", 0, now)))
	require.NoError(t, store.Close())

	reopened, err := NewTaskStore(Config{Path: path})
	require.NoError(t, err)
	defer func() { require.NoError(t, reopened.Close()) }()

	task, ok, err := reopened.ClaimNext(ctx, "w1", now, now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "t1", task.ID)
}
