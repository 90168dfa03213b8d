// Package memory provides in-memory stores for development and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/scan-engine/internal/scan"
)

// TaskStore is an in-memory scan.TaskStore. All mutations happen under one
// mutex, which makes ClaimNext trivially atomic within the process.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string]scan.Task
	seq   atomic.Int64
}

// NewTaskStore constructs an empty TaskStore.
func NewTaskStore() *TaskStore {
	return &TaskStore{tasks: make(map[string]scan.Task)}
}

// CreateTask stores a new task, assigning a sequence number when unset.
func (s *TaskStore) CreateTask(_ context.Context, task scan.Task) error {
	if task.ID == "" {
		return errors.New("task id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	if task.Seq == 0 {
		task.Seq = s.seq.Add(1)
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}

// GetTask returns a copy of the task.
func (s *TaskStore) GetTask(_ context.Context, id string) (scan.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return scan.Task{}, scan.NewErrNotFound("task")
	}
	return task.Clone(), nil
}

// UpdateTask applies fn to the stored task atomically.
func (s *TaskStore) UpdateTask(_ context.Context, id string, fn func(*scan.Task) error) (scan.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return scan.Task{}, scan.NewErrNotFound("task")
	}
	working := task.Clone()
	if err := fn(&working); err != nil {
		return scan.Task{}, err
	}
	working.ID = id
	s.tasks[id] = working.Clone()
	return working, nil
}

// ClaimNext marks the best eligible queued task active for workerID.
func (s *TaskStore) ClaimNext(
	_ context.Context,
	workerID string,
	now, leaseExpiresAt time.Time,
) (scan.Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		best  scan.Task
		found bool
	)
	for _, task := range s.tasks {
		if !task.Claimable(now) {
			continue
		}
		if !found || task.ClaimsBefore(best) {
			best = task
			found = true
		}
	}
	if !found {
		return scan.Task{}, false, nil
	}
	best.Claim(workerID, now, leaseExpiresAt)
	s.tasks[best.ID] = best
	return best.Clone(), true, nil
}

// ListTasks returns tasks in the given status, oldest first. A limit <= 0
// returns every match.
func (s *TaskStore) ListTasks(_ context.Context, status scan.TaskStatus, limit int) ([]scan.Task, error) {
	s.mu.RLock()
	out := make([]scan.Task, 0)
	for _, task := range s.tasks {
		if task.Status == status {
			out = append(out, task.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountTasks returns the number of tasks per status.
func (s *TaskStore) CountTasks(_ context.Context) (map[scan.TaskStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[scan.TaskStatus]int, len(scan.AllStatuses))
	for _, status := range scan.AllStatuses {
		counts[status] = 0
	}
	for _, task := range s.tasks {
		counts[task.Status]++
	}
	return counts, nil
}
