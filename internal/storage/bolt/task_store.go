// Package bolt provides a durable scan.TaskStore backed by bbolt.
package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/JakeFAU/scan-engine/internal/scan"
)

var (
	bucketTasks  = []byte("tasks")
	bucketQueued = []byte("queued_index")
)

// Config controls the bbolt file.
type Config struct {
	Path        string
	OpenTimeout time.Duration
}

// TaskStore persists tasks in a single bbolt file. Every write runs inside one
// bbolt read-write transaction, so ClaimNext's select-and-mark is atomic and
// survives process restarts.
type TaskStore struct {
	db *bbolt.DB
}

// NewTaskStore opens (or creates) the bbolt file and its buckets.
func NewTaskStore(cfg Config) (*TaskStore, error) {
	if cfg.Path == "" {
		cfg.Path = "scanengine.db"
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = time.Second
	}
	db, err := bbolt.Open(cfg.Path, 0o600, &bbolt.Options{Timeout: cfg.OpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketTasks, bucketQueued} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &TaskStore{db: db}, nil
}

// Close releases the bbolt file lock.
func (s *TaskStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close bolt db: %w", err)
	}
	return nil
}

// CreateTask inserts a new task and indexes it when queued.
func (s *TaskStore) CreateTask(_ context.Context, task scan.Task) error {
	if task.ID == "" {
		return errors.New("task id is required")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		tasks := tx.Bucket(bucketTasks)
		if tasks.Get([]byte(task.ID)) != nil {
			return fmt.Errorf("task %s already exists", task.ID)
		}
		if task.Seq == 0 {
			seq, err := tasks.NextSequence()
			if err != nil {
				return fmt.Errorf("next sequence: %w", err)
			}
			task.Seq = int64(seq)
		}
		return putTask(tx, nil, task)
	})
}

// GetTask loads a task by id.
func (s *TaskStore) GetTask(_ context.Context, id string) (scan.Task, error) {
	var task scan.Task
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		task, err = getTask(tx, id)
		return err
	})
	if err != nil {
		return scan.Task{}, err
	}
	return task, nil
}

// UpdateTask applies fn inside a read-write transaction.
func (s *TaskStore) UpdateTask(_ context.Context, id string, fn func(*scan.Task) error) (scan.Task, error) {
	var updated scan.Task
	err := s.db.Update(func(tx *bbolt.Tx) error {
		current, err := getTask(tx, id)
		if err != nil {
			return err
		}
		working := current.Clone()
		if err := fn(&working); err != nil {
			return err
		}
		working.ID = id
		if err := putTask(tx, &current, working); err != nil {
			return err
		}
		updated = working
		return nil
	})
	if err != nil {
		return scan.Task{}, err
	}
	return updated, nil
}

// ClaimNext walks the queued index in claim order and activates the first
// task whose backoff has elapsed.
func (s *TaskStore) ClaimNext(
	_ context.Context,
	workerID string,
	now, leaseExpiresAt time.Time,
) (scan.Task, bool, error) {
	var (
		claimed scan.Task
		found   bool
	)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketQueued).Cursor()
		for key, id := cursor.First(); key != nil; key, id = cursor.Next() {
			task, err := getTask(tx, string(id))
			if err != nil {
				return err
			}
			if !task.Claimable(now) {
				continue
			}
			before := task
			task.Claim(workerID, now, leaseExpiresAt)
			if err := putTask(tx, &before, task); err != nil {
				return err
			}
			claimed, found = task, true
			return nil
		}
		return nil
	})
	if err != nil {
		return scan.Task{}, false, err
	}
	return claimed, found, nil
}

// ListTasks scans all tasks and returns those in status, oldest first.
func (s *TaskStore) ListTasks(_ context.Context, status scan.TaskStatus, limit int) ([]scan.Task, error) {
	out := make([]scan.Task, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(_, v []byte) error {
			task, err := decodeTask(v)
			if err != nil {
				return err
			}
			if task.Status == status {
				out = append(out, task)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
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

// CountTasks tallies tasks per status.
func (s *TaskStore) CountTasks(_ context.Context) (map[scan.TaskStatus]int, error) {
	counts := make(map[scan.TaskStatus]int, len(scan.AllStatuses))
	for _, status := range scan.AllStatuses {
		counts[status] = 0
	}
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(_, v []byte) error {
			task, err := decodeTask(v)
			if err != nil {
				return err
			}
			counts[task.Status]++
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

func getTask(tx *bbolt.Tx, id string) (scan.Task, error) {
	data := tx.Bucket(bucketTasks).Get([]byte(id))
	if data == nil {
		return scan.Task{}, scan.NewErrNotFound("task")
	}
	return decodeTask(data)
}

// putTask writes task and keeps the queued index in step with its status.
func putTask(tx *bbolt.Tx, previous *scan.Task, task scan.Task) error {
	index := tx.Bucket(bucketQueued)
	if previous != nil && previous.Status == scan.TaskStatusQueued {
		if err := index.Delete(queuedKey(*previous)); err != nil {
			return fmt.Errorf("delete queued index: %w", err)
		}
	}
	if task.Status == scan.TaskStatusQueued {
		if err := index.Put(queuedKey(task), []byte(task.ID)); err != nil {
			return fmt.Errorf("put queued index: %w", err)
		}
	}
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	if err := tx.Bucket(bucketTasks).Put([]byte(task.ID), data); err != nil {
		return fmt.Errorf("put task: %w", err)
	}
	return nil
}

func decodeTask(data []byte) (scan.Task, error) {
	var task scan.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return scan.Task{}, fmt.Errorf("decode task: %w", err)
	}
	return task, nil
}

// queuedKey sorts by priority descending, then sequence ascending. Flipping
// the sign bit maps signed priorities onto unsigned order; inverting the
// result makes higher priorities sort first.
func queuedKey(task scan.Task) []byte {
	key := make([]byte, 16)
	prio := ^(uint64(int64(task.Priority)) ^ (1 << 63))
	binary.BigEndian.PutUint64(key[:8], prio)
	binary.BigEndian.PutUint64(key[8:], uint64(task.Seq))
	return key
}
