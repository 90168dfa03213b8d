package scan

import (
	"context"
	"io"
	"time"
)

// TaskStore is the persistence contract behind the task queue. UpdateTask is
// an atomic read-modify-write: fn sees the current record and the store saves
// whatever fn leaves behind unless fn returns an error. ClaimNext atomically
// selects the next eligible queued task and marks it active for workerID.
type TaskStore interface {
	CreateTask(ctx context.Context, task Task) error
	GetTask(ctx context.Context, id string) (Task, error)
	UpdateTask(ctx context.Context, id string, fn func(*Task) error) (Task, error)
	ClaimNext(ctx context.Context, workerID string, now, leaseExpiresAt time.Time) (Task, bool, error)
	ListTasks(ctx context.Context, status TaskStatus, limit int) ([]Task, error)
	CountTasks(ctx context.Context) (map[TaskStatus]int, error)
}

// Browser is a pooled headless browser instance.
type Browser interface {
	Render(ctx context.Context, req RenderRequest) (Render, error)
	MemoryMB(ctx context.Context) (int, error)
	Close() error
}

// BrowserLauncher starts new browser instances for the pool.
type BrowserLauncher interface {
	Launch(ctx context.Context) (Browser, error)
}

// Prober performs a cheap reachability check before a page is rendered.
type Prober interface {
	Probe(ctx context.Context, url string) (ProbeResult, error)
}

// BlobStore writes scan artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes task outcome notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task IDs.
type IDGenerator interface {
	NewID() (string, error)
}
