package scan

import "time"

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

// Task status values persisted in the task store.
const (
	TaskStatusQueued       TaskStatus = "queued"
	TaskStatusActive       TaskStatus = "active"
	TaskStatusCompleted    TaskStatus = "completed"
	TaskStatusFailed       TaskStatus = "failed"
	TaskStatusDeadLettered TaskStatus = "dead_lettered"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []TaskStatus{
	TaskStatusQueued,
	TaskStatusActive,
	TaskStatusCompleted,
	TaskStatusFailed,
	TaskStatusDeadLettered,
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no further automatic transition will happen.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusDeadLettered
}

// Task is the unit of scan work tracked by the queue.
type Task struct {
	ID            string        `json:"id"`
	Payload       Payload       `json:"payload"`
	Priority      int           `json:"priority"`
	TenantKey     string        `json:"tenant_key"`
	Status        TaskStatus    `json:"status"`
	Attempts      int           `json:"attempts"`
	MaxAttempts   int           `json:"max_attempts"`
	BackoffBase   time.Duration `json:"backoff_base"`
	Seq           int64         `json:"seq"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	AvailableAt   time.Time     `json:"available_at"`
	LastError     string        `json:"last_error,omitempty"`
	LockOwner     string        `json:"lock_owner,omitempty"`
	LockExpiresAt time.Time     `json:"lock_expires_at,omitzero"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	Result        *Result       `json:"result,omitempty"`
}

// LeaseExpired reports whether an active task's lease lapsed at now.
func (t Task) LeaseExpired(now time.Time) bool {
	return t.Status == TaskStatusActive && !t.LockExpiresAt.IsZero() && !now.Before(t.LockExpiresAt)
}

// Result is the recorded output of a successful scan.
type Result struct {
	Pages       []PageResult `json:"pages"`
	CompletedAt time.Time    `json:"completed_at"`
}

// PageResult summarizes one scanned page.
type PageResult struct {
	URL         string         `json:"url"`
	FinalURL    string         `json:"final_url"`
	StatusCode  int            `json:"status_code"`
	Title       string         `json:"title,omitempty"`
	Bytes       int            `json:"bytes"`
	ContentHash string         `json:"content_hash"`
	ArtifactURI string         `json:"artifact_uri,omitempty"`
	DurationMs  int64          `json:"duration_ms"`
	Findings    map[string]int `json:"findings,omitempty"`
}

// RenderRequest asks a browser to load and render one page.
type RenderRequest struct {
	URL          string
	WaitSelector string
	Viewport     *Viewport
	Headers      map[string]string
}

// Render is the rendered state of a page captured by a browser.
type Render struct {
	URL        string
	FinalURL   string
	StatusCode int
	Title      string
	HTML       []byte
	Duration   time.Duration
}

// ProbeResult is the outcome of a lightweight HTTP preflight request.
type ProbeResult struct {
	URL        string
	StatusCode int
	Duration   time.Duration
}

// ClaimsBefore reports whether t should be dequeued ahead of o: higher
// priority first, then submission order, then creation time.
func (t Task) ClaimsBefore(o Task) bool {
	if t.Priority != o.Priority {
		return t.Priority > o.Priority
	}
	if t.Seq != o.Seq {
		return t.Seq < o.Seq
	}
	return t.CreatedAt.Before(o.CreatedAt)
}

// Claimable reports whether t may be handed to a worker at now.
func (t Task) Claimable(now time.Time) bool {
	return t.Status == TaskStatusQueued && !now.Before(t.AvailableAt)
}

// Claim marks t active under a lease held by workerID.
func (t *Task) Claim(workerID string, now, leaseExpiresAt time.Time) {
	t.Status = TaskStatusActive
	t.LockOwner = workerID
	t.LockExpiresAt = leaseExpiresAt
	t.UpdatedAt = now
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (t Task) Clone() Task {
	out := t
	out.Payload = t.Payload.Clone()
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		out.CompletedAt = &at
	}
	if t.Result != nil {
		res := *t.Result
		if t.Result.Pages != nil {
			res.Pages = make([]PageResult, len(t.Result.Pages))
		}
		for i, page := range t.Result.Pages {
			if page.Findings != nil {
				findings := make(map[string]int, len(page.Findings))
				for k, v := range page.Findings {
					findings[k] = v
				}
				page.Findings = findings
			}
			res.Pages[i] = page
		}
		out.Result = &res
	}
	return out
}
