// Package events fans task and resource lifecycle events out to sinks without
// ever blocking the component that emits them.
package events

import (
	"errors"
	"fmt"
	"time"
)

// Kind names a lifecycle milestone.
type Kind string

// Task lifecycle kinds.
const (
	TaskEnqueued       Kind = "task_enqueued"
	TaskClaimed        Kind = "task_claimed"
	TaskCompleted      Kind = "task_completed"
	TaskRetryScheduled Kind = "task_retry_scheduled"
	TaskDeadLettered   Kind = "task_dead_lettered"
	TaskRequeued       Kind = "task_requeued"
	TaskLeaseExpired   Kind = "task_lease_expired"
	TaskRetried        Kind = "task_retried"
)

// Resource and control-plane kinds.
const (
	ResourceLaunched     Kind = "resource_launched"
	ResourceLaunchFailed Kind = "resource_launch_failed"
	ResourceUnhealthy    Kind = "resource_unhealthy"
	ResourceRecycled     Kind = "resource_recycled"
	ResourceTerminated   Kind = "resource_terminated"
	BreakerStateChanged  Kind = "breaker_state_changed"
	RecoveryAction       Kind = "recovery_action"
)

// Event captures a single lifecycle change.
type Event struct {
	Kind       Kind
	TS         time.Time
	TaskID     string
	WorkerID   string
	ResourceID string
	// Component scopes control-plane events (breaker name, recovery target).
	Component string
	Attempts  int
	From      string
	To        string
	Note      string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case TaskEnqueued, TaskClaimed, TaskCompleted, TaskRetryScheduled,
		TaskDeadLettered, TaskRequeued, TaskLeaseExpired, TaskRetried:
		if e.TaskID == "" {
			return fmt.Errorf("%s requires task id", e.Kind)
		}
	case ResourceLaunched, ResourceUnhealthy, ResourceRecycled, ResourceTerminated:
		if e.ResourceID == "" {
			return fmt.Errorf("%s requires resource id", e.Kind)
		}
	case ResourceLaunchFailed:
	case BreakerStateChanged, RecoveryAction:
		if e.Component == "" {
			return fmt.Errorf("%s requires component", e.Kind)
		}
	case "":
		return errors.New("kind is required")
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	return nil
}
