package pool

import (
	"sync/atomic"
	"time"

	"github.com/JakeFAU/scan-engine/internal/scan"
)

// State is a resource lifecycle state.
type State int32

// Resource states.
const (
	StateIdle State = iota
	StateInUse
	StateUnhealthy
	StateTerminating
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInUse:
		return "in_use"
	case StateUnhealthy:
		return "unhealthy"
	case StateTerminating:
		return "terminating"
	default:
		return "unknown"
	}
}

// Resource is one pooled browser.
type Resource struct {
	id       string
	browser  scan.Browser
	state    atomic.Int32
	holder   atomic.Pointer[string]
	lastUsed atomic.Int64
	failures atomic.Int32
	memoryMB atomic.Int64
}

// ID identifies the resource in logs and events.
func (r *Resource) ID() string { return r.id }

// Browser is the wrapped browser instance.
func (r *Resource) Browser() scan.Browser { return r.browser }

// State is the current lifecycle state.
func (r *Resource) State() State { return State(r.state.Load()) }

// AcquiredBy is the task holding the resource, if any.
func (r *Resource) AcquiredBy() string {
	if held := r.holder.Load(); held != nil {
		return *held
	}
	return ""
}

// LastUsedAt is when the resource was last released (or launched).
func (r *Resource) LastUsedAt() time.Time { return time.Unix(0, r.lastUsed.Load()).UTC() }

// ConsecutiveFailures counts bad releases since the last clean one.
func (r *Resource) ConsecutiveFailures() int { return int(r.failures.Load()) }

// MemoryMB is the most recent memory reading.
func (r *Resource) MemoryMB() int { return int(r.memoryMB.Load()) }
