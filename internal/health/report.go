package health

import "time"

// Status classifies a component.
type Status string

// Health statuses, ordered from best to worst.
const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
)

// Level maps the status onto 0 healthy, 1 degraded, 2 critical.
func (s Status) Level() int {
	switch s {
	case StatusDegraded:
		return 1
	case StatusCritical:
		return 2
	default:
		return 0
	}
}

func worse(a, b Status) Status {
	if b.Level() > a.Level() {
		return b
	}
	return a
}

// Component names used in reports.
const (
	ComponentPool     = "resource_pool"
	ComponentQueue    = "task_queue"
	ComponentBreakers = "circuit_breakers"
	ComponentSafety   = "safety_guard"
)

// Report is one component's health for a single probe cycle.
type Report struct {
	Component string             `json:"component"`
	Status    Status             `json:"status"`
	Metrics   map[string]float64 `json:"metrics"`
	Timestamp time.Time          `json:"timestamp"`
	Detail    string             `json:"detail,omitempty"`
}

// Overall is the worst status across reports. No reports is healthy.
func Overall(reports []Report) Status {
	overall := StatusHealthy
	for _, r := range reports {
		overall = worse(overall, r.Status)
	}
	return overall
}

// Action records a recovery step with the state seen before and after it.
type Action struct {
	Name      string    `json:"name"`
	Target    string    `json:"target"`
	Before    string    `json:"before"`
	After     string    `json:"after"`
	OK        bool      `json:"ok"`
	Timestamp time.Time `json:"timestamp"`
}
