package health

import (
	"sync"
	"time"
)

// Status is the health of one check or of a whole process.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) severity() int {
	switch s {
	case StatusUnhealthy:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}

// Worse returns whichever of s and o is more severe.
func (s Status) Worse(o Status) Status {
	if o.severity() > s.severity() {
		return o
	}
	return s
}

// Check is the outcome of one health check, e.g. the replication link or the
// monitor quorum.
type Check struct {
	Name     string         `json:"name"`
	Status   Status         `json:"status"`
	Message  string         `json:"message,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	At       time.Time      `json:"at"`
	Duration time.Duration  `json:"duration_ns"`
}

type CheckFunc func() Check

// HealthChecker runs the checks behind /health. Readiness checks decide
// whether a node or monitor should get traffic, liveness checks whether it
// should be restarted.
type HealthChecker struct {
	started time.Time
	role    func() string

	mu          sync.RWMutex
	checks      map[string]CheckFunc
	readyChecks map[string]CheckFunc
	liveChecks  map[string]CheckFunc
}

// Response is the aggregate of a set of checks. Failing lists the checks
// that are not healthy, sorted.
type Response struct {
	Status  Status           `json:"status"`
	Role    string           `json:"role,omitempty"`
	Time    time.Time        `json:"time"`
	Uptime  time.Duration    `json:"uptime_ns"`
	Failing []string         `json:"failing,omitempty"`
	Checks  map[string]Check `json:"checks"`
}
