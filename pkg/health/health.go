// Package health aggregates component checks for the /health endpoints.
package health

import (
	"sort"
	"time"
)

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		started:     time.Now(),
		checks:      make(map[string]CheckFunc),
		readyChecks: make(map[string]CheckFunc),
		liveChecks:  make(map[string]CheckFunc),
	}
}

// SetRole reports the process role, such as primary, secondary or monitor,
// with every response.
func (hc *HealthChecker) SetRole(role func() string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.role = role
}

func (hc *HealthChecker) RegisterCheck(name string, check CheckFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = check
}

func (hc *HealthChecker) RegisterReadinessCheck(name string, check CheckFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.readyChecks[name] = check
}

func (hc *HealthChecker) RegisterLivenessCheck(name string, check CheckFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.liveChecks[name] = check
}

func (hc *HealthChecker) Check() Response {
	return hc.run(func() map[string]CheckFunc { return hc.checks })
}

func (hc *HealthChecker) CheckReadiness() Response {
	return hc.run(func() map[string]CheckFunc { return hc.readyChecks })
}

func (hc *HealthChecker) CheckLiveness() Response {
	return hc.run(func() map[string]CheckFunc { return hc.liveChecks })
}

func (hc *HealthChecker) run(pick func() map[string]CheckFunc) Response {
	// Copy under the lock; checks may be slow.
	hc.mu.RLock()
	src := pick()
	checks := make(map[string]CheckFunc, len(src))
	for name, fn := range src {
		checks[name] = fn
	}
	role := hc.role
	hc.mu.RUnlock()

	response := Response{
		Status: StatusHealthy,
		Time:   time.Now(),
		Checks: make(map[string]Check, len(checks)),
		Uptime: time.Since(hc.started),
	}
	if role != nil {
		response.Role = role()
	}
	for name, fn := range checks {
		start := time.Now()
		check := fn()
		check.Duration = time.Since(start)
		check.At = start
		if check.Name == "" {
			check.Name = name
		}
		response.Checks[name] = check
		response.Status = response.Status.Worse(check.Status)
		if check.Status != StatusHealthy {
			response.Failing = append(response.Failing, name)
		}
	}
	sort.Strings(response.Failing)
	return response
}
