package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// readyCheckTimeout bounds the whole readiness probe. The execution runtime
// check shells out to the container engine, so the ceiling has to cover a
// cold CLI invocation.
const readyCheckTimeout = 3 * time.Second

// HealthChecker aggregates readiness across the gateway's dependencies —
// the audit store and the execution context runtime in the default wiring.
// Liveness is a separate, dependency-free signal: a wedged container engine
// must fail readiness without getting the process restarted.
type HealthChecker struct {
	mu     sync.Mutex
	checks []HealthCheck
	logger *slog.Logger
}

// HealthCheck is one named dependency probe.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthStatus is the JSON body served on the health and readiness endpoints.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of a single dependency probe.
type CheckResult struct {
	Status     string `json:"status"`            // "ok" or "fail"
	Message    string `json:"message,omitempty"` // Error message on failure.
	DurationMS int64  `json:"duration_ms"`
}

// NewHealthChecker creates a HealthChecker with no probes registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{logger: logger}
}

// AddCheck registers a named dependency probe.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, HealthCheck{Name: name, Check: check})
}

// CheckHealth reports liveness: "ok" whenever the process is up.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: "ok"}
}

// CheckReady probes every registered dependency and aggregates the result:
// "ok" only when all pass, "degraded" otherwise. Probes run concurrently so
// one slow dependency does not starve the rest of the shared deadline.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.Lock()
	checks := make([]HealthCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.Unlock()

	if len(checks) == 0 {
		return HealthStatus{Status: "ok"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, readyCheckTimeout)
	defer cancel()

	results := make([]CheckResult, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func(i int, c HealthCheck) {
			defer wg.Done()
			start := time.Now()
			err := c.Check(checkCtx)
			result := CheckResult{
				Status:     "ok",
				DurationMS: time.Since(start).Milliseconds(),
			}
			if err != nil {
				result.Status = "fail"
				result.Message = err.Error()
			}
			results[i] = result
		}(i, c)
	}
	wg.Wait()

	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]CheckResult, len(checks)),
	}
	for i, c := range checks {
		status.Checks[c.Name] = results[i]
		if results[i].Status != "fail" {
			continue
		}
		status.Status = "degraded"
		if h.logger != nil {
			h.logger.Warn("readiness check failed",
				slog.String("check", c.Name),
				slog.String("error", results[i].Message),
			)
		}
	}

	return status
}
