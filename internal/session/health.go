package session

import (
	"context"
	"log/slog"
)

// Health probes a session's execution context for liveness and resource usage.
//
// An unknown or inactive session is a hard error. A failing provider query is
// not: the status degrades — registry-side fields stay populated and
// ProviderError carries the failure — because monitoring needs a usable answer
// even when the runtime is flaky. Probing never counts as activity, so health
// checks cannot keep an abandoned session alive.
func (m *Manager) Health(ctx context.Context, id string) (*HealthStatus, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}

	status := &HealthStatus{
		SessionID:    id,
		Active:       true,
		LastActivity: s.LastActivity(),
	}

	stats, err := m.provider.Stats(ctx, s.handle)
	if err != nil {
		status.ProviderError = err.Error()
		m.logger.Warn("health probe degraded",
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
		return status, nil
	}

	status.RunState = stats.RunState
	status.MemoryBytes = stats.MemoryBytes
	status.CPUPercent = stats.CPUPercent
	return status, nil
}
