package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sanduku/internal/observability"
	"github.com/jkaninda/sanduku/internal/provider"
)

// Config configures the session manager.
type Config struct {
	// DefaultLimits are copied into every new session.
	DefaultLimits ResourceLimits

	// MaxSessions caps concurrently live sessions. 0 = unlimited.
	MaxSessions int

	// SandboxRoot is the directory inside each context that file operation
	// paths are resolved against. Must match the provider's workspace mount.
	SandboxRoot string
}

// Manager owns the session registry and dispatches commands and file
// operations into execution contexts. It is safe for concurrent use; sessions
// are fully independent of each other.
//
// Concurrent Execute calls against the same session are not serialized here —
// the provider serializes at the process level (one top-level invocation at a
// time per context), so the last exec wins contention on shared working
// directory state.
type Manager struct {
	config   Config
	provider provider.Provider
	logger   *slog.Logger
	bus      *Bus
	metrics  *observability.MetricsCollector // nil = metrics disabled.

	mu       sync.RWMutex
	sessions map[string]*Session
	creating int // Reserved slots for in-flight Create calls (MaxSessions accounting).
}

// NewManager creates a session manager on top of the given provider.
// The metrics collector may be nil.
func NewManager(cfg Config, p provider.Provider, bus *Bus, metrics *observability.MetricsCollector, logger *slog.Logger) *Manager {
	if cfg.DefaultLimits.MemoryMB <= 0 {
		cfg.DefaultLimits.MemoryMB = 512
	}
	if cfg.DefaultLimits.CPUCores <= 0 {
		cfg.DefaultLimits.CPUCores = 1.0
	}
	if cfg.DefaultLimits.DiskMB <= 0 {
		cfg.DefaultLimits.DiskMB = 64
	}
	if cfg.DefaultLimits.ExecTimeout <= 0 {
		cfg.DefaultLimits.ExecTimeout = 30 * time.Second
	}
	if cfg.SandboxRoot == "" {
		cfg.SandboxRoot = "/home/sanduku"
	}
	return &Manager{
		config:   cfg,
		provider: p,
		logger:   logger,
		bus:      bus,
		metrics:  metrics,
		sessions: make(map[string]*Session),
	}
}

// Events returns the lifecycle event bus.
func (m *Manager) Events() *Bus {
	return m.bus
}

// Create provisions a new execution context and registers a session for it.
// Provider failures are wrapped in ProvisioningError and never retried here —
// retry policy belongs to the caller.
func (m *Manager) Create(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.config.MaxSessions > 0 && len(m.sessions)+m.creating >= m.config.MaxSessions {
		m.mu.Unlock()
		return "", ErrSessionLimit
	}
	m.creating++
	m.mu.Unlock()

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		m.mu.Lock()
		m.creating--
		m.mu.Unlock()
	}
	defer release()

	limits := m.config.DefaultLimits
	handle, err := m.provider.CreateContext(ctx, provider.Limits{
		MemoryMB: limits.MemoryMB,
		CPUCores: limits.CPUCores,
		DiskMB:   limits.DiskMB,
	})
	if err != nil {
		if m.metrics != nil {
			m.metrics.ProvisioningFailuresTotal.Inc()
		}
		return "", &ProvisioningError{Err: err}
	}

	now := time.Now().UTC()
	s := &Session{
		ID:           uuid.NewString(),
		CreatedAt:    now,
		handle:       handle,
		limits:       limits,
		lastActivity: now,
		active:       true,
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.creating--
	released = true
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SessionsCreatedTotal.Inc()
		m.metrics.SessionsActive.Inc()
	}
	m.logger.Info("session created",
		slog.String("session_id", s.ID),
		slog.String("context", string(handle)),
		slog.Int("memory_mb", limits.MemoryMB),
		slog.Float64("cpu_cores", limits.CPUCores),
	)
	m.bus.Publish(Event{Type: EventSessionCreated, SessionID: s.ID})

	return s.ID, nil
}

// get validates a session identifier. Every dispatch path calls this first.
func (m *Manager) get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if !s.Active() {
		return nil, fmt.Errorf("%w: %s", ErrSessionInactive, id)
	}
	return s, nil
}

// Get returns the caller-visible view of one session.
func (m *Manager) Get(id string) (Summary, error) {
	s, err := m.get(id)
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		ID:           s.ID,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity(),
		Active:       s.Active(),
		Limits:       s.Limits(),
	}, nil
}

// Destroy tears down a session. The session is marked inactive before the
// provider is touched so concurrent operations fail fast, and the registry
// entry is removed even if the backend teardown fails — runtime-side orphans
// are reclaimable by external garbage collection, in-process registry leaks
// accumulate forever. On teardown failure the error is returned wrapped in
// TeardownError after the entry is gone.
func (m *Manager) Destroy(ctx context.Context, id string, cause DestroyCause) error {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if !s.deactivate() {
		// Another destroyer won the race; it owns the teardown.
		return fmt.Errorf("%w: %s", ErrSessionInactive, id)
	}

	stopErr := m.provider.StopContext(ctx, s.handle)
	removeErr := m.provider.RemoveContext(ctx, s.handle)

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SessionsDestroyedTotal.WithLabelValues(string(cause)).Inc()
		m.metrics.SessionsActive.Dec()
	}

	teardownErr := errors.Join(stopErr, removeErr)
	ev := Event{Type: EventSessionDestroyed, SessionID: id, Cause: cause}
	if teardownErr != nil {
		ev.Error = teardownErr.Error()
	}
	m.bus.Publish(ev)

	if teardownErr != nil {
		m.logger.Warn("session destroyed with teardown failure",
			slog.String("session_id", id),
			slog.String("cause", string(cause)),
			slog.String("error", teardownErr.Error()),
		)
		return &TeardownError{SessionID: id, Err: teardownErr}
	}

	m.logger.Info("session destroyed",
		slog.String("session_id", id),
		slog.String("cause", string(cause)),
	)
	return nil
}

// DestroyAll tears down every live session, isolating per-session failures.
// Used on shutdown.
func (m *Manager) DestroyAll(ctx context.Context, cause DestroyCause) {
	for _, s := range m.List() {
		if err := m.Destroy(ctx, s.ID, cause); err != nil {
			m.logger.Warn("destroying session on shutdown",
				slog.String("session_id", s.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// List returns a snapshot of all active sessions, oldest first.
func (m *Manager) List() []Summary {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	summaries := make([]Summary, 0, len(sessions))
	for _, s := range sessions {
		if !s.Active() {
			continue
		}
		summaries = append(summaries, Summary{
			ID:           s.ID,
			CreatedAt:    s.CreatedAt,
			LastActivity: s.LastActivity(),
			Active:       true,
			Limits:       s.Limits(),
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt.Before(summaries[j].CreatedAt)
	})
	return summaries
}

// UpdateLimits applies a partial limits update. A change to the memory or CPU
// ceiling propagates to the live context; if the provider rejects it, the
// in-memory limits are rolled back so recorded and applied limits never skew.
func (m *Manager) UpdateLimits(ctx context.Context, id string, patch LimitsPatch) (ResourceLimits, error) {
	s, err := m.get(id)
	if err != nil {
		return ResourceLimits{}, err
	}

	s.mu.Lock()
	old := s.limits
	updated := old
	if patch.MemoryMB != nil {
		updated.MemoryMB = *patch.MemoryMB
	}
	if patch.CPUCores != nil {
		updated.CPUCores = *patch.CPUCores
	}
	if patch.DiskMB != nil {
		updated.DiskMB = *patch.DiskMB
	}
	if patch.ExecTimeout != nil {
		updated.ExecTimeout = *patch.ExecTimeout
	}
	s.limits = updated
	s.mu.Unlock()

	if updated.MemoryMB != old.MemoryMB || updated.CPUCores != old.CPUCores {
		err := m.provider.UpdateLimits(ctx, s.handle, provider.Limits{
			MemoryMB: updated.MemoryMB,
			CPUCores: updated.CPUCores,
			DiskMB:   updated.DiskMB,
		})
		if err != nil {
			s.mu.Lock()
			s.limits = old
			s.mu.Unlock()
			if m.metrics != nil {
				m.metrics.LimitUpdatesTotal.WithLabelValues("error").Inc()
			}
			return ResourceLimits{}, &LimitUpdateError{Err: err}
		}
	}

	if m.metrics != nil {
		m.metrics.LimitUpdatesTotal.WithLabelValues("ok").Inc()
	}
	m.logger.Info("session limits updated",
		slog.String("session_id", id),
		slog.Int("memory_mb", updated.MemoryMB),
		slog.Float64("cpu_cores", updated.CPUCores),
	)
	m.bus.Publish(Event{Type: EventLimitsUpdated, SessionID: id})

	return updated, nil
}
