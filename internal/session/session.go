// Package session implements the sandbox session manager: it creates, tracks,
// and tears down isolated execution contexts, dispatches commands and file
// operations into them under resource and time budgets, and reclaims
// abandoned sessions automatically.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jkaninda/sanduku/internal/provider"
)

// Caller errors. Both lookup failures mean the same thing to callers: the
// session is unusable under that identifier.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionInactive = errors.New("session is no longer active")

	// ErrInvalidPath is returned when a file operation path resolves outside
	// the session's sandbox root.
	ErrInvalidPath = errors.New("path escapes sandbox root")

	// ErrMissingContent is returned for a write operation without content.
	ErrMissingContent = errors.New("write operation requires content")

	// ErrSessionLimit is returned by Create when max_sessions is reached.
	ErrSessionLimit = errors.New("maximum number of sessions reached")
)

// ProvisioningError wraps a provider failure during context creation.
// It is surfaced immediately; retry policy belongs to the caller.
type ProvisioningError struct {
	Err error
}

func (e *ProvisioningError) Error() string { return fmt.Sprintf("provisioning context: %v", e.Err) }
func (e *ProvisioningError) Unwrap() error { return e.Err }

// LimitUpdateError wraps a provider failure while applying a live limit
// change. The in-memory limits have been rolled back when this is returned.
type LimitUpdateError struct {
	Err error
}

func (e *LimitUpdateError) Error() string { return fmt.Sprintf("applying limit update: %v", e.Err) }
func (e *LimitUpdateError) Unwrap() error { return e.Err }

// TeardownError wraps a provider failure during stop/remove. The registry
// entry has already been removed when this is returned — a session must never
// be undestroyable merely because the backing context's teardown is flaky.
type TeardownError struct {
	SessionID string
	Err       error
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("tearing down session %s: %v", e.SessionID, e.Err)
}
func (e *TeardownError) Unwrap() error { return e.Err }

// ResourceLimits are the per-session ceilings, copied from manager defaults at
// creation and individually overridable afterwards.
type ResourceLimits struct {
	MemoryMB    int           `json:"memory_mb"`
	CPUCores    float64       `json:"cpu_cores"`
	DiskMB      int           `json:"disk_mb"`
	ExecTimeout time.Duration `json:"exec_timeout"`
}

// LimitsPatch is a partial limits update; nil fields retain their current value.
type LimitsPatch struct {
	MemoryMB    *int
	CPUCores    *float64
	DiskMB      *int
	ExecTimeout *time.Duration
}

// Session binds a caller-visible identifier to one execution context.
// Mutable state is guarded by mu; the handle never changes after creation and
// is released exactly once, at destruction.
type Session struct {
	ID        string
	CreatedAt time.Time

	handle provider.Handle

	mu           sync.Mutex
	limits       ResourceLimits
	lastActivity time.Time
	active       bool
}

// Active reports whether the session can still accept operations.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// LastActivity returns the time of the last successful (or attempted) operation.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Limits returns a snapshot of the session's current resource limits.
func (s *Session) Limits() ResourceLimits {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limits
}

// touch refreshes the activity timestamp.
func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()
}

// deactivate flips the session inactive. Returns false if it already was —
// destroy must win races, but only one destroyer proceeds to teardown.
func (s *Session) deactivate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return false
	}
	s.active = false
	return true
}

// Summary is the caller-visible view of a session, used by List.
type Summary struct {
	ID           string         `json:"id"`
	CreatedAt    time.Time      `json:"created_at"`
	LastActivity time.Time      `json:"last_activity"`
	Active       bool           `json:"active"`
	Limits       ResourceLimits `json:"limits"`
}

// ExecutionResult captures the outcome of a dispatched command. All failure
// modes of the command itself (nonzero exit, timeout, not found) are encoded
// here, never as a Go error. ExitCode is non-authoritative when TimedOut is
// true — the process may have been forcibly terminated.
type ExecutionResult struct {
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timed_out"`
}

// ExecOptions carries per-call overrides for Execute.
type ExecOptions struct {
	WorkingDir string
	Env        map[string]string
	// Timeout overrides the session's exec timeout for this call, capped at
	// the session's own ceiling. Zero = session default.
	Timeout time.Duration
}

// FileOpKind enumerates the file operations a session supports.
type FileOpKind string

const (
	FileRead   FileOpKind = "read"
	FileWrite  FileOpKind = "write"
	FileDelete FileOpKind = "delete"
	FileList   FileOpKind = "list"
)

// FileOperation describes one file request. Path is interpreted relative to
// the session's sandbox root and may never escape it.
type FileOperation struct {
	Op        FileOpKind
	Path      string
	Content   []byte // Write only.
	Recursive bool   // Delete/list only.
}

// FileOpResult carries the operation-specific payload: Content for read,
// Entries for list, nothing for write/delete.
type FileOpResult struct {
	Content []byte   `json:"content,omitempty"`
	Entries []string `json:"entries,omitempty"`
}

// HealthStatus reports liveness and resource usage for one session. When the
// provider query fails the status is degraded: registry-side fields are still
// populated and ProviderError carries the failure, so monitoring always gets
// something usable.
type HealthStatus struct {
	SessionID     string    `json:"session_id"`
	Active        bool      `json:"active"`
	RunState      string    `json:"run_state,omitempty"`
	MemoryBytes   int64     `json:"memory_bytes"`
	CPUPercent    float64   `json:"cpu_percent"`
	LastActivity  time.Time `json:"last_activity"`
	ProviderError string    `json:"provider_error,omitempty"`
}
