// Package provider defines the execution context capability consumed by the
// session manager. A context is an isolated, resource-bounded environment that
// runs commands and holds files, addressed by an opaque handle. Any isolation
// technology that can implement this surface (containers, microVMs, a remote
// execution cluster) can sit behind it without the session layer changing.
package provider

import (
	"context"
	"io"
	"time"
)

// Handle is an opaque reference to a live execution context.
// Handles are owned exclusively by one session and are never reused.
type Handle string

// Limits constrains an execution context. Zero values = provider defaults.
type Limits struct {
	MemoryMB int     // Hard memory ceiling in MB.
	CPUCores float64 // CPU share (e.g. 0.5 = half a core).
	DiskMB   int     // Writable workspace size in MB.
}

// RunOptions carries per-invocation overrides for RunCommand.
type RunOptions struct {
	// WorkingDir overrides the working directory. Empty = sandbox root.
	WorkingDir string

	// Env adds extra environment variables on top of the sanitized base set.
	Env map[string]string
}

// RunResult is the raw outcome of a command invocation inside a context.
// On timeout the provider still returns whatever output was captured before
// the process was killed; ExitCode is then non-authoritative.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
}

// ContextStats reports live resource usage for a context.
type ContextStats struct {
	MemoryBytes int64
	CPUPercent  float64
	RunState    string // e.g. "running", "exited".
}

// Provider creates and operates execution contexts.
//
// RunCommand must enforce the timeout inside the context — a timed-out process
// is killed where it runs, not merely abandoned client-side, so a runaway
// command cannot keep consuming the context's CPU and memory budget.
type Provider interface {
	CreateContext(ctx context.Context, limits Limits) (Handle, error)

	RunCommand(ctx context.Context, h Handle, command string, timeout time.Duration, opts RunOptions) (*RunResult, error)

	ReadFile(ctx context.Context, h Handle, path string) ([]byte, error)
	WriteFile(ctx context.Context, h Handle, path string, content []byte) error
	// DeleteFile is idempotent: deleting a missing path is not an error.
	DeleteFile(ctx context.Context, h Handle, path string, recursive bool) error
	// ListFiles returns paths relative to dir, sorted. A missing or empty
	// directory yields an empty slice, not an error.
	ListFiles(ctx context.Context, h Handle, dir string) ([]string, error)

	Stats(ctx context.Context, h Handle) (*ContextStats, error)
	// UpdateLimits applies new resource ceilings to a live context.
	UpdateLimits(ctx context.Context, h Handle, limits Limits) error

	StopContext(ctx context.Context, h Handle) error
	RemoveContext(ctx context.Context, h Handle) error
}

// maxOutputBytes caps stdout/stderr per stream to prevent OOM from chatty commands.
const maxOutputBytes = 1 << 20 // 1 MB

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded (not an error — just capped).
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil // Silently discard.
	}
	if len(p) > lw.remaining {
		p = p[:lw.remaining]
	}
	n, err := lw.w.Write(p)
	lw.remaining -= n
	return n, err
}
