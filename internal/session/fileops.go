package session

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
)

// resolvePath maps a caller-supplied path onto the sandbox filesystem.
// Every path is interpreted relative to the sandbox root — a leading "/"
// addresses the root itself, never the context filesystem at large. Traversal
// that would climb above the root is rejected before the provider is touched;
// interior ".." hops that stay confined are fine.
func (m *Manager) resolvePath(p string) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	rel := path.Clean(strings.TrimPrefix(p, "/"))
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return path.Join(m.config.SandboxRoot, rel), nil
}

// FileOp dispatches one file operation into the session's sandbox.
//
// Validation failures (bad path, write without content) are reported before
// the provider is touched. Delete is idempotent and list of a missing
// directory yields an empty result — per-entry semantics live in the
// provider; this layer owns session validation and path confinement.
func (m *Manager) FileOp(ctx context.Context, id string, op FileOperation) (*FileOpResult, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}

	full, err := m.resolvePath(op.Path)
	if err != nil {
		return nil, err
	}
	if op.Op == FileWrite && op.Content == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingContent, op.Path)
	}

	var result FileOpResult
	switch op.Op {
	case FileRead:
		var content []byte
		content, err = m.provider.ReadFile(ctx, s.handle, full)
		result.Content = content
	case FileWrite:
		err = m.provider.WriteFile(ctx, s.handle, full, op.Content)
	case FileDelete:
		err = m.provider.DeleteFile(ctx, s.handle, full, op.Recursive)
	case FileList:
		var entries []string
		entries, err = m.provider.ListFiles(ctx, s.handle, full)
		if entries == nil {
			entries = []string{}
		}
		result.Entries = entries
	default:
		return nil, fmt.Errorf("unsupported file operation %q", op.Op)
	}

	if err != nil {
		if m.metrics != nil {
			m.metrics.FileOperationsTotal.WithLabelValues(string(op.Op), "error").Inc()
		}
		m.logger.Error("file operation failed",
			slog.String("session_id", id),
			slog.String("op", string(op.Op)),
			slog.String("path", op.Path),
			slog.String("error", err.Error()),
		)
		m.bus.Publish(Event{
			Type:      EventFileOpErrored,
			SessionID: id,
			Op:        string(op.Op),
			Error:     err.Error(),
		})
		return nil, fmt.Errorf("file %s %s: %w", op.Op, op.Path, err)
	}

	s.touch()
	if m.metrics != nil {
		m.metrics.FileOperationsTotal.WithLabelValues(string(op.Op), "ok").Inc()
	}
	m.logger.Debug("file operation",
		slog.String("session_id", id),
		slog.String("op", string(op.Op)),
		slog.String("path", op.Path),
	)

	return &result, nil
}
