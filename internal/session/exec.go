package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/jkaninda/sanduku/internal/provider"
)

// Execute dispatches a shell command into the session's execution context.
//
// Only session-level failures (unknown or inactive session) come back as a Go
// error. Everything the command itself does — nonzero exit, command not found,
// timeout — is encoded in ExecutionResult, so callers distinguish "your
// command failed" from "the session is unusable" by the error value alone.
// A provider transport failure is reported as ExitCode -1 with the failure in
// Stderr.
func (m *Manager) Execute(ctx context.Context, id string, command string, opts ExecOptions) (*ExecutionResult, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}

	// Any dispatched command counts as activity, successful or not.
	s.touch()

	// Per-call timeouts may shorten the session ceiling but never exceed it;
	// the ceiling is the session's contract, not a default.
	ceiling := s.Limits().ExecTimeout
	timeout := ceiling
	if opts.Timeout > 0 && opts.Timeout < ceiling {
		timeout = opts.Timeout
	}

	start := time.Now()
	res, err := m.provider.RunCommand(ctx, s.handle, command, timeout, provider.RunOptions{
		WorkingDir: opts.WorkingDir,
		Env:        opts.Env,
	})
	duration := time.Since(start)

	if err != nil {
		if m.metrics != nil {
			m.metrics.ExecutionsTotal.WithLabelValues("error").Inc()
		}
		m.logger.Error("command dispatch failed",
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
		m.bus.Publish(Event{
			Type:      EventExecutionErrored,
			SessionID: id,
			Duration:  duration,
			Error:     err.Error(),
		})
		return &ExecutionResult{
			ExitCode: -1,
			Stderr:   err.Error(),
			Duration: duration,
		}, nil
	}

	result := &ExecutionResult{
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		Duration: duration,
		TimedOut: res.TimedOut,
	}

	if m.metrics != nil {
		status := "ok"
		if result.TimedOut {
			status = "timeout"
		} else if result.ExitCode != 0 {
			status = "nonzero"
		}
		m.metrics.ExecutionsTotal.WithLabelValues(status).Inc()
		m.metrics.ExecutionDuration.Observe(duration.Seconds())
	}

	m.logger.Debug("command executed",
		slog.String("session_id", id),
		slog.Int("exit_code", result.ExitCode),
		slog.Bool("timed_out", result.TimedOut),
		slog.Duration("duration", duration),
	)
	m.bus.Publish(Event{
		Type:      EventExecutionCompleted,
		SessionID: id,
		ExitCode:  result.ExitCode,
		TimedOut:  result.TimedOut,
		Duration:  duration,
	})

	return result, nil
}
