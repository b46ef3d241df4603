package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/sanduku/internal/provider"
)

func TestExecute(t *testing.T) {
	ctx := context.Background()
	m, fp := newTestManager(t, Config{})

	id, err := m.Create(ctx)
	if err != nil {
		t.Fatal(err)
	}

	fp.runResult = provider.RunResult{Stdout: "hello\n", ExitCode: 0}
	res, err := m.Execute(ctx, id, "echo hello", ExecOptions{})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.ExitCode != 0 || res.Stdout != "hello\n" {
		t.Errorf("result = %+v, want exit 0 with stdout %q", res, "hello\n")
	}
	if fp.lastCommand != "echo hello" {
		t.Errorf("dispatched command = %q", fp.lastCommand)
	}
}

func TestExecuteNonzeroExitIsNotAnError(t *testing.T) {
	ctx := context.Background()
	m, fp := newTestManager(t, Config{})

	id, err := m.Create(ctx)
	if err != nil {
		t.Fatal(err)
	}

	fp.runResult = provider.RunResult{Stderr: "no such file", ExitCode: 2}
	res, err := m.Execute(ctx, id, "ls /missing", ExecOptions{})
	if err != nil {
		t.Fatalf("nonzero exit must not be a Go error, got: %v", err)
	}
	if res.ExitCode != 2 {
		t.Errorf("ExitCode = %d, want 2", res.ExitCode)
	}
}

func TestExecuteTimeoutCappedAtCeiling(t *testing.T) {
	ctx := context.Background()
	m, fp := newTestManager(t, Config{
		DefaultLimits: ResourceLimits{ExecTimeout: 30 * time.Second},
	})

	id, err := m.Create(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// No override: session ceiling.
	if _, err := m.Execute(ctx, id, "true", ExecOptions{}); err != nil {
		t.Fatal(err)
	}
	if fp.lastTimeout != 30*time.Second {
		t.Errorf("timeout = %v, want 30s ceiling", fp.lastTimeout)
	}

	// Shorter override is honored.
	if _, err := m.Execute(ctx, id, "true", ExecOptions{Timeout: 5 * time.Second}); err != nil {
		t.Fatal(err)
	}
	if fp.lastTimeout != 5*time.Second {
		t.Errorf("timeout = %v, want 5s override", fp.lastTimeout)
	}

	// Longer override is capped.
	if _, err := m.Execute(ctx, id, "true", ExecOptions{Timeout: time.Hour}); err != nil {
		t.Fatal(err)
	}
	if fp.lastTimeout != 30*time.Second {
		t.Errorf("timeout = %v, want cap at 30s ceiling", fp.lastTimeout)
	}
}

func TestExecuteTimedOutResult(t *testing.T) {
	ctx := context.Background()
	m, fp := newTestManager(t, Config{})

	id, err := m.Create(ctx)
	if err != nil {
		t.Fatal(err)
	}

	fp.runResult = provider.RunResult{Stdout: "partial", TimedOut: true, ExitCode: 124}
	res, err := m.Execute(ctx, id, "sleep 600", ExecOptions{})
	if err != nil {
		t.Fatalf("timeout must not be a Go error, got: %v", err)
	}
	if !res.TimedOut {
		t.Error("expected TimedOut result")
	}
	if res.Stdout != "partial" {
		t.Errorf("Stdout = %q, want partial output preserved", res.Stdout)
	}

	// A timeout must not poison the session.
	fp.runResult = provider.RunResult{ExitCode: 0}
	res, err = m.Execute(ctx, id, "true", ExecOptions{})
	if err != nil {
		t.Fatalf("execute after timeout: %v", err)
	}
	if res.ExitCode != 0 || res.TimedOut {
		t.Errorf("result after timeout = %+v, want clean success", res)
	}
}

func TestExecuteProviderFailure(t *testing.T) {
	ctx := context.Background()
	m, fp := newTestManager(t, Config{})

	id, err := m.Create(ctx)
	if err != nil {
		t.Fatal(err)
	}

	fp.runErr = errors.New("context unreachable")
	res, err := m.Execute(ctx, id, "true", ExecOptions{})
	if err != nil {
		t.Fatalf("transport failure is encoded in the result, got error: %v", err)
	}
	if res.ExitCode != -1 {
		t.Errorf("ExitCode = %d, want -1", res.ExitCode)
	}
	if !strings.Contains(res.Stderr, "context unreachable") {
		t.Errorf("Stderr = %q, want the failure message", res.Stderr)
	}
}

func TestExecuteUnknownSession(t *testing.T) {
	m, _ := newTestManager(t, Config{})

	_, err := m.Execute(context.Background(), "nope", "true", ExecOptions{})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestExecuteRefreshesActivity(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, Config{})

	id, err := m.Create(ctx)
	if err != nil {
		t.Fatal(err)
	}
	backdate(t, m, id, time.Hour)

	before, err := m.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Execute(ctx, id, "true", ExecOptions{}); err != nil {
		t.Fatal(err)
	}
	after, err := m.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if !after.LastActivity.After(before.LastActivity) {
		t.Error("Execute should refresh last activity")
	}
}

func TestExecutePassesRunOptions(t *testing.T) {
	ctx := context.Background()
	m, fp := newTestManager(t, Config{})

	id, err := m.Create(ctx)
	if err != nil {
		t.Fatal(err)
	}

	_, err = m.Execute(ctx, id, "env", ExecOptions{
		WorkingDir: "/home/sanduku/project",
		Env:        map[string]string{"FOO": "bar"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if fp.lastOpts.WorkingDir != "/home/sanduku/project" {
		t.Errorf("WorkingDir = %q", fp.lastOpts.WorkingDir)
	}
	if fp.lastOpts.Env["FOO"] != "bar" {
		t.Errorf("Env = %v, want FOO=bar", fp.lastOpts.Env)
	}
}
