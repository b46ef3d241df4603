package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestHealth(t *testing.T) {
	ctx := context.Background()
	m, fp := newTestManager(t, Config{})

	id, err := m.Create(ctx)
	if err != nil {
		t.Fatal(err)
	}

	status, err := m.Health(ctx, id)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if status.SessionID != id || !status.Active {
		t.Errorf("status = %+v, want active session %s", status, id)
	}
	if status.RunState != fp.stats.RunState {
		t.Errorf("RunState = %q, want %q", status.RunState, fp.stats.RunState)
	}
	if status.MemoryBytes != fp.stats.MemoryBytes {
		t.Errorf("MemoryBytes = %d, want %d", status.MemoryBytes, fp.stats.MemoryBytes)
	}
	if status.ProviderError != "" {
		t.Errorf("ProviderError = %q, want empty", status.ProviderError)
	}
}

func TestHealthDegraded(t *testing.T) {
	ctx := context.Background()
	m, fp := newTestManager(t, Config{})

	id, err := m.Create(ctx)
	if err != nil {
		t.Fatal(err)
	}

	fp.statsErr = errors.New("stats unavailable")
	status, err := m.Health(ctx, id)
	if err != nil {
		t.Fatalf("a degraded probe must not be a Go error, got: %v", err)
	}
	if status.ProviderError == "" {
		t.Error("expected ProviderError to carry the failure")
	}
	if status.SessionID != id || !status.Active {
		t.Errorf("registry-side fields must survive degradation: %+v", status)
	}
}

func TestHealthDoesNotRefreshActivity(t *testing.T) {
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
	if _, err := m.Health(ctx, id); err != nil {
		t.Fatal(err)
	}
	after, err := m.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if !after.LastActivity.Equal(before.LastActivity) {
		t.Error("health probes must not keep a session alive")
	}
}

func TestHealthUnknownSession(t *testing.T) {
	m, _ := newTestManager(t, Config{})

	_, err := m.Health(context.Background(), "nope")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}
