package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/sanduku/internal/provider"
)

// fakeProvider is an in-memory Provider for tests: each context holds a flat
// file map, and every failure mode is injectable.
type fakeProvider struct {
	mu       sync.Mutex
	nextID   int
	contexts map[provider.Handle]*fakeContext

	createErr error
	runErr    error
	statsErr  error
	updateErr error
	stopErr   error
	removeErr error

	runResult provider.RunResult
	stats     provider.ContextStats

	// When set, RunCommand parks until the channel is closed.
	runBlock chan struct{}

	lastCommand string
	lastTimeout time.Duration
	lastOpts    provider.RunOptions
	updateCalls int
}

type fakeContext struct {
	files   map[string][]byte
	limits  provider.Limits
	stopped bool
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		contexts: make(map[provider.Handle]*fakeContext),
		stats: provider.ContextStats{
			MemoryBytes: 1024,
			CPUPercent:  2.5,
			RunState:    "running",
		},
	}
}

func (f *fakeProvider) CreateContext(_ context.Context, limits provider.Limits) (provider.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextID++
	h := provider.Handle(fmt.Sprintf("ctx-%d", f.nextID))
	f.contexts[h] = &fakeContext{
		files:  make(map[string][]byte),
		limits: limits,
	}
	return h, nil
}

func (f *fakeProvider) RunCommand(_ context.Context, h provider.Handle, command string, timeout time.Duration, opts provider.RunOptions) (*provider.RunResult, error) {
	f.mu.Lock()
	f.lastCommand = command
	f.lastTimeout = timeout
	f.lastOpts = opts
	block := f.runBlock
	runErr := f.runErr
	_, ok := f.contexts[h]
	res := f.runResult
	f.mu.Unlock()

	// Parked outside the lock so a concurrent teardown can proceed.
	if block != nil {
		<-block
	}
	if runErr != nil {
		return nil, runErr
	}
	if !ok {
		return nil, fmt.Errorf("unknown context %s", h)
	}
	return &res, nil
}

func (f *fakeProvider) ReadFile(_ context.Context, h provider.Handle, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contexts[h]
	if !ok {
		return nil, fmt.Errorf("unknown context %s", h)
	}
	content, ok := c.files[path]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", path)
	}
	return content, nil
}

func (f *fakeProvider) WriteFile(_ context.Context, h provider.Handle, path string, content []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contexts[h]
	if !ok {
		return fmt.Errorf("unknown context %s", h)
	}
	c.files[path] = content
	return nil
}

func (f *fakeProvider) DeleteFile(_ context.Context, h provider.Handle, path string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contexts[h]
	if !ok {
		return fmt.Errorf("unknown context %s", h)
	}
	delete(c.files, path) // Idempotent, like the real thing.
	return nil
}

func (f *fakeProvider) ListFiles(_ context.Context, h provider.Handle, dir string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contexts[h]
	if !ok {
		return nil, fmt.Errorf("unknown context %s", h)
	}
	var entries []string
	prefix := strings.TrimSuffix(dir, "/") + "/"
	for p := range c.files {
		if strings.HasPrefix(p, prefix) {
			entries = append(entries, strings.TrimPrefix(p, prefix))
		}
	}
	sort.Strings(entries)
	return entries, nil
}

func (f *fakeProvider) Stats(_ context.Context, h provider.Handle) (*provider.ContextStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statsErr != nil {
		return nil, f.statsErr
	}
	if _, ok := f.contexts[h]; !ok {
		return nil, fmt.Errorf("unknown context %s", h)
	}
	stats := f.stats
	return &stats, nil
}

func (f *fakeProvider) UpdateLimits(_ context.Context, h provider.Handle, limits provider.Limits) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	if f.updateErr != nil {
		return f.updateErr
	}
	c, ok := f.contexts[h]
	if !ok {
		return fmt.Errorf("unknown context %s", h)
	}
	c.limits = limits
	return nil
}

func (f *fakeProvider) StopContext(_ context.Context, h provider.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	if c, ok := f.contexts[h]; ok {
		c.stopped = true
	}
	return nil
}

func (f *fakeProvider) RemoveContext(_ context.Context, h provider.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	delete(f.contexts, h)
	return nil
}

func (f *fakeProvider) contextCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.contexts)
}

func (f *fakeProvider) fileContent(h provider.Handle, path string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contexts[h]
	if !ok {
		return nil, false
	}
	content, ok := c.files[path]
	return content, ok
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestManager wires a manager over a fresh fake provider.
func newTestManager(t *testing.T, cfg Config) (*Manager, *fakeProvider) {
	t.Helper()
	fp := newFakeProvider()
	logger := testLogger()
	bus := NewBus(logger)
	t.Cleanup(bus.Close)
	return NewManager(cfg, fp, bus, nil, logger), fp
}

// handleOf reaches into the registry to fetch a session's backing handle.
func handleOf(t *testing.T, m *Manager, id string) provider.Handle {
	t.Helper()
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		t.Fatalf("session %s not in registry", id)
	}
	return s.handle
}

// backdate rewinds a session's activity timestamp.
func backdate(t *testing.T, m *Manager, id string, age time.Duration) {
	t.Helper()
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		t.Fatalf("session %s not in registry", id)
	}
	s.mu.Lock()
	s.lastActivity = time.Now().UTC().Add(-age)
	s.mu.Unlock()
}
