package session

import (
	"log/slog"
	"sync"
	"time"
)

// EventType identifies a lifecycle event published by the manager.
type EventType string

const (
	EventSessionCreated     EventType = "session.created"
	EventSessionDestroyed   EventType = "session.destroyed"
	EventExecutionCompleted EventType = "execution.completed"
	EventExecutionErrored   EventType = "execution.errored"
	EventFileOpErrored      EventType = "fileop.errored"
	EventLimitsUpdated      EventType = "limits.updated"
)

// DestroyCause records why a session was destroyed.
type DestroyCause string

const (
	CauseExplicit DestroyCause = "explicit"
	CauseReaped   DestroyCause = "reaped"
	CauseShutdown DestroyCause = "shutdown"
	CauseError    DestroyCause = "error"
)

// Event is one lifecycle notification. Fields beyond Type/SessionID/At are
// populated per event type.
type Event struct {
	Type      EventType     `json:"type"`
	SessionID string        `json:"session_id"`
	At        time.Time     `json:"at"`
	Cause     DestroyCause  `json:"cause,omitempty"`     // session.destroyed
	Op        string        `json:"op,omitempty"`        // fileop.errored
	ExitCode  int           `json:"exit_code,omitempty"` // execution.*
	TimedOut  bool          `json:"timed_out,omitempty"` // execution.completed
	Duration  time.Duration `json:"duration,omitempty"`  // execution.*
	Error     string        `json:"error,omitempty"`
}

// Bus is an in-process publish/subscribe channel for lifecycle events.
// Publishing never blocks: a subscriber that falls behind its buffer loses
// events (and a warning is logged) rather than stalling session operations.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
	logger *slog.Logger
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]chan Event),
		logger: logger,
	}
}

// Subscribe registers a new subscriber with the given buffer size and returns
// its channel plus a cancel function. The channel is closed on cancel or when
// the bus shuts down.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers an event to all subscribers, dropping it for any
// subscriber whose buffer is full.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			if b.logger != nil {
				b.logger.Warn("event dropped for slow subscriber",
					slog.Int("subscriber", id),
					slog.String("type", string(ev.Type)),
					slog.String("session_id", ev.SessionID),
				)
			}
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
