package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Reaper periodically destroys sessions that have been idle past the
// configured threshold. Sweeps never overlap: if a sweep is still tearing
// sessions down when the next tick fires, the tick is skipped.
type Reaper struct {
	manager  *Manager
	interval time.Duration
	maxIdle  time.Duration
	logger   *slog.Logger

	cron *cron.Cron
}

// NewReaper creates a reaper. interval is how often to sweep, maxIdle is the
// idle threshold past which a session is reclaimed.
func NewReaper(manager *Manager, interval, maxIdle time.Duration, logger *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if maxIdle <= 0 {
		maxIdle = 30 * time.Minute
	}
	return &Reaper{
		manager:  manager,
		interval: interval,
		maxIdle:  maxIdle,
		logger:   logger,
	}
}

// Start begins sweeping in the background until Stop is called.
func (r *Reaper) Start() error {
	cronLogger := &reaperCronLogger{logger: r.logger}
	r.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cronLogger),
		cron.Recover(cronLogger),
	))

	spec := fmt.Sprintf("@every %s", r.interval)
	if _, err := r.cron.AddFunc(spec, func() {
		r.sweep(context.Background())
	}); err != nil {
		return fmt.Errorf("scheduling reaper: %w", err)
	}

	r.cron.Start()
	r.logger.Info("reaper started",
		slog.Duration("interval", r.interval),
		slog.Duration("max_idle", r.maxIdle),
	)
	return nil
}

// Stop halts sweeping. A sweep in progress runs to completion.
func (r *Reaper) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
	r.logger.Info("reaper stopped")
}

// sweep destroys every session idle past the threshold. Failures are isolated
// per session: one flaky teardown never blocks the rest of the sweep, and the
// session is retried naturally on the next pass only if it somehow survived.
func (r *Reaper) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-r.maxIdle)
	reaped := 0

	for _, s := range r.manager.List() {
		if s.LastActivity.After(cutoff) {
			continue
		}
		if err := r.manager.Destroy(ctx, s.ID, CauseReaped); err != nil {
			// The registry entry is gone even on teardown failure, so this is
			// informational, not retried.
			r.logger.Warn("reaping session",
				slog.String("session_id", s.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		reaped++
	}

	if m := r.manager.metrics; m != nil {
		m.ReaperSweepsTotal.Inc()
		m.ReaperReapedTotal.Add(float64(reaped))
	}
	if reaped > 0 {
		r.logger.Info("reaper sweep complete", slog.Int("reaped", reaped))
	}
}

// reaperCronLogger adapts slog to the cron scheduler's logging interface.
type reaperCronLogger struct {
	logger *slog.Logger
}

func (l *reaperCronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, slog.Any("details", keysAndValues))
}

func (l *reaperCronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg,
		slog.String("error", err.Error()),
		slog.Any("details", keysAndValues),
	)
}
