package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/gateway/httpapi"
	"github.com/jkaninda/sanduku/internal/observability"
	"github.com/jkaninda/sanduku/internal/provider"
	"github.com/jkaninda/sanduku/internal/ratelimit"
	"github.com/jkaninda/sanduku/internal/session"
	"github.com/jkaninda/sanduku/internal/storage"
)

var (
	serveConfigPath string
	serveAddr       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `sanduku --config path` and `sanduku serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&serveAddr, "addr", "", "override HTTP listen address (e.g. :8080)")
	}
}

// loadConfig reads the config file, falling back to built-in defaults when the
// default path does not exist (zero-config dev startup).
func loadConfig(path string) (*config.Config, error) {
	resolved := goutils.Env("SANDUKU_CONFIG", path)
	if _, err := os.Stat(resolved); os.IsNotExist(err) && resolved == config.DefaultConfigPath() {
		return config.Default(), nil
	}
	return config.Load(resolved)
}

// runServe starts the session manager with the HTTP gateway, reaper, and
// audit trail, and blocks until SIGINT/SIGTERM.
func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := loadConfig(serveConfigPath)
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	logger.Info("starting sanduku", slog.String("addr", cfg.Server.ListenAddr()))

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return err
	}

	dockerProvider := provider.NewDockerProvider(provider.DockerConfig{
		Image:          cfg.Provider.Image,
		SandboxRoot:    cfg.Provider.SandboxRoot,
		PIDsLimit:      cfg.Provider.PIDsLimit,
		NetworkAllowed: cfg.Provider.NetworkAllowed,
	}, logger)

	// Provider calls go through the instrumented wrapper so backend latency
	// and failure rate show up per operation.
	var prov provider.Provider = dockerProvider
	if obs != nil {
		prov = observability.NewInstrumentedProvider(dockerProvider, obs.MetricsOrNil(), obs.TracerOrNil())
	}

	bus := session.NewBus(logger)
	manager := session.NewManager(session.Config{
		DefaultLimits: session.ResourceLimits{
			MemoryMB:    cfg.Session.DefaultLimits.MemoryMB,
			CPUCores:    cfg.Session.DefaultLimits.CPUCores,
			DiskMB:      cfg.Session.DefaultLimits.DiskMB,
			ExecTimeout: cfg.Session.DefaultLimits.ExecTimeout(),
		},
		MaxSessions: cfg.Session.MaxSessions,
		SandboxRoot: dockerProvider.SandboxRoot(),
	}, prov, bus, obs.MetricsOrNil(), logger)

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Audit trail: persist lifecycle events in the background.
	store, err := storage.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	auditEvents, cancelAudit := bus.Subscribe(256)
	defer cancelAudit()
	go store.Run(ctx, auditEvents)
	logger.Debug("audit trail started", slog.String("driver", cfg.StorageDriverName()))

	// Idle session reaper.
	reaper := session.NewReaper(manager, cfg.Session.ReaperInterval(), cfg.Session.MaxIdle(), logger)
	if err := reaper.Start(); err != nil {
		return err
	}
	defer reaper.Stop()

	// Readiness checks.
	if obs != nil && obs.Health != nil {
		healthCfg := cfg.Observability.Health
		if healthCfg == nil || healthCfg.IncludeDB {
			obs.Health.AddCheck("storage", store.Ping)
		}
		if healthCfg == nil || healthCfg.IncludeProvider {
			obs.Health.AddCheck("provider", dockerProvider.Ping)
		}
	}

	// Rate limiter (optional).
	var limiter *ratelimit.Limiter
	if rl := cfg.Server.RateLimit; rl != nil && rl.Enabled {
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: rl.PerMinute(),
			BurstSize:         rl.BurstSize(),
		})
		go func() {
			ticker := time.NewTicker(rl.CleanupInterval())
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					limiter.Purge(rl.CleanupInterval())
				}
			}
		}()
	}

	gwCfg := httpapi.Config{
		ListenAddr: cfg.Server.ListenAddr(),
		EnableDocs: true,
		AuthToken:  cfg.Server.AuthToken,
	}
	if obs != nil {
		gwCfg.Metrics = obs.Metrics
		gwCfg.HealthChecker = obs.Health
		if obs.Metrics != nil {
			gwCfg.MetricsRegistry = obs.Metrics.Registry
		}
		if obs.Tracer != nil {
			gwCfg.Tracer = obs.Tracer.Tracer()
		}
		if cfg.Observability.Metrics != nil {
			gwCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}
	gw := httpapi.NewGateway(gwCfg, manager, limiter, logger).WithStore(store)

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("http gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline: stop accepting requests, then tear
	// down every live session so no containers are orphaned.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping http gateway", slog.String("error", err.Error()))
	}
	reaper.Stop()
	manager.DestroyAll(shutdownCtx, session.CauseShutdown)
	bus.Close()
	obs.Shutdown(shutdownCtx)

	return nil
}
