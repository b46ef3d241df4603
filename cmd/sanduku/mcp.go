package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/sanduku/internal/gateway/mcp"
	"github.com/jkaninda/sanduku/internal/provider"
	"github.com/jkaninda/sanduku/internal/session"
)

var mcpConfigPath string

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start the MCP server on stdio (for AI agent tool-calling)",
	RunE:  runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpConfigPath, "config", "", "path to config file")
}

// runMCP serves the session manager over the Model Context Protocol on
// stdin/stdout. Logs go to stderr so they never corrupt the protocol stream.
func runMCP(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	path := mcpConfigPath
	if path == "" {
		path = serveConfigPath
	}
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}

	dockerProvider := provider.NewDockerProvider(provider.DockerConfig{
		Image:          cfg.Provider.Image,
		SandboxRoot:    cfg.Provider.SandboxRoot,
		PIDsLimit:      cfg.Provider.PIDsLimit,
		NetworkAllowed: cfg.Provider.NetworkAllowed,
	}, logger)

	bus := session.NewBus(logger)
	defer bus.Close()

	manager := session.NewManager(session.Config{
		DefaultLimits: session.ResourceLimits{
			MemoryMB:    cfg.Session.DefaultLimits.MemoryMB,
			CPUCores:    cfg.Session.DefaultLimits.CPUCores,
			DiskMB:      cfg.Session.DefaultLimits.DiskMB,
			ExecTimeout: cfg.Session.DefaultLimits.ExecTimeout(),
		},
		MaxSessions: cfg.Session.MaxSessions,
		SandboxRoot: dockerProvider.SandboxRoot(),
	}, dockerProvider, bus, nil, logger)

	reaper := session.NewReaper(manager, cfg.Session.ReaperInterval(), cfg.Session.MaxIdle(), logger)
	if err := reaper.Start(); err != nil {
		return err
	}
	defer reaper.Stop()

	err = mcp.NewServer(manager, version, logger).ServeStdio()

	// Tear down any sessions the agent left behind.
	cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	manager.DestroyAll(cleanupCtx, session.CauseShutdown)

	return err
}
