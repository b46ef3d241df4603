// Package mcp exposes the session manager as an MCP (Model Context Protocol)
// server over stdio, so AI agents can create sandboxes, run commands, and
// manage files through their native tool-calling interface.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/sanduku/internal/session"
)

// Server wraps the session manager in an MCP tool surface.
type Server struct {
	manager *session.Manager
	logger  *slog.Logger
	mcp     *server.MCPServer
}

// NewServer creates an MCP server exposing session management tools.
func NewServer(manager *session.Manager, version string, logger *slog.Logger) *Server {
	s := &Server{
		manager: manager,
		logger:  logger,
		mcp: server.NewMCPServer(
			"sanduku",
			version,
			server.WithToolCapabilities(false),
		),
	}
	s.registerTools()
	return s
}

// ServeStdio runs the MCP server on stdin/stdout until EOF.
func (s *Server) ServeStdio() error {
	s.logger.Info("mcp server starting on stdio")
	return server.ServeStdio(s.mcp)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("create_session",
		mcp.WithDescription("Create a new isolated sandbox session. Returns the session ID."),
	), s.handleCreateSession)

	s.mcp.AddTool(mcp.NewTool("list_sessions",
		mcp.WithDescription("List all active sandbox sessions."),
	), s.handleListSessions)

	s.mcp.AddTool(mcp.NewTool("destroy_session",
		mcp.WithDescription("Destroy a sandbox session and its execution context."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
	), s.handleDestroySession)

	s.mcp.AddTool(mcp.NewTool("execute_command",
		mcp.WithDescription("Execute a shell command inside a sandbox session. Returns exit code, stdout, and stderr."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
		mcp.WithString("command", mcp.Required(), mcp.Description("Shell command to run")),
		mcp.WithString("working_dir", mcp.Description("Working directory inside the sandbox")),
		mcp.WithNumber("timeout_seconds", mcp.Description("Per-call timeout, capped at the session ceiling")),
	), s.handleExecuteCommand)

	s.mcp.AddTool(mcp.NewTool("read_file",
		mcp.WithDescription("Read a file from the session's sandbox."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
		mcp.WithString("path", mcp.Required(), mcp.Description("Path relative to the sandbox root")),
	), s.handleReadFile)

	s.mcp.AddTool(mcp.NewTool("write_file",
		mcp.WithDescription("Write a file into the session's sandbox, creating parent directories as needed."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
		mcp.WithString("path", mcp.Required(), mcp.Description("Path relative to the sandbox root")),
		mcp.WithString("content", mcp.Required(), mcp.Description("File content")),
	), s.handleWriteFile)

	s.mcp.AddTool(mcp.NewTool("delete_file",
		mcp.WithDescription("Delete a file or directory from the session's sandbox. Deleting a missing path is not an error."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
		mcp.WithString("path", mcp.Required(), mcp.Description("Path relative to the sandbox root")),
		mcp.WithBoolean("recursive", mcp.Description("Delete directories recursively")),
	), s.handleDeleteFile)

	s.mcp.AddTool(mcp.NewTool("list_files",
		mcp.WithDescription("List files under a directory in the session's sandbox."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
		mcp.WithString("path", mcp.Description("Directory relative to the sandbox root. Empty = root")),
	), s.handleListFiles)

	s.mcp.AddTool(mcp.NewTool("session_health",
		mcp.WithDescription("Probe a session's liveness and resource usage."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
	), s.handleSessionHealth)
}

func (s *Server) handleCreateSession(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := s.manager.Create(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("session created: %s", id)), nil
}

func (s *Server) handleListSessions(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.manager.List())
}

func (s *Server) handleDestroySession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.manager.Destroy(ctx, id, session.CauseExplicit); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("session destroyed: %s", id)), nil
}

func (s *Server) handleExecuteCommand(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	command, err := req.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result, err := s.manager.Execute(ctx, id, command, session.ExecOptions{
		WorkingDir: req.GetString("working_dir", ""),
		Timeout:    time.Duration(req.GetInt("timeout_seconds", 0)) * time.Second,
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(result)
}

func (s *Server) handleReadFile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := s.fileOp(ctx, req, session.FileOperation{Op: session.FileRead})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(result.Content)), nil
}

func (s *Server) handleWriteFile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if _, err := s.fileOp(ctx, req, session.FileOperation{
		Op:      session.FileWrite,
		Content: []byte(content),
	}); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("file written"), nil
}

func (s *Server) handleDeleteFile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, err := s.fileOp(ctx, req, session.FileOperation{
		Op:        session.FileDelete,
		Recursive: req.GetBool("recursive", false),
	}); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("deleted"), nil
}

func (s *Server) handleListFiles(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := s.fileOp(ctx, req, session.FileOperation{Op: session.FileList})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(result.Entries)
}

func (s *Server) handleSessionHealth(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	status, err := s.manager.Health(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(status)
}

// fileOp fills in the shared session_id/path arguments and dispatches.
func (s *Server) fileOp(ctx context.Context, req mcp.CallToolRequest, op session.FileOperation) (*session.FileOpResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return nil, err
	}
	if op.Op == session.FileList {
		op.Path = req.GetString("path", "")
	} else {
		op.Path, err = req.RequireString("path")
		if err != nil {
			return nil, err
		}
	}
	return s.manager.FileOp(ctx, id, op)
}

// jsonResult marshals v as an indented JSON text result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
