// Package httpapi implements the HTTP API gateway for Sanduku.
//
// Security:
//   - Bearer token authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-client rate limiting via token bucket
//   - All requests logged
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/sanduku/internal/observability"
	"github.com/jkaninda/sanduku/internal/ratelimit"
	"github.com/jkaninda/sanduku/internal/session"
	"github.com/jkaninda/sanduku/internal/storage"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr string // e.g., ":8080"
	EnableDocs bool
	AuthToken  string // Bearer token. Empty = auth disabled (dev only).

	// Observability
	MetricsRegistry *prometheus.Registry            // Custom Prometheus registry for /metrics.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz endpoint.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config  Config
	manager *session.Manager
	limiter *ratelimit.Limiter
	store   *storage.Store // nil = event history endpoint disabled.
	logger  *slog.Logger
	server  *http.Server

	okapi *okapi.Okapi
	group *okapi.Group
}

// NewGateway creates an HTTP API gateway.
func NewGateway(cfg Config, manager *session.Manager, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	return &Gateway{
		config:  cfg,
		manager: manager,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithStore attaches the audit trail store, enabling GET /v1/events/history.
func (g *Gateway) WithStore(store *storage.Store) *Gateway {
	g.store = store
	return g
}

func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Sanduku",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Metrics/tracing middleware (applied globally).
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	g.group.Post("/sessions", g.handleSessionCreate,
		okapi.DocSummary("Create a new sandbox session"),
		okapi.DocTags("Sessions"),
		okapi.DocResponse(http.StatusCreated, SessionResponse{}),
		okapi.DocResponse(http.StatusBadGateway, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Get("/sessions", g.handleSessionList,
		okapi.DocSummary("List active sessions"),
		okapi.DocTags("Sessions"),
		okapi.DocResponse([]SessionResponse{}),
	)
	g.group.Get("/sessions/{id}", g.handleSessionGet,
		okapi.DocSummary("Get a session by ID"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocResponse(SessionResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/sessions/{id}", g.handleSessionDestroy,
		okapi.DocSummary("Destroy a session and its execution context"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocResponse(DestroyResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/sessions/{id}/exec", g.handleExec,
		okapi.DocSummary("Execute a shell command inside a session"),
		okapi.DocTags("Execution"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocRequestBody(ExecRequest{}),
		okapi.DocResponse(ExecResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/sessions/{id}/files", g.handleFileOp,
		okapi.DocSummary("Perform a file operation inside a session"),
		okapi.DocTags("Files"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocRequestBody(FileOpRequest{}),
		okapi.DocResponse(FileOpResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Patch("/sessions/{id}/limits", g.handleLimitsUpdate,
		okapi.DocSummary("Update session resource limits"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocRequestBody(LimitsPatchRequest{}),
		okapi.DocResponse(LimitsResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusBadGateway, ErrorBody{}),
	)
	g.group.Get("/sessions/{id}/health", g.handleSessionHealth,
		okapi.DocSummary("Probe session liveness and resource usage"),
		okapi.DocTags("Sessions"),
		okapi.DocPathParam("id", "string", "Session ID (UUID)"),
		okapi.DocResponse(session.HealthStatus{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Lifecycle event stream (WebSocket) and persisted history.
	g.okapi.HandleStd("GET", "/v1/events", g.handleEventsWS)
	if g.store != nil {
		g.group.Get("/events/history", g.handleEventHistory,
			okapi.DocSummary("List persisted lifecycle events"),
			okapi.DocTags("Events"),
			okapi.DocResponse([]storage.EventRecord{}),
		)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Handlers ---

// SessionResponse is the JSON view of one session.
type SessionResponse struct {
	ID           string         `json:"id"`
	CreatedAt    time.Time      `json:"created_at"`
	LastActivity time.Time      `json:"last_activity"`
	Active       bool           `json:"active"`
	Limits       LimitsResponse `json:"limits"`
}

// LimitsResponse is the JSON view of session resource limits.
type LimitsResponse struct {
	MemoryMB           int     `json:"memory_mb"`
	CPUCores           float64 `json:"cpu_cores"`
	DiskMB             int     `json:"disk_mb"`
	ExecTimeoutSeconds int     `json:"exec_timeout_seconds"`
}

func toSessionResponse(s session.Summary) SessionResponse {
	return SessionResponse{
		ID:           s.ID,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity,
		Active:       s.Active,
		Limits:       toLimitsResponse(s.Limits),
	}
}

func toLimitsResponse(l session.ResourceLimits) LimitsResponse {
	return LimitsResponse{
		MemoryMB:           l.MemoryMB,
		CPUCores:           l.CPUCores,
		DiskMB:             l.DiskMB,
		ExecTimeoutSeconds: int(l.ExecTimeout / time.Second),
	}
}

func (g *Gateway) handleSessionCreate(c *okapi.Context) error {
	if err := g.allow(c); err != nil {
		return err
	}

	id, err := g.manager.Create(c.Context())
	if err != nil {
		return g.sessionError(c, err)
	}

	summary, err := g.manager.Get(id)
	if err != nil {
		return g.sessionError(c, err)
	}
	return c.JSON(http.StatusCreated, toSessionResponse(summary))
}

func (g *Gateway) handleSessionList(c *okapi.Context) error {
	sessions := g.manager.List()
	resp := make([]SessionResponse, len(sessions))
	for i, s := range sessions {
		resp[i] = toSessionResponse(s)
	}
	return c.OK(resp)
}

func (g *Gateway) handleSessionGet(c *okapi.Context) error {
	summary, err := g.manager.Get(c.Param("id"))
	if err != nil {
		return g.sessionError(c, err)
	}
	return c.OK(toSessionResponse(summary))
}

// DestroyResponse is the JSON response after destroying a session.
type DestroyResponse struct {
	Status string `json:"status"`
	// TeardownError is set when the registry entry was removed but the
	// backing context's teardown failed.
	TeardownError string `json:"teardown_error,omitempty"`
}

func (g *Gateway) handleSessionDestroy(c *okapi.Context) error {
	id := c.Param("id")
	err := g.manager.Destroy(c.Context(), id, session.CauseExplicit)
	if err != nil {
		var teardownErr *session.TeardownError
		if errors.As(err, &teardownErr) {
			// The session is gone either way; report the flaky teardown.
			return c.OK(DestroyResponse{Status: "destroyed", TeardownError: teardownErr.Error()})
		}
		return g.sessionError(c, err)
	}
	return c.OK(DestroyResponse{Status: "destroyed"})
}

// ExecRequest is the JSON body for POST /v1/sessions/{id}/exec.
type ExecRequest struct {
	Command        string            `json:"command"`
	WorkingDir     string            `json:"working_dir,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"` // Capped at the session ceiling.
}

// ExecResponse is the JSON result of a command execution.
type ExecResponse struct {
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMS int64  `json:"duration_ms"`
	TimedOut   bool   `json:"timed_out"`
}

func (g *Gateway) handleExec(c *okapi.Context) error {
	if err := g.allow(c); err != nil {
		return err
	}

	var req ExecRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Command == "" {
		return c.AbortBadRequest("command is required")
	}

	result, err := g.manager.Execute(c.Context(), c.Param("id"), req.Command, session.ExecOptions{
		WorkingDir: req.WorkingDir,
		Env:        req.Env,
		Timeout:    time.Duration(req.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return g.sessionError(c, err)
	}

	return c.OK(ExecResponse{
		ExitCode:   result.ExitCode,
		Stdout:     result.Stdout,
		Stderr:     result.Stderr,
		DurationMS: result.Duration.Milliseconds(),
		TimedOut:   result.TimedOut,
	})
}

// FileOpRequest is the JSON body for POST /v1/sessions/{id}/files.
type FileOpRequest struct {
	Op        string  `json:"op"` // "read", "write", "delete", "list".
	Path      string  `json:"path"`
	Content   *string `json:"content,omitempty"`   // Write only. Empty string writes an empty file.
	Recursive bool    `json:"recursive,omitempty"` // Delete only.
}

// FileOpResponse carries the operation-specific payload.
type FileOpResponse struct {
	Content *string  `json:"content,omitempty"` // Read only.
	Entries []string `json:"entries,omitempty"` // List only.
	Status  string   `json:"status"`
}

func (g *Gateway) handleFileOp(c *okapi.Context) error {
	if err := g.allow(c); err != nil {
		return err
	}

	var req FileOpRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	op := session.FileOperation{
		Op:        session.FileOpKind(req.Op),
		Path:      req.Path,
		Recursive: req.Recursive,
	}
	if req.Content != nil {
		op.Content = []byte(*req.Content)
	}

	result, err := g.manager.FileOp(c.Context(), c.Param("id"), op)
	if err != nil {
		return g.sessionError(c, err)
	}

	resp := FileOpResponse{Status: "ok", Entries: result.Entries}
	if op.Op == session.FileRead {
		content := string(result.Content)
		resp.Content = &content
	}
	return c.OK(resp)
}

// LimitsPatchRequest is the JSON body for PATCH /v1/sessions/{id}/limits.
// Absent fields retain their current value.
type LimitsPatchRequest struct {
	MemoryMB           *int     `json:"memory_mb,omitempty"`
	CPUCores           *float64 `json:"cpu_cores,omitempty"`
	DiskMB             *int     `json:"disk_mb,omitempty"`
	ExecTimeoutSeconds *int     `json:"exec_timeout_seconds,omitempty"`
}

func (g *Gateway) handleLimitsUpdate(c *okapi.Context) error {
	if err := g.allow(c); err != nil {
		return err
	}

	var req LimitsPatchRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	patch := session.LimitsPatch{
		MemoryMB: req.MemoryMB,
		CPUCores: req.CPUCores,
		DiskMB:   req.DiskMB,
	}
	if req.ExecTimeoutSeconds != nil {
		d := time.Duration(*req.ExecTimeoutSeconds) * time.Second
		patch.ExecTimeout = &d
	}

	limits, err := g.manager.UpdateLimits(c.Context(), c.Param("id"), patch)
	if err != nil {
		return g.sessionError(c, err)
	}
	return c.OK(toLimitsResponse(limits))
}

func (g *Gateway) handleSessionHealth(c *okapi.Context) error {
	status, err := g.manager.Health(c.Context(), c.Param("id"))
	if err != nil {
		return g.sessionError(c, err)
	}
	return c.OK(status)
}

func (g *Gateway) handleEventHistory(c *okapi.Context) error {
	limit, _ := strconv.Atoi(c.Query("limit"))
	records, err := g.store.ListRecent(c.Context(), c.Query("session_id"), limit)
	if err != nil {
		g.logger.Error("listing event history", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing events failed")
	}
	return c.OK(records)
}

// HealthResponse is the JSON response for health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the bearer token with a constant-time comparison.
// An empty configured token disables auth (dev only).
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if g.config.AuthToken == "" {
			return next(c)
		}

		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")

		if subtle.ConstantTimeCompare([]byte(token), []byte(g.config.AuthToken)) != 1 {
			return c.AbortUnauthorized("invalid token")
		}
		return next(c)
	}
}

// --- Helpers ---

// allow applies per-client rate limiting keyed by remote host.
func (g *Gateway) allow(c *okapi.Context) error {
	if g.limiter == nil {
		return nil
	}
	host, _, err := net.SplitHostPort(c.Request().RemoteAddr)
	if err != nil {
		host = c.Request().RemoteAddr
	}
	if err := g.limiter.Allow(host); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}
	return nil
}

// sessionError maps session errors to HTTP responses. Unknown and inactive
// sessions are indistinguishable to callers.
func (g *Gateway) sessionError(c *okapi.Context, err error) error {
	switch {
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrSessionInactive):
		return c.JSON(http.StatusNotFound, okapi.M{"error": "session not found"})
	case errors.Is(err, session.ErrInvalidPath):
		return c.AbortBadRequest("path escapes sandbox root")
	case errors.Is(err, session.ErrMissingContent):
		return c.AbortBadRequest("write operation requires content")
	case errors.Is(err, session.ErrSessionLimit):
		return c.AbortTooManyRequests("maximum number of sessions reached")
	default:
		var provErr *session.ProvisioningError
		var limitErr *session.LimitUpdateError
		if errors.As(err, &provErr) || errors.As(err, &limitErr) {
			g.logger.Error("provider failure", slog.String("error", err.Error()))
			return c.JSON(http.StatusBadGateway, okapi.M{"error": "execution backend failure"})
		}
		g.logger.Error("session operation failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("operation failed")
	}
}
