package provider

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const (
	defaultImage       = "sanduku-runtime:latest"
	defaultSandboxRoot = "/home/sanduku"
	defaultMemoryMB    = 512
	defaultCPUCores    = 1.0
	defaultDiskMB      = 64
	defaultPIDsLimit   = 64

	// timeoutExitCode is what the in-container timeout(1) wrapper exits with
	// when it kills the command.
	timeoutExitCode = 124

	// runGrace is how much longer the client waits beyond the in-container
	// timeout before giving up on the docker exec itself.
	runGrace = 5 * time.Second

	teardownTimeout = 10 * time.Second
)

// DockerConfig configures the Docker-backed provider.
type DockerConfig struct {
	Image          string // Container image. Default: "sanduku-runtime:latest".
	SandboxRoot    string // Writable workspace inside the context. Default: "/home/sanduku".
	PIDsLimit      int    // --pids-limit (prevents fork bombs). Default: 64.
	NetworkAllowed bool   // false = --network=none (no network stack at all).
}

// DockerProvider implements Provider with one long-lived hardened container
// per execution context. Commands run via docker exec; the container itself
// is created once and removed at session teardown.
//
// Security guarantees per context:
//   - ALL Linux capabilities dropped (--cap-drop=ALL)
//   - Read-only root filesystem (--read-only) with a sized tmpfs workspace
//   - Privilege escalation blocked (--security-opt=no-new-privileges)
//   - Non-root user (--user=65534:65534)
//   - Memory hard limit with no swap (OOM kill on exceed)
//   - PIDs limit, CPU rate limit
//   - Network disabled by default (--network=none)
//   - stdout/stderr capped to prevent OOM on the host
//   - Timeouts enforced inside the container via timeout(1), so a runaway
//     process is killed where it runs
type DockerProvider struct {
	config DockerConfig
	logger *slog.Logger
}

// NewDockerProvider creates a Docker-backed provider.
func NewDockerProvider(cfg DockerConfig, logger *slog.Logger) *DockerProvider {
	if cfg.Image == "" {
		cfg.Image = defaultImage
	}
	if cfg.SandboxRoot == "" {
		cfg.SandboxRoot = defaultSandboxRoot
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultPIDsLimit
	}
	return &DockerProvider{config: cfg, logger: logger}
}

// SandboxRoot returns the workspace directory inside each context.
func (p *DockerProvider) SandboxRoot() string {
	return p.config.SandboxRoot
}

// Ping reports whether the Docker daemon is reachable. Used by readiness checks.
func (p *DockerProvider) Ping(ctx context.Context) error {
	_, stderr, _, err := p.run(ctx, nil, "info", "--format", "{{.ServerVersion}}")
	if err != nil {
		return fmt.Errorf("docker daemon unreachable: %s: %w", strings.TrimSpace(stderr), err)
	}
	return nil
}

// CreateContext starts a long-lived container and returns its name as the handle.
func (p *DockerProvider) CreateContext(ctx context.Context, limits Limits) (Handle, error) {
	name, err := generateContextName()
	if err != nil {
		return "", fmt.Errorf("generating context name: %w", err)
	}

	limits = p.resolveLimits(limits)
	args := p.buildCreateArgs(name, limits)

	_, stderr, _, err := p.run(ctx, nil, args...)
	if err != nil {
		return "", fmt.Errorf("creating context: %s: %w", strings.TrimSpace(stderr), err)
	}

	p.logger.Info("execution context created",
		slog.String("context", name),
		slog.String("image", p.config.Image),
		slog.Int("memory_mb", limits.MemoryMB),
		slog.Float64("cpu_cores", limits.CPUCores),
		slog.Int("disk_mb", limits.DiskMB),
	)
	return Handle(name), nil
}

// buildCreateArgs constructs the docker run argument list with all security
// hardening flags. The container idles on sleep so exec sessions can attach.
func (p *DockerProvider) buildCreateArgs(name string, limits Limits) []string {
	memoryFlag := strconv.Itoa(limits.MemoryMB) + "m"
	cpuFlag := strconv.FormatFloat(limits.CPUCores, 'f', 2, 64)
	pidsFlag := strconv.Itoa(p.config.PIDsLimit)
	workspaceTmpfs := fmt.Sprintf("%s:rw,nosuid,size=%dm", p.config.SandboxRoot, limits.DiskMB)

	args := []string{
		"run", "-d",
		"--name", name,

		// --- Security hardening ---
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--read-only",
		"--user=65534:65534",

		// --- Resource limits ---
		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag, // Same as memory = disable swap (OOM kill).
		"--cpus=" + cpuFlag,
		"--pids-limit=" + pidsFlag,

		// --- Writable tmpfs workspace + scratch ---
		"--tmpfs", workspaceTmpfs,
		"--tmpfs", "/tmp:rw,noexec,nosuid,size=64m",

		// --- Sanitized environment (no host inheritance) ---
		"--env", "HOME=" + p.config.SandboxRoot,
		"--env", "PATH=/usr/local/bin:/usr/bin:/bin",
		"--env", "LANG=en_US.UTF-8",
		"--env", "TERM=dumb",

		"--workdir", p.config.SandboxRoot,
	}

	if p.config.NetworkAllowed {
		args = append(args, "--network=bridge")
	} else {
		args = append(args, "--network=none")
	}

	args = append(args, p.config.Image, "sleep", "infinity")
	return args
}

// RunCommand executes a shell command inside the context. The timeout is
// enforced by timeout(1) inside the container; the client-side deadline is
// only a backstop against a wedged docker exec.
func (p *DockerProvider) RunCommand(ctx context.Context, h Handle, command string, timeout time.Duration, opts RunOptions) (*RunResult, error) {
	if command == "" {
		return nil, errors.New("empty command")
	}

	seconds := int(timeout / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	wrapped := fmt.Sprintf("timeout %d sh -c %s", seconds, shellQuote(command))

	args := []string{"exec"}
	if opts.WorkingDir != "" {
		args = append(args, "--workdir", opts.WorkingDir)
	}
	for k, v := range opts.Env {
		args = append(args, "--env", k+"="+v)
	}
	args = append(args, string(h), "sh", "-c", wrapped)

	runCtx, cancel := context.WithTimeout(ctx, timeout+runGrace)
	defer cancel()

	start := time.Now()
	stdout, stderr, exitCode, runErr := p.run(runCtx, nil, args...)
	duration := time.Since(start)

	result := &RunResult{
		Stdout:   stdout,
		Stderr:   stderr,
		ExitCode: exitCode,
	}

	if runErr != nil {
		if runCtx.Err() != nil {
			// The backstop fired: the in-container timeout should already
			// have killed the process group.
			p.logger.Warn("docker exec exceeded client deadline",
				slog.String("context", string(h)),
				slog.Duration("timeout", timeout),
			)
			result.TimedOut = true
			result.ExitCode = timeoutExitCode
			return result, nil
		}
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return result, fmt.Errorf("docker exec failed: %s: %w", strings.TrimSpace(stderr), runErr)
		}
	}

	if result.ExitCode == timeoutExitCode {
		result.TimedOut = true
	}

	p.logger.Debug("command completed",
		slog.String("context", string(h)),
		slog.Int("exit_code", result.ExitCode),
		slog.Bool("timed_out", result.TimedOut),
		slog.Duration("duration", duration),
	)
	return result, nil
}

// ReadFile returns the content of a file inside the context.
func (p *DockerProvider) ReadFile(ctx context.Context, h Handle, path string) ([]byte, error) {
	stdout, stderr, exitCode, err := p.run(ctx, nil, "exec", string(h), "cat", "--", path)
	if err != nil || exitCode != 0 {
		return nil, fmt.Errorf("reading %s: %s", path, firstNonEmpty(strings.TrimSpace(stderr), "exit "+strconv.Itoa(exitCode)))
	}
	return []byte(stdout), nil
}

// WriteFile writes content to a file inside the context, creating parent
// directories as needed. Content is streamed over stdin so it is never
// interpolated into a shell string.
func (p *DockerProvider) WriteFile(ctx context.Context, h Handle, path string, content []byte) error {
	script := `d=$(dirname -- "$1") && mkdir -p -- "$d" && cat > "$1"`
	_, stderr, exitCode, err := p.run(ctx, bytes.NewReader(content),
		"exec", "-i", string(h), "sh", "-c", script, "_", path)
	if err != nil || exitCode != 0 {
		return fmt.Errorf("writing %s: %s", path, firstNonEmpty(strings.TrimSpace(stderr), "exit "+strconv.Itoa(exitCode)))
	}
	return nil
}

// DeleteFile removes a path inside the context. rm -f semantics: a missing
// path is not an error.
func (p *DockerProvider) DeleteFile(ctx context.Context, h Handle, path string, recursive bool) error {
	rmArgs := "-f"
	if recursive {
		rmArgs = "-rf"
	}
	_, stderr, exitCode, err := p.run(ctx, nil, "exec", string(h), "rm", rmArgs, "--", path)
	if err != nil || exitCode != 0 {
		return fmt.Errorf("deleting %s: %s", path, firstNonEmpty(strings.TrimSpace(stderr), "exit "+strconv.Itoa(exitCode)))
	}
	return nil
}

// ListFiles returns the sorted relative paths under dir. A missing directory
// yields an empty listing.
func (p *DockerProvider) ListFiles(ctx context.Context, h Handle, dir string) ([]string, error) {
	script := `[ -d "$1" ] || exit 0; cd -- "$1" && find . -mindepth 1 | sort`
	stdout, stderr, exitCode, err := p.run(ctx, nil, "exec", string(h), "sh", "-c", script, "_", dir)
	if err != nil || exitCode != 0 {
		return nil, fmt.Errorf("listing %s: %s", dir, firstNonEmpty(strings.TrimSpace(stderr), "exit "+strconv.Itoa(exitCode)))
	}

	var entries []string
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		entries = append(entries, strings.TrimPrefix(line, "./"))
	}
	return entries, nil
}

// Stats queries live resource usage and run state for the context.
func (p *DockerProvider) Stats(ctx context.Context, h Handle) (*ContextStats, error) {
	state, stderr, exitCode, err := p.run(ctx, nil, "inspect", "-f", "{{.State.Status}}", string(h))
	if err != nil || exitCode != 0 {
		return nil, fmt.Errorf("inspecting context: %s", firstNonEmpty(strings.TrimSpace(stderr), "exit "+strconv.Itoa(exitCode)))
	}

	stats := &ContextStats{RunState: strings.TrimSpace(state)}

	usage, stderr, exitCode, err := p.run(ctx, nil, "stats", "--no-stream", "--format", "{{.MemUsage}}|{{.CPUPerc}}", string(h))
	if err != nil || exitCode != 0 {
		return nil, fmt.Errorf("reading context stats: %s", firstNonEmpty(strings.TrimSpace(stderr), "exit "+strconv.Itoa(exitCode)))
	}

	parts := strings.SplitN(strings.TrimSpace(usage), "|", 2)
	if len(parts) == 2 {
		stats.MemoryBytes = parseMemUsage(parts[0])
		stats.CPUPercent = parseCPUPerc(parts[1])
	}
	return stats, nil
}

// UpdateLimits applies new memory/CPU ceilings to the live container.
func (p *DockerProvider) UpdateLimits(ctx context.Context, h Handle, limits Limits) error {
	limits = p.resolveLimits(limits)
	memoryFlag := strconv.Itoa(limits.MemoryMB) + "m"
	args := []string{
		"update",
		"--memory", memoryFlag,
		"--memory-swap", memoryFlag,
		"--cpus", strconv.FormatFloat(limits.CPUCores, 'f', 2, 64),
		string(h),
	}
	_, stderr, exitCode, err := p.run(ctx, nil, args...)
	if err != nil || exitCode != 0 {
		return fmt.Errorf("updating limits: %s", firstNonEmpty(strings.TrimSpace(stderr), "exit "+strconv.Itoa(exitCode)))
	}
	p.logger.Info("context limits updated",
		slog.String("context", string(h)),
		slog.Int("memory_mb", limits.MemoryMB),
		slog.Float64("cpu_cores", limits.CPUCores),
	)
	return nil
}

// StopContext stops the container with a short grace period.
func (p *DockerProvider) StopContext(ctx context.Context, h Handle) error {
	stopCtx, cancel := context.WithTimeout(ctx, teardownTimeout)
	defer cancel()

	_, stderr, exitCode, err := p.run(stopCtx, nil, "stop", "-t", "2", string(h))
	if err != nil || exitCode != 0 {
		return fmt.Errorf("stopping context: %s", firstNonEmpty(strings.TrimSpace(stderr), "exit "+strconv.Itoa(exitCode)))
	}
	return nil
}

// RemoveContext force-removes the container. Removing an already-gone
// container is not an error — teardown must be idempotent.
func (p *DockerProvider) RemoveContext(ctx context.Context, h Handle) error {
	rmCtx, cancel := context.WithTimeout(ctx, teardownTimeout)
	defer cancel()

	_, stderr, exitCode, err := p.run(rmCtx, nil, "rm", "-f", string(h))
	if err != nil || exitCode != 0 {
		if strings.Contains(stderr, "No such container") {
			return nil
		}
		return fmt.Errorf("removing context: %s", firstNonEmpty(strings.TrimSpace(stderr), "exit "+strconv.Itoa(exitCode)))
	}
	return nil
}

func (p *DockerProvider) resolveLimits(limits Limits) Limits {
	if limits.MemoryMB <= 0 {
		limits.MemoryMB = defaultMemoryMB
	}
	if limits.CPUCores <= 0 {
		limits.CPUCores = defaultCPUCores
	}
	if limits.DiskMB <= 0 {
		limits.DiskMB = defaultDiskMB
	}
	return limits
}

// run invokes the docker CLI and captures capped output.
func (p *DockerProvider) run(ctx context.Context, stdin io.Reader, args ...string) (stdout, stderr string, exitCode int, runErr error) {
	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Stdin = stdin

	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	runErr = cmd.Run()
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
	}
	return stdoutBuf.String(), stderrBuf.String(), exitCode, runErr
}

// shellQuote single-quotes s for safe embedding in a shell command line.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// parseMemUsage parses the used side of docker's "12.5MiB / 512MiB" format.
func parseMemUsage(s string) int64 {
	used := strings.TrimSpace(strings.SplitN(s, "/", 2)[0])

	units := []struct {
		suffix string
		factor float64
	}{
		{"GiB", 1 << 30}, {"MiB", 1 << 20}, {"KiB", 1 << 10},
		{"GB", 1e9}, {"MB", 1e6}, {"kB", 1e3}, {"B", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(used, u.suffix) {
			v, err := strconv.ParseFloat(strings.TrimSuffix(used, u.suffix), 64)
			if err != nil {
				return 0
			}
			return int64(v * u.factor)
		}
	}
	return 0
}

// parseCPUPerc parses docker's "1.25%" CPU format.
func parseCPUPerc(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(s), "%"), 64)
	if err != nil {
		return 0
	}
	return v
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// generateContextName returns a unique container name: sanduku-ctx-<16 hex chars>.
func generateContextName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "sanduku-ctx-" + hex.EncodeToString(b), nil
}
