package provider

import (
	"context"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"testing"
	"time"
)

// testImage is the Docker image used for integration tests.
const testImage = "sanduku-runtime:latest"

// skipIfNoDocker skips the test if Docker is unavailable.
func skipIfNoDocker(t *testing.T) {
	t.Helper()
	if err := exec.Command("docker", "info").Run(); err != nil {
		t.Skip("docker not available, skipping integration test")
	}
}

// skipIfNoImage skips the test if the runtime image isn't built.
func skipIfNoImage(t *testing.T) {
	t.Helper()
	out, err := exec.Command("docker", "images", "-q", testImage).Output()
	if err != nil || strings.TrimSpace(string(out)) == "" {
		t.Skipf("docker image %s not found, skipping (build with: docker build -t %s -f docker/Dockerfile.runtime .)", testImage, testImage)
	}
}

func newTestProvider(t *testing.T) *DockerProvider {
	t.Helper()
	skipIfNoDocker(t)
	skipIfNoImage(t)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewDockerProvider(DockerConfig{
		Image:     testImage,
		PIDsLimit: 32,
	}, logger)
}

// newTestContext creates a context and registers its teardown.
func newTestContext(t *testing.T, p *DockerProvider) Handle {
	t.Helper()
	ctx := context.Background()
	h, err := p.CreateContext(ctx, Limits{MemoryMB: 64, CPUCores: 0.5, DiskMB: 16})
	if err != nil {
		t.Fatalf("create context: %v", err)
	}
	t.Cleanup(func() {
		_ = p.StopContext(context.Background(), h)
		_ = p.RemoveContext(context.Background(), h)
	})
	return h
}

func TestDockerProvider_BasicExecution(t *testing.T) {
	p := newTestProvider(t)
	h := newTestContext(t, p)

	res, err := p.RunCommand(context.Background(), h, "echo hello", 10*time.Second, RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", res.ExitCode)
	}
	if got := strings.TrimSpace(res.Stdout); got != "hello" {
		t.Errorf("stdout = %q, want %q", got, "hello")
	}
}

func TestDockerProvider_NonZeroExit(t *testing.T) {
	p := newTestProvider(t)
	h := newTestContext(t, p)

	res, err := p.RunCommand(context.Background(), h, "exit 42", 10*time.Second, RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode != 42 {
		t.Errorf("exit code = %d, want 42", res.ExitCode)
	}
}

func TestDockerProvider_Timeout(t *testing.T) {
	p := newTestProvider(t)
	h := newTestContext(t, p)

	start := time.Now()
	res, err := p.RunCommand(context.Background(), h, "sleep 60", 2*time.Second, RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.TimedOut {
		t.Error("expected TimedOut")
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("timeout took %v, should fire near the 2s budget", elapsed)
	}
}

func TestDockerProvider_Env(t *testing.T) {
	p := newTestProvider(t)
	h := newTestContext(t, p)

	res, err := p.RunCommand(context.Background(), h, "echo $FOO", 10*time.Second, RunOptions{
		Env: map[string]string{"FOO": "bar"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := strings.TrimSpace(res.Stdout); got != "bar" {
		t.Errorf("stdout = %q, want bar", got)
	}
}

func TestDockerProvider_FileRoundtrip(t *testing.T) {
	p := newTestProvider(t)
	h := newTestContext(t, p)
	ctx := context.Background()

	path := p.SandboxRoot() + "/sub/dir/test.txt"
	content := []byte("line one\nline two\n")

	if err := p.WriteFile(ctx, h, path, content); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := p.ReadFile(ctx, h, path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("read back %q, want %q", got, content)
	}

	entries, err := p.ListFiles(ctx, h, p.SandboxRoot())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	found := false
	for _, e := range entries {
		if e == "sub/dir/test.txt" {
			found = true
		}
	}
	if !found {
		t.Errorf("listing %v should contain sub/dir/test.txt", entries)
	}

	if err := p.DeleteFile(ctx, h, path, false); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := p.ReadFile(ctx, h, path); err == nil {
		t.Error("read after delete should fail")
	}
	// Idempotent delete.
	if err := p.DeleteFile(ctx, h, path, false); err != nil {
		t.Errorf("second delete: %v", err)
	}
}

func TestDockerProvider_ListMissingDir(t *testing.T) {
	p := newTestProvider(t)
	h := newTestContext(t, p)

	entries, err := p.ListFiles(context.Background(), h, p.SandboxRoot()+"/missing")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("entries = %v, want none", entries)
	}
}

func TestDockerProvider_Stats(t *testing.T) {
	p := newTestProvider(t)
	h := newTestContext(t, p)

	stats, err := p.Stats(context.Background(), h)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.RunState != "running" {
		t.Errorf("run state = %q, want running", stats.RunState)
	}
}

func TestDockerProvider_NoNetwork(t *testing.T) {
	p := newTestProvider(t)
	h := newTestContext(t, p)

	// With --network=none name resolution has nothing to talk to.
	res, err := p.RunCommand(context.Background(), h, "wget -T 2 -q -O- http://example.com", 10*time.Second, RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode == 0 {
		t.Error("network access should be blocked by default")
	}
}

// --- Unit tests (no Docker required) ---

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"echo hi", "'echo hi'"},
		{"it's", `'it'\''s'`},
		{"", "''"},
	}
	for _, tc := range tests {
		if got := shellQuote(tc.in); got != tc.want {
			t.Errorf("shellQuote(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseMemUsage(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"12.5MiB / 512MiB", int64(12.5 * (1 << 20))},
		{"1GiB / 2GiB", 1 << 30},
		{"800KiB / 64MiB", 800 << 10},
		{"garbage", 0},
	}
	for _, tc := range tests {
		if got := parseMemUsage(tc.in); got != tc.want {
			t.Errorf("parseMemUsage(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestParseCPUPerc(t *testing.T) {
	if got := parseCPUPerc("1.25%"); got != 1.25 {
		t.Errorf("parseCPUPerc = %v, want 1.25", got)
	}
	if got := parseCPUPerc("junk"); got != 0 {
		t.Errorf("parseCPUPerc(junk) = %v, want 0", got)
	}
}

func TestGenerateContextName(t *testing.T) {
	a, err := generateContextName()
	if err != nil {
		t.Fatal(err)
	}
	b, err := generateContextName()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(a, "sanduku-ctx-") {
		t.Errorf("name = %q, want sanduku-ctx- prefix", a)
	}
	if a == b {
		t.Error("context names must be unique")
	}
}

func TestBuildCreateArgsHardening(t *testing.T) {
	p := NewDockerProvider(DockerConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	args := p.buildCreateArgs("sanduku-ctx-test", Limits{MemoryMB: 128, CPUCores: 0.5, DiskMB: 32})

	joined := strings.Join(args, " ")
	for _, want := range []string{
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--read-only",
		"--network=none",
		"--memory=128m",
		"--memory-swap=128m",
		"--cpus=0.50",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("create args missing %q:\n%s", want, joined)
		}
	}
}
