//go:build integration

package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

const defaultTimeout = 2 * time.Minute

// Harness builds the pismo binary once and runs it on behalf of simulated
// hosts, each with its own config and state directory.
type Harness struct {
	t      *testing.T
	binary string
}

// NewHarness builds the binary into a temporary directory
func NewHarness(ctx context.Context, t *testing.T) *Harness {
	t.Helper()

	projectRoot, err := findProjectRoot()
	if err != nil {
		t.Fatalf("get project root: %v", err)
	}

	binary := filepath.Join(t.TempDir(), "pismo")
	t.Logf("Building %s", binary)

	cmd := exec.CommandContext(ctx, "go", "build", "-o", binary, "./cmd/pismo")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: t, prefix: "[build] "}
	if err := cmd.Run(); err != nil {
		t.Fatalf("go build: %v", err)
	}

	return &Harness{t: t, binary: binary}
}

// Host is one simulated machine
type Host struct {
	h          *Harness
	Name       string
	Dir        string
	ConfigPath string
}

// NewHost creates a host with a config file pointing at a private state dir
func (h *Harness) NewHost(name string) *Host {
	h.t.Helper()

	dir := filepath.Join(h.t.TempDir(), name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		h.t.Fatalf("create host dir: %v", err)
	}

	cfg := fmt.Sprintf("paths:\n  state_dir: %q\n", filepath.Join(dir, "state"))
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o600); err != nil {
		h.t.Fatalf("write config: %v", err)
	}

	return &Host{h: h, Name: name, Dir: dir, ConfigPath: cfgPath}
}

func (host *Host) command(ctx context.Context, args ...string) *exec.Cmd {
	full := append([]string{"--config", host.ConfigPath, "--log-level", "debug"}, args...)
	return exec.CommandContext(ctx, host.h.binary, full...)
}

// Exec runs pismo on the host
func (host *Host) Exec(ctx context.Context, args ...string) (string, string, int, error) {
	host.h.t.Helper()

	cmd := host.command(ctx, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// MustExec runs pismo and fails the test if it returns non-zero
func (host *Host) MustExec(ctx context.Context, args ...string) string {
	host.h.t.Helper()
	stdout, stderr, exitCode, err := host.Exec(ctx, args...)
	if err != nil {
		host.h.t.Fatalf("exec failed: %v", err)
	}
	if exitCode != 0 {
		host.h.t.Fatalf("pismo %v failed with exit code %d\nstdout: %s\nstderr: %s",
			args, exitCode, stdout, stderr)
	}
	return stdout
}

// Serve starts "pismo server" in the background and returns its base URL
// once it answers.
func (host *Host) Serve(ctx context.Context) string {
	host.h.t.Helper()

	port, err := freePort()
	if err != nil {
		host.h.t.Fatalf("find free port: %v", err)
	}

	cmd := host.command(ctx, "server", "--port", fmt.Sprint(port))
	cmd.Stdout = &testWriter{t: host.h.t, prefix: "[" + host.Name + "] "}
	cmd.Stderr = &testWriter{t: host.h.t, prefix: "[" + host.Name + "] "}
	if err := cmd.Start(); err != nil {
		host.h.t.Fatalf("start server: %v", err)
	}
	host.h.t.Cleanup(func() {
		_ = cmd.Process.Signal(os.Interrupt)
		_ = cmd.Wait()
	})

	url := fmt.Sprintf("http://127.0.0.1:%d", port)
	if err := waitReady(ctx, url); err != nil {
		host.h.t.Fatalf("server on %s not ready: %v", host.Name, err)
	}
	return url
}

func waitReady(ctx context.Context, url string) error {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/", nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timed out")
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = l.Close()
	}()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)

// findProjectRoot walks up the directory tree from the current file to find go.mod
func findProjectRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("failed to get caller information")
	}

	dir := filepath.Dir(filename)

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found in any parent directory")
		}
		dir = parent
	}
}
