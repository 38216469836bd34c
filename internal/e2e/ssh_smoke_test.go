package e2e_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/antonkrylov/xremote/internal/workspace"
)

// TestE2E_SSHRemoteHost drives the real binaries against a reachable host:
// install the server daemon, run commands through an auto-started client
// daemon, then shut everything down.
func TestE2E_SSHRemoteHost(t *testing.T) {
	target := strings.TrimSpace(os.Getenv("XREMOTE_E2E_SSH_HOST"))
	if target == "" {
		t.Skip("set XREMOTE_E2E_SSH_HOST (e.g. me@devbox) to run")
	}
	goarch := strings.TrimSpace(os.Getenv("XREMOTE_E2E_GOARCH"))
	if goarch == "" {
		goarch = "amd64"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	tmp := t.TempDir()
	cli := filepath.Join(tmp, "xremote")
	server := filepath.Join(tmp, "xremote-server")
	build(t, ctx, cli, "./cmd/xremote")
	build(t, ctx, server, "./cmd/xremote-server", "GOOS=linux", "GOARCH="+goarch)

	home := filepath.Join(tmp, "home")
	remoteWS := fmt.Sprintf("/tmp/xremote-e2e-%d", time.Now().UnixNano())
	env := append(os.Environ(), "XREMOTE_HOME="+home, "XREMOTE_HOST="+target)
	xr := func(args ...string) string {
		t.Helper()
		return run(t, ctx, env, cli, append([]string{"--workspace", remoteWS, "--level", "debug"}, args...)...)
	}

	run(t, ctx, nil, "ssh", target, "mkdir -p "+remoteWS)
	t.Cleanup(func() {
		_ = exec.Command("ssh", target, "rm -rf "+remoteWS).Run()
	})
	xr("install", "--from", server)

	t.Cleanup(func() {
		c := exec.Command(cli, "--workspace", remoteWS, "exit")
		c.Env = env
		_ = c.Run()
	})
	if out := xr("exec", "--", "echo", "hello"); out != "hello\n" {
		t.Fatalf("exec stdout=%q", out)
	}

	local := filepath.Join(tmp, "upload.txt")
	if err := os.WriteFile(local, []byte("payload\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	xr("put", local, "sub/upload.txt")
	if out := xr("get", "sub/upload.txt"); out != "payload\n" {
		t.Fatalf("get=%q", out)
	}
	if out := xr("ls", "sub"); !strings.Contains(out, "upload.txt") {
		t.Fatalf("ls=%q", out)
	}
	if out := xr("exec", "--tty", "--", "sh", "-c", "echo out; echo err >&2"); !strings.Contains(out, "out") || !strings.Contains(out, "err") {
		t.Fatalf("pty output=%q", out)
	}

	xr("exit")
	ws, err := workspace.New(home, target, remoteWS)
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(30 * time.Second)
	for {
		if _, err := os.Stat(ws.PortFile()); os.IsNotExist(err) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("port file %s still present after exit", ws.PortFile())
		}
		time.Sleep(200 * time.Millisecond)
	}
}

func build(t *testing.T, ctx context.Context, out, pkg string, env ...string) {
	t.Helper()
	cmd := exec.CommandContext(ctx, "go", "build", "-o", out, pkg)
	cmd.Dir = repoRoot(t)
	cmd.Env = append(os.Environ(), env...)
	if b, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("build %s: %v\n%s", pkg, err, b)
	}
}

func run(t *testing.T, ctx context.Context, env []string, name string, args ...string) string {
	t.Helper()
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = repoRoot(t)
	if env != nil {
		cmd.Env = env
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("%s %v: %v\n%s%s", name, args, err, out, stderr.String())
	}
	return string(out)
}

func repoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatalf("could not locate repo root (go.mod) from %s", dir)
		}
		dir = parent
	}
}
