package main

import (
	"bufio"
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/antonkrylov/xremote/internal/client"
	"github.com/antonkrylov/xremote/internal/workspace"
)

func testRoot(t *testing.T) *rootOptions {
	t.Helper()
	ws, err := workspace.New(t.TempDir(), "devbox", "/srv/project")
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	return &rootOptions{
		configPath: "/tmp/xremote-config",
		root:       ws.Root,
		ws:         ws,
		settings: &client.Settings{
			Host:           "devbox",
			Workspace:      "/srv/project",
			Channels:       3,
			LogLevel:       "debug",
			RequestTimeout: time.Minute,
			ContextName:    "dev",
		},
	}
}

func TestRunPrompt_LocalCommands(t *testing.T) {
	var out, errOut bytes.Buffer
	s := &session{root: testRoot(t), out: &out, errOut: &errOut}
	in := scannerReader{bufio.NewScanner(strings.NewReader("\nhelp\nbogus\nexec\nget\nquit\nls\n"))}

	if err := runPrompt(context.Background(), s, in); err != nil {
		t.Fatalf("runPrompt: %v", err)
	}
	if !strings.Contains(out.String(), "commands:") {
		t.Fatalf("help not printed: %q", out.String())
	}
	for _, want := range []string{`unknown command "bogus"`, "usage: exec", "usage: get"} {
		if !strings.Contains(errOut.String(), want) {
			t.Fatalf("stderr %q missing %q", errOut.String(), want)
		}
	}
	if strings.Contains(errOut.String(), "ls") {
		t.Fatalf("lines after quit were run: %q", errOut.String())
	}
}

func TestExitWithoutDaemon(t *testing.T) {
	var out, errOut bytes.Buffer
	s := &session{root: testRoot(t), out: &out, errOut: &errOut}
	if err := s.exit(context.Background()); err != nil {
		t.Fatalf("exit: %v", err)
	}
	if !strings.Contains(errOut.String(), "no daemon running") {
		t.Fatalf("stderr=%q", errOut.String())
	}
}

func TestDaemonArgs(t *testing.T) {
	r := testRoot(t)
	got := strings.Join(r.daemonArgs(), " ")
	for _, want := range []string{
		"daemon",
		"--host devbox",
		"--workspace /srv/project",
		"--channels 3",
		"--request-timeout 1m0s",
		"--level debug",
		"--context dev",
		"--root " + r.root,
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("args %q missing %q", got, want)
		}
	}
}

func TestSplitLine(t *testing.T) {
	name, args := splitLine("  exec  ls -la ")
	if name != "exec" || len(args) != 2 || args[1] != "-la" {
		t.Fatalf("got %q %q", name, args)
	}
	if name, _ := splitLine("   "); name != "" {
		t.Fatalf("blank line gave %q", name)
	}
}
