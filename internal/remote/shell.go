package remote

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"

	"github.com/antonkrylov/xremote/internal/message"
)

// MaxOutput caps each captured output stream of a shell request.
const MaxOutput = 16 << 20

const truncatedNote = "\n[xremote: output truncated]\n"

type shellService struct {
	files   *fileService
	timeout time.Duration
}

func (s *shellService) run(ctx context.Context, req *message.ShellRequest) message.Response {
	if len(req.Cmd) == 0 || req.Cmd[0] == "" {
		return message.Errorf("shell: command is required")
	}
	dir := req.Dir
	if dir == "" {
		dir = "."
	}
	wd, err := s.files.resolve(dir, false)
	if err != nil {
		return message.Errorf("shell: %v", err)
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, req.Cmd[0], req.Cmd[1:]...)
	cmd.Dir = wd
	if req.PTY {
		return runPTY(ctx, cmd)
	}

	stdout := &capWriter{max: MaxOutput}
	stderr := &capWriter{max: MaxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	err = cmd.Run()
	resp := &message.ShellResponse{Stdout: stdout.String(), Stderr: stderr.String()}
	resp.ExitCode, resp.Stderr = exitStatus(err, resp.Stderr)
	return resp
}

// exitStatus turns a Wait error into an exit code. Failures that are not a
// process exit (command not found, cancelled) report -1 and append the
// error to stderr.
func exitStatus(err error, stderr string) (int, string) {
	if err == nil {
		return 0, stderr
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) && ee.Exited() {
		return ee.ExitCode(), stderr
	}
	if stderr != "" && stderr[len(stderr)-1] != '\n' {
		stderr += "\n"
	}
	return -1, stderr + err.Error()
}

// capWriter buffers up to max bytes and silently drops the rest.
type capWriter struct {
	max       int
	buf       bytes.Buffer
	truncated bool
}

func (w *capWriter) Write(p []byte) (int, error) {
	n := len(p)
	if room := w.max - w.buf.Len(); room < len(p) {
		w.truncated = true
		if room <= 0 {
			return n, nil
		}
		p = p[:room]
	}
	w.buf.Write(p)
	return n, nil
}

func (w *capWriter) String() string {
	if w.truncated {
		return w.buf.String() + truncatedNote
	}
	return w.buf.String()
}
