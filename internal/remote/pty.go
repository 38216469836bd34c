package remote

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/antonkrylov/xremote/internal/message"
)

func startPTY(cmd *exec.Cmd, ws *pty.Winsize, setCTTY bool) (*os.File, error) {
	ptyFile, ttyFile, err := pty.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = ttyFile.Close() }()

	if ws != nil {
		_ = pty.Setsize(ptyFile, ws)
	}

	cmd.Stdin = ttyFile
	cmd.Stdout = ttyFile
	cmd.Stderr = ttyFile

	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true
	cmd.SysProcAttr.Setctty = setCTTY
	if setCTTY {
		cmd.SysProcAttr.Ctty = int(ttyFile.Fd())
	} else {
		cmd.SysProcAttr.Ctty = 0
	}

	if err := cmd.Start(); err != nil {
		_ = ptyFile.Close()
		return nil, err
	}
	return ptyFile, nil
}

// runPTY runs cmd on a pseudo terminal. Stdout and stderr arrive merged, so
// the response carries everything in Stdout.
func runPTY(ctx context.Context, cmd *exec.Cmd) message.Response {
	ws := &pty.Winsize{Cols: 120, Rows: 30}
	pt, err := startPTY(cmd, ws, true)
	if err != nil && strings.Contains(err.Error(), "Setctty set but Ctty not valid") {
		fresh := exec.CommandContext(ctx, cmd.Path, cmd.Args[1:]...)
		fresh.Dir = cmd.Dir
		cmd = fresh
		pt, err = startPTY(cmd, ws, false)
	}
	if err != nil {
		return &message.ShellResponse{ExitCode: -1, Stderr: err.Error()}
	}
	defer pt.Close()

	out := &capWriter{max: MaxOutput}
	buf := make([]byte, 32*1024)
	for {
		_ = pt.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, rerr := pt.Read(buf)
		if n > 0 {
			_, _ = out.Write(buf[:n])
		}
		if rerr != nil {
			if errors.Is(rerr, os.ErrDeadlineExceeded) {
				if ctx.Err() != nil {
					_ = cmd.Process.Kill()
					break
				}
				continue
			}
			// EIO once the child side closes.
			break
		}
	}

	code, stderr := exitStatus(cmd.Wait(), "")
	return &message.ShellResponse{ExitCode: code, Stdout: out.String(), Stderr: stderr}
}
