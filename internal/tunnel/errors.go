package tunnel

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrTunnelStartup matches every *StartupError.
	ErrTunnelStartup = errors.New("tunnel startup failed")

	// ErrAlreadyRunning is returned by Start on a session that has not been
	// stopped.
	ErrAlreadyRunning = errors.New("tunnel already running")

	errAttemptTimeout     = errors.New("timed out waiting for startup sentinel")
	errStoppedDuringStart = errors.New("tunnel stopped while starting")
)

// Attempt records one failed transport launch.
type Attempt struct {
	Number  int
	Timeout time.Duration
	Err     error
	Stdout  string
	Stderr  string
}

// StartupError is returned once every launch attempt has failed.
type StartupError struct {
	Attempts []Attempt
}

func (e *StartupError) Error() string {
	if len(e.Attempts) == 0 {
		return ErrTunnelStartup.Error()
	}
	last := e.Attempts[len(e.Attempts)-1]
	return fmt.Sprintf("%s after %d attempts: %v", ErrTunnelStartup, len(e.Attempts), last.Err)
}

func (e *StartupError) Unwrap() []error {
	errs := []error{ErrTunnelStartup}
	if n := len(e.Attempts); n > 0 && e.Attempts[n-1].Err != nil {
		errs = append(errs, e.Attempts[n-1].Err)
	}
	return errs
}

// Diagnostics renders every attempt with its captured transport output.
func (e *StartupError) Diagnostics() string {
	var b strings.Builder
	for _, a := range e.Attempts {
		fmt.Fprintf(&b, "attempt %d (timeout %s): %v\n", a.Number, a.Timeout, a.Err)
		if s := strings.TrimSpace(a.Stdout); s != "" {
			fmt.Fprintf(&b, "  stdout:\n%s\n", indent(s))
		}
		if s := strings.TrimSpace(a.Stderr); s != "" {
			fmt.Fprintf(&b, "  stderr:\n%s\n", indent(s))
		}
	}
	return b.String()
}

func indent(s string) string {
	return "    " + strings.ReplaceAll(s, "\n", "\n    ")
}
