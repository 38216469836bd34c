package message

import (
	"fmt"
	"strings"

	"github.com/antonkrylov/xremote/internal/wire"
)

// variants lists every message in tag order. Append only: the position of
// an entry is its tag on the wire.
var variants = []func() wire.Message{
	func() wire.Message { return new(ShellRequest) },
	func() wire.Message { return new(ShellResponse) },
	func() wire.Message { return new(GetFileRequest) },
	func() wire.Message { return new(GetFileResponse) },
	func() wire.Message { return new(PutFileRequest) },
	func() wire.Message { return new(PutFileResponse) },
	func() wire.Message { return new(ListDirRequest) },
	func() wire.Message { return new(ListDirResponse) },
	func() wire.Message { return new(PortRequest) },
	func() wire.Message { return new(PortResponse) },
	func() wire.Message { return new(TerminateRequest) },
	func() wire.Message { return new(TerminateResponse) },
	func() wire.Message { return new(ErrorResponse) },
}

// NewRegistry returns a registry holding every variant in this package.
// Build it once at process start and share it.
func NewRegistry() *wire.Registry {
	r := wire.NewRegistry()
	for _, fn := range variants {
		r.MustRegister(fn)
	}
	return r
}

// NewCodec is a convenience for NewRegistry plus wire.NewCodec.
func NewCodec() (*wire.Codec, error) {
	return wire.NewCodec(NewRegistry())
}

// Summary renders a short one-line description of msg for logs and CLI
// output.
func Summary(msg wire.Message) string {
	switch m := msg.(type) {
	case *ShellRequest:
		return fmt.Sprintf("shell %q", strings.Join(m.Cmd, " "))
	case *ShellResponse:
		return fmt.Sprintf("shell exit=%d stdout=%dB stderr=%dB", m.ExitCode, len(m.Stdout), len(m.Stderr))
	case *GetFileRequest:
		return fmt.Sprintf("get %s", m.Path)
	case *GetFileResponse:
		return fmt.Sprintf("get %s found=%t size=%d", m.Path, m.Found, len(m.Contents))
	case *PutFileRequest:
		return fmt.Sprintf("put %s size=%d", m.Path, len(m.Contents))
	case *PutFileResponse:
		return fmt.Sprintf("put %s written=%d", m.Path, m.Written)
	case *ListDirRequest:
		return fmt.Sprintf("ls %s", m.Path)
	case *ListDirResponse:
		return fmt.Sprintf("ls %s entries=%d unchanged=%t", m.Path, len(m.Entries), m.Unchanged)
	case *PortResponse:
		return fmt.Sprintf("port %d", m.Port)
	case *TerminateResponse:
		return fmt.Sprintf("terminate success=%t", m.Success)
	case *ErrorResponse:
		return "error: " + m.Message
	case nil:
		return "<nil>"
	default:
		return msg.Kind()
	}
}
