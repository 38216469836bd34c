package wire

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocol matches every *ProtocolError.
	ErrProtocol = errors.New("protocol error")

	// ErrUnknownType is returned when a message type or tag is not registered.
	ErrUnknownType = errors.New("unknown message type")

	// ErrWouldBlock is returned by Conn.Recv when no frame started arriving
	// before the timeout. It is not fatal; the caller may poll again.
	ErrWouldBlock = errors.New("no frame available before timeout")

	// ErrFrameTooLarge is returned when a payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// ProtocolError reports a malformed frame. The connection that produced it
// must be closed.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() []error {
	return []error{ErrProtocol, e.Err}
}

func protocolErr(op string, err error) error {
	return &ProtocolError{Op: op, Err: err}
}
