// Package message defines the requests and responses exchanged between the
// interactive client, the client daemon and the server daemon.
//
// Every variant is encoded as a msgpack array in field declaration order.
// Reordering, inserting or removing fields changes the wire format; append
// new fields at the end only.
package message

import (
	"fmt"
	"time"

	"github.com/antonkrylov/xremote/internal/wire"
)

// StartupSentinel is the line the server daemon prints on stdout once every
// port is bound.
const StartupSentinel = "xremote-server: ready"

// Request is a message that asks the receiving daemon to do something.
type Request interface {
	wire.Message
	isRequest()
}

// Response is the answer to exactly one Request.
type Response interface {
	wire.Message
	isResponse()
}

// ShellRequest runs Cmd (argv, no shell) in Dir on the remote side.
type ShellRequest struct {
	_msgpack struct{} `msgpack:",as_array"`
	Cmd      []string
	Dir      string
	PTY      bool
}

type ShellResponse struct {
	_msgpack struct{} `msgpack:",as_array"`
	ExitCode int
	Stdout   string
	Stderr   string
}

// GetFileRequest fetches a file. Relative paths resolve against the remote
// workspace.
type GetFileRequest struct {
	_msgpack struct{} `msgpack:",as_array"`
	Path     string
	Absolute bool
}

type GetFileResponse struct {
	_msgpack struct{} `msgpack:",as_array"`
	Path     string
	Absolute bool
	Found    bool
	Contents []byte
}

// PutFileRequest writes Contents atomically on the remote side.
type PutFileRequest struct {
	_msgpack struct{} `msgpack:",as_array"`
	Path     string
	Absolute bool
	Mode     uint32
	Contents []byte
}

type PutFileResponse struct {
	_msgpack struct{} `msgpack:",as_array"`
	Path     string
	Written  int64
}

// ListDirRequest lists a remote directory. When PrevHash matches the current
// listing the response carries no entries and Unchanged is set.
type ListDirRequest struct {
	_msgpack struct{} `msgpack:",as_array"`
	Path     string
	PrevHash uint64
}

// DirEntry is one listing entry. ModTime is in Unix nanoseconds.
type DirEntry struct {
	_msgpack struct{} `msgpack:",as_array"`
	Name     string
	Dir      bool
	Size     int64
	Mode     uint32
	ModTime  int64
}

// Modified returns ModTime as a time.Time.
func (e DirEntry) Modified() time.Time { return time.Unix(0, e.ModTime) }

type ListDirResponse struct {
	_msgpack  struct{} `msgpack:",as_array"`
	Path      string
	Hash      uint64
	Unchanged bool
	Entries   []DirEntry
}

// PortRequest asks the client daemon for the local port of its next
// forwarded channel.
type PortRequest struct {
	_msgpack struct{} `msgpack:",as_array"`
}

type PortResponse struct {
	_msgpack struct{} `msgpack:",as_array"`
	Port     int
}

// TerminateRequest stops the daemon that receives it.
type TerminateRequest struct {
	_msgpack struct{} `msgpack:",as_array"`
}

type TerminateResponse struct {
	_msgpack struct{} `msgpack:",as_array"`
	Success  bool
}

// ErrorResponse reports a request that could not be carried out.
type ErrorResponse struct {
	_msgpack struct{} `msgpack:",as_array"`
	Message  string
}

func (*ShellRequest) Kind() string      { return "shell.request" }
func (*ShellResponse) Kind() string     { return "shell.response" }
func (*GetFileRequest) Kind() string    { return "file.get.request" }
func (*GetFileResponse) Kind() string   { return "file.get.response" }
func (*PutFileRequest) Kind() string    { return "file.put.request" }
func (*PutFileResponse) Kind() string   { return "file.put.response" }
func (*ListDirRequest) Kind() string    { return "dir.list.request" }
func (*ListDirResponse) Kind() string   { return "dir.list.response" }
func (*PortRequest) Kind() string       { return "port.request" }
func (*PortResponse) Kind() string      { return "port.response" }
func (*TerminateRequest) Kind() string  { return "terminate.request" }
func (*TerminateResponse) Kind() string { return "terminate.response" }
func (*ErrorResponse) Kind() string     { return "error.response" }

func (*ShellRequest) isRequest()     {}
func (*GetFileRequest) isRequest()   {}
func (*PutFileRequest) isRequest()   {}
func (*ListDirRequest) isRequest()   {}
func (*PortRequest) isRequest()      {}
func (*TerminateRequest) isRequest() {}

func (*ShellResponse) isResponse()     {}
func (*GetFileResponse) isResponse()   {}
func (*PutFileResponse) isResponse()   {}
func (*ListDirResponse) isResponse()   {}
func (*PortResponse) isResponse()      {}
func (*TerminateResponse) isResponse() {}
func (*ErrorResponse) isResponse()     {}

// Errorf builds an ErrorResponse.
func Errorf(format string, args ...any) *ErrorResponse {
	return &ErrorResponse{Message: fmt.Sprintf(format, args...)}
}
