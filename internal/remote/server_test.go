package remote_test

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/antonkrylov/xremote/internal/message"
	"github.com/antonkrylov/xremote/internal/remote"
	"github.com/antonkrylov/xremote/internal/wire"
)

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func freePorts(t *testing.T, n int) []int {
	t.Helper()
	var lns []net.Listener
	var ports []int
	for i := 0; i < n; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
		lns = append(lns, ln)
		ports = append(ports, ln.Addr().(*net.TCPAddr).Port)
	}
	for _, ln := range lns {
		_ = ln.Close()
	}
	return ports
}

func startServer(t *testing.T, ports []int) (*remote.Server, *wire.Codec, <-chan error, *syncBuffer) {
	t.Helper()
	codec, err := message.NewCodec()
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	t.Cleanup(codec.Close)
	ready := &syncBuffer{}
	srv, err := remote.New(remote.Config{
		Ports:         ports,
		WorkspaceRoot: t.TempDir(),
		Codec:         codec,
		PollTimeout:   200 * time.Millisecond,
		AcceptPoll:    100 * time.Millisecond,
		Ready:         ready,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- srv.Run(context.Background()) }()
	t.Cleanup(srv.Stop)

	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(ready.String(), message.StartupSentinel) {
		if time.Now().After(deadline) {
			t.Fatalf("server never announced readiness")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return srv, codec, done, ready
}

func dialPort(t *testing.T, codec *wire.Codec, port int) *wire.Conn {
	t.Helper()
	nc, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("dial %d: %v", port, err)
	}
	c := wire.NewConn(nc, codec)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func call(t *testing.T, c *wire.Conn, req message.Request) wire.Message {
	t.Helper()
	if err := c.Send(req); err != nil {
		t.Fatalf("send: %v", err)
	}
	resp, err := c.Recv(10 * time.Second)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	return resp
}

func TestServer_ReadyLineIsExact(t *testing.T) {
	ports := freePorts(t, 2)
	srv, _, _, ready := startServer(t, ports)
	if got := ready.String(); got != message.StartupSentinel+"\n" {
		t.Fatalf("ready output=%q", got)
	}
	if len(srv.Addrs()) != 2 {
		t.Fatalf("addrs=%v", srv.Addrs())
	}
}

func TestServer_ServesEachPortIndependently(t *testing.T) {
	ports := freePorts(t, 2)
	_, codec, _, _ := startServer(t, ports)

	a := dialPort(t, codec, ports[0])
	b := dialPort(t, codec, ports[1])

	resp := call(t, a, &message.ShellRequest{Cmd: []string{"echo", "from-a"}})
	if sr := resp.(*message.ShellResponse); sr.Stdout != "from-a\n" {
		t.Fatalf("a=%+v", sr)
	}
	resp = call(t, b, &message.PutFileRequest{Path: "f.txt", Contents: []byte("data")})
	if _, ok := resp.(*message.PutFileResponse); !ok {
		t.Fatalf("b=%s", message.Summary(resp))
	}
	resp = call(t, a, &message.GetFileRequest{Path: "f.txt"})
	if gr := resp.(*message.GetFileResponse); string(gr.Contents) != "data" {
		t.Fatalf("get=%+v", gr)
	}

	// Idle longer than the poll timeout: the channel must survive.
	time.Sleep(500 * time.Millisecond)
	resp = call(t, a, &message.ListDirRequest{})
	if lr := resp.(*message.ListDirResponse); len(lr.Entries) != 1 {
		t.Fatalf("ls=%+v", lr)
	}
}

func TestServer_TerminateStopsEveryPort(t *testing.T) {
	ports := freePorts(t, 3)
	_, codec, done, _ := startServer(t, ports)

	a := dialPort(t, codec, ports[0])
	_ = dialPort(t, codec, ports[1])

	resp := call(t, a, &message.TerminateRequest{})
	if tr, ok := resp.(*message.TerminateResponse); !ok || !tr.Success {
		t.Fatalf("terminate=%s", message.Summary(resp))
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not stop")
	}
}

func TestServer_PeerCloseEndsChannel(t *testing.T) {
	ports := freePorts(t, 1)
	srv, codec, done, _ := startServer(t, ports)

	a := dialPort(t, codec, ports[0])
	_ = a.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("single-port server should exit once its only channel closes")
	}
	srv.Stop()
}

func TestServer_BindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	busy := ln.Addr().(*net.TCPAddr).Port

	codec, _ := message.NewCodec()
	defer codec.Close()
	ready := &syncBuffer{}
	srv, err := remote.New(remote.Config{Ports: []int{busy}, WorkspaceRoot: t.TempDir(), Codec: codec, Ready: ready})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := srv.Run(context.Background()); err == nil {
		t.Fatalf("expected bind error")
	}
	if ready.String() != "" {
		t.Fatalf("sentinel printed despite bind failure: %q", ready.String())
	}
}
