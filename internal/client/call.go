package client

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/antonkrylov/xremote/internal/message"
	"github.com/antonkrylov/xremote/internal/tunnel"
	"github.com/antonkrylov/xremote/internal/wire"
	"github.com/antonkrylov/xremote/internal/workspace"
)

const (
	spawnGrace = 5 * time.Second
	spawnPoll  = 100 * time.Millisecond
)

// DefaultSpawnWait bounds how long EnsureDaemon waits for a freshly spawned
// daemon to publish its port. It outlasts a tunnel that needs every retry.
var DefaultSpawnWait = tunnel.Config{}.StartupBudget() + spawnGrace

// Dial connects to the workspace's client daemon.
func Dial(ctx context.Context, ws *workspace.Workspace, codec *wire.Codec) (*wire.Conn, error) {
	port, err := ws.ReadPort()
	if err != nil {
		return nil, err
	}
	var dialer net.Dialer
	nc, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("dial client daemon on port %d: %w", port, err)
	}
	return wire.NewConn(nc, codec), nil
}

// Call sends one request to the client daemon and waits up to timeout for
// the response.
func Call(ctx context.Context, ws *workspace.Workspace, codec *wire.Codec, req message.Request, timeout time.Duration) (message.Response, error) {
	conn, err := Dial(ctx, ws, codec)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if err := conn.Send(req); err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Kind(), err)
	}
	msg, err := conn.Recv(timeout)
	if err != nil {
		return nil, fmt.Errorf("await %s: %w", req.Kind(), err)
	}
	resp, ok := msg.(message.Response)
	if !ok {
		return nil, fmt.Errorf("daemon answered %s with %s", req.Kind(), msg.Kind())
	}
	return resp, nil
}

// EnsureDaemon makes sure a client daemon answers for ws, calling spawn to
// start one when none does. A port file left behind by a dead daemon is
// removed first. A daemon that has claimed the workspace but is still
// bringing up its tunnel is waited for, not spawned again.
func EnsureDaemon(ctx context.Context, ws *workspace.Workspace, spawn func() error, wait time.Duration) error {
	if running(ws) {
		return nil
	}
	if !ws.Starting() {
		if err := ws.RemovePortFile(); err != nil {
			return fmt.Errorf("remove stale port file: %w", err)
		}
		if err := spawn(); err != nil {
			return fmt.Errorf("spawn client daemon: %w", err)
		}
	}
	if wait <= 0 {
		wait = DefaultSpawnWait
	}

	ticker := time.NewTicker(spawnPoll)
	defer ticker.Stop()
	deadline := time.Now().Add(wait)
	for {
		if running(ws) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("client daemon did not start within %s (see %s)", wait, ws.ClientLog())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
