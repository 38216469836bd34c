package client

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/antonkrylov/xremote/internal/logging"
	"github.com/antonkrylov/xremote/internal/message"
	"github.com/antonkrylov/xremote/internal/wire"
)

// serveControl handles one control connection: one request in, one response
// out, close.
func (d *Daemon) serveControl(ctx context.Context, nc net.Conn) {
	conn := wire.NewConn(nc, d.cfg.Codec)
	defer conn.Close()
	log := d.log.With("peer", nc.RemoteAddr().String())

	msg, err := conn.Recv(d.cfg.ControlTimeout)
	switch {
	case errors.Is(err, wire.ErrWouldBlock):
		log.Debug("control connection sent no request", "timeout", d.cfg.ControlTimeout)
		return
	case errors.Is(err, io.EOF):
		return
	case err != nil:
		log.Warn("control recv failed", logging.KeyError, err)
		return
	}

	var resp message.Response
	if req, ok := msg.(message.Request); ok {
		resp = d.dispatch(ctx, req)
	} else {
		resp = message.Errorf("expected a request, got %s", msg.Kind())
	}
	if err := conn.Send(resp); err != nil {
		log.Warn("control send failed", logging.KeyKind, resp.Kind(), logging.KeyError, err)
	}
}

// dispatch answers daemon-local requests directly and queues the rest for a
// channel handler.
func (d *Daemon) dispatch(ctx context.Context, req message.Request) message.Response {
	switch r := req.(type) {
	case *message.TerminateRequest:
		d.log.Info("terminate requested over control socket")
		d.Finish()
		return &message.TerminateResponse{Success: true}
	case *message.PortRequest:
		return &message.PortResponse{Port: d.nextClientPort()}
	case *message.ShellRequest, *message.GetFileRequest, *message.PutFileRequest, *message.ListDirRequest:
		return d.Submit(ctx, r)
	default:
		return message.Errorf("unsupported request %s", req.Kind())
	}
}
