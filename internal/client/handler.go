package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/antonkrylov/xremote/internal/logging"
	"github.com/antonkrylov/xremote/internal/message"
	"github.com/antonkrylov/xremote/internal/wire"
)

const markerTimeout = 10 * time.Second

var errResponseTimeout = errors.New("no response before deadline")

// handleChannel is the tunnel handler for one forwarded channel. It takes
// jobs off the shared queue and runs them strictly one at a time. Any
// transport failure ends the handler, which closes the channel.
func (d *Daemon) handleChannel(ctx context.Context, index int, conn *wire.Conn) {
	stop := d.registerStop()
	log := d.log.With(logging.KeyChannel, index)
	defer logging.Recover(log, "channel", nil)
	log.Info("channel handler started")

	for !stop.Load() && ctx.Err() == nil {
		j, ok := d.q.pop(d.cfg.PollInterval)
		if !ok {
			continue
		}
		d.m.QueueDepth.Set(float64(d.q.pending.Load()))
		if !d.serveJob(ctx, log, conn, j, stop) {
			return
		}
	}
	log.Info("channel handler stopped")
}

// serveJob answers one job and reports whether the channel is still usable.
func (d *Daemon) serveJob(ctx context.Context, log *slog.Logger, conn *wire.Conn, j *job, stop *atomic.Bool) bool {
	defer d.q.done()
	if j.marker() {
		return d.forwardTerminate(ctx, log, conn, stop)
	}

	d.m.ActiveRequests.Inc()
	defer d.m.ActiveRequests.Dec()
	kind := j.req.Kind()
	log = log.With(logging.KeyJob, j.id.String(), logging.KeyKind, kind)
	log.Debug("request sent", "summary", message.Summary(j.req), "queued", time.Since(j.enqueued))

	start := time.Now()
	resp, err := d.roundTrip(conn, j.req, d.cfg.RequestTimeout)
	took := time.Since(start)
	if err != nil {
		log.Error("channel failed", logging.KeyError, err, logging.KeyDuration, took)
		d.m.ObserveRequest(kind, "transport_error", took)
		j.deliver(message.Errorf("%s failed: %v", kind, err))
		return false
	}

	result := "ok"
	if _, isErr := resp.(*message.ErrorResponse); isErr {
		result = "error"
	}
	d.m.ObserveRequest(kind, result, took)
	logResponse(log, resp, took)
	j.deliver(resp)
	return true
}

// forwardTerminate sends the shutdown marker to the server daemon once every
// other in-flight request has been answered.
func (d *Daemon) forwardTerminate(ctx context.Context, log *slog.Logger, conn *wire.Conn, stop *atomic.Bool) bool {
	for d.q.active.Load() > 1 {
		if stop.Load() || ctx.Err() != nil {
			return false
		}
		time.Sleep(drainPoll)
	}
	resp, err := d.roundTrip(conn, &message.TerminateRequest{}, markerTimeout)
	if err != nil {
		log.Warn("server terminate failed", logging.KeyError, err)
		return false
	}
	log.Info("server terminate acknowledged", "summary", message.Summary(resp))
	return true
}

// roundTrip sends req and waits for its response, polling so a hung peer is
// noticed at the deadline.
func (d *Daemon) roundTrip(conn *wire.Conn, req message.Request, timeout time.Duration) (message.Response, error) {
	if err := conn.Send(req); err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	deadline := time.Now().Add(timeout)
	for {
		msg, err := conn.Recv(d.cfg.PollInterval)
		switch {
		case errors.Is(err, wire.ErrWouldBlock):
			if time.Now().After(deadline) {
				return nil, fmt.Errorf("%w (%s)", errResponseTimeout, timeout)
			}
			continue
		case errors.Is(err, io.EOF):
			return nil, fmt.Errorf("server closed channel: %w", err)
		case err != nil:
			return nil, err
		}
		resp, ok := msg.(message.Response)
		if !ok {
			return nil, fmt.Errorf("expected a response, got %s", msg.Kind())
		}
		return resp, nil
	}
}

func logResponse(log *slog.Logger, resp message.Response, took time.Duration) {
	switch r := resp.(type) {
	case *message.ShellResponse:
		log.Info("shell response",
			"exit_code", r.ExitCode,
			"stdout", r.Stdout,
			"stderr", r.Stderr,
			logging.KeyDuration, took)
	case *message.GetFileResponse:
		log.Info("file fetched", "path", r.Path, "found", r.Found, "size", humanize.Bytes(uint64(len(r.Contents))), logging.KeyDuration, took)
	case *message.PutFileResponse:
		log.Info("file written", "path", r.Path, "size", humanize.Bytes(uint64(r.Written)), logging.KeyDuration, took)
	case *message.ErrorResponse:
		log.Warn("remote error", "message", r.Message, logging.KeyDuration, took)
	default:
		log.Info("response", "summary", message.Summary(resp), logging.KeyDuration, took)
	}
}
