// Package remote is the server daemon: it binds the forwarded ports on the
// remote host and executes the requests arriving on them.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/antonkrylov/xremote/internal/logging"
	"github.com/antonkrylov/xremote/internal/message"
	"github.com/antonkrylov/xremote/internal/metrics"
	"github.com/antonkrylov/xremote/internal/wire"
)

type Config struct {
	Ports         []int
	WorkspaceRoot string
	Codec         *wire.Codec

	// PollTimeout bounds each Recv so the stop flag is checked regularly.
	PollTimeout time.Duration
	// AcceptPoll bounds each Accept for the same reason.
	AcceptPoll   time.Duration
	ShellTimeout time.Duration

	// Ready receives the startup sentinel once every port is bound.
	Ready io.Writer

	Version string
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Server struct {
	cfg  Config
	log  *slog.Logger
	m    *metrics.Metrics
	exec *Executor

	stopped  atomic.Bool
	stopOnce sync.Once
	cancel   context.CancelFunc

	mu    sync.Mutex
	addrs []net.Addr
}

func New(cfg Config) (*Server, error) {
	if len(cfg.Ports) == 0 {
		return nil, fmt.Errorf("remote: at least one port is required")
	}
	if cfg.Codec == nil {
		return nil, fmt.Errorf("remote: codec is required")
	}
	if cfg.WorkspaceRoot == "" {
		return nil, fmt.Errorf("remote: workspace root is required")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 2 * time.Second
	}
	if cfg.AcceptPoll <= 0 {
		cfg.AcceptPoll = time.Second
	}
	if cfg.Ready == nil {
		cfg.Ready = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	log := cfg.Logger.With(logging.KeyComponent, "server")
	return &Server{
		cfg:  cfg,
		log:  log,
		m:    cfg.Metrics,
		exec: NewExecutor(cfg.WorkspaceRoot, cfg.ShellTimeout, log, cfg.Metrics),
	}, nil
}

// Run binds every port, announces readiness and serves until Stop is called,
// ctx is done, or a channel asks the server to terminate. It returns once
// every port goroutine has exited.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	n := len(s.cfg.Ports)
	lns := make([]*net.TCPListener, n)
	errs := make([]error, n)
	var bound sync.WaitGroup
	var wg sync.WaitGroup
	ready := make(chan struct{})
	abort := make(chan struct{})

	bound.Add(n)
	for i, port := range s.cfg.Ports {
		wg.Add(1)
		go func(i, port int) {
			defer wg.Done()
			defer logging.Recover(s.log, "port-"+strconv.Itoa(port), func(any) { s.Stop() })

			ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
			if err == nil {
				lns[i] = ln.(*net.TCPListener)
			}
			errs[i] = err
			bound.Done()

			select {
			case <-ready:
			case <-abort:
				if ln != nil {
					_ = ln.Close()
				}
				return
			}
			s.servePort(ctx, lns[i], port)
		}(i, port)
	}
	bound.Wait()

	if err := errors.Join(errs...); err != nil {
		close(abort)
		wg.Wait()
		return fmt.Errorf("bind ports: %w", err)
	}
	s.mu.Lock()
	for _, ln := range lns {
		s.addrs = append(s.addrs, ln.Addr())
	}
	s.mu.Unlock()

	s.log.Info("server ready", "ports", s.cfg.Ports, "root", s.cfg.WorkspaceRoot, "version", s.cfg.Version)
	if _, err := fmt.Fprintln(s.cfg.Ready, message.StartupSentinel); err != nil {
		s.log.Warn("announce readiness", logging.KeyError, err)
	}
	close(ready)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	wg.Wait()
	s.log.Info("server stopped")
	return nil
}

// Addrs returns the bound listener addresses once Run has announced
// readiness.
func (s *Server) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]net.Addr(nil), s.addrs...)
}

// Stop asks every port goroutine to exit at its next poll and cancels
// running requests.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		s.mu.Lock()
		cancel := s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
}

func (s *Server) servePort(ctx context.Context, ln *net.TCPListener, port int) {
	log := s.log.With(logging.KeyPort, port)
	defer ln.Close()

	nc, err := s.acceptOne(ln)
	if err != nil {
		if !s.stopped.Load() {
			log.Error("accept failed", logging.KeyError, err)
		}
		return
	}
	// One connection per port; nobody else may connect.
	_ = ln.Close()

	conn := wire.NewConn(nc, s.cfg.Codec)
	defer conn.Close()
	s.m.ChannelsOpen.Inc()
	defer s.m.ChannelsOpen.Dec()
	log.Info("channel connected", "remote_addr", conn.RemoteAddr().String())

	for !s.stopped.Load() {
		msg, err := conn.Recv(s.cfg.PollTimeout)
		switch {
		case errors.Is(err, wire.ErrWouldBlock):
			continue
		case errors.Is(err, io.EOF):
			log.Info("channel closed by peer")
			return
		case err != nil:
			log.Error("receive failed; closing channel", logging.KeyError, err)
			return
		}

		req, ok := msg.(message.Request)
		if !ok {
			if err := conn.Send(message.Errorf("expected a request, got %s", msg.Kind())); err != nil {
				log.Error("send failed", logging.KeyError, err)
				return
			}
			continue
		}
		if _, ok := req.(*message.TerminateRequest); ok {
			log.Info("terminate requested")
			if err := conn.Send(&message.TerminateResponse{Success: true}); err != nil {
				log.Warn("send terminate response", logging.KeyError, err)
			}
			s.Stop()
			return
		}

		resp := s.exec.Execute(ctx, req)
		if err := conn.Send(resp); err != nil {
			log.Error("send failed", logging.KeyError, err)
			return
		}
	}
}

// acceptOne waits for the single connection of a port, checking the stop
// flag every AcceptPoll.
func (s *Server) acceptOne(ln *net.TCPListener) (net.Conn, error) {
	for {
		if s.stopped.Load() {
			return nil, net.ErrClosed
		}
		if err := ln.SetDeadline(time.Now().Add(s.cfg.AcceptPoll)); err != nil {
			return nil, err
		}
		nc, err := ln.Accept()
		if err == nil {
			return nc, nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			continue
		}
		return nil, err
	}
}
