// Package client implements the local side of xremote: the client daemon that
// owns the tunnel and the request queue, and the helpers interactive commands
// use to talk to it.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/antonkrylov/xremote/internal/logging"
	"github.com/antonkrylov/xremote/internal/message"
	"github.com/antonkrylov/xremote/internal/metrics"
	"github.com/antonkrylov/xremote/internal/tunnel"
	"github.com/antonkrylov/xremote/internal/wire"
	"github.com/antonkrylov/xremote/internal/workspace"
)

const (
	DefaultPollInterval   = time.Second
	DefaultControlTimeout = 5 * time.Second
	DefaultQueueSize      = 64

	drainPoll = 50 * time.Millisecond
)

// ErrDaemonRunning is returned by Run when another daemon already answers on
// the workspace's port file or is still starting up.
var ErrDaemonRunning = errors.New("client daemon already running for workspace")

// State is the client daemon lifecycle.
type State int32

const (
	Starting State = iota
	Listening
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Listening:
		return "listening"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// Remote describes how the server daemon is invoked on the remote host.
type Remote struct {
	Bin       string
	Workspace string
	Root      string
	LogLevel  string
}

// Command returns the remote argv for the given server ports. The command
// runs under a login shell so the remote PATH and ~ resolve as in an
// interactive session.
func (r Remote) Command(serverPorts []int, fingerprint string) []string {
	bin := r.Bin
	if bin == "" {
		bin = DefaultRemoteBin
	}
	if rest, ok := strings.CutPrefix(bin, "~/"); ok {
		bin = `"$HOME"/` + tunnel.ShellQuote(rest)
	} else {
		bin = tunnel.ShellQuote(bin)
	}
	ports := make([]string, len(serverPorts))
	for i, p := range serverPorts {
		ports[i] = strconv.Itoa(p)
	}
	level := r.LogLevel
	if level == "" {
		level = "info"
	}
	script := fmt.Sprintf("exec %s --workspace %s --ports %s --level %s --registry %s",
		bin, tunnel.ShellQuote(r.Workspace), strings.Join(ports, ","), tunnel.ShellQuote(level), fingerprint)
	if r.Root != "" {
		script += " --root " + tunnel.ShellQuote(r.Root)
	}
	return []string{"bash", "-lc", tunnel.ShellQuote(script)}
}

// Config configures a Daemon. Workspace, Codec and Transport are required.
type Config struct {
	Workspace *workspace.Workspace
	Codec     *wire.Codec
	Transport tunnel.Transport
	Remote    Remote
	Channels  int // default 2

	RequestTimeout time.Duration // default 5m
	PollInterval   time.Duration // default 1s
	ControlTimeout time.Duration // default 5s
	QueueSize      int           // default 64

	// Tunnel tunes the tunnel manager. Channels, Codec, Transport,
	// OnChannelDown, Logger and Metrics are filled in by the daemon.
	Tunnel tunnel.Config

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Daemon is the long-lived client process for one workspace. It owns the
// tunnel session, the request queue and the local control socket.
type Daemon struct {
	cfg Config
	log *slog.Logger
	m   *metrics.Metrics

	tun *tunnel.Manager
	q   *queue

	state  atomic.Int32
	finish chan struct{}
	once   sync.Once
	rr     atomic.Uint32

	mu    sync.Mutex
	ln    net.Listener
	stops []*atomic.Bool
	conns sync.WaitGroup
}

func NewDaemon(cfg Config) (*Daemon, error) {
	if cfg.Workspace == nil {
		return nil, fmt.Errorf("client: workspace is required")
	}
	if cfg.Codec == nil {
		return nil, fmt.Errorf("client: codec is required")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("client: transport is required")
	}
	if cfg.Channels <= 0 {
		cfg.Channels = DefaultChannels
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ControlTimeout <= 0 {
		cfg.ControlTimeout = DefaultControlTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	log := cfg.Logger
	if log == nil {
		log = logging.NopLogger()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}

	d := &Daemon{
		cfg:    cfg,
		log:    log.With(logging.KeyComponent, "client", logging.KeyWorkspace, cfg.Workspace.Name),
		m:      m,
		q:      newQueue(cfg.QueueSize),
		finish: make(chan struct{}),
	}

	tcfg := cfg.Tunnel
	tcfg.Channels = cfg.Channels
	tcfg.Codec = cfg.Codec
	tcfg.Transport = cfg.Transport
	tcfg.OnChannelDown = d.channelDown
	tcfg.Logger = log
	tcfg.Metrics = m
	tun, err := tunnel.New(tcfg)
	if err != nil {
		return nil, err
	}
	d.tun = tun
	return d, nil
}

func (d *Daemon) State() State { return State(d.state.Load()) }

func (d *Daemon) setState(s State) {
	d.state.Store(int32(s))
	d.log.Debug("daemon state", "state", s.String())
}

// Tunnel exposes the tunnel session, mostly for status reporting.
func (d *Daemon) Tunnel() *tunnel.Manager { return d.tun }

// ControlAddr returns the control socket address once the daemon is
// listening.
func (d *Daemon) ControlAddr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ln == nil {
		return nil
	}
	return d.ln.Addr()
}

// Finish asks the daemon to drain and stop. It is safe to call more than
// once and from any goroutine.
func (d *Daemon) Finish() {
	d.once.Do(func() { close(d.finish) })
}

// Run brings up the tunnel, publishes the control port and serves until
// Finish is called or ctx is done. It then drains outstanding requests and
// returns once the tunnel is stopped and the port file removed. A tunnel
// startup failure is returned as is (see tunnel.StartupError).
func (d *Daemon) Run(ctx context.Context) error {
	ws := d.cfg.Workspace
	d.setState(Starting)
	defer d.setState(Stopped)

	if err := ws.Ensure(); err != nil {
		return err
	}
	if running(ws) {
		return ErrDaemonRunning
	}
	if err := ws.Claim(); err != nil {
		if errors.Is(err, workspace.ErrStarting) {
			return ErrDaemonRunning
		}
		return err
	}
	defer func() {
		if err := ws.Release(); err != nil {
			d.log.Warn("release workspace claim", logging.KeyError, err)
		}
	}()

	fingerprint := d.cfg.Codec.Registry().Fingerprint()
	build := func(_, serverPorts []int) []string {
		return d.cfg.Remote.Command(serverPorts, fingerprint)
	}
	verify := func(line string) bool { return strings.TrimSpace(line) == message.StartupSentinel }
	if err := d.tun.Start(ctx, build, verify, d.handleChannel); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		d.tun.Stop()
		return fmt.Errorf("listen control socket: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	if err := ws.WritePort(port); err != nil {
		_ = ln.Close()
		d.tun.Stop()
		return err
	}
	d.mu.Lock()
	d.ln = ln
	d.mu.Unlock()

	clientPorts, serverPorts := d.tun.Ports()
	d.log.Info("client daemon listening",
		logging.KeyPort, port,
		logging.KeyHost, ws.Host,
		"path", ws.Path,
		"client_ports", clientPorts,
		"server_ports", serverPorts)
	d.setState(Listening)

	go func() {
		select {
		case <-d.finish:
		case <-ctx.Done():
			d.log.Info("shutdown requested", logging.KeyError, ctx.Err())
		}
		_ = ln.Close()
	}()
	d.acceptLoop(ctx, ln)

	d.drain()
	return nil
}

func (d *Daemon) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				d.log.Error("control accept failed", logging.KeyError, err)
			}
			return
		}
		d.conns.Add(1)
		go func() {
			defer d.conns.Done()
			defer logging.Recover(d.log, "control", nil)
			d.serveControl(ctx, nc)
		}()
	}
}

// drain runs the Draining and Stopped phases.
func (d *Daemon) drain() {
	d.setState(Draining)
	d.log.Info("draining", "pending", d.q.pending.Load(), "active", d.q.active.Load())

	d.conns.Wait()
	if err := d.q.push(context.Background(), &job{req: &message.TerminateRequest{}, enqueued: time.Now()}, d.cfg.PollInterval); err != nil {
		d.log.Warn("enqueue shutdown marker", logging.KeyError, err)
	}
	for !d.q.idle() {
		if d.tun.Live() == 0 {
			d.failPending("no live channel")
			break
		}
		time.Sleep(drainPoll)
	}

	d.mu.Lock()
	for _, stop := range d.stops {
		stop.Store(true)
	}
	d.mu.Unlock()
	d.tun.Stop()

	if err := d.cfg.Workspace.RemovePortFile(); err != nil {
		d.log.Warn("remove port file", logging.KeyError, err)
	}
	d.log.Info("client daemon stopped", "tunnel", d.tun.State().String())
}

// Submit enqueues a remote-bound request and waits for its response. Every
// failure is reported as an ErrorResponse.
func (d *Daemon) Submit(ctx context.Context, req message.Request) message.Response {
	if d.tun.Live() == 0 {
		return message.Errorf("no live channel to %s", d.cfg.Workspace.Host)
	}
	j := newJob(req)
	if err := d.q.push(ctx, j, d.cfg.RequestTimeout); err != nil {
		return message.Errorf("enqueue %s: %v", req.Kind(), err)
	}
	d.m.QueueDepth.Set(float64(d.q.pending.Load()))
	d.log.Debug("request queued", logging.KeyJob, j.id.String(), logging.KeyKind, req.Kind())

	timer := time.NewTimer(d.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case resp := <-j.reply:
		return resp
	case <-timer.C:
		d.log.Warn("request timed out", logging.KeyJob, j.id.String(), logging.KeyKind, req.Kind())
		return message.Errorf("no response to %s within %s", req.Kind(), d.cfg.RequestTimeout)
	case <-ctx.Done():
		return message.Errorf("daemon shutting down: %v", ctx.Err())
	}
}

// nextClientPort hands out the local forwarded ports round-robin.
func (d *Daemon) nextClientPort() int {
	ports, _ := d.tun.Ports()
	if len(ports) == 0 {
		return 0
	}
	i := d.rr.Add(1) - 1
	return ports[int(i%uint32(len(ports)))]
}

func (d *Daemon) channelDown(index, live int) {
	d.log.Warn("channel down", logging.KeyChannel, index, "live", live)
	if live == 0 && d.State() != Stopped {
		d.failPending("all channels closed")
	}
}

func (d *Daemon) failPending(reason string) {
	for _, j := range d.q.drain() {
		if j.marker() {
			continue
		}
		d.log.Warn("request dropped", logging.KeyJob, j.id.String(), logging.KeyKind, j.req.Kind(), "reason", reason)
		j.deliver(message.Errorf("%s dropped: %s", j.req.Kind(), reason))
	}
	d.m.QueueDepth.Set(float64(d.q.pending.Load()))
}

func (d *Daemon) registerStop() *atomic.Bool {
	stop := new(atomic.Bool)
	d.mu.Lock()
	d.stops = append(d.stops, stop)
	d.mu.Unlock()
	return stop
}

// running reports whether a daemon answers on the workspace's port file.
func running(ws *workspace.Workspace) bool {
	port, err := ws.ReadPort()
	if err != nil {
		return false
	}
	nc, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), time.Second)
	if err != nil {
		return false
	}
	_ = nc.Close()
	return true
}
