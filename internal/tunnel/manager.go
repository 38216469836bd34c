// Package tunnel brings up a port-forwarding transport process (normally
// ssh -L) and hands one framed channel per forwarded port to a handler.
package tunnel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/antonkrylov/xremote/internal/logging"
	"github.com/antonkrylov/xremote/internal/metrics"
	"github.com/antonkrylov/xremote/internal/wire"
)

const (
	DefaultAttempts    = 5
	DefaultStopTimeout = 10 * time.Second
	DefaultDialTimeout = 10 * time.Second

	outputTail = 64 << 10
)

// BuildCommand returns the remote command the transport should run once the
// forwards are in place.
type BuildCommand func(clientPorts, serverPorts []int) []string

// VerifyStarted reports whether a stdout line from the transport is the
// remote side's startup sentinel.
type VerifyStarted func(line string) bool

// Handler serves one forwarded channel. It runs until it returns; the
// connection is closed afterwards. ctx is cancelled by Stop.
type Handler func(ctx context.Context, index int, conn *wire.Conn)

// Config configures a Manager. Channels, Codec and Transport are required.
type Config struct {
	Channels  int
	Codec     *wire.Codec
	Transport Transport

	Attempts       int                           // default 5
	AttemptTimeout func(attempt int) time.Duration // default attempt*2+1 seconds
	StopTimeout    time.Duration                 // default 10s
	DialTimeout    time.Duration                 // default 10s

	// OnChannelDown is called after a channel's handler has returned (or
	// its dial failed) with the number of channels still live.
	OnChannelDown func(index, live int)

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func defaultAttemptTimeout(attempt int) time.Duration {
	return time.Duration(attempt*2+1) * time.Second
}

// StartupBudget is the longest a session can take to become usable: every
// attempt timed out in turn, then a full channel dial.
func (c Config) StartupBudget() time.Duration {
	attempts, timeout, dial := c.Attempts, c.AttemptTimeout, c.DialTimeout
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	if timeout == nil {
		timeout = defaultAttemptTimeout
	}
	if dial <= 0 {
		dial = DefaultDialTimeout
	}
	var total time.Duration
	for k := 1; k <= attempts; k++ {
		total += timeout(k)
	}
	return total + dial
}

// Manager owns one tunnel session: the transport process and the handler
// goroutine of every forwarded channel.
type Manager struct {
	cfg Config
	log *slog.Logger
	m   *metrics.Metrics

	intn func(int) int

	mu          sync.Mutex
	state       State
	proc        *process
	clientPorts []int
	serverPorts []int
	cancel      context.CancelFunc
	stopping    bool

	live atomic.Int32
	wg   sync.WaitGroup
}

func New(cfg Config) (*Manager, error) {
	if cfg.Channels <= 0 {
		return nil, fmt.Errorf("tunnel: channels must be positive, got %d", cfg.Channels)
	}
	if cfg.Codec == nil {
		return nil, fmt.Errorf("tunnel: codec is required")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("tunnel: transport is required")
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.AttemptTimeout == nil {
		cfg.AttemptTimeout = defaultAttemptTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = logging.NopLogger()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Manager{
		cfg:  cfg,
		log:  log.With(logging.KeyComponent, "tunnel"),
		m:    m,
		intn: rand.IntN,
	}, nil
}

func (t *Manager) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Ports returns the local and remote port of every channel, index aligned.
// Both are nil before ports are allocated.
func (t *Manager) Ports() (client, server []int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]int(nil), t.clientPorts...), append([]int(nil), t.serverPorts...)
}

// Live reports the channels whose handler has not returned yet.
func (t *Manager) Live() int { return int(t.live.Load()) }

func (t *Manager) setState(s State) {
	t.mu.Lock()
	t.setStateLocked(s)
	t.mu.Unlock()
}

func (t *Manager) setStateLocked(s State) {
	if t.state == s {
		return
	}
	t.log.Debug("tunnel state", "from", t.state.String(), "to", s.String())
	t.state = s
	t.m.TunnelState.Set(float64(s))
}

// Start reserves the local ports, launches the transport and, once
// verifyStarted accepts a stdout line, runs handler once per channel. It
// blocks until the transport is verified or every attempt has failed, in
// which case the error is a *StartupError.
func (t *Manager) Start(ctx context.Context, build BuildCommand, verify VerifyStarted, handler Handler) error {
	if build == nil || verify == nil || handler == nil {
		return fmt.Errorf("tunnel: build, verify and handler are required")
	}
	t.mu.Lock()
	if t.state.running() {
		t.mu.Unlock()
		return ErrAlreadyRunning
	}
	t.stopping = false
	t.proc = nil
	t.clientPorts, t.serverPorts = nil, nil
	t.mu.Unlock()

	n := t.cfg.Channels
	type reservation struct {
		index int
		port  int
		err   error
	}
	reserved := make(chan reservation, n)
	allReserved := make(chan struct{})
	release := make(chan struct{})
	abort := make(chan struct{})
	var freed sync.WaitGroup
	freed.Add(n)

	hctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	t.live.Store(int32(n))
	clientPorts := make([]int, n)
	for i := 0; i < n; i++ {
		t.wg.Add(1)
		go func(index int) {
			defer t.wg.Done()
			defer t.channelDown(index)
			defer logging.Recover(t.log, "channel-"+strconv.Itoa(index), nil)

			ln, port, err := reservePort()
			reserved <- reservation{index: index, port: port, err: err}
			if err == nil {
				<-allReserved
				_ = ln.Close()
			}
			freed.Done()
			if err != nil {
				return
			}

			select {
			case <-release:
			case <-abort:
				return
			case <-hctx.Done():
				return
			}
			t.runChannel(hctx, index, port, handler)
		}(i)
	}

	var reserveErr error
	for i := 0; i < n; i++ {
		r := <-reserved
		if r.err != nil && reserveErr == nil {
			reserveErr = r.err
		}
		clientPorts[r.index] = r.port
	}
	close(allReserved)
	freed.Wait()

	fail := func(state State, err error) error {
		close(abort)
		t.setState(state)
		cancel()
		t.wg.Wait()
		return err
	}
	if reserveErr != nil {
		return fail(Failed, reserveErr)
	}
	t.mu.Lock()
	t.clientPorts = clientPorts
	t.setStateLocked(PortsAllocated)
	t.mu.Unlock()
	t.log.Info("local ports reserved", "ports", clientPorts)

	var attempts []Attempt
	for k := 1; k <= t.cfg.Attempts; k++ {
		if err := ctx.Err(); err != nil {
			return fail(Terminated, err)
		}
		serverPorts, err := pickServerPorts(n, clientPorts, t.intn)
		if err != nil {
			return fail(Failed, err)
		}
		if k == 1 {
			t.setState(Connecting)
		} else {
			t.setState(Retrying)
		}
		timeout := t.cfg.AttemptTimeout(k)
		t.log.Info("launching transport",
			logging.KeyAttempt, k,
			"timeout", timeout,
			"client_ports", clientPorts,
			"server_ports", serverPorts)

		proc, err := t.launch(ctx, clientPorts, serverPorts, build(clientPorts, serverPorts), verify, timeout)
		if err == nil {
			t.m.TunnelStartAttempts.WithLabelValues("ok").Inc()
			if !t.established(proc, serverPorts) {
				proc.interrupt(t.cfg.StopTimeout)
				return fail(Terminated, errStoppedDuringStart)
			}
			close(release)
			return nil
		}

		t.m.TunnelStartAttempts.WithLabelValues("failed").Inc()
		a := Attempt{Number: k, Timeout: timeout, Err: err}
		if proc != nil {
			a.Stdout = proc.stdout.String()
			a.Stderr = proc.stderr.String()
		}
		attempts = append(attempts, a)
		t.log.Warn("transport did not start",
			logging.KeyAttempt, k,
			logging.KeyError, err,
			"stdout", a.Stdout,
			"stderr", a.Stderr)
		if ctx.Err() != nil {
			return fail(Terminated, ctx.Err())
		}
	}
	return fail(Failed, &StartupError{Attempts: attempts})
}

// established records the verified process. It reports false when Stop ran
// while the transport was starting.
func (t *Manager) established(p *process, serverPorts []int) bool {
	t.mu.Lock()
	if t.stopping {
		t.mu.Unlock()
		return false
	}
	t.proc = p
	t.serverPorts = serverPorts
	t.setStateLocked(Established)
	t.mu.Unlock()
	t.log.Info("tunnel established", "pid", p.cmd.Process.Pid, "server_ports", serverPorts)

	go func() {
		<-p.exited
		t.mu.Lock()
		stopping := t.stopping
		if !stopping {
			t.setStateLocked(Failed)
		}
		t.mu.Unlock()
		if !stopping {
			t.log.Error("transport exited unexpectedly",
				logging.KeyError, p.waitErr,
				"stderr", p.stderr.String())
		}
	}()
	return true
}

// runChannel dials the forwarded port and runs the handler on it.
func (t *Manager) runChannel(ctx context.Context, index, port int, handler Handler) {
	log := t.log.With(logging.KeyChannel, index, logging.KeyPort, port)
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	nc, err := dialRetry(ctx, addr, t.cfg.DialTimeout)
	if err != nil {
		log.Error("channel dial failed", logging.KeyError, err)
		return
	}
	conn := wire.NewConn(nc, t.cfg.Codec)
	defer conn.Close()

	t.m.ChannelsOpen.Inc()
	defer t.m.ChannelsOpen.Dec()
	log.Debug("channel connected")
	handler(ctx, index, conn)
	log.Debug("channel handler returned")
}

func (t *Manager) channelDown(index int) {
	live := int(t.live.Add(-1))
	t.mu.Lock()
	if !t.stopping && t.state == Established {
		t.setStateLocked(Degraded)
	}
	t.mu.Unlock()
	if t.cfg.OnChannelDown != nil {
		t.cfg.OnChannelDown(index, live)
	}
}

// Stop cancels the handlers' context, joins them, then interrupts the
// transport and waits for it to exit, killing it after StopTimeout. A
// non-zero exit is logged only.
func (t *Manager) Stop() {
	t.mu.Lock()
	if t.stopping {
		t.mu.Unlock()
		return
	}
	t.stopping = true
	cancel, p := t.cancel, t.proc
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.wg.Wait()

	t.mu.Lock()
	if t.state != Failed {
		t.setStateLocked(Terminated)
	}
	t.mu.Unlock()

	if p == nil {
		return
	}
	p.interrupt(t.cfg.StopTimeout)
	if p.waitErr != nil {
		t.log.Warn("transport exited with error", logging.KeyError, p.waitErr, "stderr", p.stderr.String())
	} else {
		t.log.Info("transport stopped")
	}
}

// launch starts one transport process and waits for the sentinel. On
// failure the returned process (if any) has exited and carries its output.
func (t *Manager) launch(ctx context.Context, clientPorts, serverPorts []int, remote []string, verify VerifyStarted, timeout time.Duration) (*process, error) {
	cmd := t.cfg.Transport(clientPorts, serverPorts, remote)
	p, err := startProcess(cmd, t.log)
	if err != nil {
		return nil, err
	}
	ready := p.watchStdout(verify)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ready:
		return p, nil
	case <-p.exited:
		<-p.scanned
		return p, fmt.Errorf("transport exited before startup: %v", p.exitDescription())
	case <-timer.C:
		p.kill()
		<-p.scanned
		return p, errAttemptTimeout
	case <-ctx.Done():
		p.kill()
		<-p.scanned
		return p, ctx.Err()
	}
}

// process is one running transport. waitErr is valid once exited is closed.
type process struct {
	cmd     *exec.Cmd
	log     *slog.Logger
	stdoutR *io.PipeReader
	stdout  *tailBuffer
	stderr  *tailBuffer

	exited  chan struct{}
	scanned chan struct{}
	waitErr error
}

func startProcess(cmd *exec.Cmd, log *slog.Logger) (*process, error) {
	pr, pw := io.Pipe()
	p := &process{
		cmd:     cmd,
		log:     log,
		stdoutR: pr,
		stdout:  newTailBuffer(outputTail),
		stderr:  newTailBuffer(outputTail),
		exited:  make(chan struct{}),
		scanned: make(chan struct{}),
	}
	cmd.Stdout = pw
	cmd.Stderr = p.stderr
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 2 * time.Second
	}
	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		return nil, fmt.Errorf("start transport %s: %w", cmd.Path, err)
	}
	go func() {
		p.waitErr = cmd.Wait()
		_ = pw.Close()
		close(p.exited)
	}()
	return p, nil
}

// watchStdout drains stdout for the life of the process. The returned
// channel is closed on the first line verify accepts.
func (p *process) watchStdout(verify VerifyStarted) <-chan struct{} {
	ready := make(chan struct{})
	go func() {
		defer close(p.scanned)
		seen := false
		sc := bufio.NewScanner(p.stdoutR)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			line := sc.Text()
			p.stdout.WriteLine(line)
			if !seen && verify(line) {
				seen = true
				close(ready)
				continue
			}
			p.log.Debug("transport stdout", "line", line)
		}
		// Keep draining so the process never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, p.stdoutR)
	}()
	return ready
}

func (p *process) kill() {
	_ = p.cmd.Process.Kill()
	<-p.exited
}

// interrupt sends SIGINT and waits up to timeout before killing.
func (p *process) interrupt(timeout time.Duration) {
	select {
	case <-p.exited:
		return
	default:
	}
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		p.kill()
		return
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.exited:
	case <-timer.C:
		p.log.Warn("transport ignored interrupt; killing", "timeout", timeout)
		p.kill()
	}
}

func (p *process) exitDescription() string {
	var exitErr *exec.ExitError
	if errors.As(p.waitErr, &exitErr) {
		return fmt.Sprintf("exit status %d", exitErr.ExitCode())
	}
	if p.waitErr == nil {
		return "exit status 0"
	}
	return p.waitErr.Error()
}

// dialRetry connects to addr, retrying until the forward accepts or budget
// runs out.
func dialRetry(ctx context.Context, addr string, budget time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	var d net.Dialer
	for {
		attemptCtx, attemptCancel := context.WithTimeout(ctx, 500*time.Millisecond)
		c, err := d.DialContext(attemptCtx, "tcp", addr)
		attemptCancel()
		if err == nil {
			return c, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		case <-ticker.C:
		}
	}
}
