package tunnel

import (
	"context"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/antonkrylov/xremote/internal/logging"
	"github.com/antonkrylov/xremote/internal/message"
	"github.com/antonkrylov/xremote/internal/metrics"
	"github.com/antonkrylov/xremote/internal/wire"
)

const sentinel = "test-remote: ready"

func isSentinel(line string) bool { return line == sentinel }

func noRemote(clientPorts, serverPorts []int) []string { return nil }

func testCodec(t *testing.T) *wire.Codec {
	t.Helper()
	c, err := message.NewCodec()
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func shTransport(script string, launches *atomic.Int32) Transport {
	return func(clientPorts, serverPorts []int, remote []string) *exec.Cmd {
		if launches != nil {
			launches.Add(1)
		}
		return exec.Command("sh", "-c", script)
	}
}

func newManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	if cfg.Codec == nil {
		cfg.Codec = testCodec(t)
	}
	if cfg.Channels == 0 {
		cfg.Channels = 2
	}
	cfg.Logger = logging.NopLogger()
	m, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return m
}

func TestStart_RetriesFiveTimesThenFails(t *testing.T) {
	var launches atomic.Int32
	met := metrics.New()
	m := newManager(t, Config{
		Transport: shTransport("echo booting; echo 'bind: address in use' >&2; exit 3", &launches),
		Metrics:   met,
	})

	err := m.Start(context.Background(), noRemote, isSentinel, func(context.Context, int, *wire.Conn) {
		t.Errorf("handler must not run")
	})
	require.ErrorIs(t, err, ErrTunnelStartup)

	var serr *StartupError
	require.ErrorAs(t, err, &serr)
	require.Len(t, serr.Attempts, DefaultAttempts)
	require.EqualValues(t, DefaultAttempts, launches.Load())
	for i, a := range serr.Attempts {
		require.Equal(t, i+1, a.Number)
		require.Equal(t, time.Duration((i+1)*2+1)*time.Second, a.Timeout)
		if i > 0 {
			require.Greater(t, a.Timeout, serr.Attempts[i-1].Timeout)
		}
		require.Contains(t, a.Stdout, "booting")
		require.Contains(t, a.Stderr, "address in use")
		require.Contains(t, a.Err.Error(), "exit status 3")
	}
	require.Contains(t, serr.Diagnostics(), "attempt 5 (timeout 11s)")
	require.Equal(t, Failed, m.State())
	require.Equal(t, 0, m.Live())
	require.Equal(t, float64(DefaultAttempts), testutil.ToFloat64(met.TunnelStartAttempts.WithLabelValues("failed")))
}

func TestStart_AttemptTimeout(t *testing.T) {
	var launches atomic.Int32
	m := newManager(t, Config{
		Transport:      shTransport("echo waiting; exec sleep 30", &launches),
		Attempts:       2,
		AttemptTimeout: func(k int) time.Duration { return time.Duration(k) * 100 * time.Millisecond },
	})

	start := time.Now()
	err := m.Start(context.Background(), noRemote, isSentinel, func(context.Context, int, *wire.Conn) {})
	require.ErrorIs(t, err, errAttemptTimeout)
	require.Less(t, time.Since(start), 5*time.Second)
	require.EqualValues(t, 2, launches.Load())
}

func TestStart_ContextCancelled(t *testing.T) {
	m := newManager(t, Config{Transport: shTransport("exec sleep 30", nil)})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := m.Start(ctx, noRemote, isSentinel, func(context.Context, int, *wire.Conn) {})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, Terminated, m.State())
}

// echoForward stands in for ssh -L: it listens on the client ports itself
// and answers every shell request with the joined argv.
type echoForward struct {
	codec *wire.Codec
	mu    sync.Mutex
	lns   []net.Listener
}

func (f *echoForward) transport(script string) Transport {
	return func(clientPorts, serverPorts []int, remote []string) *exec.Cmd {
		for _, p := range clientPorts {
			ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(p)))
			if err != nil {
				continue
			}
			f.mu.Lock()
			f.lns = append(f.lns, ln)
			f.mu.Unlock()
			go f.serve(ln)
		}
		return exec.Command("sh", "-c", script)
	}
}

func (f *echoForward) serve(ln net.Listener) {
	nc, err := ln.Accept()
	if err != nil {
		return
	}
	conn := wire.NewConn(nc, f.codec)
	defer conn.Close()
	for {
		msg, err := conn.Recv(0)
		if err != nil {
			return
		}
		req := msg.(*message.ShellRequest)
		_ = conn.Send(&message.ShellResponse{Stdout: strings.Join(req.Cmd, " ")})
	}
}

func (f *echoForward) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ln := range f.lns {
		_ = ln.Close()
	}
}

func TestStart_EstablishesAndRunsHandlers(t *testing.T) {
	codec := testCodec(t)
	fwd := &echoForward{codec: codec}
	defer fwd.close()

	var downs atomic.Int32
	m := newManager(t, Config{
		Channels:      3,
		Codec:         codec,
		Transport:     fwd.transport("echo banner; echo '" + sentinel + "'; exec sleep 60"),
		OnChannelDown: func(int, int) { downs.Add(1) },
	})

	var built [][]int
	build := func(clientPorts, serverPorts []int) []string {
		built = append(built, append(append([]int(nil), clientPorts...), serverPorts...))
		return []string{"xremote-server"}
	}

	var mu sync.Mutex
	replies := map[int]string{}
	done := make(chan struct{}, 3)
	err := m.Start(context.Background(), build, isSentinel, func(ctx context.Context, index int, conn *wire.Conn) {
		defer func() { done <- struct{}{} }()
		if err := conn.Send(&message.ShellRequest{Cmd: []string{"echo", strconv.Itoa(index)}}); err != nil {
			t.Errorf("send: %v", err)
			return
		}
		msg, err := conn.Recv(2 * time.Second)
		if err != nil {
			t.Errorf("recv: %v", err)
			return
		}
		mu.Lock()
		replies[index] = msg.(*message.ShellResponse).Stdout
		mu.Unlock()
		<-ctx.Done()
	})
	require.NoError(t, err)
	require.Equal(t, Established, m.State())
	require.Len(t, built, 1)

	clientPorts, serverPorts := m.Ports()
	require.Len(t, clientPorts, 3)
	require.Len(t, serverPorts, 3)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(replies) == 3
	}, 5*time.Second, 20*time.Millisecond)
	for i := 0; i < 3; i++ {
		require.Equal(t, "echo "+strconv.Itoa(i), replies[i])
	}

	m.Stop()
	require.Equal(t, Terminated, m.State())
	require.Equal(t, 0, m.Live())
	require.EqualValues(t, 3, downs.Load())
	require.Len(t, done, 3)

	require.Error(t, m.Start(context.Background(), build, isSentinel, nil), "nil handler is rejected")
}

func TestStart_AlreadyRunning(t *testing.T) {
	codec := testCodec(t)
	fwd := &echoForward{codec: codec}
	defer fwd.close()
	m := newManager(t, Config{Channels: 1, Codec: codec, Transport: fwd.transport("echo '" + sentinel + "'; exec sleep 60")})

	handler := func(ctx context.Context, _ int, _ *wire.Conn) { <-ctx.Done() }
	require.NoError(t, m.Start(context.Background(), noRemote, isSentinel, handler))
	require.ErrorIs(t, m.Start(context.Background(), noRemote, isSentinel, handler), ErrAlreadyRunning)
}

func TestTransportDeathMarksFailed(t *testing.T) {
	codec := testCodec(t)
	fwd := &echoForward{codec: codec}
	defer fwd.close()
	m := newManager(t, Config{
		Channels:  1,
		Codec:     codec,
		Transport: fwd.transport("echo '" + sentinel + "'; sleep 0.3; exit 1"),
	})

	require.NoError(t, m.Start(context.Background(), noRemote, isSentinel, func(ctx context.Context, _ int, _ *wire.Conn) {
		<-ctx.Done()
	}))
	require.Eventually(t, func() bool { return m.State() == Failed }, 5*time.Second, 20*time.Millisecond)

	m.Stop()
	require.Equal(t, Failed, m.State(), "stop keeps the failure visible")
}

func TestHandlerExitDegrades(t *testing.T) {
	codec := testCodec(t)
	fwd := &echoForward{codec: codec}
	defer fwd.close()

	lives := make(chan int, 2)
	m := newManager(t, Config{
		Channels:      2,
		Codec:         codec,
		Transport:     fwd.transport("echo '" + sentinel + "'; exec sleep 60"),
		OnChannelDown: func(_ int, live int) { lives <- live },
	})
	require.NoError(t, m.Start(context.Background(), noRemote, isSentinel, func(ctx context.Context, index int, _ *wire.Conn) {
		if index == 0 {
			return
		}
		<-ctx.Done()
	}))

	select {
	case live := <-lives:
		require.Equal(t, 1, live)
	case <-time.After(5 * time.Second):
		t.Fatal("channel 0 never reported down")
	}
	require.Equal(t, Degraded, m.State())
	require.Equal(t, 1, m.Live())
}

func TestStop_KillsTransportIgnoringInterrupt(t *testing.T) {
	codec := testCodec(t)
	fwd := &echoForward{codec: codec}
	defer fwd.close()
	m := newManager(t, Config{
		Channels:    1,
		Codec:       codec,
		Transport:   fwd.transport("trap '' INT; echo '" + sentinel + "'; while :; do sleep 0.1; done"),
		StopTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, m.Start(context.Background(), noRemote, isSentinel, func(ctx context.Context, _ int, _ *wire.Conn) {
		<-ctx.Done()
	}))

	start := time.Now()
	m.Stop()
	require.Less(t, time.Since(start), 8*time.Second)
	require.Equal(t, Terminated, m.State())
}

func TestNew_Validation(t *testing.T) {
	codec := testCodec(t)
	_, err := New(Config{Codec: codec, Transport: shTransport("true", nil)})
	require.Error(t, err)
	_, err = New(Config{Channels: 1, Transport: shTransport("true", nil)})
	require.Error(t, err)
	_, err = New(Config{Channels: 1, Codec: codec})
	require.Error(t, err)
}

func TestConfig_StartupBudget(t *testing.T) {
	require.Equal(t, 45*time.Second, Config{}.StartupBudget(), "3+5+7+9+11s of attempts plus the dial")
	require.Equal(t, 2*time.Second+500*time.Millisecond, Config{
		Attempts:       2,
		AttemptTimeout: func(int) time.Duration { return time.Second },
		DialTimeout:    500 * time.Millisecond,
	}.StartupBudget())
}
