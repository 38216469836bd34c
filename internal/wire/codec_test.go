package wire

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type pingMsg struct {
	_msgpack struct{} `msgpack:",as_array"`
	Seq      int
	Note     string
	Data     []byte
}

func (*pingMsg) Kind() string { return "test.ping" }

type pongMsg struct {
	_msgpack struct{} `msgpack:",as_array"`
	Seq      int
}

func (*pongMsg) Kind() string { return "test.pong" }

type strayMsg struct{}

func (*strayMsg) Kind() string { return "test.stray" }

func testCodec(t *testing.T) *Codec {
	t.Helper()
	reg := NewRegistry()
	reg.MustRegister(func() Message { return new(pingMsg) })
	reg.MustRegister(func() Message { return new(pongMsg) })
	c, err := NewCodec(reg)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestCodec_RoundTrip(t *testing.T) {
	c := testCodec(t)
	in := &pingMsg{Seq: 7, Note: "hello", Data: bytes.Repeat([]byte("x"), 4096)}

	frame, err := c.Encode(in)
	require.NoError(t, err)
	require.Greater(t, len(frame), HeaderSize)

	out, err := c.Decode(frame)
	require.NoError(t, err)
	got, ok := out.(*pingMsg)
	require.True(t, ok, "decoded %T", out)
	require.Equal(t, in.Seq, got.Seq)
	require.Equal(t, in.Note, got.Note)
	require.Equal(t, in.Data, got.Data)
}

func TestCodec_HeaderIsFixedSize(t *testing.T) {
	c := testCodec(t)
	for _, msg := range []Message{&pongMsg{}, &pongMsg{Seq: 1 << 30}, &pingMsg{Note: "n"}} {
		frame, err := c.Encode(msg)
		require.NoError(t, err)
		h, err := decodeHeader(frame[:HeaderSize])
		require.NoError(t, err)
		require.Equal(t, len(frame)-HeaderSize, int(h.Length))
	}
}

// A length whose msgpack encoding ends in zero bytes must survive the
// padding check.
func TestCodec_HeaderTrailingZeroLength(t *testing.T) {
	hdr, err := encodeHeader(1, 0x100)
	require.NoError(t, err)
	h, err := decodeHeader(hdr)
	require.NoError(t, err)
	require.Equal(t, uint16(1), h.Tag)
	require.Equal(t, uint32(0x100), h.Length)
}

func TestCodec_UnregisteredTypeOnEncode(t *testing.T) {
	c := testCodec(t)
	_, err := c.Encode(&strayMsg{})
	require.ErrorIs(t, err, ErrUnknownType)
}

func TestCodec_UnknownTagOnDecode(t *testing.T) {
	c := testCodec(t)
	frame, err := c.Encode(&pongMsg{Seq: 1})
	require.NoError(t, err)
	hdr, err := encodeHeader(99, uint32(len(frame)-HeaderSize))
	require.NoError(t, err)
	copy(frame, hdr)

	_, err = c.Decode(frame)
	require.ErrorIs(t, err, ErrProtocol)
	require.ErrorIs(t, err, ErrUnknownType)
}

func TestCodec_MalformedFrames(t *testing.T) {
	c := testCodec(t)
	good, err := c.Encode(&pingMsg{Seq: 3})
	require.NoError(t, err)

	padded := append([]byte(nil), good...)
	padded[HeaderSize-1] = 0xff

	corrupt := append([]byte(nil), good...)
	for i := HeaderSize; i < len(corrupt); i++ {
		corrupt[i] ^= 0x5a
	}

	huge, err := encodeHeader(0, MaxFrameSize+1)
	require.NoError(t, err)

	trailing := append(append([]byte(nil), good...), 0x00)
	twoFrames := append(append([]byte(nil), good...), good...)

	cases := map[string][]byte{
		"short header":     good[:HeaderSize-3],
		"truncated body":   good[:len(good)-1],
		"non-zero padding": padded,
		"corrupt payload":  corrupt,
		"oversized length": huge,
		"trailing byte":    trailing,
		"two frames":       twoFrames,
	}
	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := c.Decode(frame)
			var perr *ProtocolError
			require.ErrorAs(t, err, &perr)
			require.ErrorIs(t, err, ErrProtocol)
		})
	}
}

func TestCodec_ReadFromClosedStream(t *testing.T) {
	c := testCodec(t)
	_, err := c.ReadFrom(bytes.NewReader(nil))
	require.ErrorIs(t, err, io.EOF)

	frame, err := c.Encode(&pongMsg{Seq: 2})
	require.NoError(t, err)
	_, err = c.ReadFrom(bytes.NewReader(frame[:HeaderSize+1]))
	require.ErrorIs(t, err, io.EOF)
}

func TestRegistry_TagsArePositional(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(func() Message { return new(pingMsg) })
	reg.MustRegister(func() Message { return new(pongMsg) })
	require.NoError(t, reg.Register(func() Message { return new(pingMsg) }))
	require.Equal(t, 2, reg.Len())

	for tag := uint16(0); tag < uint16(reg.Len()); tag++ {
		msg, err := reg.New(tag)
		require.NoError(t, err)
		back, err := reg.TagOf(msg)
		require.NoError(t, err)
		require.Equal(t, tag, back)
		require.Equal(t, msg.Kind(), reg.NameOf(tag))
	}

	other := NewRegistry()
	other.MustRegister(func() Message { return new(pongMsg) })
	other.MustRegister(func() Message { return new(pingMsg) })
	require.NotEqual(t, reg.Fingerprint(), other.Fingerprint())
}

type fakePing struct{}

func (*fakePing) Kind() string { return "test.ping" }

func TestRegistry_NameCollision(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(func() Message { return new(pingMsg) })
	err := reg.Register(func() Message { return new(fakePing) })
	require.Error(t, err)

	_, err = reg.TagOf(&fakePing{})
	require.ErrorIs(t, err, ErrUnknownType)
}

func TestConn_SendRecv(t *testing.T) {
	c := testCodec(t)
	a, b := tcpPair(t)
	ca, cb := NewConn(a, c), NewConn(b, c)

	require.NoError(t, ca.Send(&pingMsg{Seq: 42, Note: "over tcp"}))
	msg, err := cb.Recv(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, 42, msg.(*pingMsg).Seq)

	require.NoError(t, cb.Send(&pongMsg{Seq: 43}))
	msg, err = ca.Recv(0)
	require.NoError(t, err)
	require.Equal(t, 43, msg.(*pongMsg).Seq)
}

func TestConn_RecvTimeout(t *testing.T) {
	c := testCodec(t)
	a, b := tcpPair(t)
	ca, cb := NewConn(a, c), NewConn(b, c)

	start := time.Now()
	_, err := cb.Recv(2 * time.Second)
	elapsed := time.Since(start)
	require.ErrorIs(t, err, ErrWouldBlock)
	require.GreaterOrEqual(t, elapsed, 1900*time.Millisecond)
	require.Less(t, elapsed, 4*time.Second)

	// The channel stays usable after a timeout.
	require.NoError(t, ca.Send(&pongMsg{Seq: 1}))
	msg, err := cb.Recv(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, msg.(*pongMsg).Seq)
}

func TestConn_PeerClosed(t *testing.T) {
	c := testCodec(t)
	a, b := tcpPair(t)
	cb := NewConn(b, c)
	require.NoError(t, a.Close())

	_, err := cb.Recv(2 * time.Second)
	require.True(t, errors.Is(err, io.EOF), "err=%v", err)
}

func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- nc
	}()
	a, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	b, ok := <-accepted
	require.True(t, ok, "accept failed")
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}
