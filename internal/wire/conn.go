package wire

import (
	"bufio"
	"errors"
	"net"
	"os"
	"sync"
	"time"
)

// Conn is a framed duplex channel over a stream socket. Send may be called
// from several goroutines; frames are never interleaved. Recv is serialized.
type Conn struct {
	nc    net.Conn
	br    *bufio.Reader
	codec *Codec

	wmu sync.Mutex
	rmu sync.Mutex
}

func NewConn(nc net.Conn, codec *Codec) *Conn {
	return &Conn{nc: nc, br: bufio.NewReader(nc), codec: codec}
}

// Send encodes msg and writes it as a single frame.
func (c *Conn) Send(msg Message) error {
	frame, err := c.codec.Encode(msg)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.nc.Write(frame)
	return err
}

// Recv reads the next frame. With timeout > 0, ErrWouldBlock is returned when
// no byte of a new frame arrives in time; once a frame has started, Recv
// blocks until it is complete. io.EOF means the peer closed the channel.
func (c *Conn) Recv(timeout time.Duration) (Message, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	if timeout > 0 {
		if err := c.nc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, err
		}
		_, err := c.br.Peek(1)
		if derr := c.nc.SetReadDeadline(time.Time{}); derr != nil && err == nil {
			err = derr
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return nil, ErrWouldBlock
			}
			return nil, closedOr(err)
		}
	}
	return c.codec.ReadFrom(c.br)
}

func (c *Conn) Close() error { return c.nc.Close() }

func (c *Conn) LocalAddr() net.Addr { return c.nc.LocalAddr() }

func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }
