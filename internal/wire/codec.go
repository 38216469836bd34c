// Package wire implements the framed message protocol spoken between the
// client daemon, interactive clients and the server daemon.
//
// A frame is a 16-byte header followed by a compressed payload:
//
//	header  [16 bytes] - msgpack array [tag, length], zero padded
//	payload [length]   - zstd-compressed msgpack encoding of the message
//
// The length is the compressed payload size. Message fields are encoded in
// declaration order (msgpack ",as_array" structs), so the Go struct layout is
// part of the protocol.
package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	// HeaderSize is the fixed size of every frame header.
	HeaderSize = 16

	// MaxFrameSize bounds both the compressed and decompressed payload.
	MaxFrameSize = 64 << 20
)

type header struct {
	_msgpack struct{} `msgpack:",as_array"`
	Tag      uint16
	Length   uint32
}

// Codec encodes and decodes frames for the variants in a Registry. A Codec
// is safe for concurrent use.
type Codec struct {
	reg *Registry
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func NewCodec(reg *Registry) (*Codec, error) {
	if reg == nil {
		return nil, fmt.Errorf("codec: registry is required")
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("codec: zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(0),
		zstd.WithDecoderMaxMemory(MaxFrameSize),
	)
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("codec: zstd decoder: %w", err)
	}
	return &Codec{reg: reg, enc: enc, dec: dec}, nil
}

// Registry returns the registry the codec resolves tags with.
func (c *Codec) Registry() *Registry { return c.reg }

// Close releases the compressor state.
func (c *Codec) Close() {
	_ = c.enc.Close()
	c.dec.Close()
}

// Encode returns the complete frame for msg.
func (c *Codec) Encode(msg Message) ([]byte, error) {
	tag, err := c.reg.TagOf(msg)
	if err != nil {
		return nil, err
	}
	raw, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	if len(raw) > MaxFrameSize {
		return nil, fmt.Errorf("encode %s: %w", msg.Kind(), ErrFrameTooLarge)
	}
	payload := c.enc.EncodeAll(raw, nil)
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("encode %s: %w", msg.Kind(), ErrFrameTooLarge)
	}
	hdr, err := encodeHeader(tag, uint32(len(payload)))
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, HeaderSize+len(payload))
	frame = append(frame, hdr...)
	frame = append(frame, payload...)
	return frame, nil
}

// Decode parses a single complete frame.
func (c *Codec) Decode(frame []byte) (Message, error) {
	r := bytes.NewReader(frame)
	msg, err := c.ReadFrom(r)
	if errors.Is(err, io.EOF) {
		return nil, protocolErr("decode", io.ErrUnexpectedEOF)
	}
	if err != nil {
		return nil, err
	}
	if n := r.Len(); n > 0 {
		return nil, protocolErr("decode", fmt.Errorf("%d trailing bytes after frame", n))
	}
	return msg, nil
}

// ReadFrom reads exactly one frame from r. A stream that ends before the
// frame is complete reports io.EOF: the peer went away.
func (c *Codec) ReadFrom(r io.Reader) (Message, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, closedOr(err)
	}
	h, err := decodeHeader(hdr[:])
	if err != nil {
		return nil, err
	}
	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, closedOr(err)
	}
	return c.decodePayload(h.Tag, payload)
}

func (c *Codec) decodePayload(tag uint16, payload []byte) (Message, error) {
	msg, err := c.reg.New(tag)
	if err != nil {
		return nil, protocolErr("resolve tag", err)
	}
	raw, err := c.dec.DecodeAll(payload, nil)
	if err != nil {
		return nil, protocolErr("decompress "+msg.Kind(), err)
	}
	if err := msgpack.Unmarshal(raw, msg); err != nil {
		return nil, protocolErr("unmarshal "+msg.Kind(), err)
	}
	return msg, nil
}

func encodeHeader(tag uint16, length uint32) ([]byte, error) {
	b, err := msgpack.Marshal(&header{Tag: tag, Length: length})
	if err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	if len(b) > HeaderSize {
		return nil, fmt.Errorf("encode header: %d bytes exceeds %d", len(b), HeaderSize)
	}
	out := make([]byte, HeaderSize)
	copy(out, b)
	return out, nil
}

// decodeHeader reads one msgpack value and requires the rest of the header
// to be zero padding.
func decodeHeader(b []byte) (header, error) {
	var h header
	if len(b) != HeaderSize {
		return h, protocolErr("header", fmt.Errorf("got %d bytes, want %d", len(b), HeaderSize))
	}
	r := bytes.NewReader(b)
	if err := msgpack.NewDecoder(r).Decode(&h); err != nil {
		return h, protocolErr("header", err)
	}
	for _, pad := range b[HeaderSize-r.Len():] {
		if pad != 0 {
			return h, protocolErr("header", errors.New("non-zero padding"))
		}
	}
	if h.Length > MaxFrameSize {
		return h, protocolErr("header", fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, h.Length))
	}
	return h, nil
}

func closedOr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return io.EOF
	}
	return err
}
