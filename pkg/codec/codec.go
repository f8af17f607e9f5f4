// Package codec serializes packets to length-prefixed frames:
//
//	[4-byte big-endian length][zlib-compressed JSON body]
//
// The length covers the compressed body only. Frame boundaries come solely
// from the length field; use FrameReader or ReadPacket on streams.
package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/zlib"

	"github.com/morezero/peer-rpc/pkg/packet"
	"github.com/morezero/peer-rpc/pkg/rpcerr"
)

// HeaderSize is the size of the length prefix.
const HeaderSize = 4

// MaxFrameSize is the largest body the 32-bit length field can describe.
const MaxFrameSize = math.MaxUint32

// defaultMaxDecodedSize bounds decompression output to reject compression bombs.
const defaultMaxDecodedSize = 64 << 20 // 64 MB

// frameCapFor returns the largest compressed body that can decode to at most
// decoded bytes, with room for zlib block and stream overhead.
func frameCapFor(decoded int64) uint64 {
	if decoded <= 0 {
		return MaxFrameSize
	}
	n := uint64(decoded) + uint64(decoded)/1000 + 64
	if n > MaxFrameSize {
		n = MaxFrameSize
	}
	return n
}

// Codec encodes and decodes frames. The zero value is not usable; use New.
type Codec struct {
	maxFrameSize   uint64
	maxDecodedSize int64
	level          int
}

// Option configures a Codec.
type Option func(*Codec)

// WithMaxFrameSize sets the largest accepted compressed body. Values above
// MaxFrameSize are clamped. Without it the limit follows the decoded size
// limit, so a peer cannot make a reader buffer a 4 GiB frame.
func WithMaxFrameSize(n uint64) Option {
	return func(c *Codec) {
		if n > MaxFrameSize {
			n = MaxFrameSize
		}
		c.maxFrameSize = n
	}
}

// WithMaxDecodedSize bounds the decompressed size of a frame body.
func WithMaxDecodedSize(n int64) Option {
	return func(c *Codec) {
		c.maxDecodedSize = n
	}
}

// WithLevel sets the zlib compression level.
func WithLevel(level int) Option {
	return func(c *Codec) {
		c.level = level
	}
}

// New creates a Codec.
func New(opts ...Option) *Codec {
	c := &Codec{
		maxDecodedSize: defaultMaxDecodedSize,
		level:          zlib.DefaultCompression,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxFrameSize == 0 {
		c.maxFrameSize = frameCapFor(c.maxDecodedSize)
	}
	return c
}

// Default is the codec used when none is configured.
var Default = New()

// Encode returns the complete frame for p. It fails with PAYLOAD_TOO_LARGE
// before producing any output when the compressed body does not fit.
func (c *Codec) Encode(p *packet.Packet) ([]byte, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, rpcerr.FrameParse(err)
	}

	var buf bytes.Buffer
	buf.Write(make([]byte, HeaderSize))
	zw, err := zlib.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, fmt.Errorf("codec:codec - invalid compression level: %w", err)
	}
	if _, err := zw.Write(body); err != nil {
		return nil, fmt.Errorf("codec:codec - compress failed: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("codec:codec - compress failed: %w", err)
	}

	frame := buf.Bytes()
	size := uint64(len(frame) - HeaderSize)
	if size > c.maxFrameSize {
		return nil, rpcerr.PayloadTooLarge(size, c.maxFrameSize)
	}
	binary.BigEndian.PutUint32(frame[:HeaderSize], uint32(size))
	return frame, nil
}

// Decode parses one complete frame, length prefix included.
func (c *Codec) Decode(frame []byte) (*packet.Packet, error) {
	if len(frame) < HeaderSize {
		return nil, rpcerr.FrameParse(io.ErrUnexpectedEOF)
	}
	size := binary.BigEndian.Uint32(frame[:HeaderSize])
	if uint64(size) > c.maxFrameSize {
		return nil, rpcerr.PayloadTooLarge(uint64(size), c.maxFrameSize)
	}
	if len(frame)-HeaderSize != int(size) {
		return nil, rpcerr.FrameParse(fmt.Errorf("length field %d does not match body %d", size, len(frame)-HeaderSize))
	}
	return c.DecodeBody(frame[HeaderSize:])
}

// DecodeBody decompresses and deserializes a frame body.
func (c *Codec) DecodeBody(body []byte) (*packet.Packet, error) {
	zr, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, rpcerr.FrameParse(err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(io.LimitReader(zr, c.maxDecodedSize+1))
	if err != nil {
		return nil, rpcerr.FrameParse(err)
	}
	if int64(len(raw)) > c.maxDecodedSize {
		return nil, rpcerr.PayloadTooLarge(uint64(len(raw)), uint64(c.maxDecodedSize))
	}

	var p packet.Packet
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, rpcerr.FrameParse(err)
	}
	if p.Headers == nil {
		p.Headers = packet.Headers{}
	}
	return &p, nil
}

// ReadPacket reads exactly one frame from r.
func (c *Codec) ReadPacket(r io.Reader) (*packet.Packet, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if uint64(size) > c.maxFrameSize {
		return nil, rpcerr.PayloadTooLarge(uint64(size), c.maxFrameSize)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, rpcerr.FrameParse(err)
	}
	return c.DecodeBody(body)
}
