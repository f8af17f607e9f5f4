package codec

import (
	"encoding/binary"

	"github.com/morezero/peer-rpc/pkg/packet"
	"github.com/morezero/peer-rpc/pkg/rpcerr"
)

// FrameReader reassembles frames from arbitrarily split chunks. It is not
// safe for concurrent use; feed it from a single read loop.
type FrameReader struct {
	codec *Codec
	buf   []byte
}

// NewFrameReader creates a FrameReader using c, or Default when c is nil.
func NewFrameReader(c *Codec) *FrameReader {
	if c == nil {
		c = Default
	}
	return &FrameReader{codec: c}
}

// Feed appends chunk and returns every packet completed by it. After an
// error the stream is unusable and the caller should drop the connection.
func (r *FrameReader) Feed(chunk []byte) ([]*packet.Packet, error) {
	r.buf = append(r.buf, chunk...)

	var out []*packet.Packet
	for len(r.buf) >= HeaderSize {
		size := binary.BigEndian.Uint32(r.buf[:HeaderSize])
		if uint64(size) > r.codec.maxFrameSize {
			r.buf = nil
			return out, rpcerr.PayloadTooLarge(uint64(size), r.codec.maxFrameSize)
		}
		end := HeaderSize + int(size)
		if len(r.buf) < end {
			break
		}
		p, err := r.codec.DecodeBody(r.buf[HeaderSize:end])
		if err != nil {
			r.buf = nil
			return out, err
		}
		out = append(out, p)
		r.buf = r.buf[end:]
	}
	if len(r.buf) == 0 {
		r.buf = nil
	}
	return out, nil
}

// Buffered returns the number of bytes waiting for the rest of a frame.
func (r *FrameReader) Buffered() int {
	return len(r.buf)
}
