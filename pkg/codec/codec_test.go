package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/morezero/peer-rpc/pkg/packet"
	"github.com/morezero/peer-rpc/pkg/rpcerr"
)

const testPrefix = "codec:codec_test"

func samplePackets(t *testing.T) []*packet.Packet {
	t.Helper()
	req, _ := packet.NewRequest("user.get", map[string]any{"id": 12, "tags": []string{"a", "b"}})
	req.SetRPCID(1)
	req.SetFrom("node-1")
	notify, _ := packet.NewNotify("user.changed", "plain string")
	resp, _ := packet.NewResponse(req, map[string]string{"name": "ada"}, nil)
	errResp, _ := packet.NewResponse(req, nil, rpcerr.MethodNotFound("user.get"))
	ping, _ := packet.NewOperation(packet.CommandPing, packet.HeartbeatArgs{ID: 5})
	return []*packet.Packet{req, notify, resp, errResp, ping}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	c := New()
	for _, p := range samplePackets(t) {
		t.Run(p.Opcode.String(), func(t *testing.T) {
			frame, err := c.Encode(p)
			if err != nil {
				t.Fatalf("%s - encode failed: %v", testPrefix, err)
			}
			got, err := c.Decode(frame)
			if err != nil {
				t.Fatalf("%s - decode failed: %v", testPrefix, err)
			}
			if got.Opcode != p.Opcode || got.Method != p.Method {
				t.Errorf("%s - got (%v, %q), want (%v, %q)", testPrefix, got.Opcode, got.Method, p.Opcode, p.Method)
			}
			if !bytes.Equal(got.Payload, p.Payload) {
				t.Errorf("%s - payload = %s, want %s", testPrefix, got.Payload, p.Payload)
			}
			wantHeaders, _ := json.Marshal(p.Headers)
			gotHeaders, _ := json.Marshal(got.Headers)
			if !bytes.Equal(wantHeaders, gotHeaders) {
				t.Errorf("%s - headers = %s, want %s", testPrefix, gotHeaders, wantHeaders)
			}
			again, err := c.Encode(got)
			if err != nil {
				t.Fatalf("%s - re-encode failed: %v", testPrefix, err)
			}
			if !bytes.Equal(again, frame) {
				t.Errorf("%s - re-encoded frame differs from original", testPrefix)
			}
		})
	}
}

func TestEncode_LengthPrefix(t *testing.T) {
	p, _ := packet.NewNotify("m", nil)
	frame, err := New().Encode(p)
	if err != nil {
		t.Fatalf("%s - encode failed: %v", testPrefix, err)
	}
	size := binary.BigEndian.Uint32(frame[:HeaderSize])
	if int(size) != len(frame)-HeaderSize {
		t.Errorf("%s - length field %d, body %d", testPrefix, size, len(frame)-HeaderSize)
	}
}

func TestEncode_FrameLengthGuard(t *testing.T) {
	c := New(WithMaxFrameSize(16))
	p, _ := packet.NewNotify("big", strings.Repeat("x", 1024))

	frame, err := c.Encode(p)
	if !errors.Is(err, rpcerr.ErrPayloadTooLarge) {
		t.Fatalf("%s - expected payload too large, got %v", testPrefix, err)
	}
	if frame != nil {
		t.Errorf("%s - no bytes may be produced on failure", testPrefix)
	}
}

func TestDecode_Rejects(t *testing.T) {
	c := New()
	good, _ := c.Encode(samplePackets(t)[0])

	tests := []struct {
		name  string
		frame []byte
	}{
		{"short header", []byte{0, 0}},
		{"length mismatch", append(append([]byte{}, good...), 0x01)},
		{"not zlib", []byte{0, 0, 0, 3, 'a', 'b', 'c'}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.Decode(tt.frame); !errors.Is(err, rpcerr.ErrFrameParse) {
				t.Errorf("%s - expected frame parse error, got %v", testPrefix, err)
			}
		})
	}
}

func TestDecode_DecompressionLimit(t *testing.T) {
	big, _ := packet.NewNotify("big", strings.Repeat("y", 4096))
	frame, err := New().Encode(big)
	if err != nil {
		t.Fatalf("%s - encode failed: %v", testPrefix, err)
	}
	small := New(WithMaxDecodedSize(512))
	if _, err := small.Decode(frame); !errors.Is(err, rpcerr.ErrPayloadTooLarge) {
		t.Errorf("%s - expected payload too large, got %v", testPrefix, err)
	}
}

func TestDefaultFrameCap_FollowsDecodedLimit(t *testing.T) {
	if got, want := Default.maxFrameSize, frameCapFor(defaultMaxDecodedSize); got != want || got >= MaxFrameSize {
		t.Fatalf("%s - default frame cap = %d, want %d", testPrefix, got, want)
	}
	if got := New(WithMaxDecodedSize(1 << 30)).maxFrameSize; got <= uint64(1<<30) {
		t.Errorf("%s - frame cap %d does not follow a raised decoded limit", testPrefix, got)
	}
	if got := New(WithMaxFrameSize(100), WithMaxDecodedSize(1<<30)).maxFrameSize; got != 100 {
		t.Errorf("%s - explicit frame cap overridden: %d", testPrefix, got)
	}
}

func TestFrameReader_RejectsOversizedAnnouncement(t *testing.T) {
	r := NewFrameReader(nil)
	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[:], 0xFFFFFFF0)

	pkts, err := r.Feed(append(header[:], 'x', 'y'))
	if !errors.Is(err, rpcerr.ErrPayloadTooLarge) {
		t.Fatalf("%s - expected payload too large for a ~4 GiB frame, got %v", testPrefix, err)
	}
	if len(pkts) != 0 || r.Buffered() != 0 {
		t.Errorf("%s - %d packets, %d bytes buffered after rejection", testPrefix, len(pkts), r.Buffered())
	}
	if _, err := Default.ReadPacket(bytes.NewReader(header[:])); !errors.Is(err, rpcerr.ErrPayloadTooLarge) {
		t.Errorf("%s - ReadPacket: expected payload too large, got %v", testPrefix, err)
	}
}

func TestFrameReader_SplitAndCoalescedChunks(t *testing.T) {
	c := New()
	var stream []byte
	pkts := samplePackets(t)
	for _, p := range pkts {
		frame, err := c.Encode(p)
		if err != nil {
			t.Fatalf("%s - encode failed: %v", testPrefix, err)
		}
		stream = append(stream, frame...)
	}

	r := NewFrameReader(c)
	var got []*packet.Packet
	// Feed in 7-byte chunks so frame boundaries never align with reads.
	for i := 0; i < len(stream); i += 7 {
		end := i + 7
		if end > len(stream) {
			end = len(stream)
		}
		out, err := r.Feed(stream[i:end])
		if err != nil {
			t.Fatalf("%s - feed failed: %v", testPrefix, err)
		}
		got = append(got, out...)
	}
	if len(got) != len(pkts) {
		t.Fatalf("%s - decoded %d packets, want %d", testPrefix, len(got), len(pkts))
	}
	for i := range pkts {
		if got[i].Method != pkts[i].Method || got[i].Opcode != pkts[i].Opcode {
			t.Errorf("%s - packet %d mismatch", testPrefix, i)
		}
	}
	if r.Buffered() != 0 {
		t.Errorf("%s - %d bytes left buffered", testPrefix, r.Buffered())
	}

	// Whole stream in one chunk.
	all, err := NewFrameReader(c).Feed(stream)
	if err != nil || len(all) != len(pkts) {
		t.Errorf("%s - single chunk decoded %d packets (err %v)", testPrefix, len(all), err)
	}
}

func TestReadPacket(t *testing.T) {
	c := New()
	p, _ := packet.NewRequest("read", 1)
	frame, _ := c.Encode(p)

	got, err := c.ReadPacket(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("%s - ReadPacket failed: %v", testPrefix, err)
	}
	if got.Method != "read" {
		t.Errorf("%s - method = %q", testPrefix, got.Method)
	}

	_, err = c.ReadPacket(bytes.NewReader(frame[:len(frame)-2]))
	if !errors.Is(err, rpcerr.ErrFrameParse) {
		t.Errorf("%s - truncated frame: expected frame parse error, got %v", testPrefix, err)
	}
}
