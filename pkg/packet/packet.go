// Package packet defines the envelope exchanged between peers: an opcode,
// an optional method name, a flat header map and an opaque JSON payload.
package packet

import (
	"encoding/json"
	"fmt"

	"github.com/morezero/peer-rpc/pkg/rpcerr"
)

// OPCode distinguishes the four frame kinds.
type OPCode int

const (
	OpRequest   OPCode = 1
	OpResponse  OPCode = 2
	OpNotify    OPCode = 3
	OpOperation OPCode = 4
)

func (o OPCode) String() string {
	switch o {
	case OpRequest:
		return "REQUEST"
	case OpResponse:
		return "RESPONSE"
	case OpNotify:
		return "NOTIFY"
	case OpOperation:
		return "OPERATION"
	default:
		return fmt.Sprintf("OPCODE(%d)", int(o))
	}
}

// Well-known header keys.
const (
	HeaderRPCID   = "rpc-id"
	HeaderFrom    = "rpc-from-id"
	HeaderSession = "rpc-session"
)

// Packet is the envelope. Payload is kept raw so the transport never
// interprets it.
type Packet struct {
	Opcode  OPCode          `json:"opcode"`
	Method  string          `json:"method,omitempty"`
	Headers Headers         `json:"headers"`
	Payload json.RawMessage `json:"payload"`
}

// New creates a packet, marshalling payload to JSON. A json.RawMessage or
// []byte payload is used as is.
func New(op OPCode, method string, payload any) (*Packet, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Packet{Opcode: op, Method: method, Headers: Headers{}, Payload: raw}, nil
}

// NewRequest creates a REQUEST packet for method.
func NewRequest(method string, payload any) (*Packet, error) {
	return New(OpRequest, method, payload)
}

// NewNotify creates a NOTIFY packet for method.
func NewNotify(method string, payload any) (*Packet, error) {
	return New(OpNotify, method, payload)
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if len(v) == 0 {
			return json.RawMessage("null"), nil
		}
		return v, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, rpcerr.ParamInvalid(fmt.Sprintf("payload is not serializable: %v", err)).WithCause(err)
	}
	return raw, nil
}

// DecodePayload unmarshals the payload into v.
func (p *Packet) DecodePayload(v any) error {
	if len(p.Payload) == 0 {
		return json.Unmarshal([]byte("null"), v)
	}
	return json.Unmarshal(p.Payload, v)
}

// RPCID returns the request-correlation id header.
func (p *Packet) RPCID() (uint32, bool) {
	n, ok := p.Headers.GetInt(HeaderRPCID)
	if !ok || n < 0 || n > int64(^uint32(0)) {
		return 0, false
	}
	return uint32(n), true
}

// SetRPCID stamps the request-correlation id header.
func (p *Packet) SetRPCID(id uint32) {
	p.ensureHeaders()
	p.Headers[HeaderRPCID] = id
}

// From returns the originating node id header.
func (p *Packet) From() string {
	return p.Headers.GetString(HeaderFrom)
}

// SetFrom stamps the originating node id header. Empty ids are not stamped.
func (p *Packet) SetFrom(nodeID string) {
	if nodeID == "" {
		return
	}
	p.ensureHeaders()
	p.Headers[HeaderFrom] = nodeID
}

// Session returns the session id assigned by the accepting side.
func (p *Packet) Session() string {
	return p.Headers.GetString(HeaderSession)
}

// SetSession stamps the session id header.
func (p *Packet) SetSession(session string) {
	p.ensureHeaders()
	p.Headers[HeaderSession] = session
}

func (p *Packet) ensureHeaders() {
	if p.Headers == nil {
		p.Headers = Headers{}
	}
}

// Headers is a flat string-keyed header map.
type Headers map[string]any

// GetString returns the header as a string, or "".
func (h Headers) GetString(key string) string {
	s, _ := h[key].(string)
	return s
}

// GetInt returns a numeric header. Values decoded from JSON arrive as float64.
func (h Headers) GetInt(key string) (int64, bool) {
	switch v := h[key].(type) {
	case float64:
		return int64(v), v == float64(int64(v))
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case int:
		return int64(v), true
	case int64:
		return v, true
	case uint32:
		return int64(v), true
	case uint64:
		return int64(v), true
	}
	return 0, false
}
