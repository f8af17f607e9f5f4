package packet

import (
	"encoding/json"
	"errors"

	"github.com/morezero/peer-rpc/pkg/rpcerr"
)

// ResponsePayload is the payload of every RESPONSE packet.
type ResponsePayload struct {
	Error  *rpcerr.Error   `json:"error"`
	Result json.RawMessage `json:"result"`
}

// NewResponse creates a RESPONSE packet answering req. Exactly one of result
// and err is meaningful: a non-nil err produces an error-shaped response.
func NewResponse(req *Packet, result any, err error) (*Packet, error) {
	rp := ResponsePayload{Result: json.RawMessage("null")}
	if err != nil {
		rp.Error = rpcerr.From(err)
	} else {
		raw, merr := marshalPayload(result)
		if merr != nil {
			rp.Error = rpcerr.From(merr)
		} else {
			rp.Result = raw
		}
	}
	raw, merr := json.Marshal(rp)
	if merr != nil {
		return nil, merr
	}

	resp := &Packet{Opcode: OpResponse, Headers: Headers{}, Payload: raw}
	if req != nil {
		resp.Method = req.Method
		if id, ok := req.RPCID(); ok {
			resp.SetRPCID(id)
		}
		if s := req.Session(); s != "" {
			resp.SetSession(s)
		}
	}
	return resp, nil
}

// Response decodes and validates the payload of a RESPONSE packet.
func (p *Packet) Response() (*ResponsePayload, error) {
	if p.Opcode != OpResponse {
		return nil, rpcerr.ResponseInvalid(errors.New("packet is not a response"))
	}
	var shape map[string]json.RawMessage
	if err := json.Unmarshal(p.Payload, &shape); err != nil {
		return nil, rpcerr.ResponseInvalid(err)
	}
	if _, ok := shape["error"]; !ok {
		return nil, rpcerr.ResponseInvalid(errors.New("missing error field"))
	}
	if _, ok := shape["result"]; !ok {
		return nil, rpcerr.ResponseInvalid(errors.New("missing result field"))
	}
	var rp ResponsePayload
	if err := json.Unmarshal(p.Payload, &rp); err != nil {
		return nil, rpcerr.ResponseInvalid(err)
	}
	return &rp, nil
}

// Unwrap returns the result or the remote error.
func (r *ResponsePayload) Unwrap() (json.RawMessage, error) {
	if r.Error != nil {
		return nil, r.Error
	}
	return r.Result, nil
}
