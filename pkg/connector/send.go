package connector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/morezero/peer-rpc/pkg/packet"
	"github.com/morezero/peer-rpc/pkg/rpcerr"
	"github.com/morezero/peer-rpc/pkg/waiter"
)

// SendRequest sends req and waits for the matching RESPONSE. A timeout of
// zero uses the connector's default call timeout. The returned packet has
// already passed response shape validation.
func (c *Connector) SendRequest(ctx context.Context, req *packet.Packet, timeout time.Duration) (*packet.Packet, error) {
	if req.Opcode != packet.OpRequest {
		return nil, rpcerr.ParamInvalid(fmt.Sprintf("SendRequest needs a request packet, got %s", req.Opcode))
	}
	if !c.IsReady() {
		return nil, rpcerr.TunnelUnavailable(c.Address())
	}
	if timeout <= 0 {
		timeout = c.opts.callTimeout
	}

	pending := c.calls.Wait(timeout)
	req.SetRPCID(pending.ID)
	req.SetFrom(c.opts.nodeID)
	if err := c.sendPacket(ctx, req); err != nil {
		c.calls.Cancel(pending.ID)
		return nil, err
	}

	resp, err := pending.Await(ctx)
	if err != nil {
		switch {
		case errors.Is(err, waiter.ErrTimeout):
			return nil, rpcerr.Timeout(req.Method, c.Address())
		case ctx.Err() != nil:
			return nil, rpcerr.From(ctx.Err())
		}
		return nil, err
	}
	return resp, nil
}

// SendNotify sends p without waiting for a reply.
func (c *Connector) SendNotify(ctx context.Context, p *packet.Packet) error {
	if p.Opcode != packet.OpNotify {
		return rpcerr.ParamInvalid(fmt.Sprintf("SendNotify needs a notify packet, got %s", p.Opcode))
	}
	if !c.IsReady() {
		return rpcerr.TunnelUnavailable(c.Address())
	}
	p.SetFrom(c.opts.nodeID)
	return c.sendPacket(ctx, p)
}

// sendPacket encodes and writes p. Encoding failures are returned without
// touching the link; write failures move the connector to StateError.
func (c *Connector) sendPacket(ctx context.Context, p *packet.Packet) error {
	frame, err := c.opts.codec.Encode(p)
	if err != nil {
		return err
	}
	if !c.tunnel.IsAvailable() {
		return rpcerr.TunnelUnavailable(c.Address())
	}
	if err := c.tunnel.Send(ctx, frame); err != nil {
		if ctx.Err() != nil {
			return rpcerr.From(ctx.Err())
		}
		cause := rpcerr.TunnelUnavailable(c.Address()).WithCause(err)
		c.fail(cause)
		return cause
	}
	return nil
}
