package connector

import (
	"context"
	"errors"
	"fmt"

	"github.com/morezero/peer-rpc/pkg/packet"
	"github.com/morezero/peer-rpc/pkg/rpcerr"
)

// OnData implements Receiver.
func (c *Connector) OnData(data []byte) {
	pkts, err := c.frames.Feed(data)
	for _, p := range pkts {
		c.route(p)
	}
	if err != nil {
		c.fail(err)
	}
}

// OnClose implements Receiver.
func (c *Connector) OnClose(err error) {
	cause := rpcerr.TunnelUnavailable(c.Address())
	if err != nil {
		cause = cause.WithCause(err)
	}
	switch c.State() {
	case StatePending, StateReady:
		c.fail(cause)
	case StateStopping:
		// The peer is gone; nothing pending here can be answered any more.
		c.calls.RejectAll(cause)
		c.pongs.RejectAll(cause)
	}
}

func (c *Connector) route(p *packet.Packet) {
	switch p.Opcode {
	case packet.OpResponse:
		c.handleResponse(p)
	case packet.OpOperation:
		c.handleOperation(p)
	case packet.OpRequest, packet.OpNotify:
		c.enqueue(p)
	default:
		c.log.Warn(fmt.Sprintf("%s - %v from %s", logPrefix, rpcerr.UnsupportedOpcode(int(p.Opcode)), c.Address()))
	}
}

// enqueue hands p to the serve worker without blocking the read path.
// Requests that cannot be queued are refused with an error response.
func (c *Connector) enqueue(p *packet.Packet) {
	c.inMu.RLock()
	defer c.inMu.RUnlock()

	select {
	case <-c.drainCh:
		c.refuse(p, rpcerr.TunnelUnavailable(c.Address()).WithCause(errStopping))
		return
	default:
	}
	select {
	case c.queue <- p:
	default:
		c.refuse(p, rpcerr.IllegalState(fmt.Sprintf("inbound queue for %s is full", c.Address())))
	}
}

func (c *Connector) refuse(p *packet.Packet, err error) {
	if p.Opcode != packet.OpRequest {
		c.log.Warn(fmt.Sprintf("%s - dropped notify %s from %s: %v", logPrefix, p.Method, c.Address(), err))
		return
	}
	c.log.Debug(fmt.Sprintf("%s - refused request %s from %s: %v", logPrefix, p.Method, c.Address(), err))
	c.reply(p, c.errorResponse(p, err))
}

// serve is the single worker draining the inbound queue. Once draining
// starts it handles whatever is still queued, then reports done.
func (c *Connector) serve(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.drainCh:
			for {
				select {
				case p := <-c.queue:
					c.handle(ctx, p)
				default:
					close(c.drained)
					return
				}
			}
		case p := <-c.queue:
			c.handle(ctx, p)
		}
	}
}

func (c *Connector) handle(ctx context.Context, p *packet.Packet) {
	switch p.Opcode {
	case packet.OpRequest:
		c.handleRequest(ctx, p)
	case packet.OpNotify:
		c.handleNotify(ctx, p)
	}
}

func (c *Connector) invoke(ctx context.Context, d Dispatch, p *packet.Packet) (resp *packet.Packet, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp = nil
			err = rpcerr.New(rpcerr.CodeUnknown, rpcerr.LevelFatal, fmt.Sprintf("handler for %s panicked: %v", p.Method, r))
		}
	}()
	return d(ctx, p, c)
}

func (c *Connector) handleRequest(ctx context.Context, req *packet.Packet) {
	d := c.getDispatch()
	if d == nil {
		c.log.Warn(fmt.Sprintf("%s - no dispatch for request %s from %s", logPrefix, req.Method, c.Address()))
		c.reply(req, c.errorResponse(req, rpcerr.MethodNotFound(req.Method)))
		return
	}

	resp, err := c.invoke(ctx, d, req)
	switch {
	case err != nil:
		if rpcerr.ShouldLog(err) {
			c.log.Error(fmt.Sprintf("%s - request %s from %s failed: %v", logPrefix, req.Method, c.Address(), err))
		}
		resp = c.errorResponse(req, err)
	case resp == nil:
		resp = c.errorResponse(req, rpcerr.EmptyResponse(req.Method))
	default:
		if id, ok := req.RPCID(); ok {
			resp.SetRPCID(id)
		}
	}
	c.reply(req, resp)
}

// reply sends the response to req. It runs on its own deadline so that a
// shutdown cancelling handler contexts does not swallow the answer.
func (c *Connector) reply(req, resp *packet.Packet) {
	if resp == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.drainTimeout)
	defer cancel()

	resp.SetFrom(c.opts.nodeID)
	err := c.sendPacket(ctx, resp)
	if errors.Is(err, rpcerr.ErrPayloadTooLarge) {
		resp = c.errorResponse(req, err)
		if resp != nil {
			resp.SetFrom(c.opts.nodeID)
			err = c.sendPacket(ctx, resp)
		}
	}
	if err != nil && !rpcerr.IsAborted(err) {
		c.log.Warn(fmt.Sprintf("%s - failed to answer %s to %s: %v", logPrefix, req.Method, c.Address(), err))
	}
}

func (c *Connector) errorResponse(req *packet.Packet, err error) *packet.Packet {
	resp, encErr := packet.NewResponse(req, nil, err)
	if encErr != nil {
		c.log.Error(fmt.Sprintf("%s - cannot build error response for %s: %v", logPrefix, req.Method, encErr))
		return nil
	}
	return resp
}

func (c *Connector) handleNotify(ctx context.Context, p *packet.Packet) {
	d := c.getDispatch()
	if d == nil {
		c.log.Warn(fmt.Sprintf("%s - no dispatch for notify %s from %s, dropped", logPrefix, p.Method, c.Address()))
		return
	}
	if _, err := c.invoke(ctx, d, p); err != nil && rpcerr.ShouldLog(err) {
		c.log.Error(fmt.Sprintf("%s - notify %s from %s failed: %v", logPrefix, p.Method, c.Address(), err))
	}
}

func (c *Connector) handleResponse(p *packet.Packet) {
	id, ok := p.RPCID()
	if !ok {
		c.log.Warn(fmt.Sprintf("%s - response %s from %s has no rpc id", logPrefix, p.Method, c.Address()))
		return
	}
	var delivered bool
	if _, err := p.Response(); err != nil {
		delivered = c.calls.EmitError(id, err)
	} else {
		delivered = c.calls.Emit(id, p)
	}
	if !delivered {
		c.log.Debug(fmt.Sprintf("%s - late or unknown response %d (%s) from %s", logPrefix, id, p.Method, c.Address()))
	}
}

func (c *Connector) handleOperation(p *packet.Packet) {
	op, err := p.Operation()
	if err != nil {
		c.log.Warn(fmt.Sprintf("%s - bad operation from %s: %v", logPrefix, c.Address(), err))
		return
	}

	switch op.Command {
	case packet.CommandPing:
		var args packet.HeartbeatArgs
		if err := op.DecodeArgs(&args); err != nil {
			c.log.Warn(fmt.Sprintf("%s - bad ping from %s: %v", logPrefix, c.Address(), err))
			return
		}
		if c.State() != StateReady {
			return
		}
		pong, err := packet.NewOperation(packet.CommandPong, args)
		if err != nil {
			return
		}
		_ = c.sendPacket(context.Background(), pong)
	case packet.CommandPong:
		var args packet.HeartbeatArgs
		if err := op.DecodeArgs(&args); err != nil {
			c.log.Warn(fmt.Sprintf("%s - bad pong from %s: %v", logPrefix, c.Address(), err))
			return
		}
		c.pongs.Emit(args.ID, struct{}{})
	case packet.CommandError:
		var args packet.ErrorArgs
		_ = op.DecodeArgs(&args)
		c.fail(rpcerr.TunnelUnavailable(c.Address()).WithCause(fmt.Errorf("remote error: %s", args.Message)))
	case packet.CommandOff:
		c.log.Info(fmt.Sprintf("%s - %s is going off", logPrefix, c.Address()))
		go func() {
			_ = c.Off(context.Background())
		}()
	default:
		c.log.Warn(fmt.Sprintf("%s - unknown operation %q from %s", logPrefix, op.Command, c.Address()))
	}
}
