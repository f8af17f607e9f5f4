package connector

import (
	"context"
	"errors"
	"time"

	"github.com/morezero/peer-rpc/pkg/packet"
	"github.com/morezero/peer-rpc/pkg/rpcerr"
	"github.com/morezero/peer-rpc/pkg/waiter"
)

// heartbeat sends a PING every interval and fails the connector when the
// matching PONG does not arrive within the ping timeout.
func (c *Connector) heartbeat(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if c.State() != StateReady {
			continue
		}
		if err := c.ping(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.fail(err)
			return
		}
	}
}

func (c *Connector) ping(ctx context.Context) error {
	pending := c.pongs.Wait(c.opts.pingTimeout)
	p, err := packet.NewOperation(packet.CommandPing, packet.HeartbeatArgs{ID: pending.ID})
	if err != nil {
		c.pongs.Cancel(pending.ID)
		return err
	}
	if err := c.sendPacket(ctx, p); err != nil {
		c.pongs.Cancel(pending.ID)
		return err
	}
	if _, err := pending.Await(ctx); err != nil {
		if errors.Is(err, waiter.ErrTimeout) {
			return rpcerr.Timeout("ping", c.Address())
		}
		return err
	}
	return nil
}
