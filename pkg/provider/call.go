package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/morezero/peer-rpc/pkg/packet"
	"github.com/morezero/peer-rpc/pkg/rpcerr"
)

func (p *Provider) callOptions(opts []CallOption) callOptions {
	co := callOptions{timeout: p.opts.callTimeout}
	for _, o := range opts {
		o(&co)
	}
	return co
}

func stampHeaders(pk *packet.Packet, co callOptions) {
	for k, v := range co.headers {
		pk.Headers[k] = v
	}
}

// RPCRaw sends a request for method to one ready endpoint and returns the
// validated RESPONSE packet, whether it carries a result or an error.
func (p *Provider) RPCRaw(ctx context.Context, method string, payload any, opts ...CallOption) (*packet.Packet, error) {
	co := p.callOptions(opts)
	s, err := p.pick(co.target)
	if err != nil {
		return nil, err
	}
	req, err := packet.NewRequest(method, payload)
	if err != nil {
		return nil, rpcerr.ParamInvalid(fmt.Sprintf("encode %s payload: %v", method, err))
	}
	stampHeaders(req, co)
	return s.Request(ctx, req, co.timeout)
}

// RPC sends a request for method and returns the raw JSON result. A remote
// failure is returned as *rpcerr.Error.
func (p *Provider) RPC(ctx context.Context, method string, payload any, opts ...CallOption) (json.RawMessage, error) {
	resp, err := p.RPCRaw(ctx, method, payload, opts...)
	if err != nil {
		p.logCallError(method, err)
		return nil, err
	}
	rp, err := resp.Response()
	if err != nil {
		return nil, err
	}
	result, err := rp.Unwrap()
	if err != nil {
		p.logCallError(method, err)
		return nil, err
	}
	return result, nil
}

// Notify sends a notification for method to one ready endpoint.
func (p *Provider) Notify(ctx context.Context, method string, payload any, opts ...CallOption) error {
	co := p.callOptions(opts)
	s, err := p.pick(co.target)
	if err != nil {
		return err
	}
	n, err := packet.NewNotify(method, payload)
	if err != nil {
		return rpcerr.ParamInvalid(fmt.Sprintf("encode %s payload: %v", method, err))
	}
	stampHeaders(n, co)
	return s.Notify(ctx, n)
}

// Broadcast notifies one ready endpoint of every distinct target node,
// concurrently. It returns how many nodes were notified; failures of
// individual nodes are joined into the error. With no ready endpoint it
// returns 0 and no error.
func (p *Provider) Broadcast(ctx context.Context, method string, payload any, opts ...CallOption) (int, error) {
	co := p.callOptions(opts)
	senders := p.pickPerTarget()
	if len(senders) == 0 {
		return 0, nil
	}

	errs := make([]error, len(senders))
	var g errgroup.Group
	for i, s := range senders {
		g.Go(func() error {
			n, err := packet.NewNotify(method, payload)
			if err != nil {
				errs[i] = rpcerr.ParamInvalid(fmt.Sprintf("encode %s payload: %v", method, err))
				return nil
			}
			stampHeaders(n, co)
			if err := s.Notify(ctx, n); err != nil {
				errs[i] = fmt.Errorf("%s - broadcast %s to %s: %w", logPrefix, method, s.Endpoint().Target(), err)
			}
			return nil
		})
	}
	_ = g.Wait()

	delivered := 0
	for _, err := range errs {
		if err == nil {
			delivered++
		}
	}
	return delivered, errors.Join(errs...)
}

// Call sends a request and decodes the result into Res.
func Call[Res any](ctx context.Context, p *Provider, method string, payload any, opts ...CallOption) (Res, error) {
	var out Res
	raw, err := p.RPC(ctx, method, payload, opts...)
	if err != nil {
		return out, err
	}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, rpcerr.ResponseInvalid(err)
	}
	return out, nil
}

func (p *Provider) logCallError(method string, err error) {
	if rpcerr.ShouldLog(err) {
		p.log.Error(fmt.Sprintf("%s - %s.%s failed: %v", logPrefix, p.service, method, err))
		return
	}
	p.log.Debug(fmt.Sprintf("%s - %s.%s: %v", logPrefix, p.service, method, err))
}
