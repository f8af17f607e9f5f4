package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/morezero/peer-rpc/pkg/packet"
	"github.com/morezero/peer-rpc/pkg/rpcerr"
)

const testPrefix = "connector:connector_test"

var errLinkClosed = errors.New("mem link closed")

// memLink is an in-memory duplex link shared by two memTunnel ends.
type memLink struct {
	closed    chan struct{}
	closeOnce sync.Once
}

func (l *memLink) close() {
	l.closeOnce.Do(func() { close(l.closed) })
}

type memTunnel struct {
	addr  string
	link  *memLink
	inbox chan []byte
	peer  *memTunnel
	mute  atomic.Bool
}

func newMemPair() (*memTunnel, *memTunnel) {
	link := &memLink{closed: make(chan struct{})}
	a := &memTunnel{addr: "mem-a", link: link, inbox: make(chan []byte, 1024)}
	b := &memTunnel{addr: "mem-b", link: link, inbox: make(chan []byte, 1024)}
	a.peer, b.peer = b, a
	return a, b
}

func (m *memTunnel) Connect(ctx context.Context, recv Receiver) error {
	go func() {
		for {
			select {
			case data := <-m.inbox:
				recv.OnData(data)
			case <-m.link.closed:
				recv.OnClose(errLinkClosed)
				return
			}
		}
	}()
	return nil
}

func (m *memTunnel) Disconnect() error {
	m.link.close()
	return nil
}

func (m *memTunnel) Send(ctx context.Context, frame []byte) error {
	if m.mute.Load() {
		return nil
	}
	buf := append([]byte(nil), frame...)
	select {
	case m.peer.inbox <- buf:
		return nil
	case <-m.link.closed:
		return errLinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *memTunnel) IsAvailable() bool {
	select {
	case <-m.link.closed:
		return false
	default:
		return true
	}
}

func (m *memTunnel) Address() string { return m.addr }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s - timed out waiting for %s", testPrefix, what)
}

func echo(ctx context.Context, p *packet.Packet, c *Connector) (*packet.Packet, error) {
	if p.Opcode != packet.OpRequest {
		return nil, nil
	}
	var v any
	if err := p.DecodePayload(&v); err != nil {
		return nil, err
	}
	return packet.NewResponse(p, v, nil)
}

// startPair starts a client and a server connector over one in-memory link.
func startPair(t *testing.T, serverDispatch Dispatch, clientOpts, serverOpts []Option) (*Connector, *Connector, *memTunnel, *memTunnel) {
	t.Helper()
	a, b := newMemPair()
	client := New(a, append([]Option{WithoutPing(), WithNodeID("client")}, clientOpts...)...)
	server := New(b, append([]Option{WithoutPing(), WithNodeID("server")}, serverOpts...)...)
	server.SetDispatch(serverDispatch)
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("%s - server start failed: %v", testPrefix, err)
	}
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("%s - client start failed: %v", testPrefix, err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = client.Off(ctx)
		_ = server.Off(ctx)
	})
	return client, server, a, b
}

func call(t *testing.T, c *Connector, method string, payload any, timeout time.Duration) (json.RawMessage, error) {
	t.Helper()
	req, err := packet.NewRequest(method, payload)
	if err != nil {
		t.Fatalf("%s - build request: %v", testPrefix, err)
	}
	resp, err := c.SendRequest(context.Background(), req, timeout)
	if err != nil {
		return nil, err
	}
	rp, err := resp.Response()
	if err != nil {
		return nil, err
	}
	return rp.Unwrap()
}

func TestStart_MovesToReady(t *testing.T) {
	client, server, _, _ := startPair(t, echo, nil, nil)
	if client.State() != StateReady || server.State() != StateReady {
		t.Errorf("%s - states %s/%s, want READY", testPrefix, client.State(), server.State())
	}
	if err := client.Start(context.Background()); !errors.Is(err, rpcerr.ErrIllegalState) {
		t.Errorf("%s - second Start: expected illegal state, got %v", testPrefix, err)
	}
}

func TestSendRequest_RoundTrip(t *testing.T) {
	client, _, _, _ := startPair(t, echo, nil, nil)

	res, err := call(t, client, "echo", map[string]int{"n": 7}, 0)
	if err != nil {
		t.Fatalf("%s - call failed: %v", testPrefix, err)
	}
	if string(res) != `{"n":7}` {
		t.Errorf("%s - result = %s", testPrefix, res)
	}
}

func TestSendRequest_StampsOrigin(t *testing.T) {
	var from atomic.Value
	dispatch := func(ctx context.Context, p *packet.Packet, c *Connector) (*packet.Packet, error) {
		from.Store(p.From())
		return packet.NewResponse(p, true, nil)
	}
	client, _, _, _ := startPair(t, dispatch, nil, nil)
	if _, err := call(t, client, "who", nil, 0); err != nil {
		t.Fatalf("%s - call failed: %v", testPrefix, err)
	}
	if got := from.Load(); got != "client" {
		t.Errorf("%s - origin = %v, want client", testPrefix, got)
	}
}

func TestHandleRequest_ErrorShapes(t *testing.T) {
	dispatch := func(ctx context.Context, p *packet.Packet, c *Connector) (*packet.Packet, error) {
		switch p.Method {
		case "fail":
			return nil, rpcerr.ParamInvalid("bad input")
		case "empty":
			return nil, nil
		case "panic":
			panic("boom")
		}
		return packet.NewResponse(p, "ok", nil)
	}
	client, server, _, _ := startPair(t, dispatch, nil, nil)

	tests := []struct {
		method string
		target error
	}{
		{"fail", rpcerr.ErrParamInvalid},
		{"empty", rpcerr.ErrEmptyResponse},
		{"panic", &rpcerr.Error{Code: rpcerr.CodeUnknown}},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			_, err := call(t, client, tt.method, nil, 0)
			if !errors.Is(err, tt.target) {
				t.Errorf("%s - %s: got %v, want code of %v", testPrefix, tt.method, err, tt.target)
			}
		})
	}

	if server.State() != StateReady {
		t.Errorf("%s - server state after handler panic = %s", testPrefix, server.State())
	}
	if _, err := call(t, client, "ok", nil, 0); err != nil {
		t.Errorf("%s - call after panic failed: %v", testPrefix, err)
	}
}

func TestSendRequest_Timeout(t *testing.T) {
	dispatch := func(ctx context.Context, p *packet.Packet, c *Connector) (*packet.Packet, error) {
		time.Sleep(150 * time.Millisecond)
		return packet.NewResponse(p, "late", nil)
	}
	client, _, _, _ := startPair(t, dispatch, nil, nil)

	_, err := call(t, client, "slow", nil, 30*time.Millisecond)
	if !errors.Is(err, rpcerr.ErrTimeout) {
		t.Fatalf("%s - expected timeout, got %v", testPrefix, err)
	}
	// The late response must be dropped without disturbing the link.
	time.Sleep(200 * time.Millisecond)
	if client.State() != StateReady {
		t.Errorf("%s - client state = %s after late response", testPrefix, client.State())
	}
}

func TestSendRequest_NotReady(t *testing.T) {
	a, _ := newMemPair()
	c := New(a, WithoutPing())
	req, _ := packet.NewRequest("x", nil)
	if _, err := c.SendRequest(context.Background(), req, 0); !errors.Is(err, rpcerr.ErrTunnelUnavailable) {
		t.Errorf("%s - expected tunnel unavailable, got %v", testPrefix, err)
	}
	n, _ := packet.NewNotify("x", nil)
	if err := c.SendNotify(context.Background(), n); !errors.Is(err, rpcerr.ErrTunnelUnavailable) {
		t.Errorf("%s - expected tunnel unavailable, got %v", testPrefix, err)
	}
}

func TestNotify_DispatchedInOrder(t *testing.T) {
	var mu sync.Mutex
	var got []int
	dispatch := func(ctx context.Context, p *packet.Packet, c *Connector) (*packet.Packet, error) {
		var n int
		if err := p.DecodePayload(&n); err != nil {
			return nil, err
		}
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
		return nil, nil
	}
	client, _, _, _ := startPair(t, dispatch, nil, nil)

	const total = 50
	for i := 0; i < total; i++ {
		p, _ := packet.NewNotify("seq", i)
		if err := client.SendNotify(context.Background(), p); err != nil {
			t.Fatalf("%s - notify %d failed: %v", testPrefix, i, err)
		}
	}
	waitFor(t, "all notifications", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == total
	})
	for i, n := range got {
		if n != i {
			t.Fatalf("%s - notification %d arrived at position %d", testPrefix, n, i)
		}
	}
}

func TestNestedCallOnSameLink(t *testing.T) {
	a, b := newMemPair()
	client := New(a, WithoutPing())
	server := New(b, WithoutPing())

	client.SetDispatch(func(ctx context.Context, p *packet.Packet, c *Connector) (*packet.Packet, error) {
		return packet.NewResponse(p, "from-client", nil)
	})
	server.SetDispatch(func(ctx context.Context, p *packet.Packet, c *Connector) (*packet.Packet, error) {
		back, _ := packet.NewRequest("callback", nil)
		resp, err := c.SendRequest(ctx, back, time.Second)
		if err != nil {
			return nil, err
		}
		rp, err := resp.Response()
		if err != nil {
			return nil, err
		}
		var s string
		_ = json.Unmarshal(rp.Result, &s)
		return packet.NewResponse(p, "server+"+s, nil)
	})
	if err := server.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := client.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer client.Off(context.Background())
	defer server.Off(context.Background())

	res, err := call(t, client, "outer", nil, time.Second)
	if err != nil {
		t.Fatalf("%s - nested call failed: %v", testPrefix, err)
	}
	if string(res) != `"server+from-client"` {
		t.Errorf("%s - result = %s", testPrefix, res)
	}
}

func TestHeartbeat_KeepsHealthyLinkReady(t *testing.T) {
	ping := []Option{WithPing(10*time.Millisecond, 50*time.Millisecond)}
	client, server, _, _ := startPair(t, echo, ping, ping)
	time.Sleep(120 * time.Millisecond)
	if client.State() != StateReady || server.State() != StateReady {
		t.Errorf("%s - states %s/%s after heartbeats", testPrefix, client.State(), server.State())
	}
}

func TestHeartbeat_MissingPongFails(t *testing.T) {
	blocked := make(chan struct{})
	dispatch := func(ctx context.Context, p *packet.Packet, c *Connector) (*packet.Packet, error) {
		<-blocked
		return nil, nil
	}
	client, _, _, serverEnd := startPair(t, dispatch,
		[]Option{WithPing(20*time.Millisecond, 20*time.Millisecond)}, nil)
	defer close(blocked)

	var errorsSeen atomic.Int32
	client.OnStateChange(func(prev, next State) {
		if next == StateError {
			errorsSeen.Add(1)
		}
	})
	serverEnd.mute.Store(true)

	errCh := make(chan error, 1)
	go func() {
		_, err := call(t, client, "hang", nil, 5*time.Second)
		errCh <- err
	}()

	waitFor(t, "client error state", func() bool { return client.State() == StateError })
	select {
	case err := <-errCh:
		if !errors.Is(err, rpcerr.ErrTunnelUnavailable) {
			t.Errorf("%s - pending call: expected tunnel unavailable, got %v", testPrefix, err)
		}
	case <-time.After(time.Second):
		t.Fatalf("%s - pending call was not rejected", testPrefix)
	}

	if _, err := call(t, client, "after", nil, time.Second); !errors.Is(err, rpcerr.ErrTunnelUnavailable) {
		t.Errorf("%s - request after error: expected tunnel unavailable, got %v", testPrefix, err)
	}
	time.Sleep(60 * time.Millisecond)
	if n := errorsSeen.Load(); n != 1 {
		t.Errorf("%s - entered ERROR %d times, want 1", testPrefix, n)
	}
}

func TestLinkClosed_RejectsPendingCalls(t *testing.T) {
	blocked := make(chan struct{})
	dispatch := func(ctx context.Context, p *packet.Packet, c *Connector) (*packet.Packet, error) {
		<-blocked
		return nil, nil
	}
	client, server, clientEnd, _ := startPair(t, dispatch, nil, nil)
	defer close(blocked)

	var changes []string
	var mu sync.Mutex
	client.OnStateChange(func(prev, next State) {
		mu.Lock()
		changes = append(changes, fmt.Sprintf("%s>%s", prev, next))
		mu.Unlock()
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := call(t, client, "hang", nil, 5*time.Second)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	clientEnd.link.close()

	select {
	case err := <-errCh:
		if !errors.Is(err, rpcerr.ErrTunnelUnavailable) {
			t.Errorf("%s - expected tunnel unavailable, got %v", testPrefix, err)
		}
	case <-time.After(time.Second):
		t.Fatalf("%s - pending call was not rejected", testPrefix)
	}
	waitFor(t, "server error state", func() bool { return server.State() == StateError })

	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 1 || changes[0] != "READY>ERROR" {
		t.Errorf("%s - client transitions = %v, want [READY>ERROR]", testPrefix, changes)
	}
}

func TestOff_DrainsAndNotifiesRemote(t *testing.T) {
	dispatch := func(ctx context.Context, p *packet.Packet, c *Connector) (*packet.Packet, error) {
		time.Sleep(50 * time.Millisecond)
		return packet.NewResponse(p, "done", nil)
	}
	client, server, _, _ := startPair(t, dispatch, nil, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := call(t, client, "work", nil, time.Second)
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)

	if err := client.Off(context.Background()); err != nil {
		t.Fatalf("%s - Off failed: %v", testPrefix, err)
	}
	if err := <-errCh; err != nil {
		t.Errorf("%s - in-flight call should finish during drain: %v", testPrefix, err)
	}
	if client.State() != StateStopped {
		t.Errorf("%s - client state = %s, want STOPPED", testPrefix, client.State())
	}
	waitFor(t, "server to stop", func() bool {
		s := server.State()
		return s == StateStopped || s == StateError
	})

	if err := client.Off(context.Background()); err != nil {
		t.Errorf("%s - second Off returned %v", testPrefix, err)
	}
	req, _ := packet.NewRequest("after", nil)
	if _, err := client.SendRequest(context.Background(), req, 0); !errors.Is(err, rpcerr.ErrTunnelUnavailable) {
		t.Errorf("%s - request after Off: expected tunnel unavailable, got %v", testPrefix, err)
	}
}

func TestOff_ConcurrentCallsShareResult(t *testing.T) {
	client, _, _, _ := startPair(t, echo, nil, nil)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = client.Off(context.Background())
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Errorf("%s - Off #%d returned %v", testPrefix, i, err)
		}
	}
}

func TestOff_AnswersInboundRequests(t *testing.T) {
	started := make(chan struct{}, 8)
	dispatch := func(ctx context.Context, p *packet.Packet, c *Connector) (*packet.Packet, error) {
		started <- struct{}{}
		time.Sleep(100 * time.Millisecond)
		return packet.NewResponse(p, "done", nil)
	}
	client, server, _, _ := startPair(t, dispatch, nil, nil)

	const calls = 3
	errs := make(chan error, calls)
	for i := 0; i < calls; i++ {
		go func() {
			res, err := call(t, client, "work", nil, 2*time.Second)
			if err == nil && string(res) != `"done"` {
				err = fmt.Errorf("result %s", res)
			}
			errs <- err
		}()
	}
	<-started
	waitFor(t, "requests queued", func() bool { return len(server.queue) == calls-1 })

	begin := time.Now()
	if err := server.Off(context.Background()); err != nil {
		t.Fatalf("%s - server Off failed: %v", testPrefix, err)
	}
	for i := 0; i < calls; i++ {
		if err := <-errs; err != nil {
			t.Errorf("%s - call #%d lost during shutdown: %v", testPrefix, i, err)
		}
	}
	if elapsed := time.Since(begin); elapsed > time.Second {
		t.Errorf("%s - shutdown took %s", testPrefix, elapsed)
	}
	waitFor(t, "client to stop", func() bool { return client.State() == StateStopped })
}

func TestOff_RefusesRequestsWhileDraining(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	dispatch := func(ctx context.Context, p *packet.Packet, c *Connector) (*packet.Packet, error) {
		if p.Method == "hold" {
			started <- struct{}{}
			<-release
		}
		return packet.NewResponse(p, p.Method, nil)
	}
	client, server, _, _ := startPair(t, dispatch, nil, nil)

	held := make(chan error, 1)
	go func() {
		_, err := call(t, client, "hold", nil, 2*time.Second)
		held <- err
	}()
	<-started

	offDone := make(chan error, 1)
	go func() { offDone <- server.Off(context.Background()) }()
	waitFor(t, "server draining", func() bool {
		select {
		case <-server.drainCh:
			return true
		default:
			return false
		}
	})

	begin := time.Now()
	_, err := call(t, client, "late", nil, 2*time.Second)
	if !errors.Is(err, rpcerr.ErrTunnelUnavailable) {
		t.Errorf("%s - late request: expected tunnel unavailable, got %v", testPrefix, err)
	}
	if elapsed := time.Since(begin); elapsed > 500*time.Millisecond {
		t.Errorf("%s - late request took %s to fail", testPrefix, elapsed)
	}

	close(release)
	if err := <-held; err != nil {
		t.Errorf("%s - in-flight request lost: %v", testPrefix, err)
	}
	if err := <-offDone; err != nil {
		t.Errorf("%s - server Off: %v", testPrefix, err)
	}
}

func TestLinkClosedWhileStopping_RejectsPendingCalls(t *testing.T) {
	blocked := make(chan struct{})
	dispatch := func(ctx context.Context, p *packet.Packet, c *Connector) (*packet.Packet, error) {
		<-blocked
		return nil, nil
	}
	client, _, clientEnd, _ := startPair(t, dispatch, []Option{WithDrainTimeout(5 * time.Second)}, nil)
	defer close(blocked)

	errCh := make(chan error, 1)
	go func() {
		_, err := call(t, client, "hang", nil, 5*time.Second)
		errCh <- err
	}()
	waitFor(t, "call pending", func() bool { return client.calls.Len() == 1 })

	go func() { _ = client.Off(context.Background()) }()
	waitFor(t, "client stopping", func() bool { return client.State() == StateStopping })
	clientEnd.link.close()

	select {
	case err := <-errCh:
		if !errors.Is(err, rpcerr.ErrTunnelUnavailable) {
			t.Errorf("%s - expected tunnel unavailable, got %v", testPrefix, err)
		}
	case <-time.After(time.Second):
		t.Fatalf("%s - pending call was not rejected after link loss", testPrefix)
	}
	waitFor(t, "client stopped", func() bool { return client.State() == StateStopped })
}

func TestInboundQueueFull_RefusesRequest(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	dispatch := func(ctx context.Context, p *packet.Packet, c *Connector) (*packet.Packet, error) {
		if p.Method == "first" {
			started <- struct{}{}
			<-release
		}
		return packet.NewResponse(p, p.Method, nil)
	}
	client, server, _, _ := startPair(t, dispatch, nil, []Option{WithQueueSize(1)})

	results := make(chan error, 2)
	go func() {
		_, err := call(t, client, "first", nil, 2*time.Second)
		results <- err
	}()
	<-started
	go func() {
		_, err := call(t, client, "second", nil, 2*time.Second)
		results <- err
	}()
	waitFor(t, "queue full", func() bool { return len(server.queue) == 1 })

	begin := time.Now()
	if _, err := call(t, client, "third", nil, 2*time.Second); !errors.Is(err, rpcerr.ErrIllegalState) {
		t.Errorf("%s - expected queue-full refusal, got %v", testPrefix, err)
	}
	if elapsed := time.Since(begin); elapsed > 500*time.Millisecond {
		t.Errorf("%s - refusal took %s", testPrefix, elapsed)
	}

	close(release)
	for i := 0; i < 2; i++ {
		if err := <-results; err != nil {
			t.Errorf("%s - queued request failed: %v", testPrefix, err)
		}
	}
}
