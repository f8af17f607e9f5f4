package discovery

import (
	"context"
	"testing"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
	comms "github.com/nats-io/nats.go"
)

const natsTestPrefix = "discovery:nats_test"

// startTestServer starts an in-process NATS server and returns n client
// connections to it.
func startTestServer(t *testing.T, n int) []*comms.Conn {
	t.Helper()

	ns, err := commsserver.NewServer(&commsserver.Options{
		Host:   "127.0.0.1",
		Port:   commsserver.RANDOM_PORT,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		t.Fatalf("%s - failed to create server: %v", natsTestPrefix, err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatalf("%s - server failed to start", natsTestPrefix)
	}

	conns := make([]*comms.Conn, 0, n)
	for i := 0; i < n; i++ {
		nc, err := comms.Connect(ns.ClientURL(), comms.Timeout(5*time.Second))
		if err != nil {
			t.Fatalf("%s - failed to connect: %v", natsTestPrefix, err)
		}
		conns = append(conns, nc)
	}
	t.Cleanup(func() {
		for _, nc := range conns {
			nc.Close()
		}
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return conns
}

func TestNATS_WatchReceivesPublishedEvents(t *testing.T) {
	conns := startTestServer(t, 2)
	ctx := context.Background()

	d := NewNATS(conns[1], WithPrefix("test.disc"))
	events := make(chan Event, 8)
	unwatch, err := d.Watch("doc.ingest", func(ev Event) { events <- ev })
	if err != nil {
		t.Fatal(err)
	}
	defer unwatch()

	r := NewRegistrar(NewMemory(), NewNATSPublisher(conns[0], "test.disc"))
	e := endpoint("a")
	e.Service = "doc.ingest"
	if _, err := r.Announce(ctx, e); err != nil {
		t.Fatal(err)
	}
	if _, err := r.SetState(ctx, "doc.ingest", "a", StateReady); err != nil {
		t.Fatal(err)
	}
	if err := r.Withdraw(ctx, "doc.ingest", "a"); err != nil {
		t.Fatal(err)
	}

	want := []EventKind{EventCreated, EventStateChanged, EventDeleted}
	for i, kind := range want {
		select {
		case ev := <-events:
			if ev.Kind != kind || ev.Endpoint.ID != "a" || ev.Service != "doc.ingest" {
				t.Errorf("%s - event %d = %+v, want %s", natsTestPrefix, i, ev, kind)
			}
			if kind == EventStateChanged && ev.Endpoint.State != StateReady {
				t.Errorf("%s - state event carries %s", natsTestPrefix, ev.Endpoint.State)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s - timed out waiting for %s", natsTestPrefix, kind)
		}
	}
}

func TestNATS_GatherMergesReplies(t *testing.T) {
	conns := startTestServer(t, 3)
	ctx := context.Background()

	nodeA, nodeB := NewMemory(), NewMemory()
	_, _, _ = nodeA.Upsert(ctx, endpoint("a"))
	_, _, _ = nodeB.Upsert(ctx, endpoint("b"))
	for i, m := range []*Memory{nodeA, nodeB} {
		sub, err := ServeList(conns[i], "", m)
		if err != nil {
			t.Fatal(err)
		}
		defer func() { _ = sub.Unsubscribe() }()
	}

	d := NewNATS(conns[2], WithListTimeout(300*time.Millisecond))
	list, err := d.GetEndpointList(ctx, "billing")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != "a" || list[1].ID != "b" {
		t.Errorf("%s - gathered %+v, want a and b", natsTestPrefix, list)
	}

	empty, err := d.GetEndpointList(ctx, "nobody")
	if err != nil || len(empty) != 0 {
		t.Errorf("%s - unknown service = %+v, %v", natsTestPrefix, empty, err)
	}
}

func TestNATS_ListerAndCancel(t *testing.T) {
	conns := startTestServer(t, 1)

	store := NewMemory()
	_, _, _ = store.Upsert(context.Background(), endpoint("z"))
	d := NewNATS(conns[0], WithLister(store))
	list, err := d.GetEndpointList(context.Background(), "billing")
	if err != nil || len(list) != 1 || list[0].ID != "z" {
		t.Errorf("%s - lister list = %+v, %v", natsTestPrefix, list, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewNATS(conns[0]).GetEndpointList(ctx, "billing"); err == nil {
		t.Errorf("%s - cancelled gather should fail", natsTestPrefix)
	}
}
