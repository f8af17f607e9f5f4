package discovery

import (
	"context"
	"reflect"
	"strconv"
	"testing"
)

const memoryTestPrefix = "discovery:memory_test"

func endpoint(id string) Endpoint {
	return Endpoint{
		ID:       id,
		Service:  "billing",
		Protocol: "tcp",
		Address:  "127.0.0.1:7001",
		Labels:   map[string]string{"env": "prod"},
	}
}

func TestMemory_EventsInOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var first, second []string
	unwatch, err := m.Watch("billing", func(ev Event) {
		first = append(first, string(ev.Kind)+":"+ev.Endpoint.ID+":"+string(ev.Endpoint.State))
	})
	if err != nil {
		t.Fatal(err)
	}
	_, _ = m.Watch("billing", func(ev Event) {
		// Second handler always runs after the first for the same event.
		second = append(second, string(ev.Kind)+"@"+strconv.Itoa(len(first)))
	})
	_, _ = m.Watch("other", func(ev Event) {
		t.Errorf("%s - other service must not see billing events", memoryTestPrefix)
	})

	if _, created, err := m.Upsert(ctx, endpoint("a")); err != nil || !created {
		t.Fatalf("%s - Upsert = %v, %v", memoryTestPrefix, created, err)
	}
	e := endpoint("a")
	e.Address = "127.0.0.1:7002"
	if _, created, _ := m.Upsert(ctx, e); created {
		t.Errorf("%s - second upsert reported created", memoryTestPrefix)
	}
	if _, ok, _ := m.SetState(ctx, "billing", "a", StateReady); !ok {
		t.Errorf("%s - SetState did not find endpoint", memoryTestPrefix)
	}
	_, _, _ = m.SetState(ctx, "billing", "a", StateReady)
	if _, ok, _ := m.Delete(ctx, "billing", "a"); !ok {
		t.Errorf("%s - Delete did not find endpoint", memoryTestPrefix)
	}
	unwatch()
	unwatch()
	_, _, _ = m.Upsert(ctx, endpoint("b"))

	want := []string{"created:a:pending", "updated:a:pending", "state:a:ready", "deleted:a:ready"}
	if !reflect.DeepEqual(first, want) {
		t.Errorf("%s - events = %v, want %v", memoryTestPrefix, first, want)
	}
	wantSecond := []string{"created@1", "updated@2", "state@3", "deleted@4", "created@4"}
	if !reflect.DeepEqual(second, wantSecond) {
		t.Errorf("%s - second handler = %v, want %v", memoryTestPrefix, second, wantSecond)
	}
}

func TestMemory_ListIsolated(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_, _, _ = m.Upsert(ctx, endpoint("b"))
	_, _, _ = m.Upsert(ctx, endpoint("a"))

	list, err := m.GetEndpointList(ctx, "billing")
	if err != nil || len(list) != 2 || list[0].ID != "a" || list[1].ID != "b" {
		t.Fatalf("%s - list = %+v, %v", memoryTestPrefix, list, err)
	}
	list[0].Labels["env"] = "mutated"
	again, _ := m.List(ctx, "billing")
	if again[0].Labels["env"] != "prod" {
		t.Errorf("%s - list must return copies", memoryTestPrefix)
	}
	if empty, _ := m.List(ctx, "nobody"); len(empty) != 0 {
		t.Errorf("%s - unknown service = %+v", memoryTestPrefix, empty)
	}
}

func TestMemory_Rejects(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	bad := endpoint("a")
	bad.Address = ""
	if _, _, err := m.Upsert(ctx, bad); err == nil {
		t.Errorf("%s - endpoint without address accepted", memoryTestPrefix)
	}
	if _, _, err := m.SetState(ctx, "billing", "a", State("sleeping")); err == nil {
		t.Errorf("%s - unknown state accepted", memoryTestPrefix)
	}
	if _, ok, err := m.SetState(ctx, "billing", "missing", StateReady); ok || err != nil {
		t.Errorf("%s - SetState(missing) = %v, %v", memoryTestPrefix, ok, err)
	}
	if _, err := m.Watch("billing", nil); err == nil {
		t.Errorf("%s - nil handler accepted", memoryTestPrefix)
	}
}

func TestMemory_Apply(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	e := endpoint("a")
	e.State = StateReady
	if err := m.Apply(ctx, NewEvent(EventStateChanged, e)); err != nil {
		t.Fatal(err)
	}
	list, _ := m.List(ctx, "billing")
	if len(list) != 1 || list[0].State != StateReady {
		t.Fatalf("%s - state event for unknown endpoint should insert it: %+v", memoryTestPrefix, list)
	}
	if err := m.Apply(ctx, NewEvent(EventDeleted, e)); err != nil {
		t.Fatal(err)
	}
	if list, _ := m.List(ctx, "billing"); len(list) != 0 {
		t.Errorf("%s - delete not applied: %+v", memoryTestPrefix, list)
	}
	if err := m.Apply(ctx, Event{Kind: "bogus"}); err == nil {
		t.Errorf("%s - unknown kind accepted", memoryTestPrefix)
	}
}
