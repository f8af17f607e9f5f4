package discovery

import (
	"testing"
	"time"
)

func TestPostgresStore_RowMapping(t *testing.T) {
	e := Endpoint{
		ID: "a", Service: "svc", Protocol: "ws", Address: "h:1",
		Labels: map[string]string{"env": "prod"}, Weight: 3, State: StateStopping,
		TargetID: "node-1", TargetName: "host-1",
	}
	row := toRow(e)
	if row.State != "stopping" || row.TargetID != "node-1" || row.Labels["env"] != "prod" {
		t.Errorf("discovery:postgres_test - toRow = %+v", row)
	}

	modified := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	row.Modified = modified
	back := fromRow(row)
	if back.UpdatedAt != modified {
		t.Errorf("discovery:postgres_test - UpdatedAt = %v, want row modified time", back.UpdatedAt)
	}
	back.UpdatedAt = time.Time{}
	if back.ID != e.ID || back.State != e.State || back.Weight != e.Weight || back.TargetName != e.TargetName {
		t.Errorf("discovery:postgres_test - round trip = %+v", back)
	}
}
