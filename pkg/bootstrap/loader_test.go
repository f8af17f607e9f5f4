package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/morezero/peer-rpc/pkg/discovery"
)

const loaderTestPrefix = "bootstrap:loader_test"

const sampleFile = `{
  "name": "lab",
  "version": "1.0.0",
  "endpoints": [
    {"id": "a", "service": "doc.ingest", "protocol": "tcp", "address": "10.0.0.1:7400", "labels": {"env": "lab"}},
    {"id": "b", "service": "doc.ingest", "protocol": "ws", "address": "10.0.0.2:7400", "state": "stopping"},
    {"id": "c", "service": "search", "protocol": "tcp", "address": "10.0.0.3:7400"}
  ],
  "aliases": {"ingest": "doc.ingest"}
}`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestParse(t *testing.T) {
	f, err := Parse([]byte(sampleFile))
	if err != nil {
		t.Fatalf("%s - Parse: %v", loaderTestPrefix, err)
	}
	if len(f.Endpoints) != 3 {
		t.Fatalf("%s - %d endpoints, want 3", loaderTestPrefix, len(f.Endpoints))
	}
	if f.Endpoints[0].State != discovery.StateReady {
		t.Errorf("%s - missing state should default to ready, got %q", loaderTestPrefix, f.Endpoints[0].State)
	}
	if f.Endpoints[1].State != discovery.StateStopping {
		t.Errorf("%s - explicit state lost: %q", loaderTestPrefix, f.Endpoints[1].State)
	}
	if got := f.Resolve("ingest"); got != "doc.ingest" {
		t.Errorf("%s - Resolve(ingest) = %q", loaderTestPrefix, got)
	}
	if got := f.Resolve("search"); got != "search" {
		t.Errorf("%s - Resolve(search) = %q", loaderTestPrefix, got)
	}
	if got := f.Services(); len(got) != 2 || got[0] != "doc.ingest" || got[1] != "search" {
		t.Errorf("%s - Services = %v", loaderTestPrefix, got)
	}
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{`},
		{"missing address", `{"endpoints":[{"id":"a","service":"s","protocol":"tcp"}]}`},
		{"bad state", `{"endpoints":[{"id":"a","service":"s","protocol":"tcp","address":"x:1","state":"asleep"}]}`},
		{"duplicate", `{"endpoints":[{"id":"a","service":"s","protocol":"tcp","address":"x:1"},{"id":"a","service":"s","protocol":"tcp","address":"x:2"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.data)); err == nil {
				t.Errorf("%s - expected error", loaderTestPrefix)
			}
		})
	}
}

func TestLoad_PathOrder(t *testing.T) {
	explicit := writeFile(t, "explicit.json", `{"name":"explicit"}`)
	env := writeFile(t, "env.json", `{"name":"env"}`)
	t.Setenv(EnvFile, env)

	f, err := Load(explicit)
	if err != nil || f.Name != "explicit" {
		t.Errorf("%s - explicit path: %+v, %v", loaderTestPrefix, f, err)
	}
	f, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil || f.Name != "env" {
		t.Errorf("%s - env fallback: %+v, %v", loaderTestPrefix, f, err)
	}

	t.Setenv(EnvFile, "")
	f, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil || len(f.Endpoints) != 0 || f.Aliases == nil {
		t.Errorf("%s - empty default: %+v, %v", loaderTestPrefix, f, err)
	}

	broken := writeFile(t, "broken.json", `{"endpoints":[{"id":"a"}]}`)
	if _, err := Load(broken); err == nil {
		t.Errorf("%s - invalid file must not be skipped", loaderTestPrefix)
	}
}

func TestSeed(t *testing.T) {
	f, err := Parse([]byte(sampleFile))
	if err != nil {
		t.Fatal(err)
	}
	mem := discovery.NewMemory()
	n, err := Seed(context.Background(), discovery.NewRegistrar(mem, nil), f)
	if err != nil || n != 3 {
		t.Fatalf("%s - Seed = %d, %v", loaderTestPrefix, n, err)
	}
	list, _ := mem.List(context.Background(), "doc.ingest")
	if len(list) != 2 || list[0].ID != "a" || list[0].Labels["env"] != "lab" {
		t.Errorf("%s - seeded list = %+v", loaderTestPrefix, list)
	}
}

func TestMerge(t *testing.T) {
	base, _ := Parse([]byte(sampleFile))
	override, err := Parse([]byte(`{
	  "version": "2.0.0",
	  "endpoints": [
	    {"id": "a", "service": "doc.ingest", "protocol": "tcp", "address": "10.0.0.9:7400"},
	    {"id": "d", "service": "search", "protocol": "tcp", "address": "10.0.0.4:7400"}
	  ],
	  "aliases": {"find": "search"}
	}`))
	if err != nil {
		t.Fatal(err)
	}
	m := Merge(base, override)
	if m.Name != "lab" || m.Version != "2.0.0" {
		t.Errorf("%s - name/version = %s/%s", loaderTestPrefix, m.Name, m.Version)
	}
	if len(m.Endpoints) != 4 || m.Endpoints[0].Address != "10.0.0.9:7400" || m.Endpoints[3].ID != "d" {
		t.Errorf("%s - merged endpoints = %+v", loaderTestPrefix, m.Endpoints)
	}
	if m.Resolve("ingest") != "doc.ingest" || m.Resolve("find") != "search" {
		t.Errorf("%s - merged aliases = %v", loaderTestPrefix, m.Aliases)
	}
	if len(base.Aliases) != 1 {
		t.Errorf("%s - Merge mutated base aliases: %v", loaderTestPrefix, base.Aliases)
	}
}
