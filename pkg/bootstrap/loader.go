package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/morezero/peer-rpc/pkg/discovery"
)

const logPrefix = "bootstrap:loader"

// EnvFile names the environment variable consulted after explicit paths.
const EnvFile = "BOOTSTRAP_FILE"

// Load reads the first readable bootstrap file. It tries paths in order:
// first any paths passed in, then BOOTSTRAP_FILE, then the defaults. A file
// that exists but does not parse or validate is an error. With no file at
// all, Load returns an empty File.
func Load(paths ...string) (*File, error) {
	all := make([]string, 0, len(paths)+3)
	for _, p := range paths {
		if p != "" {
			all = append(all, p)
		}
	}
	if envPath := os.Getenv(EnvFile); envPath != "" {
		all = append(all, envPath)
	}
	all = append(all, "config/bootstrap.json", "bootstrap.json")

	for _, p := range all {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		f, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s - %s: %w", logPrefix, p, err)
		}
		slog.Info(fmt.Sprintf("%s - Loaded bootstrap file %s (%d endpoints)", logPrefix, p, len(f.Endpoints)))
		return f, nil
	}

	slog.Debug(fmt.Sprintf("%s - No bootstrap file found", logPrefix))
	return &File{Aliases: map[string]string{}}, nil
}

// Parse decodes and validates a bootstrap file. Endpoints without a state
// are taken as ready.
func Parse(data []byte) (*File, error) {
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%s - parse: %w", logPrefix, err)
	}
	if f.Aliases == nil {
		f.Aliases = map[string]string{}
	}
	seen := make(map[string]bool, len(f.Endpoints))
	for i := range f.Endpoints {
		e := &f.Endpoints[i]
		if e.State == "" {
			e.State = discovery.StateReady
		}
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("%s - endpoint %d: %w", logPrefix, i, err)
		}
		key := e.Service + "/" + e.ID
		if seen[key] {
			return nil, fmt.Errorf("%s - duplicate endpoint %s", logPrefix, key)
		}
		seen[key] = true
	}
	return &f, nil
}

// Seed announces every endpoint of f through r and returns how many were
// announced.
func Seed(ctx context.Context, r *discovery.Registrar, f *File) (int, error) {
	n := 0
	for _, e := range f.Endpoints {
		if _, err := r.Announce(ctx, e); err != nil {
			return n, fmt.Errorf("%s - seed %s/%s: %w", logPrefix, e.Service, e.ID, err)
		}
		n++
	}
	if n > 0 {
		slog.Info(fmt.Sprintf("%s - Seeded %d static endpoints", logPrefix, n))
	}
	return n, nil
}

// Merge returns base with override's endpoints and aliases laid over it.
// Endpoints are matched by service and id.
func Merge(base, override *File) *File {
	merged := *base
	merged.Aliases = make(map[string]string, len(base.Aliases)+len(override.Aliases))
	for k, v := range base.Aliases {
		merged.Aliases[k] = v
	}
	for k, v := range override.Aliases {
		merged.Aliases[k] = v
	}

	index := make(map[string]int, len(base.Endpoints))
	merged.Endpoints = make([]discovery.Endpoint, 0, len(base.Endpoints)+len(override.Endpoints))
	for _, e := range base.Endpoints {
		index[e.Service+"/"+e.ID] = len(merged.Endpoints)
		merged.Endpoints = append(merged.Endpoints, e.Clone())
	}
	for _, e := range override.Endpoints {
		if i, ok := index[e.Service+"/"+e.ID]; ok {
			merged.Endpoints[i] = e.Clone()
			continue
		}
		merged.Endpoints = append(merged.Endpoints, e.Clone())
	}
	if override.Name != "" {
		merged.Name = override.Name
	}
	if override.Version != "" {
		merged.Version = override.Version
	}
	return &merged
}
