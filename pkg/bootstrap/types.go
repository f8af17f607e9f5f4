// Package bootstrap loads a static peer file: endpoints that are known
// up front instead of announced, plus service aliases.
package bootstrap

import "github.com/morezero/peer-rpc/pkg/discovery"

// File is the root of a bootstrap file.
type File struct {
	Name        string               `json:"name"`
	Version     string               `json:"version"`
	Description string               `json:"description,omitempty"`
	Endpoints   []discovery.Endpoint `json:"endpoints"`
	// Aliases maps a short name to a service name.
	Aliases map[string]string `json:"aliases"`
}

// Resolve maps an alias to its service name. Names that are not aliases are
// returned unchanged.
func (f *File) Resolve(name string) string {
	if f == nil {
		return name
	}
	if svc, ok := f.Aliases[name]; ok && svc != "" {
		return svc
	}
	return name
}

// Services returns the distinct services of the file's endpoints, in file
// order.
func (f *File) Services() []string {
	if f == nil {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, e := range f.Endpoints {
		if !seen[e.Service] {
			seen[e.Service] = true
			out = append(out, e.Service)
		}
	}
	return out
}
