package ingest

import (
	"sort"
	"sync"
)

// Registry holds named connectors. Registration happens at startup; lookups
// may run concurrently afterwards
type Registry struct {
	mu   sync.RWMutex
	byID map[string]*Connector
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Connector)}
}

// Register adds c under its source name, replacing any previous connector
func (r *Registry) Register(c *Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[c.Name()] = c
}

// Get returns the connector for name, or nil
func (r *Registry) Get(name string) *Connector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[name]
}

// Names returns the registered source names sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byID))
	for name := range r.byID {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// All returns the connectors ordered by name
func (r *Registry) All() []*Connector {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connector, 0, len(names))
	for _, name := range names {
		out = append(out, r.byID[name])
	}
	return out
}
