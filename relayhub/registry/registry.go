// Package registry records the loopback endpoints of ready backend processes so the gateway
// relay can reach them without hardcoded ports, and carries the unit's degraded health state.
package registry

import (
	"errors"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"
)

// ErrNotFound is returned by Resolve when no endpoint is published for a name.
var ErrNotFound = errors.New("service endpoint not found")

// Endpoint is the resolved loopback address of a named backend.
type Endpoint struct {
	Name        string    `json:"name"`
	Host        string    `json:"host"`
	Port        int       `json:"port"`
	Version     uint64    `json:"version"`
	PublishedAt time.Time `json:"published_at"`
}

// Address returns host:port.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// ServiceHealth is the health of one named service as seen by the registry.
type ServiceHealth struct {
	Name      string    `json:"name"`
	Published bool      `json:"published"`
	Endpoint  *Endpoint `json:"endpoint,omitempty"`
	Degraded  bool      `json:"degraded"`
	Reason    string    `json:"reason,omitempty"`
}

// Health is a point-in-time view of every service the registry knows about.
type Health struct {
	Degraded bool            `json:"degraded"`
	Services []ServiceHealth `json:"services"`
}

// Registry maps service names to endpoints. It is safe for concurrent use by many readers
// and a writer.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]Endpoint
	degraded  map[string]string // name -> reason
	known     map[string]bool
	version   uint64
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		endpoints: make(map[string]Endpoint),
		degraded:  make(map[string]string),
		known:     make(map[string]bool),
	}
}

// Publish records the endpoint for name, replacing any previous mapping. The stored endpoint
// gets a version greater than any earlier publish and is returned.
func (r *Registry) Publish(name string, endpoint Endpoint) Endpoint {
	endpoint.Name = name
	if endpoint.PublishedAt.IsZero() {
		endpoint.PublishedAt = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.version++
	endpoint.Version = r.version
	r.endpoints[name] = endpoint
	r.known[name] = true
	return endpoint
}

// Resolve returns the current endpoint for name.
func (r *Registry) Resolve(name string) (Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	endpoint, ok := r.endpoints[name]
	if !ok {
		return Endpoint{}, ErrNotFound
	}
	return endpoint, nil
}

// Withdraw removes the endpoint for name. It is a no-op if nothing is published.
func (r *Registry) Withdraw(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.endpoints, name)
}

// Track makes a service appear in Health before it has ever published.
func (r *Registry) Track(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.known[name] = true
}

// MarkDegraded flags a service as having exhausted its restart budget. The flag is sticky.
func (r *Registry) MarkDegraded(name, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.degraded[name] = reason
	r.known[name] = true
}

// Degraded reports whether any service has been marked degraded.
func (r *Registry) Degraded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.degraded) > 0
}

// Health returns the health of every known service, sorted by name.
func (r *Registry) Health() Health {
	r.mu.RLock()
	defer r.mu.RUnlock()

	health := Health{
		Degraded: len(r.degraded) > 0,
		Services: make([]ServiceHealth, 0, len(r.known)),
	}
	for name := range r.known {
		sh := ServiceHealth{Name: name}
		if endpoint, ok := r.endpoints[name]; ok {
			sh.Published = true
			sh.Endpoint = &endpoint
		}
		if reason, ok := r.degraded[name]; ok {
			sh.Degraded = true
			sh.Reason = reason
		}
		health.Services = append(health.Services, sh)
	}
	sort.Slice(health.Services, func(i, j int) bool {
		return health.Services[i].Name < health.Services[j].Name
	})
	return health
}
