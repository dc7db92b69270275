// Package pool manages the set of upstream proxies.
// It tracks liveness and last-probe latency per entry and hands out
// point-in-time snapshots so callers never hold the registry lock
// across I/O.
package pool

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"
)

// Upstream protocols. HTTPS is accepted for compatibility and treated
// exactly like HTTP (plaintext CONNECT to the proxy itself).
const (
	ProtoSOCKS5 = "socks5"
	ProtoHTTP   = "http"
	ProtoHTTPS  = "https"
)

// Proxy is one upstream proxy descriptor. Values are copied in and out
// of the registry; a Proxy held by a caller is never shared with a
// concurrent writer.
type Proxy struct {
	ID       string `json:"id"`
	Protocol string `json:"protocol"`
	Host     string `json:"host"`
	Port     uint16 `json:"port"`
	User     string `json:"user,omitempty"`
	Pass     string `json:"pass,omitempty"`

	// LatencyMS is the round-trip of the last successful probe in
	// milliseconds. Nil until a probe succeeds; cleared again on failure.
	LatencyMS *uint64 `json:"latency_ms,omitempty"`
	Alive     bool    `json:"is_alive"`
}

// New validates the connection fields and returns a fresh descriptor
// with a newly assigned id. Protocol defaults to socks5 when empty.
func New(protocol, host string, port uint16, user, pass string) (Proxy, error) {
	p := Proxy{
		ID:       uuid.NewString(),
		Protocol: protocol,
		Host:     host,
		Port:     port,
		User:     user,
		Pass:     pass,
	}
	if p.Protocol == "" {
		p.Protocol = ProtoSOCKS5
	}
	if err := p.Validate(); err != nil {
		return Proxy{}, err
	}
	return p, nil
}

// Validate checks the connection fields of the descriptor.
func (p *Proxy) Validate() error {
	switch p.Protocol {
	case ProtoSOCKS5, ProtoHTTP, ProtoHTTPS:
	default:
		return fmt.Errorf("unsupported protocol %q (use socks5, http, https)", p.Protocol)
	}
	if p.Host == "" {
		return fmt.Errorf("missing host")
	}
	if p.Port == 0 {
		return fmt.Errorf("missing port")
	}
	if (p.User == "") != (p.Pass == "") {
		return fmt.Errorf("user and pass must be set together")
	}
	return nil
}

// Addr returns the proxy endpoint in host:port form.
func (p *Proxy) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(int(p.Port)))
}

// HasAuth reports whether the descriptor carries credentials.
func (p *Proxy) HasAuth() bool {
	return p.User != "" && p.Pass != ""
}

// String returns a human-readable representation with credentials redacted.
func (p *Proxy) String() string {
	if p.HasAuth() {
		return fmt.Sprintf("%s://***:***@%s", p.Protocol, p.Addr())
	}
	return fmt.Sprintf("%s://%s", p.Protocol, p.Addr())
}

// Registry is the concurrent proxy container keyed by id. The prober,
// the connection handlers, and the command surface all operate on it in
// parallel; readers get value-copy snapshots, writers mutate point-wise.
type Registry struct {
	mu      sync.RWMutex
	proxies map[string]Proxy
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{proxies: make(map[string]Proxy)}
}

// Put inserts or replaces the descriptor under its id.
func (r *Registry) Put(p Proxy) {
	r.mu.Lock()
	r.proxies[p.ID] = p
	r.mu.Unlock()
}

// Get returns a copy of the descriptor with the given id.
func (r *Registry) Get(id string) (Proxy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.proxies[id]
	return p, ok
}

// Remove deletes the descriptor with the given id. Reports whether it
// was present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.proxies[id]
	delete(r.proxies, id)
	return ok
}

// Clear removes all descriptors and returns how many were dropped.
func (r *Registry) Clear() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.proxies)
	r.proxies = make(map[string]Proxy)
	return n
}

// ClearDead removes all descriptors whose last probe failed.
func (r *Registry) ClearDead() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, p := range r.proxies {
		if !p.Alive {
			delete(r.proxies, id)
			n++
		}
	}
	return n
}

// Update applies fn to the descriptor with the given id while holding
// the write lock. fn must not block. Reports whether the id was found.
func (r *Registry) Update(id string, fn func(*Proxy)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.proxies[id]
	if !ok {
		return false
	}
	fn(&p)
	r.proxies[id] = p
	return true
}

// Snapshot returns copies of all descriptors sorted by id ascending.
func (r *Registry) Snapshot() []Proxy {
	r.mu.RLock()
	out := make([]Proxy, 0, len(r.proxies))
	for _, p := range r.proxies {
		out = append(out, p)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Alive returns copies of the live descriptors sorted by id ascending.
// Selection strategies depend on this ordering for determinism.
func (r *Registry) Alive() []Proxy {
	r.mu.RLock()
	out := make([]Proxy, 0, len(r.proxies))
	for _, p := range r.proxies {
		if p.Alive {
			out = append(out, p)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the total number of descriptors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.proxies)
}

// AliveLen returns the number of live descriptors.
func (r *Registry) AliveLen() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, p := range r.proxies {
		if p.Alive {
			count++
		}
	}
	return count
}
