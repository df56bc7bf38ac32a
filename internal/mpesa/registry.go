package mpesa

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds one client per configuration name. The first active
// configuration is the default.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	order   []string
}

func NewRegistry(clients ...*Client) *Registry {
	r := &Registry{clients: make(map[string]*Client)}
	r.Replace(clients...)
	return r
}

// Replace swaps the whole set, keeping the given order.
func (r *Registry) Replace(clients ...*Client) {
	m := make(map[string]*Client, len(clients))
	order := make([]string, 0, len(clients))
	for _, c := range clients {
		if c == nil {
			continue
		}
		if _, dup := m[c.Name()]; dup {
			continue
		}
		m[c.Name()] = c
		order = append(order, c.Name())
	}
	r.mu.Lock()
	r.clients, r.order = m, order
	r.mu.Unlock()
}

// Get returns the named client, or the default one when name is empty.
func (r *Registry) Get(name string) (*Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		if len(r.order) == 0 {
			return nil, ErrNoClient
		}
		return r.clients[r.order[0]], nil
	}
	c, ok := r.clients[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoClient, name)
	}
	return c, nil
}

// Active lists every client in configuration order.
func (r *Registry) Active() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.clients[n])
	}
	return out
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := append([]string(nil), r.order...)
	sort.Strings(out)
	return out
}
