// Package presence tracks which users are reachable and which are marked
// online. Both structures are safe for concurrent use and never perform I/O
// while holding their locks.
package presence

import (
	"sort"
	"sync"
)

// Conn is a routable connection handle.
type Conn interface {
	ID() string
	Identity() string
	Deliver(payload []byte) bool
}

// Observer is told when an identity gains its first connection or loses its
// last one. Calls happen outside the registry lock and must not block.
type Observer interface {
	Reachable(identity string)
	Unreachable(identity string)
}

// Registry maps identities to their live connections.
type Registry struct {
	mu         sync.RWMutex
	byIdentity map[string]map[string]Conn // identity -> conn id -> conn
	single     bool
	observers  []Observer
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithSingleConnection keeps at most one connection per identity; a newer
// registration replaces the older one, which stays open but unreachable.
func WithSingleConnection() RegistryOption {
	return func(r *Registry) { r.single = true }
}

// WithObserver attaches a reachability observer.
func WithObserver(o Observer) RegistryOption {
	return func(r *Registry) {
		if o != nil {
			r.observers = append(r.observers, o)
		}
	}
}

// NewRegistry returns an empty registry that keeps every connection of an
// identity unless WithSingleConnection is given.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{byIdentity: make(map[string]map[string]Conn)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register makes c reachable under its identity.
func (r *Registry) Register(c Conn) {
	if c == nil {
		return
	}
	identity := c.Identity()

	r.mu.Lock()
	conns := r.byIdentity[identity]
	first := len(conns) == 0
	if conns == nil || r.single {
		conns = make(map[string]Conn, 1)
		r.byIdentity[identity] = conns
	}
	conns[c.ID()] = c
	r.mu.Unlock()

	if first {
		for _, o := range r.observers {
			o.Reachable(identity)
		}
	}
}

// Unregister removes c. It is a no-op when c was already replaced or
// removed, so a stale teardown never evicts a newer connection.
func (r *Registry) Unregister(c Conn) bool {
	if c == nil {
		return false
	}
	identity := c.Identity()

	r.mu.Lock()
	conns := r.byIdentity[identity]
	current, ok := conns[c.ID()]
	if !ok || current != c {
		r.mu.Unlock()
		return false
	}
	delete(conns, c.ID())
	last := len(conns) == 0
	if last {
		delete(r.byIdentity, identity)
	}
	r.mu.Unlock()

	if last {
		for _, o := range r.observers {
			o.Unreachable(identity)
		}
	}
	return true
}

// Resolve returns every connection of the given identities. Identities
// without a connection are skipped; duplicates resolve once.
func (r *Registry) Resolve(identities []string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{}, len(identities))
	var out []Conn
	for _, identity := range identities {
		if _, dup := seen[identity]; dup {
			continue
		}
		seen[identity] = struct{}{}
		for _, c := range r.byIdentity[identity] {
			out = append(out, c)
		}
	}
	return out
}

// All returns every registered connection.
func (r *Registry) All() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Conn
	for _, conns := range r.byIdentity {
		for _, c := range conns {
			out = append(out, c)
		}
	}
	return out
}

// Reachable reports whether identity has at least one connection.
func (r *Registry) Reachable(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdentity[identity]) > 0
}

// Identities returns the reachable identities in lexical order.
func (r *Registry) Identities() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.byIdentity))
	for identity := range r.byIdentity {
		out = append(out, identity)
	}
	r.mu.RUnlock()

	sort.Strings(out)
	return out
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, conns := range r.byIdentity {
		n += len(conns)
	}
	return n
}
