// Package registry holds a node's view of cluster membership.
package registry

import (
	"iter"
	"sort"
	"sync"

	"murmur/datamodel/peer"
)

// Registry maps identities to addresses. It only grows: there is no removal.
// The owner's identity is never a member.
type Registry struct {
	self  string
	mu    sync.RWMutex
	peers map[string]peer.Address
}

func New(self string) *Registry {
	return &Registry{
		self:  self,
		peers: make(map[string]peer.Address),
	}
}

// Self returns the identity this registry belongs to.
func (r *Registry) Self() string {
	return r.self
}

func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.peers[id]
	return ok
}

// Add registers a peer and reports whether it was genuinely new. Known
// identities and the owner's own identity are left untouched.
func (r *Registry) Add(addr peer.Address) bool {
	if addr.ID == "" || addr.ID == r.self {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[addr.ID]; ok {
		return false
	}
	r.peers[addr.ID] = addr
	return true
}

func (r *Registry) Get(id string) (peer.Address, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.peers[id]
	return a, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// snapshot copies the current members, sorted by identity.
func (r *Registry) snapshot() []peer.Address {
	r.mu.RLock()
	out := make([]peer.Address, 0, len(r.peers))
	for _, a := range r.peers {
		out = append(out, a)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// All yields every known (identity, address) pair. Each iteration works on a
// copy taken when it starts, so callers may Add while ranging.
func (r *Registry) All() iter.Seq2[string, peer.Address] {
	return func(yield func(string, peer.Address) bool) {
		for _, a := range r.snapshot() {
			if !yield(a.ID, a) {
				return
			}
		}
	}
}

// IDs returns the known identities in sorted order.
func (r *Registry) IDs() []string {
	snap := r.snapshot()
	ids := make([]string, 0, len(snap))
	for _, a := range snap {
		ids = append(ids, a.ID)
	}
	return ids
}
