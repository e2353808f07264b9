package domain

import (
	"sort"
	"sync"
)

// PeerID is the transport's textual peer identifier. Ties between equally
// distant peers are broken by its bytewise order.
type PeerID string

func (p PeerID) String() string {
	return string(p)
}

// PeerEntry is one connected peer and the hash of its public identity.
type PeerEntry struct {
	ID           PeerID
	IdentityHash V256
}

// Route is the outcome of a closest-peer query that includes the local node.
type Route struct {
	Self bool
	Peer PeerEntry
}

// PeerTable mirrors the set of connected peers.
type PeerTable struct {
	mu    sync.RWMutex
	peers map[PeerID]V256
}

func NewPeerTable() *PeerTable {
	return &PeerTable{peers: map[PeerID]V256{}}
}

func (t *PeerTable) Insert(id PeerID, identityHash V256) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[id] = identityHash
}

// Remove reports whether the peer was present.
func (t *PeerTable) Remove(id PeerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.peers[id]
	delete(t.peers, id)
	return ok
}

func (t *PeerTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

func (t *PeerTable) Get(id PeerID) (V256, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	hash, ok := t.peers[id]
	return hash, ok
}

func (t *PeerTable) Entries() []PeerEntry {
	t.mu.RLock()
	out := make([]PeerEntry, 0, len(t.peers))
	for id, hash := range t.peers {
		out = append(out, PeerEntry{ID: id, IdentityHash: hash})
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Closest returns the peer minimising Hamming distance to target.
func (t *PeerTable) Closest(target V256) (PeerEntry, bool) {
	closest := t.ClosestN(target, 1)
	if len(closest) == 0 {
		return PeerEntry{}, false
	}
	return closest[0], true
}

// ClosestN returns up to n peers ordered by (distance, PeerID).
func (t *PeerTable) ClosestN(target V256, n int) []PeerEntry {
	if n <= 0 {
		return nil
	}
	entries := t.Entries()
	sort.SliceStable(entries, func(i, j int) bool {
		di := entries[i].IdentityHash.Hamming(target)
		dj := entries[j].IdentityHash.Hamming(target)
		if di != dj {
			return di < dj
		}
		return entries[i].ID < entries[j].ID
	})
	if len(entries) > n {
		entries = entries[:n]
	}
	return entries
}

// ClosestIncludingSelf picks self unless a remote peer is strictly closer.
func (t *PeerTable) ClosestIncludingSelf(target, selfHash V256) Route {
	best, ok := t.Closest(target)
	if !ok {
		return Route{Self: true}
	}
	if best.IdentityHash.Hamming(target) < selfHash.Hamming(target) {
		return Route{Peer: best}
	}
	return Route{Self: true}
}
