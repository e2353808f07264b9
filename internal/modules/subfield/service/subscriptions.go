package service

import (
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"

	"subfield/internal/modules/subfield/domain"
	"subfield/internal/platform/config"
	"subfield/internal/platform/id"
)

// subscriber is one open subscription fed by the registry.
type subscriber struct {
	id     string
	peer   domain.PeerID
	hash   domain.V256
	box    *mailbox[domain.Record]
	lagged atomic.Bool
}

// registry fans stored records out to the subscribers of each indexing hash.
type registry struct {
	logger  hclog.Logger
	ids     id.Generator
	buffer  int
	policy  config.LagPolicy
	dropped atomic.Int64

	mu     sync.RWMutex
	byHash map[domain.V256]map[string]*subscriber
	byID   map[string]*subscriber
}

func newRegistry(logger hclog.Logger, ids id.Generator, buffer int, policy config.LagPolicy) *registry {
	return &registry{
		logger: logger,
		ids:    ids,
		buffer: buffer,
		policy: policy,
		byHash: map[domain.V256]map[string]*subscriber{},
		byID:   map[string]*subscriber{},
	}
}

func (r *registry) add(peer domain.PeerID, hash domain.V256) *subscriber {
	sub := &subscriber{
		id:   r.ids.New(),
		peer: peer,
		hash: hash,
		box:  newMailbox[domain.Record](r.buffer),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.byHash[hash]
	if set == nil {
		set = map[string]*subscriber{}
		r.byHash[hash] = set
	}
	set[sub.id] = sub
	r.byID[sub.id] = sub
	return sub
}

// remove detaches the subscriber and lets its queued records drain.
func (r *registry) remove(subID string) bool {
	r.mu.Lock()
	sub, ok := r.byID[subID]
	if ok {
		r.detachLocked(sub)
	}
	r.mu.Unlock()
	if ok {
		sub.box.Close()
	}
	return ok
}

func (r *registry) detachLocked(sub *subscriber) {
	delete(r.byID, sub.id)
	if set := r.byHash[sub.hash]; set != nil {
		delete(set, sub.id)
		if len(set) == 0 {
			delete(r.byHash, sub.hash)
		}
	}
}

// closeMatching ends every subscription from peer on hash.
func (r *registry) closeMatching(peer domain.PeerID, hash domain.V256) int {
	r.mu.Lock()
	var closed []*subscriber
	for _, sub := range r.byHash[hash] {
		if sub.peer == peer {
			closed = append(closed, sub)
		}
	}
	for _, sub := range closed {
		r.detachLocked(sub)
	}
	r.mu.Unlock()
	for _, sub := range closed {
		sub.box.Close()
	}
	return len(closed)
}

// closePeer ends every subscription held by peer.
func (r *registry) closePeer(peer domain.PeerID) int {
	r.mu.Lock()
	var closed []*subscriber
	for _, sub := range r.byID {
		if sub.peer == peer {
			closed = append(closed, sub)
		}
	}
	for _, sub := range closed {
		r.detachLocked(sub)
	}
	r.mu.Unlock()
	for _, sub := range closed {
		sub.box.Abort()
	}
	return len(closed)
}

// publish never blocks: a full mailbox either drops the record or ends the
// subscription, depending on the lag policy.
func (r *registry) publish(rec domain.Record) int {
	var lagging []*subscriber
	delivered := 0
	seen := map[string]struct{}{}

	r.mu.RLock()
	for _, hash := range rec.Key.IndexHashes() {
		for _, sub := range r.byHash[hash] {
			if _, ok := seen[sub.id]; ok {
				continue
			}
			seen[sub.id] = struct{}{}
			if sub.box.Push(rec) {
				delivered++
				continue
			}
			if r.policy == config.LagClose {
				lagging = append(lagging, sub)
				continue
			}
			r.dropped.Add(1)
			r.logger.Debug("dropped event for lagging subscriber", "subscription", sub.id, "peer", sub.peer)
		}
	}
	r.mu.RUnlock()

	if len(lagging) > 0 {
		r.mu.Lock()
		for _, sub := range lagging {
			r.detachLocked(sub)
		}
		r.mu.Unlock()
		for _, sub := range lagging {
			sub.lagged.Store(true)
			sub.box.Close()
			r.logger.Warn("closed lagging subscriber", "subscription", sub.id, "peer", sub.peer)
		}
	}
	return delivered
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func (r *registry) closeAll() {
	r.mu.Lock()
	subs := make([]*subscriber, 0, len(r.byID))
	for _, sub := range r.byID {
		subs = append(subs, sub)
	}
	r.byHash = map[domain.V256]map[string]*subscriber{}
	r.byID = map[string]*subscriber{}
	r.mu.Unlock()
	for _, sub := range subs {
		sub.box.Abort()
	}
}
