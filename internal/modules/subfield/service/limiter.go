package service

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"subfield/internal/modules/subfield/domain"
)

// peerLimiter keeps one token bucket per remote peer for inbound streams.
type peerLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	now     func() time.Time
	entries map[domain.PeerID]*peerBucket
}

type peerBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newPeerLimiter(limit float64, burst int, ttl time.Duration, now func() time.Time) *peerLimiter {
	return &peerLimiter{
		limit:   rate.Limit(limit),
		burst:   burst,
		ttl:     ttl,
		now:     now,
		entries: make(map[domain.PeerID]*peerBucket),
	}
}

func (l *peerLimiter) allow(peer domain.PeerID) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.entries[peer]
	if b == nil {
		b = &peerBucket{lim: rate.NewLimiter(l.limit, l.burst), lastSeen: now}
		l.entries[peer] = b
	}
	b.lastSeen = now

	for k, v := range l.entries {
		if now.Sub(v.lastSeen) > l.ttl {
			delete(l.entries, k)
		}
	}
	return b.lim.AllowN(now, 1)
}

func (l *peerLimiter) forget(peer domain.PeerID) {
	l.mu.Lock()
	delete(l.entries, peer)
	l.mu.Unlock()
}
