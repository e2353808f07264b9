package service

import (
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"

	"subfield/internal/modules/subfield/domain"
	"subfield/internal/platform/config"
	"subfield/internal/platform/id"
)

func TestMailboxUnboundedPreservesOrder(t *testing.T) {
	t.Parallel()
	box := newMailbox[int](0)
	for i := 0; i < 1000; i++ {
		if !box.Push(i) {
			t.Fatalf("unbounded mailbox refused item %d", i)
		}
	}
	box.Close()
	if box.Push(1000) {
		t.Fatalf("closed mailbox accepted an item")
	}
	next := 0
	for v := range box.Out() {
		if v != next {
			t.Fatalf("expected %d got %d", next, v)
		}
		next++
	}
	if next != 1000 {
		t.Fatalf("expected 1000 items, got %d", next)
	}
}

func TestMailboxBoundedAndAbort(t *testing.T) {
	t.Parallel()
	box := newMailbox[int](2)
	accepted := 0
	for i := 0; i < 10; i++ {
		if box.Push(i) {
			accepted++
		}
	}
	if accepted < 2 || accepted > 3 {
		t.Fatalf("bounded mailbox accepted %d items", accepted)
	}
	box.Abort()
	select {
	case _, ok := <-box.Out():
		for ok {
			_, ok = <-box.Out()
		}
	case <-time.After(time.Second):
		t.Fatalf("aborted mailbox did not close")
	}
}

func TestPeerLimiterPerPeerBuckets(t *testing.T) {
	t.Parallel()
	now := time.Unix(0, 0)
	limiter := newPeerLimiter(1, 2, time.Minute, func() time.Time { return now })
	if !limiter.allow("a") || !limiter.allow("a") {
		t.Fatalf("burst should admit two streams")
	}
	if limiter.allow("a") {
		t.Fatalf("third stream should be limited")
	}
	if !limiter.allow("b") {
		t.Fatalf("buckets must be per peer")
	}
	now = now.Add(time.Second)
	if !limiter.allow("a") {
		t.Fatalf("bucket should refill after a second")
	}
	limiter.forget("a")
	if _, ok := limiter.entries["a"]; ok {
		t.Fatalf("forget should drop the bucket")
	}
}

func TestRegistryFanOutByIndexHash(t *testing.T) {
	t.Parallel()
	reg := newRegistry(hclog.NewNullLogger(), &id.Sequence{Prefix: "s"}, 0, config.LagDrop)
	var key domain.CompleteKey
	key.Signer[0], key.Cosigner[0], key.Tangent[0] = 1, 2, 3
	bySigner := reg.add("p1", domain.HashConcat(key.Signer))
	byFull := reg.add("p2", key.Hash())
	unrelated := reg.add("p1", domain.HashConcat(domain.V256{9}))

	if got := reg.publish(domain.Record{Key: key}); got != 2 {
		t.Fatalf("expected two deliveries, got %d", got)
	}
	for _, sub := range []*subscriber{bySigner, byFull} {
		select {
		case <-sub.box.Out():
		case <-time.After(time.Second):
			t.Fatalf("subscriber %s got nothing", sub.id)
		}
	}
	if unrelated.box.Len() != 0 {
		t.Fatalf("unrelated subscriber received a record")
	}
	if n := reg.closeMatching("p1", domain.HashConcat(key.Signer)); n != 1 {
		t.Fatalf("expected one closed, got %d", n)
	}
	if n := reg.closePeer("p1"); n != 1 {
		t.Fatalf("expected the remaining p1 subscription to close, got %d", n)
	}
	if reg.len() != 1 {
		t.Fatalf("expected one live subscription, got %d", reg.len())
	}
}
