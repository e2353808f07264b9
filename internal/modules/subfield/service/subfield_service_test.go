package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"subfield/internal/modules/subfield/domain"
	subfieldout "subfield/internal/modules/subfield/port/out"
	"subfield/internal/modules/subfield/service"
	"subfield/internal/platform/clock"
	"subfield/internal/platform/config"
	"subfield/internal/platform/id"
	"subfield/internal/platform/wire"
)

type testNode struct {
	id    domain.PeerID
	svc   *service.SubfieldService
	store *memStore
	clock *clock.Fixed
}

func testKey(t *testing.T) domain.CompleteKey {
	t.Helper()
	var key domain.CompleteKey
	for i := range key.Signer {
		key.Signer[i] = byte(i + 1)
		key.Cosigner[i] = byte(2 * i)
		key.Tangent[i] = byte(3 * i)
	}
	return key
}

// near is an identity hash at distance zero from the key's signer routing
// target; far is at the maximum distance.
func near(key domain.CompleteKey) domain.V256 {
	return domain.HashConcat(key.Signer)
}

func far(key domain.CompleteKey) domain.V256 {
	var ones domain.V256
	for i := range ones {
		ones[i] = 0xff
	}
	return near(key).Xor(ones)
}

func baseOptions() service.Options {
	return service.Options{
		Mode:              config.ModeServer,
		RequestTimeout:    2 * time.Second,
		IdleTimeout:       5 * time.Second,
		ReplicationFactor: 3,
		LagPolicy:         config.LagDrop,
		RateLimit:         1000,
		RateBurst:         1000,
		PeerWait:          time.Second,
	}
}

func startNode(t *testing.T, network *memNetwork, name string, identity domain.V256, opts service.Options) *testNode {
	t.Helper()
	kp, err := domain.NewKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	node := &testNode{id: domain.PeerID(name), store: newMemStore(), clock: clock.NewFixed(time.UnixMilli(1_000))}
	node.svc = service.NewSubfieldService(nil, opts, kp, network.transport(node.id, identity), node.store, nil, node.clock, &id.Sequence{Prefix: name + "-"})
	if err := node.svc.Start(context.Background()); err != nil {
		t.Fatalf("start %s: %v", name, err)
	}
	t.Cleanup(func() { _ = node.svc.Stop(context.Background()) })
	return node
}

// pair starts B closest to the key and A far from it, with A dialing B.
func pair(t *testing.T, key domain.CompleteKey) (*testNode, *testNode) {
	t.Helper()
	network := newMemNetwork()
	b := startNode(t, network, "node-b", near(key), baseOptions())
	opts := baseOptions()
	opts.BootstrapMultiaddrs = []string{"node-b"}
	a := startNode(t, network, "node-a", far(key), opts)
	return a, b
}

func TestEchoThroughClosestPeer(t *testing.T) {
	t.Parallel()
	key := testKey(t)
	a, b := pair(t, key)

	got, err := a.svc.Echo(context.Background(), key.ToSignerRoutingKey(), "hi")
	if err != nil {
		t.Fatalf("echo: %v", err)
	}
	if got != "hi" {
		t.Fatalf("expected hi, got %q", got)
	}
	if a.store.count() != 0 || b.store.count() != 0 {
		t.Fatalf("echo must not store records")
	}
	if b.svc.Status().InboundRequests != 1 {
		t.Fatalf("expected b to serve one request, got %+v", b.svc.Status())
	}

	if _, err := b.svc.Echo(context.Background(), key.ToSignerRoutingKey(), "hi"); !errors.Is(err, domain.ErrSelfIsClosest) {
		t.Fatalf("expected self is closest from b, got %v", err)
	}
}

func TestPutGetRoundTripAndPartialLookup(t *testing.T) {
	t.Parallel()
	key := testKey(t)
	a, b := pair(t, key)
	ctx := context.Background()

	put, err := a.svc.PutRecord(ctx, key.ToSignerRoutingKey(), []byte{0xde, 0xad, 0xbe, 0xef})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if put.Remote != b.id || put.Indexed != 7 {
		t.Fatalf("unexpected put result %+v", put)
	}
	if b.store.count() != 1 {
		t.Fatalf("closest peer should hold the record")
	}

	rec, err := a.svc.GetRecord(ctx, key.ToSignerRoutingKey())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(rec.Body.Data) != "\xde\xad\xbe\xef" || rec.Author != a.svc.Keypair().PublicKey {
		t.Fatalf("unexpected record %+v", rec)
	}
	if err := rec.Verify(); err != nil {
		t.Fatalf("record should verify: %v", err)
	}

	signer := key.Signer
	partial := domain.RoutingKey{Dimension: domain.DimensionSigner, Key: domain.PartialKey{Signer: &signer}}
	byPartial, err := a.svc.GetRecord(ctx, partial)
	if err != nil {
		t.Fatalf("partial get: %v", err)
	}
	if !byPartial.Equal(rec) {
		t.Fatalf("partial lookup returned a different record")
	}
}

func TestStaleOverwriteRejectedLocally(t *testing.T) {
	t.Parallel()
	key := testKey(t)
	node := startNode(t, newMemNetwork(), "solo", far(key), baseOptions())
	ctx := context.Background()

	node.clock.Set(time.UnixMilli(100))
	if _, err := node.svc.PutRecord(ctx, key.ToSignerRoutingKey(), []byte("X")); err != nil {
		t.Fatalf("first put: %v", err)
	}
	node.clock.Set(time.UnixMilli(50))
	if _, err := node.svc.PutRecord(ctx, key.ToSignerRoutingKey(), []byte("Y")); !errors.Is(err, domain.ErrStaleWrite) {
		t.Fatalf("expected stale write, got %v", err)
	}
	rec, err := node.svc.GetRecord(ctx, key.ToSignerRoutingKey())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(rec.Body.Data) != "X" || rec.Timestamp != 100 {
		t.Fatalf("store should still hold X, got %q at %d", rec.Body.Data, rec.Timestamp)
	}
}

func TestSingleNodeStoresLocally(t *testing.T) {
	t.Parallel()
	key := testKey(t)
	node := startNode(t, newMemNetwork(), "solo", far(key), baseOptions())
	ctx := context.Background()

	put, err := node.svc.PutRecord(ctx, key.ToTangentRoutingKey(), []byte("alone"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if put.Remote != "" || len(put.Replicas) != 0 {
		t.Fatalf("single node should not replicate: %+v", put)
	}
	rec, err := node.svc.GetRecord(ctx, key.ToCosignerRoutingKey())
	if err != nil || string(rec.Body.Data) != "alone" {
		t.Fatalf("expected local record, got %+v (%v)", rec, err)
	}

	other := key
	other.Signer[0] ^= 0xff
	if _, err := node.svc.GetRecord(ctx, other.ToSignerRoutingKey()); !errors.Is(err, domain.ErrNoConnectedPeers) {
		t.Fatalf("expected no connected peers on miss, got %v", err)
	}
	if _, err := node.svc.Echo(ctx, key.ToSignerRoutingKey(), "x"); !errors.Is(err, domain.ErrNoConnectedPeers) {
		t.Fatalf("expected no connected peers for echo, got %v", err)
	}
	if _, err := node.svc.Ping(ctx, ""); !errors.Is(err, domain.ErrNoConnectedPeers) {
		t.Fatalf("expected no connected peers for ping, got %v", err)
	}

	removed, err := node.svc.DeleteRecord(ctx, key.ToSignerRoutingKey())
	if err != nil || removed.Removed != 1 {
		t.Fatalf("expected one removal, got %+v (%v)", removed, err)
	}
	if node.store.count() != 0 {
		t.Fatalf("record should be gone")
	}
}

func TestCompleteKeyRequiredForPut(t *testing.T) {
	t.Parallel()
	key := testKey(t)
	node := startNode(t, newMemNetwork(), "solo", far(key), baseOptions())
	signer := key.Signer
	partial := domain.RoutingKey{Dimension: domain.DimensionSigner, Key: domain.PartialKey{Signer: &signer}}
	if _, err := node.svc.PutRecord(context.Background(), partial, []byte("x")); !errors.Is(err, domain.ErrCompleteKeyMissingField) {
		t.Fatalf("expected missing field, got %v", err)
	}
}

func TestReplicationToNextClosest(t *testing.T) {
	t.Parallel()
	key := testKey(t)
	network := newMemNetwork()
	b := startNode(t, network, "node-b", near(key), baseOptions())
	c := startNode(t, network, "node-c", near(key).Xor(domain.V256{0x01}), baseOptions())
	opts := baseOptions()
	opts.BootstrapMultiaddrs = []string{"node-b", "node-c"}
	a := startNode(t, network, "node-a", far(key), opts)

	put, err := a.svc.PutRecord(context.Background(), key.ToSignerRoutingKey(), []byte("r"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if put.Remote != b.id || len(put.Replicas) != 1 || put.Replicas[0] != c.id {
		t.Fatalf("unexpected replication %+v", put)
	}
	if c.store.count() != 1 {
		t.Fatalf("replica should hold the record")
	}
}

// silentPeer accepts streams and reads the request but never answers.
func silentPeer(t *testing.T, network *memNetwork, name string, identity domain.V256) <-chan subfieldout.Stream {
	t.Helper()
	received := make(chan subfieldout.Stream, 4)
	rt, err := network.transport(domain.PeerID(name), identity).Start(context.Background(), subfieldout.TransportStartInput{Serve: true}, subfieldout.TransportHandlers{
		OnStream: func(stream subfieldout.Stream) {
			var req domain.Request
			if err := wire.Read(stream, &req); err == nil {
				received <- stream
			}
		},
	})
	if err != nil {
		t.Fatalf("start silent peer: %v", err)
	}
	t.Cleanup(func() { _ = rt.Stop() })
	return received
}

// expectReset writes until the abandoned stream refuses. A write may still be
// consumed by the requester's reader if the reset has not landed yet.
func expectReset(t *testing.T, stream subfieldout.Stream) {
	t.Helper()
	failed := make(chan struct{})
	go func() {
		defer close(failed)
		for {
			if err := wire.Write(stream, domain.Response{Echo: &domain.EchoResponse{Message: "late"}}); err != nil {
				return
			}
		}
	}()
	select {
	case <-failed:
	case <-time.After(time.Second):
		t.Fatalf("stream still writable after the request was abandoned")
	}
}

func TestRequestTimeoutClosesStream(t *testing.T) {
	t.Parallel()
	key := testKey(t)
	network := newMemNetwork()
	received := silentPeer(t, network, "silent", near(key))
	opts := baseOptions()
	opts.RequestTimeout = 150 * time.Millisecond
	opts.BootstrapMultiaddrs = []string{"silent"}
	a := startNode(t, network, "node-a", far(key), opts)

	started := time.Now()
	_, err := a.svc.Echo(context.Background(), key.ToSignerRoutingKey(), "anyone?")
	if !errors.Is(err, domain.ErrRequestTimeout) {
		t.Fatalf("expected request timeout, got %v", err)
	}
	if elapsed := time.Since(started); elapsed < opts.RequestTimeout {
		t.Fatalf("returned before the deadline: %s", elapsed)
	}
	expectReset(t, <-received)
	if inflight := a.svc.Status().InFlight; len(inflight) != 0 {
		t.Fatalf("timed out request still in flight: %+v", inflight)
	}
}

func TestCancellationResetsStream(t *testing.T) {
	t.Parallel()
	key := testKey(t)
	network := newMemNetwork()
	received := silentPeer(t, network, "silent", near(key))
	opts := baseOptions()
	opts.RequestTimeout = 10 * time.Second
	opts.BootstrapMultiaddrs = []string{"silent"}
	a := startNode(t, network, "node-a", far(key), opts)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := a.svc.Echo(ctx, key.ToSignerRoutingKey(), "bye")
		errs <- err
	}()
	stream := <-received
	cancel()
	select {
	case err := <-errs:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected cancellation, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("cancelled request did not return")
	}
	expectReset(t, stream)
}

func TestPeerDisconnectFailsInFlightRequests(t *testing.T) {
	t.Parallel()
	key := testKey(t)
	network := newMemNetwork()
	received := silentPeer(t, network, "silent", near(key))
	opts := baseOptions()
	opts.RequestTimeout = 10 * time.Second
	opts.BootstrapMultiaddrs = []string{"silent"}
	a := startNode(t, network, "node-a", far(key), opts)

	errs := make(chan error, 1)
	go func() {
		_, err := a.svc.Echo(context.Background(), key.ToSignerRoutingKey(), "hello?")
		errs <- err
	}()
	<-received
	network.disconnect(a.id, "silent")
	select {
	case err := <-errs:
		if !errors.Is(err, domain.ErrRequestFailed) {
			t.Fatalf("expected request failed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("request survived peer disconnect")
	}
	if len(a.svc.Status().Peers) != 0 {
		t.Fatalf("disconnected peer should leave the table")
	}
}

func TestRemoteSubscribeAndUnsubscribe(t *testing.T) {
	t.Parallel()
	key := testKey(t)
	a, b := pair(t, key)
	ctx := context.Background()

	signer := key.Signer
	partial := domain.RoutingKey{Dimension: domain.DimensionSigner, Key: domain.PartialKey{Signer: &signer}}
	sub, err := a.svc.Subscribe(ctx, partial)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if sub.Peer != b.id || sub.ID == "" {
		t.Fatalf("subscription should be served by b: %+v", sub)
	}

	if _, err := a.svc.PutRecord(ctx, key.ToSignerRoutingKey(), []byte("event")); err != nil {
		t.Fatalf("put: %v", err)
	}
	select {
	case rec := <-sub.Events():
		if string(rec.Body.Data) != "event" {
			t.Fatalf("unexpected event %q", rec.Body.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no event delivered")
	}

	result, err := a.svc.Unsubscribe(ctx, partial)
	if err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if result.Remote != 1 || result.Local != 1 {
		t.Fatalf("unexpected unsubscribe result %+v", result)
	}
	for range sub.Events() {
	}
	if err := sub.Err(); err != nil {
		t.Fatalf("clean unsubscribe should not report an error: %v", err)
	}
	if b.svc.Status().Subscriptions != 0 {
		t.Fatalf("server should hold no subscriptions")
	}
}

func TestLocalSubscriptionLagPolicies(t *testing.T) {
	t.Parallel()
	key := testKey(t)
	ctx := context.Background()
	signer := key.Signer
	partial := domain.RoutingKey{Dimension: domain.DimensionSigner, Key: domain.PartialKey{Signer: &signer}}

	publish := func(node *testNode) {
		for i := 0; i < 4; i++ {
			k := key
			k.Tangent[0] = byte(i)
			if _, err := node.svc.PutRecord(ctx, k.ToSignerRoutingKey(), []byte{byte(i)}); err != nil {
				t.Fatalf("put %d: %v", i, err)
			}
		}
	}

	closeOpts := baseOptions()
	closeOpts.SubscriptionBuffer = 1
	closeOpts.LagPolicy = config.LagClose
	closing := startNode(t, newMemNetwork(), "closing", far(key), closeOpts)
	sub, err := closing.svc.Subscribe(ctx, partial)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	publish(closing)
	received := 0
	for range sub.Events() {
		received++
	}
	if received == 0 || received > 2 {
		t.Fatalf("expected one or two events before lagging, got %d", received)
	}
	if !errors.Is(sub.Err(), domain.ErrSubscriberLagging) {
		t.Fatalf("expected subscriber lagging, got %v", sub.Err())
	}

	dropOpts := baseOptions()
	dropOpts.SubscriptionBuffer = 1
	dropping := startNode(t, newMemNetwork(), "dropping", far(key), dropOpts)
	kept, err := dropping.svc.Subscribe(ctx, partial)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	publish(dropping)
	if dropped := dropping.svc.Status().DroppedEvents; dropped < 2 {
		t.Fatalf("expected dropped events, got %d", dropped)
	}
	kept.Close()
	for range kept.Events() {
	}
}

func TestRateLimitedStreamsAreReset(t *testing.T) {
	t.Parallel()
	key := testKey(t)
	network := newMemNetwork()
	limited := baseOptions()
	limited.RateLimit = 0.001
	limited.RateBurst = 1
	b := startNode(t, network, "node-b", near(key), limited)
	opts := baseOptions()
	opts.BootstrapMultiaddrs = []string{"node-b"}
	a := startNode(t, network, "node-a", far(key), opts)

	if _, err := a.svc.Echo(context.Background(), key.ToSignerRoutingKey(), "one"); err != nil {
		t.Fatalf("first echo: %v", err)
	}
	_, err := a.svc.Echo(context.Background(), key.ToSignerRoutingKey(), "two")
	if !errors.Is(err, domain.ErrFailedToReadStream) && !errors.Is(err, domain.ErrFailedToWriteStream) {
		t.Fatalf("expected reset stream, got %v", err)
	}
	if got := b.svc.Status().RateLimited; got != 1 {
		t.Fatalf("expected one rate limited stream, got %d", got)
	}
}

func TestMalformedRequestGetsFailure(t *testing.T) {
	t.Parallel()
	key := testKey(t)
	network := newMemNetwork()
	b := startNode(t, network, "node-b", near(key), baseOptions())
	raw, err := network.transport("raw", far(key)).Start(context.Background(), subfieldout.TransportStartInput{}, subfieldout.TransportHandlers{})
	if err != nil {
		t.Fatalf("start raw: %v", err)
	}
	if _, err := raw.Dial(context.Background(), string(b.id)); err != nil {
		t.Fatalf("dial: %v", err)
	}
	stream, err := raw.OpenStream(context.Background(), b.id)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	if err := wire.Write(stream, domain.Request{}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = stream.CloseWrite()
	var resp domain.Response
	if err := wire.Read(stream, &resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.Failure == nil || resp.Failure.Kind != domain.FailureMalformed {
		t.Fatalf("expected malformed failure, got %+v", resp)
	}
	if b.svc.Status().DecodeErrors != 1 {
		t.Fatalf("decode error not counted")
	}
}

func TestRemotePutRejectsTamperedRecord(t *testing.T) {
	t.Parallel()
	key := testKey(t)
	network := newMemNetwork()
	b := startNode(t, network, "node-b", near(key), baseOptions())
	raw, err := network.transport("raw", far(key)).Start(context.Background(), subfieldout.TransportStartInput{}, subfieldout.TransportHandlers{})
	if err != nil {
		t.Fatalf("start raw: %v", err)
	}
	if _, err := raw.Dial(context.Background(), string(b.id)); err != nil {
		t.Fatalf("dial: %v", err)
	}
	author, _ := domain.NewKeypair()
	rec, err := domain.NewRecord(author, key, []byte("genuine"), 10)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	rec.Body = domain.NewVersionedBytes([]byte("forged"))

	sb := service.NewSwitchboard(nil, raw, time.Second, 0, config.LagDrop)
	resp, err := sb.Call(context.Background(), b.id, domain.Request{PutRecord: &domain.PutRecordRequest{Key: key.ToSignerRoutingKey(), Record: rec}})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !errors.Is(resp.Err(), domain.ErrPutRecordFailure) {
		t.Fatalf("expected put failure, got %v", resp.Err())
	}
	if b.store.count() != 0 {
		t.Fatalf("forged record must not be stored")
	}
	if got := sb.Finished()[service.StateCompleted]; got != 1 {
		t.Fatalf("expected one completed request, got %d", got)
	}
}

func TestBootstrapOutcomes(t *testing.T) {
	t.Parallel()
	key := testKey(t)

	t.Run("client without sources", func(t *testing.T) {
		t.Parallel()
		kp, _ := domain.NewKeypair()
		opts := baseOptions()
		opts.Mode = config.ModeClient
		svc := service.NewSubfieldService(nil, opts, kp, newMemNetwork().transport("client", far(key)), newMemStore(), nil, nil, nil)
		if err := svc.Start(context.Background()); !errors.Is(err, domain.ErrBootstrapFailedNoUrls) {
			t.Fatalf("expected no urls, got %v", err)
		}
		if svc.Status().Running {
			t.Fatalf("failed client should not stay running")
		}
	})

	t.Run("client with empty discovery", func(t *testing.T) {
		t.Parallel()
		kp, _ := domain.NewKeypair()
		opts := baseOptions()
		opts.Mode = config.ModeClient
		opts.BootstrapURLs = []string{"https://bootstrap.invalid/peers"}
		boot := &fakeBootstrapper{}
		svc := service.NewSubfieldService(nil, opts, kp, newMemNetwork().transport("client", far(key)), newMemStore(), boot, nil, nil)
		if err := svc.Start(context.Background()); !errors.Is(err, domain.ErrBootstrapFailedNoMultiaddrs) {
			t.Fatalf("expected no multiaddrs, got %v", err)
		}
		if len(boot.urls) != 1 {
			t.Fatalf("bootstrapper should see the configured url")
		}
	})

	t.Run("client with unreachable peers", func(t *testing.T) {
		t.Parallel()
		kp, _ := domain.NewKeypair()
		opts := baseOptions()
		opts.Mode = config.ModeClient
		opts.BootstrapMultiaddrs = []string{"nobody"}
		svc := service.NewSubfieldService(nil, opts, kp, newMemNetwork().transport("client", far(key)), newMemStore(), nil, nil, nil)
		if err := svc.Start(context.Background()); !errors.Is(err, domain.ErrBootstrapFailedDial) {
			t.Fatalf("expected dial failure, got %v", err)
		}
	})

	t.Run("server proceeds without peers", func(t *testing.T) {
		t.Parallel()
		kp, _ := domain.NewKeypair()
		opts := baseOptions()
		opts.BootstrapMultiaddrs = []string{"nobody"}
		svc := service.NewSubfieldService(nil, opts, kp, newMemNetwork().transport("server", far(key)), newMemStore(), nil, nil, nil)
		if err := svc.Start(context.Background()); err != nil {
			t.Fatalf("server bootstrap failure must be non-fatal: %v", err)
		}
		defer svc.Stop(context.Background())
		if err := svc.WaitForPeers(context.Background()); !errors.Is(err, domain.ErrNoConnectedPeers) {
			t.Fatalf("expected no connected peers after wait, got %v", err)
		}
	})

	t.Run("client discovers through bootstrapper", func(t *testing.T) {
		t.Parallel()
		network := newMemNetwork()
		startNode(t, network, "seed", near(key), baseOptions())
		kp, _ := domain.NewKeypair()
		opts := baseOptions()
		opts.Mode = config.ModeClient
		opts.BootstrapURLs = []string{"https://bootstrap.invalid/peers"}
		svc := service.NewSubfieldService(nil, opts, kp, network.transport("client", far(key)), newMemStore(), &fakeBootstrapper{addrs: []string{"seed"}}, nil, nil)
		if err := svc.Start(context.Background()); err != nil {
			t.Fatalf("start: %v", err)
		}
		defer svc.Stop(context.Background())
		if err := svc.WaitForPeers(context.Background()); err != nil {
			t.Fatalf("wait for peers: %v", err)
		}
		pong, err := svc.Ping(context.Background(), "")
		if err != nil || pong.Peer != "seed" {
			t.Fatalf("expected pong from seed, got %+v (%v)", pong, err)
		}
	})
}

func TestOperationsRequireRunningNode(t *testing.T) {
	t.Parallel()
	kp, _ := domain.NewKeypair()
	svc := service.NewSubfieldService(nil, baseOptions(), kp, newMemNetwork().transport("idle", domain.V256{}), newMemStore(), nil, nil, nil)
	key := testKey(t)
	if _, err := svc.GetRecord(context.Background(), key.ToSignerRoutingKey()); !errors.Is(err, domain.ErrNoLocalPeer) {
		t.Fatalf("expected no local peer, got %v", err)
	}
	if err := svc.Stop(context.Background()); err != nil {
		t.Fatalf("stopping an idle service should be a no-op: %v", err)
	}
}
