package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"subfield/internal/modules/subfield/domain"
	subfieldout "subfield/internal/modules/subfield/port/out"
	"subfield/internal/platform/clock"
)

type PingResult struct {
	Peer            domain.PeerID
	RTT             time.Duration
	RemoteTimestamp uint64
}

type PutResult struct {
	Record   domain.Record
	Indexed  int
	Remote   domain.PeerID
	Replicas []domain.PeerID
}

type DeleteResult struct {
	Hash     domain.V256
	Removed  int
	Remote   domain.PeerID
	Replicas []domain.PeerID
}

type UnsubscribeResult struct {
	Local  int
	Remote int
}

// Ping round-trips a timestamp with peer, or with the peer nearest to this
// node's identity when peer is empty.
func (s *SubfieldService) Ping(ctx context.Context, peer domain.PeerID) (PingResult, error) {
	rt, err := s.state()
	if err != nil {
		return PingResult{}, err
	}
	if rt.table.Len() == 0 {
		return PingResult{}, domain.ErrNoConnectedPeers
	}
	if peer == "" {
		nearest, _ := rt.table.Closest(rt.router.SelfHash())
		peer = nearest.ID
	} else if _, ok := rt.table.Get(peer); !ok {
		return PingResult{}, fmt.Errorf("%w: %s is not connected", domain.ErrRequestFailed, peer)
	}
	started := time.Now()
	resp, err := rt.switchboard.Call(ctx, peer, domain.Request{Ping: &domain.PingRequest{Timestamp: clock.UnixMilli(s.clock)}})
	if err != nil {
		return PingResult{}, err
	}
	pong, err := Expect(resp, func(r domain.Response) *domain.PingResponse { return r.Ping })
	if err != nil {
		return PingResult{}, err
	}
	return PingResult{Peer: peer, RTT: time.Since(started), RemoteTimestamp: pong.Timestamp}, nil
}

// Echo is answered by the peer closest to the key. It never runs locally.
func (s *SubfieldService) Echo(ctx context.Context, key domain.RoutingKey, message string) (string, error) {
	rt, err := s.state()
	if err != nil {
		return "", err
	}
	_, route, err := rt.router.Resolve(key)
	if err != nil {
		return "", err
	}
	if rt.table.Len() == 0 {
		return "", domain.ErrNoConnectedPeers
	}
	if route.Self {
		return "", domain.ErrSelfIsClosest
	}
	resp, err := rt.switchboard.Call(ctx, route.Peer.ID, domain.Request{Echo: &domain.EchoRequest{Message: message}})
	if err != nil {
		return "", err
	}
	echo, err := Expect(resp, func(r domain.Response) *domain.EchoResponse { return r.Echo })
	if err != nil {
		return "", err
	}
	return echo.Message, nil
}

// GetRecord returns the newest verified record indexed under the key's hash.
func (s *SubfieldService) GetRecord(ctx context.Context, key domain.RoutingKey) (domain.Record, error) {
	rt, err := s.state()
	if err != nil {
		return domain.Record{}, err
	}
	target, route, err := rt.router.Resolve(key)
	if err != nil {
		return domain.Record{}, err
	}
	hash, err := key.Key.Hash()
	if err != nil {
		return domain.Record{}, err
	}

	if rt.table.Len() == 0 {
		rec, ok, err := s.store.Get(ctx, hash)
		if err != nil {
			return domain.Record{}, err
		}
		if !ok {
			return domain.Record{}, domain.ErrNoConnectedPeers
		}
		return rec, nil
	}

	if route.Self {
		rec, ok, err := s.store.Get(ctx, hash)
		if err != nil {
			return domain.Record{}, err
		}
		if ok {
			return rec, nil
		}
		for _, replica := range rt.router.Replicas(target, s.opts.ReplicationFactor) {
			rec, err := s.fetchRemote(ctx, rt, replica.ID, key, hash)
			if err == nil {
				return rec, nil
			}
			s.logger.Debug("replica lookup failed", "peer", replica.ID, "hash", hash.Short(), "err", err)
		}
		return domain.Record{}, fmt.Errorf("%w: %w", domain.ErrGetRecordFailure, domain.ErrRecordNotFound)
	}

	rec, remoteErr := s.fetchRemote(ctx, rt, route.Peer.ID, key, hash)
	if remoteErr == nil {
		return rec, nil
	}
	if local, ok, err := s.store.Get(ctx, hash); err == nil && ok {
		s.logger.Debug("served from local store after remote failure", "peer", route.Peer.ID, "err", remoteErr)
		return local, nil
	}
	return domain.Record{}, remoteErr
}

func (s *SubfieldService) fetchRemote(ctx context.Context, rt *runtimeState, peer domain.PeerID, key domain.RoutingKey, hash domain.V256) (domain.Record, error) {
	resp, err := rt.switchboard.Call(ctx, peer, domain.Request{GetRecord: &domain.GetRecordRequest{Key: key}})
	if err != nil {
		return domain.Record{}, err
	}
	got, err := Expect(resp, func(r domain.Response) *domain.GetRecordResponse { return r.GetRecord })
	if err != nil {
		return domain.Record{}, err
	}
	if err := got.Record.Verify(); err != nil {
		return domain.Record{}, fmt.Errorf("%w: %v", domain.ErrGetRecordFailure, err)
	}
	if !indexedUnder(got.Record, hash) {
		return domain.Record{}, fmt.Errorf("%w: record is not indexed under %s", domain.ErrGetRecordFailure, hash.Short())
	}
	return got.Record, nil
}

func indexedUnder(rec domain.Record, hash domain.V256) bool {
	for _, h := range rec.Key.IndexHashes() {
		if h == hash {
			return true
		}
	}
	return false
}

// PutRecord signs body under the complete key, stores it locally and pushes
// it to the closest peer and the next closest replicas.
func (s *SubfieldService) PutRecord(ctx context.Context, key domain.RoutingKey, body []byte) (PutResult, error) {
	rt, err := s.state()
	if err != nil {
		return PutResult{}, err
	}
	complete, err := key.Complete()
	if err != nil {
		return PutResult{}, err
	}
	target, route, err := rt.router.Resolve(key)
	if err != nil {
		return PutResult{}, err
	}
	rec, err := domain.NewRecord(s.keypair, complete, body, clock.UnixMilli(s.clock))
	if err != nil {
		return PutResult{}, fmt.Errorf("%w: %v", domain.ErrPutRecordFailure, err)
	}
	indexed, err := s.storeRecord(ctx, rec)
	if err != nil {
		return PutResult{}, err
	}
	result := PutResult{Record: rec, Indexed: indexed}

	msg := domain.Request{PutRecord: &domain.PutRecordRequest{Key: key, Record: rec}}
	replicas := s.opts.ReplicationFactor
	var exclude []domain.PeerID
	if !route.Self {
		if err := s.putRemote(ctx, rt, route.Peer.ID, msg); err != nil {
			return result, err
		}
		result.Remote = route.Peer.ID
		replicas--
		exclude = append(exclude, route.Peer.ID)
	}
	result.Replicas = s.replicate(ctx, rt, rt.router.Replicas(target, replicas, exclude...), msg)
	s.logger.Debug("record put", "hash", rec.RoutingKeyHash.Short(), "remote", result.Remote, "replicas", len(result.Replicas))
	return result, nil
}

func (s *SubfieldService) putRemote(ctx context.Context, rt *runtimeState, peer domain.PeerID, msg domain.Request) error {
	resp, err := rt.switchboard.Call(ctx, peer, msg)
	if err != nil {
		return err
	}
	_, err = Expect(resp, func(r domain.Response) *domain.PutRecordResponse { return r.PutRecord })
	return err
}

// replicate sends msg to every peer concurrently and returns the ones that
// acknowledged. Failures are logged and otherwise ignored.
func (s *SubfieldService) replicate(ctx context.Context, rt *runtimeState, peers []domain.PeerEntry, msg domain.Request) []domain.PeerID {
	if len(peers) == 0 {
		return nil
	}
	var (
		mu sync.Mutex
		wg sync.WaitGroup
		ok []domain.PeerID
	)
	for _, peer := range peers {
		wg.Add(1)
		go func(peer domain.PeerID) {
			defer wg.Done()
			resp, err := rt.switchboard.Call(ctx, peer, msg)
			if err == nil {
				err = resp.Err()
			}
			if err != nil {
				s.logger.Debug("replication failed", "peer", peer, "err", err)
				return
			}
			mu.Lock()
			ok = append(ok, peer)
			mu.Unlock()
		}(peer.ID)
	}
	wg.Wait()
	sort.Slice(ok, func(i, j int) bool { return ok[i] < ok[j] })
	return ok
}

// DeleteRecord removes this author's records under the key hash locally, at
// the closest peer and at the replicas.
func (s *SubfieldService) DeleteRecord(ctx context.Context, key domain.RoutingKey) (DeleteResult, error) {
	rt, err := s.state()
	if err != nil {
		return DeleteResult{}, err
	}
	target, route, err := rt.router.Resolve(key)
	if err != nil {
		return DeleteResult{}, err
	}
	hash, err := key.Key.Hash()
	if err != nil {
		return DeleteResult{}, err
	}
	proof, err := domain.NewDeleteProof(s.keypair, hash, clock.UnixMilli(s.clock))
	if err != nil {
		return DeleteResult{}, fmt.Errorf("%w: %v", domain.ErrDeleteRecordFailure, err)
	}
	removed, err := s.store.Delete(ctx, proof)
	if err != nil {
		return DeleteResult{}, err
	}
	result := DeleteResult{Hash: hash, Removed: removed}

	msg := domain.Request{DeleteRecord: &domain.DeleteRecordRequest{Key: key, Proof: proof}}
	replicas := s.opts.ReplicationFactor
	var exclude []domain.PeerID
	if !route.Self {
		resp, err := rt.switchboard.Call(ctx, route.Peer.ID, msg)
		if err != nil {
			return result, err
		}
		ack, err := Expect(resp, func(r domain.Response) *domain.DeleteRecordResponse { return r.DeleteRecord })
		if err != nil {
			return result, err
		}
		result.Remote = route.Peer.ID
		result.Removed += ack.Removed
		replicas--
		exclude = append(exclude, route.Peer.ID)
	}
	result.Replicas = s.replicate(ctx, rt, rt.router.Replicas(target, replicas, exclude...), msg)
	return result, nil
}

// Scan lists local index entries whose hash starts with prefix.
func (s *SubfieldService) Scan(ctx context.Context, prefix []byte, limit int) ([]subfieldout.ScanEntry, error) {
	return s.store.Scan(ctx, prefix, limit)
}

// Subscription delivers records stored under a subscription hash.
type Subscription struct {
	ID   string
	Peer domain.PeerID
	Hash domain.V256

	events  <-chan domain.Record
	errFn   func() error
	closeFn func()
	onClose func()

	mu     sync.Mutex
	closed bool
	stop   func() bool
}

// NewSubscription wraps an event channel. errFn reports the end reason once
// events is closed; closeFn releases the source.
func NewSubscription(id string, peer domain.PeerID, hash domain.V256, events <-chan domain.Record, errFn func() error, closeFn func()) *Subscription {
	return &Subscription{ID: id, Peer: peer, Hash: hash, events: events, errFn: errFn, closeFn: closeFn}
}

func (s *Subscription) Events() <-chan domain.Record {
	return s.events
}

// Err reports why the event channel closed, if it was not a clean end.
func (s *Subscription) Err() error {
	return s.errFn()
}

func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	stop := s.stop
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	s.closeFn()
	if s.onClose != nil {
		s.onClose()
	}
}

func (s *Subscription) bind(ctx context.Context) {
	stop := context.AfterFunc(ctx, s.Close)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		stop()
		return
	}
	s.stop = stop
	s.mu.Unlock()
}

// Subscribe follows records stored under the key's hash. Cancelling ctx or
// calling Close ends the subscription.
func (s *SubfieldService) Subscribe(ctx context.Context, key domain.RoutingKey) (*Subscription, error) {
	rt, err := s.state()
	if err != nil {
		return nil, err
	}
	_, route, err := rt.router.Resolve(key)
	if err != nil {
		return nil, err
	}
	hash, err := key.Key.Hash()
	if err != nil {
		return nil, err
	}

	var sub *Subscription
	if route.Self {
		local := s.registry.add(rt.transport.LocalPeer(), hash)
		sub = NewSubscription(local.id, rt.transport.LocalPeer(), hash, local.box.Out(),
			func() error {
				if local.lagged.Load() {
					return domain.ErrSubscriberLagging
				}
				return nil
			},
			func() {
				s.registry.remove(local.id)
				local.box.Abort()
			},
		)
	} else {
		remote, err := rt.switchboard.Subscribe(ctx, route.Peer.ID, domain.Request{Subscribe: &domain.SubscribeRequest{Key: key}})
		if err != nil {
			return nil, err
		}
		sub = NewSubscription(remote.ID, remote.Peer, hash, remote.Events(), remote.Err, remote.Close)
	}

	sub.onClose = func() {
		s.mu.Lock()
		delete(s.local, sub.ID)
		s.mu.Unlock()
	}
	s.mu.Lock()
	s.local[sub.ID] = sub
	s.mu.Unlock()
	sub.bind(ctx)
	s.logger.Debug("subscribed", "subscription", sub.ID, "peer", sub.Peer, "hash", hash.Short())
	return sub, nil
}

// Unsubscribe asks the serving peer to end this node's subscriptions on the
// key's hash, then closes the matching local handles.
func (s *SubfieldService) Unsubscribe(ctx context.Context, key domain.RoutingKey) (UnsubscribeResult, error) {
	rt, err := s.state()
	if err != nil {
		return UnsubscribeResult{}, err
	}
	_, route, err := rt.router.Resolve(key)
	if err != nil {
		return UnsubscribeResult{}, err
	}
	hash, err := key.Key.Hash()
	if err != nil {
		return UnsubscribeResult{}, err
	}

	var result UnsubscribeResult
	if !route.Self {
		resp, err := rt.switchboard.Call(ctx, route.Peer.ID, domain.Request{Unsubscribe: &domain.UnsubscribeRequest{Key: key}})
		if err != nil {
			return result, err
		}
		ack, err := Expect(resp, func(r domain.Response) *domain.UnsubscribeResponse { return r.Unsubscribe })
		if err != nil {
			return result, err
		}
		result.Remote = ack.Closed
	}

	s.mu.Lock()
	var matching []*Subscription
	for _, sub := range s.local {
		if sub.Hash == hash {
			matching = append(matching, sub)
		}
	}
	s.mu.Unlock()
	for _, sub := range matching {
		sub.Close()
	}
	result.Local = len(matching)
	return result, nil
}
