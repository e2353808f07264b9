package service_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"subfield/internal/modules/subfield/domain"
	subfieldout "subfield/internal/modules/subfield/port/out"
)

var errStreamReset = errors.New("stream reset")

// memStream is one end of a half-closable in-memory stream.
type memStream struct {
	remote domain.PeerID
	r      *io.PipeReader
	w      *io.PipeWriter

	mu    sync.Mutex
	timer *time.Timer
}

func newStreamPair(client, server domain.PeerID) (*memStream, *memStream) {
	upR, upW := io.Pipe()
	downR, downW := io.Pipe()
	return &memStream{remote: server, r: downR, w: upW}, &memStream{remote: client, r: upR, w: downW}
}

func (s *memStream) Read(p []byte) (int, error) { return s.r.Read(p) }
func (s *memStream) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s *memStream) CloseWrite() error { return s.w.Close() }
func (s *memStream) RemotePeer() domain.PeerID { return s.remote }

func (s *memStream) Close() error {
	_ = s.w.Close()
	return s.r.Close()
}

func (s *memStream) Reset() error {
	_ = s.w.CloseWithError(errStreamReset)
	return s.r.CloseWithError(errStreamReset)
}

func (s *memStream) SetDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if !t.IsZero() {
		s.timer = time.AfterFunc(time.Until(t), func() { _ = s.Reset() })
	}
	return nil
}

// memNetwork connects in-memory transports by peer id.
type memNetwork struct {
	mu    sync.Mutex
	nodes map[domain.PeerID]*memRuntime
	links map[domain.PeerID]map[domain.PeerID]bool
}

func newMemNetwork() *memNetwork {
	return &memNetwork{
		nodes: map[domain.PeerID]*memRuntime{},
		links: map[domain.PeerID]map[domain.PeerID]bool{},
	}
}

// transport returns a Transport that starts as id with a fixed identity hash.
func (n *memNetwork) transport(id domain.PeerID, identity domain.V256) subfieldout.Transport {
	return memTransport{net: n, id: id, identity: identity}
}

type memTransport struct {
	net      *memNetwork
	id       domain.PeerID
	identity domain.V256
}

func (t memTransport) Start(_ context.Context, input subfieldout.TransportStartInput, handlers subfieldout.TransportHandlers) (subfieldout.RuntimeTransport, error) {
	rt := &memRuntime{net: t.net, id: t.id, identity: t.identity, serve: input.Serve, handlers: handlers}
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	if _, ok := t.net.nodes[t.id]; ok {
		return nil, fmt.Errorf("peer %s already started", t.id)
	}
	t.net.nodes[t.id] = rt
	return rt, nil
}

type memRuntime struct {
	net      *memNetwork
	id       domain.PeerID
	identity domain.V256
	serve    bool
	handlers subfieldout.TransportHandlers
}

func (r *memRuntime) LocalPeer() domain.PeerID { return r.id }
func (r *memRuntime) IdentityHash() domain.V256 { return r.identity }
func (r *memRuntime) ListenAddrs() []string { return []string{"/memory/" + string(r.id)} }

func (r *memRuntime) Dial(_ context.Context, addr string) (domain.PeerID, error) {
	target := domain.PeerID(addr)
	r.net.mu.Lock()
	remote, ok := r.net.nodes[target]
	if !ok || target == r.id {
		r.net.mu.Unlock()
		return "", fmt.Errorf("no route to %s", addr)
	}
	if r.net.links[r.id] == nil {
		r.net.links[r.id] = map[domain.PeerID]bool{}
	}
	if r.net.links[target] == nil {
		r.net.links[target] = map[domain.PeerID]bool{}
	}
	already := r.net.links[r.id][target]
	r.net.links[r.id][target] = true
	r.net.links[target][r.id] = true
	r.net.mu.Unlock()

	if !already {
		if remote.serve && r.handlers.OnPeerConnected != nil {
			r.handlers.OnPeerConnected(remote.id, remote.identity)
		}
		if r.serve && remote.handlers.OnPeerConnected != nil {
			remote.handlers.OnPeerConnected(r.id, r.identity)
		}
	}
	return target, nil
}

// disconnect drops the link between a and b, notifying both sides.
func (n *memNetwork) disconnect(a, b domain.PeerID) {
	n.mu.Lock()
	left, right := n.nodes[a], n.nodes[b]
	linked := n.links[a][b]
	delete(n.links[a], b)
	delete(n.links[b], a)
	n.mu.Unlock()
	if !linked {
		return
	}
	if left != nil && left.handlers.OnPeerDisconnected != nil {
		left.handlers.OnPeerDisconnected(b)
	}
	if right != nil && right.handlers.OnPeerDisconnected != nil {
		right.handlers.OnPeerDisconnected(a)
	}
}

func (r *memRuntime) OpenStream(ctx context.Context, peer domain.PeerID) (subfieldout.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.net.mu.Lock()
	remote, ok := r.net.nodes[peer]
	linked := r.net.links[r.id][peer]
	r.net.mu.Unlock()
	if !ok || !linked || !remote.serve {
		return nil, fmt.Errorf("peer %s not reachable", peer)
	}
	client, server := newStreamPair(r.id, peer)
	go remote.handlers.OnStream(server)
	return client, nil
}

func (r *memRuntime) Stop() error {
	r.net.mu.Lock()
	var peers []domain.PeerID
	for peer := range r.net.links[r.id] {
		peers = append(peers, peer)
	}
	r.net.mu.Unlock()
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	for _, peer := range peers {
		r.net.disconnect(r.id, peer)
	}
	r.net.mu.Lock()
	delete(r.net.nodes, r.id)
	r.net.mu.Unlock()
	return nil
}
