package out

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/multiformats/go-multiaddr"

	"subfield/internal/modules/subfield/domain"
	subfieldout "subfield/internal/modules/subfield/port/out"
)

const (
	ProtocolID protocol.ID = "/subfield/1.0.0"

	connLowWater  = 64
	connHighWater = 256
)

// identitySeedContext separates the libp2p host key from other uses of the
// node private key.
var identitySeedContext = []byte("subfield libp2p identity v1")

type Libp2pTransport struct {
	logger hclog.Logger
}

type libp2pRuntime struct {
	host     host.Host
	logger   hclog.Logger
	handlers subfieldout.TransportHandlers
	identity domain.V256
	sub      event.Subscription

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	serving  map[peer.ID]struct{}
	stopOnce sync.Once
	stopErr  error
}

// libp2pStream adapts a libp2p stream to the record protocol stream port.
type libp2pStream struct {
	network.Stream
}

func (s libp2pStream) RemotePeer() domain.PeerID {
	return domain.PeerID(s.Conn().RemotePeer().String())
}

func NewLibp2pTransport(logger hclog.Logger) subfieldout.Transport {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Libp2pTransport{logger: logger.Named("transport")}
}

// HostKey derives the libp2p ed25519 host key from a node keypair.
func HostKey(kp domain.Keypair) (crypto.PrivKey, error) {
	seed := domain.HashBytes(identitySeedContext, kp.PrivateKey.Bytes())
	priv, err := crypto.UnmarshalEd25519PrivateKey(ed25519.NewKeyFromSeed(seed.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("unmarshal host key: %w", err)
	}
	return priv, nil
}

// IdentityHash is the routing identity of a libp2p peer: the hash of its raw
// public key.
func IdentityHash(pub crypto.PubKey) (domain.V256, error) {
	raw, err := pub.Raw()
	if err != nil {
		return domain.V256{}, fmt.Errorf("raw public key: %w", err)
	}
	return domain.HashBytes(raw), nil
}

func (t *Libp2pTransport) Start(ctx context.Context, input subfieldout.TransportStartInput, handlers subfieldout.TransportHandlers) (subfieldout.RuntimeTransport, error) {
	privKey, err := HostKey(input.Keypair)
	if err != nil {
		return nil, err
	}
	identity, err := IdentityHash(privKey.GetPublic())
	if err != nil {
		return nil, err
	}

	grace := input.IdleTimeout
	if grace <= 0 {
		grace = time.Minute
	}
	cm, err := connmgr.NewConnManager(connLowWater, connHighWater, connmgr.WithGracePeriod(grace))
	if err != nil {
		return nil, fmt.Errorf("connection manager: %w", err)
	}

	opts := []libp2p.Option{libp2p.Identity(privKey), libp2p.ConnectionManager(cm)}
	switch {
	case input.Serve && len(input.ListenAddresses) > 0:
		opts = append(opts, libp2p.ListenAddrStrings(input.ListenAddresses...))
	case !input.Serve:
		opts = append(opts, libp2p.NoListenAddrs)
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("start libp2p host: %w", err)
	}

	sub, err := h.EventBus().Subscribe([]any{
		new(event.EvtPeerIdentificationCompleted),
		new(event.EvtPeerConnectednessChanged),
	})
	if err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("subscribe host events: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &libp2pRuntime{
		host:     h,
		logger:   t.logger,
		handlers: handlers,
		identity: identity,
		sub:      sub,
		ctx:      runCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
		serving:  map[peer.ID]struct{}{},
	}
	if input.Serve {
		h.SetStreamHandler(ProtocolID, r.handleStream)
	}
	go r.watchEvents()

	go func() {
		<-runCtx.Done()
		_ = r.Stop()
	}()

	r.logger.Debug("host started", "peer", h.ID(), "serve", input.Serve, "listen", r.ListenAddrs())
	return r, nil
}

func (r *libp2pRuntime) LocalPeer() domain.PeerID {
	return domain.PeerID(r.host.ID().String())
}

func (r *libp2pRuntime) IdentityHash() domain.V256 {
	return r.identity
}

func (r *libp2pRuntime) ListenAddrs() []string {
	return renderListenAddrs(r.host)
}

func (r *libp2pRuntime) Dial(ctx context.Context, addr string) (domain.PeerID, error) {
	maddr, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidMultiaddr, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidMultiaddr, err)
	}
	if info.ID == r.host.ID() {
		return domain.PeerID(info.ID.String()), nil
	}
	r.host.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.TempAddrTTL)
	if err := r.host.Connect(ctx, *info); err != nil {
		return "", fmt.Errorf("connect %s: %w", info.ID, err)
	}
	return domain.PeerID(info.ID.String()), nil
}

func (r *libp2pRuntime) OpenStream(ctx context.Context, id domain.PeerID) (subfieldout.Stream, error) {
	pid, err := peer.Decode(string(id))
	if err != nil {
		return nil, fmt.Errorf("decode peer id: %w", err)
	}
	stream, err := r.host.NewStream(ctx, pid, ProtocolID)
	if err != nil {
		return nil, err
	}
	return libp2pStream{Stream: stream}, nil
}

func (r *libp2pRuntime) Stop() error {
	r.stopOnce.Do(func() {
		r.cancel()
		r.host.RemoveStreamHandler(ProtocolID)
		_ = r.sub.Close()
		<-r.done
		r.stopErr = r.host.Close()
	})
	return r.stopErr
}

func (r *libp2pRuntime) handleStream(stream network.Stream) {
	if r.ctx.Err() != nil {
		_ = stream.Reset()
		return
	}
	if r.handlers.OnStream == nil {
		_ = stream.Reset()
		return
	}
	r.handlers.OnStream(libp2pStream{Stream: stream})
}

// watchEvents reports peers once identify confirms they serve the record
// protocol, and again when their last connection closes.
func (r *libp2pRuntime) watchEvents() {
	defer close(r.done)
	for {
		select {
		case <-r.ctx.Done():
			return
		case evt, ok := <-r.sub.Out():
			if !ok {
				return
			}
			switch e := evt.(type) {
			case event.EvtPeerIdentificationCompleted:
				if slices.Contains(e.Protocols, ProtocolID) {
					r.peerServing(e.Peer)
				}
			case event.EvtPeerConnectednessChanged:
				if e.Connectedness != network.Connected {
					r.peerGone(e.Peer)
				}
			}
		}
	}
}

func (r *libp2pRuntime) peerServing(pid peer.ID) {
	pub := r.host.Peerstore().PubKey(pid)
	if pub == nil {
		var err error
		if pub, err = pid.ExtractPublicKey(); err != nil {
			r.logger.Warn("peer has no usable public key", "peer", pid, "err", err)
			return
		}
	}
	identity, err := IdentityHash(pub)
	if err != nil {
		r.logger.Warn("peer identity", "peer", pid, "err", err)
		return
	}

	r.mu.Lock()
	_, known := r.serving[pid]
	r.serving[pid] = struct{}{}
	r.mu.Unlock()
	if known {
		return
	}
	r.host.ConnManager().Protect(pid, string(ProtocolID))
	if r.handlers.OnPeerConnected != nil {
		r.handlers.OnPeerConnected(domain.PeerID(pid.String()), identity)
	}
}

func (r *libp2pRuntime) peerGone(pid peer.ID) {
	r.mu.Lock()
	_, known := r.serving[pid]
	delete(r.serving, pid)
	r.mu.Unlock()
	if !known {
		return
	}
	r.host.ConnManager().Unprotect(pid, string(ProtocolID))
	if r.handlers.OnPeerDisconnected != nil {
		r.handlers.OnPeerDisconnected(domain.PeerID(pid.String()))
	}
}

func renderListenAddrs(h host.Host) []string {
	out := make([]string, 0, len(h.Addrs()))
	for _, addr := range h.Addrs() {
		full := addr.Encapsulate(multiaddr.StringCast("/p2p/" + h.ID().String()))
		out = append(out, full.String())
	}
	return out
}
