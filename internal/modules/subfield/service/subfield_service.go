package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"subfield/internal/modules/subfield/domain"
	subfieldout "subfield/internal/modules/subfield/port/out"
	"subfield/internal/platform/clock"
	"subfield/internal/platform/config"
	"subfield/internal/platform/id"
)

type Options struct {
	Mode                config.Mode
	BootstrapURLs       []string
	BootstrapMultiaddrs []string
	ListenAddresses     []string
	RequestTimeout      time.Duration
	IdleTimeout         time.Duration
	ReplicationFactor   int
	SubscriptionBuffer  int
	LagPolicy           config.LagPolicy
	RateLimit           float64
	RateBurst           int
	PeerWait            time.Duration
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Mode:                cfg.Mode,
		BootstrapURLs:       cfg.BootstrapURLs,
		BootstrapMultiaddrs: cfg.BootstrapMultiaddrs,
		ListenAddresses:     cfg.ListenAddresses,
		RequestTimeout:      cfg.RequestTimeout,
		IdleTimeout:         cfg.IdleTimeout,
		ReplicationFactor:   cfg.ReplicationFactor,
		SubscriptionBuffer:  cfg.SubscriptionBuffer,
		LagPolicy:           cfg.LagPolicy,
		RateLimit:           cfg.RateLimit,
		RateBurst:           cfg.RateBurst,
		PeerWait:            cfg.PeerWait,
	}
}

func (o Options) withDefaults() Options {
	def := OptionsFromConfig(config.Default())
	if o.Mode == "" {
		o.Mode = def.Mode
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = def.RequestTimeout
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = def.IdleTimeout
	}
	if o.ReplicationFactor <= 0 {
		o.ReplicationFactor = def.ReplicationFactor
	}
	if o.LagPolicy == "" {
		o.LagPolicy = def.LagPolicy
	}
	if o.RateLimit <= 0 {
		o.RateLimit = def.RateLimit
	}
	if o.RateBurst <= 0 {
		o.RateBurst = def.RateBurst
	}
	if o.PeerWait <= 0 {
		o.PeerWait = def.PeerWait
	}
	return o
}

type runtimeState struct {
	transport   subfieldout.RuntimeTransport
	table       *domain.PeerTable
	router      domain.Router
	switchboard *Switchboard
	ctx         context.Context
	cancel      context.CancelFunc
	bootstrap   atomic.Value

	signalMu sync.Mutex
	signal   chan struct{}
}

// OpenStream lets the switchboard reach the transport once it has started.
func (r *runtimeState) OpenStream(ctx context.Context, peer domain.PeerID) (subfieldout.Stream, error) {
	if r.transport == nil {
		return nil, domain.ErrNoLocalPeer
	}
	return r.transport.OpenStream(ctx, peer)
}

func (r *runtimeState) peersChanged() {
	r.signalMu.Lock()
	close(r.signal)
	r.signal = make(chan struct{})
	r.signalMu.Unlock()
}

func (r *runtimeState) peerSignal() <-chan struct{} {
	r.signalMu.Lock()
	defer r.signalMu.Unlock()
	return r.signal
}

type SubfieldService struct {
	logger       hclog.Logger
	opts         Options
	keypair      domain.Keypair
	transport    subfieldout.Transport
	store        subfieldout.RecordStore
	bootstrapper subfieldout.Bootstrapper
	clock        clock.Clock
	ids          id.Generator

	registry *registry
	limiter  *peerLimiter

	inbound      atomic.Int64
	decodeErrors atomic.Int64
	rateLimited  atomic.Int64

	mu      sync.RWMutex
	runtime *runtimeState
	local   map[string]*Subscription
}

func NewSubfieldService(
	logger hclog.Logger,
	opts Options,
	keypair domain.Keypair,
	transport subfieldout.Transport,
	store subfieldout.RecordStore,
	bootstrapper subfieldout.Bootstrapper,
	clk clock.Clock,
	ids id.Generator,
) *SubfieldService {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if clk == nil {
		clk = clock.SystemClock{}
	}
	if ids == nil {
		ids = id.UUID{}
	}
	opts = opts.withDefaults()
	return &SubfieldService{
		logger:       logger,
		opts:         opts,
		keypair:      keypair,
		transport:    transport,
		store:        store,
		bootstrapper: bootstrapper,
		clock:        clk,
		ids:          ids,
		registry:     newRegistry(logger.Named("subscriptions"), ids, opts.SubscriptionBuffer, opts.LagPolicy),
		limiter:      newPeerLimiter(opts.RateLimit, opts.RateBurst, 10*time.Minute, clk.Now),
		local:        map[string]*Subscription{},
	}
}

func (s *SubfieldService) Keypair() domain.Keypair {
	return s.keypair
}

func (s *SubfieldService) state() (*runtimeState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.runtime == nil {
		return nil, domain.ErrNoLocalPeer
	}
	return s.runtime, nil
}

// Start brings the transport up and bootstraps. Bootstrap failures are fatal
// only in client mode.
func (s *SubfieldService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.runtime != nil {
		s.mu.Unlock()
		return nil
	}
	handlerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rt := &runtimeState{
		table:  domain.NewPeerTable(),
		ctx:    handlerCtx,
		cancel: cancel,
		signal: make(chan struct{}),
	}
	rt.switchboard = NewSwitchboard(s.logger.Named("switchboard"), rt, s.opts.RequestTimeout, s.opts.SubscriptionBuffer, s.opts.LagPolicy)

	transport, err := s.transport.Start(ctx, subfieldout.TransportStartInput{
		Keypair:         s.keypair,
		Serve:           s.opts.Mode == config.ModeServer,
		ListenAddresses: s.opts.ListenAddresses,
		IdleTimeout:     s.opts.IdleTimeout,
	}, s.handlers(rt))
	if err != nil {
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("%w: %v", domain.ErrSwarmError, err)
	}
	rt.transport = transport
	rt.router = domain.NewRouter(rt.table, transport.IdentityHash())
	s.runtime = rt
	s.mu.Unlock()

	s.logger.Info("node started", "peer", transport.LocalPeer(), "mode", s.opts.Mode, "identity", transport.IdentityHash().Short(), "listen", transport.ListenAddrs())

	dialed, err := s.bootstrap(ctx, rt)
	switch {
	case err == nil:
		rt.bootstrap.Store(fmt.Sprintf("dialed %d", dialed))
		s.logger.Info("bootstrap complete", "dialed", dialed)
	case s.opts.Mode == config.ModeClient:
		_ = s.Stop(context.WithoutCancel(ctx))
		return err
	case errors.Is(err, domain.ErrBootstrapFailedNoUrls):
		rt.bootstrap.Store("not configured")
		s.logger.Info("no bootstrap configured, waiting for inbound peers")
	default:
		rt.bootstrap.Store(err.Error())
		s.logger.Warn("bootstrap failed, continuing with empty peer table", "err", err)
	}
	return nil
}

// Run serves until ctx ends.
func (s *SubfieldService) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop(context.WithoutCancel(ctx))
}

func (s *SubfieldService) Stop(_ context.Context) error {
	s.mu.Lock()
	rt := s.runtime
	s.runtime = nil
	local := s.local
	s.local = map[string]*Subscription{}
	s.mu.Unlock()
	if rt == nil {
		return nil
	}
	for _, sub := range local {
		sub.Close()
	}
	rt.cancel()
	s.registry.closeAll()
	if err := rt.transport.Stop(); err != nil {
		return fmt.Errorf("%w: stop transport: %v", domain.ErrSwarmError, err)
	}
	s.logger.Info("node stopped")
	return nil
}

func (s *SubfieldService) handlers(rt *runtimeState) subfieldout.TransportHandlers {
	return subfieldout.TransportHandlers{
		OnStream: func(stream subfieldout.Stream) {
			s.handleStream(rt.ctx, rt, stream)
		},
		OnPeerConnected: func(peer domain.PeerID, identityHash domain.V256) {
			rt.table.Insert(peer, identityHash)
			rt.peersChanged()
			s.logger.Info("peer connected", "peer", peer, "identity", identityHash.Short(), "peers", rt.table.Len())
		},
		OnPeerDisconnected: func(peer domain.PeerID) {
			if !rt.table.Remove(peer) {
				return
			}
			failed := rt.switchboard.PeerDisconnected(peer)
			closed := s.registry.closePeer(peer)
			s.limiter.forget(peer)
			rt.peersChanged()
			s.logger.Info("peer disconnected", "peer", peer, "failed_requests", failed, "closed_subscriptions", closed, "peers", rt.table.Len())
		},
	}
}

func (s *SubfieldService) bootstrap(ctx context.Context, rt *runtimeState) (int, error) {
	urls := s.opts.BootstrapURLs
	addrs := append([]string(nil), s.opts.BootstrapMultiaddrs...)
	if len(urls) == 0 && len(addrs) == 0 {
		return 0, domain.ErrBootstrapFailedNoUrls
	}
	if len(urls) > 0 {
		if s.bootstrapper == nil {
			return 0, fmt.Errorf("%w: no bootstrapper configured", domain.ErrBootstrapFailedNoMultiaddrs)
		}
		fetched, err := s.bootstrapper.Fetch(ctx, urls)
		if err != nil {
			s.logger.Warn("bootstrap fetch failed", "err", err)
		}
		addrs = append(addrs, fetched...)
	}
	if len(addrs) == 0 {
		return 0, domain.ErrBootstrapFailedNoMultiaddrs
	}

	seen := map[string]struct{}{}
	dialed := 0
	for _, addr := range addrs {
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		dialCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
		peer, err := rt.transport.Dial(dialCtx, addr)
		cancel()
		if err != nil {
			s.logger.Debug("bootstrap dial failed", "addr", addr, "err", err)
			continue
		}
		if peer == rt.transport.LocalPeer() {
			continue
		}
		dialed++
	}
	if dialed == 0 {
		return 0, domain.ErrBootstrapFailedDial
	}
	return dialed, nil
}

// WaitForPeers blocks until at least one peer is connected or PeerWait elapses.
func (s *SubfieldService) WaitForPeers(ctx context.Context) error {
	rt, err := s.state()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.PeerWait)
	defer cancel()
	for {
		signal := rt.peerSignal()
		if rt.table.Len() > 0 {
			return nil
		}
		select {
		case <-signal:
		case <-ctx.Done():
			return domain.ErrNoConnectedPeers
		}
	}
}

type Status struct {
	Running         bool
	Mode            config.Mode
	PeerID          domain.PeerID
	IdentityHash    domain.V256
	PublicKey       domain.V256
	ListenAddrs     []string
	Peers           []domain.PeerEntry
	InboundRequests int64
	DecodeErrors    int64
	RateLimited     int64
	DroppedEvents   int64
	InFlight        []RequestInfo
	StorageDegraded bool
	Subscriptions   int
	Bootstrap       string
}

func (s *SubfieldService) Status() Status {
	st := Status{
		Mode:            s.opts.Mode,
		PublicKey:       s.keypair.PublicKey,
		InboundRequests: s.inbound.Load(),
		DecodeErrors:    s.decodeErrors.Load(),
		RateLimited:     s.rateLimited.Load(),
		DroppedEvents:   s.registry.dropped.Load(),
		Subscriptions:   s.registry.len(),
	}
	if s.store != nil {
		st.StorageDegraded = s.store.Degraded()
	}
	rt, err := s.state()
	if err != nil {
		return st
	}
	st.Running = true
	st.PeerID = rt.transport.LocalPeer()
	st.IdentityHash = rt.transport.IdentityHash()
	st.ListenAddrs = rt.transport.ListenAddrs()
	st.Peers = rt.table.Entries()
	st.DroppedEvents += rt.switchboard.Dropped()
	st.InFlight = rt.switchboard.Requests()
	st.Bootstrap, _ = rt.bootstrap.Load().(string)
	return st
}
