package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"subfield/internal/modules/subfield/domain"
	subfieldout "subfield/internal/modules/subfield/port/out"
	"subfield/internal/platform/config"
	"subfield/internal/platform/wire"
)

type RequestState string

const (
	StateIdle             RequestState = "idle"
	StateOpening          RequestState = "opening"
	StateSending          RequestState = "sending"
	StateAwaitingResponse RequestState = "awaiting_response"
	StateStreaming        RequestState = "streaming"
	StateCompleted        RequestState = "completed"
	StateEnded            RequestState = "ended"
	StateCancelled        RequestState = "cancelled"
	StateTimedOut         RequestState = "timed_out"
	StateErrored          RequestState = "errored"
)

func (s RequestState) terminal() bool {
	switch s {
	case StateCompleted, StateEnded, StateCancelled, StateTimedOut, StateErrored:
		return true
	default:
		return false
	}
}

// streamOpener is the part of the runtime transport the switchboard needs.
type streamOpener interface {
	OpenStream(ctx context.Context, peer domain.PeerID) (subfieldout.Stream, error)
}

// RequestInfo is a snapshot of one outbound request.
type RequestInfo struct {
	ID      uint64
	Peer    domain.PeerID
	Kind    domain.RequestKind
	State   RequestState
	Started time.Time
}

type request struct {
	id      uint64
	peer    domain.PeerID
	kind    domain.RequestKind
	started time.Time
	cancel  context.CancelCauseFunc

	mu    sync.Mutex
	state RequestState
}

func (r *request) setState(state RequestState) {
	r.mu.Lock()
	if !r.state.terminal() {
		r.state = state
	}
	r.mu.Unlock()
}

func (r *request) currentState() RequestState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Switchboard opens one stream per outbound request and hands the response
// frames back to the caller. It owns no reference to the service; results
// travel over per-request channels.
type Switchboard struct {
	logger  hclog.Logger
	opener  streamOpener
	timeout time.Duration
	buffer  int
	policy  config.LagPolicy

	nextID  atomic.Uint64
	dropped atomic.Int64

	mu       sync.Mutex
	inflight map[domain.PeerID]map[uint64]*request
	finished map[RequestState]int64
}

func NewSwitchboard(logger hclog.Logger, opener streamOpener, timeout time.Duration, buffer int, policy config.LagPolicy) *Switchboard {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Switchboard{
		logger:   logger,
		opener:   opener,
		timeout:  timeout,
		buffer:   buffer,
		policy:   policy,
		inflight: map[domain.PeerID]map[uint64]*request{},
		finished: map[RequestState]int64{},
	}
}

func (s *Switchboard) begin(ctx context.Context, peer domain.PeerID, kind domain.RequestKind) (context.Context, *request) {
	ctx, cancel := context.WithCancelCause(ctx)
	req := &request{
		id:      s.nextID.Add(1),
		peer:    peer,
		kind:    kind,
		started: time.Now(),
		cancel:  cancel,
		state:   StateIdle,
	}
	s.mu.Lock()
	set := s.inflight[peer]
	if set == nil {
		set = map[uint64]*request{}
		s.inflight[peer] = set
	}
	set[req.id] = req
	s.mu.Unlock()
	return ctx, req
}

func (s *Switchboard) finish(req *request, state RequestState) {
	req.setState(state)
	req.cancel(context.Canceled)
	s.mu.Lock()
	if set := s.inflight[req.peer]; set != nil {
		if _, ok := set[req.id]; ok {
			delete(set, req.id)
			s.finished[req.currentState()]++
		}
		if len(set) == 0 {
			delete(s.inflight, req.peer)
		}
	}
	s.mu.Unlock()
}

// PeerDisconnected fails every request in flight to peer with ErrRequestFailed.
func (s *Switchboard) PeerDisconnected(peer domain.PeerID) int {
	s.mu.Lock()
	reqs := make([]*request, 0, len(s.inflight[peer]))
	for _, req := range s.inflight[peer] {
		reqs = append(reqs, req)
	}
	s.mu.Unlock()
	for _, req := range reqs {
		req.cancel(fmt.Errorf("%w: peer %s disconnected", domain.ErrRequestFailed, peer))
	}
	return len(reqs)
}

// Requests lists in-flight requests ordered by id.
func (s *Switchboard) Requests() []RequestInfo {
	s.mu.Lock()
	var out []RequestInfo
	for _, set := range s.inflight {
		for _, req := range set {
			out = append(out, RequestInfo{ID: req.id, Peer: req.peer, Kind: req.kind, State: req.currentState(), Started: req.started})
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Finished counts completed requests by terminal state.
func (s *Switchboard) Finished() map[RequestState]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[RequestState]int64, len(s.finished))
	for k, v := range s.finished {
		out[k] = v
	}
	return out
}

func (s *Switchboard) Dropped() int64 {
	return s.dropped.Load()
}

// open dials the stream and arranges for it to be reset when ctx ends.
func (s *Switchboard) open(ctx context.Context, req *request, msg domain.Request) (subfieldout.Stream, func() bool, error) {
	req.setState(StateOpening)
	stream, err := s.opener.OpenStream(ctx, req.peer)
	if err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return nil, nil, cause
		}
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrFailedToOpenStream, err)
	}
	stop := context.AfterFunc(ctx, func() { _ = stream.Reset() })

	req.setState(StateSending)
	if err := wire.Write(stream, msg); err != nil {
		stop()
		_ = stream.Reset()
		return nil, nil, s.failure(ctx, err)
	}
	if err := stream.CloseWrite(); err != nil {
		stop()
		_ = stream.Reset()
		return nil, nil, s.failure(ctx, fmt.Errorf("%w: %v", domain.ErrFailedToCloseStream, err))
	}
	return stream, stop, nil
}

// failure prefers the context cause over the I/O error it provoked.
func (s *Switchboard) failure(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return err
}

func stateFor(err error) RequestState {
	switch {
	case errors.Is(err, domain.ErrRequestTimeout):
		return StateTimedOut
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return StateCancelled
	default:
		return StateErrored
	}
}

type callResult struct {
	resp domain.Response
	err  error
}

// Call performs a request answered by a single frame. Cancelling ctx, the request timeout or a
// peer disconnect resets the stream and returns immediately.
func (s *Switchboard) Call(ctx context.Context, peer domain.PeerID, msg domain.Request) (domain.Response, error) {
	kind, err := msg.Kind()
	if err != nil {
		return domain.Response{}, fmt.Errorf("%w: %v", domain.ErrSerializationFailed, err)
	}
	if kind == domain.RequestSubscribe {
		return domain.Response{}, fmt.Errorf("%w: subscribe needs a stream", domain.ErrUnexpectedResponseType)
	}
	ctx, req := s.begin(ctx, peer, kind)
	ctx, cancel := context.WithTimeoutCause(ctx, s.timeout, domain.ErrRequestTimeout)
	defer cancel()

	done := make(chan callResult, 1)
	go func() {
		stream, stop, err := s.open(ctx, req, msg)
		if err != nil {
			done <- callResult{err: err}
			return
		}
		defer stop()
		req.setState(StateAwaitingResponse)
		var resp domain.Response
		if err := wire.Read(stream, &resp); err != nil {
			_ = stream.Reset()
			if errors.Is(err, io.EOF) {
				err = fmt.Errorf("%w: stream closed before response", domain.ErrFailedToReadStream)
			}
			done <- callResult{err: s.failure(ctx, err)}
			return
		}
		_ = stream.Close()
		done <- callResult{resp: resp}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			s.finish(req, stateFor(res.err))
			s.logger.Debug("request failed", "peer", peer, "kind", kind, "err", res.err)
			return domain.Response{}, res.err
		}
		s.finish(req, StateCompleted)
		return res.resp, nil
	case <-ctx.Done():
		err := context.Cause(ctx)
		s.finish(req, stateFor(err))
		s.logger.Debug("request abandoned", "peer", peer, "kind", kind, "err", err)
		return domain.Response{}, err
	}
}

// Expect returns the single expected variant of a oneshot response, turning
// wire failures into their sentinel errors.
func Expect[T any](resp domain.Response, pick func(domain.Response) *T) (T, error) {
	var zero T
	if err := resp.Err(); err != nil {
		return zero, err
	}
	v := pick(resp)
	if v == nil {
		return zero, domain.ErrUnexpectedResponseType
	}
	return *v, nil
}

// RemoteSubscription is the client side of a streaming subscribe request.
type RemoteSubscription struct {
	ID   string
	Peer domain.PeerID

	box    *mailbox[domain.Record]
	req    *request
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (r *RemoteSubscription) Events() <-chan domain.Record {
	return r.box.Out()
}

// Err reports why the subscription ended; nil after a clean end or Close.
func (r *RemoteSubscription) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Close cancels the subscription and resets its stream.
func (r *RemoteSubscription) Close() {
	r.cancel()
	<-r.done
}

func (r *RemoteSubscription) setErr(err error) {
	r.mu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.mu.Unlock()
}

// Subscribe opens a streaming subscribe request. The server's Subscribed ack
// must arrive within the request timeout; events follow until the server
// closes the stream, ctx ends or Close is called.
func (s *Switchboard) Subscribe(ctx context.Context, peer domain.PeerID, msg domain.Request) (*RemoteSubscription, error) {
	if msg.Subscribe == nil {
		return nil, fmt.Errorf("%w: subscribe requires a subscribe request", domain.ErrUnexpectedResponseType)
	}
	ctx, req := s.begin(ctx, peer, domain.RequestSubscribe)
	ctx, cancel := context.WithCancel(ctx)

	ackCtx, ackCancel := context.WithTimeoutCause(ctx, s.timeout, domain.ErrRequestTimeout)
	type ackResult struct {
		stream subfieldout.Stream
		stop   func() bool
		ack    domain.SubscribedResponse
		err    error
	}
	acked := make(chan ackResult, 1)
	go func() {
		stream, stop, err := s.open(ctx, req, msg)
		if err != nil {
			acked <- ackResult{err: err}
			return
		}
		halt := context.AfterFunc(ackCtx, func() {
			if errors.Is(context.Cause(ackCtx), domain.ErrRequestTimeout) {
				_ = stream.Reset()
			}
		})
		defer halt()
		req.setState(StateAwaitingResponse)
		var resp domain.Response
		if err := wire.Read(stream, &resp); err != nil {
			_ = stream.Reset()
			stop()
			acked <- ackResult{err: s.failure(ackCtx, err)}
			return
		}
		ack, err := Expect(resp, func(r domain.Response) *domain.SubscribedResponse { return r.Subscribed })
		if err != nil {
			_ = stream.Reset()
			stop()
			acked <- ackResult{err: err}
			return
		}
		acked <- ackResult{stream: stream, stop: stop, ack: ack}
	}()

	var res ackResult
	select {
	case res = <-acked:
	case <-ackCtx.Done():
		res.err = context.Cause(ackCtx)
	}
	ackCancel()
	if res.err != nil {
		cancel()
		s.finish(req, stateFor(res.err))
		return nil, res.err
	}

	req.setState(StateStreaming)
	sub := &RemoteSubscription{
		ID:     res.ack.SubscriptionID,
		Peer:   peer,
		box:    newMailbox[domain.Record](s.buffer),
		req:    req,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.pumpEvents(ctx, sub, res.stream, res.stop)
	return sub, nil
}

func (s *Switchboard) pumpEvents(ctx context.Context, sub *RemoteSubscription, stream subfieldout.Stream, stop func() bool) {
	defer close(sub.done)
	defer stop()
	state := StateEnded
	defer func() {
		s.finish(sub.req, state)
	}()

	for {
		var resp domain.Response
		err := wire.Read(stream, &resp)
		if errors.Is(err, io.EOF) {
			_ = stream.Close()
			sub.box.Close()
			return
		}
		if err != nil {
			_ = stream.Reset()
			cause := context.Cause(ctx)
			switch {
			case errors.Is(cause, context.Canceled):
				state = StateCancelled
				sub.box.Abort()
			case cause != nil:
				state = stateFor(cause)
				sub.setErr(cause)
				sub.box.Close()
			default:
				state = StateErrored
				sub.setErr(err)
				sub.box.Close()
			}
			return
		}
		if failure := resp.Err(); failure != nil {
			_ = stream.Close()
			state = StateErrored
			sub.setErr(failure)
			sub.box.Close()
			return
		}
		if resp.Event == nil {
			_ = stream.Reset()
			state = StateErrored
			sub.setErr(domain.ErrUnexpectedResponseType)
			sub.box.Close()
			return
		}
		if err := resp.Event.Record.Verify(); err != nil {
			s.logger.Warn("discarded unverifiable event", "peer", sub.Peer, "err", err)
			continue
		}
		if sub.box.Push(resp.Event.Record) {
			continue
		}
		if s.policy == config.LagClose {
			_ = stream.Reset()
			state = StateErrored
			sub.setErr(domain.ErrSubscriberLagging)
			sub.box.Close()
			return
		}
		s.dropped.Add(1)
	}
}
