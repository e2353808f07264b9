package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"subfield/internal/modules/subfield/domain"
	subfieldout "subfield/internal/modules/subfield/port/out"
	"subfield/internal/platform/clock"
	"subfield/internal/platform/wire"
)

// handleStream serves one inbound stream: a single request frame followed by
// one response frame, or an ack and a run of events for subscriptions.
func (s *SubfieldService) handleStream(ctx context.Context, rt *runtimeState, stream subfieldout.Stream) {
	peer := stream.RemotePeer()
	logger := s.logger.Named("handler").With("peer", peer)
	if !s.limiter.allow(peer) {
		s.rateLimited.Add(1)
		logger.Debug("inbound stream rate limited")
		_ = stream.Reset()
		return
	}
	s.inbound.Add(1)
	_ = stream.SetDeadline(time.Now().Add(s.opts.IdleTimeout))

	var req domain.Request
	if err := wire.Read(stream, &req); err != nil {
		s.decodeErrors.Add(1)
		logger.Debug("unreadable request", "err", err)
		if !errors.Is(err, io.EOF) && !errors.Is(err, domain.ErrFailedToReadStream) {
			_ = wire.Write(stream, domain.FailureResponse(domain.FailureMalformed, err))
		}
		_ = stream.Close()
		return
	}
	kind, err := req.Kind()
	if err != nil {
		s.decodeErrors.Add(1)
		_ = wire.Write(stream, domain.FailureResponse(domain.FailureMalformed, err))
		_ = stream.Close()
		return
	}
	logger.Debug("request", "kind", kind)

	if kind == domain.RequestSubscribe {
		s.serveSubscription(ctx, stream, peer, *req.Subscribe)
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.opts.IdleTimeout)
	resp := s.serve(reqCtx, peer, req, kind)
	cancel()
	if err := wire.Write(stream, resp); err != nil {
		logger.Debug("write response failed", "kind", kind, "err", err)
		_ = stream.Reset()
		return
	}
	_ = stream.Close()
}

// serve answers a single-frame request. Internal errors never cross the wire
// except as the text of an operation-specific failure.
func (s *SubfieldService) serve(ctx context.Context, peer domain.PeerID, req domain.Request, kind domain.RequestKind) domain.Response {
	failure := domain.FailureFor(kind)
	switch kind {
	case domain.RequestPing:
		return domain.Response{Ping: &domain.PingResponse{Timestamp: clock.UnixMilli(s.clock)}}

	case domain.RequestEcho:
		return domain.Response{Echo: &domain.EchoResponse{Message: req.Echo.Message}}

	case domain.RequestGetRecord:
		if err := req.GetRecord.Key.Validate(); err != nil {
			return domain.FailureResponse(failure, err)
		}
		hash, _ := req.GetRecord.Key.Key.Hash()
		rec, ok, err := s.store.Get(ctx, hash)
		if err != nil {
			return domain.FailureResponse(failure, err)
		}
		if !ok {
			return domain.FailureResponse(failure, domain.ErrRecordNotFound)
		}
		return domain.Response{GetRecord: &domain.GetRecordResponse{Record: rec}}

	case domain.RequestPutRecord:
		put := req.PutRecord
		complete, err := put.Key.Complete()
		if err != nil {
			return domain.FailureResponse(failure, err)
		}
		if complete != put.Record.Key {
			return domain.FailureResponse(failure, errors.New("routing key does not match record key"))
		}
		indexed, err := s.storeRecord(ctx, put.Record)
		if errors.Is(err, domain.ErrStaleWrite) {
			return domain.FailureResponse(domain.FailureStaleWrite, err)
		}
		if err != nil {
			return domain.FailureResponse(failure, err)
		}
		return domain.Response{PutRecord: &domain.PutRecordResponse{Indexed: indexed}}

	case domain.RequestDeleteRecord:
		del := req.DeleteRecord
		hash, err := del.Key.Key.Hash()
		if err != nil {
			return domain.FailureResponse(failure, err)
		}
		if del.Proof.Hash != hash {
			return domain.FailureResponse(failure, errors.New("proof does not cover the requested key"))
		}
		if err := del.Proof.Verify(); err != nil {
			return domain.FailureResponse(failure, err)
		}
		removed, err := s.store.Delete(ctx, del.Proof)
		if err != nil {
			return domain.FailureResponse(failure, err)
		}
		return domain.Response{DeleteRecord: &domain.DeleteRecordResponse{Removed: removed}}

	case domain.RequestUnsubscribe:
		hash, err := req.Unsubscribe.Key.Key.Hash()
		if err != nil {
			return domain.FailureResponse(failure, err)
		}
		return domain.Response{Unsubscribe: &domain.UnsubscribeResponse{Closed: s.registry.closeMatching(peer, hash)}}

	default:
		return domain.FailureResponse(domain.FailureMalformed, fmt.Errorf("unsupported request %s", kind))
	}
}

// storeRecord verifies and persists rec, then fans it out to subscribers.
func (s *SubfieldService) storeRecord(ctx context.Context, rec domain.Record) (int, error) {
	if err := rec.Verify(); err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrPutRecordFailure, err)
	}
	indexed, err := s.store.Put(ctx, rec)
	if err != nil {
		return 0, err
	}
	s.registry.publish(rec)
	return indexed, nil
}

func (s *SubfieldService) serveSubscription(ctx context.Context, stream subfieldout.Stream, peer domain.PeerID, req domain.SubscribeRequest) {
	logger := s.logger.Named("handler").With("peer", peer)
	hash, err := req.Key.Key.Hash()
	if err != nil {
		_ = wire.Write(stream, domain.FailureResponse(domain.FailureSubscribe, err))
		_ = stream.Close()
		return
	}
	sub := s.registry.add(peer, hash)
	abort := func() {
		s.registry.remove(sub.id)
		sub.box.Abort()
	}
	if err := wire.Write(stream, domain.Response{Subscribed: &domain.SubscribedResponse{SubscriptionID: sub.id}}); err != nil {
		abort()
		_ = stream.Reset()
		return
	}
	_ = stream.SetDeadline(time.Time{})
	logger.Debug("subscription opened", "subscription", sub.id, "hash", hash.Short())

	// A reset from the subscriber surfaces as a read error; a clean
	// half-close is expected right after the request.
	go func() {
		if _, err := io.Copy(io.Discard, stream); err != nil {
			abort()
		}
	}()
	stopOnShutdown := context.AfterFunc(ctx, abort)
	defer stopOnShutdown()

	for rec := range sub.box.Out() {
		if err := wire.Write(stream, domain.Response{Event: &domain.EventResponse{Record: rec}}); err != nil {
			logger.Debug("subscriber went away", "subscription", sub.id, "err", err)
			abort()
			_ = stream.Reset()
			return
		}
	}
	if sub.lagged.Load() {
		_ = wire.Write(stream, domain.FailureResponse(domain.FailureLagging, domain.ErrSubscriberLagging))
	}
	_ = stream.Close()
	logger.Debug("subscription closed", "subscription", sub.id)
}
