package usecase

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"subfield/internal/modules/subfield/domain"
	"subfield/internal/modules/subfield/dto"
	subfieldin "subfield/internal/modules/subfield/port/in"
	subfieldout "subfield/internal/modules/subfield/port/out"
	"subfield/internal/modules/subfield/service"
)

type servicePort interface {
	Run(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	WaitForPeers(ctx context.Context) error
	Status() service.Status
	Ping(ctx context.Context, peer domain.PeerID) (service.PingResult, error)
	Echo(ctx context.Context, key domain.RoutingKey, message string) (string, error)
	GetRecord(ctx context.Context, key domain.RoutingKey) (domain.Record, error)
	PutRecord(ctx context.Context, key domain.RoutingKey, body []byte) (service.PutResult, error)
	DeleteRecord(ctx context.Context, key domain.RoutingKey) (service.DeleteResult, error)
	Scan(ctx context.Context, prefix []byte, limit int) ([]subfieldout.ScanEntry, error)
	Subscribe(ctx context.Context, key domain.RoutingKey) (*service.Subscription, error)
	Unsubscribe(ctx context.Context, key domain.RoutingKey) (service.UnsubscribeResult, error)
}

type Interactor struct {
	svc servicePort
}

func NewInteractor(svc servicePort) subfieldin.Usecase {
	return &Interactor{svc: svc}
}

func (i *Interactor) Run(ctx context.Context) error {
	return i.svc.Run(ctx)
}

func (i *Interactor) Start(ctx context.Context) error {
	return i.svc.Start(ctx)
}

func (i *Interactor) Stop(ctx context.Context) error {
	return i.svc.Stop(ctx)
}

func (i *Interactor) WaitForPeers(ctx context.Context) error {
	return i.svc.WaitForPeers(ctx)
}

func (i *Interactor) Status(context.Context) (dto.StatusOutput, error) {
	st := i.svc.Status()
	out := dto.StatusOutput{
		Running:          st.Running,
		Mode:             string(st.Mode),
		PeerID:           string(st.PeerID),
		PublicKey:        st.PublicKey.String(),
		ListenAddrs:      st.ListenAddrs,
		InboundRequests:  st.InboundRequests,
		DecodeErrors:     st.DecodeErrors,
		RateLimited:      st.RateLimited,
		DroppedEvents:    st.DroppedEvents,
		InFlight:         len(st.InFlight),
		StorageDegraded:  st.StorageDegraded,
		Subscriptions:    st.Subscriptions,
		BootstrapSummary: st.Bootstrap,
	}
	if st.Running {
		out.IdentityHash = st.IdentityHash.String()
	}
	for _, peer := range st.Peers {
		out.Peers = append(out.Peers, dto.PeerOutput{ID: string(peer.ID), IdentityHash: peer.IdentityHash.String()})
	}
	return out, nil
}

func (i *Interactor) Keygen(context.Context) (dto.KeygenOutput, error) {
	kp, err := domain.NewKeypair()
	if err != nil {
		return dto.KeygenOutput{}, err
	}
	return dto.KeygenOutput{PrivateKey: kp.PrivateKey.String(), PublicKey: kp.PublicKey.String()}, nil
}

func (i *Interactor) Ping(ctx context.Context, peer string) (dto.PingOutput, error) {
	res, err := i.svc.Ping(ctx, domain.PeerID(strings.TrimSpace(peer)))
	if err != nil {
		return dto.PingOutput{}, err
	}
	return dto.PingOutput{Peer: string(res.Peer), RTT: res.RTT, RemoteTimestamp: res.RemoteTimestamp}, nil
}

func (i *Interactor) Echo(ctx context.Context, key dto.KeyInput, message string) (string, error) {
	rk, err := ParseKey(key)
	if err != nil {
		return "", err
	}
	return i.svc.Echo(ctx, rk, message)
}

func (i *Interactor) GetRecord(ctx context.Context, key dto.KeyInput) (dto.RecordOutput, error) {
	rk, err := ParseKey(key)
	if err != nil {
		return dto.RecordOutput{}, err
	}
	rec, err := i.svc.GetRecord(ctx, rk)
	if err != nil {
		return dto.RecordOutput{}, err
	}
	return mapRecord(rec), nil
}

func (i *Interactor) PutRecord(ctx context.Context, key dto.KeyInput, body []byte) (dto.PutOutput, error) {
	rk, err := ParseKey(key)
	if err != nil {
		return dto.PutOutput{}, err
	}
	res, err := i.svc.PutRecord(ctx, rk, body)
	if err != nil {
		return dto.PutOutput{}, err
	}
	return dto.PutOutput{
		Record:   mapRecord(res.Record),
		Indexed:  res.Indexed,
		Remote:   string(res.Remote),
		Replicas: peerStrings(res.Replicas),
	}, nil
}

func (i *Interactor) DeleteRecord(ctx context.Context, key dto.KeyInput) (dto.DeleteOutput, error) {
	rk, err := ParseKey(key)
	if err != nil {
		return dto.DeleteOutput{}, err
	}
	res, err := i.svc.DeleteRecord(ctx, rk)
	if err != nil {
		return dto.DeleteOutput{}, err
	}
	return dto.DeleteOutput{Hash: res.Hash.String(), Removed: res.Removed}, nil
}

func (i *Interactor) Scan(ctx context.Context, prefix string, limit int) ([]dto.ScanEntryOutput, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(prefix))
	if err != nil {
		return nil, fmt.Errorf("decode prefix: %w", err)
	}
	entries, err := i.svc.Scan(ctx, raw, limit)
	if err != nil {
		return nil, err
	}
	out := make([]dto.ScanEntryOutput, 0, len(entries))
	for _, entry := range entries {
		out = append(out, dto.ScanEntryOutput{IndexHash: entry.IndexHash.String(), Record: mapRecord(entry.Record)})
	}
	return out, nil
}

// Subscribe emits events until the subscription ends, ctx is cancelled or
// emit fails.
func (i *Interactor) Subscribe(ctx context.Context, key dto.KeyInput, emit func(dto.EventOutput) error) error {
	rk, err := ParseKey(key)
	if err != nil {
		return err
	}
	sub, err := i.svc.Subscribe(ctx, rk)
	if err != nil {
		return err
	}
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case rec, ok := <-sub.Events():
			if !ok {
				return sub.Err()
			}
			if err := emit(dto.EventOutput{SubscriptionID: sub.ID, Record: mapRecord(rec)}); err != nil {
				return err
			}
		}
	}
}

func (i *Interactor) Unsubscribe(ctx context.Context, key dto.KeyInput) (int, error) {
	rk, err := ParseKey(key)
	if err != nil {
		return 0, err
	}
	res, err := i.svc.Unsubscribe(ctx, rk)
	if err != nil {
		return 0, err
	}
	return res.Local + res.Remote, nil
}

// ParseKey builds a routing key from hex fields; empty fields are absent.
func ParseKey(in dto.KeyInput) (domain.RoutingKey, error) {
	parse := func(name, raw string) (*domain.V256, error) {
		if strings.TrimSpace(raw) == "" {
			return nil, nil
		}
		v, err := domain.ParseV256(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		return &v, nil
	}
	signer, err := parse("signer", in.Signer)
	if err != nil {
		return domain.RoutingKey{}, err
	}
	cosigner, err := parse("cosigner", in.Cosigner)
	if err != nil {
		return domain.RoutingKey{}, err
	}
	tangent, err := parse("tangent", in.Tangent)
	if err != nil {
		return domain.RoutingKey{}, err
	}
	key, err := domain.NewPartialKey(signer, cosigner, tangent)
	if err != nil {
		return domain.RoutingKey{}, err
	}
	dimension, err := domain.ParseDimension(strings.ToLower(strings.TrimSpace(in.Dimension)))
	if err != nil {
		return domain.RoutingKey{}, err
	}
	return domain.NewRoutingKey(dimension, key)
}

func mapRecord(rec domain.Record) dto.RecordOutput {
	return dto.RecordOutput{
		Signer:         rec.Key.Signer.String(),
		Cosigner:       rec.Key.Cosigner.String(),
		Tangent:        rec.Key.Tangent.String(),
		RoutingKeyHash: rec.RoutingKeyHash.String(),
		Author:         rec.Author.String(),
		Timestamp:      rec.Timestamp,
		Version:        rec.Body.Version,
		Body:           rec.Body.Data,
		Signature:      rec.Signature.String(),
	}
}

func peerStrings(peers []domain.PeerID) []string {
	out := make([]string, 0, len(peers))
	for _, peer := range peers {
		out = append(out, string(peer))
	}
	return out
}
