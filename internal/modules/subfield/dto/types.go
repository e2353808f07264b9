package dto

import "time"

type KeyInput struct {
	Signer    string
	Cosigner  string
	Tangent   string
	Dimension string
}

type RecordOutput struct {
	Signer         string
	Cosigner       string
	Tangent        string
	RoutingKeyHash string
	Author         string
	Timestamp      uint64
	Version        uint32
	Body           []byte
	Signature      string
}

type PutOutput struct {
	Record   RecordOutput
	Indexed  int
	Remote   string
	Replicas []string
}

type DeleteOutput struct {
	Hash    string
	Removed int
}

type PingOutput struct {
	Peer            string
	RTT             time.Duration
	RemoteTimestamp uint64
}

type ScanEntryOutput struct {
	IndexHash string
	Record    RecordOutput
}

type EventOutput struct {
	SubscriptionID string
	Record         RecordOutput
}

type KeygenOutput struct {
	PrivateKey string
	PublicKey  string
}

type PeerOutput struct {
	ID           string
	IdentityHash string
}

type StatusOutput struct {
	Running          bool
	Mode             string
	PeerID           string
	IdentityHash     string
	PublicKey        string
	ListenAddrs      []string
	Peers            []PeerOutput
	InboundRequests  int64
	DecodeErrors     int64
	RateLimited      int64
	DroppedEvents    int64
	InFlight         int
	StorageDegraded  bool
	Subscriptions    int
	BootstrapSummary string
}
