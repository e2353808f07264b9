package out

import (
	"context"
	"io"
	"time"

	"subfield/internal/modules/subfield/domain"
)

// RecordStore is the node-local two-tier record store.
type RecordStore interface {
	// Put indexes rec under every hash of its key and returns how many index
	// hashes were written. An existing record in the same slot with an equal
	// or later timestamp yields domain.ErrStaleWrite.
	Put(ctx context.Context, rec domain.Record) (int, error)
	Get(ctx context.Context, hash domain.V256) (domain.Record, bool, error)
	// Delete removes records by proof.Author indexed under proof.Hash that are
	// not newer than the proof. Absent records are not an error.
	Delete(ctx context.Context, proof domain.DeleteProof) (int, error)
	Scan(ctx context.Context, prefix []byte, limit int) ([]ScanEntry, error)
	Degraded() bool
	Close() error
}

// Backing is the durable tier behind the cache.
type Backing interface {
	Lookup(ctx context.Context, indexHash domain.V256) ([]domain.Record, error)
	Slot(ctx context.Context, routingKeyHash, author domain.V256) (domain.Record, bool, error)
	// Upsert replaces the record's slot and its index rows atomically. It
	// returns domain.ErrStaleWrite when the slot holds an equal or newer
	// timestamp.
	Upsert(ctx context.Context, rec domain.Record, indexHashes []domain.V256) error
	DeleteMatching(ctx context.Context, indexHash, author domain.V256, notAfter uint64) ([]domain.Record, error)
	Scan(ctx context.Context, prefix []byte, limit int) ([]ScanEntry, error)
	Close() error
}

type ScanEntry struct {
	IndexHash domain.V256
	Record    domain.Record
}

// Stream is one bidirectional byte stream to a peer speaking the record protocol.
type Stream interface {
	io.ReadWriteCloser
	CloseWrite() error
	Reset() error
	SetDeadline(t time.Time) error
	RemotePeer() domain.PeerID
}

type Transport interface {
	Start(ctx context.Context, input TransportStartInput, handlers TransportHandlers) (RuntimeTransport, error)
}

type TransportStartInput struct {
	Keypair         domain.Keypair
	Serve           bool
	ListenAddresses []string
	IdleTimeout     time.Duration
}

// TransportHandlers are invoked from transport goroutines. OnStream gets a
// goroutine of its own per stream; the peer callbacks must not block.
type TransportHandlers struct {
	OnStream           func(stream Stream)
	OnPeerConnected    func(peer domain.PeerID, identityHash domain.V256)
	OnPeerDisconnected func(peer domain.PeerID)
}

type RuntimeTransport interface {
	LocalPeer() domain.PeerID
	IdentityHash() domain.V256
	ListenAddrs() []string
	Dial(ctx context.Context, addr string) (domain.PeerID, error)
	OpenStream(ctx context.Context, peer domain.PeerID) (Stream, error)
	Stop() error
}

// Bootstrapper fetches multiaddr lists from bootstrap endpoints.
type Bootstrapper interface {
	Fetch(ctx context.Context, urls []string) ([]string, error)
}

type KeyStore interface {
	// LoadOrCreate returns the persisted identity, creating it when absent.
	// created reports whether a new key was written.
	LoadOrCreate(ctx context.Context) (kp domain.Keypair, created bool, err error)
}
