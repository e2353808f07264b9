package domain

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const BodyVersion uint32 = 0

// VersionedBytes is an opaque payload tagged with its encoding version.
type VersionedBytes struct {
	Version uint32 `cbor:"version"`
	Data    []byte `cbor:"data"`
}

func NewVersionedBytes(data []byte) VersionedBytes {
	out := make([]byte, len(data))
	copy(out, data)
	return VersionedBytes{Version: BodyVersion, Data: out}
}

func (v VersionedBytes) Equal(other VersionedBytes) bool {
	return v.Version == other.Version && bytes.Equal(v.Data, other.Data)
}

// Record is a signed body stored under every indexing hash of its key.
type Record struct {
	Key            CompleteKey    `cbor:"key"`
	RoutingKeyHash V256           `cbor:"routing_key_hash"`
	Body           VersionedBytes `cbor:"body"`
	Signature      Signature      `cbor:"signature"`
	Author         V256           `cbor:"author"`
	Timestamp      uint64         `cbor:"timestamp"`
}

// RecordPayload is the signed message: body || routing_key_hash || timestamp(u64 BE).
func RecordPayload(body []byte, routingKeyHash V256, timestamp uint64) []byte {
	out := make([]byte, 0, len(body)+V256Size+8)
	out = append(out, body...)
	out = append(out, routingKeyHash[:]...)
	return binary.BigEndian.AppendUint64(out, timestamp)
}

func NewRecord(author Keypair, key CompleteKey, body []byte, timestamp uint64) (Record, error) {
	rec := Record{
		Key:            key,
		RoutingKeyHash: key.Hash(),
		Body:           NewVersionedBytes(body),
		Author:         author.PublicKey,
		Timestamp:      timestamp,
	}
	sig, err := author.Sign(RecordPayload(rec.Body.Data, rec.RoutingKeyHash, timestamp))
	if err != nil {
		return Record{}, err
	}
	rec.Signature = sig
	return rec, nil
}

// Verify checks the body version, the key binding and the author signature.
func (r Record) Verify() error {
	if r.Body.Version != BodyVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, r.Body.Version)
	}
	if r.RoutingKeyHash != r.Key.Hash() {
		return fmt.Errorf("%w: routing key hash does not match key", ErrInvalidSignature)
	}
	if !Verify(r.Author, RecordPayload(r.Body.Data, r.RoutingKeyHash, r.Timestamp), r.Signature) {
		return ErrInvalidSignature
	}
	return nil
}

// SameSlot reports whether both records occupy the same (routing key hash, author) slot.
func (r Record) SameSlot(other Record) bool {
	return r.RoutingKeyHash == other.RoutingKeyHash && r.Author == other.Author
}

// Newer orders records for lookups: later timestamp first, then smaller author.
func (r Record) Newer(other Record) bool {
	if r.Timestamp != other.Timestamp {
		return r.Timestamp > other.Timestamp
	}
	if c := r.Author.Compare(other.Author); c != 0 {
		return c < 0
	}
	return r.RoutingKeyHash.Less(other.RoutingKeyHash)
}

func (r Record) Equal(other Record) bool {
	return r.Key == other.Key &&
		r.RoutingKeyHash == other.RoutingKeyHash &&
		r.Body.Equal(other.Body) &&
		r.Signature == other.Signature &&
		r.Author == other.Author &&
		r.Timestamp == other.Timestamp
}

// Newest picks the record a lookup returns from a set of matches.
func Newest(records []Record) (Record, bool) {
	if len(records) == 0 {
		return Record{}, false
	}
	best := records[0]
	for _, rec := range records[1:] {
		if rec.Newer(best) {
			best = rec
		}
	}
	return best, true
}

var deleteTag = []byte("delete")

// DeleteProof authorizes removal of an author's records under Hash.
type DeleteProof struct {
	Hash      V256      `cbor:"hash"`
	Author    V256      `cbor:"author"`
	Timestamp uint64    `cbor:"timestamp"`
	Signature Signature `cbor:"signature"`
}

// DeletePayload is hash || "delete" || timestamp(u64 BE).
func DeletePayload(hash V256, timestamp uint64) []byte {
	out := make([]byte, 0, V256Size+len(deleteTag)+8)
	out = append(out, hash[:]...)
	out = append(out, deleteTag...)
	return binary.BigEndian.AppendUint64(out, timestamp)
}

func NewDeleteProof(author Keypair, hash V256, timestamp uint64) (DeleteProof, error) {
	sig, err := author.Sign(DeletePayload(hash, timestamp))
	if err != nil {
		return DeleteProof{}, err
	}
	return DeleteProof{Hash: hash, Author: author.PublicKey, Timestamp: timestamp, Signature: sig}, nil
}

func (p DeleteProof) Verify() error {
	if !Verify(p.Author, DeletePayload(p.Hash, p.Timestamp), p.Signature) {
		return ErrInvalidSignature
	}
	return nil
}
