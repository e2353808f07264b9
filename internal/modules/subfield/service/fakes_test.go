package service_test

import (
	"bytes"
	"context"
	"sync"

	"subfield/internal/modules/subfield/domain"
	subfieldout "subfield/internal/modules/subfield/port/out"
)

type slotKey struct {
	hash   domain.V256
	author domain.V256
}

// memStore keeps one record per (routing key hash, author) slot.
type memStore struct {
	mu    sync.Mutex
	slots map[slotKey]domain.Record
	err   error
}

func newMemStore() *memStore {
	return &memStore{slots: map[slotKey]domain.Record{}}
}

func (s *memStore) Put(_ context.Context, rec domain.Record) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	key := slotKey{hash: rec.RoutingKeyHash, author: rec.Author}
	if existing, ok := s.slots[key]; ok && existing.Timestamp >= rec.Timestamp {
		return 0, domain.ErrStaleWrite
	}
	s.slots[key] = rec
	return len(rec.Key.IndexHashes()), nil
}

func (s *memStore) matching(hash domain.V256) []domain.Record {
	var out []domain.Record
	for _, rec := range s.slots {
		for _, h := range rec.Key.IndexHashes() {
			if h == hash {
				out = append(out, rec)
				break
			}
		}
	}
	return out
}

func (s *memStore) Get(_ context.Context, hash domain.V256) (domain.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return domain.Record{}, false, s.err
	}
	rec, ok := domain.Newest(s.matching(hash))
	return rec, ok, nil
}

func (s *memStore) Delete(_ context.Context, proof domain.DeleteProof) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, rec := range s.matching(proof.Hash) {
		if rec.Author == proof.Author && rec.Timestamp <= proof.Timestamp {
			delete(s.slots, slotKey{hash: rec.RoutingKeyHash, author: rec.Author})
			removed++
		}
	}
	return removed, nil
}

func (s *memStore) Scan(_ context.Context, prefix []byte, limit int) ([]subfieldout.ScanEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []subfieldout.ScanEntry
	for _, rec := range s.slots {
		for _, h := range rec.Key.IndexHashes() {
			if bytes.HasPrefix(h[:], prefix) {
				out = append(out, subfieldout.ScanEntry{IndexHash: h, Record: rec})
			}
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) Degraded() bool { return false }
func (s *memStore) Close() error { return nil }

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

type fakeBootstrapper struct {
	addrs []string
	err   error
	urls  []string
}

func (f *fakeBootstrapper) Fetch(_ context.Context, urls []string) ([]string, error) {
	f.urls = urls
	return f.addrs, f.err
}
