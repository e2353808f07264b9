package out

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru/v2"

	"subfield/internal/modules/subfield/domain"
	subfieldout "subfield/internal/modules/subfield/port/out"
	"subfield/internal/platform/clock"
)

const defaultCacheSize = 4096

// TieredStore fronts a durable backing with an LRU of index hash to the
// records indexed under it. When the backing fails the store serves reads
// from the cache for a grace window and accepts writes whose slot the cache
// already holds. Queued writes are replayed once the backing answers again.
type TieredStore struct {
	logger  hclog.Logger
	backing subfieldout.Backing
	cache   *lru.Cache[domain.V256, []domain.Record]
	clock   clock.Clock
	grace   time.Duration

	mu            sync.Mutex
	degradedSince time.Time
	pending       []pendingWrite
}

type pendingWrite struct {
	record *domain.Record
	proof  *domain.DeleteProof
}

func NewTieredStore(logger hclog.Logger, backing subfieldout.Backing, cacheSize int, grace time.Duration, clk clock.Clock) (*TieredStore, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if clk == nil {
		clk = clock.SystemClock{}
	}
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	cache, err := lru.New[domain.V256, []domain.Record](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create record cache: %w", err)
	}
	return &TieredStore{
		logger:  logger.Named("store"),
		backing: backing,
		cache:   cache,
		clock:   clk,
		grace:   grace,
	}, nil
}

func (s *TieredStore) Put(ctx context.Context, rec domain.Record) (int, error) {
	if err := rec.Verify(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.catchUp(ctx)

	existing, ok, err := s.slot(ctx, rec.RoutingKeyHash, rec.Author, rec.Key.Hash())
	if err != nil {
		return 0, err
	}
	if ok && existing.Timestamp >= rec.Timestamp {
		return 0, domain.ErrStaleWrite
	}

	hashes := rec.Key.IndexHashes()
	if err := s.backingUpsert(ctx, rec, hashes); err != nil {
		return 0, err
	}
	// Only lists that are already complete are extended. A new list holding
	// just this record would hide the others the backing files under it.
	for _, hash := range hashes {
		if records, cached := s.cache.Peek(hash); cached {
			s.cache.Add(hash, replaceSlot(records, rec))
		}
	}
	return len(hashes), nil
}

// slot finds the record occupying (routingKeyHash, author). fullHash is the
// index hash under which every record of that key is filed.
func (s *TieredStore) slot(ctx context.Context, routingKeyHash, author, fullHash domain.V256) (domain.Record, bool, error) {
	if records, ok := s.cache.Peek(fullHash); ok {
		for _, rec := range records {
			if rec.RoutingKeyHash == routingKeyHash && rec.Author == author {
				return rec, true, nil
			}
		}
		return domain.Record{}, false, nil
	}
	rec, ok, err := s.backing.Slot(ctx, routingKeyHash, author)
	if err != nil {
		// Neither tier knows the slot, so a stale write cannot be ruled out.
		s.tolerate(err)
		return domain.Record{}, false, unavailable(err)
	}
	s.recovered(ctx)
	return rec, ok, nil
}

func (s *TieredStore) backingUpsert(ctx context.Context, rec domain.Record, hashes []domain.V256) error {
	err := s.backing.Upsert(ctx, rec, hashes)
	switch {
	case err == nil:
		s.recovered(ctx)
		return nil
	case errors.Is(err, domain.ErrStaleWrite):
		s.recovered(ctx)
		return err
	case s.tolerate(err):
		s.pending = append(s.pending, pendingWrite{record: &rec})
		return nil
	default:
		return unavailable(err)
	}
}

func (s *TieredStore) Get(ctx context.Context, hash domain.V256) (domain.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.catchUp(ctx)

	if records, ok := s.cache.Get(hash); ok {
		rec, found := domain.Newest(records)
		return rec, found, nil
	}
	records, err := s.backing.Lookup(ctx, hash)
	if err != nil {
		if s.tolerate(err) {
			return domain.Record{}, false, nil
		}
		return domain.Record{}, false, unavailable(err)
	}
	s.recovered(ctx)

	valid := records[:0]
	for _, rec := range records {
		if err := rec.Verify(); err != nil {
			s.logger.Warn("dropping unverifiable stored record", "hash", hash.Short(), "err", err)
			continue
		}
		valid = append(valid, rec)
	}
	s.cache.Add(hash, valid)
	rec, found := domain.Newest(valid)
	return rec, found, nil
}

func (s *TieredStore) Delete(ctx context.Context, proof domain.DeleteProof) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.catchUp(ctx)

	removed, err := s.backing.DeleteMatching(ctx, proof.Hash, proof.Author, proof.Timestamp)
	if err != nil {
		if !s.tolerate(err) {
			return 0, unavailable(err)
		}
		s.pending = append(s.pending, pendingWrite{proof: &proof})
		removed = s.cachedMatching(proof)
	} else {
		s.recovered(ctx)
		// The cache may hold writes the backing has not seen yet.
		removed = mergeRemoved(removed, s.cachedMatching(proof))
	}
	for _, rec := range removed {
		s.evict(rec)
	}
	return len(removed), nil
}

func (s *TieredStore) cachedMatching(proof domain.DeleteProof) []domain.Record {
	records, _ := s.cache.Peek(proof.Hash)
	var out []domain.Record
	for _, rec := range records {
		if rec.Author == proof.Author && rec.Timestamp <= proof.Timestamp {
			out = append(out, rec)
		}
	}
	return out
}

func (s *TieredStore) evict(rec domain.Record) {
	for _, hash := range rec.Key.IndexHashes() {
		records, ok := s.cache.Peek(hash)
		if !ok {
			continue
		}
		kept := make([]domain.Record, 0, len(records))
		for _, cached := range records {
			if !cached.SameSlot(rec) {
				kept = append(kept, cached)
			}
		}
		s.cache.Add(hash, kept)
	}
}

func (s *TieredStore) Scan(ctx context.Context, prefix []byte, limit int) ([]subfieldout.ScanEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.catchUp(ctx)

	entries, err := s.backing.Scan(ctx, prefix, limit)
	if err == nil {
		s.recovered(ctx)
		return entries, nil
	}
	if !s.tolerate(err) {
		return nil, unavailable(err)
	}
	var out []subfieldout.ScanEntry
	for _, hash := range s.cache.Keys() {
		if !bytes.HasPrefix(hash[:], prefix) {
			continue
		}
		records, _ := s.cache.Peek(hash)
		for _, rec := range records {
			out = append(out, subfieldout.ScanEntry{IndexHash: hash, Record: rec})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].IndexHash.Compare(out[j].IndexHash); c != 0 {
			return c < 0
		}
		return out[i].Record.Author.Less(out[j].Record.Author)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *TieredStore) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.degradedSince.IsZero()
}

func (s *TieredStore) Close() error {
	return s.backing.Close()
}

// tolerate records a backing failure and reports whether the grace window
// still allows serving from the cache.
func (s *TieredStore) tolerate(err error) bool {
	now := s.clock.Now()
	if s.degradedSince.IsZero() {
		s.degradedSince = now
		s.logger.Warn("backing store unavailable, serving from cache", "grace", s.grace, "err", err)
	}
	return now.Sub(s.degradedSince) <= s.grace
}

// catchUp replays queued writes before an operation reads the backing, so
// the backing never answers without them.
func (s *TieredStore) catchUp(ctx context.Context) {
	if len(s.pending) > 0 {
		s.replay(ctx)
	}
}

// recovered clears the degraded state once the queue has drained.
func (s *TieredStore) recovered(ctx context.Context) {
	if s.degradedSince.IsZero() || !s.replay(ctx) {
		return
	}
	s.logger.Info("backing store recovered", "degraded_for", s.clock.Now().Sub(s.degradedSince))
	s.degradedSince = time.Time{}
}

// replay pushes queued writes to the backing in order and reports whether
// the queue drained.
func (s *TieredStore) replay(ctx context.Context) bool {
	for len(s.pending) > 0 {
		write := s.pending[0]
		switch {
		case write.record != nil:
			err := s.backing.Upsert(ctx, *write.record, write.record.Key.IndexHashes())
			if errors.Is(err, domain.ErrStaleWrite) {
				// The backing holds a newer record for the slot; the cached
				// lists may still show this one.
				s.logger.Debug("dropping superseded cached write", "hash", write.record.RoutingKeyHash.Short())
				s.purge(write.record.Key.IndexHashes())
			} else if err != nil {
				s.logger.Debug("replay of cached write failed", "pending", len(s.pending), "err", err)
				return false
			}
		case write.proof != nil:
			removed, err := s.backing.DeleteMatching(ctx, write.proof.Hash, write.proof.Author, write.proof.Timestamp)
			if err != nil {
				s.logger.Debug("replay of cached delete failed", "pending", len(s.pending), "err", err)
				return false
			}
			for _, rec := range removed {
				s.evict(rec)
			}
		}
		s.pending = s.pending[1:]
	}
	return true
}

func (s *TieredStore) purge(hashes []domain.V256) {
	for _, hash := range hashes {
		s.cache.Remove(hash)
	}
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
}

func replaceSlot(records []domain.Record, rec domain.Record) []domain.Record {
	out := make([]domain.Record, 0, len(records)+1)
	for _, existing := range records {
		if !existing.SameSlot(rec) {
			out = append(out, existing)
		}
	}
	return append(out, rec)
}

func mergeRemoved(a, b []domain.Record) []domain.Record {
	out := append([]domain.Record(nil), a...)
	for _, rec := range b {
		dup := false
		for _, existing := range out {
			if existing.SameSlot(rec) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, rec)
		}
	}
	return out
}
