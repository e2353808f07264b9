package out

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"subfield/internal/modules/subfield/domain"
	subfieldout "subfield/internal/modules/subfield/port/out"
	"subfield/internal/platform/wire"
)

// Key layout:
//
//	s/<routing key hash><author>              -> CBOR record
//	i/<index hash><routing key hash><author>  -> empty
const (
	prefixSlot  = "s/"
	prefixIndex = "i/"
)

type PebbleBacking struct {
	db *pebble.DB
	// mu serialises read-modify-write sequences; pebble batches are atomic
	// but reads are not part of them.
	mu sync.Mutex
}

func NewPebbleBacking(dir string) (*PebbleBacking, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &PebbleBacking{db: db}, nil
}

func slotKey(routingKeyHash, author domain.V256) []byte {
	key := make([]byte, 0, len(prefixSlot)+2*domain.V256Size)
	key = append(key, prefixSlot...)
	key = append(key, routingKeyHash[:]...)
	return append(key, author[:]...)
}

func indexKey(indexHash, routingKeyHash, author domain.V256) []byte {
	key := make([]byte, 0, len(prefixIndex)+3*domain.V256Size)
	key = append(key, prefixIndex...)
	key = append(key, indexHash[:]...)
	key = append(key, routingKeyHash[:]...)
	return append(key, author[:]...)
}

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (p *PebbleBacking) getSlot(key []byte) (domain.Record, bool, error) {
	value, closer, err := p.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return domain.Record{}, false, nil
	}
	if err != nil {
		return domain.Record{}, false, fmt.Errorf("read slot: %w", err)
	}
	defer closer.Close()
	var rec domain.Record
	if err := wire.Unmarshal(value, &rec); err != nil {
		return domain.Record{}, false, err
	}
	return rec, true, nil
}

// indexed walks the index rows for indexHash and yields the slot each names.
func (p *PebbleBacking) indexed(indexHash domain.V256, fn func(rkh, author domain.V256) error) error {
	lower := append([]byte(prefixIndex), indexHash[:]...)
	iter, err := p.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upperBound(lower)})
	if err != nil {
		return fmt.Errorf("index iterator: %w", err)
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		rest := iter.Key()[len(lower):]
		if len(rest) != 2*domain.V256Size {
			continue
		}
		var rkh, author domain.V256
		copy(rkh[:], rest[:domain.V256Size])
		copy(author[:], rest[domain.V256Size:])
		if err := fn(rkh, author); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (p *PebbleBacking) Lookup(_ context.Context, indexHash domain.V256) ([]domain.Record, error) {
	var out []domain.Record
	err := p.indexed(indexHash, func(rkh, author domain.V256) error {
		rec, ok, err := p.getSlot(slotKey(rkh, author))
		if err != nil {
			return err
		}
		if ok {
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PebbleBacking) Slot(_ context.Context, routingKeyHash, author domain.V256) (domain.Record, bool, error) {
	return p.getSlot(slotKey(routingKeyHash, author))
}

func (p *PebbleBacking) Upsert(_ context.Context, rec domain.Record, indexHashes []domain.V256) error {
	payload, err := wire.Marshal(rec)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	key := slotKey(rec.RoutingKeyHash, rec.Author)
	existing, ok, err := p.getSlot(key)
	if err != nil {
		return err
	}
	if ok && existing.Timestamp >= rec.Timestamp {
		return domain.ErrStaleWrite
	}

	batch := p.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(key, payload, nil); err != nil {
		return fmt.Errorf("stage slot: %w", err)
	}
	for _, hash := range indexHashes {
		if err := batch.Set(indexKey(hash, rec.RoutingKeyHash, rec.Author), nil, nil); err != nil {
			return fmt.Errorf("stage index: %w", err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit record: %w", err)
	}
	return nil
}

func (p *PebbleBacking) DeleteMatching(_ context.Context, indexHash, author domain.V256, notAfter uint64) ([]domain.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var removed []domain.Record
	err := p.indexed(indexHash, func(rkh, slotAuthor domain.V256) error {
		if slotAuthor != author {
			return nil
		}
		rec, ok, err := p.getSlot(slotKey(rkh, slotAuthor))
		if err != nil {
			return err
		}
		if ok && rec.Timestamp <= notAfter {
			removed = append(removed, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(removed) == 0 {
		return nil, nil
	}

	batch := p.db.NewBatch()
	defer batch.Close()
	for _, rec := range removed {
		if err := batch.Delete(slotKey(rec.RoutingKeyHash, rec.Author), nil); err != nil {
			return nil, fmt.Errorf("stage slot delete: %w", err)
		}
		for _, hash := range rec.Key.IndexHashes() {
			if err := batch.Delete(indexKey(hash, rec.RoutingKeyHash, rec.Author), nil); err != nil {
				return nil, fmt.Errorf("stage index delete: %w", err)
			}
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return nil, fmt.Errorf("commit delete: %w", err)
	}
	return removed, nil
}

func (p *PebbleBacking) Scan(_ context.Context, prefix []byte, limit int) ([]subfieldout.ScanEntry, error) {
	lower := append([]byte(prefixIndex), prefix...)
	iter, err := p.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upperBound(lower)})
	if err != nil {
		return nil, fmt.Errorf("scan iterator: %w", err)
	}
	defer iter.Close()

	var out []subfieldout.ScanEntry
	for iter.First(); iter.Valid(); iter.Next() {
		rest := iter.Key()[len(prefixIndex):]
		if len(rest) != 3*domain.V256Size {
			continue
		}
		var hash, rkh, author domain.V256
		copy(hash[:], rest[:domain.V256Size])
		copy(rkh[:], rest[domain.V256Size:2*domain.V256Size])
		copy(author[:], rest[2*domain.V256Size:])
		rec, ok, err := p.getSlot(slotKey(rkh, author))
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, subfieldout.ScanEntry{IndexHash: hash, Record: rec})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("scan records: %w", err)
	}
	return out, nil
}

func (p *PebbleBacking) Close() error {
	return p.db.Close()
}
