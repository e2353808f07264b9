package out

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"subfield/internal/modules/subfield/domain"
	subfieldout "subfield/internal/modules/subfield/port/out"
	"subfield/internal/platform/tx"
	"subfield/internal/platform/wire"

	_ "modernc.org/sqlite"
)

// SQLiteBacking keeps one row per (routing key hash, author) slot and one
// index row per indexing hash of the slot's record.
type SQLiteBacking struct {
	db *sql.DB
	tx *tx.SQLManager
}

func NewSQLiteBacking(dbPath string) (*SQLiteBacking, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	backing := &SQLiteBacking{db: db, tx: tx.NewSQLManager(db)}
	if err := backing.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return backing, nil
}

func (s *SQLiteBacking) ensureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS records (
  routing_key_hash BLOB NOT NULL,
  author BLOB NOT NULL,
  timestamp INTEGER NOT NULL,
  record BLOB NOT NULL,
  PRIMARY KEY (routing_key_hash, author)
);
CREATE TABLE IF NOT EXISTS record_index (
  index_hash BLOB NOT NULL,
  routing_key_hash BLOB NOT NULL,
  author BLOB NOT NULL,
  PRIMARY KEY (index_hash, routing_key_hash, author)
);
CREATE INDEX IF NOT EXISTS record_index_slot ON record_index (routing_key_hash, author);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create record tables: %w", err)
	}
	return nil
}

func (s *SQLiteBacking) Lookup(ctx context.Context, indexHash domain.V256) ([]domain.Record, error) {
	const query = `
SELECT r.record FROM record_index i
JOIN records r ON r.routing_key_hash = i.routing_key_hash AND r.author = i.author
WHERE i.index_hash = ?
ORDER BY r.timestamp DESC, r.author ASC;
`
	rows, err := s.tx.Executor(ctx).QueryContext(ctx, query, indexHash.Bytes())
	if err != nil {
		return nil, fmt.Errorf("lookup records: %w", err)
	}
	defer rows.Close()
	var out []domain.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lookup records: %w", err)
	}
	return out, nil
}

func (s *SQLiteBacking) Slot(ctx context.Context, routingKeyHash, author domain.V256) (domain.Record, bool, error) {
	row := s.tx.Executor(ctx).QueryRowContext(ctx,
		`SELECT record FROM records WHERE routing_key_hash = ? AND author = ?`,
		routingKeyHash.Bytes(), author.Bytes(),
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Record{}, false, nil
	}
	if err != nil {
		return domain.Record{}, false, err
	}
	return rec, true, nil
}

func (s *SQLiteBacking) Upsert(ctx context.Context, rec domain.Record, indexHashes []domain.V256) error {
	payload, err := wire.Marshal(rec)
	if err != nil {
		return err
	}
	return s.tx.Within(ctx, func(ctx context.Context) error {
		exec := s.tx.Executor(ctx)
		const upsert = `
INSERT INTO records (routing_key_hash, author, timestamp, record)
VALUES (?, ?, ?, ?)
ON CONFLICT(routing_key_hash, author) DO UPDATE SET
  timestamp=excluded.timestamp,
  record=excluded.record
WHERE excluded.timestamp > records.timestamp;
`
		res, err := exec.ExecContext(ctx, upsert, rec.RoutingKeyHash.Bytes(), rec.Author.Bytes(), int64(rec.Timestamp), payload)
		if err != nil {
			return fmt.Errorf("upsert record: %w", err)
		}
		changed, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("upsert record: %w", err)
		}
		if changed == 0 {
			return domain.ErrStaleWrite
		}
		for _, hash := range indexHashes {
			if _, err := exec.ExecContext(ctx,
				`INSERT OR IGNORE INTO record_index (index_hash, routing_key_hash, author) VALUES (?, ?, ?)`,
				hash.Bytes(), rec.RoutingKeyHash.Bytes(), rec.Author.Bytes(),
			); err != nil {
				return fmt.Errorf("index record: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLiteBacking) DeleteMatching(ctx context.Context, indexHash, author domain.V256, notAfter uint64) ([]domain.Record, error) {
	var removed []domain.Record
	err := s.tx.Within(ctx, func(ctx context.Context) error {
		exec := s.tx.Executor(ctx)
		const query = `
SELECT r.record FROM record_index i
JOIN records r ON r.routing_key_hash = i.routing_key_hash AND r.author = i.author
WHERE i.index_hash = ? AND i.author = ? AND r.timestamp <= ?;
`
		rows, err := exec.QueryContext(ctx, query, indexHash.Bytes(), author.Bytes(), int64(notAfter))
		if err != nil {
			return fmt.Errorf("select deletable records: %w", err)
		}
		for rows.Next() {
			rec, err := scanRecord(rows)
			if err != nil {
				rows.Close()
				return err
			}
			removed = append(removed, rec)
		}
		if err := rows.Close(); err != nil {
			return fmt.Errorf("select deletable records: %w", err)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("select deletable records: %w", err)
		}

		for _, rec := range removed {
			if _, err := exec.ExecContext(ctx,
				`DELETE FROM record_index WHERE routing_key_hash = ? AND author = ?`,
				rec.RoutingKeyHash.Bytes(), rec.Author.Bytes(),
			); err != nil {
				return fmt.Errorf("delete index rows: %w", err)
			}
			if _, err := exec.ExecContext(ctx,
				`DELETE FROM records WHERE routing_key_hash = ? AND author = ?`,
				rec.RoutingKeyHash.Bytes(), rec.Author.Bytes(),
			); err != nil {
				return fmt.Errorf("delete record: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func (s *SQLiteBacking) Scan(ctx context.Context, prefix []byte, limit int) ([]subfieldout.ScanEntry, error) {
	query := `
SELECT i.index_hash, r.record FROM record_index i
JOIN records r ON r.routing_key_hash = i.routing_key_hash AND r.author = i.author
%s
ORDER BY i.index_hash ASC, r.author ASC;
`
	var args []any
	if len(prefix) > 0 {
		query = fmt.Sprintf(query, "WHERE i.index_hash >= ?")
		args = append(args, prefix)
	} else {
		query = fmt.Sprintf(query, "")
	}
	rows, err := s.tx.Executor(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scan records: %w", err)
	}
	defer rows.Close()
	var out []subfieldout.ScanEntry
	for rows.Next() {
		var rawHash, payload []byte
		if err := rows.Scan(&rawHash, &payload); err != nil {
			return nil, fmt.Errorf("scan records: %w", err)
		}
		if !bytes.HasPrefix(rawHash, prefix) {
			break
		}
		hash, err := domain.V256FromBytes(rawHash)
		if err != nil {
			return nil, err
		}
		var rec domain.Record
		if err := wire.Unmarshal(payload, &rec); err != nil {
			return nil, err
		}
		out = append(out, subfieldout.ScanEntry{IndexHash: hash, Record: rec})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan records: %w", err)
	}
	return out, nil
}

func (s *SQLiteBacking) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (domain.Record, error) {
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Record{}, err
		}
		return domain.Record{}, fmt.Errorf("read record row: %w", err)
	}
	var rec domain.Record
	if err := wire.Unmarshal(payload, &rec); err != nil {
		return domain.Record{}, err
	}
	return rec, nil
}
