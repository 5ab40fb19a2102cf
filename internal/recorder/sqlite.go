package recorder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"sensorstream/internal/domain"
	"sensorstream/internal/shard"

	_ "modernc.org/sqlite"
)

const framesSchema = `
CREATE TABLE IF NOT EXISTS frame_index (
	stream_id INTEGER NOT NULL,
	sequence INTEGER NOT NULL,
	payload_size INTEGER NOT NULL,
	published_at_utc_ns INTEGER NOT NULL,
	payload BLOB NOT NULL,
	PRIMARY KEY (stream_id, sequence)
);

CREATE INDEX IF NOT EXISTS idx_frame_index_published ON frame_index(stream_id, published_at_utc_ns);

CREATE TRIGGER IF NOT EXISTS trg_frame_index_no_update
BEFORE UPDATE ON frame_index
BEGIN
	SELECT RAISE(ABORT, 'frame archive is append-only: UPDATE forbidden');
END;

CREATE TRIGGER IF NOT EXISTS trg_frame_index_no_delete
BEFORE DELETE ON frame_index
BEGIN
	SELECT RAISE(ABORT, 'frame archive is append-only: DELETE forbidden');
END;
`

// SQLiteStore archives frames in per-partition database files under one
// base directory. A stream always lands in the same file.
type SQLiteStore struct {
	baseDir string

	mu  sync.Mutex
	dbs map[int]*sql.DB
}

func NewSQLiteStore(baseDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir base dir: %w", err)
	}
	return &SQLiteStore{baseDir: baseDir, dbs: make(map[int]*sql.DB)}, nil
}

func (s *SQLiteStore) db(partition int) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.dbs[partition]; ok {
		return db, nil
	}
	path := filepath.Join(s.baseDir, fmt.Sprintf("frames_p%d.db", partition))
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open frame db %s: %w", path, err)
	}
	if _, err := db.Exec(framesSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply frame schema %s: %w", path, err)
	}
	s.dbs[partition] = db
	return db, nil
}

func (s *SQLiteStore) Record(ctx context.Context, frame RecordedFrame) error {
	db, err := s.db(shard.PartitionForStream(frame.Meta.StreamID))
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
INSERT INTO frame_index(stream_id, sequence, payload_size, published_at_utc_ns, payload)
VALUES(?, ?, ?, ?, ?)`,
		uint32(frame.Meta.StreamID), frame.Meta.Sequence, frame.Meta.PayloadSize, frame.Meta.PublishedAtUTCNs, frame.Payload)
	if err != nil {
		return fmt.Errorf("record stream %d seq %d: %w", frame.Meta.StreamID, frame.Meta.Sequence, err)
	}
	return nil
}

func (s *SQLiteStore) QueryRange(ctx context.Context, id domain.StreamID, fromSeq uint64, limit int) ([]RecordedFrame, error) {
	if limit <= 0 {
		limit = 100
	}
	db, err := s.db(shard.PartitionForStream(id))
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
SELECT sequence, payload_size, published_at_utc_ns, payload
FROM frame_index
WHERE stream_id = ? AND sequence >= ?
ORDER BY sequence
LIMIT ?`, uint32(id), fromSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RecordedFrame
	for rows.Next() {
		f := RecordedFrame{Meta: domain.FrameMeta{StreamID: id}}
		if err := rows.Scan(&f.Meta.Sequence, &f.Meta.PayloadSize, &f.Meta.PublishedAtUTCNs, &f.Payload); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, db := range s.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.dbs = make(map[int]*sql.DB)
	return errors.Join(errs...)
}
