package vm

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ---------------------------------------------------------------------------
// Recorder: sqlite-backed telemetry sink
// ---------------------------------------------------------------------------

// Recorder appends VM snapshots to a local sqlite database, one row per
// sample. Long-running hosts sample between Execute slices; the rows chart
// collection counts and cache behavior over the life of an image.
type Recorder struct {
	db *sql.DB
}

const recorderSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	vm_id         TEXT    NOT NULL,
	captured_at   TEXT    NOT NULL,
	uptime_ns     INTEGER NOT NULL,
	ticks         INTEGER NOT NULL,
	cache_hits    INTEGER NOT NULL,
	cache_misses  INTEGER NOT NULL,
	allocations   INTEGER NOT NULL,
	collections   INTEGER NOT NULL,
	minor_count   INTEGER NOT NULL,
	major_count   INTEGER NOT NULL,
	gc_delay_ns   INTEGER NOT NULL,
	major_delay_ns INTEGER NOT NULL,
	active_free   INTEGER NOT NULL,
	old_free      INTEGER NOT NULL,
	payload       BLOB    NOT NULL
);
`

// OpenRecorder opens (creating if needed) the telemetry database at path.
func OpenRecorder(path string) (*Recorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("telemetry: open %s: %w", path, err)
	}
	if _, err := db.Exec(recorderSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("telemetry: create schema: %w", err)
	}
	return &Recorder{db: db}, nil
}

// Record appends one snapshot row. The full snapshot is also stored as
// canonical CBOR in the payload column so later schema additions need no
// migration to stay analyzable.
func (r *Recorder) Record(s *Snapshot) error {
	payload, err := MarshalSnapshot(s)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(
		`INSERT INTO snapshots (
			vm_id, captured_at, uptime_ns, ticks, cache_hits, cache_misses,
			allocations, collections, minor_count, major_count,
			gc_delay_ns, major_delay_ns, active_free, old_free, payload
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.VMID,
		s.CapturedAt.UTC().Format(time.RFC3339Nano),
		int64(s.Uptime),
		s.Ticks,
		s.CacheHits,
		s.CacheMisses,
		s.Memory.Allocations,
		s.Memory.Collections,
		s.Memory.LeftToRightCollections,
		s.Memory.RightToLeftCollections,
		int64(s.Memory.TotalCollectionDelay),
		int64(s.Memory.RightCollectionDelay),
		s.Memory.ActiveFreeWords,
		s.Memory.OldFreeWords,
		payload,
	)
	if err != nil {
		return fmt.Errorf("telemetry: insert: %w", err)
	}
	return nil
}

// Count returns the number of recorded snapshots.
func (r *Recorder) Count() (int64, error) {
	var n int64
	err := r.db.QueryRow(`SELECT COUNT(*) FROM snapshots`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("telemetry: count: %w", err)
	}
	return n, nil
}

// Close releases the database handle.
func (r *Recorder) Close() error {
	return r.db.Close()
}
