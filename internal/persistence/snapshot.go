package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SnapshotFormatV1 is a JSON-encoded core snapshot.
const SnapshotFormatV1 int32 = 1

// StoredSnapshot is one persisted snapshot. Data is opaque here; the
// orchestrator encodes core state into it.
type StoredSnapshot struct {
	Sequence      int64     `json:"sequence"`
	StateHash     []byte    `json:"state_hash"`
	FormatVersion int32     `json:"format_version"`
	Data          []byte    `json:"data"`
	Verified      bool      `json:"verified"`
	CreatedAt     time.Time `json:"created_at"`
}

// SnapshotStore is implemented by the Postgres and LevelDB backends.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap *StoredSnapshot) error
	// LoadLatestSnapshot returns nil, nil when no verified snapshot exists.
	LoadLatestSnapshot(ctx context.Context) (*StoredSnapshot, error)
	MarkVerified(ctx context.Context, sequence int64) error
}

// SnapshotManager stores snapshots in event_log.snapshots and reads the
// event log back for replay.
type SnapshotManager struct {
	db *sql.DB
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot. Re-saving a sequence overwrites it
// and clears its verified flag.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *StoredSnapshot) error {
	if len(snap.StateHash) != 32 {
		return fmt.Errorf("snapshot %d: state hash must be 32 bytes", snap.Sequence)
	}
	format := snap.FormatVersion
	if format == 0 {
		format = SnapshotFormatV1
	}

	_, err := sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (sequence) DO UPDATE
			SET data = $3, state_hash = $4, size_bytes = $6, verified = $7
	`, uuid.New(), snap.Sequence, snap.Data, snap.StateHash, format, len(snap.Data), snap.Verified, snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("save snapshot %d: %w", snap.Sequence, err)
	}
	return nil
}

// LoadLatestSnapshot loads the most recent verified snapshot.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*StoredSnapshot, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT sequence, state_hash, format_version, data, verified, created_at
		FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var snap StoredSnapshot
	err := row.Scan(&snap.Sequence, &snap.StateHash, &snap.FormatVersion, &snap.Data, &snap.Verified, &snap.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // cold start
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return &snap, nil
}

// MarkVerified flags a snapshot whose hash matched the event log.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	res, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark verified: no snapshot at sequence %d", sequence)
	}
	return nil
}

// LoadEventsFrom loads up to limit events starting at fromSequence.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, pool_id, payload,
		       state_hash, prev_hash, timestamp, source_sequence, rejection
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.PoolID,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp, &e.SourceSequence, &e.Rejection,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log, or -1
// when the log is empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

// GetStateHashAt returns the logged state hash of one sequence.
func (sm *SnapshotManager) GetStateHashAt(ctx context.Context, sequence int64) ([]byte, error) {
	var hash []byte
	err := sm.db.QueryRowContext(ctx, `
		SELECT state_hash FROM event_log.events WHERE sequence = $1
	`, sequence).Scan(&hash)
	if err != nil {
		return nil, fmt.Errorf("state hash at %d: %w", sequence, err)
	}
	return hash, nil
}

// RecentIdempotencyKeys returns the composite keys of the last limit
// events, oldest first, for warming the dedup cache.
func (sm *SnapshotManager) RecentIdempotencyKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT event_type || ':' || idempotency_key FROM (
			SELECT sequence, event_type, idempotency_key
			FROM event_log.events
			ORDER BY sequence DESC
			LIMIT $1
		) recent
		ORDER BY sequence ASC
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
