package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const snapshotKeyPrefix = "snapshot:"

// LevelSnapshotStore keeps snapshots in a local LevelDB, for deployments
// that log events to Postgres but want snapshots on local disk.
type LevelSnapshotStore struct {
	db *leveldb.DB
}

// OpenLevelSnapshotStore opens (or creates) a LevelDB database at path.
func OpenLevelSnapshotStore(path string) (*LevelSnapshotStore, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("leveldb snapshot path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve leveldb snapshot path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb snapshot store: %w", err)
	}
	return &LevelSnapshotStore{db: db}, nil
}

// NewLevelSnapshotStore wraps an open database.
func NewLevelSnapshotStore(db *leveldb.DB) *LevelSnapshotStore {
	return &LevelSnapshotStore{db: db}
}

func (s *LevelSnapshotStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// snapshotKey zero-pads the sequence so keys sort numerically.
func snapshotKey(sequence int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", snapshotKeyPrefix, sequence))
}

func (s *LevelSnapshotStore) SaveSnapshot(ctx context.Context, snap *StoredSnapshot) error {
	if sequence := snap.Sequence; sequence < 0 {
		return fmt.Errorf("snapshot sequence %d is negative", sequence)
	}
	if snap.FormatVersion == 0 {
		snap.FormatVersion = SnapshotFormatV1
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot %d: %w", snap.Sequence, err)
	}
	if err := s.db.Put(snapshotKey(snap.Sequence), data, nil); err != nil {
		return fmt.Errorf("save snapshot %d: %w", snap.Sequence, err)
	}
	return nil
}

// LoadLatestSnapshot walks backwards from the highest key to the first
// verified snapshot.
func (s *LevelSnapshotStore) LoadLatestSnapshot(ctx context.Context) (*StoredSnapshot, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(snapshotKeyPrefix)), nil)
	defer iter.Release()

	for ok := iter.Last(); ok; ok = iter.Prev() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var snap StoredSnapshot
		if err := json.Unmarshal(iter.Value(), &snap); err != nil {
			return nil, fmt.Errorf("decode snapshot %q: %w", iter.Key(), err)
		}
		if snap.Verified {
			return &snap, nil
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("scan snapshots: %w", err)
	}
	return nil, nil
}

func (s *LevelSnapshotStore) MarkVerified(ctx context.Context, sequence int64) error {
	key := snapshotKey(sequence)
	data, err := s.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return fmt.Errorf("mark verified: no snapshot at sequence %d", sequence)
	}
	if err != nil {
		return fmt.Errorf("load snapshot %d: %w", sequence, err)
	}
	var snap StoredSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode snapshot %d: %w", sequence, err)
	}
	snap.Verified = true
	return s.SaveSnapshot(ctx, &snap)
}

// Prune deletes all but the newest keep snapshots.
func (s *LevelSnapshotStore) Prune(keep int) (int, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(snapshotKeyPrefix)), nil)
	var keys [][]byte
	for iter.Next() {
		keys = append(keys, append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return 0, err
	}
	if len(keys) <= keep {
		return 0, nil
	}

	batch := new(leveldb.Batch)
	for _, k := range keys[:len(keys)-keep] {
		batch.Delete(k)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return len(keys) - keep, nil
}
