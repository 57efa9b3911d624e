package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"

	"EqualisLedger/internal/core"
	"EqualisLedger/internal/event"
	"EqualisLedger/internal/persistence"
)

const replayBatchSize = 1000

// recoverCore restores the newest verified snapshot into c and replays the
// event log from the sequence after it. The core must have no output
// channels yet. It returns the number of replayed envelopes.
func recoverCore(
	ctx context.Context,
	snaps persistence.SnapshotStore,
	eventLog *persistence.SnapshotManager,
	c *core.DeterministicCore,
) (int, error) {
	stored, err := snaps.LoadLatestSnapshot(ctx)
	if err != nil {
		return 0, fmt.Errorf("load snapshot: %w", err)
	}
	if stored != nil {
		if err := restoreSnapshot(ctx, eventLog, c, stored); err != nil {
			return 0, err
		}
		log.Printf("INFO: restored snapshot at sequence %d", stored.Sequence)
	} else {
		log.Println("INFO: no verified snapshot, cold start from sequence 0")
	}

	replayed := 0
	from := c.GetSequence()
	for {
		rows, err := eventLog.LoadEventsFrom(ctx, from, replayBatchSize)
		if err != nil {
			return replayed, fmt.Errorf("load events from %d: %w", from, err)
		}
		if len(rows) == 0 {
			break
		}

		envelopes := make([]*event.EventEnvelope, 0, len(rows))
		for _, row := range rows {
			env, err := row.Envelope()
			if err != nil {
				return replayed, err
			}
			envelopes = append(envelopes, env)
		}
		if _, err := c.Replay(envelopes); err != nil {
			return replayed, err
		}

		replayed += len(rows)
		from = rows[len(rows)-1].Sequence + 1
	}
	return replayed, nil
}

// restoreSnapshot decodes a stored snapshot, checks its hash against both
// the snapshot header and the event log, and loads it into c.
func restoreSnapshot(ctx context.Context, eventLog *persistence.SnapshotManager, c *core.DeterministicCore, stored *persistence.StoredSnapshot) error {
	if stored.FormatVersion != persistence.SnapshotFormatV1 {
		return fmt.Errorf("snapshot %d: unsupported format %d", stored.Sequence, stored.FormatVersion)
	}
	var snap core.SnapshotState
	if err := json.Unmarshal(stored.Data, &snap); err != nil {
		return fmt.Errorf("decode snapshot %d: %w", stored.Sequence, err)
	}
	if snap.Sequence != stored.Sequence || !bytes.Equal(snap.StateHash[:], stored.StateHash) {
		return fmt.Errorf("snapshot %d: header disagrees with payload", stored.Sequence)
	}

	logged, err := eventLog.GetStateHashAt(ctx, stored.Sequence)
	if err != nil {
		return fmt.Errorf("snapshot %d: %w", stored.Sequence, err)
	}
	if !bytes.Equal(logged, stored.StateHash) {
		return fmt.Errorf("snapshot %d: state hash %x, event log has %x", stored.Sequence, stored.StateHash, logged)
	}

	if err := c.RestoreFromSnapshot(&snap); err != nil {
		return fmt.Errorf("restore snapshot %d: %w", stored.Sequence, err)
	}
	return nil
}
