package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"EqualisLedger/internal/core"
	"EqualisLedger/internal/observability"
	"EqualisLedger/internal/persistence"
)

const (
	snapshotCheckInterval = 10 * time.Second
	verifyTimeout         = 30 * time.Second
	keepLocalSnapshots    = 5
)

// pruner is implemented by snapshot stores that keep a bounded history.
type pruner interface {
	Prune(keep int) (int, error)
}

// committer reports when a sequence is durable in the event log.
type committer interface {
	WaitCommitted(ctx context.Context, seq int64) error
}

// snapshotter writes core snapshots and marks one verified only once the
// event log holds the same state hash at its sequence.
type snapshotter struct {
	store    persistence.SnapshotStore
	eventLog *persistence.SnapshotManager
	persist  committer
	metrics  *observability.Metrics
}

// save persists snap unverified and returns it; verify completes it.
func (s *snapshotter) save(ctx context.Context, snap *core.SnapshotState) (*persistence.StoredSnapshot, error) {
	start := time.Now()
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	stored := &persistence.StoredSnapshot{
		Sequence:      snap.Sequence,
		StateHash:     append([]byte(nil), snap.StateHash[:]...),
		FormatVersion: persistence.SnapshotFormatV1,
		Data:          data,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.store.SaveSnapshot(ctx, stored); err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotSizeBytes.Set(float64(len(data)))
		s.metrics.SnapshotLastSeq.Set(float64(stored.Sequence))
	}
	return stored, nil
}

// verify waits for the persistence worker to commit the snapshot's
// sequence, compares hashes and marks the snapshot verified.
func (s *snapshotter) verify(ctx context.Context, stored *persistence.StoredSnapshot) error {
	ctx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()

	if s.persist != nil {
		if err := s.persist.WaitCommitted(ctx, stored.Sequence); err != nil {
			return fmt.Errorf("snapshot %d: %w", stored.Sequence, err)
		}
	}

	backoff := 50 * time.Millisecond
	for {
		logged, err := s.eventLog.GetStateHashAt(ctx, stored.Sequence)
		if err == nil {
			if !bytes.Equal(logged, stored.StateHash) {
				return fmt.Errorf("snapshot %d: state hash %x, event log has %x", stored.Sequence, stored.StateHash, logged)
			}
			if err := s.store.MarkVerified(ctx, stored.Sequence); err != nil {
				return err
			}
			if p, ok := s.store.(pruner); ok {
				if _, err := p.Prune(keepLocalSnapshots); err != nil {
					log.Printf("WARN: prune snapshots: %v", err)
				}
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("snapshot %d not in event log: %w", stored.Sequence, err)
		case <-time.After(backoff):
		}
		if backoff < time.Second {
			backoff *= 2
		}
	}
}

// take captures state on the core loop, then saves and verifies it.
func (s *snapshotter) take(ctx context.Context, runner *core.Runner) (int64, error) {
	snap, err := runner.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	if snap.Sequence < 0 {
		return 0, fmt.Errorf("nothing to snapshot")
	}
	stored, err := s.save(ctx, snap)
	if err != nil {
		return 0, err
	}
	return stored.Sequence, s.verify(ctx, stored)
}

// runPeriodic snapshots once at least interval events were logged since the
// previous snapshot.
func (s *snapshotter) runPeriodic(ctx context.Context, runner *core.Runner, interval int64) {
	last := runner.LastSequence()
	ticker := time.NewTicker(snapshotCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if runner.LastSequence()-last < interval {
				continue
			}
			seq, err := s.take(ctx, runner)
			if err != nil {
				log.Printf("WARN: periodic snapshot failed: %v", err)
				continue
			}
			last = seq
			log.Printf("INFO: periodic snapshot at sequence %d", seq)
		}
	}
}
