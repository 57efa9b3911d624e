package persistence_test

import (
	"context"
	"fmt"
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"EqualisLedger/internal/event"
	"EqualisLedger/internal/ledger"
	"EqualisLedger/internal/persistence"
	"EqualisLedger/internal/position"
	"EqualisLedger/migrations"

	"github.com/holiman/uint256"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

func memStore(t *testing.T) *persistence.LevelSnapshotStore {
	t.Helper()
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	s := persistence.NewLevelSnapshotStore(db)
	t.Cleanup(func() { s.Close() })
	return s
}

func snap(seq int64, verified bool) *persistence.StoredSnapshot {
	hash := make([]byte, 32)
	hash[0] = byte(seq)
	return &persistence.StoredSnapshot{
		Sequence:  seq,
		StateHash: hash,
		Data:      []byte(fmt.Sprintf(`{"sequence":%d}`, seq)),
		Verified:  verified,
		CreatedAt: time.Unix(1_700_000_000, 0).UTC(),
	}
}

// ============================================================================
// Test: LevelDB snapshots
// ============================================================================

func TestLevelSnapshotStore_LatestVerified(t *testing.T) {
	s := memStore(t)
	ctx := context.Background()

	got, err := s.LoadLatestSnapshot(ctx)
	if err != nil || got != nil {
		t.Fatalf("empty store: got %v, %v", got, err)
	}

	for _, sn := range []*persistence.StoredSnapshot{snap(9, true), snap(100, true), snap(1000, false)} {
		if err := s.SaveSnapshot(ctx, sn); err != nil {
			t.Fatalf("save %d: %v", sn.Sequence, err)
		}
	}

	got, err = s.LoadLatestSnapshot(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	// 100 sorts after 9 only because keys are zero-padded.
	if got.Sequence != 100 {
		t.Fatalf("latest verified = %d, want 100", got.Sequence)
	}
	if got.FormatVersion != persistence.SnapshotFormatV1 {
		t.Errorf("format = %d", got.FormatVersion)
	}

	if err := s.MarkVerified(ctx, 1000); err != nil {
		t.Fatalf("mark verified: %v", err)
	}
	got, _ = s.LoadLatestSnapshot(ctx)
	if got.Sequence != 1000 {
		t.Errorf("latest verified = %d, want 1000", got.Sequence)
	}

	if err := s.MarkVerified(ctx, 5); err == nil {
		t.Errorf("expected error verifying a missing snapshot")
	}
}

func TestLevelSnapshotStore_Prune(t *testing.T) {
	s := memStore(t)
	ctx := context.Background()
	for seq := int64(1); seq <= 5; seq++ {
		if err := s.SaveSnapshot(ctx, snap(seq, true)); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	n, err := s.Prune(2)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 3 {
		t.Errorf("pruned %d, want 3", n)
	}
	got, _ := s.LoadLatestSnapshot(ctx)
	if got == nil || got.Sequence != 5 {
		t.Errorf("newest snapshot lost after prune")
	}
}

// ============================================================================
// Test: Row conversion
// ============================================================================

func TestEventRow_RoundTripsEnvelope(t *testing.T) {
	env := &event.EventEnvelope{
		Sequence:       42,
		IdempotencyKey: "dep-42",
		EventType:      event.EventTypeDeposit,
		PoolID:         7,
		Timestamp:      time.UnixMicro(1_700_000_000_000_000).UTC(),
		SourceSequence: 3,
		Payload:        []byte(`{"id":"dep-42"}`),
		Rejection:      "insufficient principal",
	}
	env.StateHash[0] = 0xaa
	env.PrevHash[31] = 0xbb

	row := persistence.EventRowFromEnvelope(env)
	if row.EventType != "Deposit" || row.PoolID != 7 || !row.Rejection.Valid {
		t.Fatalf("unexpected row: %+v", row)
	}

	back, err := row.Envelope()
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if back.StateHash != env.StateHash || back.PrevHash != env.PrevHash {
		t.Errorf("hashes changed")
	}
	if back.EventType != env.EventType || back.Rejection != env.Rejection || back.PoolID != env.PoolID {
		t.Errorf("got %+v, want %+v", back, env)
	}
}

func TestEventRow_RejectsShortHash(t *testing.T) {
	row := persistence.EventRow{Sequence: 1, EventType: "Deposit", StateHash: []byte{1}, PrevHash: make([]byte, 32)}
	if _, err := row.Envelope(); err == nil {
		t.Fatalf("expected error for a truncated hash")
	}
}

func TestJournalRowsFromBatch_HugeAmount(t *testing.T) {
	key := position.DeriveKey("persistence-test", 1)
	top := new(uint256.Int).SetAllOne()
	entry := ledger.Entry{
		Type:   ledger.JournalTypeDeposit,
		Debit:  ledger.PoolAccount(7, ledger.SubTypeLiquidity),
		Credit: ledger.PositionAccount(key, 7),
		Asset:  "USDC",
	}
	entry.Amount.Set(top)
	batch := ledger.NewBatch("dep-1", 10, 1_000, []ledger.Entry{entry})

	rows := persistence.JournalRowsFromBatch(7, batch)
	if len(rows) != 1 {
		t.Fatalf("rows = %d", len(rows))
	}
	r := rows[0]
	if r.Amount != top.Dec() {
		t.Errorf("amount = %s, want %s", r.Amount, top.Dec())
	}
	if r.DebitAccount != "pool:7:liquidity" || r.JournalType != "deposit" {
		t.Errorf("unexpected row: %+v", r)
	}
	if persistence.JournalRowsFromBatch(7, nil) != nil {
		t.Errorf("nil batch should yield no rows")
	}
}

// ============================================================================
// Migrations
// ============================================================================

func TestEmbeddedMigrations_Paired(t *testing.T) {
	ups, err := fs.Glob(migrations.FS, "*.up.sql")
	if err != nil || len(ups) == 0 {
		t.Fatalf("no embedded up migrations (err=%v)", err)
	}
	for _, up := range ups {
		down := strings.TrimSuffix(up, ".up.sql") + ".down.sql"
		if _, err := fs.Stat(migrations.FS, down); err != nil {
			t.Fatalf("%s has no down file: %v", up, err)
		}
	}
}

func TestMigrator_RejectsOrphanDownFile(t *testing.T) {
	source := fstest.MapFS{
		"000001_event_log.up.sql":   {Data: []byte("SELECT 1")},
		"000001_event_log.down.sql": {Data: []byte("SELECT 1")},
		"000002_orphan.down.sql":    {Data: []byte("SELECT 1")},
	}
	// The file set is checked before a connection is taken.
	err := persistence.NewMigratorFS(nil, source).Up(context.Background())
	if err == nil || !strings.Contains(err.Error(), "000002") {
		t.Fatalf("got %v, want error naming version 000002", err)
	}
}

func TestPersistenceWorker_WaitCommittedHonoursContext(t *testing.T) {
	worker := persistence.NewPersistenceWorker(nil, nil, 10, time.Second, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := worker.WaitCommitted(ctx, 0); err == nil {
		t.Fatal("expected timeout with nothing committed")
	}
	if err := worker.WaitCommitted(context.Background(), -1); err != nil {
		t.Fatalf("sequence -1 is trivially committed: %v", err)
	}
}
