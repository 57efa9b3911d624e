package core_test

import (
	"encoding/json"
	"errors"
	"testing"

	"EqualisLedger/internal/core"
	"EqualisLedger/internal/custody"
	"EqualisLedger/internal/errs"
	"EqualisLedger/internal/event"
	"EqualisLedger/internal/ledger"
	"EqualisLedger/internal/position"
	"EqualisLedger/internal/product"
	"EqualisLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// --- Test helpers ---

const pool = 1

var (
	alice = position.DeriveKey("core-test", 1)
	bob   = position.DeriveKey("core-test", 2)
)

func poolConfig() state.PoolConfig {
	return state.PoolConfig{
		Underlying:              "USDC",
		Decimals:                6,
		DepositorLTVBps:         8000,
		LiquidationThresholdBps: 9000,
		FeeSplit:                state.FeeSplit{TreasuryBps: 1000, ActiveCreditBps: 2000, FeeIndexBps: 8000},
		BorrowFeeBps:            100,
		PenaltyBps:              500,
		Treasury:                "treasury",
	}
}

// newTestCore creates a core over an empty store and vault, with a
// buffered persist channel and no DB checker.
func newTestCore() (*core.DeterministicCore, chan core.CoreOutput) {
	svc := product.NewService(state.NewStore(), custody.NewVault(), nil)
	persistChan := make(chan core.CoreOutput, 1024)
	return core.NewDeterministicCore(0, svc, persistChan, nil, nil, nil), persistChan
}

func hdr(id string, seq int64) event.Header {
	return event.Header{ID: id, Pool: pool, Sequence: seq, Time: 1_000_000 + seq*1_000}
}

func createPool(seq int64) *event.PoolCreated {
	return &event.PoolCreated{Header: hdr("create", seq), Config: poolConfig()}
}

func deposit(id string, key position.Key, amount uint64, seq int64) *event.Deposit {
	return &event.Deposit{Header: hdr(id, seq), Key: key, From: "wallet", Amount: uint256.NewInt(amount)}
}

func withdraw(id string, key position.Key, amount uint64, seq int64) *event.Withdraw {
	return &event.Withdraw{Header: hdr(id, seq), Key: key, To: "wallet", Amount: uint256.NewInt(amount)}
}

func borrow(id string, key position.Key, amount uint64, seq int64) *event.Borrow {
	return &event.Borrow{Header: hdr(id, seq), Key: key, To: "wallet", Amount: uint256.NewInt(amount)}
}

// script is a short session touching deposits, a borrow with a routed fee
// and a repayment.
func script() []event.Event {
	return []event.Event{
		createPool(0),
		deposit("dep-a", alice, 1_000_000, 1),
		deposit("dep-b", bob, 500_000, 2),
		borrow("borrow-b", bob, 200_000, 3),
		&event.Repay{Header: hdr("repay-b", 4), Key: bob, From: "wallet", Amount: uint256.NewInt(100_000)},
		withdraw("wd-a", alice, 250_000, 5),
	}
}

func mustProcess(t *testing.T, c *core.DeterministicCore, events ...event.Event) {
	t.Helper()
	for _, evt := range events {
		if err := c.ProcessEvent(evt); err != nil {
			t.Fatalf("ProcessEvent %s: %v", evt.IdempotencyKey(), err)
		}
	}
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

// ============================================================================
// Test: Pipeline
// ============================================================================

func TestDeposit_EmitsBalancedBatch(t *testing.T) {
	c, persistCh := newTestCore()
	mustProcess(t, c, createPool(0), deposit("dep-1", alice, 1_000_000, 1))

	outputs := drainOutputs(persistCh)
	if len(outputs) != 2 {
		t.Fatalf("expected 2 outputs, got %d", len(outputs))
	}
	if outputs[0].Batch != nil {
		t.Errorf("pool creation should carry no batch")
	}

	batch := outputs[1].Batch
	if batch == nil || len(batch.Journals) == 0 {
		t.Fatalf("deposit produced no journals")
	}
	if batch.Journals[0].JournalType != ledger.JournalTypeDeposit {
		t.Errorf("expected deposit journal, got %s", batch.Journals[0].JournalType)
	}

	liquidity := c.Balances().PoolBalance(pool, ledger.SubTypeLiquidity)
	if liquidity.String() != "1000000" {
		t.Errorf("liquidity = %s, want 1000000", liquidity)
	}
	principal := c.Balances().GetBalance(ledger.PositionAccount(alice, pool))
	if principal.String() != "-1000000" {
		t.Errorf("principal = %s, want -1000000", principal)
	}
	if c.GetSequence() != 2 {
		t.Errorf("sequence = %d, want 2", c.GetSequence())
	}
}

func TestHashChain_LinksEnvelopes(t *testing.T) {
	c, persistCh := newTestCore()
	mustProcess(t, c, script()...)

	outputs := drainOutputs(persistCh)
	if outputs[0].Envelope.PrevHash != core.GenesisHash() {
		t.Fatalf("first envelope should chain from genesis")
	}
	for i := 1; i < len(outputs); i++ {
		prev, cur := outputs[i-1].Envelope, outputs[i].Envelope
		if cur.PrevHash != prev.StateHash {
			t.Errorf("envelope %d prev hash does not match envelope %d state hash", i, i-1)
		}
		if cur.PrevHash == cur.StateHash {
			t.Errorf("envelope %d hash did not advance", i)
		}
		if cur.Sequence != prev.Sequence+1 {
			t.Errorf("envelope %d sequence = %d, want %d", i, cur.Sequence, prev.Sequence+1)
		}
	}
	if c.GetStateHash() != outputs[len(outputs)-1].Envelope.StateHash {
		t.Errorf("chain tip differs from last envelope")
	}
}

func TestReplay_Deterministic(t *testing.T) {
	a, _ := newTestCore()
	b, _ := newTestCore()
	mustProcess(t, a, script()...)
	mustProcess(t, b, script()...)

	if a.GetStateHash() != b.GetStateHash() {
		t.Fatalf("same events produced different hashes")
	}
}

func TestReplay_DifferentAmountsDiverge(t *testing.T) {
	a, _ := newTestCore()
	b, _ := newTestCore()
	mustProcess(t, a, createPool(0), deposit("dep-1", alice, 1_000_000, 1))
	mustProcess(t, b, createPool(0), deposit("dep-1", alice, 1_000_001, 1))

	if a.GetStateHash() == b.GetStateHash() {
		t.Fatalf("different deposits produced the same hash")
	}
}

// ============================================================================
// Test: Dedup & Ordering
// ============================================================================

func TestDuplicateEvent_Skipped(t *testing.T) {
	c, persistCh := newTestCore()
	dep := deposit("dep-1", alice, 1_000_000, 1)
	mustProcess(t, c, createPool(0), dep)
	hash := c.GetStateHash()

	if err := c.ProcessEvent(dep); err != nil {
		t.Fatalf("duplicate should be skipped silently: %v", err)
	}
	if got := len(drainOutputs(persistCh)); got != 2 {
		t.Errorf("expected 2 outputs, got %d", got)
	}
	if c.GetStateHash() != hash {
		t.Errorf("duplicate changed the state hash")
	}
	principal := c.Balances().GetBalance(ledger.PositionAccount(alice, pool))
	if principal.String() != "-1000000" {
		t.Errorf("principal = %s, duplicate was applied", principal)
	}
}

func TestSequenceGap_Rejected(t *testing.T) {
	c, persistCh := newTestCore()
	mustProcess(t, c, createPool(0))

	if err := c.ProcessEvent(deposit("dep-gap", alice, 1, 5)); err == nil {
		t.Fatalf("expected sequence gap error")
	}
	if got := len(drainOutputs(persistCh)); got != 1 {
		t.Errorf("gap must not be logged, got %d outputs", got)
	}
	if c.GetSequence() != 1 {
		t.Errorf("sequence advanced on a gap")
	}

	// The expected slot is still open.
	mustProcess(t, c, deposit("dep-ok", alice, 1, 1))
}

func TestOutOfOrder_Rejected(t *testing.T) {
	c, _ := newTestCore()
	mustProcess(t, c, createPool(0), deposit("dep-1", alice, 10, 1))

	if err := c.ProcessEvent(deposit("dep-late", alice, 10, 1)); err == nil {
		t.Fatalf("expected out-of-order error")
	}
}

// ============================================================================
// Test: Rejections
// ============================================================================

func TestRejectedCommand_LoggedWithoutBatch(t *testing.T) {
	c, persistCh := newTestCore()
	mustProcess(t, c, createPool(0), deposit("dep-1", alice, 1_000, 1))
	drainOutputs(persistCh)
	hashBefore := c.GetStateHash()

	err := c.ProcessEvent(withdraw("wd-too-much", alice, 5_000, 2))
	if err == nil {
		t.Fatalf("expected withdraw beyond principal to fail")
	}
	if !errors.Is(err, errs.ErrInsufficient) {
		t.Errorf("expected insufficient error, got %v", err)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("rejected command should still be logged, got %d outputs", len(outputs))
	}
	out := outputs[0]
	if out.Batch != nil || out.Receipt != nil {
		t.Errorf("rejected command carried a batch or receipt")
	}
	if !out.Envelope.Rejected() {
		t.Errorf("envelope not marked rejected")
	}
	if out.Envelope.PrevHash != hashBefore {
		t.Errorf("rejected envelope broke the chain")
	}

	principal := c.Balances().GetBalance(ledger.PositionAccount(alice, pool))
	if principal.String() != "-1000" {
		t.Errorf("principal = %s after rejection", principal)
	}

	// Redelivery of the rejected command is a duplicate.
	if err := c.ProcessEvent(withdraw("wd-too-much", alice, 5_000, 2)); err != nil {
		t.Errorf("redelivered rejection should be deduplicated: %v", err)
	}
}

func TestUnknownPool_Rejected(t *testing.T) {
	c, _ := newTestCore()
	err := c.ProcessEvent(deposit("dep-nowhere", alice, 10, 0))
	if !errors.Is(err, state.ErrPoolNotFound) {
		t.Fatalf("expected pool not found, got %v", err)
	}
}

// ============================================================================
// Test: Agreements
// ============================================================================

func TestOfferPosted_DerivesOfferID(t *testing.T) {
	post := func() *product.Receipt {
		c, persistCh := newTestCore()
		mustProcess(t, c,
			createPool(0),
			deposit("dep-a", alice, 1_000_000, 1),
			&event.OfferPosted{
				Header:         hdr("offer-1", 2),
				Lender:         alice,
				Principal:      uint256.NewInt(100_000),
				CollateralPool: pool,
				Collateral:     uint256.NewInt(150_000),
				FeeBps:         50,
				Term:           86_400_000_000,
			},
		)
		outputs := drainOutputs(persistCh)
		return outputs[len(outputs)-1].Receipt
	}

	first, second := post(), post()
	if first.ID == uuid.Nil {
		t.Fatalf("offer id not assigned")
	}
	if first.ID != second.ID {
		t.Errorf("offer id differs across replays: %s vs %s", first.ID, second.ID)
	}
}

// ============================================================================
// Test: Snapshot & Restore
// ============================================================================

func TestSnapshotRestore_ContinuesChain(t *testing.T) {
	original, _ := newTestCore()
	mustProcess(t, original, script()...)

	raw, err := json.Marshal(original.CreateSnapshotState())
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	var snap core.SnapshotState
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}

	restored, _ := newTestCore()
	if err := restored.RestoreFromSnapshot(&snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.GetSequence() != original.GetSequence() {
		t.Fatalf("sequence = %d, want %d", restored.GetSequence(), original.GetSequence())
	}
	if restored.GetStateHash() != original.GetStateHash() {
		t.Fatalf("restored chain tip differs")
	}

	next := withdraw("wd-after", alice, 100_000, 6)
	mustProcess(t, original, next)
	mustProcess(t, restored, next)

	if restored.GetStateHash() != original.GetStateHash() {
		t.Errorf("restored core diverged on the next event")
	}

	// Keys carried in the snapshot still dedup.
	hash := restored.GetStateHash()
	if err := restored.ProcessEvent(deposit("dep-a", alice, 1_000_000, 1)); err != nil {
		t.Errorf("snapshot dedup: %v", err)
	}
	if restored.GetStateHash() != hash {
		t.Errorf("replayed key was applied after restore")
	}
}

func TestRestore_RequiresEmptyStore(t *testing.T) {
	c, _ := newTestCore()
	mustProcess(t, c, createPool(0))
	snap := c.CreateSnapshotState()

	if err := c.RestoreFromSnapshot(snap); err == nil {
		t.Fatalf("restore into a populated core should fail")
	}
}

// ============================================================================
// Test: Replay
// ============================================================================

func TestReplay_ReproducesLog(t *testing.T) {
	live, persistCh := newTestCore()
	mustProcess(t, live, script()...)
	if err := live.ProcessEvent(withdraw("wd-fail", alice, 10_000_000, 6)); err == nil {
		t.Fatalf("expected rejection")
	}

	var envelopes []*event.EventEnvelope
	for _, out := range drainOutputs(persistCh) {
		envelopes = append(envelopes, out.Envelope)
	}

	svc := product.NewService(state.NewStore(), custody.NewVault(), nil)
	replayer := core.NewDeterministicCore(0, svc, nil, nil, nil, nil)
	res, err := replayer.Replay(envelopes)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if res.Applied != len(script()) || res.Rejected != 1 {
		t.Errorf("applied=%d rejected=%d", res.Applied, res.Rejected)
	}
	if replayer.GetStateHash() != live.GetStateHash() {
		t.Errorf("replayed chain tip differs")
	}
}

func TestReplay_DetectsTamperedPayload(t *testing.T) {
	live, persistCh := newTestCore()
	mustProcess(t, live, createPool(0), deposit("dep-1", alice, 1_000, 1))

	outputs := drainOutputs(persistCh)
	tampered, err := event.Encode(deposit("dep-1", alice, 2_000, 1))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	outputs[1].Envelope.Payload = tampered

	svc := product.NewService(state.NewStore(), custody.NewVault(), nil)
	replayer := core.NewDeterministicCore(0, svc, nil, nil, nil, nil)
	if _, err := replayer.Replay([]*event.EventEnvelope{outputs[0].Envelope, outputs[1].Envelope}); err == nil {
		t.Fatalf("expected hash mismatch")
	}
}

func TestApply_ClassifiesOutcome(t *testing.T) {
	c, _ := newTestCore()

	out := c.Apply(createPool(0))
	if !out.Logged() || out.Rejected || out.Err != nil {
		t.Fatalf("create pool: %+v", out)
	}
	if out.StateHash != c.GetStateHash() {
		t.Fatal("outcome hash differs from chain head")
	}

	dup := c.Apply(createPool(0))
	if !dup.Duplicate || dup.Logged() {
		t.Fatalf("duplicate: %+v", dup)
	}

	rej := c.Apply(withdraw("wd-empty", alice, 5, 1))
	if !rej.Rejected || rej.Err == nil || rej.Sequence != out.Sequence+1 {
		t.Fatalf("rejection: %+v", rej)
	}
}

func TestAttachOutputs_AfterReplay(t *testing.T) {
	svc := product.NewService(state.NewStore(), custody.NewVault(), nil)
	c := core.NewDeterministicCore(0, svc, nil, nil, nil, nil)
	mustProcess(t, c, createPool(0))

	persistCh := make(chan core.CoreOutput, 4)
	c.AttachOutputs(persistCh, nil)
	mustProcess(t, c, deposit("dep-1", alice, 1_000, 1))

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("outputs = %d, want 1", len(outputs))
	}
	if outputs[0].Envelope.Sequence != 1 {
		t.Errorf("sequence = %d, want 1", outputs[0].Envelope.Sequence)
	}
}

// ============================================================================
// Test: Idempotency cache
// ============================================================================

func TestIdempotencyLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	lru := core.NewIdempotencyLRU(2)
	lru.Add("Deposited:a")
	lru.Add("Deposited:b")

	// touching a makes b the eviction candidate
	if !lru.Contains("Deposited:a") {
		t.Fatal("a missing")
	}
	lru.Add("Deposited:c")

	if lru.Contains("Deposited:b") {
		t.Fatal("b should have been evicted")
	}
	if lru.Size() != 2 || lru.Evictions() != 1 {
		t.Fatalf("size=%d evictions=%d, want 2 and 1", lru.Size(), lru.Evictions())
	}
	keys := lru.Keys()
	if len(keys) != 2 || keys[0] != "Deposited:a" || keys[1] != "Deposited:c" {
		t.Fatalf("keys = %v, want oldest-first [a c]", keys)
	}

	warmed := core.NewIdempotencyLRU(2)
	warmed.WarmFromKeys(keys)
	if got := warmed.Keys(); len(got) != 2 || got[0] != keys[0] || got[1] != keys[1] {
		t.Fatalf("warm round trip = %v, want %v", got, keys)
	}
}
