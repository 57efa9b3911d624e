package core

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"EqualisLedger/internal/encumbrance"
	"EqualisLedger/internal/errs"
	"EqualisLedger/internal/event"
	"EqualisLedger/internal/ledger"
	"EqualisLedger/internal/observability"
	"EqualisLedger/internal/product"
	"EqualisLedger/internal/solvency"
	"EqualisLedger/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// offerNamespace derives offer ids for OfferPosted commands that carry
// none, so replay reproduces them.
var offerNamespace = uuid.MustParse("b3e1f0a2-7c4d-4b59-8e21-5a9d0c6f4e17")

// DeterministicCore is the single-threaded event processor
type DeterministicCore struct {
	sequence          int64
	hasher            *StateHasher
	service           *product.Service
	store             *state.Store
	balanceTracker    *ledger.BalanceTracker
	validator         *ledger.InvariantValidator
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	logger            zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Batch      *ledger.Batch    // nil when the event moved no value
	Receipt    *product.Receipt // nil for rejected events
	StateDelta []byte
}

// Either channel may be nil; outputs are then not emitted there.
func NewDeterministicCore(
	startSequence int64,
	service *product.Service,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) *DeterministicCore {
	balanceTracker := ledger.NewBalanceTracker()

	return &DeterministicCore{
		sequence:          startSequence,
		hasher:            NewStateHasher(),
		service:           service,
		store:             service.Store(),
		balanceTracker:    balanceTracker,
		validator:         ledger.NewInvariantValidator(balanceTracker),
		idempotency:       NewIdempotencyChecker(1_000_000, dbChecker, metrics),
		sequenceValidator: NewSequenceValidator(metrics),
		metrics:           metrics,
		logger:            observability.NewLogger("core"),
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}
}

// ProcessEvent is the main processing pipeline. A command the ledger
// rejects (insufficient principal, solvency, validation) is still logged
// and consumes a sequence, and its error is returned to the caller.
func (c *DeterministicCore) ProcessEvent(evt event.Event) error {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	isDuplicate := c.idempotency.IsDuplicate(eventType, idempotencyKey)

	// Step 2: Sequence validation
	partition := partitionFor(evt)
	if err := c.sequenceValidator.ValidateSequence(partition, evt.SourceSequence(), idempotencyKey, isDuplicate); err != nil {
		c.reject(eventType, "sequence")
		return fmt.Errorf("sequence validation failed: %w", err)
	}

	if isDuplicate {
		c.reject(eventType, "duplicate")
		return nil
	}

	// Step 3: Dispatch to the product service
	receipt, dispatchErr := c.dispatchEvent(evt)

	// Step 4: Validate and apply the journal batch
	var batch *ledger.Batch
	if dispatchErr == nil && len(receipt.Entries) > 0 {
		batch = ledger.NewBatch(idempotencyKey, c.sequence, evt.Timestamp(), receipt.Entries)
		if err := c.validator.ValidateBatchBalance(batch); err != nil {
			panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
		}
		if err := c.balanceTracker.ApplyBatch(batch); err != nil {
			panic(fmt.Sprintf("FATAL: apply batch after pool mutation: %v", err))
		}
		if c.metrics != nil {
			for _, j := range batch.Journals {
				c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
			}
		}
	}

	// Step 5: Post-checks
	if dispatchErr == nil {
		if err := c.postCheckInvariants(receipt); err != nil {
			panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
		}
	}

	// Step 6: State digest and hash chain
	hashStart := time.Now()
	stateDigest := c.computeStateDigest(receipt, batch)
	prevHash := c.hasher.Tip()
	stateHash := c.hasher.Extend(chainLink{
		Sequence:  c.sequence,
		EventType: evt.EventType(),
		PoolID:    evt.PoolID(),
		Rejected:  dispatchErr != nil,
		Digest:    stateDigest,
	})
	if c.metrics != nil {
		c.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	payload, err := event.Encode(evt)
	if err != nil {
		panic(fmt.Sprintf("FATAL: encode %s: %v", eventType, err))
	}

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		PoolID:         evt.PoolID(),
		Timestamp:      time.UnixMicro(evt.Timestamp()),
		SourceSequence: evt.SourceSequence(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	if dispatchErr != nil {
		envelope.Rejection = dispatchErr.Error()
		receipt = nil
	}

	output := CoreOutput{
		Envelope:   envelope,
		Batch:      batch,
		Receipt:    receipt,
		StateDelta: stateDigest,
	}
	c.sequence++

	// Step 7: Emit outputs
	// Persistence: blocking send, the core stalls until the worker drains.
	if c.persistChan != nil {
		c.persistChan <- output
	}
	// Projections: non-blocking send, dropped outputs are rebuilt from the log.
	if c.projectionChan != nil {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}

	// Step 8: Mark as processed (add to LRU)
	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	if c.metrics != nil {
		c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
	}

	if dispatchErr != nil {
		c.reject(eventType, rejectReason(dispatchErr))
		c.logger.Info().Err(dispatchErr).
			Str("event_type", eventType).
			Str("idempotency_key", idempotencyKey).
			Int64("sequence", envelope.Sequence).
			Msg("event rejected")
		return fmt.Errorf("%s rejected: %w", eventType, dispatchErr)
	}

	if c.metrics != nil {
		c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
	}
	return nil
}

func (c *DeterministicCore) reject(eventType, reason string) {
	if c.metrics != nil {
		c.metrics.CoreEventsRejected.WithLabelValues(eventType, reason).Inc()
	}
}

// rejectReason maps a ledger error to a low-cardinality metric label.
func rejectReason(err error) string {
	if res, ok := errs.ResourceOf(err); ok {
		return "insufficient_" + string(res)
	}
	switch {
	case errors.Is(err, solvency.ErrSolvencyViolation):
		return "solvency"
	case errors.Is(err, encumbrance.ErrEncumbranceUnderflow):
		return "encumbrance"
	case errors.Is(err, state.ErrPoolPaused):
		return "paused"
	case errors.Is(err, state.ErrPoolNotFound), errors.Is(err, state.ErrPoolExists):
		return "pool"
	case errors.Is(err, errs.ErrValidation):
		return "validation"
	default:
		return "rejected"
	}
}

// partitionFor determines partition key for sequence validation
func partitionFor(evt event.Event) string {
	return fmt.Sprintf("pool:%d", evt.PoolID())
}

// computeStateDigest creates canonical bytes for the state hash: the
// totals and touched positions of every pool the event used, then the
// balances of every account its journals moved.
func (c *DeterministicCore) computeStateDigest(receipt *product.Receipt, batch *ledger.Batch) []byte {
	digest := make([]byte, 0, 512)
	if receipt == nil {
		return digest
	}

	pools := make([]uint32, 0, len(receipt.Pools))
	seen := make(map[uint32]bool, len(receipt.Pools))
	for _, id := range receipt.Pools {
		if !seen[id] {
			seen[id] = true
			pools = append(pools, id)
		}
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i] < pools[j] })

	for _, id := range pools {
		_ = c.store.View(id, func(p *state.Pool) error {
			digest = append(digest, p.Digest(receipt.Touched[id])...)
			return nil
		})
	}

	if batch == nil {
		return digest
	}

	affected := make(map[ledger.AccountKey]bool)
	for _, j := range batch.Journals {
		affected[j.DebitAccount] = true
		affected[j.CreditAccount] = true
	}
	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, path...)
		balance := c.balanceTracker.GetBalance(key).String()
		digest = append(digest, byte(len(balance)))
		digest = append(digest, balance...)
	}
	return digest
}

// postCheckInvariants validates invariants after batch application
func (c *DeterministicCore) postCheckInvariants(receipt *product.Receipt) error {
	for _, id := range receipt.Pools {
		err := c.store.View(id, func(p *state.Pool) error {
			if err := c.validator.ValidatePoolMirror(id, &p.TrackedBalance, &p.TotalDebt); err != nil {
				return err
			}
			return c.balanceTracker.ValidateZero(ledger.PoolAccount(id, ledger.SubTypeFeeClearing))
		})
		if err != nil {
			return fmt.Errorf("post-check pool %d: %w", id, err)
		}
	}

	// Periodic global zero-sum check
	if c.sequence > 0 && c.sequence%1000 == 0 {
		if err := c.validator.ValidateGlobalBalance(); err != nil {
			return fmt.Errorf("post-check global at seq %d: %w", c.sequence, err)
		}
	}
	return nil
}

func adminReceipt(op string, pool uint32, err error) (*product.Receipt, error) {
	if err != nil {
		return nil, err
	}
	return &product.Receipt{Op: op, Pools: []uint32{pool}}, nil
}

func (c *DeterministicCore) dispatchEvent(evt event.Event) (*product.Receipt, error) {
	now := evt.Timestamp()
	switch e := evt.(type) {
	case *event.PoolCreated:
		return adminReceipt("create_pool", e.Pool, c.service.CreatePool(e.Pool, e.Config))
	case *event.PoolPaused:
		return adminReceipt("set_paused", e.Pool, c.service.SetPaused(e.Pool, e.Paused))
	case *event.PoolConfigUpdated:
		return adminReceipt("update_config", e.Pool, c.service.UpdatePoolConfig(e.Pool, e.Config))

	case *event.Deposit:
		return c.service.Deposit(product.DepositRequest{
			Pool: e.Pool, Key: e.Key, Caller: e.Caller, From: e.From, Amount: e.Amount,
		})
	case *event.Withdraw:
		return c.service.Withdraw(product.WithdrawRequest{
			Pool: e.Pool, Key: e.Key, Caller: e.Caller, To: e.To, Amount: e.Amount, Now: now,
		})
	case *event.Borrow:
		return c.service.Borrow(product.BorrowRequest{
			Pool: e.Pool, Key: e.Key, Caller: e.Caller, To: e.To, Amount: e.Amount, Term: e.Term, Now: now,
		})
	case *event.Repay:
		return c.service.Repay(product.RepayRequest{
			Pool: e.Pool, Key: e.Key, From: e.From, Amount: e.Amount, LoanID: e.LoanID, Now: now,
		})
	case *event.ClaimYield:
		return c.service.ClaimYield(product.ClaimYieldRequest{
			Pool: e.Pool, Key: e.Key, Caller: e.Caller, To: e.To,
		})

	case *event.OfferPosted:
		id := e.OfferID
		if id == uuid.Nil {
			id = uuid.NewSHA1(offerNamespace, []byte(e.IdempotencyKey()))
		}
		return c.service.PostOffer(product.PostOfferRequest{
			ID: id, Lender: e.Lender, Caller: e.Caller, LenderPool: e.Pool,
			Principal: e.Principal, CollateralPool: e.CollateralPool, Collateral: e.Collateral,
			FeeBps: e.FeeBps, Term: e.Term, Now: now,
		})
	case *event.OfferCancelled:
		return c.service.CancelOffer(product.CancelOfferRequest{
			LenderPool: e.Pool, OfferID: e.OfferID, Lender: e.Lender, Caller: e.Caller, Now: now,
		})
	case *event.OfferAccepted:
		return c.service.AcceptOffer(product.AcceptOfferRequest{
			LenderPool: e.Pool, OfferID: e.OfferID, Borrower: e.Borrower, Caller: e.Caller, To: e.To, Now: now,
		})
	case *event.AgreementRepaid:
		return c.service.RepayAgreement(product.RepayAgreementRequest{
			LenderPool: e.Pool, AgreementID: e.AgreementID, From: e.From, Now: now,
		})
	case *event.AgreementDefaulted:
		return c.service.DefaultAgreement(product.DefaultAgreementRequest{
			LenderPool: e.Pool, AgreementID: e.AgreementID, Now: now,
		})

	case *event.CollateralLocked:
		return c.service.LockCollateral(product.LockCollateralRequest{
			Pool: e.Pool, Key: e.Key, Caller: e.Caller, Amount: e.Amount,
			Requirement: e.Requirement, RequirementAsset: e.RequirementAsset, Now: now,
		})
	case *event.CollateralReleased:
		return c.service.ReleaseCollateral(product.ReleaseCollateralRequest{
			Pool: e.Pool, Key: e.Key, Amount: e.Amount, Now: now,
		})
	case *event.LossSettled:
		return c.service.SettleLoss(product.SettleLossRequest{
			Pool: e.Pool, Key: e.Key, To: e.To, Loss: e.Loss, Fee: e.Fee, Now: now,
		})
	case *event.IndexMinted:
		return c.service.Mint(product.IndexRequest{
			Pool: e.Pool, Key: e.Key, Caller: e.Caller, Amount: e.Amount, Now: now,
		})
	case *event.IndexBurned:
		return c.service.Burn(product.IndexRequest{
			Pool: e.Pool, Key: e.Key, Caller: e.Caller, Amount: e.Amount, Now: now,
		})

	case *event.Liquidate:
		return c.service.Liquidate(product.LiquidateRequest{Pool: e.Pool, Key: e.Key, Now: now})
	case *event.FeeCollected:
		return c.service.CollectFee(product.CollectFeeRequest{
			Pool: e.Pool, From: e.From, Amount: e.Amount, Source: e.Source, Now: now,
		})
	default:
		return nil, errs.Invalid("event_type", fmt.Sprintf("%T", evt), "known event")
	}
}

// --- Snapshot Restore & Startup Methods ---

// SnapshotState holds the serializable in-memory state for restore.
type SnapshotState struct {
	Sequence        int64 // last processed sequence
	StateHash       [32]byte
	Store           *state.StoreSnapshot
	Balances        []ledger.AccountBalance
	Custody         map[string]string // asset -> holding balance; nil when custody is external
	SequenceState   map[string]int64
	IdempotencyKeys []string // oldest first
}

// custodySnapshotter is implemented by custody backends the core owns,
// such as the in-memory vault.
type custodySnapshotter interface {
	Snapshot() map[string]string
	Restore(map[string]string) error
}

// RestoreFromSnapshot restores the core's in-memory state from a snapshot.
// The core's store must still be empty.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) error {
	if err := c.store.Load(snap.Store); err != nil {
		return fmt.Errorf("restore store: %w", err)
	}
	if snap.Custody != nil {
		cs, ok := c.service.Custody().(custodySnapshotter)
		if !ok {
			return fmt.Errorf("restore custody: backend %T cannot be restored", c.service.Custody())
		}
		if err := cs.Restore(snap.Custody); err != nil {
			return fmt.Errorf("restore custody: %w", err)
		}
	}

	c.sequence = snap.Sequence + 1 // Next sequence to assign
	c.hasher.Reset(snap.StateHash)

	for _, b := range snap.Balances {
		c.balanceTracker.SetBalance(b.Account, b.Asset, b.Balance)
	}
	for partition, nextSeq := range snap.SequenceState {
		c.sequenceValidator.SetExpectedSequence(partition, nextSeq)
	}
	c.idempotency.recent.WarmFromKeys(snap.IdempotencyKeys)

	for _, id := range c.store.PoolIDs() {
		err := c.store.View(id, func(p *state.Pool) error {
			return c.validator.ValidatePoolMirror(id, &p.TrackedBalance, &p.TotalDebt)
		})
		if err != nil {
			return fmt.Errorf("restored balances disagree with pools: %w", err)
		}
	}
	return nil
}

// AttachOutputs sets the output channels after recovery, so replayed
// envelopes are not emitted a second time. Call it before the core's
// goroutine starts.
func (c *DeterministicCore) AttachOutputs(persist, projection chan<- CoreOutput) {
	c.persistChan = persist
	c.projectionChan = projection
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.idempotency.recent.WarmFromKeys(keys)
}

// GetSequence returns the next sequence number to be assigned.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.Tip()
}

// Balances exposes the journal balances for read paths in the same
// goroutine as the core (tests, snapshotting).
func (c *DeterministicCore) Balances() *ledger.BalanceTracker {
	return c.balanceTracker
}

// CreateSnapshotState captures the current in-memory state for persistence.
// It must run on the core's goroutine.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	snap := &SnapshotState{
		Sequence:        c.sequence - 1, // Last processed sequence
		StateHash:       c.hasher.Tip(),
		Store:           c.store.Snapshot(),
		Balances:        c.balanceTracker.Snapshot(),
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.recent.Keys(),
	}
	if cs, ok := c.service.Custody().(custodySnapshotter); ok {
		snap.Custody = cs.Snapshot()
	}
	return snap
}
