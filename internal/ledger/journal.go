package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdrawal
	JournalTypeBorrow
	JournalTypeRepay
	JournalTypeYieldClaim
	JournalTypeYieldRoll
	JournalTypeFeeCollect
	JournalTypeFeeTreasury
	JournalTypeFeeYield
	JournalTypeFeeManager
	JournalTypeLiquidationRepay
	JournalTypeLiquidationPenalty
	JournalTypeCollateralLoss
	JournalTypeAgreementFund
	JournalTypeAgreementRepay
	JournalTypeAgreementWriteOff
	JournalTypeCollateralSeize
)

var journalTypeNames = map[JournalType]string{
	JournalTypeDeposit:            "deposit",
	JournalTypeWithdrawal:         "withdrawal",
	JournalTypeBorrow:             "borrow",
	JournalTypeRepay:              "repay",
	JournalTypeYieldClaim:         "yield_claim",
	JournalTypeYieldRoll:          "yield_roll",
	JournalTypeFeeCollect:         "fee_collect",
	JournalTypeFeeTreasury:        "fee_treasury",
	JournalTypeFeeYield:           "fee_yield",
	JournalTypeFeeManager:         "fee_manager",
	JournalTypeLiquidationRepay:   "liquidation_repay",
	JournalTypeLiquidationPenalty: "liquidation_penalty",
	JournalTypeCollateralLoss:     "collateral_loss",
	JournalTypeAgreementFund:      "agreement_fund",
	JournalTypeAgreementRepay:     "agreement_repay",
	JournalTypeAgreementWriteOff:  "agreement_write_off",
	JournalTypeCollateralSeize:    "collateral_seize",
}

func (t JournalType) String() string {
	if name, ok := journalTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// Entry is one balanced movement before it is stamped with event context.
type Entry struct {
	Type   JournalType
	Debit  AccountKey
	Credit AccountKey
	Asset  string
	Amount uint256.Int
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Deterministic: derived from batch id and leg index
	BatchID       uuid.UUID   // Groups balanced entries
	EventRef      string      // Idempotency key of source event
	Sequence      int64       // Global event sequence
	DebitAccount  AccountKey  // Balance increases
	CreditAccount AccountKey  // Balance decreases
	Asset         string      // Pool underlying
	Amount        uint256.Int // Always positive
	JournalType   JournalType
	Timestamp     int64 // Event timestamp (epoch microseconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

var batchNamespace = uuid.MustParse("6f1c5a4e-2b7d-4e8a-9c3f-0d2e5b7a9c11")

// NewBatch stamps entries with event context. IDs are name-based so a
// replay of the same event produces the same batch.
func NewBatch(eventRef string, sequence, timestamp int64, entries []Entry) *Batch {
	batchID := uuid.NewSHA1(batchNamespace, []byte(fmt.Sprintf("%s/%d", eventRef, sequence)))
	batch := &Batch{
		BatchID:   batchID,
		EventRef:  eventRef,
		Sequence:  sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, len(entries)),
	}
	for i, e := range entries {
		batch.Journals = append(batch.Journals, Journal{
			JournalID:     uuid.NewSHA1(batchID, []byte{byte(i >> 8), byte(i)}),
			BatchID:       batchID,
			EventRef:      eventRef,
			Sequence:      sequence,
			DebitAccount:  e.Debit,
			CreditAccount: e.Credit,
			Asset:         e.Asset,
			Amount:        e.Amount,
			JournalType:   e.Type,
			Timestamp:     timestamp,
		})
	}
	return batch
}

// Validate ensures the batch is well-formed.
// Each journal is a single positive amount moved from credit to debit, so
// debits equal credits per entry by construction.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount.IsZero() {
			return fmt.Errorf("journal %s has zero amount", j.JournalID)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.Asset == "" {
			return fmt.Errorf("journal %s has no asset", j.JournalID)
		}
	}

	return nil
}
