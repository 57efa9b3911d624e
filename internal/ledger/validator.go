package ledger

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is well formed and that every fee it
// collected was routed out of the clearing account within the batch.
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return err
	}
	clearing := make(map[AccountKey]decimal.Decimal)
	for _, j := range batch.Journals {
		amt := amountDecimal(&j.Amount)
		if j.DebitAccount.SubType == SubTypeFeeClearing {
			clearing[j.DebitAccount] = clearing[j.DebitAccount].Add(amt)
		}
		if j.CreditAccount.SubType == SubTypeFeeClearing {
			clearing[j.CreditAccount] = clearing[j.CreditAccount].Sub(amt)
		}
	}
	for k, b := range clearing {
		if !b.IsZero() {
			return fmt.Errorf("batch %s leaves %s unrouted: %s", batch.BatchID, k.AccountPath(), b.String())
		}
	}
	return nil
}

// ValidateGlobalBalance verifies system is zero-sum per asset
func (v *InvariantValidator) ValidateGlobalBalance() error {
	for asset, total := range v.tracker.ComputeGlobalBalance() {
		if !total.IsZero() {
			return fmt.Errorf("global balance for %s is non-zero: %s", asset, total.String())
		}
	}
	return nil
}

// ValidatePoolMirror checks that journal balances agree with the pool's
// tracked balance and outstanding debt.
func (v *InvariantValidator) ValidatePoolMirror(poolID uint32, tracked, debt *uint256.Int) error {
	if got, want := v.tracker.PoolBalance(poolID, SubTypeLiquidity), amountDecimal(tracked); !got.Equal(want) {
		return fmt.Errorf("pool %d liquidity journal=%s, tracked=%s", poolID, got.String(), want.String())
	}
	if got, want := v.tracker.PoolBalance(poolID, SubTypeReceivable), amountDecimal(debt); !got.Equal(want) {
		return fmt.Errorf("pool %d receivable journal=%s, debt=%s", poolID, got.String(), want.String())
	}
	return nil
}
