package ledger

import (
	"fmt"
	"sort"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// BalanceTracker maintains signed in-memory account balances: debits add,
// credits subtract. Liability accounts (principal, yield reserve) therefore
// carry negative balances.
type BalanceTracker struct {
	balances map[AccountKey]decimal.Decimal
	assets   map[AccountKey]string
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]decimal.Decimal),
		assets:   make(map[AccountKey]string),
	}
}

func amountDecimal(a *uint256.Int) decimal.Decimal {
	return decimal.NewFromBigInt(a.ToBig(), 0)
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	amt := amountDecimal(&j.Amount)
	bt.balances[j.DebitAccount] = bt.balances[j.DebitAccount].Add(amt)
	bt.balances[j.CreditAccount] = bt.balances[j.CreditAccount].Sub(amt)
	bt.assets[j.DebitAccount] = j.Asset
	bt.assets[j.CreditAccount] = j.Asset
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current signed balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) decimal.Decimal {
	return bt.balances[key]
}

// PoolBalance reads a pool account.
func (bt *BalanceTracker) PoolBalance(poolID uint32, subType AccountSubType) decimal.Decimal {
	return bt.GetBalance(PoolAccount(poolID, subType))
}

// ComputeGlobalBalance sums all account balances per asset; every total is
// zero for a consistent ledger.
func (bt *BalanceTracker) ComputeGlobalBalance() map[string]decimal.Decimal {
	totals := make(map[string]decimal.Decimal)

	for key, balance := range bt.balances {
		asset := bt.assets[key]
		totals[asset] = totals[asset].Add(balance)
	}

	return totals
}

// ValidateZero checks that a clearing account has been fully routed
func (bt *BalanceTracker) ValidateZero(key AccountKey) error {
	if b := bt.GetBalance(key); !b.IsZero() {
		return fmt.Errorf("account %s has non-zero balance: %s", key.AccountPath(), b.String())
	}
	return nil
}

// AccountBalance is one row of a snapshot.
type AccountBalance struct {
	Account AccountKey
	Asset   string
	Balance decimal.Decimal
}

// Snapshot returns all balances ordered by account path
func (bt *BalanceTracker) Snapshot() []AccountBalance {
	out := make([]AccountBalance, 0, len(bt.balances))
	for k, v := range bt.balances {
		out = append(out, AccountBalance{Account: k, Asset: bt.assets[k], Balance: v})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Account.AccountPath() < out[j].Account.AccountPath()
	})
	return out
}

// SetBalance overwrites one account, used when restoring a snapshot.
func (bt *BalanceTracker) SetBalance(key AccountKey, asset string, balance decimal.Decimal) {
	bt.balances[key] = balance
	bt.assets[key] = asset
}
