// Package fees splits collected fees between the treasury, the active
// credit index and the fee index, and routes each share.
package fees

import (
	"EqualisLedger/internal/errs"
	fpmath "EqualisLedger/internal/math"
	"EqualisLedger/internal/state"

	"github.com/holiman/uint256"
)

// Split is a three-way division of one fee. The parts always sum to the
// input amount.
type Split struct {
	Treasury     *uint256.Int
	ActiveCredit *uint256.Int
	FeeIndex     *uint256.Int
}

// PreviewSplit computes treasury = amount*treasuryBps/10_000, then the
// active credit share of what remains; the fee index takes the rest so no
// rounding residue is lost.
func PreviewSplit(amount *uint256.Int, split state.FeeSplit) (Split, error) {
	if err := split.Validate(); err != nil {
		return Split{}, err
	}
	if amount == nil {
		return Split{}, errs.Invalid("amount", "nil", ">= 0")
	}
	treasury, err := fpmath.ApplyBps(amount, split.TreasuryBps)
	if err != nil {
		return Split{}, err
	}
	remaining := new(uint256.Int).Sub(amount, treasury)
	activeCredit, err := fpmath.ApplyBps(remaining, split.ActiveCreditBps)
	if err != nil {
		return Split{}, err
	}
	feeIndex := new(uint256.Int).Sub(remaining, activeCredit)
	return Split{Treasury: treasury, ActiveCredit: activeCredit, FeeIndex: feeIndex}, nil
}

// Sum adds the three parts.
func (s Split) Sum() *uint256.Int {
	t := new(uint256.Int).Add(s.Treasury, s.ActiveCredit)
	return t.Add(t, s.FeeIndex)
}
