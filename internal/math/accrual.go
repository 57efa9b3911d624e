package math

import (
	"fmt"

	"github.com/holiman/uint256"
)

// RatioAccrual is the outcome of distributing an amount over a principal total.
type RatioAccrual struct {
	Delta     *uint256.Int // added to the index
	Remainder *uint256.Int // carried into the next accrual
}

// AccrueRatio distributes amount over principalTotal at wad precision.
//
//	dividend  = amount*WAD + remainder
//	delta     = dividend / principalTotal
//	remainder = dividend - delta*principalTotal
//
// principalTotal must be non-zero; the caller routes the amount elsewhere
// when nobody is there to credit.
func AccrueRatio(amount, remainder, principalTotal *uint256.Int) (RatioAccrual, error) {
	if principalTotal.IsZero() {
		return RatioAccrual{}, ErrDivisionByZero
	}
	scaled, err := Mul(amount, Wad())
	if err != nil {
		return RatioAccrual{}, fmt.Errorf("scale accrual: %w", err)
	}
	dividend, err := Add(scaled, remainder)
	if err != nil {
		return RatioAccrual{}, fmt.Errorf("carry remainder: %w", err)
	}

	delta := new(uint256.Int)
	rem := new(uint256.Int)
	delta.DivMod(dividend, principalTotal, rem)

	return RatioAccrual{Delta: delta, Remainder: rem}, nil
}

// PendingDelta returns (index - snapshot) * principal / WAD, rounded down.
// A snapshot ahead of the index means the index went backwards.
func PendingDelta(index, snapshot, principal *uint256.Int) (*uint256.Int, error) {
	diff, err := Sub(index, snapshot)
	if err != nil {
		return nil, fmt.Errorf("index below snapshot: %w", err)
	}
	if diff.IsZero() || principal.IsZero() {
		return Zero(), nil
	}
	return MulDiv(diff, principal, Wad(), RoundDown)
}
