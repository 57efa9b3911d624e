// Package index holds the wad-scaled ratio accumulators used to spread fee
// yield over depositors and active-credit participants without per-position loops.
package index

import (
	"fmt"

	fpmath "EqualisLedger/internal/math"

	"github.com/holiman/uint256"
)

// Accumulator is a monotonically non-decreasing ratio index starting at WAD,
// plus the integer-division remainder carried between accruals.
//
// Invariant: Remainder < principalTotal whenever principalTotal > 0.
type Accumulator struct {
	Index     uint256.Int
	Remainder uint256.Int
}

func NewAccumulator() Accumulator {
	var a Accumulator
	a.Index.Set(fpmath.Wad())
	return a
}

// Accrual reports what one Accrue call did.
type Accrual struct {
	Delta    *uint256.Int // index increase
	Fallback *uint256.Int // amount nobody could be credited with
}

// Accrue spreads amount over principalTotal. With nobody to credit the index
// is untouched and the whole amount comes back as Fallback.
func (a *Accumulator) Accrue(amount, principalTotal *uint256.Int) (Accrual, error) {
	if amount.IsZero() {
		return Accrual{Delta: fpmath.Zero(), Fallback: fpmath.Zero()}, nil
	}
	if principalTotal.IsZero() {
		return Accrual{Delta: fpmath.Zero(), Fallback: new(uint256.Int).Set(amount)}, nil
	}

	ratio, err := fpmath.AccrueRatio(amount, &a.Remainder, principalTotal)
	if err != nil {
		return Accrual{}, err
	}
	next, err := fpmath.Add(&a.Index, ratio.Delta)
	if err != nil {
		return Accrual{}, fmt.Errorf("index: %w", err)
	}

	a.Index.Set(next)
	a.Remainder.Set(ratio.Remainder)
	return Accrual{Delta: ratio.Delta, Fallback: fpmath.Zero()}, nil
}

// Rebase restores the remainder bound after the principal total shrank or
// became non-zero again. Whole multiples of the new total are folded into
// the index; the value they represent was already paid in.
func (a *Accumulator) Rebase(principalTotal *uint256.Int) error {
	if principalTotal.IsZero() || a.Remainder.Lt(principalTotal) {
		return nil
	}
	delta := new(uint256.Int)
	rem := new(uint256.Int)
	delta.DivMod(&a.Remainder, principalTotal, rem)

	next, err := fpmath.Add(&a.Index, delta)
	if err != nil {
		return fmt.Errorf("index rebase: %w", err)
	}
	a.Index.Set(next)
	a.Remainder.Set(rem)
	return nil
}

// CheckRemainder verifies the remainder bound.
func (a *Accumulator) CheckRemainder(principalTotal *uint256.Int) error {
	if principalTotal.IsZero() {
		return nil
	}
	if !a.Remainder.Lt(principalTotal) {
		return fmt.Errorf("remainder %s not below principal total %s",
			a.Remainder.Dec(), principalTotal.Dec())
	}
	return nil
}

// Pending is what a holder of principal earned since snapshot.
func (a *Accumulator) Pending(snapshot, principal *uint256.Int) (*uint256.Int, error) {
	return fpmath.PendingDelta(&a.Index, snapshot, principal)
}

func (a *Accumulator) Clone() Accumulator {
	var c Accumulator
	c.Index.Set(&a.Index)
	c.Remainder.Set(&a.Remainder)
	return c
}
