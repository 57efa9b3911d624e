package state

import (
	"fmt"

	"EqualisLedger/internal/index"
	fpmath "EqualisLedger/internal/math"
	"EqualisLedger/internal/position"

	"github.com/holiman/uint256"
)

// PreviewPosition returns a copy of the position settled against the
// current indices, leaving the pool untouched. It returns nil for an
// unknown key. Safe to call under Store.View.
func (p *Pool) PreviewPosition(key position.Key) (*Position, error) {
	src, ok := p.positions[key]
	if !ok {
		return nil, nil
	}
	pos := src.Clone()

	if !pos.FeeIndexSnapshot.IsZero() {
		pending, err := p.FeeIndex.Pending(&pos.FeeIndexSnapshot, &pos.Principal)
		if err != nil {
			return nil, fmt.Errorf("preview fee index: %w", err)
		}
		if err := accrueInto(pos, pending); err != nil {
			return nil, err
		}
	}
	pos.FeeIndexSnapshot.Set(&p.FeeIndex.Index)

	// CreditState.Settle only reads the accumulator.
	for _, credit := range []*index.CreditState{&pos.DebtCredit, &pos.EncumbranceCredit} {
		pending, err := credit.Settle(&p.ActiveCredit)
		if err != nil {
			return nil, fmt.Errorf("preview active credit: %w", err)
		}
		if err := accrueInto(pos, pending); err != nil {
			return nil, err
		}
	}
	return pos, nil
}

func accrueInto(pos *Position, amount *uint256.Int) error {
	next, err := fpmath.Add(&pos.AccruedYield, amount)
	if err != nil {
		return fmt.Errorf("accrued yield: %w", err)
	}
	pos.AccruedYield.Set(next)
	return nil
}
