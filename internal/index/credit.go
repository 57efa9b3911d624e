package index

import (
	"fmt"

	fpmath "EqualisLedger/internal/math"

	"github.com/holiman/uint256"
)

// CreditKind distinguishes the two ActiveCreditState variants a position holds.
type CreditKind uint8

const (
	CreditDebt CreditKind = iota
	CreditEncumbrance
)

func (k CreditKind) String() string {
	switch k {
	case CreditDebt:
		return "debt"
	case CreditEncumbrance:
		return "encumbrance"
	default:
		return "unknown"
	}
}

// CreditState is a position's weight in the active credit index.
type CreditState struct {
	Principal     uint256.Int
	StartTime     int64 // micros; set when principal goes from zero to non-zero, shown in position reads
	IndexSnapshot uint256.Int
}

// Settle returns the pending amount since the last settlement and moves the
// snapshot to the current index. A second call with no accrual in between
// returns zero.
func (s *CreditState) Settle(acc *Accumulator) (*uint256.Int, error) {
	if s.IndexSnapshot.IsZero() {
		// never settled: nothing earned before joining
		s.IndexSnapshot.Set(&acc.Index)
		return fpmath.Zero(), nil
	}
	pending, err := acc.Pending(&s.IndexSnapshot, &s.Principal)
	if err != nil {
		return nil, err
	}
	s.IndexSnapshot.Set(&acc.Index)
	return pending, nil
}

// Grow adds weight. The caller settles first so the new weight does not
// earn retroactively.
func (s *CreditState) Grow(amount *uint256.Int, acc *Accumulator, now int64) error {
	next, err := fpmath.Add(&s.Principal, amount)
	if err != nil {
		return err
	}
	if s.Principal.IsZero() {
		s.StartTime = now
	}
	s.Principal.Set(next)
	s.IndexSnapshot.Set(&acc.Index)
	return nil
}

// Shrink removes weight.
func (s *CreditState) Shrink(amount *uint256.Int) error {
	next, err := fpmath.Sub(&s.Principal, amount)
	if err != nil {
		return fmt.Errorf("active credit principal: %w", err)
	}
	s.Principal.Set(next)
	if next.IsZero() {
		s.StartTime = 0
	}
	return nil
}

func (s *CreditState) Clone() CreditState {
	var c CreditState
	c.Principal.Set(&s.Principal)
	c.StartTime = s.StartTime
	c.IndexSnapshot.Set(&s.IndexSnapshot)
	return c
}
