package state

import (
	"fmt"

	"EqualisLedger/internal/encumbrance"
	"EqualisLedger/internal/index"
	fpmath "EqualisLedger/internal/math"
	"EqualisLedger/internal/position"

	"github.com/holiman/uint256"
)

// Settlement is what SettlePosition credited to AccruedYield.
type Settlement struct {
	FeeYield         *uint256.Int
	DebtYield        *uint256.Int
	EncumbranceYield *uint256.Int
}

// Total is the sum of the three parts.
func (s Settlement) Total() *uint256.Int {
	t := new(uint256.Int).Add(s.FeeYield, s.DebtYield)
	return t.Add(t, s.EncumbranceYield)
}

// SettlePosition brings a position up to the current fee index and active
// credit index, credits AccruedYield and moves all snapshots forward.
// A second call with no accrual in between settles zero.
func (p *Pool) SettlePosition(key position.Key) (Settlement, error) {
	pos := p.Mutable(key)

	feeYield := fpmath.Zero()
	if pos.FeeIndexSnapshot.IsZero() {
		pos.FeeIndexSnapshot.Set(&p.FeeIndex.Index)
	} else {
		pending, err := p.FeeIndex.Pending(&pos.FeeIndexSnapshot, &pos.Principal)
		if err != nil {
			return Settlement{}, fmt.Errorf("settle fee index: %w", err)
		}
		feeYield = pending
		pos.FeeIndexSnapshot.Set(&p.FeeIndex.Index)
	}

	debtYield, err := pos.DebtCredit.Settle(&p.ActiveCredit)
	if err != nil {
		return Settlement{}, fmt.Errorf("settle %s credit: %w", index.CreditDebt, err)
	}
	encYield, err := pos.EncumbranceCredit.Settle(&p.ActiveCredit)
	if err != nil {
		return Settlement{}, fmt.Errorf("settle %s credit: %w", index.CreditEncumbrance, err)
	}

	s := Settlement{FeeYield: feeYield, DebtYield: debtYield, EncumbranceYield: encYield}
	total := s.Total()
	if !total.IsZero() {
		next, err := fpmath.Add(&pos.AccruedYield, total)
		if err != nil {
			return Settlement{}, fmt.Errorf("accrued yield: %w", err)
		}
		pos.AccruedYield.Set(next)
		pos.Version++
	}
	return s, nil
}

// AccrueFeeIndex spreads amount over TotalDeposits. With no depositors the
// whole amount is returned as fallback and nothing changes.
func (p *Pool) AccrueFeeIndex(amount *uint256.Int) (*uint256.Int, error) {
	acc, err := p.FeeIndex.Accrue(amount, &p.TotalDeposits)
	if err != nil {
		return nil, fmt.Errorf("pool %d fee index: %w", p.ID, err)
	}
	return acc.Fallback, nil
}

// AccrueActiveCredit spreads amount over ActiveCreditPrincipalTotal.
func (p *Pool) AccrueActiveCredit(amount *uint256.Int) (*uint256.Int, error) {
	acc, err := p.ActiveCredit.Accrue(amount, &p.ActiveCreditPrincipalTotal)
	if err != nil {
		return nil, fmt.Errorf("pool %d active credit index: %w", p.ID, err)
	}
	return acc.Fallback, nil
}

// AddPrincipal credits a settled position and the pool's deposit total.
func (p *Pool) AddPrincipal(key position.Key, amount *uint256.Int) error {
	pos := p.Mutable(key)
	principal, err := fpmath.Add(&pos.Principal, amount)
	if err != nil {
		return fmt.Errorf("principal: %w", err)
	}
	deposits, err := fpmath.Add(&p.TotalDeposits, amount)
	if err != nil {
		return fmt.Errorf("total deposits: %w", err)
	}
	pos.Principal.Set(principal)
	p.TotalDeposits.Set(deposits)
	pos.Version++
	return p.FeeIndex.Rebase(&p.TotalDeposits)
}

// SubPrincipal debits a settled position and the pool's deposit total.
func (p *Pool) SubPrincipal(key position.Key, amount *uint256.Int) error {
	pos := p.Mutable(key)
	principal, err := fpmath.Sub(&pos.Principal, amount)
	if err != nil {
		return fmt.Errorf("principal: %w", err)
	}
	deposits, err := fpmath.Sub(&p.TotalDeposits, amount)
	if err != nil {
		panic(fmt.Sprintf("FATAL: pool %d total deposits below a position's principal: %v", p.ID, err))
	}
	pos.Principal.Set(principal)
	p.TotalDeposits.Set(deposits)
	pos.Version++
	return p.FeeIndex.Rebase(&p.TotalDeposits)
}

// ActiveDebt is the same-asset rolling and fixed-term debt that earns
// active credit.
func (pos *Position) ActiveDebt() *uint256.Int {
	total := new(uint256.Int).Set(&pos.RollingLoan)
	for _, l := range pos.FixedLoans {
		total.Add(total, &l.Principal)
	}
	return total
}

// ActiveEncumbrance is the encumbered capital that is deployed: every bucket
// except offer escrow.
func (pos *Position) ActiveEncumbrance() *uint256.Int {
	total := fpmath.Zero()
	for _, b := range encumbrance.Buckets {
		if b.ActiveCredit() {
			total.Add(total, pos.Encumbrance.Get(b))
		}
	}
	return total
}

// SyncActiveCredit moves the position's two active-credit weights to match
// its current debt and deployed encumbrance. It settles first so accruals
// made earlier in the same operation are not lost when a weight grows.
func (p *Pool) SyncActiveCredit(key position.Key, now int64) error {
	if _, err := p.SettlePosition(key); err != nil {
		return err
	}
	pos := p.Mutable(key)
	if err := p.syncCredit(&pos.DebtCredit, pos.ActiveDebt(), now); err != nil {
		return fmt.Errorf("%s credit: %w", index.CreditDebt, err)
	}
	if err := p.syncCredit(&pos.EncumbranceCredit, pos.ActiveEncumbrance(), now); err != nil {
		return fmt.Errorf("%s credit: %w", index.CreditEncumbrance, err)
	}
	return p.ActiveCredit.Rebase(&p.ActiveCreditPrincipalTotal)
}

func (p *Pool) syncCredit(cs *index.CreditState, target *uint256.Int, now int64) error {
	switch target.Cmp(&cs.Principal) {
	case 1:
		diff := new(uint256.Int).Sub(target, &cs.Principal)
		total, err := fpmath.Add(&p.ActiveCreditPrincipalTotal, diff)
		if err != nil {
			return err
		}
		if err := cs.Grow(diff, &p.ActiveCredit, now); err != nil {
			return err
		}
		p.ActiveCreditPrincipalTotal.Set(total)
	case -1:
		diff := new(uint256.Int).Sub(&cs.Principal, target)
		if diff.Gt(&p.ActiveCreditPrincipalTotal) {
			panic(fmt.Sprintf("FATAL: pool %d active credit total %s below position weight %s",
				p.ID, p.ActiveCreditPrincipalTotal.Dec(), diff.Dec()))
		}
		if err := cs.Shrink(diff); err != nil {
			return err
		}
		p.ActiveCreditPrincipalTotal.Sub(&p.ActiveCreditPrincipalTotal, diff)
	}
	return nil
}

// AutoRollYield converts a settled position's accrued yield into principal
// when the yield reserve covers it. It runs before every borrow. Returns the
// amount rolled (zero when skipped).
func (p *Pool) AutoRollYield(key position.Key) (*uint256.Int, error) {
	pos := p.Mutable(key)
	y := new(uint256.Int).Set(&pos.AccruedYield)
	if y.IsZero() || p.YieldReserve.Lt(y) {
		return fpmath.Zero(), nil
	}
	if err := p.AddPrincipal(key, y); err != nil {
		return nil, err
	}
	p.YieldReserve.Sub(&p.YieldReserve, y)
	pos.AccruedYield.Clear()
	return y, nil
}
