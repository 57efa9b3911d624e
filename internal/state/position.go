package state

import (
	"sort"

	"EqualisLedger/internal/encumbrance"
	"EqualisLedger/internal/index"
	"EqualisLedger/internal/position"
	"EqualisLedger/internal/solvency"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// FixedLoan is a fixed-term loan against the position's principal.
type FixedLoan struct {
	ID        uint64
	Principal uint256.Int
	Asset     string
	Maturity  int64 // epoch micros
}

// DirectDebt is the borrower side of a direct agreement, recorded in the
// pool holding the borrower's collateral.
type DirectDebt struct {
	AgreementID uuid.UUID
	Principal   uint256.Int
	Asset       string
	LenderPool  uint32
}

// Position is one position key's state inside one pool.
type Position struct {
	Key              position.Key
	Principal        uint256.Int
	FeeIndexSnapshot uint256.Int
	AccruedYield     uint256.Int

	Encumbrance       encumbrance.Record
	DebtCredit        index.CreditState
	EncumbranceCredit index.CreditState

	RollingLoan uint256.Int
	FixedLoans  map[uint64]*FixedLoan
	DirectDebts map[uuid.UUID]*DirectDebt

	Version int64
}

func newPosition(key position.Key) *Position {
	return &Position{
		Key:         key,
		FixedLoans:  make(map[uint64]*FixedLoan),
		DirectDebts: make(map[uuid.UUID]*DirectDebt),
	}
}

// IsEmpty reports whether the position holds nothing worth keeping.
func (p *Position) IsEmpty() bool {
	return p.Principal.IsZero() && p.AccruedYield.IsZero() && p.Encumbrance.IsZero() &&
		p.RollingLoan.IsZero() && len(p.FixedLoans) == 0 && len(p.DirectDebts) == 0 &&
		p.DebtCredit.Principal.IsZero() && p.EncumbranceCredit.Principal.IsZero()
}

// Debts lists open loans in a stable order: rolling, fixed by id, direct by id.
func (p *Position) Debts(underlying string) []solvency.Debt {
	debts := make([]solvency.Debt, 0, 1+len(p.FixedLoans)+len(p.DirectDebts))
	if !p.RollingLoan.IsZero() {
		debts = append(debts, solvency.Debt{
			Source:    solvency.SourceRolling,
			Asset:     underlying,
			Principal: new(uint256.Int).Set(&p.RollingLoan),
		})
	}
	for _, id := range p.FixedLoanIDs() {
		l := p.FixedLoans[id]
		debts = append(debts, solvency.Debt{
			Source:    solvency.SourceFixedTerm,
			Asset:     l.Asset,
			Principal: new(uint256.Int).Set(&l.Principal),
		})
	}
	ids := make([]uuid.UUID, 0, len(p.DirectDebts))
	for id := range p.DirectDebts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	for _, id := range ids {
		d := p.DirectDebts[id]
		debts = append(debts, solvency.Debt{
			Source:    solvency.SourceDirect,
			Asset:     d.Asset,
			Principal: new(uint256.Int).Set(&d.Principal),
		})
	}
	return debts
}

func (p *Position) FixedLoanIDs() []uint64 {
	ids := make([]uint64, 0, len(p.FixedLoans))
	for id := range p.FixedLoans {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (p *Position) Clone() *Position {
	c := &Position{
		Key:               p.Key,
		Encumbrance:       p.Encumbrance.Clone(),
		DebtCredit:        p.DebtCredit.Clone(),
		EncumbranceCredit: p.EncumbranceCredit.Clone(),
		FixedLoans:        make(map[uint64]*FixedLoan, len(p.FixedLoans)),
		DirectDebts:       make(map[uuid.UUID]*DirectDebt, len(p.DirectDebts)),
		Version:           p.Version,
	}
	c.Principal.Set(&p.Principal)
	c.FeeIndexSnapshot.Set(&p.FeeIndexSnapshot)
	c.AccruedYield.Set(&p.AccruedYield)
	c.RollingLoan.Set(&p.RollingLoan)
	for id, l := range p.FixedLoans {
		cp := *l
		c.FixedLoans[id] = &cp
	}
	for id, d := range p.DirectDebts {
		cp := *d
		c.DirectDebts[id] = &cp
	}
	return c
}
