package state

import (
	"fmt"
	"sort"
	"sync"

	"EqualisLedger/internal/encumbrance"
	"EqualisLedger/internal/index"
	fpmath "EqualisLedger/internal/math"
	"EqualisLedger/internal/position"
	"EqualisLedger/internal/solvency"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Totals is the pool-wide scalar state. It is a plain value so it can be
// copied for rollback.
type Totals struct {
	Paused                     bool
	TotalDeposits              uint256.Int
	TrackedBalance             uint256.Int
	YieldReserve               uint256.Int
	TotalDebt                  uint256.Int
	FeeIndex                   index.Accumulator
	ActiveCredit               index.Accumulator
	ActiveCreditPrincipalTotal uint256.Int
	TreasuryPaid               uint256.Int
	NextLoanID                 uint64
}

// Pool is one underlying asset's shared liquidity. All access goes through
// Store.WithPool / Store.WithPools, which hold mu.
type Pool struct {
	mu sync.Mutex

	ID     uint32
	Config PoolConfig
	Totals

	positions  map[position.Key]*Position
	offers     map[uuid.UUID]*Offer
	agreements map[uuid.UUID]*Agreement

	undo *undoLog
}

type undoLog struct {
	totals     Totals
	positions  map[position.Key]*Position // nil: did not exist
	offers     map[uuid.UUID]*Offer
	agreements map[uuid.UUID]*Agreement
}

func newPool(id uint32, cfg PoolConfig) *Pool {
	p := &Pool{
		ID:         id,
		Config:     cfg,
		positions:  make(map[position.Key]*Position),
		offers:     make(map[uuid.UUID]*Offer),
		agreements: make(map[uuid.UUID]*Agreement),
	}
	p.FeeIndex = index.NewAccumulator()
	p.ActiveCredit = index.NewAccumulator()
	p.NextLoanID = 1
	return p
}

func (p *Pool) begin() {
	p.undo = &undoLog{
		totals:     p.Totals,
		positions:  make(map[position.Key]*Position),
		offers:     make(map[uuid.UUID]*Offer),
		agreements: make(map[uuid.UUID]*Agreement),
	}
}

func (p *Pool) rollback() {
	u := p.undo
	if u == nil {
		return
	}
	p.Totals = u.totals
	for k, pos := range u.positions {
		if pos == nil {
			delete(p.positions, k)
		} else {
			p.positions[k] = pos
		}
	}
	for id, o := range u.offers {
		if o == nil {
			delete(p.offers, id)
		} else {
			p.offers[id] = o
		}
	}
	for id, a := range u.agreements {
		if a == nil {
			delete(p.agreements, id)
		} else {
			p.agreements[id] = a
		}
	}
	p.undo = nil
}

func (p *Pool) commit() {
	p.undo = nil
}

// Touched lists, in key order, the positions written since the current
// WithPool/WithPools call began. Outside a transaction it is empty.
func (p *Pool) Touched() []position.Key {
	if p.undo == nil {
		return nil
	}
	keys := make([]position.Key, 0, len(p.undo.positions))
	for k := range p.undo.positions {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// PoolID implements encumbrance.Positions.
func (p *Pool) PoolID() uint32 { return p.ID }

// Principal returns a copy of the position's principal (zero if unknown).
func (p *Pool) Principal(key position.Key) *uint256.Int {
	if pos, ok := p.positions[key]; ok {
		return new(uint256.Int).Set(&pos.Principal)
	}
	return fpmath.Zero()
}

// Encumbrance implements encumbrance.Positions. The record is mutable.
func (p *Pool) Encumbrance(key position.Key) *encumbrance.Record {
	return &p.Mutable(key).Encumbrance
}

// Debts implements solvency.DebtBook.
func (p *Pool) Debts(key position.Key) []solvency.Debt {
	pos, ok := p.positions[key]
	if !ok {
		return nil
	}
	return pos.Debts(p.Config.Underlying)
}

// Position returns the position for read-only use, or nil.
func (p *Pool) Position(key position.Key) *Position {
	return p.positions[key]
}

// Mutable returns the position for writing, creating it if needed and
// saving its prior state for rollback.
func (p *Pool) Mutable(key position.Key) *Position {
	pos, ok := p.positions[key]
	if p.undo != nil {
		if _, saved := p.undo.positions[key]; !saved {
			if ok {
				p.undo.positions[key] = pos.Clone()
			} else {
				p.undo.positions[key] = nil
			}
		}
	}
	if !ok {
		pos = newPosition(key)
		p.positions[key] = pos
	}
	return pos
}

// Keys returns every position key in byte order.
func (p *Pool) Keys() []position.Key {
	keys := make([]position.Key, 0, len(p.positions))
	for k := range p.positions {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

func (p *Pool) Offer(id uuid.UUID) (*Offer, bool) {
	o, ok := p.offers[id]
	return o, ok
}

func (p *Pool) PutOffer(o *Offer) {
	p.saveOffer(o.ID)
	p.offers[o.ID] = o
}

func (p *Pool) DeleteOffer(id uuid.UUID) {
	p.saveOffer(id)
	delete(p.offers, id)
}

func (p *Pool) saveOffer(id uuid.UUID) {
	if p.undo == nil {
		return
	}
	if _, saved := p.undo.offers[id]; saved {
		return
	}
	if o, ok := p.offers[id]; ok {
		cp := *o
		p.undo.offers[id] = &cp
	} else {
		p.undo.offers[id] = nil
	}
}

func (p *Pool) Agreement(id uuid.UUID) (*Agreement, bool) {
	a, ok := p.agreements[id]
	return a, ok
}

// MutableAgreement returns the agreement for writing.
func (p *Pool) MutableAgreement(id uuid.UUID) (*Agreement, bool) {
	a, ok := p.agreements[id]
	if !ok {
		return nil, false
	}
	p.saveAgreement(id)
	return a, true
}

func (p *Pool) PutAgreement(a *Agreement) {
	p.saveAgreement(a.ID)
	p.agreements[a.ID] = a
}

func (p *Pool) saveAgreement(id uuid.UUID) {
	if p.undo == nil {
		return
	}
	if _, saved := p.undo.agreements[id]; saved {
		return
	}
	if a, ok := p.agreements[id]; ok {
		cp := *a
		p.undo.agreements[id] = &cp
	} else {
		p.undo.agreements[id] = nil
	}
}

func sortedUUIDs[T any](m map[uuid.UUID]T) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

func (p *Pool) OfferIDs() []uuid.UUID     { return sortedUUIDs(p.offers) }
func (p *Pool) AgreementIDs() []uuid.UUID { return sortedUUIDs(p.agreements) }

// CheckBacking verifies TrackedBalance + TotalDebt >= TotalDeposits + YieldReserve.
func (p *Pool) CheckBacking() error {
	assets, err := fpmath.Add(&p.TrackedBalance, &p.TotalDebt)
	if err != nil {
		return err
	}
	claims, err := fpmath.Add(&p.TotalDeposits, &p.YieldReserve)
	if err != nil {
		return err
	}
	if assets.Lt(claims) {
		return fmt.Errorf("pool %d backing: tracked+debt=%s < deposits+reserve=%s",
			p.ID, assets.Dec(), claims.Dec())
	}
	return nil
}

// CheckInvariants runs every per-pool invariant: backing, both remainder
// bounds, each position's encumbrance bound, and the sums of principal and
// active-credit weight against the pool totals.
func (p *Pool) CheckInvariants() error {
	if err := p.CheckBacking(); err != nil {
		return err
	}
	if err := p.FeeIndex.CheckRemainder(&p.TotalDeposits); err != nil {
		return fmt.Errorf("pool %d fee index: %w", p.ID, err)
	}
	if err := p.ActiveCredit.CheckRemainder(&p.ActiveCreditPrincipalTotal); err != nil {
		return fmt.Errorf("pool %d active credit index: %w", p.ID, err)
	}
	principal := fpmath.Zero()
	weight := fpmath.Zero()
	for _, key := range p.Keys() {
		if err := encumbrance.CheckBound(p, key); err != nil {
			return err
		}
		pos := p.positions[key]
		principal.Add(principal, &pos.Principal)
		weight.Add(weight, &pos.DebtCredit.Principal)
		weight.Add(weight, &pos.EncumbranceCredit.Principal)
	}
	if !principal.Eq(&p.TotalDeposits) {
		return fmt.Errorf("pool %d: sum of principal %s != total deposits %s",
			p.ID, principal.Dec(), p.TotalDeposits.Dec())
	}
	if !weight.Eq(&p.ActiveCreditPrincipalTotal) {
		return fmt.Errorf("pool %d: sum of active credit %s != total %s",
			p.ID, weight.Dec(), p.ActiveCreditPrincipalTotal.Dec())
	}
	return nil
}
