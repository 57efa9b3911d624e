package state

import (
	"fmt"

	"EqualisLedger/internal/encumbrance"
	"EqualisLedger/internal/index"
	fpmath "EqualisLedger/internal/math"
	"EqualisLedger/internal/position"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Amounts are decimal strings in every snapshot type so the encoding does
// not depend on a uint256 JSON format.

type AccumulatorSnapshot struct {
	Index     string `json:"index"`
	Remainder string `json:"remainder"`
}

type CreditSnapshot struct {
	Principal     string `json:"principal"`
	StartTime     int64  `json:"start_time"`
	IndexSnapshot string `json:"index_snapshot"`
}

type FixedLoanSnapshot struct {
	ID        uint64 `json:"id"`
	Principal string `json:"principal"`
	Asset     string `json:"asset"`
	Maturity  int64  `json:"maturity"`
}

type DirectDebtSnapshot struct {
	AgreementID uuid.UUID `json:"agreement_id"`
	Principal   string    `json:"principal"`
	Asset       string    `json:"asset"`
	LenderPool  uint32    `json:"lender_pool"`
}

type PositionSnapshot struct {
	Key               position.Key         `json:"key"`
	Principal         string               `json:"principal"`
	FeeIndexSnapshot  string               `json:"fee_index_snapshot"`
	AccruedYield      string               `json:"accrued_yield"`
	Encumbrance       map[string]string    `json:"encumbrance"`
	DebtCredit        CreditSnapshot       `json:"debt_credit"`
	EncumbranceCredit CreditSnapshot       `json:"encumbrance_credit"`
	RollingLoan       string               `json:"rolling_loan"`
	FixedLoans        []FixedLoanSnapshot  `json:"fixed_loans,omitempty"`
	DirectDebts       []DirectDebtSnapshot `json:"direct_debts,omitempty"`
	Version           int64                `json:"version"`
}

type OfferSnapshot struct {
	ID             uuid.UUID    `json:"id"`
	Lender         position.Key `json:"lender"`
	LenderPool     uint32       `json:"lender_pool"`
	Principal      string       `json:"principal"`
	CollateralPool uint32       `json:"collateral_pool"`
	Collateral     string       `json:"collateral"`
	FeeBps         uint16       `json:"fee_bps"`
	Term           int64        `json:"term"`
	CreatedAt      int64        `json:"created_at"`
}

type AgreementSnapshot struct {
	ID             uuid.UUID    `json:"id"`
	Lender         position.Key `json:"lender"`
	LenderPool     uint32       `json:"lender_pool"`
	Borrower       position.Key `json:"borrower"`
	CollateralPool uint32       `json:"collateral_pool"`
	Principal      string       `json:"principal"`
	Collateral     string       `json:"collateral"`
	Fee            string       `json:"fee"`
	Split          FeeSplit     `json:"split"`
	Asset          string       `json:"asset"`
	Maturity       int64        `json:"maturity"`
	Status         uint8        `json:"status"`
}

// ConfigSnapshot is also the wire and config-file form of PoolConfig.
type ConfigSnapshot struct {
	Underlying              string       `json:"underlying" yaml:"underlying"`
	Decimals                int32        `json:"decimals" yaml:"decimals"`
	DepositorLTVBps         uint16       `json:"depositor_ltv_bps" yaml:"depositor_ltv_bps"`
	LiquidationThresholdBps uint16       `json:"liquidation_threshold_bps" yaml:"liquidation_threshold_bps"`
	FeeSplit                FeeSplit     `json:"fee_split" yaml:"fee_split"`
	BorrowFeeBps            uint16       `json:"borrow_fee_bps" yaml:"borrow_fee_bps"`
	PenaltyBps              uint16       `json:"penalty_bps" yaml:"penalty_bps"`
	MinDeposit              string       `json:"min_deposit,omitempty" yaml:"min_deposit"`
	Treasury                string       `json:"treasury" yaml:"treasury"`
	Manager                 position.Key `json:"manager" yaml:"manager"`
	ManagerShareBps         uint16       `json:"manager_share_bps" yaml:"manager_share_bps"`
}

func (c *PoolConfig) Snapshot() ConfigSnapshot {
	return ConfigSnapshot{
		Underlying:              c.Underlying,
		Decimals:                c.Decimals,
		DepositorLTVBps:         c.DepositorLTVBps,
		LiquidationThresholdBps: c.LiquidationThresholdBps,
		FeeSplit:                c.FeeSplit,
		BorrowFeeBps:            c.BorrowFeeBps,
		PenaltyBps:              c.PenaltyBps,
		MinDeposit:              c.MinDeposit.Dec(),
		Treasury:                c.Treasury,
		Manager:                 c.Manager,
		ManagerShareBps:         c.ManagerShareBps,
	}
}

// Config parses the snapshot back. It does not validate; CreatePool and
// UpdateConfig do.
func (cs ConfigSnapshot) Config() (PoolConfig, error) {
	cfg := PoolConfig{
		Underlying:              cs.Underlying,
		Decimals:                cs.Decimals,
		DepositorLTVBps:         cs.DepositorLTVBps,
		LiquidationThresholdBps: cs.LiquidationThresholdBps,
		FeeSplit:                cs.FeeSplit,
		BorrowFeeBps:            cs.BorrowFeeBps,
		PenaltyBps:              cs.PenaltyBps,
		Treasury:                cs.Treasury,
		Manager:                 cs.Manager,
		ManagerShareBps:         cs.ManagerShareBps,
	}
	var ap amountParser
	ap.set(&cfg.MinDeposit, cs.MinDeposit, "min_deposit")
	return cfg, ap.err
}

type PoolSnapshot struct {
	ID                         uint32              `json:"id"`
	Config                     ConfigSnapshot      `json:"config"`
	Paused                     bool                `json:"paused"`
	TotalDeposits              string              `json:"total_deposits"`
	TrackedBalance             string              `json:"tracked_balance"`
	YieldReserve               string              `json:"yield_reserve"`
	TotalDebt                  string              `json:"total_debt"`
	FeeIndex                   AccumulatorSnapshot `json:"fee_index"`
	ActiveCredit               AccumulatorSnapshot `json:"active_credit"`
	ActiveCreditPrincipalTotal string              `json:"active_credit_principal_total"`
	TreasuryPaid               string              `json:"treasury_paid"`
	NextLoanID                 uint64              `json:"next_loan_id"`
	Positions                  []PositionSnapshot  `json:"positions"`
	Offers                     []OfferSnapshot     `json:"offers,omitempty"`
	Agreements                 []AgreementSnapshot `json:"agreements,omitempty"`
}

// StoreSnapshot is the serializable form of every pool.
type StoreSnapshot struct {
	Pools []PoolSnapshot `json:"pools"`
}

func accSnap(a *index.Accumulator) AccumulatorSnapshot {
	return AccumulatorSnapshot{Index: a.Index.Dec(), Remainder: a.Remainder.Dec()}
}

func creditSnap(c *index.CreditState) CreditSnapshot {
	return CreditSnapshot{Principal: c.Principal.Dec(), StartTime: c.StartTime, IndexSnapshot: c.IndexSnapshot.Dec()}
}

// Snapshot captures every pool, each under its own lock.
func (s *Store) Snapshot() *StoreSnapshot {
	out := &StoreSnapshot{}
	for _, id := range s.PoolIDs() {
		_ = s.View(id, func(p *Pool) error {
			out.Pools = append(out.Pools, p.snapshot())
			return nil
		})
	}
	return out
}

func (p *Pool) snapshot() PoolSnapshot {
	ps := PoolSnapshot{
		ID:                         p.ID,
		Config:                     p.Config.Snapshot(),
		Paused:                     p.Paused,
		TotalDeposits:              p.TotalDeposits.Dec(),
		TrackedBalance:             p.TrackedBalance.Dec(),
		YieldReserve:               p.YieldReserve.Dec(),
		TotalDebt:                  p.TotalDebt.Dec(),
		FeeIndex:                   accSnap(&p.FeeIndex),
		ActiveCredit:               accSnap(&p.ActiveCredit),
		ActiveCreditPrincipalTotal: p.ActiveCreditPrincipalTotal.Dec(),
		TreasuryPaid:               p.TreasuryPaid.Dec(),
		NextLoanID:                 p.NextLoanID,
	}
	for _, k := range p.Keys() {
		ps.Positions = append(ps.Positions, positionSnap(p.positions[k]))
	}
	for _, id := range p.OfferIDs() {
		o := p.offers[id]
		ps.Offers = append(ps.Offers, OfferSnapshot{
			ID: o.ID, Lender: o.Lender, LenderPool: o.LenderPool, Principal: o.Principal.Dec(),
			CollateralPool: o.CollateralPool, Collateral: o.Collateral.Dec(),
			FeeBps: o.FeeBps, Term: o.Term, CreatedAt: o.CreatedAt,
		})
	}
	for _, id := range p.AgreementIDs() {
		a := p.agreements[id]
		ps.Agreements = append(ps.Agreements, AgreementSnapshot{
			ID: a.ID, Lender: a.Lender, LenderPool: a.LenderPool, Borrower: a.Borrower,
			CollateralPool: a.CollateralPool, Principal: a.Principal.Dec(), Collateral: a.Collateral.Dec(),
			Fee: a.Fee.Dec(), Split: a.Split, Asset: a.Asset, Maturity: a.Maturity, Status: uint8(a.Status),
		})
	}
	return ps
}

// Snapshot returns the serializable form of one position.
func (pos *Position) Snapshot() PositionSnapshot {
	return positionSnap(pos)
}

func positionSnap(pos *Position) PositionSnapshot {
	snap := PositionSnapshot{
		Key:               pos.Key,
		Principal:         pos.Principal.Dec(),
		FeeIndexSnapshot:  pos.FeeIndexSnapshot.Dec(),
		AccruedYield:      pos.AccruedYield.Dec(),
		Encumbrance:       make(map[string]string, len(encumbrance.Buckets)),
		DebtCredit:        creditSnap(&pos.DebtCredit),
		EncumbranceCredit: creditSnap(&pos.EncumbranceCredit),
		RollingLoan:       pos.RollingLoan.Dec(),
		Version:           pos.Version,
	}
	for _, b := range encumbrance.Buckets {
		snap.Encumbrance[b.String()] = pos.Encumbrance.Get(b).Dec()
	}
	for _, id := range pos.FixedLoanIDs() {
		l := pos.FixedLoans[id]
		snap.FixedLoans = append(snap.FixedLoans, FixedLoanSnapshot{
			ID: id, Principal: l.Principal.Dec(), Asset: l.Asset, Maturity: l.Maturity,
		})
	}
	for _, id := range sortedUUIDs(pos.DirectDebts) {
		d := pos.DirectDebts[id]
		snap.DirectDebts = append(snap.DirectDebts, DirectDebtSnapshot{
			AgreementID: id, Principal: d.Principal.Dec(), Asset: d.Asset, LenderPool: d.LenderPool,
		})
	}
	return snap
}

// amountParser collects the first parse failure so restore code stays flat.
type amountParser struct {
	err error
}

func (ap *amountParser) set(dst *uint256.Int, s string, field string) {
	if ap.err != nil {
		return
	}
	v, err := fpmath.ParseAmount(s)
	if err != nil {
		ap.err = fmt.Errorf("%s: %w", field, err)
		return
	}
	dst.Set(v)
}

// RestoreStore rebuilds a store from a snapshot. Configs are trusted: they
// were validated when the pools were created.
func RestoreStore(snap *StoreSnapshot) (*Store, error) {
	s := NewStore()
	if err := s.Load(snap); err != nil {
		return nil, err
	}
	return s, nil
}

// Load fills an empty store from a snapshot.
func (s *Store) Load(snap *StoreSnapshot) error {
	s.mu.Lock()
	if len(s.pools) > 0 {
		s.mu.Unlock()
		return fmt.Errorf("load snapshot: store already holds %d pools", len(s.pools))
	}
	for i := range snap.Pools {
		ps := &snap.Pools[i]
		p, err := restorePool(ps)
		if err != nil {
			s.pools = make(map[uint32]*Pool)
			s.mu.Unlock()
			return fmt.Errorf("restore pool %d: %w", ps.ID, err)
		}
		s.pools[p.ID] = p
	}
	s.mu.Unlock()

	if err := s.CheckInvariants(); err != nil {
		s.mu.Lock()
		s.pools = make(map[uint32]*Pool)
		s.mu.Unlock()
		return fmt.Errorf("restored state fails invariants: %w", err)
	}
	return nil
}

func restorePool(ps *PoolSnapshot) (*Pool, error) {
	cfg, err := ps.Config.Config()
	if err != nil {
		return nil, err
	}
	var ap amountParser
	p := newPool(ps.ID, cfg)
	p.Paused = ps.Paused
	p.NextLoanID = ps.NextLoanID
	ap.set(&p.TotalDeposits, ps.TotalDeposits, "total_deposits")
	ap.set(&p.TrackedBalance, ps.TrackedBalance, "tracked_balance")
	ap.set(&p.YieldReserve, ps.YieldReserve, "yield_reserve")
	ap.set(&p.TotalDebt, ps.TotalDebt, "total_debt")
	ap.set(&p.FeeIndex.Index, ps.FeeIndex.Index, "fee_index.index")
	ap.set(&p.FeeIndex.Remainder, ps.FeeIndex.Remainder, "fee_index.remainder")
	ap.set(&p.ActiveCredit.Index, ps.ActiveCredit.Index, "active_credit.index")
	ap.set(&p.ActiveCredit.Remainder, ps.ActiveCredit.Remainder, "active_credit.remainder")
	ap.set(&p.ActiveCreditPrincipalTotal, ps.ActiveCreditPrincipalTotal, "active_credit_principal_total")
	ap.set(&p.TreasuryPaid, ps.TreasuryPaid, "treasury_paid")

	for _, s := range ps.Positions {
		pos := newPosition(s.Key)
		ap.set(&pos.Principal, s.Principal, "principal")
		ap.set(&pos.FeeIndexSnapshot, s.FeeIndexSnapshot, "fee_index_snapshot")
		ap.set(&pos.AccruedYield, s.AccruedYield, "accrued_yield")
		for _, b := range encumbrance.Buckets {
			var amt uint256.Int
			ap.set(&amt, s.Encumbrance[b.String()], b.String())
			pos.Encumbrance.Set(b, &amt)
		}
		ap.set(&pos.DebtCredit.Principal, s.DebtCredit.Principal, "debt_credit.principal")
		ap.set(&pos.DebtCredit.IndexSnapshot, s.DebtCredit.IndexSnapshot, "debt_credit.index_snapshot")
		pos.DebtCredit.StartTime = s.DebtCredit.StartTime
		ap.set(&pos.EncumbranceCredit.Principal, s.EncumbranceCredit.Principal, "encumbrance_credit.principal")
		ap.set(&pos.EncumbranceCredit.IndexSnapshot, s.EncumbranceCredit.IndexSnapshot, "encumbrance_credit.index_snapshot")
		pos.EncumbranceCredit.StartTime = s.EncumbranceCredit.StartTime
		ap.set(&pos.RollingLoan, s.RollingLoan, "rolling_loan")
		for _, fl := range s.FixedLoans {
			l := &FixedLoan{ID: fl.ID, Asset: fl.Asset, Maturity: fl.Maturity}
			ap.set(&l.Principal, fl.Principal, "fixed_loan.principal")
			pos.FixedLoans[fl.ID] = l
		}
		for _, dd := range s.DirectDebts {
			d := &DirectDebt{AgreementID: dd.AgreementID, Asset: dd.Asset, LenderPool: dd.LenderPool}
			ap.set(&d.Principal, dd.Principal, "direct_debt.principal")
			pos.DirectDebts[dd.AgreementID] = d
		}
		pos.Version = s.Version
		p.positions[s.Key] = pos
	}

	for _, os := range ps.Offers {
		o := &Offer{
			ID: os.ID, Lender: os.Lender, LenderPool: os.LenderPool, CollateralPool: os.CollateralPool,
			FeeBps: os.FeeBps, Term: os.Term, CreatedAt: os.CreatedAt,
		}
		ap.set(&o.Principal, os.Principal, "offer.principal")
		ap.set(&o.Collateral, os.Collateral, "offer.collateral")
		p.offers[o.ID] = o
	}
	for _, as := range ps.Agreements {
		a := &Agreement{
			ID: as.ID, Lender: as.Lender, LenderPool: as.LenderPool, Borrower: as.Borrower,
			CollateralPool: as.CollateralPool, Split: as.Split, Asset: as.Asset,
			Maturity: as.Maturity, Status: AgreementStatus(as.Status),
		}
		ap.set(&a.Principal, as.Principal, "agreement.principal")
		ap.set(&a.Collateral, as.Collateral, "agreement.collateral")
		ap.set(&a.Fee, as.Fee, "agreement.fee")
		p.agreements[a.ID] = a
	}

	if ap.err != nil {
		return nil, ap.err
	}
	return p, nil
}
