package product

import (
	"errors"
	"fmt"

	"EqualisLedger/internal/encumbrance"
	"EqualisLedger/internal/errs"
	"EqualisLedger/internal/fees"
	"EqualisLedger/internal/ledger"
	fpmath "EqualisLedger/internal/math"
	"EqualisLedger/internal/position"
	"EqualisLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	ErrOfferNotFound     = errors.New("product: offer not found")
	ErrAgreementNotFound = errors.New("product: agreement not found")
	ErrAgreementClosed   = errors.New("product: agreement not active")
	ErrNotMatured        = errors.New("product: agreement not matured")
)

type PostOfferRequest struct {
	ID             uuid.UUID // zero: generated
	Lender         position.Key
	Caller         string
	LenderPool     uint32
	Principal      *uint256.Int
	CollateralPool uint32
	Collateral     *uint256.Int
	FeeBps         uint16
	Term           int64
	Now            int64
}

// PostOffer escrows principal in the lender pool until the offer is
// accepted or cancelled.
func (s *Service) PostOffer(req PostOfferRequest) (*Receipt, error) {
	if err := errs.RequireNonZero("principal", req.Principal); err != nil {
		return nil, err
	}
	if err := errs.RequireNonZero("collateral", req.Collateral); err != nil {
		return nil, err
	}
	if uint64(req.FeeBps) > fpmath.BpsDenominator {
		return nil, errs.Invalid("fee_bps", req.FeeBps, "<= 10000")
	}
	if req.Term <= 0 {
		return nil, errs.Invalid("term", req.Term, "> 0")
	}
	if err := s.authorize(req.Lender, req.Caller); err != nil {
		return nil, err
	}
	id := req.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	ids := []uint32{req.LenderPool, req.CollateralPool}
	return s.inPools("post_offer", ids, func(pools map[uint32]*state.Pool, tx *fees.Tx, r *Receipt) error {
		lp := pools[req.LenderPool]
		if _, dup := lp.Offer(id); dup {
			return errs.Invalid("offer_id", id, "unused id")
		}
		if err := settle(lp, req.Lender); err != nil {
			return err
		}
		if err := reserve(lp, req.Lender, encumbrance.DirectOfferEscrow, req.Principal); err != nil {
			return err
		}
		o := &state.Offer{
			ID:             id,
			Lender:         req.Lender,
			LenderPool:     req.LenderPool,
			CollateralPool: req.CollateralPool,
			FeeBps:         req.FeeBps,
			Term:           req.Term,
			CreatedAt:      req.Now,
		}
		o.Principal.Set(req.Principal)
		o.Collateral.Set(req.Collateral)
		lp.PutOffer(o)
		r.ID = id
		r.Amount = copyAmount(req.Principal)
		return nil
	})
}

type CancelOfferRequest struct {
	LenderPool uint32
	OfferID    uuid.UUID
	Lender     position.Key
	Caller     string
	Now        int64
}

// CancelOffer releases the escrow of an unfilled offer.
func (s *Service) CancelOffer(req CancelOfferRequest) (*Receipt, error) {
	if err := s.authorize(req.Lender, req.Caller); err != nil {
		return nil, err
	}
	return s.inPool("cancel_offer", req.LenderPool, func(p *state.Pool, tx *fees.Tx, r *Receipt) error {
		o, ok := p.Offer(req.OfferID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrOfferNotFound, req.OfferID)
		}
		if o.Lender != req.Lender {
			return errs.Invalid("lender", req.Lender.Short(), "offer's lender")
		}
		if err := settle(p, o.Lender); err != nil {
			return err
		}
		if err := encumbrance.Decrease(p, o.Lender, encumbrance.DirectOfferEscrow, &o.Principal); err != nil {
			return err
		}
		p.DeleteOffer(o.ID)
		r.ID = o.ID
		r.Amount = copyAmount(&o.Principal)
		return p.SyncActiveCredit(o.Lender, req.Now)
	})
}

type AcceptOfferRequest struct {
	LenderPool uint32
	OfferID    uuid.UUID
	Borrower   position.Key
	Caller     string
	To         string
	Now        int64
}

// collateralPoolOf reads which pool an offer or agreement is secured in, so
// both pools can be locked in order.
func (s *Service) collateralPoolOf(lenderPool uint32, id uuid.UUID, offer bool) (uint32, error) {
	var cp uint32
	err := s.store.View(lenderPool, func(p *state.Pool) error {
		if offer {
			o, ok := p.Offer(id)
			if !ok {
				return fmt.Errorf("%w: %s", ErrOfferNotFound, id)
			}
			cp = o.CollateralPool
			return nil
		}
		a, ok := p.Agreement(id)
		if !ok {
			return fmt.Errorf("%w: %s", ErrAgreementNotFound, id)
		}
		cp = a.CollateralPool
		return nil
	})
	return cp, err
}

// AcceptOffer fills an offer: the lender's escrow becomes lent principal,
// the borrower's collateral is locked in the collateral pool and the
// principal less the agreement fee is paid out.
func (s *Service) AcceptOffer(req AcceptOfferRequest) (*Receipt, error) {
	if err := s.authorize(req.Borrower, req.Caller); err != nil {
		return nil, err
	}
	collPool, err := s.collateralPoolOf(req.LenderPool, req.OfferID, true)
	if err != nil {
		return nil, err
	}
	ids := []uint32{req.LenderPool, collPool}
	return s.inPools("accept_offer", ids, func(pools map[uint32]*state.Pool, tx *fees.Tx, r *Receipt) error {
		lp, cp := pools[req.LenderPool], pools[collPool]
		o, ok := lp.Offer(req.OfferID)
		if !ok || o.CollateralPool != collPool {
			return fmt.Errorf("%w: %s", ErrOfferNotFound, req.OfferID)
		}
		if o.Lender == req.Borrower && lp == cp {
			return errs.Invalid("borrower", req.Borrower.Short(), "not the lender")
		}
		principal := copyAmount(&o.Principal)
		if err := settle(lp, o.Lender); err != nil {
			return err
		}
		if err := settle(cp, req.Borrower); err != nil {
			return err
		}
		if err := requireLiquidity(lp, principal); err != nil {
			return err
		}
		if err := encumbrance.Decrease(lp, o.Lender, encumbrance.DirectOfferEscrow, principal); err != nil {
			return err
		}
		if err := encumbrance.Increase(lp, o.Lender, encumbrance.DirectLent, principal); err != nil {
			return err
		}

		a := &state.Agreement{
			ID:             o.ID,
			Lender:         o.Lender,
			LenderPool:     o.LenderPool,
			Borrower:       req.Borrower,
			CollateralPool: collPool,
			Split:          lp.Config.FeeSplit,
			Asset:          lp.Config.Underlying,
			Maturity:       req.Now + o.Term,
			Status:         state.AgreementActive,
		}
		a.Principal.Set(principal)
		a.Collateral.Set(&o.Collateral)

		bpos := cp.Mutable(req.Borrower)
		dd := &state.DirectDebt{AgreementID: a.ID, Asset: a.Asset, LenderPool: a.LenderPool}
		dd.Principal.Set(principal)
		bpos.DirectDebts[a.ID] = dd
		bpos.Version++
		if err := reserve(cp, req.Borrower, encumbrance.DirectLocked, &o.Collateral); err != nil {
			return err
		}

		fee, err := fpmath.ApplyBps(principal, o.FeeBps)
		if err != nil {
			return err
		}
		debt, err := fpmath.Add(&lp.TotalDebt, principal)
		if err != nil {
			return err
		}
		lp.TotalDebt.Set(debt)
		lp.TrackedBalance.Sub(&lp.TrackedBalance, principal)
		tx.Rec.Record(ledger.JournalTypeAgreementFund, receivable(lp), liquidity(lp), a.Asset, principal)
		if !fee.IsZero() {
			lp.TrackedBalance.Add(&lp.TrackedBalance, fee)
			collectFee(lp, tx, liquidity(lp), fee)
			routed, err := s.router.RouteWithSplit(lp, fee, a.Split, fees.SourceAgreement, tx)
			if err != nil {
				return err
			}
			r.Fees = append(r.Fees, routed)
		}
		a.Fee.Set(fee)
		lp.PutAgreement(a)
		lp.DeleteOffer(o.ID)

		if err := lp.SyncActiveCredit(o.Lender, req.Now); err != nil {
			return err
		}
		if err := cp.SyncActiveCredit(req.Borrower, req.Now); err != nil {
			return err
		}
		if err := tx.Moves.Transfer(lp.ID, a.Asset, req.To, new(uint256.Int).Sub(principal, fee)); err != nil {
			return err
		}
		r.ID = a.ID
		r.Amount = principal
		r.Fee = fee
		return nil
	})
}

type RepayAgreementRequest struct {
	LenderPool  uint32
	AgreementID uuid.UUID
	From        string
	Now         int64
}

// RepayAgreement returns the principal to the lender pool and frees both
// sides' encumbrances.
func (s *Service) RepayAgreement(req RepayAgreementRequest) (*Receipt, error) {
	collPool, err := s.collateralPoolOf(req.LenderPool, req.AgreementID, false)
	if err != nil {
		return nil, err
	}
	ids := []uint32{req.LenderPool, collPool}
	return s.inPools("repay_agreement", ids, func(pools map[uint32]*state.Pool, tx *fees.Tx, r *Receipt) error {
		lp, cp := pools[req.LenderPool], pools[collPool]
		a, err := activeAgreement(lp, req.AgreementID)
		if err != nil {
			return err
		}
		if err := settle(lp, a.Lender); err != nil {
			return err
		}
		if err := settle(cp, a.Borrower); err != nil {
			return err
		}
		if err := closeAgreement(lp, cp, a); err != nil {
			return err
		}
		tracked, err := fpmath.Add(&lp.TrackedBalance, &a.Principal)
		if err != nil {
			return err
		}
		if err := tx.Moves.Receive(a.Asset, req.From, &a.Principal); err != nil {
			return err
		}
		lp.TrackedBalance.Set(tracked)
		lp.TotalDebt.Sub(&lp.TotalDebt, &a.Principal)
		tx.Rec.Record(ledger.JournalTypeAgreementRepay, liquidity(lp), receivable(lp), a.Asset, &a.Principal)
		a.Status = state.AgreementRepaid

		if err := lp.SyncActiveCredit(a.Lender, req.Now); err != nil {
			return err
		}
		if err := cp.SyncActiveCredit(a.Borrower, req.Now); err != nil {
			return err
		}
		r.ID = a.ID
		r.Amount = copyAmount(&a.Principal)
		return nil
	})
}

type DefaultAgreementRequest struct {
	LenderPool  uint32
	AgreementID uuid.UUID
	Now         int64
}

// DefaultAgreement settles a matured, unpaid agreement: the collateral
// moves to the lender's principal in the collateral pool less a penalty
// routed there, and the lent principal is written off in the lender pool.
func (s *Service) DefaultAgreement(req DefaultAgreementRequest) (*Receipt, error) {
	collPool, err := s.collateralPoolOf(req.LenderPool, req.AgreementID, false)
	if err != nil {
		return nil, err
	}
	ids := []uint32{req.LenderPool, collPool}
	return s.inPools("default_agreement", ids, func(pools map[uint32]*state.Pool, tx *fees.Tx, r *Receipt) error {
		lp, cp := pools[req.LenderPool], pools[collPool]
		a, err := activeAgreement(lp, req.AgreementID)
		if err != nil {
			return err
		}
		if req.Now < a.Maturity {
			return fmt.Errorf("%w: %s matures at %d, now %d", ErrNotMatured, a.ID, a.Maturity, req.Now)
		}
		for _, step := range []struct {
			p   *state.Pool
			key position.Key
		}{{lp, a.Lender}, {cp, a.Borrower}, {cp, a.Lender}} {
			if err := settle(step.p, step.key); err != nil {
				return err
			}
		}
		if err := closeAgreement(lp, cp, a); err != nil {
			return err
		}

		// lender pool: the receivable is gone and so is the lender's claim
		if err := lp.SubPrincipal(a.Lender, &a.Principal); err != nil {
			return err
		}
		lp.TotalDebt.Sub(&lp.TotalDebt, &a.Principal)
		tx.Rec.Record(ledger.JournalTypeAgreementWriteOff, principalAcct(lp, a.Lender), receivable(lp), a.Asset, &a.Principal)

		// collateral pool: borrower principal moves to the lender
		seized := copyAmount(&a.Collateral)
		penalty, err := fpmath.ApplyBps(seized, cp.Config.PenaltyBps)
		if err != nil {
			return err
		}
		toLender := new(uint256.Int).Sub(seized, penalty)
		if err := cp.SubPrincipal(a.Borrower, seized); err != nil {
			return err
		}
		if !toLender.IsZero() {
			if err := cp.AddPrincipal(a.Lender, toLender); err != nil {
				return err
			}
		}
		tx.Rec.Record(ledger.JournalTypeCollateralSeize, principalAcct(cp, a.Borrower), principalAcct(cp, a.Lender), cp.Config.Underlying, toLender)
		if !penalty.IsZero() {
			collectFee(cp, tx, principalAcct(cp, a.Borrower), penalty)
			routed, err := s.router.RouteSamePool(cp, penalty, fees.SourceDefault, tx)
			if err != nil {
				return err
			}
			r.Fees = append(r.Fees, routed)
		}
		a.Status = state.AgreementDefaulted

		if err := lp.SyncActiveCredit(a.Lender, req.Now); err != nil {
			return err
		}
		if err := cp.SyncActiveCredit(a.Borrower, req.Now); err != nil {
			return err
		}
		if err := cp.SyncActiveCredit(a.Lender, req.Now); err != nil {
			return err
		}
		r.ID = a.ID
		r.Amount = seized
		r.Fee = penalty
		return nil
	})
}

func activeAgreement(lp *state.Pool, id uuid.UUID) (*state.Agreement, error) {
	a, ok := lp.MutableAgreement(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgreementNotFound, id)
	}
	if a.Status != state.AgreementActive {
		return nil, fmt.Errorf("%w: %s is %s", ErrAgreementClosed, id, a.Status)
	}
	return a, nil
}

// closeAgreement releases the lent and locked buckets and drops the
// borrower's direct debt line.
func closeAgreement(lp, cp *state.Pool, a *state.Agreement) error {
	if err := encumbrance.Decrease(lp, a.Lender, encumbrance.DirectLent, &a.Principal); err != nil {
		return err
	}
	if err := encumbrance.Decrease(cp, a.Borrower, encumbrance.DirectLocked, &a.Collateral); err != nil {
		return err
	}
	if a.Principal.Gt(&lp.TotalDebt) {
		panic(fmt.Sprintf("FATAL: pool %d total debt %s below agreement %s", lp.ID, lp.TotalDebt.Dec(), a.ID))
	}
	bpos := cp.Mutable(a.Borrower)
	delete(bpos.DirectDebts, a.ID)
	bpos.Version++
	return nil
}
