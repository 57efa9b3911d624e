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
	"EqualisLedger/internal/solvency"
	"EqualisLedger/internal/state"

	"github.com/holiman/uint256"
)

var ErrNoOracle = errors.New("product: no price oracle configured")

type LockCollateralRequest struct {
	Pool   uint32
	Key    position.Key
	Caller string
	Amount *uint256.Int
	// Requirement, when set, is the margin the lock must cover, priced in
	// RequirementAsset through the oracle.
	Requirement      *uint256.Int
	RequirementAsset string
	Now              int64
}

// LockCollateral encumbers principal as margin for an external product.
func (s *Service) LockCollateral(req LockCollateralRequest) (*Receipt, error) {
	if err := errs.RequireNonZero("amount", req.Amount); err != nil {
		return nil, err
	}
	if err := s.authorize(req.Key, req.Caller); err != nil {
		return nil, err
	}
	return s.inPool("lock_collateral", req.Pool, func(p *state.Pool, tx *fees.Tx, r *Receipt) error {
		if req.Requirement != nil && !req.Requirement.IsZero() {
			if err := s.coversRequirement(p, req); err != nil {
				return err
			}
		}
		if err := settle(p, req.Key); err != nil {
			return err
		}
		if err := reserve(p, req.Key, encumbrance.DirectLocked, req.Amount); err != nil {
			return err
		}
		r.Amount = copyAmount(req.Amount)
		return p.SyncActiveCredit(req.Key, req.Now)
	})
}

func (s *Service) coversRequirement(p *state.Pool, req LockCollateralRequest) error {
	if s.oracle == nil {
		return ErrNoOracle
	}
	have, err := solvency.ValueIn(s.oracle, p.Config.Underlying, req.Amount)
	if err != nil {
		return err
	}
	need, err := solvency.ValueIn(s.oracle, req.RequirementAsset, req.Requirement)
	if err != nil {
		return err
	}
	if have.Lt(need) {
		return errs.Invalid("amount", have.Dec(), fmt.Sprintf(">= requirement value %s", need.Dec()))
	}
	return nil
}

type ReleaseCollateralRequest struct {
	Pool   uint32
	Key    position.Key
	Amount *uint256.Int
	Now    int64
}

// ReleaseCollateral frees locked margin.
func (s *Service) ReleaseCollateral(req ReleaseCollateralRequest) (*Receipt, error) {
	if err := errs.RequireNonZero("amount", req.Amount); err != nil {
		return nil, err
	}
	return s.inPool("release_collateral", req.Pool, func(p *state.Pool, tx *fees.Tx, r *Receipt) error {
		if err := settle(p, req.Key); err != nil {
			return err
		}
		if err := encumbrance.Decrease(p, req.Key, encumbrance.DirectLocked, req.Amount); err != nil {
			return err
		}
		r.Amount = copyAmount(req.Amount)
		return p.SyncActiveCredit(req.Key, req.Now)
	})
}

type SettleLossRequest struct {
	Pool uint32
	Key  position.Key
	To   string // counterparty receiving the loss
	Loss *uint256.Int
	Fee  *uint256.Int
	Now  int64
}

// SettleLoss realises a loss out of locked collateral. The loss leaves the
// pool to To; the fee stays in the pool and is routed.
func (s *Service) SettleLoss(req SettleLossRequest) (*Receipt, error) {
	loss, fee := req.Loss, req.Fee
	if loss == nil {
		loss = fpmath.Zero()
	}
	if fee == nil {
		fee = fpmath.Zero()
	}
	total, err := fpmath.Add(loss, fee)
	if err != nil {
		return nil, err
	}
	if err := errs.RequireNonZero("loss+fee", total); err != nil {
		return nil, err
	}
	return s.inPool("settle_loss", req.Pool, func(p *state.Pool, tx *fees.Tx, r *Receipt) error {
		if err := settle(p, req.Key); err != nil {
			return err
		}
		if err := encumbrance.Decrease(p, req.Key, encumbrance.DirectLocked, total); err != nil {
			return err
		}
		if err := requireLiquidity(p, loss); err != nil {
			return err
		}
		if err := p.SubPrincipal(req.Key, total); err != nil {
			return err
		}
		if !loss.IsZero() {
			if err := tx.Moves.Transfer(p.ID, p.Config.Underlying, req.To, loss); err != nil {
				return err
			}
			p.TrackedBalance.Sub(&p.TrackedBalance, loss)
			tx.Rec.Record(ledger.JournalTypeCollateralLoss, principalAcct(p, req.Key), liquidity(p), p.Config.Underlying, loss)
		}
		if !fee.IsZero() {
			collectFee(p, tx, principalAcct(p, req.Key), fee)
			routed, err := s.router.RouteSamePool(p, fee, fees.SourceSettlement, tx)
			if err != nil {
				return err
			}
			r.Fees = append(r.Fees, routed)
		}
		r.Amount = copyAmount(loss)
		r.Fee = copyAmount(fee)
		return p.SyncActiveCredit(req.Key, req.Now)
	})
}
