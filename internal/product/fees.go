package product

import (
	"fmt"

	"EqualisLedger/internal/errs"
	"EqualisLedger/internal/fees"
	fpmath "EqualisLedger/internal/math"
	"EqualisLedger/internal/state"

	"github.com/holiman/uint256"
)

type CollectFeeRequest struct {
	Pool   uint32
	From   string
	Amount *uint256.Int
	Source fees.Source
	Now    int64
}

// CollectFee takes a fee earned by an outside product into custody and
// routes it. Managed pools pay the manager share first.
func (s *Service) CollectFee(req CollectFeeRequest) (*Receipt, error) {
	if err := errs.RequireNonZero("amount", req.Amount); err != nil {
		return nil, err
	}
	source := req.Source
	if source == "" {
		source = fees.SourceProduct
	}
	return s.inPool("collect_fee", req.Pool, func(p *state.Pool, tx *fees.Tx, r *Receipt) error {
		tracked, err := fpmath.Add(&p.TrackedBalance, req.Amount)
		if err != nil {
			return fmt.Errorf("tracked balance: %w", err)
		}
		if err := tx.Moves.Receive(p.Config.Underlying, req.From, req.Amount); err != nil {
			return err
		}
		p.TrackedBalance.Set(tracked)
		collectFee(p, tx, liquidity(p), req.Amount)

		var routed fees.Routed
		if p.Config.Managed() {
			routed, err = s.router.RouteManagedShare(p, req.Amount, source, tx, req.Now)
		} else {
			routed, err = s.router.AccrueWithTreasury(p, req.Amount, source, tx)
		}
		if err != nil {
			return err
		}
		r.Fees = append(r.Fees, routed)
		r.Amount = copyAmount(req.Amount)
		return nil
	})
}

// PreviewSplit shows how the pool would split amount today, before any
// fallback.
func (s *Service) PreviewSplit(poolID uint32, amount *uint256.Int) (fees.Split, error) {
	var out fees.Split
	err := s.store.View(poolID, func(p *state.Pool) error {
		var err error
		out, err = fees.PreviewSplit(amount, p.Config.FeeSplit)
		return err
	})
	return out, err
}
