package product

import (
	"errors"
	"fmt"

	"EqualisLedger/internal/encumbrance"
	"EqualisLedger/internal/fees"
	"EqualisLedger/internal/ledger"
	fpmath "EqualisLedger/internal/math"
	"EqualisLedger/internal/position"
	"EqualisLedger/internal/solvency"
	"EqualisLedger/internal/state"

	"github.com/holiman/uint256"
)

var ErrNotLiquidatable = errors.New("product: position not liquidatable")

const (
	TriggerThreshold = "threshold"
	TriggerMaturity  = "maturity"
)

type LiquidateRequest struct {
	Pool uint32
	Key  position.Key
	Now  int64
}

// Liquidate repays a position's pool loans out of its unencumbered principal
// and charges a penalty on the repaid amount. It fires when same-asset debt
// exceeds the liquidation threshold, or when a fixed-term loan is past
// maturity; in the second case only matured loans are repaid.
func (s *Service) Liquidate(req LiquidateRequest) (*Receipt, error) {
	return s.inPool("liquidate", req.Pool, func(p *state.Pool, tx *fees.Tx, r *Receipt) error {
		if err := settle(p, req.Key); err != nil {
			return err
		}
		avail := encumbrance.Available(p, req.Key)
		// direct agreement debt is secured by its own locked collateral
		pos := p.Mutable(req.Key)
		debt := pos.ActiveDebt()
		matured := maturedDebt(pos, p.Config.Underlying, req.Now)

		target := debt
		switch {
		case solvency.Liquidatable(p.Config.LiquidationThresholdBps, avail, debt):
			r.Trigger = TriggerThreshold
		case !matured.IsZero():
			r.Trigger = TriggerMaturity
			target = matured
		default:
			return fmt.Errorf("%w: %s in pool %d", ErrNotLiquidatable, req.Key.Short(), p.ID)
		}

		repay := fpmath.Min(target, avail)
		if repay.IsZero() {
			return fmt.Errorf("%w: %s has no available principal", ErrNotLiquidatable, req.Key.Short())
		}
		penalty, err := fpmath.ApplyBps(repay, p.Config.PenaltyBps)
		if err != nil {
			return err
		}
		penalty = fpmath.Min(penalty, new(uint256.Int).Sub(avail, repay))

		reduceLoans(pos, p.Config.Underlying, repay, req.Now)
		pos.Version++
		if repay.Gt(&p.TotalDebt) {
			panic(fmt.Sprintf("FATAL: pool %d total debt %s below position debt %s", p.ID, p.TotalDebt.Dec(), repay.Dec()))
		}
		p.TotalDebt.Sub(&p.TotalDebt, repay)
		if err := p.SubPrincipal(req.Key, new(uint256.Int).Add(repay, penalty)); err != nil {
			return err
		}
		tx.Rec.Record(ledger.JournalTypeLiquidationRepay, principalAcct(p, req.Key), receivable(p), p.Config.Underlying, repay)
		if !penalty.IsZero() {
			tx.Rec.Record(ledger.JournalTypeLiquidationPenalty, principalAcct(p, req.Key),
				ledger.PoolAccount(p.ID, ledger.SubTypeFeeClearing), p.Config.Underlying, penalty)
			routed, err := s.router.RouteSamePool(p, penalty, fees.SourcePenalty, tx)
			if err != nil {
				return err
			}
			r.Fees = append(r.Fees, routed)
		}
		if err := p.SyncActiveCredit(req.Key, req.Now); err != nil {
			return err
		}
		if s.metrics != nil {
			s.metrics.Liquidations.WithLabelValues(fmt.Sprint(p.ID), r.Trigger).Inc()
		}
		s.logger.Info().
			Uint32("pool", p.ID).
			Str("position", req.Key.Short()).
			Str("trigger", r.Trigger).
			Str("repaid", repay.Dec()).
			Str("penalty", penalty.Dec()).
			Msg("position liquidated")
		r.Amount = repay
		r.Fee = penalty
		return nil
	})
}

func maturedDebt(pos *state.Position, underlying string, now int64) *uint256.Int {
	total := fpmath.Zero()
	for _, l := range pos.FixedLoans {
		if l.Asset == underlying && l.Maturity <= now {
			total.Add(total, &l.Principal)
		}
	}
	return total
}

// reduceLoans pays down matured fixed loans first, then the rolling line,
// then the remaining fixed loans, each group in id order.
func reduceLoans(pos *state.Position, underlying string, amount *uint256.Int, now int64) {
	left := new(uint256.Int).Set(amount)
	take := func(bal *uint256.Int) {
		n := fpmath.Min(bal, left)
		bal.Sub(bal, n)
		left.Sub(left, n)
	}
	ids := pos.FixedLoanIDs()
	for _, id := range ids {
		if l := pos.FixedLoans[id]; l.Asset == underlying && l.Maturity <= now {
			take(&l.Principal)
		}
	}
	take(&pos.RollingLoan)
	for _, id := range ids {
		if l := pos.FixedLoans[id]; l.Asset == underlying {
			take(&l.Principal)
		}
	}
	for _, id := range ids {
		if pos.FixedLoans[id].Principal.IsZero() {
			delete(pos.FixedLoans, id)
		}
	}
	if !left.IsZero() {
		panic(fmt.Sprintf("FATAL: position %s debt below liquidation repay, %s left", pos.Key.Short(), left.Dec()))
	}
}
