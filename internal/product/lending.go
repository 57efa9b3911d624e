package product

import (
	"fmt"

	"EqualisLedger/internal/encumbrance"
	"EqualisLedger/internal/errs"
	"EqualisLedger/internal/fees"
	"EqualisLedger/internal/ledger"
	fpmath "EqualisLedger/internal/math"
	"EqualisLedger/internal/position"
	"EqualisLedger/internal/state"

	"github.com/holiman/uint256"
)

type DepositRequest struct {
	Pool   uint32
	Key    position.Key
	Caller string
	From   string // custody counterparty paying in
	Amount *uint256.Int
}

// Deposit credits principal and takes the tokens into custody.
func (s *Service) Deposit(req DepositRequest) (*Receipt, error) {
	if err := errs.RequireNonZero("amount", req.Amount); err != nil {
		return nil, err
	}
	if err := s.authorize(req.Key, req.Caller); err != nil {
		return nil, err
	}
	return s.inPool("deposit", req.Pool, func(p *state.Pool, tx *fees.Tx, r *Receipt) error {
		if req.Amount.Lt(&p.Config.MinDeposit) {
			return errs.Invalid("amount", req.Amount.Dec(), fmt.Sprintf(">= min deposit %s", p.Config.MinDeposit.Dec()))
		}
		if err := settle(p, req.Key); err != nil {
			return err
		}
		if err := tx.Moves.Receive(p.Config.Underlying, req.From, req.Amount); err != nil {
			return err
		}
		if err := p.AddPrincipal(req.Key, req.Amount); err != nil {
			return err
		}
		tracked, err := fpmath.Add(&p.TrackedBalance, req.Amount)
		if err != nil {
			return err
		}
		p.TrackedBalance.Set(tracked)
		tx.Rec.Record(ledger.JournalTypeDeposit, liquidity(p), principalAcct(p, req.Key), p.Config.Underlying, req.Amount)
		r.Amount = copyAmount(req.Amount)
		return nil
	})
}

type WithdrawRequest struct {
	Pool   uint32
	Key    position.Key
	Caller string
	To     string
	Amount *uint256.Int
	Now    int64
}

// Withdraw pays out unencumbered principal. The position must stay within
// its LTV afterwards.
func (s *Service) Withdraw(req WithdrawRequest) (*Receipt, error) {
	if err := errs.RequireNonZero("amount", req.Amount); err != nil {
		return nil, err
	}
	if err := s.authorize(req.Key, req.Caller); err != nil {
		return nil, err
	}
	return s.inPool("withdraw", req.Pool, func(p *state.Pool, tx *fees.Tx, r *Receipt) error {
		if err := settle(p, req.Key); err != nil {
			return err
		}
		avail := encumbrance.Available(p, req.Key)
		if req.Amount.Gt(avail) {
			return errs.Insufficient(errs.ResourcePrincipal, p.ID, req.Amount, avail)
		}
		if err := requireLiquidity(p, req.Amount); err != nil {
			return err
		}
		if err := p.SubPrincipal(req.Key, req.Amount); err != nil {
			return err
		}
		if err := requireHealthy(p, req.Key, nil); err != nil {
			return err
		}
		if err := tx.Moves.Transfer(p.ID, p.Config.Underlying, req.To, req.Amount); err != nil {
			return err
		}
		p.TrackedBalance.Sub(&p.TrackedBalance, req.Amount)
		tx.Rec.Record(ledger.JournalTypeWithdrawal, principalAcct(p, req.Key), liquidity(p), p.Config.Underlying, req.Amount)
		r.Amount = copyAmount(req.Amount)
		return nil
	})
}

type BorrowRequest struct {
	Pool   uint32
	Key    position.Key
	Caller string
	To     string
	Amount *uint256.Int
	Term   int64 // micros; zero borrows on the rolling line
	Now    int64
}

// Borrow lends pool liquidity against the position's own principal. Accrued
// yield is rolled into principal first when the reserve covers it. The
// borrow fee is withheld from the payout and routed inside the pool.
func (s *Service) Borrow(req BorrowRequest) (*Receipt, error) {
	if err := errs.RequireNonZero("amount", req.Amount); err != nil {
		return nil, err
	}
	if req.Term < 0 {
		return nil, errs.Invalid("term", req.Term, ">= 0")
	}
	if err := s.authorize(req.Key, req.Caller); err != nil {
		return nil, err
	}
	return s.inPool("borrow", req.Pool, func(p *state.Pool, tx *fees.Tx, r *Receipt) error {
		if err := settle(p, req.Key); err != nil {
			return err
		}
		rolled, err := p.AutoRollYield(req.Key)
		if err != nil {
			return err
		}
		if !rolled.IsZero() {
			tx.Rec.Record(ledger.JournalTypeYieldRoll,
				ledger.PoolAccount(p.ID, ledger.SubTypeYieldReserve), principalAcct(p, req.Key),
				p.Config.Underlying, rolled)
			if s.metrics != nil {
				s.metrics.YieldRolled.WithLabelValues(fmt.Sprint(p.ID)).Inc()
			}
		}
		if err := requireHealthy(p, req.Key, req.Amount); err != nil {
			return err
		}
		if err := requireLiquidity(p, req.Amount); err != nil {
			return err
		}
		fee, err := fpmath.ApplyBps(req.Amount, p.Config.BorrowFeeBps)
		if err != nil {
			return err
		}
		debt, err := fpmath.Add(&p.TotalDebt, req.Amount)
		if err != nil {
			return err
		}

		pos := p.Mutable(req.Key)
		if req.Term == 0 {
			pos.RollingLoan.Add(&pos.RollingLoan, req.Amount)
		} else {
			loan := &state.FixedLoan{ID: p.NextLoanID, Asset: p.Config.Underlying, Maturity: req.Now + req.Term}
			loan.Principal.Set(req.Amount)
			pos.FixedLoans[loan.ID] = loan
			p.NextLoanID++
			r.LoanID = loan.ID
		}
		pos.Version++
		p.TotalDebt.Set(debt)
		p.TrackedBalance.Sub(&p.TrackedBalance, req.Amount)
		tx.Rec.Record(ledger.JournalTypeBorrow, receivable(p), liquidity(p), p.Config.Underlying, req.Amount)

		if !fee.IsZero() {
			p.TrackedBalance.Add(&p.TrackedBalance, fee)
			collectFee(p, tx, liquidity(p), fee)
			routed, err := s.router.RouteSamePool(p, fee, fees.SourceBorrow, tx)
			if err != nil {
				return err
			}
			r.Fees = append(r.Fees, routed)
		}
		if err := p.SyncActiveCredit(req.Key, req.Now); err != nil {
			return err
		}
		if err := tx.Moves.Transfer(p.ID, p.Config.Underlying, req.To, new(uint256.Int).Sub(req.Amount, fee)); err != nil {
			return err
		}
		r.Amount = copyAmount(req.Amount)
		r.Fee = fee
		return nil
	})
}

type RepayRequest struct {
	Pool   uint32
	Key    position.Key
	From   string
	Amount *uint256.Int
	LoanID uint64 // zero repays the rolling line
	Now    int64
}

// Repay reduces one loan. Anyone may repay on a position's behalf.
func (s *Service) Repay(req RepayRequest) (*Receipt, error) {
	if err := errs.RequireNonZero("amount", req.Amount); err != nil {
		return nil, err
	}
	return s.inPool("repay", req.Pool, func(p *state.Pool, tx *fees.Tx, r *Receipt) error {
		if err := settle(p, req.Key); err != nil {
			return err
		}
		pos := p.Mutable(req.Key)
		var outstanding *uint256.Int
		if req.LoanID == 0 {
			outstanding = &pos.RollingLoan
		} else {
			loan, ok := pos.FixedLoans[req.LoanID]
			if !ok {
				return errs.Invalid("loan_id", req.LoanID, "an open fixed-term loan")
			}
			outstanding = &loan.Principal
		}
		if req.Amount.Gt(outstanding) {
			return errs.Insufficient(errs.ResourceDebt, p.ID, req.Amount, outstanding)
		}
		if req.Amount.Gt(&p.TotalDebt) {
			panic(fmt.Sprintf("FATAL: pool %d total debt %s below a position's loan %s", p.ID, p.TotalDebt.Dec(), outstanding.Dec()))
		}
		tracked, err := fpmath.Add(&p.TrackedBalance, req.Amount)
		if err != nil {
			return err
		}
		if err := tx.Moves.Receive(p.Config.Underlying, req.From, req.Amount); err != nil {
			return err
		}
		outstanding.Sub(outstanding, req.Amount)
		if req.LoanID != 0 && outstanding.IsZero() {
			delete(pos.FixedLoans, req.LoanID)
		}
		pos.Version++
		p.TotalDebt.Sub(&p.TotalDebt, req.Amount)
		p.TrackedBalance.Set(tracked)
		tx.Rec.Record(ledger.JournalTypeRepay, liquidity(p), receivable(p), p.Config.Underlying, req.Amount)
		if err := p.SyncActiveCredit(req.Key, req.Now); err != nil {
			return err
		}
		r.Amount = copyAmount(req.Amount)
		r.LoanID = req.LoanID
		return nil
	})
}

type ClaimYieldRequest struct {
	Pool   uint32
	Key    position.Key
	Caller string
	To     string
}

// ClaimYield pays out everything the position has accrued.
func (s *Service) ClaimYield(req ClaimYieldRequest) (*Receipt, error) {
	if err := s.authorize(req.Key, req.Caller); err != nil {
		return nil, err
	}
	return s.inPool("claim_yield", req.Pool, func(p *state.Pool, tx *fees.Tx, r *Receipt) error {
		if err := settle(p, req.Key); err != nil {
			return err
		}
		pos := p.Mutable(req.Key)
		y := copyAmount(&pos.AccruedYield)
		if err := errs.RequireNonZero("accrued_yield", y); err != nil {
			return err
		}
		if y.Gt(&p.YieldReserve) {
			return errs.Insufficient(errs.ResourceYieldReserve, p.ID, y, &p.YieldReserve)
		}
		if err := requireLiquidity(p, y); err != nil {
			return err
		}
		if err := tx.Moves.Transfer(p.ID, p.Config.Underlying, req.To, y); err != nil {
			return err
		}
		pos.AccruedYield.Clear()
		pos.Version++
		p.YieldReserve.Sub(&p.YieldReserve, y)
		p.TrackedBalance.Sub(&p.TrackedBalance, y)
		tx.Rec.Record(ledger.JournalTypeYieldClaim,
			ledger.PoolAccount(p.ID, ledger.SubTypeYieldReserve), liquidity(p),
			p.Config.Underlying, y)
		r.Amount = y
		return nil
	})
}
