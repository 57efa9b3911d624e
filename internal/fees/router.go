package fees

import (
	"fmt"

	"EqualisLedger/internal/custody"
	"EqualisLedger/internal/errs"
	"EqualisLedger/internal/ledger"
	fpmath "EqualisLedger/internal/math"
	"EqualisLedger/internal/observability"
	"EqualisLedger/internal/state"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// Source names what produced a fee. It labels metrics and logs.
type Source string

const (
	SourceBorrow      Source = "borrow_fee"
	SourceAgreement   Source = "agreement_fee"
	SourcePenalty     Source = "liquidation_penalty"
	SourceDefault     Source = "default_penalty"
	SourceProduct     Source = "product_fee"
	SourceSettlement  Source = "settlement_fee"
	SourceManagedPool Source = "managed_pool"
)

// Tx carries the journal recorder and queued custody movements of one
// ledger operation.
type Tx struct {
	Rec   *ledger.Recorder
	Moves *custody.Movements
}

func NewTx(c custody.Custody) *Tx {
	return &Tx{Rec: ledger.NewRecorder(), Moves: custody.NewMovements(c)}
}

// Routed reports where a fee went after fallbacks.
type Routed struct {
	Planned        Split
	ToTreasury     *uint256.Int
	ToActiveCredit *uint256.Int
	ToFeeIndex     *uint256.Int
	ToManager      *uint256.Int
}

// Router applies fee splits to a pool. The fee must already sit in the
// pool's tracked balance and in its fee clearing account.
type Router struct {
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewRouter(metrics *observability.Metrics) *Router {
	return &Router{
		metrics: metrics,
		logger:  observability.NewLogger("fee-router"),
	}
}

// plan resolves fallbacks before anything is touched: the active credit
// share goes to the fee index when nobody holds active credit, and the fee
// index share goes to the treasury when the pool has no depositors.
func (r *Router) plan(p *state.Pool, amount *uint256.Int, split state.FeeSplit) (Routed, error) {
	s, err := PreviewSplit(amount, split)
	if err != nil {
		return Routed{}, err
	}
	out := Routed{
		Planned:        s,
		ToTreasury:     new(uint256.Int).Set(s.Treasury),
		ToActiveCredit: new(uint256.Int).Set(s.ActiveCredit),
		ToFeeIndex:     new(uint256.Int).Set(s.FeeIndex),
		ToManager:      fpmath.Zero(),
	}
	if !out.ToActiveCredit.IsZero() && p.ActiveCreditPrincipalTotal.IsZero() {
		r.fallback(p, "active_credit", "fee_index")
		out.ToFeeIndex.Add(out.ToFeeIndex, out.ToActiveCredit)
		out.ToActiveCredit.Clear()
	}
	if !out.ToFeeIndex.IsZero() && p.TotalDeposits.IsZero() {
		r.fallback(p, "fee_index", "treasury")
		out.ToTreasury.Add(out.ToTreasury, out.ToFeeIndex)
		out.ToFeeIndex.Clear()
	}
	return out, nil
}

func (r *Router) fallback(p *state.Pool, from, to string) {
	if r.metrics != nil {
		r.metrics.FeeFallbacks.WithLabelValues(fmt.Sprint(p.ID), from, to).Inc()
	}
}

// checkTreasury verifies both the tracked balance and custody can cover
// the outbound treasury share.
func (r *Router) checkTreasury(p *state.Pool, out Routed, tx *Tx) error {
	if out.ToTreasury.IsZero() {
		return nil
	}
	if out.ToTreasury.Gt(&p.TrackedBalance) {
		return errs.Insufficient(errs.ResourceTrackedBalance, p.ID, out.ToTreasury, &p.TrackedBalance)
	}
	if avail := tx.Moves.Available(p.Config.Underlying); out.ToTreasury.Gt(avail) {
		return errs.Insufficient(errs.ResourceCustodyBalance, p.ID, out.ToTreasury, avail)
	}
	return nil
}

func (r *Router) payTreasury(p *state.Pool, out Routed, tx *Tx) error {
	t := out.ToTreasury
	if t.IsZero() {
		return nil
	}
	if err := tx.Moves.Transfer(p.ID, p.Config.Underlying, p.Config.Treasury, t); err != nil {
		return err
	}
	p.TrackedBalance.Sub(&p.TrackedBalance, t)
	p.TreasuryPaid.Add(&p.TreasuryPaid, t)
	tx.Rec.Record(ledger.JournalTypeFeeTreasury,
		ledger.PoolAccount(p.ID, ledger.SubTypeFeeClearing),
		ledger.PoolAccount(p.ID, ledger.SubTypeLiquidity),
		p.Config.Underlying, t)
	return nil
}

func (r *Router) accrueIndices(p *state.Pool, out Routed, tx *Tx) error {
	if fb, err := p.AccrueActiveCredit(out.ToActiveCredit); err != nil {
		return err
	} else if !fb.IsZero() {
		panic(fmt.Sprintf("FATAL: pool %d active credit fallback after planning: %s", p.ID, fb.Dec()))
	}
	if fb, err := p.AccrueFeeIndex(out.ToFeeIndex); err != nil {
		return err
	} else if !fb.IsZero() {
		panic(fmt.Sprintf("FATAL: pool %d fee index fallback after planning: %s", p.ID, fb.Dec()))
	}
	toReserve := new(uint256.Int).Add(out.ToActiveCredit, out.ToFeeIndex)
	reserve, err := fpmath.Add(&p.YieldReserve, toReserve)
	if err != nil {
		return fmt.Errorf("yield reserve: %w", err)
	}
	p.YieldReserve.Set(reserve)
	tx.Rec.Record(ledger.JournalTypeFeeYield,
		ledger.PoolAccount(p.ID, ledger.SubTypeFeeClearing),
		ledger.PoolAccount(p.ID, ledger.SubTypeYieldReserve),
		p.Config.Underlying, toReserve)
	return nil
}

func (r *Router) observe(p *state.Pool, source Source, out Routed) {
	if r.metrics != nil {
		pool := fmt.Sprint(p.ID)
		for dest, amt := range map[string]*uint256.Int{
			"treasury":      out.ToTreasury,
			"active_credit": out.ToActiveCredit,
			"fee_index":     out.ToFeeIndex,
			"manager":       out.ToManager,
		} {
			if !amt.IsZero() {
				r.metrics.FeeRouted.WithLabelValues(pool, string(source), dest).
					Add(fpmath.ToDecimal(amt, p.Config.Decimals).InexactFloat64())
			}
		}
	}
	r.logger.Debug().
		Uint32("pool", p.ID).
		Str("source", string(source)).
		Str("treasury", out.ToTreasury.Dec()).
		Str("active_credit", out.ToActiveCredit.Dec()).
		Str("fee_index", out.ToFeeIndex.Dec()).
		Str("manager", out.ToManager.Dec()).
		Msg("fee routed")
}

// AccrueWithTreasury routes an externally collected fee: the treasury
// share is queued out first, then both indices accrue and the yield
// reserve grows by their shares.
func (r *Router) AccrueWithTreasury(p *state.Pool, amount *uint256.Int, source Source, tx *Tx) (Routed, error) {
	out, err := r.plan(p, amount, p.Config.FeeSplit)
	if err != nil {
		return Routed{}, err
	}
	if err := r.checkTreasury(p, out, tx); err != nil {
		return Routed{}, err
	}
	if err := r.payTreasury(p, out, tx); err != nil {
		return Routed{}, err
	}
	if err := r.accrueIndices(p, out, tx); err != nil {
		return Routed{}, err
	}
	r.observe(p, source, out)
	return out, nil
}

// RouteSamePool routes a fee generated inside the pool (borrow fee,
// penalty) with the pool's split. Index accrual precedes the treasury
// transfer.
func (r *Router) RouteSamePool(p *state.Pool, amount *uint256.Int, source Source, tx *Tx) (Routed, error) {
	return r.RouteWithSplit(p, amount, p.Config.FeeSplit, source, tx)
}

// RouteWithSplit is RouteSamePool with an explicit split, used for
// agreements that keep the split they were created under.
func (r *Router) RouteWithSplit(p *state.Pool, amount *uint256.Int, split state.FeeSplit, source Source, tx *Tx) (Routed, error) {
	out, err := r.plan(p, amount, split)
	if err != nil {
		return Routed{}, err
	}
	if err := r.checkTreasury(p, out, tx); err != nil {
		return Routed{}, err
	}
	if err := r.accrueIndices(p, out, tx); err != nil {
		return Routed{}, err
	}
	if err := r.payTreasury(p, out, tx); err != nil {
		return Routed{}, err
	}
	r.observe(p, source, out)
	return out, nil
}

// RouteManagedShare credits the manager position with ManagerShareBps of
// amount as principal and routes the rest same-pool. Unmanaged pools route
// the whole amount same-pool.
func (r *Router) RouteManagedShare(p *state.Pool, amount *uint256.Int, source Source, tx *Tx, now int64) (Routed, error) {
	if !p.Config.Managed() {
		return r.RouteSamePool(p, amount, source, tx)
	}
	share, err := fpmath.ApplyBps(amount, p.Config.ManagerShareBps)
	if err != nil {
		return Routed{}, err
	}
	rest := new(uint256.Int).Sub(amount, share)

	manager := p.Config.Manager
	if !share.IsZero() {
		if _, err := p.SettlePosition(manager); err != nil {
			return Routed{}, fmt.Errorf("settle manager: %w", err)
		}
		if err := p.AddPrincipal(manager, share); err != nil {
			return Routed{}, fmt.Errorf("manager share: %w", err)
		}
		if err := p.SyncActiveCredit(manager, now); err != nil {
			return Routed{}, err
		}
		tx.Rec.Record(ledger.JournalTypeFeeManager,
			ledger.PoolAccount(p.ID, ledger.SubTypeFeeClearing),
			ledger.PositionAccount(manager, p.ID),
			p.Config.Underlying, share)
	}

	out := Routed{
		Planned:        Split{Treasury: fpmath.Zero(), ActiveCredit: fpmath.Zero(), FeeIndex: fpmath.Zero()},
		ToTreasury:     fpmath.Zero(),
		ToActiveCredit: fpmath.Zero(),
		ToFeeIndex:     fpmath.Zero(),
	}
	if !rest.IsZero() {
		out, err = r.RouteSamePool(p, rest, source, tx)
		if err != nil {
			return Routed{}, err
		}
	}
	out.ToManager = share
	return out, nil
}
