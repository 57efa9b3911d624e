package query

import (
	"errors"
	"fmt"
	"time"

	"EqualisLedger/internal/encumbrance"
	"EqualisLedger/internal/index"
	fpmath "EqualisLedger/internal/math"
	"EqualisLedger/internal/observability"
	"EqualisLedger/internal/position"
	"EqualisLedger/internal/product"
	"EqualisLedger/internal/solvency"
	"EqualisLedger/internal/state"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

var ErrPositionNotFound = errors.New("query: position not found")

// LiveReader answers pool and position queries from the in-memory store.
// Every read takes the pool lock through Store.View and works on settled
// clones, so it never advances an index or touches undo state.
type LiveReader struct {
	svc     *product.Service
	asOf    func() int64
	metrics *observability.Metrics
}

// NewLiveReader builds a reader. asOf reports the last sequence the core
// has processed; metrics may be nil.
func NewLiveReader(svc *product.Service, asOf func() int64, metrics *observability.Metrics) *LiveReader {
	if asOf == nil {
		asOf = func() int64 { return -1 }
	}
	return &LiveReader{svc: svc, asOf: asOf, metrics: metrics}
}

// positionBook serves a single cloned position as a solvency.DebtBook.
type positionBook struct {
	pos        *state.Position
	underlying string
}

func (b positionBook) Debts(position.Key) []solvency.Debt {
	return b.pos.Debts(b.underlying)
}

func (r *LiveReader) observe(endpoint string, start time.Time, err error) {
	if r.metrics == nil {
		return
	}
	r.metrics.QueryRequests.WithLabelValues(endpoint).Inc()
	r.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		r.metrics.QueryErrors.WithLabelValues(endpoint, errorCode(err)).Inc()
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, state.ErrPoolNotFound):
		return "pool_not_found"
	case errors.Is(err, ErrPositionNotFound):
		return "position_not_found"
	default:
		return "internal"
	}
}

// Pools lists every pool id.
func (r *LiveReader) Pools() []uint32 {
	return r.svc.Store().PoolIDs()
}

// GetPool returns the pool totals and configuration.
func (r *LiveReader) GetPool(poolID uint32) (resp *PoolResponse, err error) {
	start := time.Now()
	defer func() { r.observe("get_pool", start, err) }()

	asOf := r.asOf()
	err = r.svc.Store().View(poolID, func(p *state.Pool) error {
		dec := p.Config.Decimals
		resp = &PoolResponse{
			PoolID:                  p.ID,
			Underlying:              p.Config.Underlying,
			Paused:                  p.Paused,
			Managed:                 p.Config.Managed(),
			TotalDeposits:           newAmount(&p.TotalDeposits, dec),
			TrackedBalance:          newAmount(&p.TrackedBalance, dec),
			TotalDebt:               newAmount(&p.TotalDebt, dec),
			YieldReserve:            newAmount(&p.YieldReserve, dec),
			TreasuryPaid:            newAmount(&p.TreasuryPaid, dec),
			ActiveCreditPrincipal:   newAmount(&p.ActiveCreditPrincipalTotal, dec),
			FeeIndex:                fpmath.WadToDecimal(&p.FeeIndex.Index),
			ActiveCreditIndex:       fpmath.WadToDecimal(&p.ActiveCredit.Index),
			Utilization:             utilization(&p.TotalDebt, &p.TotalDeposits),
			DepositorLTVBps:         p.Config.DepositorLTVBps,
			LiquidationThresholdBps: p.Config.LiquidationThresholdBps,
			Positions:               len(p.Keys()),
			OpenOffers:              len(p.OfferIDs()),
			Agreements:              len(p.AgreementIDs()),
			AsOfSequence:            asOf,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func utilization(debt, deposits *uint256.Int) decimal.Decimal {
	if deposits.IsZero() {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(debt.ToBig(), 0).
		DivRound(decimal.NewFromBigInt(deposits.ToBig(), 0), 8)
}

// GetPosition returns the position settled to the pool's current indices.
func (r *LiveReader) GetPosition(poolID uint32, key position.Key) (resp *PositionResponse, err error) {
	start := time.Now()
	defer func() { r.observe("get_position", start, err) }()

	asOf := r.asOf()
	err = r.svc.Store().View(poolID, func(p *state.Pool) error {
		pos, err := p.PreviewPosition(key)
		if err != nil {
			return err
		}
		if pos == nil {
			return fmt.Errorf("%w: pool %d key %s", ErrPositionNotFound, poolID, key.Short())
		}
		resp, err = positionView(p, pos)
		if err != nil {
			return err
		}
		resp.AsOfSequence = asOf
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func positionView(p *state.Pool, pos *state.Position) (*PositionResponse, error) {
	dec := p.Config.Decimals
	underlying := p.Config.Underlying
	book := positionBook{pos: pos, underlying: underlying}

	total, err := solvency.TotalDebt(book, pos.Key)
	if err != nil {
		return nil, err
	}
	sameAsset, err := solvency.SameAssetDebt(book, pos.Key, underlying)
	if err != nil {
		return nil, err
	}

	encumbered := pos.Encumbrance.Total()
	available := fpmath.SaturatingSub(&pos.Principal, encumbered)

	buckets := make(map[string]Amount, len(encumbrance.Buckets))
	for _, b := range encumbrance.Buckets {
		buckets[b.String()] = newAmount(pos.Encumbrance.Get(b), dec)
	}

	loans := make([]LoanView, 0, len(pos.FixedLoans))
	for _, id := range pos.FixedLoanIDs() {
		l := pos.FixedLoans[id]
		loans = append(loans, LoanView{ID: l.ID, Asset: l.Asset, Amount: newAmount(&l.Principal, dec), Maturity: l.Maturity})
	}

	return &PositionResponse{
		PoolID:        p.ID,
		Key:           pos.Key.String(),
		Principal:     newAmount(&pos.Principal, dec),
		AccruedYield:  newAmount(&pos.AccruedYield, dec),
		Encumbrance:   buckets,
		Encumbered:    newAmount(encumbered, dec),
		Available:     newAmount(available, dec),
		RollingLoan:   newAmount(&pos.RollingLoan, dec),
		FixedLoans:    loans,
		TotalDebt:     newAmount(total, dec),
		SameAssetDebt: newAmount(sameAsset, dec),
		NetEquity:     newAmount(solvency.NetEquity(&pos.Principal, sameAsset), dec),
		Solvent:       solvency.CheckSolvency(p.Config.DepositorLTVBps, available, sameAsset),
		Liquidatable:  solvency.Liquidatable(p.Config.LiquidationThresholdBps, &pos.Principal, sameAsset),
		ActiveCredit: map[string]CreditView{
			index.CreditDebt.String():        creditView(&pos.DebtCredit, dec),
			index.CreditEncumbrance.String(): creditView(&pos.EncumbranceCredit, dec),
		},
		Version: pos.Version,
	}, nil
}

func creditView(cs *index.CreditState, dec int32) CreditView {
	return CreditView{Principal: newAmount(&cs.Principal, dec), Since: cs.StartTime}
}

// PreviewSplit shows how a fee of amount would be divided by the pool.
func (r *LiveReader) PreviewSplit(poolID uint32, amount *uint256.Int) (resp *SplitResponse, err error) {
	start := time.Now()
	defer func() { r.observe("preview_split", start, err) }()

	split, err := r.svc.PreviewSplit(poolID, amount)
	if err != nil {
		return nil, err
	}
	var dec int32
	_ = r.svc.Store().View(poolID, func(p *state.Pool) error {
		dec = p.Config.Decimals
		return nil
	})
	return &SplitResponse{
		PoolID:       poolID,
		Amount:       newAmount(amount, dec),
		Treasury:     newAmount(split.Treasury, dec),
		ActiveCredit: newAmount(split.ActiveCredit, dec),
		FeeIndex:     newAmount(split.FeeIndex, dec),
	}, nil
}

// CheckSolvency evaluates the borrow gate for an additional same-asset debt
// of extra against the position's unencumbered principal. An unknown
// position has zero principal.
func (r *LiveReader) CheckSolvency(poolID uint32, key position.Key, extra *uint256.Int) (resp *SolvencyResponse, err error) {
	start := time.Now()
	defer func() { r.observe("check_solvency", start, err) }()

	if extra == nil {
		extra = fpmath.Zero()
	}
	asOf := r.asOf()
	err = r.svc.Store().View(poolID, func(p *state.Pool) error {
		principal := fpmath.Zero()
		debt := fpmath.Zero()

		pos, err := p.PreviewPosition(key)
		if err != nil {
			return err
		}
		if pos != nil {
			principal = fpmath.SaturatingSub(&pos.Principal, pos.Encumbrance.Total())
			if debt, err = solvency.SameAssetDebt(positionBook{pos: pos, underlying: p.Config.Underlying}, key, p.Config.Underlying); err != nil {
				return err
			}
		}
		if debt, err = fpmath.Add(debt, extra); err != nil {
			return err
		}
		bound, err := fpmath.ApplyBps(principal, p.Config.DepositorLTVBps)
		if err != nil {
			return err
		}

		dec := p.Config.Decimals
		resp = &SolvencyResponse{
			PoolID:        poolID,
			Key:           key.String(),
			Principal:     newAmount(principal, dec),
			Debt:          newAmount(debt, dec),
			LTVBps:        p.Config.DepositorLTVBps,
			Solvent:       solvency.CheckSolvency(p.Config.DepositorLTVBps, principal, debt),
			MaxAdditional: newAmount(fpmath.SaturatingSub(bound, debt), dec),
			AsOfSequence:  asOf,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}
