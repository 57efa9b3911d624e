// Package product exposes the ledger's entry points. Every operation runs
// inside the pool lock as settle, check, mutate, then move funds; a failure
// at any step leaves the pools and custody untouched.
package product

import (
	"errors"
	"fmt"

	"EqualisLedger/internal/custody"
	"EqualisLedger/internal/encumbrance"
	"EqualisLedger/internal/errs"
	"EqualisLedger/internal/fees"
	"EqualisLedger/internal/ledger"
	fpmath "EqualisLedger/internal/math"
	"EqualisLedger/internal/observability"
	"EqualisLedger/internal/position"
	"EqualisLedger/internal/solvency"
	"EqualisLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// Receipt describes what one operation did.
type Receipt struct {
	Op        string
	Pools     []uint32
	Entries   []ledger.Entry
	Transfers []custody.Transfer
	Fees      []fees.Routed
	Amount    *uint256.Int
	Fee       *uint256.Int
	ID        uuid.UUID // offer or agreement id
	LoanID    uint64
	Trigger   string
	Touched   map[uint32][]position.Key // positions written, per pool
}

// Service composes the product modules over one store and one custody.
type Service struct {
	store    *state.Store
	custody  custody.Custody
	registry *position.Registry
	oracle   solvency.Oracle
	router   *fees.Router
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

type Option func(*Service)

// WithRegistry makes every position-owner operation check Caller against
// the registry. Without it callers are trusted.
func WithRegistry(r *position.Registry) Option {
	return func(s *Service) { s.registry = r }
}

// WithOracle enables cross-asset requirements on LockCollateral.
func WithOracle(o solvency.Oracle) Option {
	return func(s *Service) { s.oracle = o }
}

func NewService(store *state.Store, c custody.Custody, metrics *observability.Metrics, opts ...Option) *Service {
	s := &Service{
		store:   store,
		custody: c,
		router:  fees.NewRouter(metrics),
		metrics: metrics,
		logger:  observability.NewLogger("product"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Store() *state.Store { return s.store }

func (s *Service) Custody() custody.Custody { return s.custody }

func (s *Service) authorize(key position.Key, caller string) error {
	if s.registry == nil {
		return nil
	}
	return s.registry.RequireOwner(key, caller)
}

// inPool runs fn under one pool lock. Invariants are checked after fn and
// queued custody movements run last.
func (s *Service) inPool(op string, poolID uint32, fn func(p *state.Pool, tx *fees.Tx, r *Receipt) error) (*Receipt, error) {
	return s.inPools(op, []uint32{poolID}, func(pools map[uint32]*state.Pool, tx *fees.Tx, r *Receipt) error {
		return fn(pools[poolID], tx, r)
	})
}

func (s *Service) inPools(op string, ids []uint32, fn func(pools map[uint32]*state.Pool, tx *fees.Tx, r *Receipt) error) (*Receipt, error) {
	r := &Receipt{Op: op, Pools: ids}
	tx := fees.NewTx(s.custody)
	err := s.store.WithPools(ids, func(pools map[uint32]*state.Pool) error {
		for _, id := range ids {
			if err := pools[id].RequireActive(); err != nil {
				return err
			}
		}
		if err := fn(pools, tx, r); err != nil {
			return err
		}
		for _, id := range ids {
			if err := pools[id].CheckInvariants(); err != nil {
				panic(fmt.Sprintf("FATAL: %s left pool %d inconsistent: %v", op, id, err))
			}
		}
		r.Touched = make(map[uint32][]position.Key, len(ids))
		for _, id := range ids {
			r.Touched[id] = pools[id].Touched()
		}
		r.Entries = tx.Rec.Entries()
		r.Transfers = tx.Moves.Queued()
		return tx.Moves.Execute()
	})
	if err != nil {
		s.rejected(op, ids[0], err)
		return nil, err
	}
	s.observePools(ids)
	return r, nil
}

func (s *Service) rejected(op string, poolID uint32, err error) {
	pool := fmt.Sprint(poolID)
	if s.metrics != nil {
		if res, ok := errs.ResourceOf(err); ok {
			s.metrics.EncumbranceRejected.WithLabelValues(pool, string(res)).Inc()
		} else if errors.Is(err, encumbrance.ErrEncumbranceUnderflow) {
			s.metrics.EncumbranceRejected.WithLabelValues(pool, "encumbrance").Inc()
		}
		if errors.Is(err, solvency.ErrSolvencyViolation) {
			s.metrics.SolvencyViolations.WithLabelValues(pool, op).Inc()
		}
	}
	s.logger.Debug().Err(err).Str("op", op).Uint32("pool", poolID).Msg("operation rejected")
}

func (s *Service) observePools(ids []uint32) {
	if s.metrics == nil {
		return
	}
	for _, id := range ids {
		_ = s.store.View(id, func(p *state.Pool) error {
			pool := fmt.Sprint(id)
			d := p.Config.Decimals
			s.metrics.PoolTrackedBalance.WithLabelValues(pool).Set(fpmath.ToDecimal(&p.TrackedBalance, d).InexactFloat64())
			s.metrics.PoolTotalDeposits.WithLabelValues(pool).Set(fpmath.ToDecimal(&p.TotalDeposits, d).InexactFloat64())
			s.metrics.PoolTotalDebt.WithLabelValues(pool).Set(fpmath.ToDecimal(&p.TotalDebt, d).InexactFloat64())
			return nil
		})
	}
}

// settle brings the position up to date before anything reads it.
func settle(p *state.Pool, key position.Key) error {
	if _, err := p.SettlePosition(key); err != nil {
		return fmt.Errorf("pool %d settle %s: %w", p.ID, key.Short(), err)
	}
	return nil
}

// requireHealthy runs the self-secured gate: same-asset debt against the
// principal left after encumbrances.
func requireHealthy(p *state.Pool, key position.Key, extraDebt *uint256.Int) error {
	debt, err := solvency.SameAssetDebt(p, key, p.Config.Underlying)
	if err != nil {
		return err
	}
	if extraDebt != nil {
		if debt, err = fpmath.Add(debt, extraDebt); err != nil {
			return err
		}
	}
	return solvency.Require(p.ID, key, p.Config.DepositorLTVBps, encumbrance.Available(p, key), debt)
}

// reserve encumbers amount in bucket b and re-runs the solvency gate on what
// remains available.
func reserve(p *state.Pool, key position.Key, b encumbrance.Bucket, amount *uint256.Int) error {
	if err := encumbrance.Reserve(p, key, b, amount); err != nil {
		return err
	}
	return requireHealthy(p, key, nil)
}

func requireLiquidity(p *state.Pool, amount *uint256.Int) error {
	if amount.Gt(&p.TrackedBalance) {
		return errs.Insufficient(errs.ResourceLiquidity, p.ID, amount, &p.TrackedBalance)
	}
	return nil
}

// collectFee books a fee that is already inside the pool's tracked balance
// (or was just added to it) into fee clearing, debiting from.
func collectFee(p *state.Pool, tx *fees.Tx, from ledger.AccountKey, fee *uint256.Int) {
	tx.Rec.Record(ledger.JournalTypeFeeCollect, from,
		ledger.PoolAccount(p.ID, ledger.SubTypeFeeClearing),
		p.Config.Underlying, fee)
}

func liquidity(p *state.Pool) ledger.AccountKey {
	return ledger.PoolAccount(p.ID, ledger.SubTypeLiquidity)
}

func receivable(p *state.Pool) ledger.AccountKey {
	return ledger.PoolAccount(p.ID, ledger.SubTypeReceivable)
}

func principalAcct(p *state.Pool, key position.Key) ledger.AccountKey {
	return ledger.PositionAccount(key, p.ID)
}

func copyAmount(v *uint256.Int) *uint256.Int {
	return new(uint256.Int).Set(v)
}
