package product_test

import (
	"fmt"
	"math/rand"
	"testing"

	"EqualisLedger/internal/fees"
	"EqualisLedger/internal/position"
	"EqualisLedger/internal/product"
	"EqualisLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

type openOffer struct {
	pool   uint32
	id     uuid.UUID
	lender position.Key
}

type openAgreementHandle struct {
	pool uint32
	id   uuid.UUID
}

type openLoan struct {
	pool uint32
	key  position.Key
	id   uint64
}

// world drives random operations against one harness and remembers the
// handles (offers, agreements, fixed loans) later operations need.
type world struct {
	h          *harness
	rng        *rand.Rand
	keys       []position.Key
	now        int64
	offers     []openOffer
	agreements []openAgreementHandle
	loans      []openLoan
	feeIndex   map[uint32]uint256.Int
	creditIdx  map[uint32]uint256.Int
}

var assets = map[uint32]string{usdcPool: "USDC", wethPool: "WETH"}

func newWorld(t *testing.T, seed int64) *world {
	w := &world{
		h:         newHarness(t),
		rng:       rand.New(rand.NewSource(seed)),
		now:       1_000_000,
		feeIndex:  make(map[uint32]uint256.Int),
		creditIdx: make(map[uint32]uint256.Int),
	}
	for i := uint64(1); i <= 4; i++ {
		w.keys = append(w.keys, position.DeriveKey("interleave", i))
	}
	for _, pool := range []uint32{usdcPool, wethPool} {
		for _, k := range w.keys {
			_, err := w.h.svc.Deposit(product.DepositRequest{Pool: pool, Key: k, From: "wallet", Amount: u(1000 + uint64(w.rng.Intn(4000)))})
			require.NoError(t, err)
		}
	}
	return w
}

func (w *world) pool() uint32 {
	if w.rng.Intn(2) == 0 {
		return usdcPool
	}
	return wethPool
}

func (w *world) key() position.Key { return w.keys[w.rng.Intn(len(w.keys))] }

func (w *world) amount(n int) *uint256.Int { return u(1 + uint64(w.rng.Intn(n))) }

// step runs one random operation. Failures are expected: most random
// inputs break some precondition. Only the state afterwards matters.
func (w *world) step() string {
	w.now += int64(w.rng.Intn(50_000))
	svc := w.h.svc
	pool, key := w.pool(), w.key()

	switch op := w.rng.Intn(19); op {
	case 0:
		svc.Deposit(product.DepositRequest{Pool: pool, Key: key, From: "wallet", Amount: w.amount(2000)})
		return "deposit"
	case 1:
		svc.Withdraw(product.WithdrawRequest{Pool: pool, Key: key, To: "wallet", Amount: w.amount(1500), Now: w.now})
		return "withdraw"
	case 2:
		svc.Borrow(product.BorrowRequest{Pool: pool, Key: key, To: "wallet", Amount: w.amount(1200), Now: w.now})
		return "borrow"
	case 3:
		r, err := svc.Borrow(product.BorrowRequest{Pool: pool, Key: key, To: "wallet", Amount: w.amount(800), Term: int64(1 + w.rng.Intn(200_000)), Now: w.now})
		if err == nil {
			w.loans = append(w.loans, openLoan{pool: pool, key: key, id: r.LoanID})
		}
		return "borrow_fixed"
	case 4:
		svc.Repay(product.RepayRequest{Pool: pool, Key: key, From: "wallet", Amount: w.amount(1000), Now: w.now})
		return "repay"
	case 5:
		if len(w.loans) == 0 {
			return "repay_fixed"
		}
		i := w.rng.Intn(len(w.loans))
		l := w.loans[i]
		if _, err := svc.Repay(product.RepayRequest{Pool: l.pool, Key: l.key, From: "wallet", Amount: w.amount(900), LoanID: l.id, Now: w.now}); err == nil && w.rng.Intn(2) == 0 {
			w.loans = append(w.loans[:i], w.loans[i+1:]...)
		}
		return "repay_fixed"
	case 6:
		svc.ClaimYield(product.ClaimYieldRequest{Pool: pool, Key: key, To: "wallet"})
		return "claim_yield"
	case 7:
		svc.LockCollateral(product.LockCollateralRequest{Pool: pool, Key: key, Amount: w.amount(800), Now: w.now})
		return "lock"
	case 8:
		svc.ReleaseCollateral(product.ReleaseCollateralRequest{Pool: pool, Key: key, Amount: w.amount(800), Now: w.now})
		return "release"
	case 9:
		svc.Mint(product.IndexRequest{Pool: pool, Key: key, Amount: w.amount(800), Now: w.now})
		return "mint"
	case 10:
		svc.Burn(product.IndexRequest{Pool: pool, Key: key, Amount: w.amount(800), Now: w.now})
		return "burn"
	case 11:
		svc.CollectFee(product.CollectFeeRequest{Pool: pool, From: "perps", Amount: w.amount(500), Source: fees.SourceProduct, Now: w.now})
		return "collect_fee"
	case 12:
		svc.Liquidate(product.LiquidateRequest{Pool: pool, Key: key, Now: w.now})
		return "liquidate"
	case 13:
		r, err := svc.PostOffer(product.PostOfferRequest{
			Lender:         key,
			LenderPool:     pool,
			Principal:      w.amount(900),
			CollateralPool: w.pool(),
			Collateral:     w.amount(1200),
			FeeBps:         uint16(w.rng.Intn(300)),
			Term:           int64(1 + w.rng.Intn(200_000)),
			Now:            w.now,
		})
		if err == nil {
			w.offers = append(w.offers, openOffer{pool: pool, id: r.ID, lender: key})
		}
		return "post_offer"
	case 14:
		if len(w.offers) == 0 {
			return "cancel_offer"
		}
		i := w.rng.Intn(len(w.offers))
		o := w.offers[i]
		if _, err := svc.CancelOffer(product.CancelOfferRequest{LenderPool: o.pool, OfferID: o.id, Lender: o.lender, Now: w.now}); err == nil {
			w.offers = append(w.offers[:i], w.offers[i+1:]...)
		}
		return "cancel_offer"
	case 15:
		if len(w.offers) == 0 {
			return "accept_offer"
		}
		i := w.rng.Intn(len(w.offers))
		o := w.offers[i]
		r, err := svc.AcceptOffer(product.AcceptOfferRequest{LenderPool: o.pool, OfferID: o.id, Borrower: key, To: "wallet", Now: w.now})
		if err == nil {
			w.offers = append(w.offers[:i], w.offers[i+1:]...)
			w.agreements = append(w.agreements, openAgreementHandle{pool: o.pool, id: r.ID})
		}
		return "accept_offer"
	case 16, 17:
		if len(w.agreements) == 0 {
			return "settle_agreement"
		}
		i := w.rng.Intn(len(w.agreements))
		a := w.agreements[i]
		var err error
		if op == 16 {
			_, err = svc.RepayAgreement(product.RepayAgreementRequest{LenderPool: a.pool, AgreementID: a.id, From: "wallet", Now: w.now})
		} else {
			_, err = svc.DefaultAgreement(product.DefaultAgreementRequest{LenderPool: a.pool, AgreementID: a.id, Now: w.now})
		}
		if err == nil {
			w.agreements = append(w.agreements[:i], w.agreements[i+1:]...)
		}
		return "settle_agreement"
	default:
		svc.SettleLoss(product.SettleLossRequest{Pool: pool, Key: key, To: "perps", Loss: w.amount(400), Fee: w.amount(50), Now: w.now})
		return "settle_loss"
	}
}

// check asserts the pool invariants, that custody still backs every
// pool's tracked balance, and that neither index ever moved backwards.
func (w *world) check(t *testing.T, ctx string) {
	t.Helper()
	require.NoError(t, w.h.store.CheckInvariants(), ctx)

	for pool, asset := range assets {
		var tracked, feeIdx, creditIdx uint256.Int
		require.NoError(t, w.h.store.View(pool, func(p *state.Pool) error {
			tracked.Set(&p.TrackedBalance)
			feeIdx.Set(&p.FeeIndex.Index)
			creditIdx.Set(&p.ActiveCredit.Index)
			return nil
		}))

		held := w.h.vault.Balance(asset)
		require.False(t, held.Lt(&tracked), "%s: custody %s below tracked %s in pool %d", ctx, held.Dec(), tracked.Dec(), pool)

		prevFee, prevCredit := w.feeIndex[pool], w.creditIdx[pool]
		require.False(t, feeIdx.Lt(&prevFee), "%s: pool %d fee index went backwards", ctx, pool)
		require.False(t, creditIdx.Lt(&prevCredit), "%s: pool %d active credit index went backwards", ctx, pool)
		w.feeIndex[pool], w.creditIdx[pool] = feeIdx, creditIdx
	}
}

func TestRandomInterleaving_PreservesInvariants(t *testing.T) {
	seeds, steps := 300, 200
	if testing.Short() {
		seeds = 20
	}
	for seed := int64(1); seed <= int64(seeds); seed++ {
		w := newWorld(t, seed)
		w.check(t, fmt.Sprintf("seed %d setup", seed))
		for i := 0; i < steps; i++ {
			op := w.step()
			w.check(t, fmt.Sprintf("seed %d step %d (%s)", seed, i, op))
		}
	}
}
