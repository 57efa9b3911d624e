package product_test

import (
	"testing"
	"time"

	"EqualisLedger/internal/custody"
	"EqualisLedger/internal/encumbrance"
	"EqualisLedger/internal/errs"
	"EqualisLedger/internal/ledger"
	"EqualisLedger/internal/position"
	"EqualisLedger/internal/product"
	"EqualisLedger/internal/solvency"
	"EqualisLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	usdcPool = 1
	wethPool = 2
)

var (
	alice = position.DeriveKey("equalis-test", 1)
	bob   = position.DeriveKey("equalis-test", 2)
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

func poolConfig(asset string) state.PoolConfig {
	return state.PoolConfig{
		Underlying:              asset,
		Decimals:                6,
		DepositorLTVBps:         8000,
		LiquidationThresholdBps: 9000,
		FeeSplit:                state.FeeSplit{TreasuryBps: 1000, ActiveCreditBps: 2000, FeeIndexBps: 8000},
		BorrowFeeBps:            100,
		PenaltyBps:              500,
		Treasury:                "treasury",
	}
}

type harness struct {
	t     *testing.T
	store *state.Store
	vault *custody.Vault
	svc   *product.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := state.NewStore()
	vault := custody.NewVault()
	svc := product.NewService(store, vault, nil)
	require.NoError(t, svc.CreatePool(usdcPool, poolConfig("USDC")))
	require.NoError(t, svc.CreatePool(wethPool, poolConfig("WETH")))
	return &harness{t: t, store: store, vault: vault, svc: svc}
}

func (h *harness) deposit(pool uint32, key position.Key, amount uint64) {
	h.t.Helper()
	_, err := h.svc.Deposit(product.DepositRequest{Pool: pool, Key: key, From: "wallet", Amount: u(amount)})
	require.NoError(h.t, err)
}

// pos returns a copy of the position after settling it.
func (h *harness) pos(pool uint32, key position.Key) *state.Position {
	h.t.Helper()
	var out *state.Position
	require.NoError(h.t, h.store.WithPool(pool, func(p *state.Pool) error {
		if _, err := p.SettlePosition(key); err != nil {
			return err
		}
		out = p.Position(key).Clone()
		return nil
	}))
	return out
}

func (h *harness) totals(pool uint32) *state.Totals {
	h.t.Helper()
	out := new(state.Totals)
	require.NoError(h.t, h.store.View(pool, func(p *state.Pool) error {
		*out = p.Totals
		return nil
	}))
	return out
}

func TestDepositBorrowRepay_RoundTrip(t *testing.T) {
	h := newHarness(t)
	h.deposit(usdcPool, alice, 1000)

	r, err := h.svc.Borrow(product.BorrowRequest{Pool: usdcPool, Key: alice, To: "alice-wallet", Amount: u(800)})
	require.NoError(t, err)
	assert.Equal(t, uint64(8), r.Fee.Uint64())
	assert.Equal(t, uint64(792), h.vault.PaidTo("USDC", "alice-wallet").Uint64())

	tot := h.totals(usdcPool)
	assert.Equal(t, uint64(208), tot.TrackedBalance.Uint64())
	assert.Equal(t, uint64(800), tot.TotalDebt.Uint64())
	assert.Equal(t, uint64(8), tot.YieldReserve.Uint64())

	// no active credit existed when the fee was routed: all of it reached depositors
	p := h.pos(usdcPool, alice)
	assert.Equal(t, uint64(8), p.AccruedYield.Uint64())
	assert.Equal(t, uint64(800), p.DebtCredit.Principal.Uint64())

	r, err = h.svc.Repay(product.RepayRequest{Pool: usdcPool, Key: alice, From: "alice-wallet", Amount: u(800)})
	require.NoError(t, err)
	assert.Equal(t, uint64(800), r.Amount.Uint64())

	tot = h.totals(usdcPool)
	assert.True(t, tot.TotalDebt.IsZero())
	assert.Equal(t, uint64(1008), tot.TrackedBalance.Uint64())
	assert.Equal(t, uint64(1008), h.vault.Balance("USDC").Uint64())
	assert.True(t, tot.ActiveCreditPrincipalTotal.IsZero())

	_, err = h.svc.Repay(product.RepayRequest{Pool: usdcPool, Key: alice, From: "alice-wallet", Amount: u(1)})
	res, ok := errs.ResourceOf(err)
	require.True(t, ok)
	assert.Equal(t, errs.ResourceDebt, res)
}

func TestBorrow_AutoRollsYieldBeforeSolvencyGate(t *testing.T) {
	h := newHarness(t)
	h.deposit(usdcPool, alice, 1000)
	_, err := h.svc.Borrow(product.BorrowRequest{Pool: usdcPool, Key: alice, To: "alice-wallet", Amount: u(800)})
	require.NoError(t, err)

	// 807 against 1008 rolled principal is over 80%; the roll is undone
	_, err = h.svc.Borrow(product.BorrowRequest{Pool: usdcPool, Key: alice, To: "alice-wallet", Amount: u(7)})
	require.ErrorIs(t, err, solvency.ErrSolvencyViolation)
	p := h.pos(usdcPool, alice)
	assert.Equal(t, uint64(1000), p.Principal.Uint64())
	assert.Equal(t, uint64(8), p.AccruedYield.Uint64())

	r, err := h.svc.Borrow(product.BorrowRequest{Pool: usdcPool, Key: alice, To: "alice-wallet", Amount: u(6)})
	require.NoError(t, err)
	p = h.pos(usdcPool, alice)
	assert.Equal(t, uint64(1008), p.Principal.Uint64())
	assert.True(t, p.AccruedYield.IsZero())
	assert.Equal(t, uint64(806), p.RollingLoan.Uint64())
	assert.True(t, h.totals(usdcPool).YieldReserve.IsZero())

	var roll bool
	for _, e := range r.Entries {
		if e.Type == ledger.JournalTypeYieldRoll {
			roll = true
			assert.Equal(t, uint64(8), e.Amount.Uint64())
		}
	}
	assert.True(t, roll, "expected a yield roll journal")
}

func TestBorrow_FixedTermAndLiquidityChecks(t *testing.T) {
	h := newHarness(t)
	h.deposit(usdcPool, alice, 1000)

	r, err := h.svc.Borrow(product.BorrowRequest{Pool: usdcPool, Key: alice, To: "w", Amount: u(100), Term: 50, Now: 10})
	require.NoError(t, err)
	require.NotZero(t, r.LoanID)
	p := h.pos(usdcPool, alice)
	require.Contains(t, p.FixedLoans, r.LoanID)
	assert.Equal(t, int64(60), p.FixedLoans[r.LoanID].Maturity)

	_, err = h.svc.Repay(product.RepayRequest{Pool: usdcPool, Key: alice, From: "w", Amount: u(1), LoanID: 99})
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = h.svc.Repay(product.RepayRequest{Pool: usdcPool, Key: alice, From: "w", Amount: u(100), LoanID: r.LoanID})
	require.NoError(t, err)
	assert.Empty(t, h.pos(usdcPool, alice).FixedLoans)

	_, err = h.svc.Borrow(product.BorrowRequest{Pool: usdcPool, Key: alice, To: "w", Amount: u(0)})
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestWithdraw_LimitedByEncumbrance(t *testing.T) {
	h := newHarness(t)
	h.deposit(usdcPool, alice, 100)
	_, err := h.svc.LockCollateral(product.LockCollateralRequest{Pool: usdcPool, Key: alice, Amount: u(60)})
	require.NoError(t, err)

	_, err = h.svc.Withdraw(product.WithdrawRequest{Pool: usdcPool, Key: alice, To: "w", Amount: u(50)})
	res, ok := errs.ResourceOf(err)
	require.True(t, ok)
	assert.Equal(t, errs.ResourcePrincipal, res)

	_, err = h.svc.Withdraw(product.WithdrawRequest{Pool: usdcPool, Key: alice, To: "w", Amount: u(40)})
	require.NoError(t, err)

	_, err = h.svc.ReleaseCollateral(product.ReleaseCollateralRequest{Pool: usdcPool, Key: alice, Amount: u(70)})
	assert.ErrorIs(t, err, encumbrance.ErrEncumbranceUnderflow)

	_, err = h.svc.ReleaseCollateral(product.ReleaseCollateralRequest{Pool: usdcPool, Key: alice, Amount: u(60)})
	require.NoError(t, err)
	assert.True(t, h.pos(usdcPool, alice).Encumbrance.IsZero())
}

func TestWithdraw_CustodyShortfallRollsBack(t *testing.T) {
	h := newHarness(t)
	h.deposit(usdcPool, alice, 1000)
	// tokens leave custody behind the ledger's back
	require.NoError(t, h.vault.Transfer("USDC", "elsewhere", u(600)))

	_, err := h.svc.Withdraw(product.WithdrawRequest{Pool: usdcPool, Key: alice, To: "w", Amount: u(500)})
	res, ok := errs.ResourceOf(err)
	require.True(t, ok)
	assert.Equal(t, errs.ResourceCustodyBalance, res)

	assert.Equal(t, uint64(1000), h.pos(usdcPool, alice).Principal.Uint64())
	assert.Equal(t, uint64(1000), h.totals(usdcPool).TrackedBalance.Uint64())
	assert.Equal(t, uint64(400), h.vault.Balance("USDC").Uint64())
}

func TestPausedPoolRejectsMutations(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.svc.SetPaused(usdcPool, true))
	_, err := h.svc.Deposit(product.DepositRequest{Pool: usdcPool, Key: alice, From: "w", Amount: u(1)})
	assert.ErrorIs(t, err, state.ErrPoolPaused)

	require.NoError(t, h.svc.SetPaused(usdcPool, false))
	h.deposit(usdcPool, alice, 1)
}

func TestDeposit_MinimumAndRegistry(t *testing.T) {
	store := state.NewStore()
	reg := position.NewRegistry("equalis")
	svc := product.NewService(store, custody.NewVault(), nil, product.WithRegistry(reg))
	cfg := poolConfig("USDC")
	cfg.MinDeposit.SetUint64(10)
	require.NoError(t, svc.CreatePool(usdcPool, cfg))

	key, _ := reg.Mint("carol")
	_, err := svc.Deposit(product.DepositRequest{Pool: usdcPool, Key: key, Caller: "carol", From: "carol", Amount: u(9)})
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = svc.Deposit(product.DepositRequest{Pool: usdcPool, Key: key, Caller: "mallory", From: "mallory", Amount: u(10)})
	assert.ErrorIs(t, err, position.ErrNotOwner)

	_, err = svc.Deposit(product.DepositRequest{Pool: usdcPool, Key: key, Caller: "carol", From: "carol", Amount: u(10)})
	require.NoError(t, err)
}

func TestClaimYield(t *testing.T) {
	h := newHarness(t)
	h.deposit(usdcPool, alice, 1000)
	_, err := h.svc.ClaimYield(product.ClaimYieldRequest{Pool: usdcPool, Key: alice, To: "w"})
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = h.svc.CollectFee(product.CollectFeeRequest{Pool: usdcPool, From: "perps", Amount: u(100)})
	require.NoError(t, err)
	// treasury 10, then 90 with no active credit goes to the fee index
	assert.Equal(t, uint64(10), h.vault.PaidTo("USDC", "treasury").Uint64())

	r, err := h.svc.ClaimYield(product.ClaimYieldRequest{Pool: usdcPool, Key: alice, To: "alice-wallet"})
	require.NoError(t, err)
	assert.Equal(t, uint64(90), r.Amount.Uint64())
	assert.Equal(t, uint64(90), h.vault.PaidTo("USDC", "alice-wallet").Uint64())

	tot := h.totals(usdcPool)
	assert.True(t, tot.YieldReserve.IsZero())
	assert.Equal(t, uint64(1000), tot.TrackedBalance.Uint64())
}

func TestIndexVault_MintBurn(t *testing.T) {
	h := newHarness(t)
	h.deposit(usdcPool, alice, 100)

	_, err := h.svc.Mint(product.IndexRequest{Pool: usdcPool, Key: alice, Amount: u(30)})
	require.NoError(t, err)
	p := h.pos(usdcPool, alice)
	assert.Equal(t, uint64(30), p.Encumbrance.IndexEncumbered.Uint64())
	assert.Equal(t, uint64(30), p.EncumbranceCredit.Principal.Uint64())

	_, err = h.svc.Mint(product.IndexRequest{Pool: usdcPool, Key: alice, Amount: u(71)})
	res, ok := errs.ResourceOf(err)
	require.True(t, ok)
	assert.Equal(t, errs.ResourcePrincipal, res)

	_, err = h.svc.Burn(product.IndexRequest{Pool: usdcPool, Key: alice, Amount: u(40)})
	var uerr *encumbrance.UnderflowError
	require.ErrorAs(t, err, &uerr)

	_, err = h.svc.Burn(product.IndexRequest{Pool: usdcPool, Key: alice, Amount: u(30)})
	require.NoError(t, err)
	assert.True(t, h.totals(usdcPool).ActiveCreditPrincipalTotal.IsZero())
}

func TestSettleLoss(t *testing.T) {
	h := newHarness(t)
	h.deposit(usdcPool, alice, 1000)
	_, err := h.svc.LockCollateral(product.LockCollateralRequest{Pool: usdcPool, Key: alice, Amount: u(200)})
	require.NoError(t, err)

	_, err = h.svc.SettleLoss(product.SettleLossRequest{Pool: usdcPool, Key: alice, To: "winner", Loss: u(200), Fee: u(1)})
	assert.ErrorIs(t, err, encumbrance.ErrEncumbranceUnderflow)

	r, err := h.svc.SettleLoss(product.SettleLossRequest{Pool: usdcPool, Key: alice, To: "winner", Loss: u(150), Fee: u(10)})
	require.NoError(t, err)
	require.Len(t, r.Fees, 1)
	assert.Equal(t, uint64(150), h.vault.PaidTo("USDC", "winner").Uint64())
	assert.Equal(t, uint64(1), h.vault.PaidTo("USDC", "treasury").Uint64())

	p := h.pos(usdcPool, alice)
	assert.Equal(t, uint64(840), p.Principal.Uint64())
	assert.Equal(t, uint64(40), p.Encumbrance.DirectLocked.Uint64())
}

func TestLockCollateral_OracleRequirement(t *testing.T) {
	store := state.NewStore()
	oracle := solvency.NewStaticOracle(0)
	svc := product.NewService(store, custody.NewVault(), nil, product.WithOracle(oracle))
	require.NoError(t, svc.CreatePool(wethPool, poolConfig("WETH")))
	_, err := svc.Deposit(product.DepositRequest{Pool: wethPool, Key: alice, From: "w", Amount: u(10)})
	require.NoError(t, err)

	req := product.LockCollateralRequest{
		Pool: wethPool, Key: alice, Amount: u(1),
		Requirement: u(3000), RequirementAsset: "USDC",
	}
	_, err = svc.LockCollateral(req)
	assert.ErrorIs(t, err, solvency.ErrStalePrice)

	wad := uint256.NewInt(1_000_000_000_000_000_000)
	oracle.SetPrice("USDC", wad, time.Now())
	oracle.SetPrice("WETH", new(uint256.Int).Mul(wad, u(2500)), time.Now())
	_, err = svc.LockCollateral(req)
	assert.ErrorIs(t, err, errs.ErrValidation)

	req.Amount = u(2)
	_, err = svc.LockCollateral(req)
	require.NoError(t, err)
}

func TestJournalsMirrorPoolTotals(t *testing.T) {
	h := newHarness(t)
	tracker := ledger.NewBalanceTracker()
	validator := ledger.NewInvariantValidator(tracker)
	seq := int64(0)
	apply := func(r *product.Receipt, err error) {
		t.Helper()
		require.NoError(t, err)
		if len(r.Entries) == 0 {
			return
		}
		seq++
		batch := ledger.NewBatch(uuid.NewString(), seq, seq, r.Entries)
		require.NoError(t, validator.ValidateBatchBalance(batch))
		require.NoError(t, tracker.ApplyBatch(batch))
	}

	apply(h.svc.Deposit(product.DepositRequest{Pool: usdcPool, Key: alice, From: "a", Amount: u(5000)}))
	apply(h.svc.Deposit(product.DepositRequest{Pool: usdcPool, Key: bob, From: "b", Amount: u(3000)}))
	apply(h.svc.Borrow(product.BorrowRequest{Pool: usdcPool, Key: bob, To: "b", Amount: u(2000)}))
	apply(h.svc.CollectFee(product.CollectFeeRequest{Pool: usdcPool, From: "perps", Amount: u(777)}))
	apply(h.svc.Repay(product.RepayRequest{Pool: usdcPool, Key: bob, From: "b", Amount: u(1500)}))
	apply(h.svc.ClaimYield(product.ClaimYieldRequest{Pool: usdcPool, Key: alice, To: "a"}))
	apply(h.svc.Withdraw(product.WithdrawRequest{Pool: usdcPool, Key: alice, To: "a", Amount: u(1000)}))

	tot := h.totals(usdcPool)
	require.NoError(t, validator.ValidatePoolMirror(usdcPool, &tot.TrackedBalance, &tot.TotalDebt))
	require.NoError(t, validator.ValidateGlobalBalance())
	assert.Equal(t, tot.TrackedBalance.Dec(), h.vault.Balance("USDC").Dec())
	require.NoError(t, h.store.CheckInvariants())
}
