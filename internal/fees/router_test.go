package fees_test

import (
	"math/rand"
	"testing"

	"EqualisLedger/internal/custody"
	"EqualisLedger/internal/errs"
	"EqualisLedger/internal/fees"
	"EqualisLedger/internal/ledger"
	"EqualisLedger/internal/position"
	"EqualisLedger/internal/state"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const poolID = 1

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

func testConfig(split state.FeeSplit) state.PoolConfig {
	return state.PoolConfig{
		Underlying:              "USDC",
		Decimals:                6,
		DepositorLTVBps:         8000,
		LiquidationThresholdBps: 9000,
		FeeSplit:                split,
		Treasury:                "treasury",
	}
}

// seed gives the pool one depositor and matching custody funds.
func seed(t *testing.T, store *state.Store, vault *custody.Vault, key position.Key, amount uint64) {
	t.Helper()
	require.NoError(t, vault.Receive("USDC", "seed", u(amount)))
	require.NoError(t, store.WithPool(poolID, func(p *state.Pool) error {
		if _, err := p.SettlePosition(key); err != nil {
			return err
		}
		if err := p.AddPrincipal(key, u(amount)); err != nil {
			return err
		}
		p.TrackedBalance.Add(&p.TrackedBalance, u(amount))
		return nil
	}))
}

// collect puts fee into the pool and its clearing account, then routes it.
func collect(p *state.Pool, tx *fees.Tx, fee *uint256.Int) {
	p.TrackedBalance.Add(&p.TrackedBalance, fee)
	tx.Rec.Record(ledger.JournalTypeFeeCollect,
		ledger.PoolAccount(p.ID, ledger.SubTypeLiquidity),
		ledger.PoolAccount(p.ID, ledger.SubTypeFeeClearing),
		p.Config.Underlying, fee)
}

func TestPreviewSplit_TreasuryFirst(t *testing.T) {
	s, err := fees.PreviewSplit(u(1000), state.FeeSplit{TreasuryBps: 5000, ActiveCreditBps: 2000, FeeIndexBps: 8000})
	require.NoError(t, err)
	assert.Equal(t, uint64(500), s.Treasury.Uint64())
	assert.Equal(t, uint64(100), s.ActiveCredit.Uint64())
	assert.Equal(t, uint64(400), s.FeeIndex.Uint64())
	assert.Equal(t, uint64(1000), s.Sum().Uint64())
}

func TestPreviewSplit_Conservation(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 2000; i++ {
		ac := uint16(rng.Intn(10_001))
		split := state.FeeSplit{
			TreasuryBps:     uint16(rng.Intn(10_001)),
			ActiveCreditBps: ac,
			FeeIndexBps:     10_000 - ac,
		}
		amount := new(uint256.Int).SetUint64(rng.Uint64())
		if i%3 == 0 {
			amount.Lsh(amount, uint(rng.Intn(190)))
		}
		s, err := fees.PreviewSplit(amount, split)
		require.NoError(t, err)
		require.True(t, s.Sum().Eq(amount), "split %+v of %s sums to %s", split, amount.Dec(), s.Sum().Dec())
	}
}

func TestPreviewSplit_RejectsBadBps(t *testing.T) {
	_, err := fees.PreviewSplit(u(1), state.FeeSplit{TreasuryBps: 10_001})
	assert.ErrorIs(t, err, errs.ErrValidation)
	_, err = fees.PreviewSplit(u(1), state.FeeSplit{ActiveCreditBps: 6000, FeeIndexBps: 5000})
	assert.ErrorIs(t, err, errs.ErrValidation)
	// a fee index share short of the remainder would be silently overpaid
	_, err = fees.PreviewSplit(u(1), state.FeeSplit{ActiveCreditBps: 2000, FeeIndexBps: 5000})
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestAccrueWithTreasury_FallbacksWithNoParticipants(t *testing.T) {
	store := state.NewStore()
	require.NoError(t, store.CreatePool(poolID, testConfig(state.FeeSplit{TreasuryBps: 5000, ActiveCreditBps: 2000, FeeIndexBps: 8000})))
	vault := custody.NewVault()
	require.NoError(t, vault.Receive("USDC", "payer", u(1000)))
	router := fees.NewRouter(nil)

	var routed fees.Routed
	require.NoError(t, store.WithPool(poolID, func(p *state.Pool) error {
		tx := fees.NewTx(vault)
		collect(p, tx, u(1000))
		var err error
		routed, err = router.AccrueWithTreasury(p, u(1000), fees.SourceProduct, tx)
		if err != nil {
			return err
		}
		return tx.Moves.Execute()
	}))

	// no active credit and no depositors: everything reaches the treasury
	assert.Equal(t, uint64(1000), routed.ToTreasury.Uint64())
	assert.True(t, routed.ToActiveCredit.IsZero())
	assert.True(t, routed.ToFeeIndex.IsZero())
	assert.Equal(t, uint64(1000), vault.PaidTo("USDC", "treasury").Uint64())
}

func TestAccrueWithTreasury_ActiveCreditFallsToFeeIndex(t *testing.T) {
	store := state.NewStore()
	require.NoError(t, store.CreatePool(poolID, testConfig(state.FeeSplit{TreasuryBps: 5000, ActiveCreditBps: 2000, FeeIndexBps: 8000})))
	vault := custody.NewVault()
	alice := position.DeriveKey("test", 1)
	seed(t, store, vault, alice, 1000)
	require.NoError(t, vault.Receive("USDC", "payer", u(1000)))
	router := fees.NewRouter(nil)

	var entries []ledger.Entry
	require.NoError(t, store.WithPool(poolID, func(p *state.Pool) error {
		tx := fees.NewTx(vault)
		collect(p, tx, u(1000))
		routed, err := router.AccrueWithTreasury(p, u(1000), fees.SourceProduct, tx)
		if err != nil {
			return err
		}
		assert.Equal(t, uint64(500), routed.ToTreasury.Uint64())
		assert.Equal(t, uint64(500), routed.ToFeeIndex.Uint64())
		entries = tx.Rec.Entries()
		return tx.Moves.Execute()
	}))

	require.NoError(t, store.WithPool(poolID, func(p *state.Pool) error {
		s, err := p.SettlePosition(alice)
		require.NoError(t, err)
		assert.Equal(t, uint64(500), s.FeeYield.Uint64())
		assert.Equal(t, uint64(500), p.YieldReserve.Uint64())
		assert.Equal(t, uint64(1500), p.TrackedBalance.Uint64())
		return p.CheckInvariants()
	}))

	batch := ledger.NewBatch("fee-1", 1, 0, entries)
	assert.NoError(t, ledger.NewInvariantValidator(ledger.NewBalanceTracker()).ValidateBatchBalance(batch))
}

func TestRoute_TrackedBalanceShortfall(t *testing.T) {
	store := state.NewStore()
	require.NoError(t, store.CreatePool(poolID, testConfig(state.FeeSplit{TreasuryBps: 10_000, FeeIndexBps: 10_000})))
	vault := custody.NewVault()
	require.NoError(t, vault.Receive("USDC", "payer", u(1000)))
	router := fees.NewRouter(nil)

	err := store.WithPool(poolID, func(p *state.Pool) error {
		// fee claimed but never added to the tracked balance
		_, err := router.RouteSamePool(p, u(100), fees.SourceBorrow, fees.NewTx(vault))
		return err
	})
	require.Error(t, err)
	res, ok := errs.ResourceOf(err)
	require.True(t, ok)
	assert.Equal(t, errs.ResourceTrackedBalance, res)
}

func TestRoute_CustodyShortfall(t *testing.T) {
	store := state.NewStore()
	require.NoError(t, store.CreatePool(poolID, testConfig(state.FeeSplit{TreasuryBps: 10_000, FeeIndexBps: 10_000})))
	vault := custody.NewVault()
	router := fees.NewRouter(nil)

	err := store.WithPool(poolID, func(p *state.Pool) error {
		tx := fees.NewTx(vault)
		collect(p, tx, u(100))
		_, err := router.RouteSamePool(p, u(100), fees.SourceBorrow, tx)
		return err
	})
	res, ok := errs.ResourceOf(err)
	require.True(t, ok)
	assert.Equal(t, errs.ResourceCustodyBalance, res)

	// rolled back
	require.NoError(t, store.View(poolID, func(p *state.Pool) error {
		assert.True(t, p.TrackedBalance.IsZero())
		return nil
	}))
}

func TestRouteManagedShare_CreditsManager(t *testing.T) {
	manager := position.DeriveKey("managers", 1)
	cfg := testConfig(state.FeeSplit{TreasuryBps: 0, ActiveCreditBps: 0, FeeIndexBps: 10_000})
	cfg.Manager = manager
	cfg.ManagerShareBps = 1000

	store := state.NewStore()
	require.NoError(t, store.CreatePool(poolID, cfg))
	vault := custody.NewVault()
	alice := position.DeriveKey("test", 1)
	seed(t, store, vault, alice, 900)
	require.NoError(t, vault.Receive("USDC", "payer", u(1000)))
	router := fees.NewRouter(nil)

	require.NoError(t, store.WithPool(poolID, func(p *state.Pool) error {
		tx := fees.NewTx(vault)
		collect(p, tx, u(1000))
		routed, err := router.RouteManagedShare(p, u(1000), fees.SourceManagedPool, tx, 10)
		if err != nil {
			return err
		}
		assert.Equal(t, uint64(100), routed.ToManager.Uint64())
		assert.Equal(t, uint64(900), routed.ToFeeIndex.Uint64())
		return tx.Moves.Execute()
	}))

	require.NoError(t, store.View(poolID, func(p *state.Pool) error {
		assert.Equal(t, uint64(100), p.Principal(manager).Uint64())
		assert.Equal(t, uint64(1000), p.TotalDeposits.Uint64())
		return p.CheckInvariants()
	}))
}
