package product_test

import (
	"testing"

	"EqualisLedger/internal/encumbrance"
	"EqualisLedger/internal/errs"
	"EqualisLedger/internal/product"
	"EqualisLedger/internal/state"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var offerID = uuid.MustParse("0b9a3c57-8f4e-4d2a-9e61-5c7d1a2b3e4f")

// openAgreement has alice lend 400 USDC to bob against 300 WETH.
func openAgreement(t *testing.T, h *harness) {
	t.Helper()
	h.deposit(usdcPool, alice, 1000)
	h.deposit(wethPool, bob, 500)

	r, err := h.svc.PostOffer(product.PostOfferRequest{
		ID: offerID, Lender: alice, LenderPool: usdcPool, Principal: u(400),
		CollateralPool: wethPool, Collateral: u(300), FeeBps: 100, Term: 1000,
	})
	require.NoError(t, err)
	require.Equal(t, offerID, r.ID)

	r, err = h.svc.AcceptOffer(product.AcceptOfferRequest{LenderPool: usdcPool, OfferID: offerID, Borrower: bob, To: "bob-wallet", Now: 10})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), r.Fee.Uint64())
}

func (h *harness) agreement(id uuid.UUID) state.Agreement {
	h.t.Helper()
	var out state.Agreement
	require.NoError(h.t, h.store.View(usdcPool, func(p *state.Pool) error {
		a, ok := p.Agreement(id)
		require.True(h.t, ok)
		out = *a
		return nil
	}))
	return out
}

func TestPostOffer_EscrowsPrincipal(t *testing.T) {
	h := newHarness(t)
	h.deposit(usdcPool, alice, 1000)
	_, err := h.svc.PostOffer(product.PostOfferRequest{
		ID: offerID, Lender: alice, LenderPool: usdcPool, Principal: u(400),
		CollateralPool: wethPool, Collateral: u(300), FeeBps: 100, Term: 1000,
	})
	require.NoError(t, err)

	p := h.pos(usdcPool, alice)
	assert.Equal(t, uint64(400), p.Encumbrance.DirectOfferEscrow.Uint64())
	// escrow does not earn active credit
	assert.True(t, p.EncumbranceCredit.Principal.IsZero())

	_, err = h.svc.Withdraw(product.WithdrawRequest{Pool: usdcPool, Key: alice, To: "a", Amount: u(700)})
	res, ok := errs.ResourceOf(err)
	require.True(t, ok)
	assert.Equal(t, errs.ResourcePrincipal, res)

	_, err = h.svc.CancelOffer(product.CancelOfferRequest{LenderPool: usdcPool, OfferID: offerID, Lender: bob})
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = h.svc.CancelOffer(product.CancelOfferRequest{LenderPool: usdcPool, OfferID: offerID, Lender: alice})
	require.NoError(t, err)
	assert.True(t, h.pos(usdcPool, alice).Encumbrance.IsZero())

	_, err = h.svc.AcceptOffer(product.AcceptOfferRequest{LenderPool: usdcPool, OfferID: offerID, Borrower: bob, To: "b"})
	assert.ErrorIs(t, err, product.ErrOfferNotFound)
}

func TestAcceptOffer_MovesEscrowAndLocksCollateral(t *testing.T) {
	h := newHarness(t)
	openAgreement(t, h)

	assert.Equal(t, uint64(396), h.vault.PaidTo("USDC", "bob-wallet").Uint64())
	tot := h.totals(usdcPool)
	assert.Equal(t, uint64(400), tot.TotalDebt.Uint64())
	assert.Equal(t, uint64(604), tot.TrackedBalance.Uint64())

	lender := h.pos(usdcPool, alice)
	assert.True(t, lender.Encumbrance.DirectOfferEscrow.IsZero())
	assert.Equal(t, uint64(400), lender.Encumbrance.DirectLent.Uint64())
	assert.Equal(t, uint64(400), lender.EncumbranceCredit.Principal.Uint64())
	assert.Equal(t, uint64(4), lender.AccruedYield.Uint64())

	borrower := h.pos(wethPool, bob)
	assert.Equal(t, uint64(300), borrower.Encumbrance.DirectLocked.Uint64())
	require.Contains(t, borrower.DirectDebts, offerID)
	assert.Equal(t, "USDC", borrower.DirectDebts[offerID].Asset)

	a := h.agreement(offerID)
	assert.Equal(t, state.AgreementActive, a.Status)
	assert.Equal(t, int64(1010), a.Maturity)
	assert.Equal(t, state.FeeSplit{TreasuryBps: 1000, ActiveCreditBps: 2000, FeeIndexBps: 8000}, a.Split)
}

func TestAcceptOffer_CollateralShortfallRollsBackBothPools(t *testing.T) {
	h := newHarness(t)
	h.deposit(usdcPool, alice, 1000)
	h.deposit(wethPool, bob, 500)
	_, err := h.svc.PostOffer(product.PostOfferRequest{
		ID: offerID, Lender: alice, LenderPool: usdcPool, Principal: u(400),
		CollateralPool: wethPool, Collateral: u(600), FeeBps: 100, Term: 1000,
	})
	require.NoError(t, err)

	_, err = h.svc.AcceptOffer(product.AcceptOfferRequest{LenderPool: usdcPool, OfferID: offerID, Borrower: bob, To: "b"})
	res, ok := errs.ResourceOf(err)
	require.True(t, ok)
	assert.Equal(t, errs.ResourcePrincipal, res)

	assert.Equal(t, uint64(400), h.pos(usdcPool, alice).Encumbrance.DirectOfferEscrow.Uint64())
	assert.True(t, h.pos(wethPool, bob).Encumbrance.IsZero())
	assert.True(t, h.totals(usdcPool).TotalDebt.IsZero())
	assert.True(t, h.vault.PaidTo("USDC", "b").IsZero())
}

func TestRepayAgreement(t *testing.T) {
	h := newHarness(t)
	openAgreement(t, h)

	_, err := h.svc.RepayAgreement(product.RepayAgreementRequest{LenderPool: usdcPool, AgreementID: offerID, From: "bob-wallet", Now: 20})
	require.NoError(t, err)

	tot := h.totals(usdcPool)
	assert.True(t, tot.TotalDebt.IsZero())
	assert.Equal(t, uint64(1004), tot.TrackedBalance.Uint64())
	assert.True(t, h.pos(usdcPool, alice).Encumbrance.IsZero())
	borrower := h.pos(wethPool, bob)
	assert.True(t, borrower.Encumbrance.IsZero())
	assert.Empty(t, borrower.DirectDebts)
	assert.Equal(t, state.AgreementRepaid, h.agreement(offerID).Status)

	_, err = h.svc.RepayAgreement(product.RepayAgreementRequest{LenderPool: usdcPool, AgreementID: offerID, From: "bob-wallet", Now: 30})
	assert.ErrorIs(t, err, product.ErrAgreementClosed)
}

func TestDefaultAgreement_SeizesCollateral(t *testing.T) {
	h := newHarness(t)
	openAgreement(t, h)

	_, err := h.svc.DefaultAgreement(product.DefaultAgreementRequest{LenderPool: usdcPool, AgreementID: offerID, Now: 500})
	require.ErrorIs(t, err, product.ErrNotMatured)

	r, err := h.svc.DefaultAgreement(product.DefaultAgreementRequest{LenderPool: usdcPool, AgreementID: offerID, Now: 1010})
	require.NoError(t, err)
	assert.Equal(t, uint64(300), r.Amount.Uint64())
	assert.Equal(t, uint64(15), r.Fee.Uint64())

	// lender pool: lent principal written off
	assert.Equal(t, uint64(600), h.pos(usdcPool, alice).Principal.Uint64())
	assert.True(t, h.totals(usdcPool).TotalDebt.IsZero())

	// collateral pool: borrower loses 300, lender gains 300 less the penalty
	assert.Equal(t, uint64(200), h.pos(wethPool, bob).Principal.Uint64())
	assert.Equal(t, uint64(285), h.pos(wethPool, alice).Principal.Uint64())
	assert.True(t, h.pos(wethPool, bob).Encumbrance.Get(encumbrance.DirectLocked).IsZero())
	assert.Equal(t, uint64(1), h.vault.PaidTo("WETH", "treasury").Uint64())
	assert.Equal(t, state.AgreementDefaulted, h.agreement(offerID).Status)
	require.NoError(t, h.store.CheckInvariants())
}
