package custody_test

import (
	"testing"

	"EqualisLedger/internal/custody"
	"EqualisLedger/internal/errs"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVault_ReceiveAndTransfer(t *testing.T) {
	v := custody.NewVault()
	require.NoError(t, v.Receive("USDC", "alice", uint256.NewInt(100)))
	assert.Equal(t, uint64(100), v.Balance("USDC").Uint64())

	require.NoError(t, v.Transfer("USDC", "treasury", uint256.NewInt(30)))
	require.NoError(t, v.Transfer("USDC", "treasury", uint256.NewInt(5)))
	assert.Equal(t, uint64(65), v.Balance("USDC").Uint64())
	assert.Equal(t, uint64(35), v.PaidTo("USDC", "treasury").Uint64())
	assert.Len(t, v.Transfers(), 2)
	assert.Equal(t, []string{"USDC"}, v.Assets())
}

func TestVault_TransferShortfall(t *testing.T) {
	v := custody.NewVault()
	require.NoError(t, v.Receive("USDC", "alice", uint256.NewInt(10)))

	err := v.Transfer("USDC", "bob", uint256.NewInt(11))
	require.Error(t, err)
	res, ok := errs.ResourceOf(err)
	require.True(t, ok)
	assert.Equal(t, errs.ResourceCustodyBalance, res)
	assert.Equal(t, uint64(10), v.Balance("USDC").Uint64())
}

func TestVault_RejectsZero(t *testing.T) {
	v := custody.NewVault()
	assert.ErrorIs(t, v.Receive("USDC", "alice", uint256.NewInt(0)), errs.ErrValidation)
	assert.ErrorIs(t, v.Transfer("USDC", "", uint256.NewInt(1)), errs.ErrValidation)
}
