package index_test

import (
	"testing"

	"EqualisLedger/internal/index"
	fpmath "EqualisLedger/internal/math"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccrue_ThreeWayRemainderRollsForward(t *testing.T) {
	acc := index.NewAccumulator()
	total := uint256.NewInt(3)

	res, err := acc.Accrue(uint256.NewInt(10), total)
	require.NoError(t, err)
	assert.Equal(t, "3333333333333333333", res.Delta.Dec())
	assert.Equal(t, uint64(1), acc.Remainder.Uint64())
	assert.True(t, res.Fallback.IsZero())

	// three equal-weight participants each see exactly delta on their snapshot
	holders := make([]index.CreditState, 3)
	for i := range holders {
		holders[i].Principal.SetUint64(1)
		holders[i].IndexSnapshot.Set(fpmath.Wad())
	}
	for i := range holders {
		before := new(uint256.Int).Set(&holders[i].IndexSnapshot)
		_, err := holders[i].Settle(&acc)
		require.NoError(t, err)
		moved := new(uint256.Int).Sub(&holders[i].IndexSnapshot, before)
		assert.Equal(t, res.Delta.Dec(), moved.Dec())
	}

	res, err = acc.Accrue(uint256.NewInt(10), total)
	require.NoError(t, err)
	assert.Equal(t, "3333333333333333333", res.Delta.Dec())
	assert.Equal(t, uint64(2), acc.Remainder.Uint64())

	// the carried 2 completes a unit: delta increments by one
	res, err = acc.Accrue(uint256.NewInt(10), total)
	require.NoError(t, err)
	assert.Equal(t, "3333333333333333334", res.Delta.Dec())
	assert.True(t, acc.Remainder.IsZero())

	// 30 units over 3 principal = exactly 10 per unit of principal
	pending, err := acc.Pending(fpmath.Wad(), uint256.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(10), pending.Uint64())
}

func TestAccrue_NoParticipantsFallsBack(t *testing.T) {
	acc := index.NewAccumulator()
	res, err := acc.Accrue(uint256.NewInt(500), fpmath.Zero())
	require.NoError(t, err)
	assert.Equal(t, uint64(500), res.Fallback.Uint64())
	assert.True(t, res.Delta.IsZero())
	assert.Equal(t, fpmath.Wad().Dec(), acc.Index.Dec())
}

func TestAccrue_RemainderBoundAndMonotonic(t *testing.T) {
	acc := index.NewAccumulator()
	totals := []uint64{7, 7, 13, 1_000_003, 2, 999}
	amounts := []uint64{1, 5, 3, 17, 1, 123_456}

	prev := new(uint256.Int).Set(&acc.Index)
	for i := range totals {
		total := uint256.NewInt(totals[i])
		require.NoError(t, acc.Rebase(total))
		_, err := acc.Accrue(uint256.NewInt(amounts[i]), total)
		require.NoError(t, err)

		require.NoError(t, acc.CheckRemainder(total), "step %d", i)
		assert.False(t, acc.Index.Lt(prev), "index decreased at step %d", i)
		prev.Set(&acc.Index)
	}
}

func TestRebase_FoldsRemainderWhenTotalShrinks(t *testing.T) {
	acc := index.NewAccumulator()
	_, err := acc.Accrue(uint256.NewInt(1), uint256.NewInt(1_000_000_000_000_000_007))
	require.NoError(t, err)
	require.False(t, acc.Remainder.IsZero())

	small := uint256.NewInt(5)
	assert.Error(t, acc.CheckRemainder(small))

	before := new(uint256.Int).Set(&acc.Index)
	require.NoError(t, acc.Rebase(small))
	assert.NoError(t, acc.CheckRemainder(small))
	assert.True(t, acc.Index.Gt(before))
}

func TestCreditState_SettleIsIdempotent(t *testing.T) {
	acc := index.NewAccumulator()
	var s index.CreditState
	require.NoError(t, s.Grow(uint256.NewInt(100), &acc, 1))

	_, err := acc.Accrue(uint256.NewInt(50), uint256.NewInt(100))
	require.NoError(t, err)

	first, err := s.Settle(&acc)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), first.Uint64())

	second, err := s.Settle(&acc)
	require.NoError(t, err)
	assert.True(t, second.IsZero())
}

func TestCreditState_ShrinkResetsStartTime(t *testing.T) {
	acc := index.NewAccumulator()
	var s index.CreditState
	require.NoError(t, s.Grow(uint256.NewInt(10), &acc, 42))
	assert.Equal(t, int64(42), s.StartTime)

	require.NoError(t, s.Shrink(uint256.NewInt(10)))
	assert.Equal(t, int64(0), s.StartTime)
	assert.Error(t, s.Shrink(uint256.NewInt(1)))
}
