package math_test

import (
	"errors"
	"testing"

	fpmath "EqualisLedger/internal/math"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMulDiv_Rounding(t *testing.T) {
	x := uint256.NewInt(10)
	y := uint256.NewInt(1)
	d := uint256.NewInt(3)

	down, err := fpmath.MulDiv(x, y, d, fpmath.RoundDown)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), down.Uint64())

	up, err := fpmath.MulDiv(x, y, d, fpmath.RoundUp)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), up.Uint64())

	exact, err := fpmath.MulDiv(uint256.NewInt(9), y, d, fpmath.RoundUp)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), exact.Uint64())
}

func TestMulDiv_DivisionByZero(t *testing.T) {
	_, err := fpmath.MulDiv(uint256.NewInt(1), uint256.NewInt(1), uint256.NewInt(0), fpmath.RoundDown)
	assert.ErrorIs(t, err, fpmath.ErrDivisionByZero)
}

func TestCheckedArithmetic(t *testing.T) {
	max := new(uint256.Int).SetAllOne()

	_, err := fpmath.Add(max, uint256.NewInt(1))
	assert.True(t, errors.Is(err, fpmath.ErrOverflow))

	_, err = fpmath.Sub(uint256.NewInt(1), uint256.NewInt(2))
	assert.True(t, errors.Is(err, fpmath.ErrUnderflow))

	_, err = fpmath.Mul(max, uint256.NewInt(2))
	assert.True(t, errors.Is(err, fpmath.ErrOverflow))

	sum, err := fpmath.Add(uint256.NewInt(40), uint256.NewInt(2))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), sum.Uint64())
}

func TestApplyBps(t *testing.T) {
	got, err := fpmath.ApplyBps(uint256.NewInt(1000), 5000)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), got.Uint64())

	// 33 * 3333 / 10000 = 10.9989 -> 10
	got, err = fpmath.ApplyBps(uint256.NewInt(33), 3333)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), got.Uint64())
}

func TestWithinBps_BoundaryInclusive(t *testing.T) {
	principal := uint256.NewInt(100)
	assert.True(t, fpmath.WithinBps(uint256.NewInt(80), principal, 8000))
	assert.False(t, fpmath.WithinBps(uint256.NewInt(81), principal, 8000))
}

func TestWithinBps_HugeValuesDoNotWrap(t *testing.T) {
	max := new(uint256.Int).SetAllOne()
	// max*10000 and max*9999 both exceed 2^256
	assert.False(t, fpmath.WithinBps(max, max, 9999))
	assert.True(t, fpmath.WithinBps(max, max, 10000))
}

func TestAccrueRatio_CarriesRemainder(t *testing.T) {
	acc, err := fpmath.AccrueRatio(uint256.NewInt(10), fpmath.Zero(), uint256.NewInt(3))
	require.NoError(t, err)
	assert.Equal(t, "3333333333333333333", acc.Delta.Dec())
	assert.Equal(t, uint64(1), acc.Remainder.Uint64())

	_, err = fpmath.AccrueRatio(uint256.NewInt(10), fpmath.Zero(), fpmath.Zero())
	assert.ErrorIs(t, err, fpmath.ErrDivisionByZero)
}

func TestPendingDelta(t *testing.T) {
	index := fpmath.MustAmount("1500000000000000000")
	snapshot := fpmath.Wad()

	got, err := fpmath.PendingDelta(index, snapshot, uint256.NewInt(200))
	require.NoError(t, err)
	assert.Equal(t, uint64(100), got.Uint64())

	_, err = fpmath.PendingDelta(snapshot, index, uint256.NewInt(200))
	assert.ErrorIs(t, err, fpmath.ErrUnderflow)
}

func TestToDecimal(t *testing.T) {
	d := fpmath.ToDecimal(uint256.NewInt(1_234_500), 6)
	assert.Equal(t, "1.2345", d.String())
	assert.Equal(t, "1", fpmath.WadToDecimal(fpmath.Wad()).String())
}
