package math

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// WadDecimals is the precision of every ratio and index in the ledger.
const WadDecimals = 18

// BpsDenominator is 100% expressed in basis points.
const BpsDenominator uint64 = 10_000

var (
	ErrOverflow       = errors.New("math: uint256 overflow")
	ErrUnderflow      = errors.New("math: uint256 underflow")
	ErrDivisionByZero = errors.New("math: division by zero")
)

// Wad returns a fresh 1e18.
func Wad() *uint256.Int {
	return uint256.NewInt(1_000_000_000_000_000_000)
}

// Zero returns a fresh zero value.
func Zero() *uint256.Int {
	return new(uint256.Int)
}

type RoundingMode int

const (
	RoundDown RoundingMode = iota
	RoundUp
)

// Add returns x + y, failing instead of wrapping.
func Add(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, fmt.Errorf("%w: %s + %s", ErrOverflow, x.Dec(), y.Dec())
	}
	return z, nil
}

// Sub returns x - y, failing when y > x.
func Sub(x, y *uint256.Int) (*uint256.Int, error) {
	z, underflow := new(uint256.Int).SubOverflow(x, y)
	if underflow {
		return nil, fmt.Errorf("%w: %s - %s", ErrUnderflow, x.Dec(), y.Dec())
	}
	return z, nil
}

// Mul returns x * y, failing instead of wrapping.
func Mul(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(x, y)
	if overflow {
		return nil, fmt.Errorf("%w: %s * %s", ErrOverflow, x.Dec(), y.Dec())
	}
	return z, nil
}

// MulDiv computes x * y / d with a 512-bit intermediate.
func MulDiv(x, y, d *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivisionByZero
	}
	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, fmt.Errorf("%w: %s * %s / %s", ErrOverflow, x.Dec(), y.Dec(), d.Dec())
	}
	if mode == RoundUp {
		rem := new(uint256.Int).MulMod(x, y, d)
		if !rem.IsZero() {
			return Add(z, uint256.NewInt(1))
		}
	}
	return z, nil
}

// ApplyBps returns amount * bps / 10_000, rounded down.
func ApplyBps(amount *uint256.Int, bps uint16) (*uint256.Int, error) {
	return MulDiv(amount, uint256.NewInt(uint64(bps)), uint256.NewInt(BpsDenominator), RoundDown)
}

// WithinBps reports lhs * 10_000 <= rhs * bps. The products are compared
// in a 512-bit domain so huge principals cannot wrap.
func WithinBps(lhs, rhs *uint256.Int, bps uint16) bool {
	return MulDivCmp(lhs, BpsDenominator, rhs, uint64(bps)) <= 0
}

// MulDivCmp compares a*x with b*y using a 512-bit domain.
func MulDivCmp(a *uint256.Int, x uint64, b *uint256.Int, y uint64) int {
	left := a.ToBig()
	left.Mul(left, new(big.Int).SetUint64(x))
	right := b.ToBig()
	right.Mul(right, new(big.Int).SetUint64(y))
	return left.Cmp(right)
}

// Min returns the smaller of x and y as a fresh value.
func Min(x, y *uint256.Int) *uint256.Int {
	if x.Cmp(y) <= 0 {
		return new(uint256.Int).Set(x)
	}
	return new(uint256.Int).Set(y)
}

// SaturatingSub returns max(0, x - y).
func SaturatingSub(x, y *uint256.Int) *uint256.Int {
	if x.Cmp(y) <= 0 {
		return Zero()
	}
	return new(uint256.Int).Sub(x, y)
}

// ParseAmount reads a base-10 integer amount as sent on the wire.
func ParseAmount(s string) (*uint256.Int, error) {
	if s == "" {
		return Zero(), nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return v, nil
}

// MustAmount is ParseAmount for constants and tests.
func MustAmount(s string) *uint256.Int {
	v, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return v
}

// ToDecimal renders a raw token amount with the token's decimals.
func ToDecimal(x *uint256.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(x.ToBig(), -decimals)
}

// WadToDecimal renders a wad-scaled ratio.
func WadToDecimal(x *uint256.Int) decimal.Decimal {
	return ToDecimal(x, WadDecimals)
}
