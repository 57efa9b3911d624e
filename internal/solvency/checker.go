// Package solvency computes debt and evaluates the pool loan-to-value bound
// that gates every borrow, withdrawal and liquidation.
package solvency

import (
	"errors"
	"fmt"

	fpmath "EqualisLedger/internal/math"
	"EqualisLedger/internal/position"

	"github.com/holiman/uint256"
)

var ErrSolvencyViolation = errors.New("solvency violation")

// DebtSource distinguishes where a debt line came from.
type DebtSource uint8

const (
	SourceRolling DebtSource = iota
	SourceFixedTerm
	SourceDirect
)

func (s DebtSource) String() string {
	switch s {
	case SourceRolling:
		return "rolling"
	case SourceFixedTerm:
		return "fixed_term"
	case SourceDirect:
		return "direct"
	default:
		return "unknown"
	}
}

// Debt is one outstanding loan line of a position.
type Debt struct {
	Source    DebtSource
	Asset     string
	Principal *uint256.Int
}

// DebtBook lists every open debt a position carries in one pool.
type DebtBook interface {
	Debts(key position.Key) []Debt
}

// TotalDebt sums rolling, fixed-term and direct-agreement principal.
func TotalDebt(book DebtBook, key position.Key) (*uint256.Int, error) {
	return sum(book.Debts(key), func(Debt) bool { return true })
}

// SameAssetDebt sums only debt denominated in underlying.
func SameAssetDebt(book DebtBook, key position.Key, underlying string) (*uint256.Int, error) {
	return sum(book.Debts(key), func(d Debt) bool { return d.Asset == underlying })
}

func sum(debts []Debt, keep func(Debt) bool) (*uint256.Int, error) {
	total := fpmath.Zero()
	for _, d := range debts {
		if !keep(d) || d.Principal == nil {
			continue
		}
		next, err := fpmath.Add(total, d.Principal)
		if err != nil {
			return nil, fmt.Errorf("total debt (%s): %w", d.Source, err)
		}
		total = next
	}
	return total, nil
}

// CheckSolvency reports debt*10_000 <= principal*ltvBps. The bound is
// inclusive and reads no prices.
func CheckSolvency(ltvBps uint16, principal, debt *uint256.Int) bool {
	return fpmath.WithinBps(debt, principal, ltvBps)
}

// Violation carries the operands of a failed solvency gate.
type Violation struct {
	PoolID    uint32
	Key       position.Key
	Principal uint256.Int
	Debt      uint256.Int
	LTVBps    uint16
	Bound     uint256.Int // max debt the principal supports
}

func (v *Violation) Error() string {
	return fmt.Sprintf("solvency violation: pool=%d position=%s principal=%s debt=%s ltv_bps=%d max_debt=%s",
		v.PoolID, v.Key.Short(), v.Principal.Dec(), v.Debt.Dec(), v.LTVBps, v.Bound.Dec())
}

func (v *Violation) Is(target error) bool {
	return target == ErrSolvencyViolation
}

// Require is CheckSolvency returning a *Violation on failure.
func Require(poolID uint32, key position.Key, ltvBps uint16, principal, debt *uint256.Int) error {
	if CheckSolvency(ltvBps, principal, debt) {
		return nil
	}
	v := &Violation{PoolID: poolID, Key: key, LTVBps: ltvBps}
	v.Principal.Set(principal)
	v.Debt.Set(debt)
	if bound, err := fpmath.ApplyBps(principal, ltvBps); err == nil {
		v.Bound.Set(bound)
	}
	return v
}

// NetEquity is max(0, collateralValue - sameAssetDebt).
func NetEquity(collateralValue, sameAssetDebt *uint256.Int) *uint256.Int {
	return fpmath.SaturatingSub(collateralValue, sameAssetDebt)
}

// Liquidatable reports debt*10_000 > principal*thresholdBps. A position
// with debt and no principal is always liquidatable.
func Liquidatable(thresholdBps uint16, principal, debt *uint256.Int) bool {
	if debt.IsZero() {
		return false
	}
	return !fpmath.WithinBps(debt, principal, thresholdBps)
}
