// Package errs holds the error shapes shared by every ledger component:
// validation failures and insufficiency failures. Both are returned before
// any state is touched.
package errs

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

var (
	ErrValidation   = errors.New("validation failed")
	ErrInsufficient = errors.New("insufficient funds")
)

// ValidationError names the offending input and the bound it broke.
type ValidationError struct {
	Field string
	Value string
	Bound string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: got %s, want %s", e.Field, e.Value, e.Bound)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Invalid builds a *ValidationError.
func Invalid(field string, value any, bound string) error {
	return &ValidationError{Field: field, Value: fmt.Sprint(value), Bound: bound}
}

// RequireNonZero rejects zero amounts.
func RequireNonZero(field string, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return Invalid(field, 0, "> 0")
	}
	return nil
}

// Resource says which balance came up short, so callers can react
// differently to a liquidity shortfall than to a principal shortfall.
type Resource string

const (
	ResourcePrincipal      Resource = "principal"
	ResourceLiquidity      Resource = "liquidity"
	ResourceTrackedBalance Resource = "tracked_balance"
	ResourceCustodyBalance Resource = "custody_balance"
	ResourceYieldReserve   Resource = "yield_reserve"
	ResourceDebt           Resource = "debt"
)

// InsufficientPrincipalError reports required vs available for one resource.
type InsufficientPrincipalError struct {
	Resource  Resource
	PoolID    uint32
	Required  uint256.Int
	Available uint256.Int
}

func (e *InsufficientPrincipalError) Error() string {
	return fmt.Sprintf("insufficient %s in pool %d: required=%s, available=%s",
		e.Resource, e.PoolID, e.Required.Dec(), e.Available.Dec())
}

func (e *InsufficientPrincipalError) Is(target error) bool {
	return target == ErrInsufficient
}

// Insufficient copies the operands so the error stays stable after the
// caller mutates its scratch values.
func Insufficient(resource Resource, poolID uint32, required, available *uint256.Int) *InsufficientPrincipalError {
	e := &InsufficientPrincipalError{Resource: resource, PoolID: poolID}
	e.Required.Set(required)
	e.Available.Set(available)
	return e
}

// ResourceOf extracts the short resource from err, if any.
func ResourceOf(err error) (Resource, bool) {
	var ie *InsufficientPrincipalError
	if errors.As(err, &ie) {
		return ie.Resource, true
	}
	return "", false
}
