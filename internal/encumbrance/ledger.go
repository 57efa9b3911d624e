package encumbrance

import (
	"errors"
	"fmt"

	"EqualisLedger/internal/errs"
	fpmath "EqualisLedger/internal/math"
	"EqualisLedger/internal/position"

	"github.com/holiman/uint256"
)

var ErrEncumbranceUnderflow = errors.New("encumbrance: underflow")

// UnderflowError is returned when a decrease asks for more than the bucket holds.
type UnderflowError struct {
	Bucket    Bucket
	Requested uint256.Int
	Available uint256.Int
}

func (e *UnderflowError) Error() string {
	return fmt.Sprintf("encumbrance underflow on %s: requested=%s, available=%s",
		e.Bucket, e.Requested.Dec(), e.Available.Dec())
}

func (e *UnderflowError) Is(target error) bool {
	return target == ErrEncumbranceUnderflow
}

// Positions is the per-pool view the ledger reads and writes. The pool
// store implements it; callers hold the pool lock for the whole call.
type Positions interface {
	PoolID() uint32
	Principal(key position.Key) *uint256.Int
	Encumbrance(key position.Key) *Record
}

// Increase adds amount to a bucket. It does not look at principal: callers
// check availability first (see Reserve).
func Increase(p Positions, key position.Key, b Bucket, amount *uint256.Int) error {
	rec := p.Encumbrance(key)
	slot := rec.slot(b)
	next, err := fpmath.Add(slot, amount)
	if err != nil {
		return fmt.Errorf("encumbrance %s: %w", b, err)
	}
	slot.Set(next)
	return nil
}

// Decrease removes amount from a bucket. It never clamps.
func Decrease(p Positions, key position.Key, b Bucket, amount *uint256.Int) error {
	rec := p.Encumbrance(key)
	slot := rec.slot(b)
	if amount.Gt(slot) {
		e := &UnderflowError{Bucket: b}
		e.Requested.Set(amount)
		e.Available.Set(slot)
		return e
	}
	slot.Sub(slot, amount)
	return nil
}

// Total is the sum of all four buckets for key in this pool.
func Total(p Positions, key position.Key) *uint256.Int {
	return p.Encumbrance(key).Total()
}

// Available is principal minus total encumbrance. Encumbrance above
// principal cannot be produced by the checked entry points, so it is fatal.
func Available(p Positions, key position.Key) *uint256.Int {
	principal := p.Principal(key)
	total := Total(p, key)
	if total.Gt(principal) {
		panic(fmt.Sprintf("FATAL: pool %d position %s encumbered %s above principal %s",
			p.PoolID(), key.Short(), total.Dec(), principal.Dec()))
	}
	return new(uint256.Int).Sub(principal, total)
}

// Reserve is the checked path products use: compute available principal,
// reject a shortfall, then increase the bucket.
func Reserve(p Positions, key position.Key, b Bucket, amount *uint256.Int) error {
	if err := errs.RequireNonZero("amount", amount); err != nil {
		return err
	}
	available := Available(p, key)
	if amount.Gt(available) {
		return errs.Insufficient(errs.ResourcePrincipal, p.PoolID(), amount, available)
	}
	return Increase(p, key, b, amount)
}

// CheckBound verifies principal >= total encumbrance.
func CheckBound(p Positions, key position.Key) error {
	principal := p.Principal(key)
	total := Total(p, key)
	if total.Gt(principal) {
		return fmt.Errorf("pool %d position %s: encumbered=%s exceeds principal=%s",
			p.PoolID(), key.Short(), total.Dec(), principal.Dec())
	}
	return nil
}
