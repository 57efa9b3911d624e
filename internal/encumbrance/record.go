// Package encumbrance tracks how much of a position's principal in a pool is
// reserved against outside obligations.
package encumbrance

import (
	"fmt"

	fpmath "EqualisLedger/internal/math"

	"github.com/holiman/uint256"
)

// Bucket is one of the four independent lock categories.
type Bucket uint8

const (
	// DirectLocked is collateral pledged to a bilateral or derivative agreement.
	DirectLocked Bucket = iota
	// DirectLent is capital opted into a lending, perp or prediction spoke as LP.
	DirectLent
	// DirectOfferEscrow is capital reserved for an open, unfilled offer.
	DirectOfferEscrow
	// IndexEncumbered is capital backing an index-vault mint.
	IndexEncumbered
)

var Buckets = [...]Bucket{DirectLocked, DirectLent, DirectOfferEscrow, IndexEncumbered}

func (b Bucket) String() string {
	switch b {
	case DirectLocked:
		return "direct_locked"
	case DirectLent:
		return "direct_lent"
	case DirectOfferEscrow:
		return "direct_offer_escrow"
	case IndexEncumbered:
		return "index_encumbered"
	default:
		return "unknown"
	}
}

func ParseBucket(s string) (Bucket, error) {
	for _, b := range Buckets {
		if b.String() == s {
			return b, nil
		}
	}
	return 0, fmt.Errorf("encumbrance: unknown bucket %q", s)
}

// ActiveCredit reports whether capital in the bucket is deployed and earns
// from the active credit index. Escrow for an unfilled offer is not.
func (b Bucket) ActiveCredit() bool {
	return b != DirectOfferEscrow
}

// Record is the per (position, pool) encumbrance state.
type Record struct {
	DirectLocked      uint256.Int
	DirectLent        uint256.Int
	DirectOfferEscrow uint256.Int
	IndexEncumbered   uint256.Int
}

func (r *Record) slot(b Bucket) *uint256.Int {
	switch b {
	case DirectLocked:
		return &r.DirectLocked
	case DirectLent:
		return &r.DirectLent
	case DirectOfferEscrow:
		return &r.DirectOfferEscrow
	case IndexEncumbered:
		return &r.IndexEncumbered
	default:
		panic(fmt.Sprintf("FATAL: encumbrance bucket %d out of range", b))
	}
}

// Get returns a copy of one bucket.
func (r *Record) Get(b Bucket) *uint256.Int {
	return new(uint256.Int).Set(r.slot(b))
}

// Set overwrites one bucket. Only snapshot restore uses it.
func (r *Record) Set(b Bucket, v *uint256.Int) {
	r.slot(b).Set(v)
}

// Total sums the four buckets. Each bucket is bounded by principal, so a
// wrapping sum means the record is already corrupt.
func (r *Record) Total() *uint256.Int {
	total := fpmath.Zero()
	for _, b := range Buckets {
		next, err := fpmath.Add(total, r.slot(b))
		if err != nil {
			panic(fmt.Sprintf("FATAL: encumbrance total overflow: %v", err))
		}
		total = next
	}
	return total
}

func (r *Record) IsZero() bool {
	for _, b := range Buckets {
		if !r.slot(b).IsZero() {
			return false
		}
	}
	return true
}

func (r *Record) Clone() Record {
	var c Record
	for _, b := range Buckets {
		c.slot(b).Set(r.slot(b))
	}
	return c
}
