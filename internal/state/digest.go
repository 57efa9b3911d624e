package state

import (
	"encoding/binary"

	"EqualisLedger/internal/encumbrance"
	"EqualisLedger/internal/position"

	"github.com/holiman/uint256"
)

func appendU256(buf []byte, v *uint256.Int) []byte {
	b := v.Bytes32()
	return append(buf, b[:]...)
}

func appendInt64LE(buf []byte, v int64) []byte {
	return binary.LittleEndian.AppendUint64(buf, uint64(v))
}

// CanonicalBytes returns deterministic serialization of the pool totals for hashing
func (p *Pool) CanonicalBytes() []byte {
	buf := make([]byte, 0, 12*32)

	buf = binary.LittleEndian.AppendUint32(buf, p.ID)
	if p.Paused {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = appendU256(buf, &p.TotalDeposits)
	buf = appendU256(buf, &p.TrackedBalance)
	buf = appendU256(buf, &p.YieldReserve)
	buf = appendU256(buf, &p.TotalDebt)
	buf = appendU256(buf, &p.FeeIndex.Index)
	buf = appendU256(buf, &p.FeeIndex.Remainder)
	buf = appendU256(buf, &p.ActiveCredit.Index)
	buf = appendU256(buf, &p.ActiveCredit.Remainder)
	buf = appendU256(buf, &p.ActiveCreditPrincipalTotal)
	buf = appendU256(buf, &p.TreasuryPaid)
	buf = appendInt64LE(buf, int64(p.NextLoanID))

	return buf
}

// CanonicalBytes returns deterministic serialization of a position for hashing
func (pos *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 16*32)

	buf = append(buf, pos.Key[:]...)
	buf = appendU256(buf, &pos.Principal)
	buf = appendU256(buf, &pos.FeeIndexSnapshot)
	buf = appendU256(buf, &pos.AccruedYield)
	for _, b := range encumbrance.Buckets {
		buf = appendU256(buf, pos.Encumbrance.Get(b))
	}
	for _, cs := range []struct {
		principal, snapshot *uint256.Int
		start               int64
	}{
		{&pos.DebtCredit.Principal, &pos.DebtCredit.IndexSnapshot, pos.DebtCredit.StartTime},
		{&pos.EncumbranceCredit.Principal, &pos.EncumbranceCredit.IndexSnapshot, pos.EncumbranceCredit.StartTime},
	} {
		buf = appendU256(buf, cs.principal)
		buf = appendU256(buf, cs.snapshot)
		buf = appendInt64LE(buf, cs.start)
	}
	buf = appendU256(buf, &pos.RollingLoan)
	for _, id := range pos.FixedLoanIDs() {
		l := pos.FixedLoans[id]
		buf = appendInt64LE(buf, int64(id))
		buf = appendU256(buf, &l.Principal)
		buf = appendInt64LE(buf, l.Maturity)
	}
	for _, id := range sortedUUIDs(pos.DirectDebts) {
		d := pos.DirectDebts[id]
		buf = append(buf, id[:]...)
		buf = appendU256(buf, &d.Principal)
		buf = binary.LittleEndian.AppendUint32(buf, d.LenderPool)
	}
	return buf
}

// Digest serializes the pool totals followed by the given positions in key
// order. Unknown keys contribute only their key bytes.
func (p *Pool) Digest(keys []position.Key) []byte {
	out := p.CanonicalBytes()
	for _, k := range keys {
		if pos, ok := p.positions[k]; ok {
			out = append(out, pos.CanonicalBytes()...)
		} else {
			out = append(out, k[:]...)
		}
	}
	return out
}
