package ledger

import "github.com/holiman/uint256"

// Recorder collects the entries one operation produces. Zero amounts are
// dropped so callers can record fallbacks unconditionally.
type Recorder struct {
	entries []Entry
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Record(typ JournalType, debit, credit AccountKey, asset string, amount *uint256.Int) {
	if amount == nil || amount.IsZero() {
		return
	}
	e := Entry{Type: typ, Debit: debit, Credit: credit, Asset: asset}
	e.Amount.Set(amount)
	r.entries = append(r.entries, e)
}

func (r *Recorder) Entries() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

func (r *Recorder) Len() int {
	return len(r.entries)
}
