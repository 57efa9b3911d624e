package projection

import (
	"sort"
	"sync"

	"EqualisLedger/internal/ledger"
	fpmath "EqualisLedger/internal/math"

	"github.com/holiman/uint256"
)

// FeeEntry is one routed fee leg.
type FeeEntry struct {
	JournalID   string
	Sequence    int64
	PoolID      uint32
	Asset       string
	Destination string // treasury, yield_reserve or manager
	Amount      uint256.Int
	Timestamp   int64
}

var feeDestinations = map[string]string{
	ledger.JournalTypeFeeTreasury.String(): "treasury",
	ledger.JournalTypeFeeYield.String():    "yield_reserve",
	ledger.JournalTypeFeeManager.String():  "manager",
}

// FeeEntriesFrom picks the routed fee legs out of one output's journals.
// Collection legs into the clearing account are not routes and are skipped.
func FeeEntriesFrom(out ProjectionOutput) ([]FeeEntry, error) {
	var entries []FeeEntry
	for _, j := range out.Journals {
		dest, ok := feeDestinations[j.JournalType]
		if !ok {
			continue
		}
		amt, err := fpmath.ParseAmount(j.Amount)
		if err != nil {
			return nil, err
		}
		e := FeeEntry{
			JournalID:   j.JournalID,
			Sequence:    j.Sequence,
			PoolID:      uint32(j.PoolID),
			Asset:       j.Asset,
			Destination: dest,
			Timestamp:   j.Timestamp,
		}
		e.Amount.Set(amt)
		entries = append(entries, e)
	}
	return entries, nil
}

// FeeHistoryProjection keeps routed fees in memory for the query API.
// Safe for one writer (the projection worker) and concurrent readers.
type FeeHistoryProjection struct {
	mu      sync.RWMutex
	entries map[uint32][]FeeEntry // pool -> entries in sequence order
	limit   int
}

// NewFeeHistoryProjection keeps at most limit entries per pool; zero keeps all.
func NewFeeHistoryProjection(limit int) *FeeHistoryProjection {
	return &FeeHistoryProjection{
		entries: make(map[uint32][]FeeEntry),
		limit:   limit,
	}
}

// AddEntry records a routed fee
func (p *FeeHistoryProjection) AddEntry(entry FeeEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	list := append(p.entries[entry.PoolID], entry)
	if p.limit > 0 && len(list) > p.limit {
		list = list[len(list)-p.limit:]
	}
	p.entries[entry.PoolID] = list
}

// QueryByPool returns a pool's most recent fees, newest first.
func (p *FeeHistoryProjection) QueryByPool(poolID uint32, limit int) []FeeEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	list := p.entries[poolID]
	result := make([]FeeEntry, 0, min(limit, len(list)))
	for i := len(list) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, list[i])
	}
	return result
}

// Totals sums the retained entries of a pool per destination.
func (p *FeeHistoryProjection) Totals(poolID uint32) map[string]*uint256.Int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	totals := make(map[string]*uint256.Int)
	for _, e := range p.entries[poolID] {
		t, ok := totals[e.Destination]
		if !ok {
			t = new(uint256.Int)
			totals[e.Destination] = t
		}
		t.Add(t, &e.Amount)
	}
	return totals
}

// Pools lists pools with recorded fees.
func (p *FeeHistoryProjection) Pools() []uint32 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]uint32, 0, len(p.entries))
	for id := range p.entries {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
