package custody

import (
	"fmt"

	"EqualisLedger/internal/errs"
	fpmath "EqualisLedger/internal/math"

	"github.com/holiman/uint256"
)

type receipt struct {
	asset, from string
	amount      uint256.Int
}

// Movements queues the token movements of one ledger operation so they run
// after every ledger mutation succeeded. Receipts run before transfers.
type Movements struct {
	custody   Custody
	receipts  []receipt
	transfers []Transfer
	inflow    map[string]*uint256.Int
	outflow   map[string]*uint256.Int
}

func NewMovements(c Custody) *Movements {
	return &Movements{
		custody: c,
		inflow:  make(map[string]*uint256.Int),
		outflow: make(map[string]*uint256.Int),
	}
}

func bump(m map[string]*uint256.Int, asset string, amount *uint256.Int) {
	cur, ok := m[asset]
	if !ok {
		cur = new(uint256.Int)
		m[asset] = cur
	}
	cur.Add(cur, amount)
}

// Available is the custody balance plus queued receipts minus queued
// transfers.
func (m *Movements) Available(asset string) *uint256.Int {
	bal := m.custody.Balance(asset)
	if in, ok := m.inflow[asset]; ok {
		bal.Add(bal, in)
	}
	if out, ok := m.outflow[asset]; ok {
		return fpmath.SaturatingSub(bal, out)
	}
	return bal
}

// Receive queues an inbound movement.
func (m *Movements) Receive(asset, from string, amount *uint256.Int) error {
	if err := errs.RequireNonZero("amount", amount); err != nil {
		return err
	}
	r := receipt{asset: asset, from: from}
	r.amount.Set(amount)
	m.receipts = append(m.receipts, r)
	bump(m.inflow, asset, amount)
	return nil
}

// Transfer queues an outbound movement, rejecting it up front when custody
// cannot cover it together with everything already queued.
func (m *Movements) Transfer(poolID uint32, asset, to string, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	if to == "" {
		return errs.Invalid("to", `""`, "non-empty recipient")
	}
	if avail := m.Available(asset); amount.Gt(avail) {
		return errs.Insufficient(errs.ResourceCustodyBalance, poolID, amount, avail)
	}
	t := Transfer{Asset: asset, To: to}
	t.Amount.Set(amount)
	m.transfers = append(m.transfers, t)
	bump(m.outflow, asset, amount)
	return nil
}

// Queued returns the pending transfers.
func (m *Movements) Queued() []Transfer {
	out := make([]Transfer, len(m.transfers))
	copy(out, m.transfers)
	return out
}

// Execute performs every queued movement.
func (m *Movements) Execute() error {
	for _, r := range m.receipts {
		if err := m.custody.Receive(r.asset, r.from, &r.amount); err != nil {
			return fmt.Errorf("custody receive %s from %s: %w", r.asset, r.from, err)
		}
	}
	for _, t := range m.transfers {
		if err := m.custody.Transfer(t.Asset, t.To, &t.Amount); err != nil {
			return fmt.Errorf("custody transfer %s to %s: %w", t.Asset, t.To, err)
		}
	}
	m.receipts = nil
	m.transfers = nil
	m.inflow = make(map[string]*uint256.Int)
	m.outflow = make(map[string]*uint256.Int)
	return nil
}
