// Package custody holds the physical token balances the ledger's tracked
// balances claim against.
package custody

import (
	"fmt"
	"sort"
	"sync"

	"EqualisLedger/internal/errs"
	fpmath "EqualisLedger/internal/math"

	"github.com/holiman/uint256"
)

// Custody moves tokens in and out of the ledger's holding account.
type Custody interface {
	Balance(asset string) *uint256.Int
	Receive(asset, from string, amount *uint256.Int) error
	Transfer(asset, to string, amount *uint256.Int) error
}

// Transfer is one recorded outbound movement.
type Transfer struct {
	Asset  string
	To     string
	Amount uint256.Int
}

// Vault is an in-memory Custody. It keeps the holding balance per asset
// and a running total per counterparty.
type Vault struct {
	mu       sync.Mutex
	balances map[string]*uint256.Int
	paid     map[string]map[string]*uint256.Int // asset -> recipient -> total
	log      []Transfer
}

func NewVault() *Vault {
	return &Vault{
		balances: make(map[string]*uint256.Int),
		paid:     make(map[string]map[string]*uint256.Int),
	}
}

func (v *Vault) Balance(asset string) *uint256.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if b, ok := v.balances[asset]; ok {
		return new(uint256.Int).Set(b)
	}
	return fpmath.Zero()
}

func (v *Vault) Receive(asset, from string, amount *uint256.Int) error {
	if err := errs.RequireNonZero("amount", amount); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	cur := v.balance(asset)
	next, err := fpmath.Add(cur, amount)
	if err != nil {
		return fmt.Errorf("custody receive %s from %s: %w", asset, from, err)
	}
	cur.Set(next)
	return nil
}

func (v *Vault) Transfer(asset, to string, amount *uint256.Int) error {
	if err := errs.RequireNonZero("amount", amount); err != nil {
		return err
	}
	if to == "" {
		return errs.Invalid("to", `""`, "non-empty recipient")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	cur := v.balance(asset)
	if amount.Gt(cur) {
		return errs.Insufficient(errs.ResourceCustodyBalance, 0, amount, cur)
	}
	cur.Sub(cur, amount)

	byTo, ok := v.paid[asset]
	if !ok {
		byTo = make(map[string]*uint256.Int)
		v.paid[asset] = byTo
	}
	total, ok := byTo[to]
	if !ok {
		total = new(uint256.Int)
		byTo[to] = total
	}
	total.Add(total, amount)

	t := Transfer{Asset: asset, To: to}
	t.Amount.Set(amount)
	v.log = append(v.log, t)
	return nil
}

func (v *Vault) balance(asset string) *uint256.Int {
	b, ok := v.balances[asset]
	if !ok {
		b = new(uint256.Int)
		v.balances[asset] = b
	}
	return b
}

// PaidTo is the total ever transferred to a recipient.
func (v *Vault) PaidTo(asset, to string) *uint256.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if t, ok := v.paid[asset][to]; ok {
		return new(uint256.Int).Set(t)
	}
	return fpmath.Zero()
}

// Transfers returns the outbound log.
func (v *Vault) Transfers() []Transfer {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Transfer, len(v.log))
	copy(out, v.log)
	return out
}

// Assets lists every asset the vault has seen.
func (v *Vault) Assets() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, 0, len(v.balances))
	for a := range v.balances {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns the holding balance per asset as decimal strings.
func (v *Vault) Snapshot() map[string]string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]string, len(v.balances))
	for a, b := range v.balances {
		out[a] = b.Dec()
	}
	return out
}

// Restore replaces the holding balances. Payout history is not restored.
func (v *Vault) Restore(balances map[string]string) error {
	parsed := make(map[string]*uint256.Int, len(balances))
	for a, s := range balances {
		b, err := fpmath.ParseAmount(s)
		if err != nil {
			return fmt.Errorf("custody restore %s: %w", a, err)
		}
		parsed[a] = b
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balances = parsed
	return nil
}
