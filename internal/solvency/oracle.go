package solvency

import (
	"errors"
	"fmt"
	"sync"
	"time"

	fpmath "EqualisLedger/internal/math"

	"github.com/holiman/uint256"
)

var (
	ErrNoPrice    = errors.New("oracle: no price")
	ErrStalePrice = errors.New("oracle: stale price")
)

// Oracle supplies wad-scaled prices. Only product code valuing cross-asset
// collateral calls it; the self-secured checks above never do.
type Oracle interface {
	Price(asset string) (price *uint256.Int, updatedAt time.Time, err error)
	IsStale(asset string) bool
}

// ValueIn converts amount of asset into the quote unit at the oracle price.
func ValueIn(o Oracle, asset string, amount *uint256.Int) (*uint256.Int, error) {
	if o.IsStale(asset) {
		return nil, fmt.Errorf("%w: %s", ErrStalePrice, asset)
	}
	price, _, err := o.Price(asset)
	if err != nil {
		return nil, err
	}
	return fpmath.MulDiv(amount, price, fpmath.Wad(), fpmath.RoundDown)
}

// StaticOracle is an in-memory price table with a staleness window.
type StaticOracle struct {
	mu       sync.RWMutex
	maxAge   time.Duration
	now      func() time.Time
	prices   map[string]uint256.Int
	updateAt map[string]time.Time
}

func NewStaticOracle(maxAge time.Duration) *StaticOracle {
	return &StaticOracle{
		maxAge:   maxAge,
		now:      time.Now,
		prices:   make(map[string]uint256.Int),
		updateAt: make(map[string]time.Time),
	}
}

func (o *StaticOracle) SetPrice(asset string, price *uint256.Int, at time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[asset] = *new(uint256.Int).Set(price)
	o.updateAt[asset] = at
}

func (o *StaticOracle) Price(asset string) (*uint256.Int, time.Time, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.prices[asset]
	if !ok {
		return nil, time.Time{}, fmt.Errorf("%w: %s", ErrNoPrice, asset)
	}
	return new(uint256.Int).Set(&p), o.updateAt[asset], nil
}

func (o *StaticOracle) IsStale(asset string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	at, ok := o.updateAt[asset]
	if !ok {
		return true
	}
	return o.maxAge > 0 && o.now().Sub(at) > o.maxAge
}
