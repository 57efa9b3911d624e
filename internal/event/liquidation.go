package event

import (
	"EqualisLedger/internal/fees"
	"EqualisLedger/internal/position"

	"github.com/holiman/uint256"
)

// Liquidate asks the core to liquidate a position. Keepers send it; the
// core rejects it when the position is neither over threshold nor holding
// a matured fixed loan.
type Liquidate struct {
	Header
	Key position.Key
}

func (e *Liquidate) EventType() EventType { return EventTypeLiquidate }

// FeeCollected brings a fee earned outside the pool into custody and
// routes it.
type FeeCollected struct {
	Header
	From   string
	Amount *uint256.Int
	Source fees.Source
}

func (e *FeeCollected) EventType() EventType { return EventTypeFeeCollected }
