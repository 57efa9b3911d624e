package event

import (
	"EqualisLedger/internal/position"

	"github.com/holiman/uint256"
)

// CollateralLocked encumbers principal as margin for an outside product.
// A non-nil Requirement is valued through the oracle in RequirementAsset.
type CollateralLocked struct {
	Header
	Key              position.Key
	Caller           string
	Amount           *uint256.Int
	Requirement      *uint256.Int
	RequirementAsset string
}

func (e *CollateralLocked) EventType() EventType { return EventTypeCollateralLocked }

type CollateralReleased struct {
	Header
	Key    position.Key
	Amount *uint256.Int
}

func (e *CollateralReleased) EventType() EventType { return EventTypeCollateralReleased }

// LossSettled realises Loss (paid to To) and Fee (routed in pool) out of
// locked collateral.
type LossSettled struct {
	Header
	Key  position.Key
	To   string
	Loss *uint256.Int
	Fee  *uint256.Int
}

func (e *LossSettled) EventType() EventType { return EventTypeLossSettled }

type IndexMinted struct {
	Header
	Key    position.Key
	Caller string
	Amount *uint256.Int
}

func (e *IndexMinted) EventType() EventType { return EventTypeIndexMinted }

type IndexBurned struct {
	Header
	Key    position.Key
	Caller string
	Amount *uint256.Int
}

func (e *IndexBurned) EventType() EventType { return EventTypeIndexBurned }
