package state

import (
	"EqualisLedger/internal/position"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Offer is a lender's standing offer, escrowed in the lender pool.
type Offer struct {
	ID             uuid.UUID
	Lender         position.Key
	LenderPool     uint32
	Principal      uint256.Int
	CollateralPool uint32
	Collateral     uint256.Int
	FeeBps         uint16
	Term           int64 // micros from acceptance to maturity
	CreatedAt      int64
}

type AgreementStatus uint8

const (
	AgreementActive AgreementStatus = iota
	AgreementRepaid
	AgreementDefaulted
)

func (s AgreementStatus) String() string {
	switch s {
	case AgreementActive:
		return "active"
	case AgreementRepaid:
		return "repaid"
	case AgreementDefaulted:
		return "defaulted"
	default:
		return "unknown"
	}
}

// Agreement is a filled offer. It is stored in the lender pool and keeps
// the fee split in force when it was created.
type Agreement struct {
	ID             uuid.UUID
	Lender         position.Key
	LenderPool     uint32
	Borrower       position.Key
	CollateralPool uint32
	Principal      uint256.Int
	Collateral     uint256.Int
	Fee            uint256.Int
	Split          FeeSplit
	Asset          string
	Maturity       int64
	Status         AgreementStatus
}
