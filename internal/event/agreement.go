package event

import (
	"EqualisLedger/internal/position"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// OfferPosted escrows Principal in the lender pool (Header.Pool) against
// Collateral to be locked in CollateralPool.
type OfferPosted struct {
	Header
	OfferID        uuid.UUID
	Lender         position.Key
	Caller         string
	Principal      *uint256.Int
	CollateralPool uint32
	Collateral     *uint256.Int
	FeeBps         uint16
	Term           int64
}

func (e *OfferPosted) EventType() EventType { return EventTypeOfferPosted }

type OfferCancelled struct {
	Header
	OfferID uuid.UUID
	Lender  position.Key
	Caller  string
}

func (e *OfferCancelled) EventType() EventType { return EventTypeOfferCancelled }

type OfferAccepted struct {
	Header
	OfferID  uuid.UUID
	Borrower position.Key
	Caller   string
	To       string
}

func (e *OfferAccepted) EventType() EventType { return EventTypeOfferAccepted }

// AgreementRepaid closes an agreement opened from an offer; the agreement
// takes the offer's id.
type AgreementRepaid struct {
	Header
	AgreementID uuid.UUID
	From        string
}

func (e *AgreementRepaid) EventType() EventType { return EventTypeAgreementRepaid }

type AgreementDefaulted struct {
	Header
	AgreementID uuid.UUID
}

func (e *AgreementDefaulted) EventType() EventType { return EventTypeAgreementDefaulted }
