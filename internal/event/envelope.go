package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypePoolCreated
	EventTypePoolPaused
	EventTypePoolConfigUpdated
	EventTypeDeposit
	EventTypeWithdraw
	EventTypeBorrow
	EventTypeRepay
	EventTypeClaimYield
	EventTypeOfferPosted
	EventTypeOfferCancelled
	EventTypeOfferAccepted
	EventTypeAgreementRepaid
	EventTypeAgreementDefaulted
	EventTypeCollateralLocked
	EventTypeCollateralReleased
	EventTypeLossSettled
	EventTypeIndexMinted
	EventTypeIndexBurned
	EventTypeLiquidate
	EventTypeFeeCollected
)

var eventTypeNames = map[EventType]string{
	EventTypePoolCreated:        "PoolCreated",
	EventTypePoolPaused:         "PoolPaused",
	EventTypePoolConfigUpdated:  "PoolConfigUpdated",
	EventTypeDeposit:            "Deposit",
	EventTypeWithdraw:           "Withdraw",
	EventTypeBorrow:             "Borrow",
	EventTypeRepay:              "Repay",
	EventTypeClaimYield:         "ClaimYield",
	EventTypeOfferPosted:        "OfferPosted",
	EventTypeOfferCancelled:     "OfferCancelled",
	EventTypeOfferAccepted:      "OfferAccepted",
	EventTypeAgreementRepaid:    "AgreementRepaid",
	EventTypeAgreementDefaulted: "AgreementDefaulted",
	EventTypeCollateralLocked:   "CollateralLocked",
	EventTypeCollateralReleased: "CollateralReleased",
	EventTypeLossSettled:        "LossSettled",
	EventTypeIndexMinted:        "IndexMinted",
	EventTypeIndexBurned:        "IndexBurned",
	EventTypeLiquidate:          "Liquidate",
	EventTypeFeeCollected:       "FeeCollected",
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "Unknown"
}

// ParseEventType is the inverse of String.
func ParseEventType(s string) (EventType, bool) {
	for t, name := range eventTypeNames {
		if name == s {
			return t, true
		}
	}
	return EventTypeUnknown, false
}

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Pool the event is partitioned on
	PoolID uint32

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded command
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte

	// Rejection is the ledger's error for a command that changed nothing
	Rejection string
}

// Rejected reports whether the ledger refused the command.
func (e *EventEnvelope) Rejected() bool { return e.Rejection != "" }

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// PoolID returns the pool whose sequence the event belongs to
	PoolID() uint32

	// SourceSequence returns upstream ordering key
	SourceSequence() int64

	// Timestamp is the versioned event time in epoch microseconds
	Timestamp() int64
}

// Header carries the fields every command shares. Embedding it supplies
// all of Event except EventType.
type Header struct {
	ID       string `json:"id"`        // upstream idempotency key
	Pool     uint32 `json:"pool"`      // partition
	Sequence int64  `json:"sequence"`  // upstream per-pool sequence
	Time     int64  `json:"timestamp"` // epoch microseconds
}

func (h *Header) IdempotencyKey() string { return h.ID }
func (h *Header) PoolID() uint32         { return h.Pool }
func (h *Header) SourceSequence() int64  { return h.Sequence }
func (h *Header) Timestamp() int64       { return h.Time }
