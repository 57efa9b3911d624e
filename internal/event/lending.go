package event

import (
	"EqualisLedger/internal/position"

	"github.com/holiman/uint256"
)

type Deposit struct {
	Header
	Key    position.Key
	Caller string
	From   string // custody account paying in
	Amount *uint256.Int
}

func (e *Deposit) EventType() EventType { return EventTypeDeposit }

type Withdraw struct {
	Header
	Key    position.Key
	Caller string
	To     string
	Amount *uint256.Int
}

func (e *Withdraw) EventType() EventType { return EventTypeWithdraw }

// Borrow draws on the rolling line, or opens a fixed loan when Term > 0.
type Borrow struct {
	Header
	Key    position.Key
	Caller string
	To     string
	Amount *uint256.Int
	Term   int64 // microseconds
}

func (e *Borrow) EventType() EventType { return EventTypeBorrow }

type Repay struct {
	Header
	Key    position.Key
	From   string
	Amount *uint256.Int
	LoanID uint64 // zero: rolling line
}

func (e *Repay) EventType() EventType { return EventTypeRepay }

type ClaimYield struct {
	Header
	Key    position.Key
	Caller string
	To     string
}

func (e *ClaimYield) EventType() EventType { return EventTypeClaimYield }
