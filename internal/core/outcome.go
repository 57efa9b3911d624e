package core

import "EqualisLedger/internal/event"

// Outcome describes what ProcessEvent did with one command.
type Outcome struct {
	// Sequence is the global sequence assigned, or -1 when nothing was logged.
	Sequence  int64
	StateHash [32]byte
	Duplicate bool
	// Rejected is set when the command was logged as a rejection.
	Rejected bool
	Err      error
}

// Logged reports whether the command consumed a sequence number.
func (o Outcome) Logged() bool { return o.Sequence >= 0 }

// Apply runs ProcessEvent and classifies the result for callers that need
// to answer a submitter.
func (c *DeterministicCore) Apply(evt event.Event) Outcome {
	before := c.sequence
	err := c.ProcessEvent(evt)
	if c.sequence == before {
		return Outcome{Sequence: -1, Duplicate: err == nil, Err: err}
	}
	return Outcome{
		Sequence:  before,
		StateHash: c.hasher.Tip(),
		Rejected:  err != nil,
		Err:       err,
	}
}
