package core

import (
	"fmt"
	"time"

	"EqualisLedger/internal/event"
)

// ReplayResult summarizes one recovery pass over the event log.
type ReplayResult struct {
	Applied  int
	Rejected int
	Duration time.Duration
}

// Replay re-executes logged envelopes in order and verifies each recomputed
// state hash against the one recorded. Commands that were rejected when
// first processed must be rejected again. The core should be built without
// output channels so nothing is persisted twice.
func (c *DeterministicCore) Replay(envelopes []*event.EventEnvelope) (ReplayResult, error) {
	start := time.Now()
	var res ReplayResult

	for _, env := range envelopes {
		if env.Sequence != c.sequence {
			return res, fmt.Errorf("replay: envelope sequence %d, core expects %d", env.Sequence, c.sequence)
		}
		if env.PrevHash != c.hasher.Tip() {
			return res, fmt.Errorf("replay: chain break at sequence %d", env.Sequence)
		}

		evt, err := event.Decode(env.EventType, env.Payload)
		if err != nil {
			return res, fmt.Errorf("replay: decode sequence %d: %w", env.Sequence, err)
		}

		procErr := c.ProcessEvent(evt)
		switch {
		case procErr != nil && !env.Rejected():
			return res, fmt.Errorf("replay: sequence %d was applied originally but failed: %w", env.Sequence, procErr)
		case procErr == nil && env.Rejected():
			return res, fmt.Errorf("replay: sequence %d was rejected originally (%s) but applied", env.Sequence, env.Rejection)
		case procErr != nil:
			res.Rejected++
		default:
			res.Applied++
		}

		if c.hasher.Tip() != env.StateHash {
			return res, fmt.Errorf("replay: state hash mismatch at sequence %d", env.Sequence)
		}
		if c.metrics != nil {
			c.metrics.ReplayEventsTotal.Inc()
		}
	}

	res.Duration = time.Since(start)
	if c.metrics != nil {
		c.metrics.ReplayDuration.Set(res.Duration.Seconds())
	}
	c.logger.Info().
		Int("applied", res.Applied).
		Int("rejected", res.Rejected).
		Dur("duration", res.Duration).
		Int64("next_sequence", c.sequence).
		Msg("replay complete")
	return res, nil
}
