package event

import "EqualisLedger/internal/state"

// PoolCreated registers a new pool with its parameters.
type PoolCreated struct {
	Header
	Config state.PoolConfig
}

func (e *PoolCreated) EventType() EventType { return EventTypePoolCreated }

// PoolPaused toggles the pool's pause guard; Paused=false resumes it.
type PoolPaused struct {
	Header
	Paused bool
}

func (e *PoolPaused) EventType() EventType { return EventTypePoolPaused }

// PoolConfigUpdated replaces the pool's risk and fee parameters. The
// underlying asset and its decimals cannot change.
type PoolConfigUpdated struct {
	Header
	Config state.PoolConfig
}

func (e *PoolConfigUpdated) EventType() EventType { return EventTypePoolConfigUpdated }
