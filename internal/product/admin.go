package product

import (
	"EqualisLedger/internal/state"
)

// CreatePool registers a pool with a validated configuration.
func (s *Service) CreatePool(id uint32, cfg state.PoolConfig) error {
	if err := s.store.CreatePool(id, cfg); err != nil {
		return err
	}
	s.logger.Info().Uint32("pool", id).Str("underlying", cfg.Underlying).Msg("pool created")
	s.observePools([]uint32{id})
	return nil
}

// SetPaused stops or resumes every mutating operation on the pool.
func (s *Service) SetPaused(id uint32, paused bool) error {
	if err := s.store.SetPaused(id, paused); err != nil {
		return err
	}
	s.logger.Info().Uint32("pool", id).Bool("paused", paused).Msg("pool pause toggled")
	return nil
}

// UpdatePoolConfig swaps a pool's risk and fee parameters. Positions made
// unhealthy by a tighter threshold become liquidatable.
func (s *Service) UpdatePoolConfig(id uint32, cfg state.PoolConfig) error {
	if err := s.store.UpdateConfig(id, cfg); err != nil {
		return err
	}
	s.logger.Info().
		Uint32("pool", id).
		Uint16("ltv_bps", cfg.DepositorLTVBps).
		Uint16("threshold_bps", cfg.LiquidationThresholdBps).
		Msg("pool config updated")
	return nil
}
