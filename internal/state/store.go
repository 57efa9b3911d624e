package state

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"EqualisLedger/internal/errs"
)

var (
	ErrPoolNotFound = errors.New("pool not found")
	ErrPoolExists   = errors.New("pool already exists")
	ErrPoolPaused   = errors.New("pool paused")
)

// Store owns every pool. It is an explicit value handed to each service;
// there is no package-level instance.
type Store struct {
	mu    sync.RWMutex
	pools map[uint32]*Pool
}

func NewStore() *Store {
	return &Store{pools: make(map[uint32]*Pool)}
}

// CreatePool validates cfg and registers a new pool.
func (s *Store) CreatePool(id uint32, cfg PoolConfig) error {
	if id == 0 {
		return errs.Invalid("pool_id", 0, "> 0")
	}
	if err := ValidatePoolConfig(&cfg); err != nil {
		return fmt.Errorf("invalid config for pool %d: %w", id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pools[id]; ok {
		return fmt.Errorf("%w: %d", ErrPoolExists, id)
	}
	s.pools[id] = newPool(id, cfg)
	return nil
}

func (s *Store) lookup(id uint32) (*Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pools[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrPoolNotFound, id)
	}
	return p, nil
}

// PoolIDs returns every pool id ascending.
func (s *Store) PoolIDs() []uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]uint32, 0, len(s.pools))
	for id := range s.pools {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// WithPool runs fn under the pool lock. If fn returns an error every change
// it made to the pool is undone.
func (s *Store) WithPool(id uint32, fn func(*Pool) error) error {
	p, err := s.lookup(id)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.begin()
	if err := fn(p); err != nil {
		p.rollback()
		return err
	}
	p.commit()
	return nil
}

// WithPools locks several pools in ascending id order and runs fn. Duplicate
// ids are collapsed. Errors roll back every pool.
func (s *Store) WithPools(ids []uint32, fn func(map[uint32]*Pool) error) error {
	uniq := make(map[uint32]struct{}, len(ids))
	ordered := make([]uint32, 0, len(ids))
	for _, id := range ids {
		if _, dup := uniq[id]; dup {
			continue
		}
		uniq[id] = struct{}{}
		ordered = append(ordered, id)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	pools := make(map[uint32]*Pool, len(ordered))
	for _, id := range ordered {
		p, err := s.lookup(id)
		if err != nil {
			return err
		}
		pools[id] = p
	}
	for _, id := range ordered {
		p := pools[id]
		p.mu.Lock()
		defer p.mu.Unlock()
		p.begin()
	}

	if err := fn(pools); err != nil {
		for _, p := range pools {
			p.rollback()
		}
		return err
	}
	for _, p := range pools {
		p.commit()
	}
	return nil
}

// View runs fn under the pool lock without rollback tracking. fn must not
// mutate the pool.
func (s *Store) View(id uint32, fn func(*Pool) error) error {
	p, err := s.lookup(id)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return fn(p)
}

// SetPaused toggles the pool's pause guard.
func (s *Store) SetPaused(id uint32, paused bool) error {
	return s.WithPool(id, func(p *Pool) error {
		p.Paused = paused
		return nil
	})
}

// UpdateConfig replaces a pool's risk and fee parameters. The underlying
// asset and its decimals cannot change. Open agreements keep the split they
// were created with.
func (s *Store) UpdateConfig(id uint32, cfg PoolConfig) error {
	if err := ValidatePoolConfig(&cfg); err != nil {
		return fmt.Errorf("invalid config for pool %d: %w", id, err)
	}
	return s.WithPool(id, func(p *Pool) error {
		if cfg.Underlying != p.Config.Underlying || cfg.Decimals != p.Config.Decimals {
			return errs.Invalid("underlying", cfg.Underlying, fmt.Sprintf("unchanged %s/%d", p.Config.Underlying, p.Config.Decimals))
		}
		p.Config = cfg
		return nil
	})
}

// RequireActive rejects mutations on a paused pool.
func (p *Pool) RequireActive() error {
	if p.Paused {
		return fmt.Errorf("%w: %d", ErrPoolPaused, p.ID)
	}
	return nil
}

// CheckInvariants runs Pool.CheckInvariants on every pool.
func (s *Store) CheckInvariants() error {
	for _, id := range s.PoolIDs() {
		if err := s.View(id, func(p *Pool) error { return p.CheckInvariants() }); err != nil {
			return err
		}
	}
	return nil
}
