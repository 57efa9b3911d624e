package product

import (
	"EqualisLedger/internal/encumbrance"
	"EqualisLedger/internal/errs"
	"EqualisLedger/internal/fees"
	"EqualisLedger/internal/position"
	"EqualisLedger/internal/state"

	"github.com/holiman/uint256"
)

type IndexRequest struct {
	Pool   uint32
	Key    position.Key
	Caller string
	Amount *uint256.Int
	Now    int64
}

// Mint backs index units with the position's principal.
func (s *Service) Mint(req IndexRequest) (*Receipt, error) {
	if err := errs.RequireNonZero("amount", req.Amount); err != nil {
		return nil, err
	}
	if err := s.authorize(req.Key, req.Caller); err != nil {
		return nil, err
	}
	return s.inPool("index_mint", req.Pool, func(p *state.Pool, tx *fees.Tx, r *Receipt) error {
		if err := settle(p, req.Key); err != nil {
			return err
		}
		if err := reserve(p, req.Key, encumbrance.IndexEncumbered, req.Amount); err != nil {
			return err
		}
		r.Amount = copyAmount(req.Amount)
		return p.SyncActiveCredit(req.Key, req.Now)
	})
}

// Burn releases principal backing index units.
func (s *Service) Burn(req IndexRequest) (*Receipt, error) {
	if err := errs.RequireNonZero("amount", req.Amount); err != nil {
		return nil, err
	}
	if err := s.authorize(req.Key, req.Caller); err != nil {
		return nil, err
	}
	return s.inPool("index_burn", req.Pool, func(p *state.Pool, tx *fees.Tx, r *Receipt) error {
		if err := settle(p, req.Key); err != nil {
			return err
		}
		if err := encumbrance.Decrease(p, req.Key, encumbrance.IndexEncumbered, req.Amount); err != nil {
			return err
		}
		r.Amount = copyAmount(req.Amount)
		return p.SyncActiveCredit(req.Key, req.Now)
	})
}
