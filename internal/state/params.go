package state

import (
	"fmt"

	"EqualisLedger/internal/errs"
	fpmath "EqualisLedger/internal/math"
	"EqualisLedger/internal/position"

	"github.com/holiman/uint256"
)

// FeeSplit divides every routed fee. Treasury is taken first; the remainder
// is divided between active credit and the fee index, whose shares must
// cover it exactly. The fee index absorbs the rounding dust.
type FeeSplit struct {
	TreasuryBps     uint16 `yaml:"treasury_bps" json:"treasury_bps"`
	ActiveCreditBps uint16 `yaml:"active_credit_bps" json:"active_credit_bps"`
	FeeIndexBps     uint16 `yaml:"fee_index_bps" json:"fee_index_bps"`
}

// Validate checks treasury <= 10_000 and active credit + fee index == 10_000.
func (s FeeSplit) Validate() error {
	if uint64(s.TreasuryBps) > fpmath.BpsDenominator {
		return errs.Invalid("treasury_bps", s.TreasuryBps, "<= 10000")
	}
	if sum := uint64(s.ActiveCreditBps) + uint64(s.FeeIndexBps); sum != fpmath.BpsDenominator {
		return errs.Invalid("active_credit_bps+fee_index_bps", sum, "== 10000")
	}
	return nil
}

// PoolConfig is fixed at pool creation.
type PoolConfig struct {
	Underlying              string
	Decimals                int32
	DepositorLTVBps         uint16
	LiquidationThresholdBps uint16
	FeeSplit                FeeSplit
	BorrowFeeBps            uint16
	PenaltyBps              uint16
	MinDeposit              uint256.Int
	Treasury                string       // custody account receiving the treasury share
	Manager                 position.Key // zero for unmanaged pools
	ManagerShareBps         uint16
}

// Managed reports whether fee inflows pay a manager share first.
func (c *PoolConfig) Managed() bool {
	return !c.Manager.IsZero() && c.ManagerShareBps > 0
}

func bpsField(name string, v uint16) error {
	if uint64(v) > fpmath.BpsDenominator {
		return errs.Invalid(name, v, "<= 10000")
	}
	return nil
}

// ValidatePoolConfig checks that pool parameters are within valid ranges:
// 0 < ltv <= threshold <= 10_000, every bps field <= 10_000, a treasury
// account whenever the split sends anything to it, a manager whenever a
// manager share is set.
func ValidatePoolConfig(cfg *PoolConfig) error {
	if cfg.Underlying == "" {
		return errs.Invalid("underlying", `""`, "non-empty asset symbol")
	}
	if cfg.Decimals < 0 || cfg.Decimals > 36 {
		return errs.Invalid("decimals", cfg.Decimals, "0..36")
	}
	if cfg.DepositorLTVBps == 0 {
		return errs.Invalid("depositor_ltv_bps", 0, "1..10000")
	}
	if err := bpsField("depositor_ltv_bps", cfg.DepositorLTVBps); err != nil {
		return err
	}
	if err := bpsField("liquidation_threshold_bps", cfg.LiquidationThresholdBps); err != nil {
		return err
	}
	if cfg.LiquidationThresholdBps < cfg.DepositorLTVBps {
		return errs.Invalid("liquidation_threshold_bps", cfg.LiquidationThresholdBps,
			fmt.Sprintf(">= depositor_ltv_bps (%d)", cfg.DepositorLTVBps))
	}
	if err := cfg.FeeSplit.Validate(); err != nil {
		return err
	}
	if err := bpsField("borrow_fee_bps", cfg.BorrowFeeBps); err != nil {
		return err
	}
	if err := bpsField("penalty_bps", cfg.PenaltyBps); err != nil {
		return err
	}
	if err := bpsField("manager_share_bps", cfg.ManagerShareBps); err != nil {
		return err
	}
	if cfg.ManagerShareBps > 0 && cfg.Manager.IsZero() {
		return errs.Invalid("manager", "none", "set when manager_share_bps > 0")
	}
	// fees with no depositors fall back to the treasury, so it is always needed
	if cfg.Treasury == "" {
		return errs.Invalid("treasury", `""`, "non-empty custody account")
	}
	return nil
}
