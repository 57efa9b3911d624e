package query

import (
	fpmath "EqualisLedger/internal/math"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Amount carries a raw token amount and its rendering in whole units.
type Amount struct {
	Raw     string          `json:"raw"`
	Decimal decimal.Decimal `json:"decimal"`
}

func newAmount(x *uint256.Int, decimals int32) Amount {
	if x == nil {
		x = fpmath.Zero()
	}
	return Amount{Raw: x.Dec(), Decimal: fpmath.ToDecimal(x, decimals)}
}

// PoolResponse is the live state of one pool.
type PoolResponse struct {
	PoolID                  uint32          `json:"pool_id"`
	Underlying              string          `json:"underlying"`
	Paused                  bool            `json:"paused"`
	Managed                 bool            `json:"managed"`
	TotalDeposits           Amount          `json:"total_deposits"`
	TrackedBalance          Amount          `json:"tracked_balance"`
	TotalDebt               Amount          `json:"total_debt"`
	YieldReserve            Amount          `json:"yield_reserve"`
	TreasuryPaid            Amount          `json:"treasury_paid"`
	ActiveCreditPrincipal   Amount          `json:"active_credit_principal"`
	FeeIndex                decimal.Decimal `json:"fee_index"`
	ActiveCreditIndex       decimal.Decimal `json:"active_credit_index"`
	Utilization             decimal.Decimal `json:"utilization"` // total_debt / total_deposits
	DepositorLTVBps         uint16          `json:"depositor_ltv_bps"`
	LiquidationThresholdBps uint16          `json:"liquidation_threshold_bps"`
	Positions               int             `json:"positions"`
	OpenOffers              int             `json:"open_offers"`
	Agreements              int             `json:"agreements"`
	AsOfSequence            int64           `json:"as_of_sequence"`
}

// LoanView is one fixed-term loan.
type LoanView struct {
	ID       uint64 `json:"id"`
	Asset    string `json:"asset"`
	Amount   Amount `json:"amount"`
	Maturity int64  `json:"maturity_us"`
}

// CreditView is one active-credit weight and when it last became non-zero.
type CreditView struct {
	Principal Amount `json:"principal"`
	Since     int64  `json:"since_us,omitempty"`
}

// PositionResponse is a position settled to the current indices. Yield
// shown here is pending; nothing is credited by reading it.
type PositionResponse struct {
	PoolID        uint32                `json:"pool_id"`
	Key           string                `json:"key"`
	Principal     Amount                `json:"principal"`
	AccruedYield  Amount                `json:"accrued_yield"`
	Encumbrance   map[string]Amount     `json:"encumbrance"`
	Encumbered    Amount                `json:"encumbered"`
	Available     Amount                `json:"available"`
	RollingLoan   Amount                `json:"rolling_loan"`
	FixedLoans    []LoanView            `json:"fixed_loans,omitempty"`
	TotalDebt     Amount                `json:"total_debt"`
	SameAssetDebt Amount                `json:"same_asset_debt"`
	NetEquity     Amount                `json:"net_equity"`
	Solvent       bool                  `json:"solvent"`
	Liquidatable  bool                  `json:"liquidatable"`
	ActiveCredit  map[string]CreditView `json:"active_credit"`
	Version       int64                 `json:"version"`
	AsOfSequence  int64                 `json:"as_of_sequence"`
}

// SplitResponse previews how a fee would be divided.
type SplitResponse struct {
	PoolID       uint32 `json:"pool_id"`
	Amount       Amount `json:"amount"`
	Treasury     Amount `json:"treasury"`
	ActiveCredit Amount `json:"active_credit"`
	FeeIndex     Amount `json:"fee_index"`
}

// SolvencyResponse answers whether a position could carry more debt.
type SolvencyResponse struct {
	PoolID        uint32 `json:"pool_id"`
	Key           string `json:"key"`
	Principal     Amount `json:"principal"`
	Debt          Amount `json:"debt"` // existing same-asset debt plus the proposed amount
	LTVBps        uint16 `json:"ltv_bps"`
	Solvent       bool   `json:"solvent"`
	MaxAdditional Amount `json:"max_additional"`
	AsOfSequence  int64  `json:"as_of_sequence"`
}

// AccountBalanceResponse is a projected journal balance.
type AccountBalanceResponse struct {
	AccountPath  string          `json:"account_path"`
	PoolID       uint32          `json:"pool_id"`
	Asset        string          `json:"asset"`
	Balance      decimal.Decimal `json:"balance"` // signed; debit positive
	LastSequence int64           `json:"last_sequence"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

// FeeHistoryResponse is one routed fee leg.
type FeeHistoryResponse struct {
	JournalID    string `json:"journal_id"`
	Sequence     int64  `json:"sequence"`
	PoolID       uint32 `json:"pool_id"`
	Asset        string `json:"asset"`
	Destination  string `json:"destination"`
	Amount       string `json:"amount"`
	Timestamp    int64  `json:"timestamp_us"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	PoolID        uint32 `json:"pool_id"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Asset         string `json:"asset"`
	Amount        string `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp_us"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
	UnroutedPools    []uint32          `json:"unrouted_pools,omitempty"` // fee clearing not at zero
}

// UnbalancedAsset is an asset whose projected balances do not sum to zero.
type UnbalancedAsset struct {
	Asset     string          `json:"asset"`
	Imbalance decimal.Decimal `json:"imbalance"`
}
