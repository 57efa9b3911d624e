package ledger

import (
	"encoding/hex"
	"fmt"

	"EqualisLedger/internal/position"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopePosition AccountScope = iota
	AccountScopePool
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// Position sub-types (credit-normal: the pool owes the holder)
	SubTypePrincipal AccountSubType = iota

	// Pool sub-types
	SubTypeLiquidity    // tracked balance held in custody
	SubTypeReceivable   // principal lent out and owed back
	SubTypeYieldReserve // fee yield set aside for depositors
	SubTypeFeeClearing  // collected fees waiting to be routed; nets to zero per batch
)

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope    AccountScope
	EntityID position.Key // position key; zero for pool accounts
	PoolID   uint32
	SubType  AccountSubType
}

// PositionAccount is the principal a pool owes one position.
func PositionAccount(key position.Key, poolID uint32) AccountKey {
	return AccountKey{
		Scope:    AccountScopePosition,
		EntityID: key,
		PoolID:   poolID,
		SubType:  SubTypePrincipal,
	}
}

// PoolAccount creates a key for pool-level accounts
func PoolAccount(poolID uint32, subType AccountSubType) AccountKey {
	return AccountKey{
		Scope:   AccountScopePool,
		PoolID:  poolID,
		SubType: subType,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopePosition:
		return fmt.Sprintf("position:%s:%d:%s", hex.EncodeToString(k.EntityID[:]), k.PoolID, k.subTypeName())
	case AccountScopePool:
		return fmt.Sprintf("pool:%d:%s", k.PoolID, k.subTypeName())
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypePrincipal:
		return "principal"
	case SubTypeLiquidity:
		return "liquidity"
	case SubTypeReceivable:
		return "receivable"
	case SubTypeYieldReserve:
		return "yield_reserve"
	case SubTypeFeeClearing:
		return "fee_clearing"
	default:
		return "unknown"
	}
}
