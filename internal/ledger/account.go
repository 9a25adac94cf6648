package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopePosition
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeBalance AccountSubType = iota

	// Position sub-types
	SubTypeCollateral

	// System sub-types
	SubTypeSystemPnL
	SubTypeSystemFunding

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
)

// AccountKey identifies a ledger account. User accounts are keyed by
// address (left-padded), position collateral accounts by position id.
type AccountKey struct {
	Scope    AccountScope
	EntityID [32]byte
	SubType  AccountSubType
}

func NewUserAccountKey(account common.Address) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: common.BytesToHash(account.Bytes()),
		SubType:  SubTypeBalance,
	}
}

func NewPositionAccountKey(positionID common.Hash) AccountKey {
	return AccountKey{
		Scope:    AccountScopePosition,
		EntityID: positionID,
		SubType:  SubTypeCollateral,
	}
}

func NewSystemAccountKey(subType AccountSubType) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		SubType: subType,
	}
}

func NewExternalAccountKey(subType AccountSubType) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
	}
}

// Address returns the owning address of a user account.
func (k AccountKey) Address() (common.Address, bool) {
	if k.Scope != AccountScopeUser {
		return common.Address{}, false
	}
	return common.BytesToAddress(k.EntityID[:]), true
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		addr, _ := k.Address()
		return fmt.Sprintf("user:%s:%s", addr.Hex(), k.subTypeName())
	case AccountScopePosition:
		return fmt.Sprintf("position:%s:%s", common.Hash(k.EntityID).Hex(), k.subTypeName())
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s", k.subTypeName())
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s", k.subTypeName())
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeBalance:
		return "balance"
	case SubTypeCollateral:
		return "collateral"
	case SubTypeSystemPnL:
		return "pnl"
	case SubTypeSystemFunding:
		return "funding"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalWithdrawals:
		return "withdrawals"
	default:
		return "unknown"
	}
}
