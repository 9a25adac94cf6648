package state

import (
	"ConfidentialPerp/internal/confidential"
	"time"
)

// OraclePrice holds the single confidential reference price. Only the
// engine writes it, and only on behalf of the admin identity.
type OraclePrice struct {
	Price     confidential.Value
	UpdatedAt time.Time
	Version   uint64
}

// NewOraclePrice starts at a trivial zero so that reads before the first
// admin update are well-defined.
func NewOraclePrice(initial confidential.Value, at time.Time) *OraclePrice {
	return &OraclePrice{Price: initial, UpdatedAt: at}
}

// Set replaces the price and bumps the version
func (op *OraclePrice) Set(price confidential.Value, at time.Time) uint64 {
	op.Price = price
	op.UpdatedAt = at
	op.Version++
	return op.Version
}
