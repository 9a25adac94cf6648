package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type OraclePriceUpdated struct {
	UpdatedAt time.Time `json:"updated_at"`
	Version   uint64    `json:"version"`
}

func (o *OraclePriceUpdated) EventType() EventType    { return EventTypeOraclePriceUpdated }
func (o *OraclePriceUpdated) Account() common.Address { return common.Address{} }

// FundingApplied records one funding round across all open positions.
type FundingApplied struct {
	Round     uint64    `json:"round"`
	Positions int       `json:"positions"`
	AppliedAt time.Time `json:"applied_at"`
}

func (f *FundingApplied) EventType() EventType    { return EventTypeFundingApplied }
func (f *FundingApplied) Account() common.Address { return common.Address{} }
