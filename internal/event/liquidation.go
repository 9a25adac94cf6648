package event

import "github.com/ethereum/go-ethereum/common"

// LiquidationExecuted is emitted when a keeper closes an attested
// undercollateralized position.
type LiquidationExecuted struct {
	Owner      common.Address `json:"account"`
	PositionID common.Hash    `json:"position_id"`
	Keeper     common.Address `json:"keeper"`
}

func (l *LiquidationExecuted) EventType() EventType    { return EventTypeLiquidationExecuted }
func (l *LiquidationExecuted) Account() common.Address { return l.Owner }

// BracketExecuted follows the PositionClosed of a stop-loss or take-profit
// execution. Trigger is "StopLoss" or "TakeProfit".
type BracketExecuted struct {
	Owner      common.Address `json:"account"`
	PositionID common.Hash    `json:"position_id"`
	Keeper     common.Address `json:"keeper"`
	Trigger    string         `json:"trigger"`
}

func (b *BracketExecuted) EventType() EventType    { return EventTypeBracketExecuted }
func (b *BracketExecuted) Account() common.Address { return b.Owner }
