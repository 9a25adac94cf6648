package event

import "github.com/ethereum/go-ethereum/common"

type PositionOpened struct {
	Owner      common.Address `json:"account"`
	PositionID common.Hash    `json:"position_id"`
	IsLong     bool           `json:"is_long"`
	Leverage   uint64         `json:"leverage"`
}

func (p *PositionOpened) EventType() EventType    { return EventTypePositionOpened }
func (p *PositionOpened) Account() common.Address { return p.Owner }

type PositionClosed struct {
	Owner      common.Address `json:"account"`
	PositionID common.Hash    `json:"position_id"`
}

func (p *PositionClosed) EventType() EventType    { return EventTypePositionClosed }
func (p *PositionClosed) Account() common.Address { return p.Owner }

type BracketsUpdated struct {
	Owner      common.Address `json:"account"`
	PositionID common.Hash    `json:"position_id"`
}

func (b *BracketsUpdated) EventType() EventType    { return EventTypeBracketsUpdated }
func (b *BracketsUpdated) Account() common.Address { return b.Owner }
