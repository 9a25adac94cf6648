package event

import (
	"ConfidentialPerp/internal/confidential"

	"github.com/ethereum/go-ethereum/common"
)

type OrderPlaced struct {
	Trader  common.Address `json:"account"`
	OrderID uint64         `json:"order_id"`
	IsLong  bool           `json:"is_long"`
}

func (o *OrderPlaced) EventType() EventType    { return EventTypeOrderPlaced }
func (o *OrderPlaced) Account() common.Address { return o.Trader }

// MatchProposed publishes the crossing predicate of a candidate pair. The
// pair settles only once the oracle attests Crossing.
type MatchProposed struct {
	MatchID     uint64              `json:"match_id"`
	BuyOrderID  uint64              `json:"buy_order_id"`
	SellOrderID uint64              `json:"sell_order_id"`
	Crossing    confidential.Handle `json:"crossing"`
}

func (m *MatchProposed) EventType() EventType    { return EventTypeMatchProposed }
func (m *MatchProposed) Account() common.Address { return common.Address{} }

type OrdersMatched struct {
	MatchID     uint64 `json:"match_id"`
	BuyOrderID  uint64 `json:"buy_order_id"`
	SellOrderID uint64 `json:"sell_order_id"`
}

func (m *OrdersMatched) EventType() EventType    { return EventTypeOrdersMatched }
func (m *OrdersMatched) Account() common.Address { return common.Address{} }

type MatchRejected struct {
	MatchID     uint64 `json:"match_id"`
	BuyOrderID  uint64 `json:"buy_order_id"`
	SellOrderID uint64 `json:"sell_order_id"`
}

func (m *MatchRejected) EventType() EventType    { return EventTypeMatchRejected }
func (m *MatchRejected) Account() common.Address { return common.Address{} }
