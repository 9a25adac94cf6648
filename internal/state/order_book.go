package state

import (
	"ConfidentialPerp/internal/confidential"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Order is a resting limit order. The id is its index in the book.
type Order struct {
	ID       uint64
	Trader   common.Address
	Price    confidential.Value
	Size     confidential.Value
	IsLong   bool
	IsFilled bool
	Pending  bool // locked in an unsettled match proposal
	PlacedAt time.Time
}

// MatchStatus tracks a match proposal's lifecycle
type MatchStatus int32

const (
	MatchStatusProposed MatchStatus = iota
	MatchStatusSettled
	MatchStatusRejected
)

func (s MatchStatus) String() string {
	switch s {
	case MatchStatusProposed:
		return "Proposed"
	case MatchStatusSettled:
		return "Settled"
	case MatchStatusRejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}

// MatchProposal pairs a buy and a sell order whose price compatibility is
// still confidential. Crossing is buy.Price >= sell.Price; the oracle
// settles it.
type MatchProposal struct {
	ID         uint64
	BuyOrder   uint64
	SellOrder  uint64
	Crossing   confidential.Bool
	Status     MatchStatus
	ProposedAt time.Time
}

type orderPair struct {
	buy, sell uint64
}

// OrderBook is the append-only order sequence plus its match proposals.
type OrderBook struct {
	orders      []*Order
	proposals   []*MatchProposal
	nonCrossing map[orderPair]bool
}

func NewOrderBook() *OrderBook {
	return &OrderBook{
		nonCrossing: make(map[orderPair]bool),
	}
}

// Append adds an unfilled order and returns its id
func (ob *OrderBook) Append(trader common.Address, price, size confidential.Value, isLong bool, at time.Time) *Order {
	o := &Order{
		ID:       uint64(len(ob.orders)),
		Trader:   trader,
		Price:    price,
		Size:     size,
		IsLong:   isLong,
		PlacedAt: at,
	}
	ob.orders = append(ob.orders, o)
	return o
}

func (ob *OrderBook) Get(id uint64) (*Order, bool) {
	if id >= uint64(len(ob.orders)) {
		return nil, false
	}
	return ob.orders[id], true
}

// Size returns the total order count, filled orders included
func (ob *OrderBook) Size() int {
	return len(ob.orders)
}

func (ob *OrderBook) available(o *Order) bool {
	return !o.IsFilled && !o.Pending
}

// FindCounterparty scans in book order for the first available order of the
// opposite side that has not already been attested as non-crossing with o.
func (ob *OrderBook) FindCounterparty(o *Order) (*Order, bool) {
	if !ob.available(o) {
		return nil, false
	}
	for _, other := range ob.orders {
		if other.ID == o.ID || other.IsLong == o.IsLong || !ob.available(other) {
			continue
		}
		if ob.nonCrossing[pairOf(o, other)] {
			continue
		}
		return other, true
	}
	return nil, false
}

func pairOf(a, b *Order) orderPair {
	if a.IsLong {
		return orderPair{buy: a.ID, sell: b.ID}
	}
	return orderPair{buy: b.ID, sell: a.ID}
}

// Propose records a proposal between buy and sell and locks both orders.
func (ob *OrderBook) Propose(buy, sell *Order, crossing confidential.Bool, at time.Time) *MatchProposal {
	if !buy.IsLong || sell.IsLong {
		panic(fmt.Sprintf("FATAL: match proposal sides inverted: buy=%d sell=%d", buy.ID, sell.ID))
	}
	mp := &MatchProposal{
		ID:         uint64(len(ob.proposals)),
		BuyOrder:   buy.ID,
		SellOrder:  sell.ID,
		Crossing:   crossing,
		Status:     MatchStatusProposed,
		ProposedAt: at,
	}
	buy.Pending = true
	sell.Pending = true
	ob.proposals = append(ob.proposals, mp)
	return mp
}

func (ob *OrderBook) GetProposal(id uint64) (*MatchProposal, bool) {
	if id >= uint64(len(ob.proposals)) {
		return nil, false
	}
	return ob.proposals[id], true
}

// Fill settles a proposal as crossing: both orders become filled for good.
func (ob *OrderBook) Fill(matchID uint64) error {
	mp, err := ob.openProposal(matchID)
	if err != nil {
		return err
	}
	buy, sell := ob.orders[mp.BuyOrder], ob.orders[mp.SellOrder]
	buy.IsFilled, buy.Pending = true, false
	sell.IsFilled, sell.Pending = true, false
	mp.Status = MatchStatusSettled
	return nil
}

// Reject settles a proposal as non-crossing: both orders return to the book
// and the pair is never proposed again.
func (ob *OrderBook) Reject(matchID uint64) error {
	mp, err := ob.openProposal(matchID)
	if err != nil {
		return err
	}
	ob.orders[mp.BuyOrder].Pending = false
	ob.orders[mp.SellOrder].Pending = false
	ob.nonCrossing[orderPair{buy: mp.BuyOrder, sell: mp.SellOrder}] = true
	mp.Status = MatchStatusRejected
	return nil
}

func (ob *OrderBook) openProposal(matchID uint64) (*MatchProposal, error) {
	mp, ok := ob.GetProposal(matchID)
	if !ok {
		return nil, fmt.Errorf("unknown match %d", matchID)
	}
	if mp.Status != MatchStatusProposed {
		return nil, fmt.Errorf("match %d already %s", matchID, mp.Status)
	}
	return mp, nil
}

// PendingProposals returns unsettled proposals in proposal order
func (ob *OrderBook) PendingProposals() []*MatchProposal {
	var out []*MatchProposal
	for _, mp := range ob.proposals {
		if mp.Status == MatchStatusProposed {
			out = append(out, mp)
		}
	}
	return out
}

// Orders returns every order in book order (for state hashing)
func (ob *OrderBook) Orders() []*Order {
	return ob.orders
}
