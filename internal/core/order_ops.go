package core

import (
	"ConfidentialPerp/internal/confidential"
	"ConfidentialPerp/internal/event"
	"ConfidentialPerp/internal/oracle"
	"ConfidentialPerp/internal/state"
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PlaceOrder appends an unfilled order and runs the matching pass for it.
// Matching never fills on its own: it proposes the first available
// opposite-side order together with the crossing predicate
// buy.price >= sell.price, and SettleMatch fills once the oracle attests it.
func (e *Engine) PlaceOrder(
	ctx context.Context,
	trader common.Address,
	price, size confidential.Ciphertext,
	isLong bool,
) (uint64, error) {
	const op = "place_order"
	start := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	priceV, err := e.arith.Decode(price, trader)
	if err != nil {
		return 0, e.reject(op, err)
	}
	sizeV, err := e.arith.Decode(size, trader)
	if err != nil {
		return 0, e.reject(op, err)
	}

	now := e.clock()
	order := e.orders.Append(trader, priceV, sizeV, isLong, now)

	events := []event.Event{&event.OrderPlaced{
		Trader:  trader,
		OrderID: order.ID,
		IsLong:  isLong,
	}}
	digest := orderDigest(order)

	if mp := e.match(order, now); mp != nil {
		events = append(events, matchProposedEvent(mp))
		digest = append(digest, proposalDigest(mp)...)
	}

	e.commit(ctx, op, start, now, nil, digest, events...)
	return order.ID, nil
}

// SettleMatch applies the oracle's verdict on a match proposal. A true
// crossing fills both orders; a false one returns them to the book, marks
// the pair as non-crossing and reruns matching for both.
func (e *Engine) SettleMatch(ctx context.Context, matchID uint64, att *oracle.Attestation) error {
	const op = "settle_match"
	start := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	mp, ok := e.orders.GetProposal(matchID)
	if !ok {
		return e.reject(op, fmt.Errorf("%w: unknown match %d", ErrInvalidState, matchID))
	}
	if mp.Status != state.MatchStatusProposed {
		return e.reject(op, fmt.Errorf("%w: match %d already %s", ErrInvalidState, matchID, mp.Status))
	}
	if err := e.verifier.Verify(att, oracle.SequenceSubject(matchID), oracle.KindMatch); err != nil {
		return e.attestationRejected(op, oracle.KindMatch, err)
	}

	buy, _ := e.orders.Get(mp.BuyOrder)
	sell, _ := e.orders.Get(mp.SellOrder)
	crossing := e.arith.Ge(buy.Price, sell.Price)
	if att.Handle != crossing.Handle() {
		return e.attestationRejected(op, oracle.KindMatch,
			fmt.Errorf("%w: match %d attested %s, current %s", ErrStaleAttestation, matchID, att.Handle, crossing.Handle()))
	}

	now := e.clock()
	var events []event.Event
	digest := proposalDigest(mp)

	if att.Result {
		if err := e.orders.Fill(matchID); err != nil {
			panic(fmt.Sprintf("FATAL: %v", err))
		}
		events = append(events, &event.OrdersMatched{
			MatchID:     matchID,
			BuyOrderID:  mp.BuyOrder,
			SellOrderID: mp.SellOrder,
		})
		if e.metrics != nil {
			e.metrics.MatchesSettled.WithLabelValues("filled").Inc()
		}
	} else {
		if err := e.orders.Reject(matchID); err != nil {
			panic(fmt.Sprintf("FATAL: %v", err))
		}
		events = append(events, &event.MatchRejected{
			MatchID:     matchID,
			BuyOrderID:  mp.BuyOrder,
			SellOrderID: mp.SellOrder,
		})
		if e.metrics != nil {
			e.metrics.MatchesSettled.WithLabelValues("rejected").Inc()
		}

		for _, o := range []*state.Order{buy, sell} {
			if next := e.match(o, now); next != nil {
				events = append(events, matchProposedEvent(next))
				digest = append(digest, proposalDigest(next)...)
			}
		}
	}

	e.commit(ctx, op, start, now, nil, digest, events...)
	return nil
}

// match proposes o against its first available counterparty, if any.
func (e *Engine) match(o *state.Order, now time.Time) *state.MatchProposal {
	cp, ok := e.orders.FindCounterparty(o)
	if !ok {
		return nil
	}

	buy, sell := o, cp
	if !o.IsLong {
		buy, sell = cp, o
	}
	return e.orders.Propose(buy, sell, e.arith.Ge(buy.Price, sell.Price), now)
}

// OrderBookSize returns the total order count, filled orders included
func (e *Engine) OrderBookSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.orders.Size()
}

func (e *Engine) GetOrder(id uint64) (state.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.orders.Get(id)
	if !ok {
		return state.Order{}, fmt.Errorf("%w: unknown order %d", ErrInvalidState, id)
	}
	return *o, nil
}

func (e *Engine) GetMatchProposal(id uint64) (state.MatchProposal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return (&View{e: e}).MatchProposal(id)
}

// PendingMatches returns proposals awaiting an attestation
func (e *Engine) PendingMatches() []state.MatchProposal {
	e.mu.Lock()
	defer e.mu.Unlock()

	pending := e.orders.PendingProposals()
	out := make([]state.MatchProposal, len(pending))
	for i, mp := range pending {
		out[i] = *mp
	}
	return out
}

func matchProposedEvent(mp *state.MatchProposal) *event.MatchProposed {
	return &event.MatchProposed{
		MatchID:     mp.ID,
		BuyOrderID:  mp.BuyOrder,
		SellOrderID: mp.SellOrder,
		Crossing:    mp.Crossing.Handle(),
	}
}

func orderDigest(o *state.Order) []byte {
	buf := uint64Bytes(o.ID)
	buf = append(buf, o.Trader.Bytes()...)
	price, size := o.Price.Handle(), o.Size.Handle()
	buf = append(buf, price[:]...)
	buf = append(buf, size[:]...)
	if o.IsLong {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

func proposalDigest(mp *state.MatchProposal) []byte {
	buf := uint64Bytes(mp.ID)
	buf = append(buf, uint64Bytes(mp.BuyOrder)...)
	buf = append(buf, uint64Bytes(mp.SellOrder)...)
	return append(buf, byte(mp.Status))
}
