package core

import (
	"ConfidentialPerp/internal/confidential"
	"ConfidentialPerp/internal/state"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// View is a read of the engine at a single sequence. It is only valid
// inside the callback passed to Engine.View.
type View struct {
	e *Engine
}

// View runs fn under the engine lock. Every read fn makes, and the sequence
// AsOf reports, come from the same state.
func (e *Engine) View(fn func(v *View) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(&View{e: e})
}

// AsOf is the sequence of the last applied envelope, -1 before the first
func (v *View) AsOf() int64 {
	return v.e.sequence - 1
}

func (v *View) Balance(account common.Address) (confidential.Value, error) {
	bal, ok := v.e.ledger.UserBalance(account)
	if !ok {
		return confidential.Value{}, fmt.Errorf("%w: no account %s", ErrInvalidState, account.Hex())
	}
	return bal, nil
}

// Position returns a copy of a position, open or not
func (v *View) Position(id common.Hash) (*state.Position, error) {
	pos, ok := v.e.positions.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: unknown position %s", ErrInvalidState, id.Hex())
	}
	return pos.Clone(), nil
}

func (v *View) UserPositions(account common.Address) []common.Hash {
	return v.e.positions.UserPositions(account)
}

func (v *View) Closure(id common.Hash) (state.Closure, bool) {
	c, ok := v.e.closures.Get(id)
	if !ok {
		return state.Closure{}, false
	}
	return *c, true
}

func (v *View) OraclePrice() state.OraclePrice {
	return *v.e.price
}

func (v *View) OrderBookSize() int {
	return v.e.orders.Size()
}

func (v *View) PnL(id common.Hash) (confidential.Value, error) {
	pos, ok := v.e.positions.Get(id)
	if !ok {
		return confidential.Value{}, fmt.Errorf("%w: unknown position %s", ErrInvalidState, id.Hex())
	}
	return v.e.calculatePnL(pos), nil
}

func (v *View) Brackets(id common.Hash) (slTriggered, tpTriggered confidential.Bool, err error) {
	pos, err := v.e.openPositionFor(id)
	if err != nil {
		return confidential.Bool{}, confidential.Bool{}, err
	}
	sl, tp := v.e.evaluateBrackets(pos)
	return sl, tp, nil
}

func (v *View) Liquidatable(id common.Hash) (confidential.Bool, error) {
	pos, err := v.e.openPositionFor(id)
	if err != nil {
		return confidential.Bool{}, err
	}
	return v.e.checkLiquidatable(pos), nil
}

func (v *View) MatchProposal(id uint64) (state.MatchProposal, error) {
	mp, ok := v.e.orders.GetProposal(id)
	if !ok {
		return state.MatchProposal{}, fmt.Errorf("%w: unknown match %d", ErrInvalidState, id)
	}
	return *mp, nil
}

func (v *View) WithdrawalPredicate(id uint64) (confidential.Bool, error) {
	w, ok := v.e.withdrawals.Get(id)
	if !ok {
		return confidential.Bool{}, fmt.Errorf("%w: withdrawal %d not pending", ErrInvalidState, id)
	}
	return v.e.withdrawalPredicate(w), nil
}

// LedgerSum is the handle of the sum of all accounts
func (v *View) LedgerSum() confidential.Value {
	return v.e.ledger.GlobalSum()
}

func (v *View) StateHash() [32]byte {
	return v.e.hasher.GetPrevHash()
}
