package core

import (
	"ConfidentialPerp/internal/confidential"
	"ConfidentialPerp/internal/event"
	"ConfidentialPerp/internal/state"
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Deposit credits amount to the account, creating it on first use. The
// emitted event names the account only.
func (e *Engine) Deposit(ctx context.Context, account common.Address, amount confidential.Ciphertext) error {
	const op = "deposit"
	start := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	v, err := e.arith.Decode(amount, account)
	if err != nil {
		return e.reject(op, err)
	}

	now := e.clock()
	batch := e.newBatch(ctx, now)
	e.journalGen.Deposit(batch, account, v)

	e.commit(ctx, op, start, now, batch, nil, &event.Deposited{Trader: account})
	return nil
}

// OpenPosition locks size * oracle / leverage of the account's balance as
// collateral and opens a position at the current oracle price. Brackets
// may be omitted (empty ciphertext) to disable them.
//
// The debit is not guarded: an account without enough balance goes
// conceptually negative. Withdrawals are attested; opens are not.
func (e *Engine) OpenPosition(
	ctx context.Context,
	account common.Address,
	size confidential.Ciphertext,
	leverage uint64,
	isLong bool,
	stopLoss, takeProfit confidential.Ciphertext,
) (common.Hash, error) {
	const op = "open_position"
	start := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.params.CheckLeverage(leverage); err != nil {
		return common.Hash{}, e.reject(op, fmt.Errorf("%w: %v", ErrInvalidLeverage, err))
	}
	if !e.ledger.HasUser(account) {
		return common.Hash{}, e.reject(op, fmt.Errorf("%w: account %s has never deposited", ErrInvalidState, account.Hex()))
	}

	sizeV, err := e.arith.Decode(size, account)
	if err != nil {
		return common.Hash{}, e.reject(op, err)
	}
	sl, err := e.decodeOptional(stopLoss, account)
	if err != nil {
		return common.Hash{}, e.reject(op, err)
	}
	tp, err := e.decodeOptional(takeProfit, account)
	if err != nil {
		return common.Hash{}, e.reject(op, err)
	}

	positionValue := e.arith.Mul(sizeV, e.price.Price)
	collateral, err := e.arith.DivPlain(positionValue, leverage)
	if err != nil {
		return common.Hash{}, e.reject(op, fmt.Errorf("%w: %v", ErrInvalidLeverage, err))
	}

	now := e.clock()
	id := state.PositionID(account, now, sizeV.Handle(), e.sequence)
	if _, exists := e.positions.Get(id); exists {
		return common.Hash{}, e.reject(op, fmt.Errorf("%w: position %s already exists", ErrInvalidState, id.Hex()))
	}

	pos := &state.Position{
		ID:         id,
		Owner:      account,
		Size:       sizeV,
		EntryPrice: e.price.Price,
		Collateral: collateral,
		Leverage:   leverage,
		IsLong:     isLong,
		StopLoss:   sl,
		TakeProfit: tp,
		Status:     state.PositionStatusOpen,
		OpenedAt:   now,
	}

	batch := e.newBatch(ctx, now)
	e.journalGen.CollateralLock(batch, account, id, collateral)

	if err := e.positions.Add(pos); err != nil {
		panic(fmt.Sprintf("FATAL: %v", err))
	}

	e.commit(ctx, op, start, now, batch, pos.CanonicalBytes(), &event.PositionOpened{
		Owner:      account,
		PositionID: id,
		IsLong:     isLong,
		Leverage:   leverage,
	})

	e.logger.Info().
		Str("position_id", id.Hex()).
		Str("owner", account.Hex()).
		Bool("is_long", isLong).
		Uint64("leverage", leverage).
		Msg("position opened")

	return id, nil
}

// ClosePosition settles collateral + pnl back to the owner. Only the owner
// may close, and only once.
func (e *Engine) ClosePosition(ctx context.Context, caller common.Address, id common.Hash) error {
	const op = "close_position"
	start := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	pos, err := e.openPositionFor(id)
	if err != nil {
		return e.reject(op, err)
	}
	if pos.Owner != caller {
		return e.reject(op, fmt.Errorf("%w: %s does not own position %s", ErrUnauthorized, caller.Hex(), id.Hex()))
	}

	now := e.clock()
	pnl := e.calculatePnL(pos)

	batch := e.newBatch(ctx, now)
	e.journalGen.Settlement(batch, pos.Owner, pos.ID, pos.Collateral, pnl)

	e.closePosition(pos, state.PositionStatusClosed, common.Address{}, "", now)

	e.commit(ctx, op, start, now, batch, pos.CanonicalBytes(), &event.PositionClosed{
		Owner:      pos.Owner,
		PositionID: pos.ID,
	})
	return nil
}

// CalculatePnL returns (oracle - entry) * size for longs and
// (entry - oracle) * size for shorts, at the current oracle price.
func (e *Engine) CalculatePnL(id common.Hash) (confidential.Value, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return (&View{e: e}).PnL(id)
}

func (e *Engine) calculatePnL(pos *state.Position) confidential.Value {
	if pos.IsLong {
		return e.arith.Mul(e.arith.Sub(e.price.Price, pos.EntryPrice), pos.Size)
	}
	return e.arith.Mul(e.arith.Sub(pos.EntryPrice, e.price.Price), pos.Size)
}

// UpdateBrackets replaces both brackets of an open position. An empty
// ciphertext disables that bracket.
func (e *Engine) UpdateBrackets(ctx context.Context, caller common.Address, id common.Hash, stopLoss, takeProfit confidential.Ciphertext) error {
	const op = "update_brackets"
	start := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	pos, ok := e.positions.Get(id)
	if !ok {
		return e.reject(op, fmt.Errorf("%w: unknown position %s", ErrInvalidState, id.Hex()))
	}
	if pos.Owner != caller {
		return e.reject(op, fmt.Errorf("%w: %s does not own position %s", ErrUnauthorized, caller.Hex(), id.Hex()))
	}
	if !pos.IsOpen() {
		return e.reject(op, fmt.Errorf("%w: position %s is %s", ErrInvalidState, id.Hex(), pos.Status))
	}

	sl, err := e.decodeOptional(stopLoss, caller)
	if err != nil {
		return e.reject(op, err)
	}
	tp, err := e.decodeOptional(takeProfit, caller)
	if err != nil {
		return e.reject(op, err)
	}

	pos.StopLoss = sl
	pos.TakeProfit = tp

	e.commit(ctx, op, start, e.clock(), nil, pos.CanonicalBytes(), &event.BracketsUpdated{
		Owner:      pos.Owner,
		PositionID: pos.ID,
	})
	return nil
}

// EvaluateBrackets returns the confidential trigger predicates of an open
// position. A disabled (zero) bracket never triggers:
// triggered = (bracket != 0) AND cmp. The results cannot gate anything
// here; an oracle attests them for AttemptExecuteBrackets.
func (e *Engine) EvaluateBrackets(id common.Hash) (slTriggered, tpTriggered confidential.Bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return (&View{e: e}).Brackets(id)
}

func (e *Engine) evaluateBrackets(pos *state.Position) (confidential.Bool, confidential.Bool) {
	var slCmp, tpCmp confidential.Bool
	if pos.IsLong {
		slCmp = e.arith.Lt(e.price.Price, pos.StopLoss)
		tpCmp = e.arith.Gt(e.price.Price, pos.TakeProfit)
	} else {
		slCmp = e.arith.Gt(e.price.Price, pos.StopLoss)
		tpCmp = e.arith.Lt(e.price.Price, pos.TakeProfit)
	}

	zero := e.arith.Trivial(0)
	sl := e.arith.And(e.arith.Ne(pos.StopLoss, zero), slCmp)
	tp := e.arith.And(e.arith.Ne(pos.TakeProfit, zero), tpCmp)
	return sl, tp
}

// CheckLiquidatable returns
// (collateral + pnl) * 10000 < (size * oracle) * liquidationThresholdBps.
func (e *Engine) CheckLiquidatable(id common.Hash) (confidential.Bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return (&View{e: e}).Liquidatable(id)
}

func (e *Engine) checkLiquidatable(pos *state.Position) confidential.Bool {
	netValue := e.arith.Add(pos.Collateral, e.calculatePnL(pos))
	positionValue := e.arith.Mul(pos.Size, e.price.Price)

	lhs := e.arith.MulPlain(netValue, state.BpsDenominator)
	rhs := e.arith.MulPlain(positionValue, e.params.LiquidationThresholdBps)
	return e.arith.Lt(lhs, rhs)
}

// openPositionFor returns the position if it exists and is open
func (e *Engine) openPositionFor(id common.Hash) (*state.Position, error) {
	pos, ok := e.positions.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: unknown position %s", ErrInvalidState, id.Hex())
	}
	if !pos.IsOpen() {
		return nil, fmt.Errorf("%w: position %s is %s", ErrInvalidState, id.Hex(), pos.Status)
	}
	return pos, nil
}

// closePosition moves pos to a terminal status and records the closure.
// The caller has already checked that pos is open.
func (e *Engine) closePosition(pos *state.Position, status state.PositionStatus, keeper common.Address, trigger string, now time.Time) {
	if err := pos.Transition(status, now); err != nil {
		panic(fmt.Sprintf("FATAL: %v", err))
	}
	e.closures.Record(&state.Closure{
		PositionID: pos.ID,
		Owner:      pos.Owner,
		Keeper:     keeper,
		Status:     status,
		Trigger:    trigger,
		Sequence:   e.sequence,
		ClosedAt:   now,
	})
	if e.metrics != nil {
		e.metrics.PositionsClosed.WithLabelValues(status.String()).Inc()
	}
}
