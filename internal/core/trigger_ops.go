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

// AttemptLiquidate closes an open position as Liquidated. Anyone may call
// it, but only with an oracle attestation that the position's current
// liquidatability predicate decrypts to true. The keeper receives
// collateral * LiquidationRewardBps / 10000; the owner receives the rest of
// the collateral plus pnl.
//
// Of two racing keepers the first wins; the second sees a closed position
// and gets ErrInvalidState.
func (e *Engine) AttemptLiquidate(ctx context.Context, keeper common.Address, id common.Hash, att *oracle.Attestation) error {
	const op = "attempt_liquidate"
	start := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	pos, err := e.openPositionFor(id)
	if err != nil {
		return e.reject(op, err)
	}
	if err := e.verifier.Verify(att, pos.ID, oracle.KindLiquidation); err != nil {
		return e.attestationRejected(op, oracle.KindLiquidation, err)
	}
	if err := e.checkAttested(att, e.checkLiquidatable(pos)); err != nil {
		return e.attestationRejected(op, oracle.KindLiquidation, err)
	}

	now := e.clock()
	pnl := e.calculatePnL(pos)
	rewardGross := e.arith.MulPlain(pos.Collateral, e.params.LiquidationRewardBps)
	reward, err := e.arith.DivPlain(rewardGross, state.BpsDenominator)
	if err != nil {
		panic(fmt.Sprintf("FATAL: %v", err))
	}

	batch := e.newBatch(ctx, now)
	e.journalGen.Liquidation(batch, pos.Owner, keeper, pos.ID, pos.Collateral, reward, pnl)

	e.closePosition(pos, state.PositionStatusLiquidated, keeper, "", now)

	e.commit(ctx, op, start, now, batch, pos.CanonicalBytes(), &event.LiquidationExecuted{
		Owner:      pos.Owner,
		PositionID: pos.ID,
		Keeper:     keeper,
	})

	e.logger.Info().
		Str("position_id", pos.ID.Hex()).
		Str("owner", pos.Owner.Hex()).
		Str("keeper", keeper.Hex()).
		Msg("position liquidated")

	return nil
}

// AttemptExecuteBrackets closes an open position as BracketExecuted on an
// attested stop-loss or take-profit trigger. The owner receives
// collateral + pnl.
func (e *Engine) AttemptExecuteBrackets(ctx context.Context, keeper common.Address, id common.Hash, att *oracle.Attestation) error {
	const op = "attempt_execute_brackets"
	start := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	pos, err := e.openPositionFor(id)
	if err != nil {
		return e.reject(op, err)
	}
	if err := e.verifier.Verify(att, pos.ID, oracle.KindStopLoss, oracle.KindTakeProfit); err != nil {
		kind := oracle.KindUnknown
		if att != nil {
			kind = att.Kind
		}
		return e.attestationRejected(op, kind, err)
	}

	sl, tp := e.evaluateBrackets(pos)
	pred := sl
	if att.Kind == oracle.KindTakeProfit {
		pred = tp
	}
	if err := e.checkAttested(att, pred); err != nil {
		return e.attestationRejected(op, att.Kind, err)
	}

	now := e.clock()
	pnl := e.calculatePnL(pos)

	batch := e.newBatch(ctx, now)
	e.journalGen.Settlement(batch, pos.Owner, pos.ID, pos.Collateral, pnl)

	e.closePosition(pos, state.PositionStatusBracketExecuted, keeper, att.Kind.String(), now)

	e.commit(ctx, op, start, now, batch, pos.CanonicalBytes(),
		&event.PositionClosed{
			Owner:      pos.Owner,
			PositionID: pos.ID,
		},
		&event.BracketExecuted{
			Owner:      pos.Owner,
			PositionID: pos.ID,
			Keeper:     keeper,
			Trigger:    att.Kind.String(),
		},
	)

	e.logger.Info().
		Str("position_id", pos.ID.Hex()).
		Str("trigger", att.Kind.String()).
		Str("keeper", keeper.Hex()).
		Msg("bracket executed")

	return nil
}

// checkAttested binds a signature-verified attestation to the predicate
// recomputed from current state. Handles are deterministic in their
// inputs, so any state change since the oracle signed shows up as a
// different handle.
func (e *Engine) checkAttested(att *oracle.Attestation, pred confidential.Bool) error {
	if att.Handle != pred.Handle() {
		return fmt.Errorf("%w: attested %s, current %s", ErrStaleAttestation, att.Handle, pred.Handle())
	}
	if !att.Result {
		return fmt.Errorf("%w: %s attested false for %s", ErrPredicateNotSatisfied, att.Kind, att.Subject.Hex())
	}
	return nil
}
