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

// SetOraclePrice replaces the confidential reference price. Admin only.
func (e *Engine) SetOraclePrice(ctx context.Context, caller common.Address, price confidential.Ciphertext) error {
	const op = "set_oracle_price"
	start := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.admin {
		return e.reject(op, fmt.Errorf("%w: %s is not the admin", ErrUnauthorized, caller.Hex()))
	}

	v, err := e.arith.Decode(price, caller)
	if err != nil {
		return e.reject(op, err)
	}

	now := e.clock()
	version := e.price.Set(v, now)

	h := v.Handle()
	digest := append(uint64Bytes(version), h[:]...)

	e.commit(ctx, op, start, now, nil, digest, &event.OraclePriceUpdated{
		UpdatedAt: now,
		Version:   version,
	})
	return nil
}

// ApplyFunding runs one funding round over every open position. Admin only.
// payment = size * oracle * FundingRateBps / 10000; longs pay it out of
// collateral into the funding pool and shorts receive it.
func (e *Engine) ApplyFunding(ctx context.Context, caller common.Address) (uint64, error) {
	const op = "apply_funding"
	start := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.admin {
		return 0, e.reject(op, fmt.Errorf("%w: %s is not the admin", ErrUnauthorized, caller.Hex()))
	}

	now := e.clock()
	open := e.positions.OpenPositions()
	batch := e.newBatch(ctx, now)
	var digest []byte

	for _, pos := range open {
		notional := e.arith.MulPlain(e.arith.Mul(pos.Size, e.price.Price), e.params.FundingRateBps)
		payment, err := e.arith.DivPlain(notional, state.BpsDenominator)
		if err != nil {
			panic(fmt.Sprintf("FATAL: %v", err))
		}

		e.journalGen.Funding(batch, pos.ID, payment, pos.IsLong)
		if pos.IsLong {
			pos.Collateral = e.arith.Sub(pos.Collateral, payment)
		} else {
			pos.Collateral = e.arith.Add(pos.Collateral, payment)
		}
		digest = append(digest, pos.CanonicalBytes()...)
	}

	round := e.funding.NextRound()
	e.funding.Store(state.FundingRound{
		Round:        round,
		RateBps:      e.params.FundingRateBps,
		OracleHandle: e.price.Price.Handle(),
		Positions:    len(open),
		AppliedAt:    now,
	})
	digest = append(digest, uint64Bytes(round)...)

	e.commit(ctx, op, start, now, batch, digest, &event.FundingApplied{
		Round:     round,
		Positions: len(open),
		AppliedAt: now,
	})

	if e.metrics != nil {
		e.metrics.FundingRounds.Inc()
	}
	e.logger.Info().Uint64("round", round).Int("positions", len(open)).Msg("funding applied")

	return round, nil
}

func (e *Engine) GetFundingRound(round uint64) (state.FundingRound, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.funding.Get(round)
}
