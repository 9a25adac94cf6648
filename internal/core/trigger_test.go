package core_test

import (
	"ConfidentialPerp/internal/core"
	"ConfidentialPerp/internal/event"
	"ConfidentialPerp/internal/oracle"
	"ConfidentialPerp/internal/state"
	"errors"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// openLiquidatable opens alice long size 10 x10 at 100 (collateral 100)
func openLiquidatable(f *fixture) common.Hash {
	f.deposit(alice, 1000)
	f.setPrice(100)
	return f.open(alice, 10, 10, true, 0, 0)
}

// ============================================================================
// Test: Liquidation
// ============================================================================

func TestAttemptLiquidate_PredicateFalse(t *testing.T) {
	f := newFixture(t)
	id := openLiquidatable(f)
	f.setPrice(95)

	pred, _ := f.engine.CheckLiquidatable(id)
	att := f.attest(oracle.KindLiquidation, id, pred)

	expectErr(t, f.engine.AttemptLiquidate(ctx, keeper, id, att), core.ErrPredicateNotSatisfied)

	pos, _ := f.engine.GetPosition(id)
	if !pos.IsOpen() {
		t.Error("position must stay open")
	}
}

func TestAttemptLiquidate_PaysKeeperReward(t *testing.T) {
	f := newFixture(t)
	id := openLiquidatable(f)
	f.setPrice(92)

	pred, _ := f.engine.CheckLiquidatable(id)
	att := f.attest(oracle.KindLiquidation, id, pred)

	if err := f.engine.AttemptLiquidate(ctx, keeper, id, att); err != nil {
		t.Fatalf("liquidate: %v", err)
	}

	// reward = 100 * 5% = 5; owner gets 100 - 5 + (92-100)*10 = 15
	if got := f.balance(keeper); got != 5 {
		t.Errorf("keeper balance = %d, want 5", got)
	}
	if got := f.balance(alice); got != 915 {
		t.Errorf("alice balance = %d, want 915", got)
	}

	pos, _ := f.engine.GetPosition(id)
	if pos.Status != state.PositionStatusLiquidated {
		t.Errorf("status = %s", pos.Status)
	}
	c, ok := f.engine.GetClosure(id)
	if !ok || c.Keeper != keeper || c.Status != state.PositionStatusLiquidated {
		t.Errorf("closure = %+v", c)
	}
	if got := f.plain(f.engine.LedgerSum()); got != 0 {
		t.Errorf("ledger sum = %d", got)
	}

	outputs := f.drain()
	if last := outputs[len(outputs)-1].Envelope; last.EventType != event.EventTypeLiquidationExecuted {
		t.Errorf("last event = %s", last.EventType)
	}

	expectErr(t, f.engine.AttemptLiquidate(ctx, keeper, id, att), core.ErrInvalidState)
}

func TestAttemptLiquidate_StaleAttestation(t *testing.T) {
	f := newFixture(t)
	id := openLiquidatable(f)
	f.setPrice(92)

	pred, _ := f.engine.CheckLiquidatable(id)
	att := f.attest(oracle.KindLiquidation, id, pred)

	// state moves after the oracle signed
	f.setPrice(90)

	expectErr(t, f.engine.AttemptLiquidate(ctx, keeper, id, att), core.ErrStaleAttestation)
}

func TestAttemptLiquidate_InvalidAttestations(t *testing.T) {
	f := newFixture(t)
	id := openLiquidatable(f)
	f.setPrice(92)
	pred, _ := f.engine.CheckLiquidatable(id)

	t.Run("missing", func(t *testing.T) {
		expectErr(t, f.engine.AttemptLiquidate(ctx, keeper, id, nil), oracle.ErrInvalidAttestation)
	})

	t.Run("foreign signer", func(t *testing.T) {
		key, _ := crypto.GenerateKey()
		rogue := oracle.NewSigner(key, ledgerID, f.backend)
		att, err := rogue.Attest(oracle.KindLiquidation, id, pred)
		if err != nil {
			t.Fatalf("attest: %v", err)
		}
		expectErr(t, f.engine.AttemptLiquidate(ctx, keeper, id, att), oracle.ErrInvalidAttestation)
	})

	t.Run("wrong kind", func(t *testing.T) {
		att := f.attest(oracle.KindStopLoss, id, pred)
		expectErr(t, f.engine.AttemptLiquidate(ctx, keeper, id, att), oracle.ErrInvalidAttestation)
	})

	t.Run("wrong subject", func(t *testing.T) {
		att := f.attest(oracle.KindLiquidation, common.HexToHash("0x01"), pred)
		expectErr(t, f.engine.AttemptLiquidate(ctx, keeper, id, att), oracle.ErrInvalidAttestation)
	})

	t.Run("forged result", func(t *testing.T) {
		att := f.attest(oracle.KindLiquidation, id, pred)
		att.Result = !att.Result
		expectErr(t, f.engine.AttemptLiquidate(ctx, keeper, id, att), oracle.ErrInvalidAttestation)
	})

	pos, _ := f.engine.GetPosition(id)
	if !pos.IsOpen() {
		t.Error("position must stay open")
	}
}

func TestAttemptLiquidate_RacingKeepersOneWins(t *testing.T) {
	f := newFixture(t)
	id := openLiquidatable(f)
	f.setPrice(92)

	pred, _ := f.engine.CheckLiquidatable(id)
	att := f.attest(oracle.KindLiquidation, id, pred)

	keepers := []common.Address{keeper, bob}
	errs := make([]error, len(keepers))

	var wg sync.WaitGroup
	for i, k := range keepers {
		wg.Add(1)
		go func(i int, k common.Address) {
			defer wg.Done()
			errs[i] = f.engine.AttemptLiquidate(ctx, k, id, att)
		}(i, k)
	}
	wg.Wait()

	var wins, closed int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, core.ErrInvalidState):
			closed++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 || closed != 1 {
		t.Errorf("wins=%d closed=%d, want 1/1", wins, closed)
	}
	if got := f.engine.Stats().Liquidations; got != 1 {
		t.Errorf("liquidations = %d, want 1", got)
	}
}

// ============================================================================
// Test: Bracket execution
// ============================================================================

func TestAttemptExecuteBrackets_StopLoss(t *testing.T) {
	f := newFixture(t)
	f.deposit(alice, 1000)
	f.setPrice(100)
	id := f.open(alice, 10, 5, true, 90, 130)
	f.drain()

	f.setPrice(85)
	sl, _, _ := f.engine.EvaluateBrackets(id)
	att := f.attest(oracle.KindStopLoss, id, sl)

	if err := f.engine.AttemptExecuteBrackets(ctx, keeper, id, att); err != nil {
		t.Fatalf("execute: %v", err)
	}

	// 800 + collateral 200 + pnl (85-100)*10
	if got := f.balance(alice); got != 850 {
		t.Errorf("balance = %d, want 850", got)
	}
	pos, _ := f.engine.GetPosition(id)
	if pos.Status != state.PositionStatusBracketExecuted {
		t.Errorf("status = %s", pos.Status)
	}
	c, _ := f.engine.GetClosure(id)
	if c.Trigger != oracle.KindStopLoss.String() {
		t.Errorf("trigger = %q", c.Trigger)
	}

	outputs := f.drain()
	got := eventTypes(outputs)
	want := []event.EventType{
		event.EventTypeOraclePriceUpdated,
		event.EventTypePositionClosed,
		event.EventTypeBracketExecuted,
	}
	if len(got) != len(want) {
		t.Fatalf("events = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
	if outputs[1].Batch == nil || outputs[2].Batch != nil {
		t.Error("settlement batch must ride on the first envelope only")
	}
}

func TestAttemptExecuteBrackets_DisabledBracketAttestsFalse(t *testing.T) {
	f := newFixture(t)
	f.deposit(alice, 1000)
	f.setPrice(100)
	id := f.open(alice, 10, 5, true, 0, 130)

	f.setPrice(50)
	sl, _, _ := f.engine.EvaluateBrackets(id)
	att := f.attest(oracle.KindStopLoss, id, sl)
	if att.Result {
		t.Fatal("disabled stop-loss attested true")
	}

	expectErr(t, f.engine.AttemptExecuteBrackets(ctx, keeper, id, att), core.ErrPredicateNotSatisfied)
}

func TestAttemptExecuteBrackets_ShortTakeProfit(t *testing.T) {
	f := newFixture(t)
	f.deposit(bob, 1000)
	f.setPrice(100)
	id := f.open(bob, 10, 5, false, 0, 80)

	f.setPrice(70)
	_, tp, _ := f.engine.EvaluateBrackets(id)
	att := f.attest(oracle.KindTakeProfit, id, tp)
	if !att.Result {
		t.Fatal("short take-profit should be satisfied")
	}

	if err := f.engine.AttemptExecuteBrackets(ctx, keeper, id, att); err != nil {
		t.Fatalf("execute: %v", err)
	}
	// 800 + 200 + (100-70)*10
	if got := f.balance(bob); got != 1300 {
		t.Errorf("balance = %d, want 1300", got)
	}
}

func TestAttemptExecuteBrackets_RejectsLiquidationKind(t *testing.T) {
	f := newFixture(t)
	id := openLiquidatable(f)
	f.setPrice(92)

	pred, _ := f.engine.CheckLiquidatable(id)
	att := f.attest(oracle.KindLiquidation, id, pred)

	expectErr(t, f.engine.AttemptExecuteBrackets(ctx, keeper, id, att), oracle.ErrInvalidAttestation)
}

func TestAttemptExecuteBrackets_KindMustMatchPredicate(t *testing.T) {
	f := newFixture(t)
	f.deposit(alice, 1000)
	f.setPrice(100)
	id := f.open(alice, 10, 5, true, 90, 130)

	f.setPrice(85)
	sl, _, _ := f.engine.EvaluateBrackets(id)

	// stop-loss predicate signed as take-profit
	att := f.attest(oracle.KindTakeProfit, id, sl)
	expectErr(t, f.engine.AttemptExecuteBrackets(ctx, keeper, id, att), core.ErrStaleAttestation)
}
