package core_test

import (
	"ConfidentialPerp/internal/confidential"
	"ConfidentialPerp/internal/core"
	"ConfidentialPerp/internal/event"
	"ConfidentialPerp/internal/oracle"
	"ConfidentialPerp/internal/state"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func (f *fixture) place(trader common.Address, price, size uint64, isLong bool) uint64 {
	f.t.Helper()
	id, err := f.engine.PlaceOrder(ctx, trader, f.seal(trader, price), f.seal(trader, size), isLong)
	if err != nil {
		f.t.Fatalf("place order: %v", err)
	}
	return id
}

func (f *fixture) settle(matchID uint64) *oracle.Attestation {
	f.t.Helper()
	mp, err := f.engine.GetMatchProposal(matchID)
	if err != nil {
		f.t.Fatalf("proposal: %v", err)
	}
	att := f.attest(oracle.KindMatch, oracle.SequenceSubject(matchID), mp.Crossing)
	if err := f.engine.SettleMatch(ctx, matchID, att); err != nil {
		f.t.Fatalf("settle: %v", err)
	}
	return att
}

// ============================================================================
// Test: Matching
// ============================================================================

func TestPlaceOrder_NoCounterparty(t *testing.T) {
	f := newFixture(t)

	f.place(alice, 50, 1, true)
	f.place(alice, 60, 1, true)

	if got := len(f.engine.PendingMatches()); got != 0 {
		t.Errorf("pending matches = %d, want 0", got)
	}
	for _, out := range f.drain() {
		if out.Envelope.EventType != event.EventTypeOrderPlaced {
			t.Errorf("unexpected %s", out.Envelope.EventType)
		}
	}
}

func TestPlaceOrder_ProposesAndEmits(t *testing.T) {
	f := newFixture(t)
	f.place(alice, 50, 5, true)
	f.drain()

	f.place(bob, 40, 5, false)

	outputs := f.drain()
	got := eventTypes(outputs)
	if len(got) != 2 || got[0] != event.EventTypeOrderPlaced || got[1] != event.EventTypeMatchProposed {
		t.Fatalf("events = %v", got)
	}
	proposed := outputs[1].Envelope.Payload.(*event.MatchProposed)
	if proposed.BuyOrderID != 0 || proposed.SellOrderID != 1 || proposed.Crossing.IsZero() {
		t.Errorf("proposal = %+v", proposed)
	}

	buy, _ := f.engine.GetOrder(0)
	if !buy.Pending || buy.IsFilled {
		t.Errorf("buy order = %+v", buy)
	}
}

func TestSettleMatch_RejectRerunsMatching(t *testing.T) {
	f := newFixture(t)
	f.place(alice, 30, 1, true) // 0
	f.place(alice, 50, 1, true) // 1
	f.place(bob, 40, 1, false)  // 2

	mp, _ := f.engine.GetMatchProposal(0)
	if mp.BuyOrder != 0 || mp.SellOrder != 2 {
		t.Fatalf("first proposal = %d/%d", mp.BuyOrder, mp.SellOrder)
	}

	att := f.settle(0)
	if att.Result {
		t.Fatal("30 >= 40 attested true")
	}

	rejected, _ := f.engine.GetMatchProposal(0)
	if rejected.Status != state.MatchStatusRejected {
		t.Errorf("status = %s", rejected.Status)
	}

	next, err := f.engine.GetMatchProposal(1)
	if err != nil {
		t.Fatalf("rerun did not propose: %v", err)
	}
	if next.BuyOrder != 1 || next.SellOrder != 2 {
		t.Errorf("rerun proposal = %d/%d, want 1/2", next.BuyOrder, next.SellOrder)
	}

	buy0, _ := f.engine.GetOrder(0)
	if buy0.Pending || buy0.IsFilled {
		t.Errorf("rejected buy should be back on the book: %+v", buy0)
	}

	f.settle(1)
	for _, id := range []uint64{1, 2} {
		o, _ := f.engine.GetOrder(id)
		if !o.IsFilled {
			t.Errorf("order %d not filled", id)
		}
	}
	if got := len(f.engine.PendingMatches()); got != 0 {
		t.Errorf("pending matches = %d", got)
	}
}

func TestSettleMatch_Errors(t *testing.T) {
	f := newFixture(t)
	f.place(alice, 50, 1, true)
	f.place(bob, 40, 1, false)
	mp, _ := f.engine.GetMatchProposal(0)

	expectErr(t, f.engine.SettleMatch(ctx, 7, nil), core.ErrInvalidState)

	wrongSubject := f.attest(oracle.KindMatch, oracle.SequenceSubject(9), mp.Crossing)
	expectErr(t, f.engine.SettleMatch(ctx, 0, wrongSubject), oracle.ErrInvalidAttestation)

	wrongKind := f.attest(oracle.KindWithdrawal, oracle.SequenceSubject(0), mp.Crossing)
	expectErr(t, f.engine.SettleMatch(ctx, 0, wrongKind), oracle.ErrInvalidAttestation)

	f.settle(0)
	att := f.attest(oracle.KindMatch, oracle.SequenceSubject(0), mp.Crossing)
	expectErr(t, f.engine.SettleMatch(ctx, 0, att), core.ErrInvalidState)
}

func TestSettleMatch_StaleHandle(t *testing.T) {
	f := newFixture(t)
	f.place(alice, 50, 1, true)
	f.place(bob, 40, 1, false)

	// a valid signature over some other predicate
	other := predicateFromOtherPosition(f)
	att := f.attest(oracle.KindMatch, oracle.SequenceSubject(0), other)

	expectErr(t, f.engine.SettleMatch(ctx, 0, att), core.ErrStaleAttestation)
}

// ============================================================================
// Test: Funding
// ============================================================================

func TestApplyFunding(t *testing.T) {
	f := newFixture(t)
	f.deposit(alice, 1000)
	f.deposit(bob, 1000)
	f.setPrice(100)
	long := f.open(alice, 10, 5, true, 0, 0)
	short := f.open(bob, 10, 5, false, 0, 0)

	round, err := f.engine.ApplyFunding(ctx, admin)
	if err != nil {
		t.Fatalf("funding: %v", err)
	}
	if round != 1 {
		t.Errorf("round = %d, want 1", round)
	}

	// payment = 10 * 100 * 1% = 10
	lp, _ := f.engine.GetPosition(long)
	sp, _ := f.engine.GetPosition(short)
	if got := f.plain(lp.Collateral); got != 190 {
		t.Errorf("long collateral = %d, want 190", got)
	}
	if got := f.plain(sp.Collateral); got != 210 {
		t.Errorf("short collateral = %d, want 210", got)
	}

	if err := f.engine.ClosePosition(ctx, alice, long); err != nil {
		t.Fatalf("close long: %v", err)
	}
	if err := f.engine.ClosePosition(ctx, bob, short); err != nil {
		t.Fatalf("close short: %v", err)
	}
	if got := f.balance(alice); got != 990 {
		t.Errorf("alice = %d, want 990", got)
	}
	if got := f.balance(bob); got != 1010 {
		t.Errorf("bob = %d, want 1010", got)
	}
	if got := f.plain(f.engine.LedgerSum()); got != 0 {
		t.Errorf("ledger sum = %d, want 0", got)
	}

	r, ok := f.engine.GetFundingRound(1)
	if !ok || r.Positions != 2 || r.RateBps != 100 {
		t.Errorf("round record = %+v", r)
	}
}

func TestApplyFunding_NoOpenPositions(t *testing.T) {
	f := newFixture(t)

	for want := uint64(1); want <= 3; want++ {
		round, err := f.engine.ApplyFunding(ctx, admin)
		if err != nil {
			t.Fatalf("funding: %v", err)
		}
		if round != want {
			t.Errorf("round = %d, want %d", round, want)
		}
	}
	if got := f.engine.Stats().FundingRounds; got != 3 {
		t.Errorf("stats rounds = %d", got)
	}
}

// ============================================================================
// Test: Withdrawals
// ============================================================================

func TestWithdrawal_Confirmed(t *testing.T) {
	f := newFixture(t)
	f.deposit(alice, 1000)

	id, err := f.engine.RequestWithdrawal(ctx, alice, f.seal(alice, 300))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if got := f.balance(alice); got != 1000 {
		t.Errorf("request must not move funds, balance = %d", got)
	}

	pred, _ := f.engine.WithdrawalPredicate(id)
	att := f.attest(oracle.KindWithdrawal, oracle.SequenceSubject(id), pred)
	if err := f.engine.ConfirmWithdrawal(ctx, id, att); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	if got := f.balance(alice); got != 700 {
		t.Errorf("balance = %d, want 700", got)
	}
	outputs := f.drain()
	if last := outputs[len(outputs)-1].Envelope.EventType; last != event.EventTypeWithdrawalConfirmed {
		t.Errorf("last event = %s", last)
	}

	expectErr(t, f.engine.ConfirmWithdrawal(ctx, id, att), core.ErrInvalidState)
}

func TestWithdrawal_InsufficientIsRejected(t *testing.T) {
	f := newFixture(t)
	f.deposit(alice, 1000)

	id, _ := f.engine.RequestWithdrawal(ctx, alice, f.seal(alice, 2000))
	pred, _ := f.engine.WithdrawalPredicate(id)
	att := f.attest(oracle.KindWithdrawal, oracle.SequenceSubject(id), pred)

	if err := f.engine.ConfirmWithdrawal(ctx, id, att); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if got := f.balance(alice); got != 1000 {
		t.Errorf("balance = %d, want 1000", got)
	}

	outputs := f.drain()
	if last := outputs[len(outputs)-1].Envelope.EventType; last != event.EventTypeWithdrawalRejected {
		t.Errorf("last event = %s", last)
	}
	if _, err := f.engine.WithdrawalPredicate(id); err == nil {
		t.Error("rejected withdrawal should leave the pending set")
	}
}

func TestWithdrawal_StaleAfterDeposit(t *testing.T) {
	f := newFixture(t)
	f.deposit(alice, 100)

	id, _ := f.engine.RequestWithdrawal(ctx, alice, f.seal(alice, 300))
	pred, _ := f.engine.WithdrawalPredicate(id)
	att := f.attest(oracle.KindWithdrawal, oracle.SequenceSubject(id), pred)

	f.deposit(alice, 500)

	expectErr(t, f.engine.ConfirmWithdrawal(ctx, id, att), core.ErrStaleAttestation)
	if got := f.engine.Stats().PendingWithdrawals; got != 1 {
		t.Errorf("pending = %d, want 1", got)
	}
}

func TestWithdrawal_Errors(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.RequestWithdrawal(ctx, bob, f.seal(bob, 1))
	expectErr(t, err, core.ErrInvalidState)

	expectErr(t, f.engine.ConfirmWithdrawal(ctx, 99, nil), core.ErrInvalidState)
}

// predicateFromOtherPosition returns a liquidation predicate unrelated to
// any order book proposal.
func predicateFromOtherPosition(f *fixture) confidential.Bool {
	f.t.Helper()
	f.deposit(keeper, 1000)
	f.setPrice(100)
	id := f.open(keeper, 1, 1, true, 0, 0)
	pred, err := f.engine.CheckLiquidatable(id)
	if err != nil {
		f.t.Fatalf("check: %v", err)
	}
	return pred
}
