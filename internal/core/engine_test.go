package core_test

import (
	"ConfidentialPerp/internal/confidential"
	"ConfidentialPerp/internal/core"
	"ConfidentialPerp/internal/event"
	"ConfidentialPerp/internal/observability"
	"ConfidentialPerp/internal/oracle"
	"ConfidentialPerp/internal/state"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// --- Test helpers ---

const ledgerID = "core-test"

var (
	networkKey = []byte("0123456789abcdef0123456789abcdef")

	admin  = common.HexToAddress("0x00000000000000000000000000000000000ad111")
	alice  = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob    = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	keeper = common.HexToAddress("0x000000000000000000000000000000000000beef")

	ctx = context.Background()
)

type fixture struct {
	t       *testing.T
	engine  *core.Engine
	backend *confidential.SimBackend
	sealer  *confidential.Sealer
	signer  *oracle.Signer
	persist chan core.CoreOutput
}

func testParams() state.Params {
	return state.Params{
		LiquidationThresholdBps: 500,
		FundingRateBps:          100,
		LiquidationRewardBps:    500,
		MaxLeverage:             20,
	}
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithParams(t, testParams())
}

func newFixtureWithParams(t *testing.T, params state.Params) *fixture {
	t.Helper()

	backend, err := confidential.NewSimBackend(networkKey)
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	sealer, err := confidential.NewSealer(networkKey)
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("oracle key: %v", err)
	}
	signer := oracle.NewSigner(key, ledgerID, backend)

	tick := time.Unix(1700000000, 0)
	clock := func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}

	persist := make(chan core.CoreOutput, 4096)
	engine, err := core.NewEngine(
		core.EngineConfig{Admin: admin, Params: params, Clock: clock},
		backend,
		oracle.NewVerifier(signer.Address(), ledgerID),
		persist, nil,
		observability.NewMetrics(prometheus.NewRegistry()),
		zerolog.Nop(),
	)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	return &fixture{t: t, engine: engine, backend: backend, sealer: sealer, signer: signer, persist: persist}
}

func (f *fixture) seal(owner common.Address, amount uint64) confidential.Ciphertext {
	f.t.Helper()
	ct, err := f.sealer.Seal(owner, amount)
	if err != nil {
		f.t.Fatalf("seal: %v", err)
	}
	return ct
}

// optional seals amount, or returns an empty ciphertext for 0
func (f *fixture) optional(owner common.Address, amount uint64) confidential.Ciphertext {
	if amount == 0 {
		return confidential.Ciphertext{}
	}
	return f.seal(owner, amount)
}

func (f *fixture) deposit(account common.Address, amount uint64) {
	f.t.Helper()
	if err := f.engine.Deposit(ctx, account, f.seal(account, amount)); err != nil {
		f.t.Fatalf("deposit: %v", err)
	}
}

func (f *fixture) setPrice(price uint64) {
	f.t.Helper()
	if err := f.engine.SetOraclePrice(ctx, admin, f.seal(admin, price)); err != nil {
		f.t.Fatalf("set price: %v", err)
	}
}

func (f *fixture) open(account common.Address, size, leverage uint64, isLong bool, sl, tp uint64) common.Hash {
	f.t.Helper()
	id, err := f.engine.OpenPosition(ctx, account, f.seal(account, size), leverage, isLong, f.optional(account, sl), f.optional(account, tp))
	if err != nil {
		f.t.Fatalf("open position: %v", err)
	}
	return id
}

func (f *fixture) plain(v confidential.Value) int64 {
	f.t.Helper()
	d, err := f.backend.DecryptValue(v)
	if err != nil {
		f.t.Fatalf("decrypt: %v", err)
	}
	return d.IntPart()
}

func (f *fixture) reveal(b confidential.Bool) bool {
	f.t.Helper()
	r, err := f.backend.DecryptBool(b)
	if err != nil {
		f.t.Fatalf("decrypt bool: %v", err)
	}
	return r
}

func (f *fixture) balance(account common.Address) int64 {
	f.t.Helper()
	v, err := f.engine.GetBalance(account)
	if err != nil {
		f.t.Fatalf("balance: %v", err)
	}
	return f.plain(v)
}

func (f *fixture) attest(kind oracle.Kind, subject common.Hash, pred confidential.Bool) *oracle.Attestation {
	f.t.Helper()
	att, err := f.signer.Attest(kind, subject, pred)
	if err != nil {
		f.t.Fatalf("attest: %v", err)
	}
	return att
}

func (f *fixture) drain() []core.CoreOutput {
	var out []core.CoreOutput
	for {
		select {
		case o := <-f.persist:
			out = append(out, o)
		default:
			return out
		}
	}
}

func eventTypes(outputs []core.CoreOutput) []event.EventType {
	types := make([]event.EventType, len(outputs))
	for i, o := range outputs {
		types[i] = o.Envelope.EventType
	}
	return types
}

func expectErr(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("expected %v, got %v", target, err)
	}
}

// ============================================================================
// Test: Construction
// ============================================================================

func TestNewEngine_RejectsBadConfig(t *testing.T) {
	backend, _ := confidential.NewSimBackend(networkKey)
	verifier := oracle.NewVerifier(admin, ledgerID)

	if _, err := core.NewEngine(core.EngineConfig{Params: testParams()}, backend, verifier, nil, nil, nil, zerolog.Nop()); err == nil {
		t.Error("missing admin should be rejected")
	}
	if _, err := core.NewEngine(core.EngineConfig{Admin: admin}, backend, verifier, nil, nil, nil, zerolog.Nop()); err == nil {
		t.Error("zero params should be rejected")
	}
	if _, err := core.NewEngine(core.EngineConfig{Admin: admin, Params: testParams()}, backend, nil, nil, nil, nil, zerolog.Nop()); err == nil {
		t.Error("missing verifier should be rejected")
	}
}

// ============================================================================
// Test: Scenarios A-D
// ============================================================================

func TestScenarioA_OpenLocksCollateral(t *testing.T) {
	f := newFixture(t)
	f.deposit(alice, 1000)
	f.setPrice(100)

	id := f.open(alice, 10, 5, true, 0, 0)

	if got := f.balance(alice); got != 800 {
		t.Errorf("balance = %d, want 800", got)
	}
	pos, err := f.engine.GetPosition(id)
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if got := f.plain(pos.Collateral); got != 200 {
		t.Errorf("collateral = %d, want 200", got)
	}
	if got := f.plain(pos.EntryPrice); got != 100 {
		t.Errorf("entry price = %d, want 100", got)
	}
	if !pos.IsOpen() || pos.Owner != alice || pos.Leverage != 5 || !pos.IsLong {
		t.Errorf("unexpected position %+v", pos)
	}
}

func TestScenarioB_CloseReturnsCollateralPlusPnL(t *testing.T) {
	f := newFixture(t)
	f.deposit(alice, 1000)
	f.setPrice(100)
	id := f.open(alice, 10, 5, true, 0, 0)

	f.setPrice(120)

	pnl, err := f.engine.CalculatePnL(id)
	if err != nil {
		t.Fatalf("pnl: %v", err)
	}
	if got := f.plain(pnl); got != 200 {
		t.Errorf("pnl = %d, want 200", got)
	}

	if err := f.engine.ClosePosition(ctx, alice, id); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := f.balance(alice); got != 1200 {
		t.Errorf("balance = %d, want 1200", got)
	}

	pos, _ := f.engine.GetPosition(id)
	if pos.Status != state.PositionStatusClosed || pos.ClosedAt.IsZero() {
		t.Errorf("status = %s", pos.Status)
	}
}

func TestScenarioC_AttestedMatchFillsBoth(t *testing.T) {
	f := newFixture(t)

	buyID, err := f.engine.PlaceOrder(ctx, alice, f.seal(alice, 50), f.seal(alice, 5), true)
	if err != nil {
		t.Fatalf("place buy: %v", err)
	}
	sellID, err := f.engine.PlaceOrder(ctx, bob, f.seal(bob, 40), f.seal(bob, 5), false)
	if err != nil {
		t.Fatalf("place sell: %v", err)
	}

	mp, err := f.engine.GetMatchProposal(0)
	if err != nil {
		t.Fatalf("proposal: %v", err)
	}
	if mp.BuyOrder != buyID || mp.SellOrder != sellID {
		t.Fatalf("proposal pairs %d/%d", mp.BuyOrder, mp.SellOrder)
	}

	att := f.attest(oracle.KindMatch, oracle.SequenceSubject(mp.ID), mp.Crossing)
	if err := f.engine.SettleMatch(ctx, mp.ID, att); err != nil {
		t.Fatalf("settle: %v", err)
	}

	for _, id := range []uint64{buyID, sellID} {
		o, _ := f.engine.GetOrder(id)
		if !o.IsFilled || o.Pending {
			t.Errorf("order %d not filled: %+v", id, o)
		}
	}
	if got := f.engine.OrderBookSize(); got != 2 {
		t.Errorf("order book size = %d, want 2", got)
	}
}

func TestScenarioD_DoubleCloseIsInvalidState(t *testing.T) {
	f := newFixture(t)
	f.deposit(alice, 1000)
	f.setPrice(100)
	id := f.open(alice, 10, 5, true, 0, 0)

	if err := f.engine.ClosePosition(ctx, alice, id); err != nil {
		t.Fatalf("first close: %v", err)
	}
	expectErr(t, f.engine.ClosePosition(ctx, alice, id), core.ErrInvalidState)

	if got := f.balance(alice); got != 1000 {
		t.Errorf("balance = %d, want 1000 (no double credit)", got)
	}
}

// ============================================================================
// Test: Properties
// ============================================================================

func TestCollateralConservation(t *testing.T) {
	f := newFixture(t)
	f.setPrice(10)

	var deposited, locked int64
	var open []common.Hash

	for i := uint64(1); i <= 5; i++ {
		f.deposit(alice, 100*i)
		deposited += int64(100 * i)

		id := f.open(alice, i, 2, i%2 == 0, 0, 0)
		locked += int64(i * 10 / 2)
		open = append(open, id)
	}

	// close every other position at an unchanged price (zero pnl)
	for i, id := range open {
		if i%2 == 0 {
			if err := f.engine.ClosePosition(ctx, alice, id); err != nil {
				t.Fatalf("close: %v", err)
			}
			pos, _ := f.engine.GetPosition(id)
			locked -= f.plain(pos.Collateral)
		}
	}

	if got := f.balance(alice); got != deposited-locked {
		t.Errorf("balance = %d, want %d", got, deposited-locked)
	}
	if got := f.plain(f.engine.LedgerSum()); got != 0 {
		t.Errorf("ledger sum = %d, want 0", got)
	}
}

func TestReadsDoNotMutate(t *testing.T) {
	f := newFixture(t)
	f.deposit(alice, 1000)
	f.setPrice(100)
	id := f.open(alice, 10, 5, true, 0, 0)

	seq := f.engine.GetSequence()
	hash := f.engine.GetStateHash()

	p1, _ := f.engine.GetPosition(id)
	p2, _ := f.engine.GetPosition(id)
	ids1 := f.engine.GetUserPositions(alice)
	ids2 := f.engine.GetUserPositions(alice)
	_, _ = f.engine.CheckLiquidatable(id)
	_, _, _ = f.engine.EvaluateBrackets(id)

	if *p1 != *p2 {
		t.Error("repeated GetPosition returned different results")
	}
	if len(ids1) != 1 || len(ids2) != 1 || ids1[0] != ids2[0] || ids1[0] != id {
		t.Errorf("user positions = %v / %v", ids1, ids2)
	}
	if f.engine.GetSequence() != seq || f.engine.GetStateHash() != hash {
		t.Error("reads advanced the ledger")
	}
}

func TestOrderBookAppendOnly(t *testing.T) {
	f := newFixture(t)

	prev := f.engine.OrderBookSize()
	for i := 0; i < 6; i++ {
		trader, isLong := alice, true
		if i%2 == 1 {
			trader, isLong = bob, false
		}
		if _, err := f.engine.PlaceOrder(ctx, trader, f.seal(trader, 10), f.seal(trader, 1), isLong); err != nil {
			t.Fatalf("place: %v", err)
		}
		size := f.engine.OrderBookSize()
		if size != prev+1 {
			t.Fatalf("size went %d -> %d", prev, size)
		}
		prev = size
	}
}

// ============================================================================
// Test: Structural errors abort without mutation
// ============================================================================

func TestOpenPosition_LeverageChecks(t *testing.T) {
	f := newFixture(t)
	f.deposit(alice, 1000)
	f.setPrice(100)
	seq := f.engine.GetSequence()

	_, err := f.engine.OpenPosition(ctx, alice, f.seal(alice, 1), 0, true, confidential.Ciphertext{}, confidential.Ciphertext{})
	expectErr(t, err, core.ErrInvalidLeverage)

	_, err = f.engine.OpenPosition(ctx, alice, f.seal(alice, 1), 21, true, confidential.Ciphertext{}, confidential.Ciphertext{})
	expectErr(t, err, core.ErrInvalidLeverage)

	if f.engine.GetSequence() != seq {
		t.Error("failed opens must not advance the sequence")
	}
	if got := f.balance(alice); got != 1000 {
		t.Errorf("balance = %d, want 1000", got)
	}
}

func TestOpenPosition_RequiresAccount(t *testing.T) {
	f := newFixture(t)
	f.setPrice(100)

	_, err := f.engine.OpenPosition(ctx, bob, f.seal(bob, 1), 2, true, confidential.Ciphertext{}, confidential.Ciphertext{})
	expectErr(t, err, core.ErrInvalidState)
}

func TestMalformedCiphertext(t *testing.T) {
	f := newFixture(t)

	// sealed for alice, submitted by bob
	expectErr(t, f.engine.Deposit(ctx, bob, f.seal(alice, 10)), confidential.ErrMalformedCiphertext)

	garbage := confidential.Ciphertext{Blob: []byte{1, 2, 3}, Proof: []byte{4}}
	expectErr(t, f.engine.Deposit(ctx, alice, garbage), confidential.ErrMalformedCiphertext)

	if _, err := f.engine.GetBalance(bob); !errors.Is(err, core.ErrInvalidState) {
		t.Errorf("rejected deposit must not create the account, got %v", err)
	}

	f.deposit(alice, 1000)
	f.setPrice(100)
	id := f.open(alice, 1, 1, true, 0, 0)

	bad := f.seal(bob, 90)
	expectErr(t, f.engine.UpdateBrackets(ctx, alice, id, bad, confidential.Ciphertext{}), confidential.ErrMalformedCiphertext)
}

func TestUnauthorized(t *testing.T) {
	f := newFixture(t)
	f.deposit(alice, 1000)
	f.setPrice(100)
	id := f.open(alice, 10, 5, true, 0, 0)

	expectErr(t, f.engine.ClosePosition(ctx, bob, id), core.ErrUnauthorized)
	expectErr(t, f.engine.UpdateBrackets(ctx, bob, id, f.seal(bob, 90), confidential.Ciphertext{}), core.ErrUnauthorized)
	expectErr(t, f.engine.SetOraclePrice(ctx, alice, f.seal(alice, 1)), core.ErrUnauthorized)
	_, err := f.engine.ApplyFunding(ctx, bob)
	expectErr(t, err, core.ErrUnauthorized)

	pos, _ := f.engine.GetPosition(id)
	if !pos.IsOpen() {
		t.Error("unauthorized close must not close the position")
	}
	if got := f.plain(f.engine.GetOraclePrice().Price); got != 100 {
		t.Errorf("oracle price = %d, want 100", got)
	}
}

func TestUnknownPosition(t *testing.T) {
	f := newFixture(t)
	unknown := common.HexToHash("0xdead")

	expectErr(t, f.engine.ClosePosition(ctx, alice, unknown), core.ErrInvalidState)
	_, err := f.engine.GetPosition(unknown)
	expectErr(t, err, core.ErrInvalidState)
	_, err = f.engine.CheckLiquidatable(unknown)
	expectErr(t, err, core.ErrInvalidState)
	_, _, err = f.engine.EvaluateBrackets(unknown)
	expectErr(t, err, core.ErrInvalidState)
}

// ============================================================================
// Test: Brackets
// ============================================================================

func TestUpdateBrackets(t *testing.T) {
	f := newFixture(t)
	f.deposit(alice, 1000)
	f.setPrice(100)
	id := f.open(alice, 10, 5, true, 0, 0)

	if err := f.engine.UpdateBrackets(ctx, alice, id, f.seal(alice, 90), f.seal(alice, 130)); err != nil {
		t.Fatalf("update brackets: %v", err)
	}
	pos, _ := f.engine.GetPosition(id)
	if f.plain(pos.StopLoss) != 90 || f.plain(pos.TakeProfit) != 130 {
		t.Errorf("brackets = %d/%d", f.plain(pos.StopLoss), f.plain(pos.TakeProfit))
	}

	outputs := f.drain()
	if last := outputs[len(outputs)-1].Envelope.EventType; last != event.EventTypeBracketsUpdated {
		t.Errorf("last event = %s", last)
	}

	_ = f.engine.ClosePosition(ctx, alice, id)
	expectErr(t, f.engine.UpdateBrackets(ctx, alice, id, f.seal(alice, 80), confidential.Ciphertext{}), core.ErrInvalidState)
}

func TestEvaluateBrackets_Long(t *testing.T) {
	f := newFixture(t)
	f.deposit(alice, 1000)
	f.setPrice(100)
	id := f.open(alice, 10, 5, true, 90, 130)

	cases := []struct {
		price  uint64
		sl, tp bool
	}{
		{100, false, false},
		{85, true, false},
		{140, false, true},
		{90, false, false}, // strict comparisons
	}
	for _, tc := range cases {
		f.setPrice(tc.price)
		sl, tp, err := f.engine.EvaluateBrackets(id)
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		if f.reveal(sl) != tc.sl || f.reveal(tp) != tc.tp {
			t.Errorf("price %d: sl=%v tp=%v, want %v/%v", tc.price, f.reveal(sl), f.reveal(tp), tc.sl, tc.tp)
		}
	}
}

func TestEvaluateBrackets_ShortInverts(t *testing.T) {
	f := newFixture(t)
	f.deposit(bob, 1000)
	f.setPrice(100)
	id := f.open(bob, 10, 5, false, 110, 80)

	f.setPrice(115)
	sl, tp, _ := f.engine.EvaluateBrackets(id)
	if !f.reveal(sl) || f.reveal(tp) {
		t.Error("short stop-loss should trigger above the bracket")
	}

	f.setPrice(70)
	sl, tp, _ = f.engine.EvaluateBrackets(id)
	if f.reveal(sl) || !f.reveal(tp) {
		t.Error("short take-profit should trigger below the bracket")
	}
}

func TestEvaluateBrackets_DisabledNeverTriggers(t *testing.T) {
	f := newFixture(t)
	f.deposit(bob, 1000)
	f.setPrice(100)
	// short without brackets: oracle > 0 would trip a naive stop-loss
	id := f.open(bob, 1, 1, false, 0, 0)

	f.setPrice(500)
	sl, tp, _ := f.engine.EvaluateBrackets(id)
	if f.reveal(sl) || f.reveal(tp) {
		t.Error("disabled brackets must not trigger")
	}
}

// ============================================================================
// Test: Liquidatability
// ============================================================================

func TestCheckLiquidatable(t *testing.T) {
	f := newFixture(t)
	f.deposit(alice, 1000)
	f.setPrice(100)
	// collateral 100, threshold 5%
	id := f.open(alice, 10, 10, true, 0, 0)

	cases := []struct {
		price uint64
		want  bool
	}{
		{100, false},
		{95, false}, // net 50*10000 = 500000 vs 950*500 = 475000
		{92, true},  // net 20*10000 = 200000 vs 920*500 = 460000
	}
	for _, tc := range cases {
		f.setPrice(tc.price)
		pred, err := f.engine.CheckLiquidatable(id)
		if err != nil {
			t.Fatalf("check: %v", err)
		}
		if got := f.reveal(pred); got != tc.want {
			t.Errorf("price %d: liquidatable=%v, want %v", tc.price, got, tc.want)
		}
	}
}

// ============================================================================
// Test: State hash chain
// ============================================================================

func TestEnvelopesFormHashChain(t *testing.T) {
	f := newFixture(t)
	f.deposit(alice, 1000)
	f.setPrice(100)
	id := f.open(alice, 10, 5, true, 0, 0)
	_ = f.engine.ClosePosition(ctx, alice, id)

	outputs := f.drain()
	want := []event.EventType{
		event.EventTypeDeposited,
		event.EventTypeOraclePriceUpdated,
		event.EventTypePositionOpened,
		event.EventTypePositionClosed,
	}
	got := eventTypes(outputs)
	if len(got) != len(want) {
		t.Fatalf("events = %v", got)
	}

	for i, o := range outputs {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
		if o.Envelope.Sequence != int64(i) {
			t.Errorf("event %d sequence = %d", i, o.Envelope.Sequence)
		}
		if i > 0 && o.Envelope.PrevHash != outputs[i-1].Envelope.StateHash {
			t.Errorf("event %d does not chain to its predecessor", i)
		}
	}

	if outputs[0].Batch == nil || outputs[1].Batch != nil {
		t.Error("only fund-moving operations carry a batch")
	}
	if f.engine.GetStateHash() != outputs[len(outputs)-1].Envelope.StateHash {
		t.Error("engine tip must equal last envelope hash")
	}
}

func TestEngineContinuesChain(t *testing.T) {
	backend, _ := confidential.NewSimBackend(networkKey)
	sealer, _ := confidential.NewSealer(networkKey)
	tip := [32]byte{1, 2, 3}
	persist := make(chan core.CoreOutput, 8)

	engine, err := core.NewEngine(
		core.EngineConfig{Admin: admin, Params: testParams(), StartSequence: 42, PrevHash: &tip},
		backend, oracle.NewVerifier(admin, ledgerID), persist, nil, nil, zerolog.Nop(),
	)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	ct, _ := sealer.Seal(alice, 1)
	if err := engine.Deposit(core.WithRequestID(ctx, "req-1"), alice, ct); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	out := <-persist
	if out.Envelope.Sequence != 42 || out.Envelope.PrevHash != tip || out.Envelope.RequestID != "req-1" {
		t.Errorf("envelope = %+v", out.Envelope)
	}
	if out.Batch.RequestID != "req-1" || out.Batch.Sequence != 42 {
		t.Errorf("batch = %+v", out.Batch)
	}
}

func TestProjectionChannelDropsWhenFull(t *testing.T) {
	backend, _ := confidential.NewSimBackend(networkKey)
	sealer, _ := confidential.NewSealer(networkKey)
	projection := make(chan core.CoreOutput, 1)

	engine, _ := core.NewEngine(
		core.EngineConfig{Admin: admin, Params: testParams()},
		backend, oracle.NewVerifier(admin, ledgerID), nil, projection,
		observability.NewMetrics(prometheus.NewRegistry()), zerolog.Nop(),
	)

	for i := 0; i < 3; i++ {
		ct, _ := sealer.Seal(alice, 1)
		if err := engine.Deposit(ctx, alice, ct); err != nil {
			t.Fatalf("deposit %d: %v", i, err)
		}
	}

	if len(projection) != 1 {
		t.Errorf("projection channel holds %d, want 1", len(projection))
	}
	if engine.GetSequence() != 3 {
		t.Errorf("sequence = %d, want 3", engine.GetSequence())
	}
}
